package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"walletsync/pkg/metrics"
	"walletsync/pkg/models"

	"go.uber.org/zap"
)

var ErrAlreadyRunning = errors.New("scheduler already running")

// Refresher runs one full refresh cycle.
type Refresher interface {
	RefreshAll(ctx context.Context) models.RefreshReport
}

type State string

const (
	StateIdle    State = "idle"
	StateRunning State = "running"
)

// Stats counts completed cycles and ticks dropped because a cycle was
// still in flight.
type Stats struct {
	Runs    uint64    `json:"runs"`
	Skipped uint64    `json:"skipped"`
	LastRun time.Time `json:"last_run,omitempty"`
}

// Scheduler drives periodic refreshes. Cycles run one at a time on the loop
// goroutine, so they never overlap.
type Scheduler struct {
	refresher Refresher
	bus       *Bus
	log       *zap.Logger

	mu         sync.Mutex
	state      State
	interval   time.Duration
	stopCh     chan struct{}
	done       chan struct{}
	lastReport *models.RefreshReport
	stats      Stats
}

// NewScheduler creates an idle scheduler. bus may be nil.
func NewScheduler(r Refresher, bus *Bus, log *zap.Logger) *Scheduler {
	return &Scheduler{refresher: r, bus: bus, log: log.Named("scheduler"), state: StateIdle}
}

// Start runs a refresh immediately, then once per interval until Stop is
// called or ctx is done.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid refresh interval %s", interval)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateRunning {
		return ErrAlreadyRunning
	}

	s.state = StateRunning
	s.interval = interval
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(ctx, interval, s.stopCh, s.done)

	s.log.Info("scheduler started", zap.Duration("interval", interval))
	s.publishState(StateRunning)
	return nil
}

// Stop halts the schedule and waits for an in-flight cycle to finish. It
// is safe to call more than once.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopCh != nil {
		close(s.stopCh)
		s.stopCh = nil
	}
	done := s.done
	s.mu.Unlock()

	if done != nil {
		<-done
	}
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastReport returns the most recent cycle's report, if any.
func (s *Scheduler) LastReport() (models.RefreshReport, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastReport == nil {
		return models.RefreshReport{}, false
	}
	return *s.lastReport, true
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *Scheduler) loop(ctx context.Context, interval time.Duration, stopCh, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		s.state = StateIdle
		s.stopCh = nil
		s.mu.Unlock()
		s.log.Info("scheduler stopped")
		s.publishState(StateIdle)
		close(done)
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.runCycle(ctx, ticker, interval)
	for {
		select {
		case <-stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Stop wins over a tick that raced with it.
			select {
			case <-stopCh:
				return
			default:
			}
			s.runCycle(ctx, ticker, interval)
		}
	}
}

func (s *Scheduler) runCycle(ctx context.Context, ticker *time.Ticker, interval time.Duration) {
	started := time.Now()
	report := s.refresher.RefreshAll(ctx)
	elapsed := time.Since(started)

	// Ticks that fired during the cycle are dropped, not queued.
	skipped := uint64(elapsed / interval)
	select {
	case <-ticker.C:
		if skipped == 0 {
			skipped = 1
		}
	default:
	}

	s.mu.Lock()
	s.lastReport = &report
	s.stats.Runs++
	s.stats.Skipped += skipped
	s.stats.LastRun = started
	s.mu.Unlock()

	metrics.SchedulerRuns.WithLabelValues(metrics.RunRan).Inc()
	if skipped > 0 {
		metrics.SchedulerRuns.WithLabelValues(metrics.RunSkipped).Add(float64(skipped))
		s.log.Debug("dropped ticks during slow cycle", zap.Uint64("skipped", skipped), zap.Duration("elapsed", elapsed))
	}
}

func (s *Scheduler) publishState(state State) {
	if s.bus != nil {
		s.bus.Publish(Event{Type: EventSchedulerState, Data: state})
	}
}
