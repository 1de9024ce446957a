package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"walletsync/pkg/chain"
	"walletsync/pkg/metrics"
	"walletsync/pkg/models"
	"walletsync/pkg/store"
	"walletsync/pkg/watcher"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// errStale aborts a commit for a wallet that was removed and added again
// while its refresh was in flight.
var errStale = errors.New("wallet replaced during refresh")

type valuation struct {
	tokens  []models.TokenBalance
	total   float64
	warning string
}

// RefreshOne fetches fresh balances and prices for one wallet and commits
// them. On failure the stored record is left as it was.
func (c *Core) RefreshOne(ctx context.Context, ref string) (models.WalletRecord, error) {
	id, ok := c.resolve(ref)
	if !ok {
		return models.WalletRecord{}, ErrNotFound
	}
	return c.refresh(ctx, id)
}

// RefreshAll refreshes every wallet with bounded parallelism. One wallet's
// failure never affects another; failures are collected in the report.
// Concurrent calls run one after the other.
func (c *Core) RefreshAll(ctx context.Context) models.RefreshReport {
	c.refreshAllMu.Lock()
	defer c.refreshAllMu.Unlock()

	report := models.RefreshReport{RunID: uuid.NewString(), Started: c.opts.Now()}
	log := c.log.With(zap.String("run_id", report.RunID))

	wallets := c.store.List()
	report.Attempted = len(wallets)
	results := make([]error, len(wallets))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, w := range wallets {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			_, results[i] = c.refresh(ctx, w.ID)
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range results {
		switch {
		case err == nil:
			report.Refreshed++
		case errors.Is(err, ErrNotFound):
			// removed mid-run
			report.Attempted--
		default:
			w := wallets[i]
			report.Failures = append(report.Failures, models.WalletFailure{
				WalletID: w.ID,
				Network:  w.Network,
				Err:      err,
				Message:  err.Error(),
			})
		}
	}
	report.Finished = c.opts.Now()

	if err := report.Err(); err != nil {
		log.Warn("refresh run finished with failures",
			zap.Int("attempted", report.Attempted),
			zap.Int("failed", len(report.Failures)),
			zap.Error(err))
	} else {
		log.Info("refresh run finished", zap.Int("refreshed", report.Refreshed))
	}
	c.bus.Publish(watcher.Event{Type: watcher.EventSyncCompleted, Data: report})
	return report
}

func (c *Core) refresh(ctx context.Context, id string) (models.WalletRecord, error) {
	unlock := c.locks.Lock(id)
	defer unlock()

	rec, ok := c.store.Get(id)
	if !ok {
		return models.WalletRecord{}, ErrNotFound
	}
	log := c.log.With(zap.String("wallet_id", id), zap.String("network", string(rec.Network)))

	adapter, ok := c.chains.Get(rec.Network)
	if !ok {
		err := fmt.Errorf("%w: no adapter for %q", ErrUnsupportedNetwork, rec.Network)
		c.fail(id, rec.Network, err)
		return models.WalletRecord{}, err
	}

	address, err := c.cipher.Decrypt(rec.Address)
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrCorrupted, err)
		log.Error("refresh skipped", zap.Error(err))
		c.fail(id, rec.Network, err)
		return models.WalletRecord{}, err
	}

	start := time.Now()
	val, err := c.valuate(ctx, adapter, address, rec.Tokens)
	observeRefresh(rec.Network, start, err)
	if err != nil {
		log.Warn("refresh failed", zap.Error(err))
		c.fail(id, rec.Network, err)
		return models.WalletRecord{}, err
	}

	at := c.opts.Now()
	updated, err := c.store.Update(ctx, id, func(r *models.WalletRecord) error {
		if !r.CreatedAt.Equal(rec.CreatedAt) {
			return errStale
		}
		r.Tokens = val.tokens
		r.TotalValueUSD = val.total
		ts := at
		if r.LastUpdated != nil && r.LastUpdated.After(ts) {
			ts = *r.LastUpdated
		}
		r.LastUpdated = &ts
		return nil
	})
	if errors.Is(err, store.ErrNotFound) || errors.Is(err, errStale) {
		log.Debug("discarding refresh for removed wallet")
		return models.WalletRecord{}, ErrNotFound
	}
	if err != nil {
		log.Error("failed to commit refresh", zap.Error(err))
		c.fail(id, rec.Network, err)
		return models.WalletRecord{}, err
	}

	c.setStatus(id, at, nil, val.warning)
	c.bus.Publish(watcher.Event{Type: watcher.EventWalletRefreshed, WalletID: id, Data: updated.Clone()})
	return updated, nil
}

// valuate fetches balances and prices them. previous supplies fallback
// prices for symbols the oracle did not quote.
func (c *Core) valuate(ctx context.Context, adapter chain.Adapter, address string, previous []models.TokenBalance) (valuation, error) {
	fctx, cancel := context.WithTimeout(ctx, c.opts.FetchTimeout)
	raw, err := adapter.FetchBalances(fctx, address)
	cancel()
	if err != nil {
		return valuation{}, err
	}

	symbols := make([]string, 0, len(raw))
	for _, b := range raw {
		symbols = append(symbols, strings.ToUpper(b.Symbol))
	}

	var out valuation
	pctx, cancel := context.WithTimeout(ctx, c.opts.PriceTimeout)
	quotes, perr := c.oracle.GetPrices(pctx, symbols)
	cancel()
	if perr != nil {
		out.warning = perr.Error()
		c.log.Warn("pricing degraded", zap.String("network", string(adapter.Network())), zap.Error(perr))
	}

	prev := make(map[string]models.TokenBalance, len(previous))
	for _, t := range previous {
		prev[strings.ToUpper(t.Symbol)] = t
	}

	out.tokens = make([]models.TokenBalance, 0, len(raw))
	for _, b := range raw {
		// The adapter's balance string is kept as reported; decimal only values it.
		balance := strings.TrimSpace(b.Balance)
		amount, err := decimal.NewFromString(balance)
		if err != nil {
			return valuation{}, fmt.Errorf("bad %s balance %q: %w", b.Symbol, b.Balance, err)
		}

		sym := strings.ToUpper(b.Symbol)
		tb := models.TokenBalance{Symbol: sym, DisplayName: b.DisplayName, Balance: balance}
		if q, ok := quotes[sym]; ok {
			tb.PriceUSD = q.PriceUSD
			tb.Change24hPercent = q.Change24hPercent
		} else if p, ok := prev[sym]; ok {
			tb.PriceUSD = p.PriceUSD
			tb.Change24hPercent = p.Change24hPercent
		}

		tb.ValueUSD = amount.Mul(decimal.NewFromFloat(tb.PriceUSD)).InexactFloat64()
		out.total += tb.ValueUSD
		out.tokens = append(out.tokens, tb)
	}
	return out, nil
}

func (c *Core) fail(id string, network models.Network, err error) {
	if _, ok := c.store.Get(id); !ok {
		return
	}
	c.setStatus(id, c.opts.Now(), err, "")
	c.bus.Publish(watcher.Event{Type: watcher.EventRefreshFailed, WalletID: id, Data: map[string]string{
		"network": string(network),
		"error":   err.Error(),
	}})
}

func observeRefresh(network models.Network, start time.Time, err error) {
	outcome := metrics.OutcomeSuccess
	if err != nil {
		outcome = metrics.OutcomeFailure
	}
	metrics.RefreshCount.WithLabelValues(string(network), outcome).Inc()
	metrics.RefreshDuration.WithLabelValues(string(network)).Observe(time.Since(start).Seconds())
}
