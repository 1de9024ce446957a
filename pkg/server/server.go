package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"walletsync/pkg/config"
	"walletsync/pkg/metrics"
	"walletsync/pkg/models"
	"walletsync/pkg/watcher"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	readTimeout     = 15 * time.Second
	writeTimeout    = 60 * time.Second
	idleTimeout     = 60 * time.Second
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 1 << 16
)

// Service is the wallet API the server exposes.
type Service interface {
	AddWallet(ctx context.Context, address string, network models.Network) (models.WalletRecord, error)
	RemoveWallet(ctx context.Context, ref string) (bool, error)
	RenameWallet(ctx context.Context, ref, name string) error
	GetWallet(ref string) (models.WalletRecord, error)
	ListWallets() []models.WalletRecord
	RefreshOne(ctx context.Context, ref string) (models.WalletRecord, error)
	RefreshAll(ctx context.Context) models.RefreshReport
	Status(ref string) (models.SyncStatus, error)
	Statuses() map[string]models.SyncStatus
	Subscribe() watcher.Subscriber
	Unsubscribe(sub watcher.Subscriber)
	SupportedNetworks() []models.Network
	MaxWallets() int
}

type Server struct {
	svc       Service
	scheduler *watcher.Scheduler
	cfg       config.Server
	log       *zap.Logger

	router   *mux.Router
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
}

// New builds the router. scheduler may be nil when no background refresh
// is running.
func New(svc Service, scheduler *watcher.Scheduler, cfg config.Server, log *zap.Logger) *Server {
	s := &Server{
		svc:       svc,
		scheduler: scheduler,
		cfg:       cfg,
		log:       log.Named("server"),
		router:    mux.NewRouter(),
		clients:   make(map[*websocket.Conn]bool),
	}
	s.upgrader = websocket.Upgrader{CheckOrigin: s.checkOrigin}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.Use(s.countRequests)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/wallets", s.handleListWallets).Methods(http.MethodGet)
	api.HandleFunc("/wallets", s.handleAddWallet).Methods(http.MethodPost)
	api.HandleFunc("/wallets/{ref}", s.handleGetWallet).Methods(http.MethodGet)
	api.HandleFunc("/wallets/{ref}", s.handleRenameWallet).Methods(http.MethodPatch)
	api.HandleFunc("/wallets/{ref}", s.handleRemoveWallet).Methods(http.MethodDelete)
	api.HandleFunc("/wallets/{ref}/refresh", s.handleRefreshWallet).Methods(http.MethodPost)
	api.HandleFunc("/refresh", s.handleRefreshAll).Methods(http.MethodPost)
	api.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)

	s.router.HandleFunc("/ws", s.handleWS)
	s.router.Handle("/metrics", promhttp.Handler())
	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		errorJSON(w, http.StatusNotFound, "unknown endpoint")
	})
}

// Handler returns the router wrapped in the CORS middleware.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(s.router)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	go s.listenToEvents(ctx)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.closeClients()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	s.log.Info("api server stopped")
	return nil
}

func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		endpoint := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				endpoint = tpl
			}
		}
		metrics.RequestsCount.WithLabelValues(r.Method, endpoint).Inc()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	// The initial frame is written under mu so it cannot interleave with a
	// broadcast to the same connection.
	s.mu.Lock()
	err = conn.WriteJSON(map[string]interface{}{
		"type": "initial",
		"data": s.snapshot(),
	})
	if err == nil {
		s.clients[conn] = true
	}
	s.mu.Unlock()
	if err != nil {
		return
	}

	defer func() {
		s.mu.Lock()
		delete(s.clients, conn)
		s.mu.Unlock()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
}

func (s *Server) listenToEvents(ctx context.Context) {
	sub := s.svc.Subscribe()
	defer s.svc.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			s.broadcast(event)
		}
	}
}

func (s *Server) broadcast(event watcher.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for client := range s.clients {
		_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := client.WriteJSON(event); err != nil {
			_ = client.Close()
			delete(s.clients, client)
		}
	}
}

func (s *Server) closeClients() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		_ = client.Close()
		delete(s.clients, client)
	}
}
