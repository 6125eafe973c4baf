// Package web is the HTTP caller boundary of the wallet service.
package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/metrics"
	"github.com/vadiminshakov/orangewallet/internal/services/ledger"
	"github.com/vadiminshakov/orangewallet/internal/services/refresh"
	"github.com/vadiminshakov/orangewallet/internal/services/transfer"
)

const (
	defaultHeartbeat = 30 * time.Second
	maxBodyBytes     = 64 << 10
)

type walletService interface {
	Create(ctx context.Context, owner domain.OwnerRef, fields domain.WalletFields) (domain.Wallet, error)
	GetForOwner(ctx context.Context, id string, requester domain.OwnerRef) (domain.Wallet, error)
	ListByOwner(ctx context.Context, owner domain.OwnerRef, includeInactive bool) ([]domain.Wallet, error)
	PrimaryWallet(ctx context.Context, owner domain.OwnerRef) (domain.Wallet, error)
	Update(ctx context.Context, id string, requester domain.OwnerRef, patch domain.WalletPatch) (domain.Wallet, error)
	SoftDelete(ctx context.Context, id string, requester domain.OwnerRef) error
}

type refreshService interface {
	Refresh(ctx context.Context, walletID string, requester domain.OwnerRef) (refresh.Result, error)
}

type transferEngine interface {
	Transfer(ctx context.Context, req transfer.Request) (transfer.Result, error)
}

type ledgerService interface {
	ListForOwner(ctx context.Context, walletID string, requester domain.OwnerRef) ([]domain.LedgerEntry, error)
	After(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.LedgerEntry, error)
	Report(ctx context.Context, walletID string, requester domain.OwnerRef) (ledger.Report, error)
}

type ledgerStream interface {
	Subscribe(walletID string) chan domain.LedgerEntry
	Unsubscribe(ch chan domain.LedgerEntry)
}

// Services are the operations exposed over HTTP.
type Services struct {
	Wallets   walletService
	Refresh   refreshService
	Transfers transferEngine
	Ledger    ledgerService
	Stream    ledgerStream
}

// Option configures a Server.
type Option func(*Server)

// WithMetrics records request counts and latency per route.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithCORS allows browser callers from origins.
func WithCORS(origins []string) Option {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// WithHeartbeat sets the comment interval of ledger streams.
func WithHeartbeat(d time.Duration) Option {
	return func(s *Server) {
		s.heartbeat = d
	}
}

// Server exposes wallet management, refresh, transfers and the ledger.
type Server struct {
	l           *zap.Logger
	addr        string
	svc         Services
	metrics     *metrics.Metrics
	corsOrigins []string
	heartbeat   time.Duration
}

// NewServer creates a new web server instance.
func NewServer(l *zap.Logger, addr string, svc Services, opts ...Option) *Server {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Server{
		l:         l,
		addr:      addr,
		svc:       svc,
		heartbeat: defaultHeartbeat,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.recoverer)
	r.Use(s.observe)
	if len(s.corsOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type", ownerKindHeader, ownerIDHeader, "Last-Event-ID"},
			ExposedHeaders: []string{"Retry-After"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Use(s.requireOwner)

		r.Route("/wallets", func(r chi.Router) {
			r.Post("/", s.handleCreateWallet)
			r.Get("/", s.handleListWallets)
			r.Get("/primary", s.handlePrimaryWallet)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetWallet)
				r.Patch("/", s.handleUpdateWallet)
				r.Delete("/", s.handleDeleteWallet)
				r.Post("/refresh", s.handleRefresh)
				r.Get("/ledger", s.handleLedger)
				r.Get("/ledger/stream", s.handleLedgerStream)
				r.Get("/report", s.handleReport)
			})
		})

		r.Post("/transfers", s.handleTransfer)
	})

	return r
}

// Start runs the HTTP server (blocking) and shuts it down when ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.l.Info("http server listening", zap.String("addr", s.addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.l.Info("http server stopped", zap.String("addr", s.addr))
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ServeMetrics runs a listener for the Prometheus endpoint until ctx is cancelled.
func ServeMetrics(ctx context.Context, l *zap.Logger, addr string, m *metrics.Metrics) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	l.Info("metrics server listening", zap.String("addr", addr))
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
