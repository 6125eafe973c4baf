// Package internal wires the wallet service from its configuration.
package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/orangewallet/config"
	"github.com/vadiminshakov/orangewallet/internal/clients/indexer"
	"github.com/vadiminshakov/orangewallet/internal/credential"
	"github.com/vadiminshakov/orangewallet/internal/events"
	"github.com/vadiminshakov/orangewallet/internal/metrics"
	"github.com/vadiminshakov/orangewallet/internal/services/ledger"
	"github.com/vadiminshakov/orangewallet/internal/services/refresh"
	"github.com/vadiminshakov/orangewallet/internal/services/transfer"
	"github.com/vadiminshakov/orangewallet/internal/services/wallets"
	"github.com/vadiminshakov/orangewallet/internal/storage"
	"github.com/vadiminshakov/orangewallet/internal/storage/pgstore"
	"github.com/vadiminshakov/orangewallet/internal/storage/walstore"
	"github.com/vadiminshakov/orangewallet/internal/web"
)

const streamBuffer = 64

// App owns the store, the services and the HTTP listeners.
type App struct {
	l           *zap.Logger
	cfg         config.Config
	store       storage.Store
	metrics     *metrics.Metrics
	broadcaster *events.LedgerBroadcaster
	publisher   *events.RedisPublisher
	server      *web.Server
}

// NewApp opens the configured store and builds every service on top of it.
func NewApp(ctx context.Context, cfg config.Config, l *zap.Logger) (*App, error) {
	if l == nil {
		l = zap.NewNop()
	}

	classifier, err := credential.New(cfg.Credentials.Network, cfg.Credentials.Strict)
	if err != nil {
		return nil, errors.Wrap(err, "create credential classifier")
	}

	store, err := openStore(ctx, cfg.Store, l)
	if err != nil {
		return nil, err
	}

	a := &App{
		l:           l,
		cfg:         cfg,
		store:       store,
		metrics:     metrics.New(),
		broadcaster: events.NewLedgerBroadcaster(streamBuffer),
	}

	ledgerOpts := []ledger.Option{
		ledger.WithMetrics(a.metrics),
		ledger.WithNotifier(a.broadcaster),
	}
	if cfg.Redis.Addr != "" {
		a.publisher, err = events.NewRedisPublisher(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Channel, l.Named("redis"))
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		ledgerOpts = append(ledgerOpts, ledger.WithNotifier(a.publisher))
	}
	ledgerSvc := ledger.NewService(l.Named("ledger"), store, ledgerOpts...)

	esplora := indexer.NewEsplora(l.Named("indexer"), indexer.Config{
		BaseURL:      cfg.Indexer.BaseURL,
		Timeout:      cfg.Indexer.Timeout,
		UserAgent:    cfg.Indexer.UserAgent,
		MaxRetries:   cfg.Indexer.MaxRetries,
		GapLimit:     cfg.Indexer.GapLimit,
		MaxAddresses: cfg.Indexer.MaxAddresses,
	}, classifier, indexer.WithMetrics(a.metrics))

	a.metrics.RegisterGauge("ledger_stream_subscribers", "Open ledger event streams", func() float64 {
		return float64(a.broadcaster.Subscribers())
	})
	a.metrics.RegisterGauge("ledger_stream_dropped", "Ledger events skipped for slow stream readers", func() float64 {
		return float64(a.broadcaster.Dropped())
	})

	opts := []web.Option{
		web.WithMetrics(a.metrics),
		web.WithHeartbeat(cfg.HTTP.StreamHeartbeat),
	}
	if len(cfg.HTTP.CORSOrigins) > 0 {
		opts = append(opts, web.WithCORS(cfg.HTTP.CORSOrigins))
	}

	a.server = web.NewServer(l.Named("http"), cfg.ListenAddr, web.Services{
		Wallets: wallets.NewService(l.Named("wallets"), store, classifier),
		Refresh: refresh.NewService(l.Named("refresh"), store, esplora, ledgerSvc,
			refresh.WithWindows(cfg.Refresh.IdempotencyWindow, cfg.Refresh.Cooldown),
			refresh.WithMetrics(a.metrics)),
		Transfers: transfer.NewEngine(l.Named("transfer"), store, ledgerSvc, transfer.WithMetrics(a.metrics)),
		Ledger:    ledgerSvc,
		Stream:    a.broadcaster,
	}, opts...)

	l.Info("wallet service configured",
		zap.String("store", cfg.Store.Backend),
		zap.String("network", cfg.Credentials.Network),
		zap.Bool("strict_credentials", cfg.Credentials.Strict),
		zap.String("indexer", cfg.Indexer.BaseURL),
		zap.Duration("refresh_cooldown", cfg.Refresh.Cooldown),
		zap.Bool("redis_events", a.publisher != nil))

	return a, nil
}

func openStore(ctx context.Context, cfg config.StoreConfig, l *zap.Logger) (storage.Store, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		s, err := pgstore.Open(ctx, cfg.PostgresDSN, pgstore.Options{MaxConns: cfg.MaxConns}, l.Named("pgstore"))
		if err != nil {
			return nil, errors.Wrap(err, "open postgres store")
		}
		return s, nil
	case config.BackendWAL:
		s, err := walstore.New(cfg.WALDir, l.Named("walstore"))
		if err != nil {
			return nil, errors.Wrap(err, "open wal store")
		}
		return s, nil
	default:
		return nil, errors.Errorf("unknown store backend %q", cfg.Backend)
	}
}

// Run serves the API and, when configured, the metrics endpoint until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.server.Start(ctx)
	})
	if a.cfg.MetricsAddr != "" {
		g.Go(func() error {
			return web.ServeMetrics(ctx, a.l.Named("metrics"), a.cfg.MetricsAddr, a.metrics)
		})
	}
	return g.Wait()
}

// Close releases the store and the Redis connection.
func (a *App) Close() error {
	var firstErr error
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			firstErr = errors.Wrap(err, "close redis publisher")
		}
	}
	if err := a.store.Close(); err != nil && firstErr == nil {
		firstErr = errors.Wrap(err, "close store")
	}
	return firstErr
}
