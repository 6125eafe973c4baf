// Package refresh updates cached wallet balances from the balance indexer.
//
// The persisted balance_updated_at of a wallet drives two independent windows:
// a short idempotency window in which a repeated request is answered from the
// cache, and a cooldown in which further indexer lookups are refused.
package refresh

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/vadiminshakov/orangewallet/internal/clients/indexer"
	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/metrics"
	"github.com/vadiminshakov/orangewallet/internal/storage"
)

const (
	DefaultIdempotencyWindow = time.Second
	DefaultCooldown          = 5 * time.Minute
)

// Indexer returns the confirmed balance of an address or extended public key.
type Indexer interface {
	Lookup(ctx context.Context, credential string) (indexer.Balance, error)
}

// Ledger appends an entry inside a unit of work.
type Ledger interface {
	Append(ctx context.Context, tx storage.Tx, entry domain.LedgerEntry) (domain.LedgerEntry, error)
}

// Result is the balance returned to the caller.
type Result struct {
	WalletID    string          `json:"wallet_id"`
	BalanceSats int64           `json:"balance_sats"`
	BalanceBTC  decimal.Decimal `json:"balance_btc"`
	TxCount     int64           `json:"tx_count"`
	UpdatedAt   time.Time       `json:"updated_at"`
	// Cached is true when no new indexer observation was stored by this call.
	Cached bool `json:"cached"`
}

func resultFrom(w domain.Wallet, cached bool) Result {
	r := Result{
		WalletID:    w.ID,
		BalanceSats: w.BalanceSats,
		BalanceBTC:  w.BalanceBTC(),
		TxCount:     w.TxCount,
		Cached:      cached,
	}
	if w.BalanceUpdatedAt != nil {
		r.UpdatedAt = *w.BalanceUpdatedAt
	}
	return r
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithWindows overrides the idempotency window and the cooldown.
func WithWindows(idempotency, cooldown time.Duration) Option {
	return func(s *Service) {
		s.idempotency = idempotency
		s.cooldown = cooldown
	}
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service refreshes wallet balances.
type Service struct {
	l           *zap.Logger
	store       storage.Store
	indexer     Indexer
	ledger      Ledger
	metrics     *metrics.Metrics
	now         func() time.Time
	idempotency time.Duration
	cooldown    time.Duration

	inflight singleflight.Group
}

// NewService creates a refresh service.
func NewService(l *zap.Logger, store storage.Store, idx Indexer, ledger Ledger, opts ...Option) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Service{
		l:           l,
		store:       store,
		indexer:     idx,
		ledger:      ledger,
		now:         time.Now,
		idempotency: DefaultIdempotencyWindow,
		cooldown:    DefaultCooldown,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh returns the balance of walletID for its owner, asking the indexer
// only when the last observation is older than the cooldown.
func (s *Service) Refresh(ctx context.Context, walletID string, requester domain.OwnerRef) (Result, error) {
	res, err := s.refresh(ctx, walletID, requester)

	switch {
	case err == nil && res.Cached:
		s.metrics.RefreshOutcome(metrics.RefreshCached)
	case err == nil:
		s.metrics.RefreshOutcome(metrics.RefreshFresh)
	case errors.Is(err, domain.ErrRateLimited):
		s.metrics.RefreshOutcome(metrics.RefreshRateLimited)
	case errors.Is(err, domain.ErrIndexerUnavailable):
		s.metrics.RefreshOutcome(metrics.RefreshUnavailable)
	default:
		s.metrics.RefreshOutcome(metrics.RefreshRejected)
	}

	if err == nil {
		s.l.Info("balance refresh",
			zap.String("wallet_id", walletID),
			zap.Bool("cached", res.Cached),
			zap.Int64("balance_sats", res.BalanceSats))
	}
	return res, err
}

func (s *Service) refresh(ctx context.Context, walletID string, requester domain.OwnerRef) (Result, error) {
	// always the persisted row, so concurrent requests see each other's writes
	w, err := s.store.Wallet(ctx, walletID)
	if err != nil {
		return Result{}, err
	}
	if !w.IsActive {
		return Result{}, errors.Wrapf(domain.ErrNotFound, "wallet %s", walletID)
	}
	if !w.OwnedBy(requester) {
		return Result{}, errors.Wrapf(domain.ErrForbidden, "wallet %s", walletID)
	}
	if !w.HasCredential() {
		return Result{}, errors.Wrapf(domain.ErrNoCredential, "wallet %s", walletID)
	}

	now := s.now()
	if last := w.BalanceUpdatedAt; last != nil {
		age := now.Sub(*last)
		if age < s.idempotency {
			return resultFrom(w, true), nil
		}
		if age < s.cooldown {
			next := last.Add(s.cooldown)
			return Result{}, &domain.RateLimitedError{NextRefreshAt: next, RetryAfter: next.Sub(now)}
		}
	}

	leader := false
	v, err, _ := s.inflight.Do(walletID+"|"+w.Credential, func() (any, error) {
		leader = true
		// followers share this call, a cancelled leader must not fail them
		return s.observe(context.WithoutCancel(ctx), w)
	})
	if err != nil {
		return Result{}, err
	}

	res := v.(Result)
	if !leader {
		res.Cached = true
	}
	return res, nil
}

// observe asks the indexer and stores the observation if the wallet did not
// change while the lookup was in flight.
func (s *Service) observe(ctx context.Context, read domain.Wallet) (Result, error) {
	bal, err := s.indexer.Lookup(ctx, read.Credential)
	if err != nil {
		s.l.Warn("indexer lookup failed", zap.String("wallet_id", read.ID), zap.Error(err))
		if !errors.Is(err, domain.ErrIndexerUnavailable) {
			err = errors.Wrap(domain.ErrIndexerUnavailable, err.Error())
		}
		return Result{}, err
	}
	if bal.Sats < 0 || bal.TxCount < 0 {
		return Result{}, errors.Wrapf(domain.ErrIndexerUnavailable, "negative observation %d sats", bal.Sats)
	}

	at := s.now().UTC().Truncate(time.Microsecond)

	var res Result
	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		cur, err := tx.Wallet(ctx, read.ID)
		if err != nil {
			return err
		}
		if !cur.IsActive {
			return errors.Wrapf(domain.ErrNotFound, "wallet %s", read.ID)
		}
		if cur.Credential != read.Credential {
			return errors.Wrapf(domain.ErrConcurrentModification, "wallet %s credential changed during refresh", read.ID)
		}
		if !sameInstant(cur.BalanceUpdatedAt, read.BalanceUpdatedAt) {
			// another instance stored a newer observation first
			res = resultFrom(cur, true)
			return nil
		}

		if err := tx.RecordObservation(ctx, read.ID, bal.Sats, bal.TxCount, at); err != nil {
			return err
		}
		if _, err := s.ledger.Append(ctx, tx, domain.NewObservationEntry("", read.ID, bal.Sats, bal.TxCount, at)); err != nil {
			return err
		}

		cur.BalanceSats, cur.TxCount, cur.BalanceUpdatedAt = bal.Sats, bal.TxCount, &at
		res = resultFrom(cur, false)
		return nil
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "store observation")
	}
	return res, nil
}

func sameInstant(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
