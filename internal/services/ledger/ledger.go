// Package ledger is the append-only audit sink for balance-affecting events.
package ledger

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/metrics"
	"github.com/vadiminshakov/orangewallet/internal/storage"
)

// ErrTampered is returned by Verify when an entry no longer matches its hash.
var ErrTampered = errors.New("ledger entry does not match its verification hash")

// Notifier receives entries after the unit of work that appended them has committed.
type Notifier interface {
	Publish(entry domain.LedgerEntry)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithNotifier adds a post-commit subscriber.
func WithNotifier(n Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifiers = append(s.notifiers, n)
		}
	}
}

// WithMetrics records committed entries.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// Service appends, lists and verifies ledger entries.
type Service struct {
	l         *zap.Logger
	store     storage.Store
	now       func() time.Time
	notifiers []Notifier
	metrics   *metrics.Metrics

	mu      sync.Mutex
	entropy *ulid.MonotonicEntropy
}

// NewService creates the ledger sink on top of store.
func NewService(l *zap.Logger, store storage.Store, opts ...Option) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	s := &Service{
		l:       l,
		store:   store,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) newID(at time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(at), s.entropy).String()
}

// Append stores entry as part of tx. It fills in id, timestamp and status when
// missing, seals the entry with its hash and schedules notification on commit.
func (s *Service) Append(ctx context.Context, tx storage.Tx, entry domain.LedgerEntry) (domain.LedgerEntry, error) {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now()
	}
	// stored timestamps keep microseconds, the hash must survive a round trip
	entry.CreatedAt = entry.CreatedAt.UTC().Truncate(time.Microsecond)
	if entry.ID == "" {
		entry.ID = s.newID(entry.CreatedAt)
	}
	if entry.Status == "" {
		entry.Status = domain.LedgerCompleted
	}

	if err := validate(entry); err != nil {
		return domain.LedgerEntry{}, err
	}

	entry.Hash = entry.ComputeHash()
	if err := tx.AppendLedger(ctx, &entry); err != nil {
		return domain.LedgerEntry{}, errors.Wrap(err, "append ledger entry")
	}

	committed := entry
	tx.AfterCommit(func() {
		s.metrics.LedgerAppended(string(committed.Kind))
		for _, n := range s.notifiers {
			n.Publish(committed)
		}
	})

	return entry, nil
}

func validate(e domain.LedgerEntry) error {
	switch e.Kind {
	case domain.LedgerInternalTransfer:
		if e.FromWalletID == "" || e.ToWalletID == "" {
			return errors.New("transfer entry must reference both wallets")
		}
		if e.AmountSats == nil || *e.AmountSats <= 0 {
			return errors.New("transfer entry must carry a positive amount")
		}
		if e.Status == domain.LedgerCompleted && !e.Balanced() {
			return errors.New("completed transfer entry legs must sum to zero")
		}
	case domain.LedgerRefreshObservation:
		if e.ToWalletID == "" {
			return errors.New("observation entry must reference its wallet")
		}
		if e.ObservedSats == nil || *e.ObservedSats < 0 {
			return errors.New("observation entry must carry a non-negative balance")
		}
	default:
		return errors.Errorf("unknown ledger entry kind %q", e.Kind)
	}
	return nil
}

// ListForWallet returns every entry touching walletID, oldest first.
// Entries stay listable after the wallet is soft-deleted.
func (s *Service) ListForWallet(ctx context.Context, walletID string) ([]domain.LedgerEntry, error) {
	entries, err := s.store.LedgerForWallet(ctx, walletID)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger")
	}
	return entries, nil
}

// ListForOwner is ListForWallet restricted to the wallet's owner.
func (s *Service) ListForOwner(ctx context.Context, walletID string, requester domain.OwnerRef) ([]domain.LedgerEntry, error) {
	if _, err := s.ownedWallet(ctx, walletID, requester); err != nil {
		return nil, err
	}
	return s.ListForWallet(ctx, walletID)
}

// After returns up to limit entries touching walletID with seq greater than afterSeq.
func (s *Service) After(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.LedgerEntry, error) {
	entries, err := s.store.LedgerAfter(ctx, walletID, afterSeq, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger")
	}
	return entries, nil
}

func (s *Service) ownedWallet(ctx context.Context, walletID string, requester domain.OwnerRef) (domain.Wallet, error) {
	w, err := s.store.Wallet(ctx, walletID)
	if err != nil {
		return domain.Wallet{}, err
	}
	if !w.OwnedBy(requester) {
		return domain.Wallet{}, errors.Wrapf(domain.ErrForbidden, "wallet %s", walletID)
	}
	return w, nil
}

// Verify recomputes the hash of entry and checks transfer legs.
func Verify(entry domain.LedgerEntry) error {
	if entry.Hash == "" || entry.ComputeHash() != entry.Hash {
		return errors.Wrapf(ErrTampered, "entry %s", entry.ID)
	}
	if entry.Kind == domain.LedgerInternalTransfer && entry.Status == domain.LedgerCompleted && !entry.Balanced() {
		return errors.Wrapf(ErrTampered, "entry %s legs do not balance", entry.ID)
	}
	return nil
}

// VerifiedEntry is an entry with its verification outcome.
type VerifiedEntry struct {
	domain.LedgerEntry
	Verified bool `json:"verified"`
}

// Report is the transparency report of one wallet.
type Report struct {
	Wallet      domain.Wallet   `json:"wallet"`
	GeneratedAt time.Time       `json:"generated_at"`
	EntryCount  int             `json:"entry_count"`
	Entries     []VerifiedEntry `json:"entries"`
	// Verified is true when every entry matches its hash.
	Verified bool `json:"verified"`
	// Digest is the SHA-256 over all entry hashes in sequence order.
	Digest string `json:"digest"`

	ReceivedSats      int64      `json:"received_sats"`
	SentSats          int64      `json:"sent_sats"`
	LastObservedSats  *int64     `json:"last_observed_sats,omitempty"`
	LastObservationAt *time.Time `json:"last_observation_at,omitempty"`
}

// Report builds the transparency report of walletID for its owner.
func (s *Service) Report(ctx context.Context, walletID string, requester domain.OwnerRef) (Report, error) {
	w, err := s.ownedWallet(ctx, walletID, requester)
	if err != nil {
		return Report{}, err
	}
	entries, err := s.ListForWallet(ctx, walletID)
	if err != nil {
		return Report{}, err
	}

	r := Report{
		Wallet:      w,
		GeneratedAt: s.now().UTC(),
		EntryCount:  len(entries),
		Entries:     make([]VerifiedEntry, 0, len(entries)),
		Verified:    true,
	}

	digest := sha256.New()
	for _, e := range entries {
		ok := Verify(e) == nil
		if !ok {
			r.Verified = false
			s.l.Warn("ledger entry failed verification", zap.String("entry_id", e.ID), zap.String("wallet_id", walletID))
		}
		r.Entries = append(r.Entries, VerifiedEntry{LedgerEntry: e, Verified: ok})
		digest.Write([]byte(e.Hash))

		switch e.Kind {
		case domain.LedgerInternalTransfer:
			if e.Status != domain.LedgerCompleted || e.AmountSats == nil {
				continue
			}
			if e.ToWalletID == walletID {
				r.ReceivedSats += *e.AmountSats
			}
			if e.FromWalletID == walletID {
				r.SentSats += *e.AmountSats
			}
		case domain.LedgerRefreshObservation:
			if e.ObservedSats == nil {
				continue
			}
			observed, at := *e.ObservedSats, e.CreatedAt
			r.LastObservedSats = &observed
			r.LastObservationAt = &at
		}
	}
	r.Digest = hex.EncodeToString(digest.Sum(nil))

	return r, nil
}
