// Package walstore is the embedded storage backend: wallet rows and ledger entries
// live in memory and every committed unit of work is journaled as one WAL record.
package walstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/gowal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/storage"
)

const (
	defaultDir = "./wal/wallets"
	// ledger history is rebuilt from the journal, so segments must not rotate away
	segmentLimit    = 1000
	maxSegments     = 1_000_000
	commitKeyPrefix = "commit_"
)

var _ storage.Store = (*Store)(nil)

// commitRecord is the journaled post-image of one unit of work.
type commitRecord struct {
	Wallets []domain.Wallet      `json:"wallets,omitempty"`
	Ledger  []domain.LedgerEntry `json:"ledger,omitempty"`
}

// Store keeps wallets and the ledger in memory, journaled in a WAL.
// Units of work are serialized by mu.
type Store struct {
	wal *gowal.Wal
	l   *zap.Logger

	mu       sync.RWMutex
	wallets  map[string]domain.Wallet
	ledger   []domain.LedgerEntry
	byWallet map[string][]int
	seq      uint64
}

// New opens (or creates) the journal under dir and replays it.
func New(dir string, l *zap.Logger) (*Store, error) {
	if dir == "" {
		dir = defaultDir
	}
	if l == nil {
		l = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create wallet WAL directory %s", dir)
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "wallets_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init wallet WAL")
	}

	s := &Store{
		wal:      wal,
		l:        l,
		wallets:  make(map[string]domain.Wallet),
		byWallet: make(map[string][]int),
	}

	records := 0
	for msg := range wal.Iterator() {
		if !strings.HasPrefix(msg.Key, commitKeyPrefix) {
			continue
		}
		var rec commitRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode wallet WAL record %s", msg.Key)
		}
		s.apply(rec)
		records++
	}

	l.Info("wallet store replayed",
		zap.String("dir", dir),
		zap.Int("records", records),
		zap.Int("wallets", len(s.wallets)),
		zap.Int("ledger_entries", len(s.ledger)))

	return s, nil
}

func (s *Store) apply(rec commitRecord) {
	for _, w := range rec.Wallets {
		s.wallets[w.ID] = w
	}
	for _, e := range rec.Ledger {
		idx := len(s.ledger)
		s.ledger = append(s.ledger, e)
		for _, id := range ledgerWalletIDs(e) {
			s.byWallet[id] = append(s.byWallet[id], idx)
		}
		if e.Seq > s.seq {
			s.seq = e.Seq
		}
	}
}

func ledgerWalletIDs(e domain.LedgerEntry) []string {
	switch {
	case e.FromWalletID != "" && e.ToWalletID != "" && e.FromWalletID != e.ToWalletID:
		return []string{e.FromWalletID, e.ToWalletID}
	case e.ToWalletID != "":
		return []string{e.ToWalletID}
	case e.FromWalletID != "":
		return []string{e.FromWalletID}
	default:
		return nil
	}
}

// InTx runs fn with exclusive access to the store and journals its writes on success.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	if s == nil || s.wal == nil {
		return errors.New("wallet store is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t, err := s.commit(ctx, fn)
	if err != nil {
		return err
	}

	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

func (s *Store) commit(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) (*tx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := newTx(s)
	if err := fn(ctx, t); err != nil {
		return nil, err
	}

	rec := t.record()
	if len(rec.Wallets) == 0 && len(rec.Ledger) == 0 {
		return t, nil
	}

	payload, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "marshal wallet WAL record")
	}

	next := s.wal.CurrentIndex() + 1
	if err := s.wal.Write(next, fmt.Sprintf("%s%d", commitKeyPrefix, next), payload); err != nil {
		return nil, errors.Wrap(err, "write wallet WAL record")
	}
	s.apply(rec)

	return t, nil
}

// Wallet returns a copy of the wallet row.
func (s *Store) Wallet(_ context.Context, id string) (domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, ok := s.wallets[id]
	if !ok {
		return domain.Wallet{}, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	return w, nil
}

// WalletsByOwner returns the owner's wallets ordered by creation time.
func (s *Store) WalletsByOwner(_ context.Context, owner domain.OwnerRef, includeInactive bool) ([]domain.Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Wallet, 0)
	for _, w := range s.wallets {
		if !w.OwnedBy(owner) || (!w.IsActive && !includeInactive) {
			continue
		}
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// LedgerForWallet returns every entry touching walletID in sequence order.
func (s *Store) LedgerForWallet(ctx context.Context, walletID string) ([]domain.LedgerEntry, error) {
	return s.LedgerAfter(ctx, walletID, 0, 0)
}

// LedgerAfter returns entries touching walletID with Seq > afterSeq. limit <= 0 means no limit.
func (s *Store) LedgerAfter(_ context.Context, walletID string, afterSeq uint64, limit int) ([]domain.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	idxs := s.byWallet[walletID]
	out := make([]domain.LedgerEntry, 0, len(idxs))
	for _, idx := range idxs {
		e := s.ledger[idx]
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close closes the underlying WAL.
func (s *Store) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("wallet store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

// tx stages writes on top of the store until InTx commits them.
// The store lock is held for its whole lifetime.
type tx struct {
	s       *Store
	staged  map[string]domain.Wallet
	touched []string
	ledger  []domain.LedgerEntry
	hooks   []func()
}

func newTx(s *Store) *tx {
	return &tx{s: s, staged: make(map[string]domain.Wallet)}
}

func (t *tx) current(id string) (domain.Wallet, bool) {
	if w, ok := t.staged[id]; ok {
		return w, true
	}
	w, ok := t.s.wallets[id]
	return w, ok
}

func (t *tx) stage(w domain.Wallet) {
	if _, ok := t.staged[w.ID]; !ok {
		t.touched = append(t.touched, w.ID)
	}
	t.staged[w.ID] = w
}

func (t *tx) record() commitRecord {
	rec := commitRecord{Ledger: t.ledger}
	for _, id := range t.touched {
		rec.Wallets = append(rec.Wallets, t.staged[id])
	}
	return rec
}

func (t *tx) Wallet(_ context.Context, id string) (domain.Wallet, error) {
	w, ok := t.current(id)
	if !ok {
		return domain.Wallet{}, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	return w, nil
}

func (t *tx) LockWallets(ctx context.Context, ids ...string) ([]domain.Wallet, error) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)

	locked := make(map[string]domain.Wallet, len(ids))
	for _, id := range sorted {
		w, err := t.Wallet(ctx, id)
		if err != nil {
			return nil, err
		}
		locked[id] = w
	}

	out := make([]domain.Wallet, 0, len(ids))
	for _, id := range ids {
		out = append(out, locked[id])
	}
	return out, nil
}

func (t *tx) InsertWallet(_ context.Context, w domain.Wallet) error {
	if w.ID == "" {
		return errors.New("wallet id is required")
	}
	if _, exists := t.current(w.ID); exists {
		return errors.Wrapf(domain.ErrConcurrentModification, "wallet %s already exists", w.ID)
	}
	if err := t.checkPrimary(w); err != nil {
		return err
	}
	t.stage(w)
	return nil
}

func (t *tx) SaveWallet(_ context.Context, w domain.Wallet) error {
	if _, exists := t.current(w.ID); !exists {
		return errors.Wrapf(domain.ErrNotFound, "wallet %s", w.ID)
	}
	if w.BalanceSats < 0 {
		return errors.Errorf("wallet %s balance must not be negative", w.ID)
	}
	if err := t.checkPrimary(w); err != nil {
		return err
	}
	t.stage(w)
	return nil
}

// checkPrimary mirrors the unique partial index of the relational backend.
func (t *tx) checkPrimary(w domain.Wallet) error {
	if !w.IsPrimary || !w.IsActive {
		return nil
	}
	for _, other := range t.ownerWallets(w.Owner) {
		if other.ID != w.ID && other.IsActive && other.IsPrimary {
			return errors.Wrapf(domain.ErrConcurrentModification, "owner %s already has primary wallet %s", w.Owner, other.ID)
		}
	}
	return nil
}

func (t *tx) ownerWallets(owner domain.OwnerRef) []domain.Wallet {
	out := make([]domain.Wallet, 0)
	for id := range t.s.wallets {
		if w, _ := t.current(id); w.OwnedBy(owner) {
			out = append(out, w)
		}
	}
	for id, w := range t.staged {
		if _, persisted := t.s.wallets[id]; !persisted && w.OwnedBy(owner) {
			out = append(out, w)
		}
	}
	return out
}

func (t *tx) ClearPrimary(_ context.Context, owner domain.OwnerRef, exceptID string) error {
	for _, w := range t.ownerWallets(owner) {
		if w.ID == exceptID || !w.IsActive || !w.IsPrimary {
			continue
		}
		w.IsPrimary = false
		t.stage(w)
	}
	return nil
}

func (t *tx) AdjustBalance(_ context.Context, id string, deltaSats int64) (int64, error) {
	w, ok := t.current(id)
	if !ok || !w.IsActive {
		return 0, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}

	next := w.BalanceSats + deltaSats
	if next < 0 {
		return 0, domain.NewInsufficientBalanceError(w.BalanceSats, -deltaSats)
	}
	if next > domain.MaxSupplySats {
		return 0, errors.Wrapf(domain.ErrInvalidAmount, "wallet %s balance would exceed the supply ceiling", id)
	}

	w.BalanceSats = next
	t.stage(w)
	return next, nil
}

func (t *tx) RecordObservation(_ context.Context, id string, balanceSats, txCount int64, at time.Time) error {
	w, ok := t.current(id)
	if !ok || !w.IsActive {
		return errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	if balanceSats < 0 {
		return errors.Errorf("observed balance of wallet %s must not be negative", id)
	}

	observedAt := at
	w.BalanceSats = balanceSats
	w.TxCount = txCount
	w.BalanceUpdatedAt = &observedAt
	t.stage(w)
	return nil
}

func (t *tx) AppendLedger(_ context.Context, entry *domain.LedgerEntry) error {
	if entry == nil {
		return errors.New("ledger entry is nil")
	}
	entry.Seq = t.s.seq + uint64(len(t.ledger)) + 1
	t.ledger = append(t.ledger, *entry)
	return nil
}

func (t *tx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}
