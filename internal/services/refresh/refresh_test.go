package refresh

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/clients/indexer"
	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/services/ledger"
	"github.com/vadiminshakov/orangewallet/internal/storage"
	"github.com/vadiminshakov/orangewallet/internal/storage/storagetest"
	"github.com/vadiminshakov/orangewallet/internal/storage/walstore"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeIndexer struct {
	mu       sync.Mutex
	calls    int
	balance  indexer.Balance
	err      error
	onLookup func()
}

func (f *fakeIndexer) Lookup(_ context.Context, _ string) (indexer.Balance, error) {
	f.mu.Lock()
	f.calls++
	hook, balance, err := f.onLookup, f.balance, f.err
	f.mu.Unlock()

	if hook != nil {
		hook()
	}
	return balance, err
}

func (f *fakeIndexer) set(b indexer.Balance, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balance, f.err = b, err
}

func (f *fakeIndexer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fixture struct {
	svc     *Service
	store   storage.Store
	ledger  *ledger.Service
	indexer *fakeIndexer
	clock   *clock
	owner   domain.OwnerRef
	wallet  domain.Wallet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := walstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := &clock{t: time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)}
	idx := &fakeIndexer{balance: indexer.Balance{Sats: 1_000_000, TxCount: 2, Addresses: 1}}
	ledgerSvc := ledger.NewService(zap.NewNop(), store, ledger.WithClock(clk.now))

	owner := storagetest.NewOwner()
	w := storagetest.NewWallet(owner, "W1")
	storagetest.Insert(t, store, w)

	return &fixture{
		svc:     NewService(zap.NewNop(), store, idx, ledgerSvc, WithClock(clk.now)),
		store:   store,
		ledger:  ledgerSvc,
		indexer: idx,
		clock:   clk,
		owner:   owner,
		wallet:  w,
	}
}

func (f *fixture) entries(t *testing.T) []domain.LedgerEntry {
	t.Helper()
	entries, err := f.ledger.ListForWallet(context.Background(), f.wallet.ID)
	require.NoError(t, err)
	return entries
}

func TestRefresh_FreshThenIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Equal(t, int64(1_000_000), first.BalanceSats)
	assert.Equal(t, "0.01", first.BalanceBTC.String())
	assert.Equal(t, int64(2), first.TxCount)
	assert.True(t, f.clock.now().Equal(first.UpdatedAt))

	stored, err := f.store.Wallet(ctx, f.wallet.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000_000), stored.BalanceSats)
	require.NotNil(t, stored.BalanceUpdatedAt)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.LedgerRefreshObservation, entries[0].Kind)
	assert.Equal(t, int64(1_000_000), *entries[0].ObservedSats)
	assert.Nil(t, entries[0].AmountSats)

	f.clock.advance(500 * time.Millisecond)
	f.indexer.set(indexer.Balance{Sats: 999}, nil)

	second, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.BalanceSats, second.BalanceSats)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
	assert.Equal(t, 1, f.indexer.callCount())
	assert.Len(t, f.entries(t), 1)
}

func TestRefresh_Cooldown(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	first, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
	require.NoError(t, err)

	f.clock.advance(30 * time.Second)
	_, err = f.svc.Refresh(ctx, f.wallet.ID, f.owner)
	require.ErrorIs(t, err, domain.ErrRateLimited)

	var limited *domain.RateLimitedError
	require.ErrorAs(t, err, &limited)
	assert.True(t, first.UpdatedAt.Add(5*time.Minute).Equal(limited.NextRefreshAt))
	assert.Equal(t, int64(270), limited.RetryAfterSeconds())

	f.clock.advance(4*time.Minute + 29*time.Second + 500*time.Millisecond)
	_, err = f.svc.Refresh(ctx, f.wallet.ID, f.owner)
	require.ErrorAs(t, err, &limited)
	assert.Equal(t, int64(1), limited.RetryAfterSeconds())

	f.clock.advance(500 * time.Millisecond)
	f.indexer.set(indexer.Balance{Sats: 2_000_000, TxCount: 3}, nil)
	again, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
	require.NoError(t, err)
	assert.False(t, again.Cached)
	assert.Equal(t, int64(2_000_000), again.BalanceSats)
	assert.Equal(t, 2, f.indexer.callCount())
}

func TestRefresh_IndexerFailureIsRetryable(t *testing.T) {
	ctx := context.Background()

	for name, failure := range map[string]error{
		"unavailable": errors.Wrap(domain.ErrIndexerUnavailable, "status 503"),
		"plain error": errors.New("connection reset"),
	} {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t)
			f.indexer.set(indexer.Balance{}, failure)

			_, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
			require.ErrorIs(t, err, domain.ErrIndexerUnavailable)

			stored, err := f.store.Wallet(ctx, f.wallet.ID)
			require.NoError(t, err)
			assert.Nil(t, stored.BalanceUpdatedAt)
			assert.Zero(t, stored.BalanceSats)
			assert.Empty(t, f.entries(t))

			// no cooldown was consumed
			f.indexer.set(indexer.Balance{Sats: 5}, nil)
			res, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
			require.NoError(t, err)
			assert.Equal(t, int64(5), res.BalanceSats)
		})
	}

	t.Run("negative balance is rejected", func(t *testing.T) {
		f := newFixture(t)
		f.indexer.set(indexer.Balance{Sats: -1}, nil)
		_, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
		assert.ErrorIs(t, err, domain.ErrIndexerUnavailable)
		assert.Empty(t, f.entries(t))
	})
}

func TestRefresh_Preconditions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	noCredential := storagetest.NewWallet(f.owner, "empty")
	noCredential.Credential = ""
	noCredential.CredentialKind = ""
	inactive := storagetest.NewWallet(f.owner, "gone")
	inactive.IsActive = false
	storagetest.Insert(t, f.store, noCredential, inactive)

	tests := []struct {
		name      string
		walletID  string
		requester domain.OwnerRef
		err       error
	}{
		{"missing wallet", "does-not-exist", f.owner, domain.ErrNotFound},
		{"inactive wallet", inactive.ID, f.owner, domain.ErrNotFound},
		{"someone else's wallet", f.wallet.ID, storagetest.NewOwner(), domain.ErrForbidden},
		{"no credential", noCredential.ID, f.owner, domain.ErrNoCredential},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Refresh(ctx, tt.walletID, tt.requester)
			assert.ErrorIs(t, err, tt.err)
		})
	}
	assert.Zero(t, f.indexer.callCount())
}

func TestRefresh_ConcurrentCallsShareOneLookup(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	release := make(chan struct{})
	f.indexer.onLookup = func() { <-release }

	const callers = 8
	var (
		wg      sync.WaitGroup
		results = make([]Result, callers)
		errs    = make([]error, callers)
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = f.svc.Refresh(ctx, f.wallet.ID, f.owner)
		}()
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	fresh := 0
	for i := range callers {
		require.NoError(t, errs[i])
		assert.Equal(t, int64(1_000_000), results[i].BalanceSats)
		if !results[i].Cached {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, 1, f.indexer.callCount())
	assert.Len(t, f.entries(t), 1)
}

func TestRefresh_WalletChangedDuringLookup(t *testing.T) {
	ctx := context.Background()

	t.Run("credential replaced", func(t *testing.T) {
		f := newFixture(t)
		f.indexer.onLookup = func() {
			err := f.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
				w, err := tx.Wallet(ctx, f.wallet.ID)
				if err != nil {
					return err
				}
				w.Credential = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
				w.ResetBalance()
				return tx.SaveWallet(ctx, w)
			})
			require.NoError(t, err)
		}

		_, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
		assert.ErrorIs(t, err, domain.ErrConcurrentModification)

		stored, err := f.store.Wallet(ctx, f.wallet.ID)
		require.NoError(t, err)
		assert.Nil(t, stored.BalanceUpdatedAt)
		assert.Empty(t, f.entries(t))
	})

	t.Run("newer observation stored elsewhere", func(t *testing.T) {
		f := newFixture(t)
		f.indexer.onLookup = func() {
			err := f.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
				return tx.RecordObservation(ctx, f.wallet.ID, 777, 1, f.clock.now())
			})
			require.NoError(t, err)
		}

		res, err := f.svc.Refresh(ctx, f.wallet.ID, f.owner)
		require.NoError(t, err)
		assert.True(t, res.Cached)
		assert.Equal(t, int64(777), res.BalanceSats)
		assert.Empty(t, f.entries(t))
	})
}
