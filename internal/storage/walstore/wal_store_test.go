package walstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/storage"
	"github.com/vadiminshakov/orangewallet/internal/storage/storagetest"
)

func openStore(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := New(dir, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestStoreContract(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		s := openStore(t, t.TempDir())
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_ReplayAfterReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openStore(t, dir)
	owner := storagetest.NewOwner()
	from, to := storagetest.NewWallet(owner, "from"), storagetest.NewWallet(owner, "to")
	from.IsPrimary = true
	storagetest.Insert(t, s, from, to)
	storagetest.Fund(t, s, from.ID, 1_000_000)

	at := time.Now().UTC().Truncate(time.Microsecond)
	entry := domain.NewTransferEntry(uuid.NewString(), from.ID, to.ID, 400_000, "move", at)
	entry.Hash = entry.ComputeHash()
	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := tx.LockWallets(ctx, from.ID, to.ID); err != nil {
			return err
		}
		if err := tx.AppendLedger(ctx, &entry); err != nil {
			return err
		}
		if _, err := tx.AdjustBalance(ctx, from.ID, -400_000); err != nil {
			return err
		}
		_, err := tx.AdjustBalance(ctx, to.ID, 400_000)
		return err
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openStore(t, dir)
	defer reopened.Close()

	gotFrom, err := reopened.Wallet(ctx, from.ID)
	require.NoError(t, err)
	gotTo, err := reopened.Wallet(ctx, to.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(600_000), gotFrom.BalanceSats)
	assert.Equal(t, int64(400_000), gotTo.BalanceSats)
	assert.True(t, gotFrom.IsPrimary)

	entries, err := reopened.LedgerForWallet(ctx, to.ID)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, entry.Seq, entries[0].Seq)
	assert.Equal(t, entry.Hash, entries[0].ComputeHash())

	next := domain.NewObservationEntry(uuid.NewString(), to.ID, 400_000, 2, at)
	err = reopened.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.AppendLedger(ctx, &next)
	})
	require.NoError(t, err)
	assert.Equal(t, entry.Seq+1, next.Seq, "sequence continues after replay")
}

func TestStore_CanceledContext(t *testing.T) {
	s := openStore(t, t.TempDir())
	defer s.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := s.InTx(ctx, func(context.Context, storage.Tx) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
}

func TestStore_ReadOnlyUnitWritesNothing(t *testing.T) {
	ctx := context.Background()
	s := openStore(t, t.TempDir())
	defer s.Close()

	w := storagetest.NewWallet(storagetest.NewOwner(), "idle")
	storagetest.Insert(t, s, w)
	before := s.wal.CurrentIndex()

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := tx.Wallet(ctx, w.ID)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, before, s.wal.CurrentIndex())
}
