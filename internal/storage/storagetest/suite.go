// Package storagetest holds the behaviour every storage backend must share.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/storage"
)

var errAbort = errors.New("abort")

// NewOwner returns a profile owner unique to the calling test.
func NewOwner() domain.OwnerRef {
	return domain.OwnerRef{Kind: domain.OwnerProfile, ID: uuid.NewString()}
}

// NewWallet returns an active address wallet with a fresh id.
func NewWallet(owner domain.OwnerRef, label string) domain.Wallet {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return domain.Wallet{
		ID:             uuid.NewString(),
		Owner:          owner,
		Label:          label,
		Credential:     "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4",
		CredentialKind: domain.CredentialAddress,
		IsActive:       true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

// Insert stores wallets in one unit of work.
func Insert(t *testing.T, s storage.Store, wallets ...domain.Wallet) {
	t.Helper()
	err := s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		for _, w := range wallets {
			if err := tx.InsertWallet(ctx, w); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// Fund sets a wallet balance through an observation.
func Fund(t *testing.T, s storage.Store, id string, sats int64) {
	t.Helper()
	at := time.Now().UTC().Add(-time.Hour).Truncate(time.Microsecond)
	err := s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.RecordObservation(ctx, id, sats, 1, at)
	})
	require.NoError(t, err)
}

// Run exercises a backend. open must return an empty or isolated store.
func Run(t *testing.T, open func(t *testing.T) storage.Store) {
	ctx := context.Background()

	t.Run("insert and read back", func(t *testing.T) {
		s := open(t)
		owner := NewOwner()
		w := NewWallet(owner, "savings")
		goal := domain.SatsToBTC(150_000_000)
		w.GoalAmount = &goal
		w.GoalCurrency = "BTC"
		Insert(t, s, w)

		got, err := s.Wallet(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
		assert.Equal(t, owner, got.Owner)
		assert.Equal(t, "savings", got.Label)
		assert.Equal(t, domain.CredentialAddress, got.CredentialKind)
		assert.True(t, got.IsActive)
		require.NotNil(t, got.GoalAmount)
		assert.True(t, goal.Equal(*got.GoalAmount))
		assert.Nil(t, got.BalanceUpdatedAt)

		_, err = s.Wallet(ctx, uuid.NewString())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("list by owner filters inactive", func(t *testing.T) {
		s := open(t)
		owner := NewOwner()
		first := NewWallet(owner, "first")
		second := NewWallet(owner, "second")
		second.CreatedAt = first.CreatedAt.Add(time.Second)
		second.IsActive = false
		foreign := NewWallet(NewOwner(), "foreign")
		Insert(t, s, first, second, foreign)

		active, err := s.WalletsByOwner(ctx, owner, false)
		require.NoError(t, err)
		require.Len(t, active, 1)
		assert.Equal(t, first.ID, active[0].ID)

		all, err := s.WalletsByOwner(ctx, owner, true)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, first.ID, all[0].ID)
		assert.Equal(t, second.ID, all[1].ID)
	})

	t.Run("failed unit of work leaves no trace", func(t *testing.T) {
		s := open(t)
		owner := NewOwner()
		w := NewWallet(owner, "ghost")
		committed := false

		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			require.NoError(t, tx.InsertWallet(ctx, w))
			entry := domain.NewObservationEntry(uuid.NewString(), w.ID, 1, 1, w.CreatedAt)
			entry.Hash = entry.ComputeHash()
			require.NoError(t, tx.AppendLedger(ctx, &entry))
			tx.AfterCommit(func() { committed = true })
			return errAbort
		})
		require.ErrorIs(t, err, errAbort)
		assert.False(t, committed)

		_, err = s.Wallet(ctx, w.ID)
		assert.ErrorIs(t, err, domain.ErrNotFound)
		entries, err := s.LedgerForWallet(ctx, w.ID)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("adjust balance never goes negative", func(t *testing.T) {
		s := open(t)
		w := NewWallet(NewOwner(), "spend")
		Insert(t, s, w)
		Fund(t, s, w.ID, 600_000)

		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			_, err := tx.AdjustBalance(ctx, w.ID, -1_000_000)
			return err
		})
		require.ErrorIs(t, err, domain.ErrInsufficientBalance)
		var insufficient *domain.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, "0.006", insufficient.Available.String())
		assert.Equal(t, "0.01", insufficient.Requested.String())

		var balance int64
		err = s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			var err error
			balance, err = tx.AdjustBalance(ctx, w.ID, -600_000)
			return err
		})
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		got, err := s.Wallet(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(0), got.BalanceSats)
	})

	t.Run("adjust balance of inactive wallet is not found", func(t *testing.T) {
		s := open(t)
		w := NewWallet(NewOwner(), "archived")
		w.IsActive = false
		Insert(t, s, w)

		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			_, err := tx.AdjustBalance(ctx, w.ID, 10)
			return err
		})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("lock wallets returns requested order", func(t *testing.T) {
		s := open(t)
		owner := NewOwner()
		a, b := NewWallet(owner, "a"), NewWallet(owner, "b")
		Insert(t, s, a, b)

		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			locked, err := tx.LockWallets(ctx, b.ID, a.ID)
			require.NoError(t, err)
			require.Len(t, locked, 2)
			assert.Equal(t, b.ID, locked[0].ID)
			assert.Equal(t, a.ID, locked[1].ID)

			_, err = tx.LockWallets(ctx, a.ID, uuid.NewString())
			assert.ErrorIs(t, err, domain.ErrNotFound)
			return nil
		})
		require.NoError(t, err)
	})

	t.Run("record observation", func(t *testing.T) {
		s := open(t)
		w := NewWallet(NewOwner(), "observed")
		Insert(t, s, w)

		at := time.Now().UTC().Truncate(time.Microsecond)
		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			return tx.RecordObservation(ctx, w.ID, 1_000_000, 7, at)
		})
		require.NoError(t, err)

		got, err := s.Wallet(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(1_000_000), got.BalanceSats)
		assert.Equal(t, int64(7), got.TxCount)
		require.NotNil(t, got.BalanceUpdatedAt)
		assert.True(t, at.Equal(*got.BalanceUpdatedAt))
	})

	t.Run("primary is exclusive per owner", func(t *testing.T) {
		s := open(t)
		owner := NewOwner()
		first := NewWallet(owner, "first")
		first.IsPrimary = true
		second := NewWallet(owner, "second")
		Insert(t, s, first, second)

		err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			w, err := tx.Wallet(ctx, second.ID)
			if err != nil {
				return err
			}
			w.IsPrimary = true
			return tx.SaveWallet(ctx, w)
		})
		require.ErrorIs(t, err, domain.ErrConcurrentModification)

		err = s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
			if err := tx.ClearPrimary(ctx, owner, second.ID); err != nil {
				return err
			}
			w, err := tx.Wallet(ctx, second.ID)
			if err != nil {
				return err
			}
			w.IsPrimary = true
			return tx.SaveWallet(ctx, w)
		})
		require.NoError(t, err)

		wallets, err := s.WalletsByOwner(ctx, owner, false)
		require.NoError(t, err)
		primaries := 0
		for _, w := range wallets {
			if w.IsPrimary {
				primaries++
				assert.Equal(t, second.ID, w.ID)
			}
		}
		assert.Equal(t, 1, primaries)
	})

	t.Run("ledger sequence and wallet filter", func(t *testing.T) {
		s := open(t)
		owner := NewOwner()
		a, b, c := NewWallet(owner, "a"), NewWallet(owner, "b"), NewWallet(owner, "c")
		Insert(t, s, a, b, c)

		at := time.Now().UTC().Truncate(time.Microsecond)
		entries := []domain.LedgerEntry{
			domain.NewObservationEntry(uuid.NewString(), a.ID, 100, 1, at),
			domain.NewTransferEntry(uuid.NewString(), a.ID, b.ID, 40, "first", at),
			domain.NewTransferEntry(uuid.NewString(), b.ID, c.ID, 10, "second", at),
		}
		var hooked []uint64
		for i := range entries {
			entry := entries[i]
			entry.Hash = entry.ComputeHash()
			err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
				if err := tx.AppendLedger(ctx, &entry); err != nil {
					return err
				}
				tx.AfterCommit(func() { hooked = append(hooked, entry.Seq) })
				return nil
			})
			require.NoError(t, err)
			entries[i] = entry
		}

		require.Len(t, hooked, 3)
		assert.Less(t, hooked[0], hooked[1])
		assert.Less(t, hooked[1], hooked[2])

		forB, err := s.LedgerForWallet(ctx, b.ID)
		require.NoError(t, err)
		require.Len(t, forB, 2)
		assert.Equal(t, entries[1].ID, forB[0].ID)
		assert.Equal(t, entries[2].ID, forB[1].ID)
		assert.Equal(t, entries[1].Hash, forB[0].Hash)
		assert.Equal(t, forB[0].Hash, forB[0].ComputeHash())
		require.Len(t, forB[0].Legs, 2)
		assert.Equal(t, int64(-40), forB[0].Legs[0].AmountSats)

		after, err := s.LedgerAfter(ctx, b.ID, forB[0].Seq, 10)
		require.NoError(t, err)
		require.Len(t, after, 1)
		assert.Equal(t, entries[2].ID, after[0].ID)

		forA, err := s.LedgerForWallet(ctx, a.ID)
		require.NoError(t, err)
		require.Len(t, forA, 2)
		assert.Equal(t, domain.LedgerRefreshObservation, forA[0].Kind)
		require.NotNil(t, forA[0].ObservedSats)
		assert.Equal(t, int64(100), *forA[0].ObservedSats)
	})
}
