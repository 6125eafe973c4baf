package wallets

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/credential"
	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/storage"
	"github.com/vadiminshakov/orangewallet/internal/storage/storagetest"
	"github.com/vadiminshakov/orangewallet/internal/storage/walstore"
)

const (
	addressA = "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t4"
	addressB = "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNa"
	zpub     = "zpub6jftahH18ngZxUuv6oSniLNrBCSSE1B4EEU59bwTCEt8x6aS6b2mdfLxbS4QS53g85SWWP6wexqeer516433gYpZQoJie2tcMYdJ1SYYYAL"
)

func newService(t *testing.T) (*Service, storage.Store) {
	t.Helper()
	store, err := walstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	return NewService(zap.NewNop(), store, nil, WithClock(func() time.Time { return now })), store
}

func ptr[T any](v T) *T {
	return &v
}

func TestService_Create(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	owner := storagetest.NewOwner()

	t.Run("classifies and starts empty", func(t *testing.T) {
		w, err := svc.Create(ctx, owner, domain.WalletFields{Label: "  Donations ", Credential: " " + addressA + " "})
		require.NoError(t, err)

		assert.NotEmpty(t, w.ID)
		assert.Equal(t, "Donations", w.Label)
		assert.Equal(t, addressA, w.Credential)
		assert.Equal(t, domain.CredentialAddress, w.CredentialKind)
		assert.Zero(t, w.BalanceSats)
		assert.Nil(t, w.BalanceUpdatedAt)
		assert.True(t, w.IsActive)

		got, err := svc.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, w.ID, got.ID)
	})

	t.Run("extended key", func(t *testing.T) {
		w, err := svc.Create(ctx, owner, domain.WalletFields{Label: "cold", Credential: zpub})
		require.NoError(t, err)
		assert.Equal(t, domain.CredentialXPub, w.CredentialKind)
	})

	tests := []struct {
		name   string
		owner  domain.OwnerRef
		fields domain.WalletFields
		err    error
	}{
		{
			name:   "empty credential",
			owner:  owner,
			fields: domain.WalletFields{Label: "x", Credential: "   "},
			err:    domain.ErrEmptyCredential,
		},
		{
			name:   "garbage credential",
			owner:  owner,
			fields: domain.WalletFields{Label: "x", Credential: "not-a-bitcoin-thing"},
			err:    domain.ErrInvalidCredential,
		},
		{
			name:   "missing label",
			owner:  owner,
			fields: domain.WalletFields{Credential: addressA},
			err:    domain.ErrInvalidWallet,
		},
		{
			name:   "long label",
			owner:  owner,
			fields: domain.WalletFields{Label: strings.Repeat("a", maxLabelLen+1), Credential: addressA},
			err:    domain.ErrInvalidWallet,
		},
		{
			name:   "goal without currency",
			owner:  owner,
			fields: domain.WalletFields{Label: "x", Credential: addressA, GoalAmount: ptr(decimal.NewFromInt(1))},
			err:    domain.ErrInvalidWallet,
		},
		{
			name:   "negative goal",
			owner:  owner,
			fields: domain.WalletFields{Label: "x", Credential: addressA, GoalAmount: ptr(decimal.NewFromInt(-1)), GoalCurrency: "btc"},
			err:    domain.ErrInvalidWallet,
		},
		{
			name:   "unknown owner kind",
			owner:  domain.OwnerRef{Kind: "team", ID: "1"},
			fields: domain.WalletFields{Label: "x", Credential: addressA},
			err:    domain.ErrInvalidWallet,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Create(ctx, tt.owner, tt.fields)
			assert.ErrorIs(t, err, tt.err)
		})
	}
}

func TestService_CreateWithStrictClassifier(t *testing.T) {
	store, err := walstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	strict, err := credential.New("mainnet", true)
	require.NoError(t, err)
	svc := NewService(zap.NewNop(), store, strict)

	// valid shape, broken checksum
	_, err = svc.Create(context.Background(), storagetest.NewOwner(), domain.WalletFields{
		Label:      "typo",
		Credential: "1A1zP1eP5QGefi2DMPTfTL5SLmv7DivfNb",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidCredential)
}

func TestService_PrimaryExclusivity(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	owner := storagetest.NewOwner()

	w1, err := svc.Create(ctx, owner, domain.WalletFields{Label: "w1", Credential: addressA, IsPrimary: true})
	require.NoError(t, err)

	w2, err := svc.Create(ctx, owner, domain.WalletFields{Label: "w2", Credential: addressB})
	require.NoError(t, err)

	primary, err := svc.PrimaryWallet(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, w1.ID, primary.ID)

	_, err = svc.Update(ctx, w2.ID, owner, domain.WalletPatch{IsPrimary: ptr(true)})
	require.NoError(t, err)

	got1, err := svc.Get(ctx, w1.ID)
	require.NoError(t, err)
	assert.False(t, got1.IsPrimary)

	primary, err = svc.PrimaryWallet(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, w2.ID, primary.ID)

	t.Run("concurrent promotions keep one primary", func(t *testing.T) {
		var wg sync.WaitGroup
		for _, id := range []string{w1.ID, w2.ID, w1.ID, w2.ID} {
			wg.Add(1)
			go func(id string) {
				defer wg.Done()
				_, _ = svc.Update(ctx, id, owner, domain.WalletPatch{IsPrimary: ptr(true)})
			}(id)
		}
		wg.Wait()

		list, err := svc.ListByOwner(ctx, owner, false)
		require.NoError(t, err)
		primaries := 0
		for _, w := range list {
			if w.IsPrimary {
				primaries++
			}
		}
		assert.Equal(t, 1, primaries)
	})

	t.Run("other owners are untouched", func(t *testing.T) {
		other := storagetest.NewOwner()
		theirs, err := svc.Create(ctx, other, domain.WalletFields{Label: "theirs", Credential: addressA, IsPrimary: true})
		require.NoError(t, err)

		_, err = svc.Update(ctx, w1.ID, owner, domain.WalletPatch{IsPrimary: ptr(true)})
		require.NoError(t, err)

		got, err := svc.Get(ctx, theirs.ID)
		require.NoError(t, err)
		assert.True(t, got.IsPrimary)
	})

	t.Run("no primary", func(t *testing.T) {
		_, err := svc.PrimaryWallet(ctx, storagetest.NewOwner())
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})
}

func TestService_UpdateCredentialResetsBalance(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	owner := storagetest.NewOwner()

	w, err := svc.Create(ctx, owner, domain.WalletFields{Label: "main", Credential: addressA})
	require.NoError(t, err)
	storagetest.Fund(t, store, w.ID, 50_000_000)

	t.Run("same credential keeps the balance", func(t *testing.T) {
		got, err := svc.Update(ctx, w.ID, owner, domain.WalletPatch{Credential: ptr(addressA), Label: ptr("renamed")})
		require.NoError(t, err)
		assert.Equal(t, int64(50_000_000), got.BalanceSats)
		assert.NotNil(t, got.BalanceUpdatedAt)
		assert.Equal(t, "renamed", got.Label)
	})

	t.Run("new credential resets", func(t *testing.T) {
		got, err := svc.Update(ctx, w.ID, owner, domain.WalletPatch{Credential: ptr(addressB)})
		require.NoError(t, err)
		assert.Equal(t, addressB, got.Credential)
		assert.Zero(t, got.BalanceSats)
		assert.Zero(t, got.TxCount)
		assert.Nil(t, got.BalanceUpdatedAt)

		stored, err := svc.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Zero(t, stored.BalanceSats)
		assert.Nil(t, stored.BalanceUpdatedAt)
	})

	t.Run("invalid credential leaves the row alone", func(t *testing.T) {
		_, err := svc.Update(ctx, w.ID, owner, domain.WalletPatch{Credential: ptr("nope"), Label: ptr("changed")})
		assert.ErrorIs(t, err, domain.ErrInvalidCredential)

		stored, err := svc.Get(ctx, w.ID)
		require.NoError(t, err)
		assert.Equal(t, "renamed", stored.Label)
	})
}

func TestService_Ownership(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	owner, stranger := storagetest.NewOwner(), storagetest.NewOwner()

	w, err := svc.Create(ctx, owner, domain.WalletFields{Label: "mine", Credential: addressA})
	require.NoError(t, err)

	_, err = svc.Update(ctx, w.ID, stranger, domain.WalletPatch{Label: ptr("stolen")})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	err = svc.SoftDelete(ctx, w.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.GetForOwner(ctx, w.ID, stranger)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	got, err := svc.GetForOwner(ctx, w.ID, owner)
	require.NoError(t, err)
	assert.Equal(t, "mine", got.Label)
	assert.Equal(t, owner, got.Owner)

	_, err = svc.Update(ctx, "missing", owner, domain.WalletPatch{Label: ptr("x")})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	t.Run("ownership is checked before the credential", func(t *testing.T) {
		_, err := svc.Update(ctx, w.ID, stranger, domain.WalletPatch{Credential: ptr("not-a-credential")})
		assert.ErrorIs(t, err, domain.ErrForbidden)

		_, err = svc.Update(ctx, "missing", owner, domain.WalletPatch{Credential: ptr("not-a-credential")})
		assert.ErrorIs(t, err, domain.ErrNotFound)

		_, err = svc.Update(ctx, w.ID, owner, domain.WalletPatch{Credential: ptr("not-a-credential")})
		assert.ErrorIs(t, err, domain.ErrInvalidCredential)
	})
}

func TestService_SoftDelete(t *testing.T) {
	ctx := context.Background()
	svc, store := newService(t)
	owner := storagetest.NewOwner()

	w, err := svc.Create(ctx, owner, domain.WalletFields{Label: "old", Credential: addressA, IsPrimary: true})
	require.NoError(t, err)
	storagetest.Fund(t, store, w.ID, 1_000)

	require.NoError(t, svc.SoftDelete(ctx, w.ID, owner))

	_, err = svc.Get(ctx, w.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	assert.ErrorIs(t, svc.SoftDelete(ctx, w.ID, owner), domain.ErrNotFound)

	_, err = svc.AdjustBalance(ctx, w.ID, 1)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	active, err := svc.ListByOwner(ctx, owner, false)
	require.NoError(t, err)
	assert.Empty(t, active)

	all, err := svc.ListByOwner(ctx, owner, true)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.False(t, all[0].IsActive)
	assert.Equal(t, int64(1_000), all[0].BalanceSats, "balance kept for audit")
	assert.Equal(t, addressA, all[0].Credential)

	// a deactivated primary no longer blocks a new one
	_, err = svc.Create(ctx, owner, domain.WalletFields{Label: "new", Credential: addressB, IsPrimary: true})
	require.NoError(t, err)
}

func TestService_AdjustBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newService(t)
	owner := storagetest.NewOwner()

	w, err := svc.Create(ctx, owner, domain.WalletFields{Label: "w", Credential: addressA})
	require.NoError(t, err)

	balance, err := svc.AdjustBalance(ctx, w.ID, 700)
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	_, err = svc.AdjustBalance(ctx, w.ID, -701)
	var insufficient *domain.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.True(t, insufficient.Available.Equal(domain.SatsToBTC(700)))
	assert.True(t, insufficient.Requested.Equal(domain.SatsToBTC(701)))

	balance, err = svc.AdjustBalance(ctx, w.ID, -700)
	require.NoError(t, err)
	assert.Zero(t, balance)
}
