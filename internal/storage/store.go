// Package storage defines the persistence contract shared by the wallet backends.
//
// A backend keeps wallet rows and the append-only ledger. Every mutation runs
// inside InTx: either all writes of the unit of work commit or none do.
package storage

import (
	"context"
	"time"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

// Store is the read side of a backend plus the transactional entrypoint.
type Store interface {
	// InTx runs fn inside one atomic unit of work. A non-nil error from fn
	// discards every write made through tx.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	// Wallet returns the wallet with id, active or not, or domain.ErrNotFound.
	Wallet(ctx context.Context, id string) (domain.Wallet, error)
	// WalletsByOwner returns the owner's wallets ordered by creation time.
	WalletsByOwner(ctx context.Context, owner domain.OwnerRef, includeInactive bool) ([]domain.Wallet, error)

	// LedgerForWallet returns every entry touching walletID in sequence order.
	LedgerForWallet(ctx context.Context, walletID string) ([]domain.LedgerEntry, error)
	// LedgerAfter returns up to limit entries touching walletID with Seq > afterSeq.
	LedgerAfter(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.LedgerEntry, error)

	Close() error
}

// Tx is one unit of work. Wallet rows read through Tx are locked until it ends.
type Tx interface {
	// Wallet locks and returns the wallet with id, or domain.ErrNotFound.
	Wallet(ctx context.Context, id string) (domain.Wallet, error)
	// LockWallets locks the wallets in ascending id order and returns them
	// in the order requested. Any missing id yields domain.ErrNotFound.
	LockWallets(ctx context.Context, ids ...string) ([]domain.Wallet, error)

	InsertWallet(ctx context.Context, w domain.Wallet) error
	// SaveWallet overwrites a row previously read through this Tx.
	SaveWallet(ctx context.Context, w domain.Wallet) error
	// ClearPrimary unsets is_primary on every active wallet of owner except exceptID.
	ClearPrimary(ctx context.Context, owner domain.OwnerRef, exceptID string) error

	// AdjustBalance adds deltaSats to an active wallet's balance and returns the
	// new balance. A result below zero fails with *domain.InsufficientBalanceError
	// and leaves the balance untouched.
	AdjustBalance(ctx context.Context, id string, deltaSats int64) (int64, error)
	// RecordObservation overwrites the cached balance, tx count and balance_updated_at.
	RecordObservation(ctx context.Context, id string, balanceSats, txCount int64, at time.Time) error

	// AppendLedger stores entry and assigns its Seq.
	AppendLedger(ctx context.Context, entry *domain.LedgerEntry) error

	// AfterCommit registers fn to run once the unit of work has committed.
	AfterCommit(fn func())
}
