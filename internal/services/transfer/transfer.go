// Package transfer moves value between two wallets of the same owner.
package transfer

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/metrics"
	"github.com/vadiminshakov/orangewallet/internal/storage"
)

const maxNoteLen = 500

// Ledger appends an entry inside a unit of work.
type Ledger interface {
	Append(ctx context.Context, tx storage.Tx, entry domain.LedgerEntry) (domain.LedgerEntry, error)
}

// Request describes one internal transfer.
type Request struct {
	FromWalletID string
	ToWalletID   string
	AmountBTC    decimal.Decimal
	Note         string
	Requester    domain.OwnerRef
}

// Result is a completed transfer with both wallets as of commit.
type Result struct {
	Transaction domain.LedgerEntry `json:"transaction"`
	From        domain.Wallet      `json:"from_wallet"`
	To          domain.Wallet      `json:"to_wallet"`
	// RequestedBTC differs from AppliedBTC when the request had sub-satoshi precision.
	RequestedBTC decimal.Decimal `json:"requested_btc"`
	AppliedBTC   decimal.Decimal `json:"applied_btc"`
	Rounded      bool            `json:"rounded"`
}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics records transfer outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// Engine executes transfers.
type Engine struct {
	l       *zap.Logger
	store   storage.Store
	ledger  Ledger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEngine creates a transfer engine.
func NewEngine(l *zap.Logger, store storage.Store, ledger Ledger, opts ...Option) *Engine {
	if l == nil {
		l = zap.NewNop()
	}
	e := &Engine{
		l:      l,
		store:  store,
		ledger: ledger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer moves req.AmountBTC from one wallet to the other. The ledger entry
// and both balance adjustments commit together or not at all.
func (e *Engine) Transfer(ctx context.Context, req Request) (Result, error) {
	res, err := e.transfer(ctx, req)
	switch {
	case err == nil:
		e.metrics.Transfer(metrics.TransferCompleted, *res.Transaction.AmountSats)
	case errors.Is(err, domain.ErrConcurrentModification):
		e.metrics.Transfer(metrics.TransferConflicted, 0)
	default:
		e.metrics.Transfer(metrics.TransferRejected, 0)
	}
	return res, err
}

func (e *Engine) transfer(ctx context.Context, req Request) (Result, error) {
	if req.FromWalletID == req.ToWalletID {
		return Result{}, errors.Wrapf(domain.ErrSameWalletTransfer, "wallet %s", req.FromWalletID)
	}
	note := strings.TrimSpace(req.Note)

	var res Result
	err := e.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		// ascending id order inside LockWallets, so opposite transfers cannot deadlock
		locked, err := tx.LockWallets(ctx, req.FromWalletID, req.ToWalletID)
		if err != nil {
			return err
		}
		from, to := locked[0], locked[1]

		for _, w := range locked {
			if !w.IsActive {
				return errors.Wrapf(domain.ErrNotFound, "wallet %s", w.ID)
			}
		}
		for _, w := range locked {
			if !w.OwnedBy(req.Requester) {
				return errors.Wrapf(domain.ErrForbidden, "wallet %s", w.ID)
			}
		}

		amount, err := domain.NewTransferAmount(req.AmountBTC)
		if err != nil {
			return err
		}
		if n := utf8.RuneCountInString(note); n > maxNoteLen {
			return errors.Wrapf(domain.ErrInvalidNote, "note is %d characters, at most %d allowed", n, maxNoteLen)
		}
		if from.BalanceSats < amount.Sats {
			return domain.NewInsufficientBalanceError(from.BalanceSats, amount.Sats)
		}

		entry, err := e.ledger.Append(ctx, tx, domain.NewTransferEntry("", from.ID, to.ID, amount.Sats, note, e.now()))
		if err != nil {
			return err
		}
		if from.BalanceSats, err = tx.AdjustBalance(ctx, from.ID, -amount.Sats); err != nil {
			return errors.Wrap(err, "debit")
		}
		if to.BalanceSats, err = tx.AdjustBalance(ctx, to.ID, amount.Sats); err != nil {
			return errors.Wrap(err, "credit")
		}

		res = Result{
			Transaction:  entry,
			From:         from,
			To:           to,
			RequestedBTC: amount.Requested,
			AppliedBTC:   amount.Applied(),
			Rounded:      amount.Rounded,
		}
		return nil
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "transfer")
	}

	if res.Rounded {
		e.l.Warn("transfer amount rounded to whole satoshis",
			zap.String("entry_id", res.Transaction.ID),
			zap.String("requested_btc", res.RequestedBTC.String()),
			zap.String("applied_btc", res.AppliedBTC.String()))
	}
	e.l.Info("transfer completed",
		zap.String("entry_id", res.Transaction.ID),
		zap.String("from", res.From.ID),
		zap.String("to", res.To.ID),
		zap.Int64("amount_sats", *res.Transaction.AmountSats),
		zap.Bool("rounded", res.Rounded))

	return res, nil
}
