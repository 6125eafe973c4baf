// Package pgstore is the PostgreSQL storage backend.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/storage"
	"github.com/vadiminshakov/orangewallet/pkg/retrier"
)

//go:embed schema.sql
var schema string

const (
	migrationLockID = 0x6f72616e6765 // "orange"

	walletColumns = `id, owner_kind, owner_id, label, description, credential, credential_kind,
		balance_sats, tx_count, balance_updated_at, goal_amount::text, goal_currency, goal_deadline,
		is_primary, is_active, category, category_icon, created_at, updated_at`

	ledgerColumns = `seq, id, kind, status, amount_sats, from_wallet_id, to_wallet_id, legs,
		observed_sats, tx_count, note, hash, created_at`
)

var _ storage.Store = (*Store)(nil)

// Options tunes the connection pool.
type Options struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	ConnectRetries  int
}

func (o Options) withDefaults() Options {
	if o.MaxConns <= 0 {
		o.MaxConns = 20
	}
	if o.MinConns < 0 {
		o.MinConns = 0
	}
	if o.MaxConnLifetime <= 0 {
		o.MaxConnLifetime = time.Hour
	}
	if o.MaxConnIdleTime <= 0 {
		o.MaxConnIdleTime = 5 * time.Minute
	}
	if o.ConnectRetries <= 0 {
		o.ConnectRetries = 5
	}
	return o
}

// Store keeps wallets and the ledger in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
	l    *zap.Logger
}

// Open connects to dsn, retrying while the database comes up, and applies the schema.
func Open(ctx context.Context, dsn string, opts Options, l *zap.Logger) (*Store, error) {
	if l == nil {
		l = zap.NewNop()
	}
	opts = opts.withDefaults()

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, errors.Wrap(err, "parse postgres dsn")
	}
	cfg.MaxConns = opts.MaxConns
	cfg.MinConns = opts.MinConns
	cfg.MaxConnLifetime = opts.MaxConnLifetime
	cfg.MaxConnIdleTime = opts.MaxConnIdleTime

	r := retrier.New(
		retrier.WithMaxRetries(opts.ConnectRetries),
		retrier.WithInitialInterval(time.Second),
		retrier.WithOnRetry(func(attempt int, err error) {
			l.Warn("postgres not ready, retrying", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)

	pool, err := retrier.DoWithData(r, ctx, func(ctx context.Context) (*pgxpool.Pool, error) {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, err
		}
		return pool, nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "connect to postgres")
	}

	s := &Store{pool: pool, l: l}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	l.Info("postgres wallet store ready", zap.String("host", cfg.ConnConfig.Host), zap.String("database", cfg.ConnConfig.Database))
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin migration")
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", int64(migrationLockID)); err != nil {
		return errors.Wrap(err, "acquire migration lock")
	}
	if _, err := tx.Exec(ctx, schema); err != nil {
		return errors.Wrap(err, "apply schema")
	}
	return errors.Wrap(tx.Commit(ctx), "commit migration")
}

// InTx runs fn inside a read-committed transaction. Rows are locked explicitly by Tx.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	pgtx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer pgtx.Rollback(ctx)

	t := &tx{tx: pgtx}
	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := pgtx.Commit(ctx); err != nil {
		return mapError(err, "commit transaction")
	}

	for _, hook := range t.hooks {
		hook()
	}
	return nil
}

// Wallet returns the wallet with id without locking it.
func (s *Store) Wallet(ctx context.Context, id string) (domain.Wallet, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1`, id)
	w, err := scanWallet(row)
	if err != nil {
		return domain.Wallet{}, mapError(err, "get wallet "+id)
	}
	return w, nil
}

// WalletsByOwner returns the owner's wallets ordered by creation time.
func (s *Store) WalletsByOwner(ctx context.Context, owner domain.OwnerRef, includeInactive bool) ([]domain.Wallet, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets
		WHERE owner_kind = $1 AND owner_id = $2 AND (is_active OR $3)
		ORDER BY created_at, id`,
		string(owner.Kind), owner.ID, includeInactive)
	if err != nil {
		return nil, errors.Wrap(err, "list wallets")
	}
	defer rows.Close()

	out := make([]domain.Wallet, 0)
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan wallet")
		}
		out = append(out, w)
	}
	return out, errors.Wrap(rows.Err(), "list wallets")
}

// LedgerForWallet returns every entry touching walletID in sequence order.
func (s *Store) LedgerForWallet(ctx context.Context, walletID string) ([]domain.LedgerEntry, error) {
	return s.LedgerAfter(ctx, walletID, 0, 0)
}

// LedgerAfter returns entries touching walletID with seq > afterSeq. limit <= 0 means no limit.
func (s *Store) LedgerAfter(ctx context.Context, walletID string, afterSeq uint64, limit int) ([]domain.LedgerEntry, error) {
	var lim *int64
	if limit > 0 {
		v := int64(limit)
		lim = &v
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+ledgerColumns+`
		FROM ledger_entries
		WHERE (from_wallet_id = $1 OR to_wallet_id = $1) AND seq > $2
		ORDER BY seq
		LIMIT $3`,
		walletID, int64(afterSeq), lim)
	if err != nil {
		return nil, errors.Wrap(err, "list ledger entries")
	}
	defer rows.Close()

	out := make([]domain.LedgerEntry, 0)
	for rows.Next() {
		e, err := scanLedgerEntry(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ledger entry")
		}
		out = append(out, e)
	}
	return out, errors.Wrap(rows.Err(), "list ledger entries")
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

type tx struct {
	tx    pgx.Tx
	hooks []func()
}

func (t *tx) Wallet(ctx context.Context, id string) (domain.Wallet, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = $1 FOR UPDATE`, id)
	w, err := scanWallet(row)
	if err != nil {
		return domain.Wallet{}, mapError(err, "lock wallet "+id)
	}
	return w, nil
}

func (t *tx) LockWallets(ctx context.Context, ids ...string) ([]domain.Wallet, error) {
	rows, err := t.tx.Query(ctx, `SELECT `+walletColumns+` FROM wallets WHERE id = ANY($1) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, mapError(err, "lock wallets")
	}
	defer rows.Close()

	locked := make(map[string]domain.Wallet, len(ids))
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan wallet")
		}
		locked[w.ID] = w
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err, "lock wallets")
	}

	out := make([]domain.Wallet, 0, len(ids))
	for _, id := range ids {
		w, ok := locked[id]
		if !ok {
			return nil, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
		}
		out = append(out, w)
	}
	return out, nil
}

func (t *tx) InsertWallet(ctx context.Context, w domain.Wallet) error {
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (id, owner_kind, owner_id, label, description, credential, credential_kind,
			balance_sats, tx_count, balance_updated_at, goal_amount, goal_currency, goal_deadline,
			is_primary, is_active, category, category_icon, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11::text::numeric, $12, $13, $14, $15, $16, $17, $18, $19)`,
		w.ID, string(w.Owner.Kind), w.Owner.ID, w.Label, w.Description, w.Credential, string(w.CredentialKind),
		w.BalanceSats, w.TxCount, w.BalanceUpdatedAt, decimalText(w.GoalAmount), w.GoalCurrency, w.GoalDeadline,
		w.IsPrimary, w.IsActive, w.Category, w.CategoryIcon, w.CreatedAt, w.UpdatedAt)
	return mapError(err, "insert wallet "+w.ID)
}

func (t *tx) SaveWallet(ctx context.Context, w domain.Wallet) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE wallets SET
			label = $2, description = $3, credential = $4, credential_kind = $5,
			balance_sats = $6, tx_count = $7, balance_updated_at = $8,
			goal_amount = $9::text::numeric, goal_currency = $10, goal_deadline = $11,
			is_primary = $12, is_active = $13, category = $14, category_icon = $15, updated_at = $16
		WHERE id = $1`,
		w.ID, w.Label, w.Description, w.Credential, string(w.CredentialKind),
		w.BalanceSats, w.TxCount, w.BalanceUpdatedAt,
		decimalText(w.GoalAmount), w.GoalCurrency, w.GoalDeadline,
		w.IsPrimary, w.IsActive, w.Category, w.CategoryIcon, w.UpdatedAt)
	if err != nil {
		return mapError(err, "save wallet "+w.ID)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "wallet %s", w.ID)
	}
	return nil
}

func (t *tx) ClearPrimary(ctx context.Context, owner domain.OwnerRef, exceptID string) error {
	// serializes primary changes of one owner across transactions
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, owner.String()); err != nil {
		return mapError(err, "lock owner "+owner.String())
	}

	_, err := t.tx.Exec(ctx, `
		UPDATE wallets SET is_primary = FALSE
		WHERE owner_kind = $1 AND owner_id = $2 AND is_active AND is_primary AND id <> $3`,
		string(owner.Kind), owner.ID, exceptID)
	return mapError(err, "clear primary wallet")
}

func (t *tx) AdjustBalance(ctx context.Context, id string, deltaSats int64) (int64, error) {
	var balance int64
	err := t.tx.QueryRow(ctx, `
		UPDATE wallets SET balance_sats = balance_sats + $2
		WHERE id = $1 AND is_active AND balance_sats + $2 >= 0 AND balance_sats + $2 <= $3
		RETURNING balance_sats`,
		id, deltaSats, domain.MaxSupplySats).Scan(&balance)
	if err == nil {
		return balance, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, mapError(err, "adjust balance of wallet "+id)
	}

	var current int64
	var active bool
	err = t.tx.QueryRow(ctx, `SELECT balance_sats, is_active FROM wallets WHERE id = $1`, id).Scan(&current, &active)
	if err != nil {
		return 0, mapError(err, "read balance of wallet "+id)
	}
	if !active {
		return 0, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	if current+deltaSats < 0 {
		return 0, domain.NewInsufficientBalanceError(current, -deltaSats)
	}
	return 0, errors.Wrapf(domain.ErrInvalidAmount, "wallet %s balance would exceed the supply ceiling", id)
}

func (t *tx) RecordObservation(ctx context.Context, id string, balanceSats, txCount int64, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
		UPDATE wallets SET balance_sats = $2, tx_count = $3, balance_updated_at = $4
		WHERE id = $1 AND is_active`,
		id, balanceSats, txCount, at)
	if err != nil {
		return mapError(err, "record observation for wallet "+id)
	}
	if tag.RowsAffected() == 0 {
		return errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	return nil
}

func (t *tx) AppendLedger(ctx context.Context, entry *domain.LedgerEntry) error {
	if entry == nil {
		return errors.New("ledger entry is nil")
	}

	legs, err := json.Marshal(entry.Legs)
	if err != nil {
		return errors.Wrap(err, "marshal ledger legs")
	}
	if entry.Legs == nil {
		legs = []byte("[]")
	}

	var seq int64
	err = t.tx.QueryRow(ctx, `
		INSERT INTO ledger_entries (id, kind, status, amount_sats, from_wallet_id, to_wallet_id, legs,
			observed_sats, tx_count, note, hash, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING seq`,
		entry.ID, string(entry.Kind), string(entry.Status), entry.AmountSats,
		nullable(entry.FromWalletID), nullable(entry.ToWalletID), legs,
		entry.ObservedSats, entry.TxCount, entry.Note, entry.Hash, entry.CreatedAt).Scan(&seq)
	if err != nil {
		return mapError(err, "append ledger entry "+entry.ID)
	}

	entry.Seq = uint64(seq)
	return nil
}

func (t *tx) AfterCommit(fn func()) {
	t.hooks = append(t.hooks, fn)
}

func scanWallet(row pgx.Row) (domain.Wallet, error) {
	var (
		w         domain.Wallet
		ownerKind string
		credKind  string
		goal      *string
	)
	err := row.Scan(&w.ID, &ownerKind, &w.Owner.ID, &w.Label, &w.Description, &w.Credential, &credKind,
		&w.BalanceSats, &w.TxCount, &w.BalanceUpdatedAt, &goal, &w.GoalCurrency, &w.GoalDeadline,
		&w.IsPrimary, &w.IsActive, &w.Category, &w.CategoryIcon, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return domain.Wallet{}, err
	}

	w.Owner.Kind = domain.OwnerKind(ownerKind)
	w.CredentialKind = domain.CredentialKind(credKind)
	if goal != nil {
		amount, err := decimal.NewFromString(*goal)
		if err != nil {
			return domain.Wallet{}, errors.Wrap(err, "decode goal amount")
		}
		w.GoalAmount = &amount
	}
	return w, nil
}

func scanLedgerEntry(row pgx.Row) (domain.LedgerEntry, error) {
	var (
		e        domain.LedgerEntry
		seq      int64
		kind     string
		status   string
		from, to *string
		legs     []byte
	)
	err := row.Scan(&seq, &e.ID, &kind, &status, &e.AmountSats, &from, &to, &legs,
		&e.ObservedSats, &e.TxCount, &e.Note, &e.Hash, &e.CreatedAt)
	if err != nil {
		return domain.LedgerEntry{}, err
	}

	e.Seq = uint64(seq)
	e.Kind = domain.LedgerKind(kind)
	e.Status = domain.LedgerStatus(status)
	if from != nil {
		e.FromWalletID = *from
	}
	if to != nil {
		e.ToWalletID = *to
	}
	if len(legs) > 0 {
		if err := json.Unmarshal(legs, &e.Legs); err != nil {
			return domain.LedgerEntry{}, errors.Wrap(err, "decode ledger legs")
		}
		if len(e.Legs) == 0 {
			e.Legs = nil
		}
	}
	return e, nil
}

// mapError translates driver failures into the domain taxonomy.
func mapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return errors.Wrap(domain.ErrNotFound, msg)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "23505":
			return errors.Wrapf(domain.ErrConcurrentModification, "%s: %s", msg, pgErr.Message)
		}
	}
	return errors.Wrap(err, msg)
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func decimalText(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}
