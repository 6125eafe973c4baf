// Package wallets implements owner-facing wallet management on top of a storage backend.
package wallets

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/credential"
	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/storage"
)

const (
	maxLabelLen       = 100
	maxDescriptionLen = 1000
)

// Classifier decides the kind of a raw credential.
type Classifier interface {
	Classify(raw string) (credential.Credential, error)
}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// Service creates, updates and soft-deletes wallets.
type Service struct {
	l          *zap.Logger
	store      storage.Store
	classifier Classifier
	now        func() time.Time
}

// NewService creates a wallet service. A nil classifier falls back to mainnet syntactic rules.
func NewService(l *zap.Logger, store storage.Store, classifier Classifier, opts ...Option) *Service {
	if l == nil {
		l = zap.NewNop()
	}
	if classifier == nil {
		classifier = credential.ClassifierFunc(credential.Classify)
	}
	s := &Service{
		l:          l,
		store:      store,
		classifier: classifier,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC().Truncate(time.Microsecond)
}

// Create classifies the credential and stores a new active wallet for owner.
// Requesting primary clears the flag on the owner's other wallets in the same unit of work.
func (s *Service) Create(ctx context.Context, owner domain.OwnerRef, fields domain.WalletFields) (domain.Wallet, error) {
	if err := owner.Validate(); err != nil {
		return domain.Wallet{}, errors.Wrap(domain.ErrInvalidWallet, err.Error())
	}
	cred, err := s.classifier.Classify(fields.Credential)
	if err != nil {
		return domain.Wallet{}, err
	}

	now := s.timestamp()
	w := domain.Wallet{
		ID:             uuid.NewString(),
		Owner:          owner,
		Label:          strings.TrimSpace(fields.Label),
		Description:    strings.TrimSpace(fields.Description),
		Credential:     cred.Normalized,
		CredentialKind: cred.Kind,
		GoalAmount:     fields.GoalAmount,
		GoalCurrency:   normalizeCurrency(fields.GoalCurrency),
		GoalDeadline:   utcPtr(fields.GoalDeadline),
		IsPrimary:      fields.IsPrimary,
		IsActive:       true,
		Category:       strings.TrimSpace(fields.Category),
		CategoryIcon:   strings.TrimSpace(fields.CategoryIcon),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := validate(w); err != nil {
		return domain.Wallet{}, err
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if w.IsPrimary {
			if err := tx.ClearPrimary(ctx, owner, w.ID); err != nil {
				return errors.Wrap(err, "clear primary")
			}
		}
		return tx.InsertWallet(ctx, w)
	})
	if err != nil {
		return domain.Wallet{}, errors.Wrap(err, "create wallet")
	}

	s.l.Info("wallet created",
		zap.String("wallet_id", w.ID),
		zap.Stringer("owner", owner),
		zap.String("credential_kind", string(w.CredentialKind)),
		zap.Bool("primary", w.IsPrimary))

	return w, nil
}

// Get returns an active wallet.
func (s *Service) Get(ctx context.Context, id string) (domain.Wallet, error) {
	w, err := s.store.Wallet(ctx, id)
	if err != nil {
		return domain.Wallet{}, err
	}
	if !w.IsActive {
		return domain.Wallet{}, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	return w, nil
}

// GetForOwner is Get restricted to the wallet's owner.
func (s *Service) GetForOwner(ctx context.Context, id string, requester domain.OwnerRef) (domain.Wallet, error) {
	w, err := s.Get(ctx, id)
	if err != nil {
		return domain.Wallet{}, err
	}
	if !w.OwnedBy(requester) {
		return domain.Wallet{}, errors.Wrapf(domain.ErrForbidden, "wallet %s", id)
	}
	return w, nil
}

// ListByOwner returns the owner's wallets, oldest first.
func (s *Service) ListByOwner(ctx context.Context, owner domain.OwnerRef, includeInactive bool) ([]domain.Wallet, error) {
	list, err := s.store.WalletsByOwner(ctx, owner, includeInactive)
	if err != nil {
		return nil, errors.Wrap(err, "list wallets")
	}
	return list, nil
}

// PrimaryWallet returns the owner's active primary wallet.
func (s *Service) PrimaryWallet(ctx context.Context, owner domain.OwnerRef) (domain.Wallet, error) {
	list, err := s.ListByOwner(ctx, owner, false)
	if err != nil {
		return domain.Wallet{}, err
	}
	for _, w := range list {
		if w.IsPrimary {
			return w, nil
		}
	}
	return domain.Wallet{}, errors.Wrapf(domain.ErrNotFound, "primary wallet of %s", owner)
}

// Update applies patch on behalf of requester. A changed credential is
// reclassified and drops the cached balance.
func (s *Service) Update(ctx context.Context, id string, requester domain.OwnerRef, patch domain.WalletPatch) (domain.Wallet, error) {
	var (
		updated          domain.Wallet
		credentialChange bool
	)
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		w, err := s.lockOwned(ctx, tx, id, requester)
		if err != nil {
			return err
		}

		var cred *credential.Credential
		if patch.Credential != nil {
			c, err := s.classifier.Classify(*patch.Credential)
			if err != nil {
				return err
			}
			cred = &c
		}

		normalizePatch(&patch)
		patch.ApplyMetadata(&w)
		w.GoalDeadline = utcPtr(w.GoalDeadline)

		if cred != nil && cred.Normalized != w.Credential {
			w.Credential = cred.Normalized
			w.CredentialKind = cred.Kind
			w.ResetBalance()
			credentialChange = true
		}

		if patch.IsPrimary != nil {
			if *patch.IsPrimary && !w.IsPrimary {
				if err := tx.ClearPrimary(ctx, w.Owner, w.ID); err != nil {
					return errors.Wrap(err, "clear primary")
				}
			}
			w.IsPrimary = *patch.IsPrimary
		}

		if err := validate(w); err != nil {
			return err
		}

		w.UpdatedAt = s.timestamp()
		if err := tx.SaveWallet(ctx, w); err != nil {
			return err
		}
		updated = w
		return nil
	})
	if err != nil {
		return domain.Wallet{}, errors.Wrap(err, "update wallet")
	}

	if credentialChange {
		s.l.Info("wallet credential replaced, balance reset",
			zap.String("wallet_id", id),
			zap.String("credential_kind", string(updated.CredentialKind)))
	}

	return updated, nil
}

// SoftDelete deactivates the wallet. The row and its ledger history are kept.
func (s *Service) SoftDelete(ctx context.Context, id string, requester domain.OwnerRef) error {
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		w, err := s.lockOwned(ctx, tx, id, requester)
		if err != nil {
			return err
		}
		w.IsActive = false
		w.IsPrimary = false
		w.UpdatedAt = s.timestamp()
		return tx.SaveWallet(ctx, w)
	})
	if err != nil {
		return errors.Wrap(err, "delete wallet")
	}

	s.l.Info("wallet deactivated", zap.String("wallet_id", id), zap.Stringer("owner", requester))
	return nil
}

// AdjustBalance moves the cached balance of one active wallet by deltaSats in
// its own unit of work and returns the new balance.
func (s *Service) AdjustBalance(ctx context.Context, id string, deltaSats int64) (int64, error) {
	var balance int64
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		balance, err = tx.AdjustBalance(ctx, id, deltaSats)
		return err
	})
	if err != nil {
		return 0, errors.Wrap(err, "adjust balance")
	}
	return balance, nil
}

func (s *Service) lockOwned(ctx context.Context, tx storage.Tx, id string, requester domain.OwnerRef) (domain.Wallet, error) {
	w, err := tx.Wallet(ctx, id)
	if err != nil {
		return domain.Wallet{}, err
	}
	if !w.IsActive {
		return domain.Wallet{}, errors.Wrapf(domain.ErrNotFound, "wallet %s", id)
	}
	if !w.OwnedBy(requester) {
		return domain.Wallet{}, errors.Wrapf(domain.ErrForbidden, "wallet %s", id)
	}
	return w, nil
}

func normalizePatch(p *domain.WalletPatch) {
	trim := func(v *string) *string {
		if v == nil {
			return nil
		}
		t := strings.TrimSpace(*v)
		return &t
	}
	p.Label = trim(p.Label)
	p.Description = trim(p.Description)
	p.Category = trim(p.Category)
	p.CategoryIcon = trim(p.CategoryIcon)
	if p.GoalCurrency != nil {
		c := normalizeCurrency(*p.GoalCurrency)
		p.GoalCurrency = &c
	}
}

func normalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC().Truncate(time.Microsecond)
	return &u
}

func validate(w domain.Wallet) error {
	switch {
	case w.Label == "":
		return errors.Wrap(domain.ErrInvalidWallet, "label is required")
	case utf8.RuneCountInString(w.Label) > maxLabelLen:
		return errors.Wrapf(domain.ErrInvalidWallet, "label is longer than %d characters", maxLabelLen)
	case utf8.RuneCountInString(w.Description) > maxDescriptionLen:
		return errors.Wrapf(domain.ErrInvalidWallet, "description is longer than %d characters", maxDescriptionLen)
	}

	if w.GoalAmount != nil {
		if !w.GoalAmount.IsPositive() {
			return errors.Wrap(domain.ErrInvalidWallet, "goal amount must be greater than zero")
		}
		if w.GoalCurrency == "" {
			return errors.Wrap(domain.ErrInvalidWallet, "goal currency is required with a goal amount")
		}
	}
	if w.GoalCurrency != "" && !isCurrencyCode(w.GoalCurrency) {
		return errors.Wrapf(domain.ErrInvalidWallet, "goal currency %q is not a currency code", w.GoalCurrency)
	}
	return nil
}

func isCurrencyCode(c string) bool {
	if len(c) < 3 || len(c) > 5 {
		return false
	}
	for _, r := range c {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}
