// Package domain defines the wallet and ledger types shared by the storage backends and services.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// OwnerKind is the type of entity that owns a wallet.
type OwnerKind string

const (
	OwnerProfile OwnerKind = "profile"
	OwnerProject OwnerKind = "project"
)

// OwnerRef identifies the individual profile or fundable project owning a wallet.
type OwnerRef struct {
	Kind OwnerKind `json:"kind"`
	ID   string    `json:"id"`
}

// ParseOwnerRef builds an OwnerRef from raw kind and id values.
func ParseOwnerRef(kind, id string) (OwnerRef, error) {
	o := OwnerRef{Kind: OwnerKind(strings.ToLower(strings.TrimSpace(kind))), ID: strings.TrimSpace(id)}
	if err := o.Validate(); err != nil {
		return OwnerRef{}, err
	}
	return o, nil
}

// Validate checks the owner kind and id.
func (o OwnerRef) Validate() error {
	switch o.Kind {
	case OwnerProfile, OwnerProject:
	default:
		return fmt.Errorf("unknown owner kind %q", o.Kind)
	}
	if o.ID == "" {
		return errors.New("owner id is required")
	}
	return nil
}

func (o OwnerRef) String() string {
	return fmt.Sprintf("%s:%s", o.Kind, o.ID)
}

// CredentialKind is derived from the wallet credential by the classifier.
type CredentialKind string

const (
	CredentialAddress CredentialKind = "address"
	CredentialXPub    CredentialKind = "xpub"
)

// Wallet is an observed bitcoin receiving credential owned by a profile or project.
// BalanceSats is a cached indexer observation as of BalanceUpdatedAt, moved only
// by internal transfers in between observations.
type Wallet struct {
	ID          string   `json:"id"`
	Owner       OwnerRef `json:"owner"`
	Label       string   `json:"label"`
	Description string   `json:"description,omitempty"`

	Credential     string         `json:"credential"`
	CredentialKind CredentialKind `json:"credential_kind"`

	BalanceSats      int64      `json:"balance_sats"`
	TxCount          int64      `json:"tx_count"`
	BalanceUpdatedAt *time.Time `json:"balance_updated_at,omitempty"`

	GoalAmount   *decimal.Decimal `json:"goal_amount,omitempty"`
	GoalCurrency string           `json:"goal_currency,omitempty"`
	GoalDeadline *time.Time       `json:"goal_deadline,omitempty"`

	IsPrimary bool `json:"is_primary"`
	IsActive  bool `json:"is_active"`

	Category     string `json:"category,omitempty"`
	CategoryIcon string `json:"category_icon,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BalanceBTC returns the cached balance in BTC.
func (w Wallet) BalanceBTC() decimal.Decimal {
	return SatsToBTC(w.BalanceSats)
}

// OwnedBy reports whether the wallet belongs to owner.
func (w Wallet) OwnedBy(owner OwnerRef) bool {
	return w.Owner == owner
}

// HasCredential reports whether a credential is configured.
func (w Wallet) HasCredential() bool {
	return strings.TrimSpace(w.Credential) != ""
}

// ResetBalance drops the cached observation, used when the credential changes.
func (w *Wallet) ResetBalance() {
	w.BalanceSats = 0
	w.TxCount = 0
	w.BalanceUpdatedAt = nil
}

// WalletFields are the owner-supplied fields of a new wallet.
type WalletFields struct {
	Label        string
	Description  string
	Credential   string
	GoalAmount   *decimal.Decimal
	GoalCurrency string
	GoalDeadline *time.Time
	IsPrimary    bool
	Category     string
	CategoryIcon string
}

// WalletPatch is a partial owner update; nil fields are left unchanged.
type WalletPatch struct {
	Label        *string
	Description  *string
	Credential   *string
	GoalAmount   *decimal.Decimal
	GoalCurrency *string
	GoalDeadline *time.Time
	IsPrimary    *bool
	Category     *string
	CategoryIcon *string
}

// Empty reports whether the patch changes nothing.
func (p WalletPatch) Empty() bool {
	return p.Label == nil && p.Description == nil && p.Credential == nil &&
		p.GoalAmount == nil && p.GoalCurrency == nil && p.GoalDeadline == nil &&
		p.IsPrimary == nil && p.Category == nil && p.CategoryIcon == nil
}

// ApplyMetadata copies the non-credential, non-primary fields of p onto w.
func (p WalletPatch) ApplyMetadata(w *Wallet) {
	if p.Label != nil {
		w.Label = *p.Label
	}
	if p.Description != nil {
		w.Description = *p.Description
	}
	if p.GoalAmount != nil {
		amount := *p.GoalAmount
		w.GoalAmount = &amount
	}
	if p.GoalCurrency != nil {
		w.GoalCurrency = *p.GoalCurrency
	}
	if p.GoalDeadline != nil {
		deadline := *p.GoalDeadline
		w.GoalDeadline = &deadline
	}
	if p.Category != nil {
		w.Category = *p.Category
	}
	if p.CategoryIcon != nil {
		w.CategoryIcon = *p.CategoryIcon
	}
}
