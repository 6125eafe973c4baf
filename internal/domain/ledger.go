package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// LedgerKind is the type of balance-affecting event.
type LedgerKind string

const (
	LedgerRefreshObservation LedgerKind = "refresh_observation"
	LedgerInternalTransfer   LedgerKind = "internal_transfer"
)

// LedgerStatus is always terminal: internal transfers are synchronous.
type LedgerStatus string

const (
	LedgerCompleted LedgerStatus = "completed"
	LedgerFailed    LedgerStatus = "failed"
)

// LedgerLeg is one signed side of a transfer.
type LedgerLeg struct {
	WalletID   string `json:"wallet_id"`
	AmountSats int64  `json:"amount_sats"`
}

// LedgerEntry is an append-only audit record.
type LedgerEntry struct {
	// Seq is assigned by the store on append and orders entries.
	Seq       uint64       `json:"seq"`
	ID        string       `json:"id"`
	Kind      LedgerKind   `json:"kind"`
	Status    LedgerStatus `json:"status"`
	CreatedAt time.Time    `json:"created_at"`

	// AmountSats is the moved amount for transfers, nil for observations.
	AmountSats   *int64      `json:"amount_sats,omitempty"`
	FromWalletID string      `json:"from_wallet_id,omitempty"`
	ToWalletID   string      `json:"to_wallet_id,omitempty"`
	Legs         []LedgerLeg `json:"legs,omitempty"`

	// ObservedSats and TxCount are set for refresh observations.
	ObservedSats *int64 `json:"observed_sats,omitempty"`
	TxCount      *int64 `json:"tx_count,omitempty"`

	Note string `json:"note,omitempty"`
	Hash string `json:"hash"`
}

// NewTransferEntry builds a completed internal transfer with a debit and a credit leg.
func NewTransferEntry(id, from, to string, sats int64, note string, at time.Time) LedgerEntry {
	amount := sats
	return LedgerEntry{
		ID:           id,
		Kind:         LedgerInternalTransfer,
		Status:       LedgerCompleted,
		CreatedAt:    at,
		AmountSats:   &amount,
		FromWalletID: from,
		ToWalletID:   to,
		Legs: []LedgerLeg{
			{WalletID: from, AmountSats: -sats},
			{WalletID: to, AmountSats: sats},
		},
		Note: note,
	}
}

// NewObservationEntry builds a completed refresh observation for one wallet.
func NewObservationEntry(id, walletID string, observedSats, txCount int64, at time.Time) LedgerEntry {
	observed, count := observedSats, txCount
	return LedgerEntry{
		ID:           id,
		Kind:         LedgerRefreshObservation,
		Status:       LedgerCompleted,
		CreatedAt:    at,
		ToWalletID:   walletID,
		ObservedSats: &observed,
		TxCount:      &count,
	}
}

// Balanced reports whether the legs of a transfer sum to zero.
// Observations have no legs and are always balanced.
func (e LedgerEntry) Balanced() bool {
	if e.Kind != LedgerInternalTransfer {
		return len(e.Legs) == 0
	}
	if len(e.Legs) != 2 {
		return false
	}
	var sum int64
	for _, leg := range e.Legs {
		sum += leg.AmountSats
	}
	return sum == 0
}

// Touches reports whether the entry references walletID.
func (e LedgerEntry) Touches(walletID string) bool {
	return e.FromWalletID == walletID || e.ToWalletID == walletID
}

// hashPayload fixes the field order of the hashed representation.
type hashPayload struct {
	ID           string       `json:"id"`
	Kind         LedgerKind   `json:"kind"`
	Status       LedgerStatus `json:"status"`
	CreatedAt    string       `json:"created_at"`
	AmountSats   *int64       `json:"amount_sats"`
	FromWalletID string       `json:"from_wallet_id"`
	ToWalletID   string       `json:"to_wallet_id"`
	Legs         []LedgerLeg  `json:"legs"`
	ObservedSats *int64       `json:"observed_sats"`
	TxCount      *int64       `json:"tx_count"`
	Note         string       `json:"note"`
}

// ComputeHash returns the hex SHA-256 of the entry's canonical fields. Seq and Hash are excluded.
func (e LedgerEntry) ComputeHash() string {
	payload, _ := json.Marshal(hashPayload{
		ID:           e.ID,
		Kind:         e.Kind,
		Status:       e.Status,
		CreatedAt:    e.CreatedAt.UTC().Format(time.RFC3339Nano),
		AmountSats:   e.AmountSats,
		FromWalletID: e.FromWalletID,
		ToWalletID:   e.ToWalletID,
		Legs:         e.Legs,
		ObservedSats: e.ObservedSats,
		TxCount:      e.TxCount,
		Note:         e.Note,
	})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
