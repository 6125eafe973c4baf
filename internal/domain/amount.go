package domain

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const (
	// SatsPerBTC is the number of satoshis in one bitcoin.
	SatsPerBTC int64 = 100_000_000
	// MaxSupplySats is the fixed 21,000,000 BTC supply ceiling in satoshis.
	MaxSupplySats int64 = 21_000_000 * SatsPerBTC

	satsExponent = 8
)

// MaxSupplyBTC is the supply ceiling as a decimal.
var MaxSupplyBTC = decimal.NewFromInt(21_000_000)

// SatsToBTC converts satoshis to a BTC decimal without loss.
func SatsToBTC(sats int64) decimal.Decimal {
	return decimal.NewFromInt(sats).Shift(-satsExponent)
}

// BTCToSats converts a BTC amount to whole satoshis rounding half away from zero.
// rounded reports whether sub-satoshi precision was dropped.
func BTCToSats(btc decimal.Decimal) (sats int64, rounded bool) {
	shifted := btc.Shift(satsExponent)
	whole := shifted.Round(0)
	return whole.IntPart(), !whole.Equal(shifted)
}

// ParseBTC parses a decimal BTC string.
func ParseBTC(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.Wrap(ErrInvalidAmount, "amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.Wrapf(ErrInvalidAmount, "parse %q", s)
	}
	return d, nil
}

// TransferAmount is a validated transfer amount.
type TransferAmount struct {
	// Requested is the amount as supplied by the caller.
	Requested decimal.Decimal
	// Sats is the amount actually moved.
	Sats int64
	// Rounded is true when Requested had sub-satoshi precision.
	Rounded bool
}

// Applied returns the moved amount in BTC.
func (a TransferAmount) Applied() decimal.Decimal {
	return SatsToBTC(a.Sats)
}

// NewTransferAmount validates 0 < btc <= 21M and converts it to satoshis.
// An amount that rounds to zero satoshis is rejected.
func NewTransferAmount(btc decimal.Decimal) (TransferAmount, error) {
	if !btc.IsPositive() {
		return TransferAmount{}, errors.Wrap(ErrInvalidAmount, "amount must be greater than zero")
	}
	if btc.GreaterThan(MaxSupplyBTC) {
		return TransferAmount{}, errors.Wrap(ErrInvalidAmount, "amount exceeds the 21,000,000 BTC supply")
	}

	sats, rounded := BTCToSats(btc)
	if sats <= 0 {
		return TransferAmount{}, errors.Wrap(ErrInvalidAmount, "amount is below one satoshi")
	}
	if sats > MaxSupplySats {
		return TransferAmount{}, errors.Wrap(ErrInvalidAmount, "amount exceeds the 21,000,000 BTC supply")
	}

	return TransferAmount{Requested: btc, Sats: sats, Rounded: rounded}, nil
}
