package domain

import (
	"fmt"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var (
	ErrInvalidCredential      = errors.New("invalid credential")
	ErrInvalidWallet          = errors.New("invalid wallet fields")
	ErrEmptyCredential        = errors.New("empty credential")
	ErrNotFound               = errors.New("not found")
	ErrForbidden              = errors.New("forbidden")
	ErrNoCredential           = errors.New("wallet has no credential configured")
	ErrRateLimited            = errors.New("rate limited")
	ErrIndexerUnavailable     = errors.New("balance indexer unavailable")
	ErrSameWalletTransfer     = errors.New("source and destination wallet are the same")
	ErrInvalidAmount          = errors.New("invalid amount")
	ErrInvalidNote            = errors.New("invalid transfer note")
	ErrInsufficientBalance    = errors.New("insufficient balance")
	ErrConcurrentModification = errors.New("concurrent modification")
)

// RateLimitedError is returned when a refresh is attempted inside the cooldown window.
type RateLimitedError struct {
	NextRefreshAt time.Time
	RetryAfter    time.Duration
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited: next refresh allowed at %s (in %ds)",
		e.NextRefreshAt.UTC().Format(time.RFC3339), e.RetryAfterSeconds())
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitedError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds rounds the remaining wait up to whole seconds.
func (e *RateLimitedError) RetryAfterSeconds() int64 {
	if e.RetryAfter <= 0 {
		return 0
	}
	return int64(math.Ceil(e.RetryAfter.Seconds()))
}

// InsufficientBalanceError reports available and requested amounts in BTC.
type InsufficientBalanceError struct {
	Available decimal.Decimal
	Requested decimal.Decimal
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %s BTC, requested %s BTC",
		e.Available.String(), e.Requested.String())
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// NewInsufficientBalanceError builds the error from satoshi amounts.
func NewInsufficientBalanceError(availableSats, requestedSats int64) *InsufficientBalanceError {
	return &InsufficientBalanceError{
		Available: SatsToBTC(availableSats),
		Requested: SatsToBTC(requestedSats),
	}
}
