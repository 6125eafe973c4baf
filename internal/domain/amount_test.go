package domain

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBTCToSats(t *testing.T) {
	tests := []struct {
		name        string
		btc         string
		wantSats    int64
		wantRounded bool
	}{
		{name: "whole satoshis", btc: "0.004", wantSats: 400_000},
		{name: "one bitcoin", btc: "1", wantSats: SatsPerBTC},
		{name: "smallest unit", btc: "0.00000001", wantSats: 1},
		{name: "rounds half up", btc: "0.000000015", wantSats: 2, wantRounded: true},
		{name: "rounds down below half", btc: "0.000000014", wantSats: 1, wantRounded: true},
		{name: "max supply", btc: "21000000", wantSats: MaxSupplySats},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sats, rounded := BTCToSats(decimal.RequireFromString(tt.btc))
			assert.Equal(t, tt.wantSats, sats)
			assert.Equal(t, tt.wantRounded, rounded)
		})
	}
}

func TestSatsToBTC(t *testing.T) {
	assert.True(t, decimal.RequireFromString("0.006").Equal(SatsToBTC(600_000)))
	assert.True(t, decimal.Zero.Equal(SatsToBTC(0)))
	assert.Equal(t, "0.01", SatsToBTC(1_000_000).String())
}

func TestNewTransferAmount(t *testing.T) {
	t.Run("valid amount", func(t *testing.T) {
		amount, err := NewTransferAmount(decimal.RequireFromString("0.004"))
		require.NoError(t, err)
		assert.Equal(t, int64(400_000), amount.Sats)
		assert.False(t, amount.Rounded)
		assert.True(t, amount.Applied().Equal(decimal.RequireFromString("0.004")))
	})

	t.Run("sub-satoshi precision is surfaced", func(t *testing.T) {
		amount, err := NewTransferAmount(decimal.RequireFromString("0.123456789"))
		require.NoError(t, err)
		assert.Equal(t, int64(12_345_679), amount.Sats)
		assert.True(t, amount.Rounded)
		assert.Equal(t, "0.123456789", amount.Requested.String())
	})

	invalid := []string{"0", "-0.1", "21000000.00000001", "0.000000004"}
	for _, raw := range invalid {
		t.Run("rejects "+raw, func(t *testing.T) {
			_, err := NewTransferAmount(decimal.RequireFromString(raw))
			assert.ErrorIs(t, err, ErrInvalidAmount)
		})
	}
}

func TestParseBTC(t *testing.T) {
	d, err := ParseBTC(" 0.5 ")
	require.NoError(t, err)
	assert.True(t, d.Equal(decimal.RequireFromString("0.5")))

	_, err = ParseBTC("")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = ParseBTC("one bitcoin")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestTypedErrors(t *testing.T) {
	t.Run("rate limited matches sentinel", func(t *testing.T) {
		next := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
		var err error = &RateLimitedError{NextRefreshAt: next, RetryAfter: 270*time.Second + 100*time.Millisecond}
		wrapped := errors.Wrap(err, "refresh")

		assert.ErrorIs(t, wrapped, ErrRateLimited)

		var rl *RateLimitedError
		require.ErrorAs(t, wrapped, &rl)
		assert.Equal(t, int64(271), rl.RetryAfterSeconds())
		assert.Equal(t, next, rl.NextRefreshAt)
	})

	t.Run("insufficient balance carries amounts", func(t *testing.T) {
		err := NewInsufficientBalanceError(600_000, 1_000_000)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, "0.006", err.Available.String())
		assert.Equal(t, "0.01", err.Requested.String())
		assert.Contains(t, err.Error(), "available 0.006 BTC")
	})
}
