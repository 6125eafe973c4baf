package web

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/domain"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`

	AvailableBTC      *decimal.Decimal `json:"available_btc,omitempty"`
	RequestedBTC      *decimal.Decimal `json:"requested_btc,omitempty"`
	NextRefreshAt     *time.Time       `json:"next_refresh_at,omitempty"`
	RetryAfterSeconds *int64           `json:"retry_after_seconds,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{domain.ErrNotFound, http.StatusNotFound, "not_found"},
	{domain.ErrForbidden, http.StatusForbidden, "forbidden"},
	{domain.ErrEmptyCredential, http.StatusUnprocessableEntity, "empty_credential"},
	{domain.ErrInvalidCredential, http.StatusUnprocessableEntity, "invalid_credential"},
	{domain.ErrInvalidWallet, http.StatusUnprocessableEntity, "invalid_wallet"},
	{domain.ErrNoCredential, http.StatusUnprocessableEntity, "no_credential"},
	{domain.ErrSameWalletTransfer, http.StatusUnprocessableEntity, "same_wallet_transfer"},
	{domain.ErrInvalidAmount, http.StatusUnprocessableEntity, "invalid_amount"},
	{domain.ErrInvalidNote, http.StatusUnprocessableEntity, "invalid_note"},
	{domain.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{domain.ErrConcurrentModification, http.StatusConflict, "concurrent_modification"},
	{domain.ErrRateLimited, http.StatusTooManyRequests, "rate_limited"},
	{domain.ErrIndexerUnavailable, http.StatusServiceUnavailable, "indexer_unavailable"},
}

// writeError maps the domain error taxonomy to a status code and body.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	for _, c := range errorCodes {
		if !errors.Is(err, c.err) {
			continue
		}
		body := errorBody{Error: err.Error(), Code: c.code}

		var insufficient *domain.InsufficientBalanceError
		if errors.As(err, &insufficient) {
			body.AvailableBTC = &insufficient.Available
			body.RequestedBTC = &insufficient.Requested
		}
		var limited *domain.RateLimitedError
		if errors.As(err, &limited) {
			seconds := limited.RetryAfterSeconds()
			next := limited.NextRefreshAt.UTC()
			body.NextRefreshAt = &next
			body.RetryAfterSeconds = &seconds
			w.Header().Set("Retry-After", strconv.FormatInt(seconds, 10))
		}

		writeJSON(w, c.status, body)
		return
	}

	s.l.Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "bad_request"})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "decode request body")
	}
	return nil
}
