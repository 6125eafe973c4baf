// Package indexer reads confirmed balances from an Esplora-compatible block explorer API.
package indexer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/vadiminshakov/orangewallet/internal/credential"
	"github.com/vadiminshakov/orangewallet/internal/domain"
	"github.com/vadiminshakov/orangewallet/internal/metrics"
	"github.com/vadiminshakov/orangewallet/pkg/retrier"
)

const (
	DefaultBaseURL      = "https://mempool.space/api"
	DefaultTimeout      = 10 * time.Second
	DefaultMaxRetries   = 2
	DefaultGapLimit     = 20
	DefaultMaxAddresses = 200

	maxResponseBytes = 1 << 20
)

// Balance is the confirmed state of a credential.
type Balance struct {
	Sats    int64
	TxCount int64
	// Addresses is the number of addresses queried, 1 for a plain address.
	Addresses int
}

// Config holds the endpoint and scan limits.
type Config struct {
	BaseURL      string
	Timeout      time.Duration
	UserAgent    string
	MaxRetries   int
	GapLimit     int
	MaxAddresses int
}

func (c *Config) applyDefaults() {
	if !strings.HasPrefix(c.BaseURL, "http") {
		c.BaseURL = DefaultBaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.GapLimit <= 0 {
		c.GapLimit = DefaultGapLimit
	}
	if c.MaxAddresses <= 0 {
		c.MaxAddresses = DefaultMaxAddresses
	}
	if c.UserAgent == "" {
		c.UserAgent = "orangewallet"
	}
}

// Option configures an Esplora client.
type Option func(*Esplora)

// WithMetrics records request statuses and lookup latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Esplora) {
		e.metrics = m
	}
}

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Esplora) {
		e.http = c
	}
}

// WithRetryInterval sets the first backoff interval between retries.
func WithRetryInterval(d time.Duration) Option {
	return func(e *Esplora) {
		e.retryInterval = d
	}
}

// Esplora looks up addresses and extended public keys.
type Esplora struct {
	l             *zap.Logger
	cfg           Config
	classifier    *credential.Classifier
	http          *http.Client
	metrics       *metrics.Metrics
	retryInterval time.Duration
	retrier       *retrier.Retrier
}

// NewEsplora creates a client. The classifier selects the network used for
// address derivation from extended keys.
func NewEsplora(l *zap.Logger, cfg Config, classifier *credential.Classifier, opts ...Option) *Esplora {
	if l == nil {
		l = zap.NewNop()
	}
	cfg.applyDefaults()

	e := &Esplora{
		l:             l.With(zap.String("indexer", cfg.BaseURL)),
		cfg:           cfg,
		classifier:    classifier,
		http:          &http.Client{Timeout: cfg.Timeout},
		retryInterval: 250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}

	e.retrier = retrier.New(
		retrier.WithMaxRetries(cfg.MaxRetries),
		retrier.WithInitialInterval(e.retryInterval),
		retrier.WithMaxInterval(cfg.Timeout/2),
		retrier.WithRetryIf(isTransient),
		retrier.WithOnRetry(func(attempt int, err error) {
			e.metrics.IndexerRequest(metrics.IndexerStatusRetry)
			e.l.Debug("retrying indexer request", zap.Int("attempt", attempt), zap.Error(err))
		}),
	)

	return e
}

// Lookup returns the confirmed balance of raw, an address or an extended public key.
// Every failure wraps domain.ErrIndexerUnavailable.
func (e *Esplora) Lookup(ctx context.Context, raw string) (Balance, error) {
	start := time.Now()
	defer func() { e.metrics.IndexerLookup(time.Since(start)) }()

	cred, err := e.classifier.Classify(raw)
	if err != nil {
		return Balance{}, errors.Wrapf(domain.ErrIndexerUnavailable, "credential not supported: %v", err)
	}

	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	var b Balance
	if cred.Kind == domain.CredentialXPub {
		b, err = e.scanExtendedKey(ctx, cred)
	} else {
		var s addressStats
		s, err = e.address(ctx, cred.Normalized)
		b = Balance{Sats: s.balance(), TxCount: s.TxCount, Addresses: 1}
	}
	if err != nil {
		return Balance{}, errors.Wrap(domain.ErrIndexerUnavailable, err.Error())
	}
	if b.Sats < 0 || b.Sats > domain.MaxSupplySats || b.TxCount < 0 {
		return Balance{}, errors.Wrapf(domain.ErrIndexerUnavailable, "implausible balance %d sats, %d txs", b.Sats, b.TxCount)
	}
	return b, nil
}

type chainStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
	TxCount      int64 `json:"tx_count"`
}

type addressResp struct {
	Address    string     `json:"address"`
	ChainStats chainStats `json:"chain_stats"`
}

type addressStats chainStats

func (s addressStats) balance() int64 {
	return s.FundedTxoSum - s.SpentTxoSum
}

// statusError is a non-200 reply.
type statusError struct {
	code       int
	body       string
	retryAfter time.Duration
}

// RetryAfter is the wait the indexer asked for, zero when it gave none.
func (e *statusError) RetryAfter() time.Duration {
	return e.retryAfter
}

// parseRetryAfter reads the delay-seconds form of Retry-After.
func parseRetryAfter(h string) time.Duration {
	secs, err := strconv.Atoi(strings.TrimSpace(h))
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (e *statusError) Error() string {
	if e.body == "" {
		return fmt.Sprintf("indexer status %d", e.code)
	}
	return fmt.Sprintf("indexer status %d: %s", e.code, e.body)
}

// errMalformed marks a reply that was received but cannot be trusted.
var errMalformed = errors.New("malformed indexer response")

func isTransient(err error) bool {
	if errors.Is(err, errMalformed) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= http.StatusInternalServerError || se.code == http.StatusTooManyRequests
	}
	return true
}

func (e *Esplora) address(ctx context.Context, addr string) (addressStats, error) {
	return retrier.DoWithData(e.retrier, ctx, func(ctx context.Context) (addressStats, error) {
		s, err := e.fetchAddress(ctx, addr)
		switch {
		case err == nil:
			e.metrics.IndexerRequest(metrics.IndexerStatusOK)
		case isTransient(err):
			e.metrics.IndexerRequest(metrics.IndexerStatusError)
		default:
			e.metrics.IndexerRequest(metrics.IndexerStatusClient)
		}
		return s, err
	})
}

func (e *Esplora) fetchAddress(ctx context.Context, addr string) (addressStats, error) {
	url := fmt.Sprintf("%s/address/%s", e.cfg.BaseURL, addr)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return addressStats{}, errors.Wrap(err, "build request")
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := e.http.Do(req)
	if err != nil {
		return addressStats{}, errors.Wrapf(err, "get %s", addr)
	}
	defer resp.Body.Close()

	body := io.LimitReader(resp.Body, maxResponseBytes)
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(body, 256))
		return addressStats{}, &statusError{
			code:       resp.StatusCode,
			body:       strings.TrimSpace(string(msg)),
			retryAfter: parseRetryAfter(resp.Header.Get("Retry-After")),
		}
	}

	var ar addressResp
	if err := json.NewDecoder(body).Decode(&ar); err != nil {
		return addressStats{}, errors.Wrapf(errMalformed, "decode %s: %v", addr, err)
	}
	if ar.Address != "" && ar.Address != addr {
		return addressStats{}, errors.Wrapf(errMalformed, "asked for %s, got %s", addr, ar.Address)
	}

	s := addressStats(ar.ChainStats)
	if s.FundedTxoSum < 0 || s.SpentTxoSum < 0 || s.TxCount < 0 {
		return addressStats{}, errors.Wrapf(errMalformed, "negative totals for %s", addr)
	}
	if s.SpentTxoSum > s.FundedTxoSum {
		return addressStats{}, errors.Wrapf(errMalformed, "%s spent %d more than funded %d", addr, s.SpentTxoSum, s.FundedTxoSum)
	}
	return s, nil
}
