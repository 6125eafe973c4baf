// Package retrier retries calls to remote dependencies (the balance indexer,
// the database on startup) with exponential backoff.
package retrier

import (
	"context"
	"math/rand"
	"time"

	"github.com/pkg/errors"
)

// Hinted is implemented by errors that carry a server-requested wait, such as
// an HTTP 429 with a Retry-After header.
type Hinted interface {
	RetryAfter() time.Duration
}

// Retrier runs a call up to 1+maxRetries times.
type Retrier struct {
	initialInterval time.Duration
	maxInterval     time.Duration
	multiplier      float64
	maxRetries      int
	jitter          float64
	retryIf         func(error) bool
	onRetry         func(attempt int, err error)
}

type Option func(*Retrier)

func WithInitialInterval(d time.Duration) Option {
	return func(r *Retrier) { r.initialInterval = d }
}

// WithMaxInterval caps the backoff. A server hint may ask for longer.
func WithMaxInterval(d time.Duration) Option {
	return func(r *Retrier) { r.maxInterval = d }
}

func WithMultiplier(m float64) Option {
	return func(r *Retrier) { r.multiplier = m }
}

func WithMaxRetries(n int) Option {
	return func(r *Retrier) { r.maxRetries = n }
}

// WithJitter spreads each wait by ±j of its length (0.0 to 1.0).
func WithJitter(j float64) Option {
	return func(r *Retrier) { r.jitter = j }
}

// WithRetryIf retries only errors for which fn returns true; others are returned immediately.
func WithRetryIf(fn func(error) bool) Option {
	return func(r *Retrier) { r.retryIf = fn }
}

// WithOnRetry sets a callback invoked before every retry with the error that caused it.
func WithOnRetry(fn func(attempt int, err error)) Option {
	return func(r *Retrier) { r.onRetry = fn }
}

func New(opts ...Option) *Retrier {
	r := &Retrier{
		initialInterval: time.Second,
		maxInterval:     30 * time.Second,
		multiplier:      2,
		maxRetries:      5,
		jitter:          0.1,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Do calls fn until it succeeds, returns a non-retryable error or the retries
// run out. When the next wait would end past ctx's deadline, the last error is
// returned right away instead of sleeping into the timeout.
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	backoff := r.initialInterval
	for attempt := 0; ; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= r.maxRetries || (r.retryIf != nil && !r.retryIf(err)) {
			return err
		}

		wait := r.wait(backoff, err)
		if deadline, ok := ctx.Deadline(); ok && time.Now().Add(wait).After(deadline) {
			return err
		}
		if r.onRetry != nil {
			r.onRetry(attempt+1, err)
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		backoff = min(time.Duration(float64(backoff)*r.multiplier), r.maxInterval)
	}
}

// wait is the jittered backoff, raised to the error's hint when it asks for longer.
func (r *Retrier) wait(backoff time.Duration, err error) time.Duration {
	d := backoff + time.Duration((rand.Float64()*2-1)*r.jitter*float64(backoff))
	d = max(0, min(d, r.maxInterval))
	var h Hinted
	if errors.As(err, &h) && h.RetryAfter() > d {
		d = h.RetryAfter()
	}
	return d
}

// DoWithData is Do for calls that produce a value.
func DoWithData[T any](r *Retrier, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	var result T
	err := r.Do(ctx, func(ctx context.Context) error {
		var err error
		result, err = fn(ctx)
		return err
	})
	return result, err
}
