package inference

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"
)

// GuardConfig bounds how a provider is called. Zero values disable the
// corresponding limit.
type GuardConfig struct {
	MaxRetries    int
	Backoff       time.Duration
	MaxConcurrent int
	RateLimit     float64 // requests per second
	RateBurst     int
}

// Guarded wraps a Transcriber with a concurrency cap, a provider-wide rate
// limit and retries for transient failures.
type Guarded struct {
	next       Transcriber
	semaphore  chan struct{}
	limiter    *rate.Limiter
	maxRetries int
	backoff    time.Duration
}

// NewGuarded creates the wrapper.
func NewGuarded(next Transcriber, cfg GuardConfig) *Guarded {
	g := &Guarded{
		next:       next,
		maxRetries: cfg.MaxRetries,
		backoff:    cfg.Backoff,
	}
	if g.maxRetries < 0 {
		g.maxRetries = 0
	}
	if g.backoff <= 0 {
		g.backoff = 200 * time.Millisecond
	}
	if cfg.MaxConcurrent > 0 {
		g.semaphore = make(chan struct{}, cfg.MaxConcurrent)
	}
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return g
}

// Transcribe calls the wrapped provider, retrying retryable failures with a
// linear backoff until ctx ends.
func (g *Guarded) Transcribe(ctx context.Context, audio []byte) (string, error) {
	if g.semaphore != nil {
		select {
		case g.semaphore <- struct{}{}:
			defer func() { <-g.semaphore }()
		case <-ctx.Done():
			return "", requestError("guard", ctx.Err())
		}
	}

	for attempt := 0; ; attempt++ {
		if g.limiter != nil {
			if err := g.limiter.Wait(ctx); err != nil {
				return "", &Error{Provider: "guard", Reason: ReasonRateLimited, Err: err}
			}
		}

		text, err := g.next.Transcribe(ctx, audio)
		if err == nil {
			return text, nil
		}
		if attempt >= g.maxRetries || !IsRetryable(err) {
			return "", err
		}

		delay := g.backoff * time.Duration(attempt+1)
		log.Printf("[inference] attempt %d failed, retrying in %s: %v", attempt+1, delay, err)

		select {
		case <-ctx.Done():
			return "", err
		case <-time.After(delay):
		}
	}
}
