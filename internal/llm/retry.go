package llm

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"
)

// RetryPolicy controls model call retries: exponential backoff with full
// jitter, bounded by MaxDelay, over at most MaxAttempts calls.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy returns 4 attempts, 500ms base, 20s cap.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 4,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    20 * time.Second,
	}
}

// Backoff returns the delay before attempt+1. The exponential ceiling is
// min(MaxDelay, BaseDelay*2^(attempt-1)); the delay is uniform in
// [0, ceiling). A provider retry-after larger than that wins, up to
// MaxDelay.
func (p RetryPolicy) Backoff(attempt int, retryAfter time.Duration, jitter float64) time.Duration {
	ceiling := p.BaseDelay
	for i := 1; i < attempt && ceiling < p.MaxDelay; i++ {
		ceiling *= 2
	}
	if ceiling > p.MaxDelay {
		ceiling = p.MaxDelay
	}
	d := time.Duration(jitter * float64(ceiling))
	if retryAfter > d {
		d = min(retryAfter, p.MaxDelay)
	}
	return d
}

// Attempt describes one failed model call.
type Attempt struct {
	Number   int
	Class    Class
	Err      error
	Duration time.Duration
	// Retrying is false when this failure ends the call.
	Retrying bool
	Delay    time.Duration
}

type attemptObserverKey struct{}

// WithAttemptObserver returns a context whose model calls report each
// failed attempt to fn. Used to send per-attempt outcomes to telemetry.
func WithAttemptObserver(ctx context.Context, fn func(Attempt)) context.Context {
	return context.WithValue(ctx, attemptObserverKey{}, fn)
}

func attemptObserver(ctx context.Context) func(Attempt) {
	fn, _ := ctx.Value(attemptObserverKey{}).(func(Attempt))
	return fn
}

// RetryClient wraps a Client and retries retryable failures with the
// same request. A failure after any text was delivered to the callback
// is returned as is: streamed text is never duplicated.
type RetryClient struct {
	next   Client
	policy RetryPolicy
	logger *slog.Logger

	// sleep and jitter are replaced in tests.
	sleep  func(ctx context.Context, d time.Duration) bool
	jitter func() float64
}

// NewRetryClient wraps next with policy.
func NewRetryClient(next Client, policy RetryPolicy, logger *slog.Logger) *RetryClient {
	if logger == nil {
		logger = slog.Default()
	}
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = 1
	}
	return &RetryClient{
		next:   next,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
		jitter: rand.Float64,
	}
}

// ChatStream implements Client.
func (r *RetryClient) ChatStream(ctx context.Context, req *Request, callback StreamCallback) (*Response, error) {
	observe := attemptObserver(ctx)

	delivered := false
	cb := callback
	if callback != nil {
		cb = func(ev StreamEvent) {
			if ev.Kind == KindToken && ev.Token != "" {
				delivered = true
			}
			callback(ev)
		}
	}

	for attempt := 1; ; attempt++ {
		start := time.Now()
		resp, err := r.next.ChatStream(ctx, req, cb)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("model call succeeded after retry",
					"model", req.Model, "attempts", attempt)
			}
			return resp, nil
		}

		class := ClassOf(err)
		retryAfter := RetryAfterOf(err)
		// A provider asking for a longer wait than the policy allows is
		// not retried; the caller sees the failure now.
		tooLong := r.policy.MaxDelay > 0 && retryAfter > r.policy.MaxDelay
		retrying := class.Retryable() && !delivered && !tooLong && attempt < r.policy.MaxAttempts && ctx.Err() == nil
		var delay time.Duration
		if retrying {
			delay = r.policy.Backoff(attempt, retryAfter, r.jitter())
		}
		if observe != nil {
			observe(Attempt{
				Number:   attempt,
				Class:    class,
				Err:      err,
				Duration: time.Since(start),
				Retrying: retrying,
				Delay:    delay,
			})
		}
		if !retrying {
			if delivered && class.Retryable() {
				r.logger.Warn("model stream failed after text was delivered; not retrying",
					"model", req.Model, "class", class, "error", err)
			}
			if tooLong && class.Retryable() {
				r.logger.Warn("provider retry-after exceeds retry ceiling; not retrying",
					"model", req.Model, "class", class,
					"retry_after", retryAfter, "max_delay", r.policy.MaxDelay)
			}
			return nil, err
		}

		r.logger.Warn("model call failed, retrying",
			"model", req.Model,
			"class", class,
			"attempt", attempt,
			"max_attempts", r.policy.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if !r.sleep(ctx, delay) {
			return nil, &Error{Class: ClassCancelled, Provider: "retry", Err: ctx.Err()}
		}
	}
}

// Ping implements Client.
func (r *RetryClient) Ping(ctx context.Context) error {
	return r.next.Ping(ctx)
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
