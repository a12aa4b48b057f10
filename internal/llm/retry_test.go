package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
)

// stepClient returns the configured outcomes in order.
type stepClient struct {
	mu    sync.Mutex
	steps []stepOutcome
	calls int
}

type stepOutcome struct {
	tokens []string
	err    error
}

func (c *stepClient) ChatStream(_ context.Context, req *Request, cb StreamCallback) (*Response, error) {
	c.mu.Lock()
	step := c.steps[c.calls]
	c.calls++
	c.mu.Unlock()

	for _, tok := range step.tokens {
		if cb != nil {
			cb(StreamEvent{Kind: KindToken, Token: tok})
		}
	}
	if step.err != nil {
		return nil, step.err
	}
	return &Response{
		Model:   req.Model,
		Message: Message{Role: RoleAssistant, Content: strings.Join(step.tokens, "")},
		Usage:   Usage{InputTokens: 10, OutputTokens: 2},
	}, nil
}

func (c *stepClient) Ping(context.Context) error { return nil }

func newTestRetry(next Client) (*RetryClient, *[]time.Duration) {
	r := NewRetryClient(next, DefaultRetryPolicy(), nil)
	var slept []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) bool {
		slept = append(slept, d)
		return ctx.Err() == nil
	}
	r.jitter = func() float64 { return 0.5 }
	return r, &slept
}

func rateLimited(after time.Duration) error {
	return &Error{Class: ClassRateLimited, Provider: "test", StatusCode: 429, RetryAfter: after, Err: errors.New("429")}
}

func TestRetryClient_RateLimitedTwiceThenSuccess(t *testing.T) {
	next := &stepClient{steps: []stepOutcome{
		{err: rateLimited(0)},
		{err: rateLimited(0)},
		{tokens: []string{"Hel", "lo"}},
	}}
	r, slept := newTestRetry(next)

	var attempts []Attempt
	ctx := WithAttemptObserver(t.Context(), func(a Attempt) { attempts = append(attempts, a) })

	var text strings.Builder
	resp, err := r.ChatStream(ctx, &Request{Model: "m"}, func(ev StreamEvent) {
		if ev.Kind == KindToken {
			text.WriteString(ev.Token)
		}
	})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if text.String() != "Hello" {
		t.Errorf("streamed text = %q, want %q with no duplicates", text.String(), "Hello")
	}
	if resp.Message.Content != "Hello" {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if next.calls != 3 {
		t.Errorf("calls = %d, want 3", next.calls)
	}
	if len(*slept) != 2 {
		t.Fatalf("sleeps = %v, want 2", *slept)
	}
	// Full jitter at 0.5 of 500ms then 1s.
	if (*slept)[0] != 250*time.Millisecond || (*slept)[1] != 500*time.Millisecond {
		t.Errorf("sleeps = %v", *slept)
	}
	if len(attempts) != 2 || attempts[0].Class != ClassRateLimited || !attempts[0].Retrying {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRetryClient_HonorsRetryAfter(t *testing.T) {
	next := &stepClient{steps: []stepOutcome{{err: rateLimited(3 * time.Second)}, {}}}
	r, slept := newTestRetry(next)

	if _, err := r.ChatStream(t.Context(), &Request{}, nil); err != nil {
		t.Fatal(err)
	}
	if len(*slept) != 1 || (*slept)[0] != 3*time.Second {
		t.Errorf("sleeps = %v, want [3s]", *slept)
	}
}

func TestRetryClient_RetryAfterBeyondCeiling(t *testing.T) {
	next := &stepClient{steps: []stepOutcome{{err: rateLimited(time.Hour)}, {}}}
	r, slept := newTestRetry(next)

	var attempts []Attempt
	ctx := WithAttemptObserver(t.Context(), func(a Attempt) { attempts = append(attempts, a) })
	_, err := r.ChatStream(ctx, &Request{}, nil)
	if ClassOf(err) != ClassRateLimited {
		t.Fatalf("err = %v, want rate_limited", err)
	}
	if next.calls != 1 || len(*slept) != 0 {
		t.Errorf("calls = %d sleeps = %v, want one attempt and no wait", next.calls, *slept)
	}
	if len(attempts) != 1 || attempts[0].Retrying {
		t.Errorf("attempts = %+v", attempts)
	}
}

func TestRetryClient_FatalNotRetried(t *testing.T) {
	for _, class := range []Class{ClassAuth, ClassInvalidRequest, ClassContextExceeded, ClassUnknown} {
		t.Run(string(class), func(t *testing.T) {
			next := &stepClient{steps: []stepOutcome{{err: &Error{Class: class, Err: errors.New("no")}}}}
			r, slept := newTestRetry(next)

			_, err := r.ChatStream(t.Context(), &Request{}, nil)
			if ClassOf(err) != class {
				t.Errorf("class = %s, want %s", ClassOf(err), class)
			}
			if next.calls != 1 || len(*slept) != 0 {
				t.Errorf("calls = %d sleeps = %v, want single attempt", next.calls, *slept)
			}
		})
	}
}

func TestRetryClient_NoRetryAfterDelivery(t *testing.T) {
	next := &stepClient{steps: []stepOutcome{
		{tokens: []string{"partial "}, err: &Error{Class: ClassNetwork, Err: errors.New("reset")}},
		{tokens: []string{"again"}},
	}}
	r, _ := newTestRetry(next)

	var text strings.Builder
	_, err := r.ChatStream(t.Context(), &Request{}, func(ev StreamEvent) { text.WriteString(ev.Token) })
	if ClassOf(err) != ClassNetwork {
		t.Fatalf("err = %v, want network", err)
	}
	if next.calls != 1 {
		t.Errorf("calls = %d, want 1", next.calls)
	}
	if text.String() != "partial " {
		t.Errorf("text = %q", text.String())
	}
}

func TestRetryClient_ExhaustsAttempts(t *testing.T) {
	overloaded := &Error{Class: ClassOverloaded, Err: errors.New("529")}
	next := &stepClient{steps: []stepOutcome{{err: overloaded}, {err: overloaded}, {err: overloaded}, {err: overloaded}}}
	r, slept := newTestRetry(next)

	var last Attempt
	ctx := WithAttemptObserver(t.Context(), func(a Attempt) { last = a })
	_, err := r.ChatStream(ctx, &Request{}, nil)
	if ClassOf(err) != ClassOverloaded {
		t.Fatalf("err = %v", err)
	}
	if next.calls != 4 || len(*slept) != 3 {
		t.Errorf("calls = %d sleeps = %d, want 4 and 3", next.calls, len(*slept))
	}
	if last.Number != 4 || last.Retrying {
		t.Errorf("last attempt = %+v", last)
	}
}

func TestRetryClient_CancelledDuringBackoff(t *testing.T) {
	next := &stepClient{steps: []stepOutcome{{err: rateLimited(0)}, {}}}
	r := NewRetryClient(next, RetryPolicy{MaxAttempts: 4, BaseDelay: time.Hour, MaxDelay: time.Hour}, nil)
	r.jitter = func() float64 { return 1 }

	ctx, cancel := context.WithCancel(t.Context())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := r.ChatStream(ctx, &Request{}, nil)
	if ClassOf(err) != ClassCancelled {
		t.Errorf("err = %v, want cancelled", err)
	}
}

func TestRetryPolicy_BackoffCapped(t *testing.T) {
	p := DefaultRetryPolicy()
	if got := p.Backoff(10, 0, 1); got != p.MaxDelay {
		t.Errorf("Backoff(10) = %v, want cap %v", got, p.MaxDelay)
	}
	if got := p.Backoff(1, 0, 0); got != 0 {
		t.Errorf("Backoff with zero jitter = %v", got)
	}
	if got := p.Backoff(1, time.Hour, 0.5); got != p.MaxDelay {
		t.Errorf("Backoff with hour retry-after = %v, want cap %v", got, p.MaxDelay)
	}
}
