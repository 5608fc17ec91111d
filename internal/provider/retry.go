package provider

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentrt/engine/internal/agent/providers"
	"github.com/agentrt/engine/internal/backoff"
)

// RetryPolicy bounds how many transient failures a stream attempt will
// absorb before giving up, grounded on the same backoff.BackoffPolicy
// shape the teacher's providers.BaseProvider.Retry exponent is built from.
type RetryPolicy struct {
	MaxRetries int
	Backoff    backoff.BackoffPolicy
}

// DefaultRetryPolicy mirrors providers.NewBaseProvider's defaults (3
// attempts) layered on backoff.DefaultPolicy's exponential+jitter curve.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, Backoff: backoff.DefaultPolicy()}
}

// streamWithRetry drives attempt (which should produce exactly the events
// of one real provider call) and retries transient failures with backoff
// before anything has reached the consumer. Once attempt has yielded at
// least one event downstream, retries are disabled for the remainder of the
// call: the failure is surfaced as an error event instead, because silently
// restarting mid-stream would duplicate content the consumer already saw.
func streamWithRetry(ctx context.Context, policy RetryPolicy, out chan<- StreamEvent, attempt func(ctx context.Context) (<-chan StreamEvent, error)) {
	hasYieldedData := false

	for n := 1; ; n++ {
		events, err := attempt(ctx)
		if err != nil {
			if hasYieldedData || !isRetryable(err) || n >= policy.MaxRetries {
				out <- StreamEvent{Kind: EventError, Err: err}
				return
			}
			delay := retryDelay(policy, n, err)
			out <- StreamEvent{Kind: EventRetry, RetryAttempt: n, RetryMaxRetries: policy.MaxRetries, RetryDelay: delay, Err: err}
			if !sleepOrDone(ctx, delay) {
				return
			}
			continue
		}

		streamErr := forward(ctx, events, out, &hasYieldedData)
		if streamErr == nil {
			return
		}
		if hasYieldedData || !isRetryable(streamErr) || n >= policy.MaxRetries {
			out <- StreamEvent{Kind: EventError, Err: streamErr}
			return
		}
		delay := retryDelay(policy, n, streamErr)
		out <- StreamEvent{Kind: EventRetry, RetryAttempt: n, RetryMaxRetries: policy.MaxRetries, RetryDelay: delay, Err: streamErr}
		if !sleepOrDone(ctx, delay) {
			return
		}
	}
}

// forward copies events from src to dst until src closes or an error event
// arrives, flipping *yielded true the moment anything crosses the boundary
// to the consumer (an error event itself counts: the consumer has already
// seen partial output by the time an error shows up mid-stream).
func forward(ctx context.Context, src <-chan StreamEvent, dst chan<- StreamEvent, yielded *bool) error {
	for {
		select {
		case ev, ok := <-src:
			if !ok {
				return nil
			}
			*yielded = true
			if ev.Kind == EventError {
				return ev.Err
			}
			dst <- ev
			if ev.Kind == EventDone {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func retryDelay(policy RetryPolicy, attempt int, err error) time.Duration {
	if ra, ok := retryAfter(err); ok {
		computed := backoff.ComputeBackoff(policy.Backoff, attempt)
		if ra > computed {
			return ra
		}
		return computed
	}
	return backoff.ComputeBackoff(policy.Backoff, attempt)
}

// retryAfter scans an error's message for a server-supplied retry delay,
// the same string-scanning approach infra.ExtractDiscordRetryAfter and its
// siblings use for their respective wire formats: providers surface
// Retry-After either as "retry_after": N in a JSON error body or as a raw
// Retry-After header folded into the error text by the HTTP client.
func retryAfter(err error) (time.Duration, bool) {
	if err == nil {
		return 0, false
	}
	msg := strings.ToLower(err.Error())
	for _, key := range []string{"retry_after", "retry-after"} {
		if idx := strings.Index(msg, key); idx >= 0 {
			if secs := parseLeadingNumber(msg[idx+len(key):]); secs > 0 {
				return time.Duration(secs) * time.Second, true
			}
		}
	}
	return 0, false
}

func parseLeadingNumber(s string) int64 {
	var num int64
	seenDigit := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= '0' && c <= '9' {
			seenDigit = true
			num = num*10 + int64(c-'0')
			continue
		}
		if seenDigit {
			break
		}
		if c == ' ' || c == ':' || c == '"' || c == '=' {
			continue
		}
		break
	}
	return num
}

func isRetryable(err error) bool {
	var perr *providers.ProviderError
	if errors.As(err, &perr) {
		return perr.Reason.IsRetryable()
	}
	return providers.ClassifyError(err).IsRetryable()
}

func sleepOrDone(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
