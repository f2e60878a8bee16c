package sca

import (
	"context"
	"fmt"
	"time"

	"bankauth-backend/lib/restyutil"
)

// retry calls fn until it succeeds, fails for a non transient reason or
// TransientAttempts is reached. Attempts are spaced by a growing backoff.
func retry[T any](ctx context.Context, e *Engine, id string, fn func() (T, error)) (T, error) {
	return retryWhen(ctx, e, id, restyutil.IsTransient, fn)
}

// retrySubmit is retry for requests the bank must not see twice: only
// those that never reached it are sent again.
func retrySubmit[T any](ctx context.Context, e *Engine, id string, fn func() (T, error)) (T, error) {
	return retryWhen(ctx, e, id, restyutil.IsUnsent, fn)
}

func retryWhen[T any](ctx context.Context, e *Engine, id string, resend func(error) bool, fn func() (T, error)) (T, error) {
	var zero T
	var lastErr error
	attempts := 0
	for attempts < e.opts.TransientAttempts {
		attempts++
		out, err := fn()
		if err == nil {
			return out, nil
		}
		if !restyutil.IsTransient(err) {
			return zero, err
		}

		lastErr = err
		e.tel.ReportWarning(report_engine_retry, id, attempts, err)
		if !resend(err) || attempts == e.opts.TransientAttempts {
			break
		}
		err = e.clock.Sleep(ctx, e.opts.TransientBackoff*timeFactor(attempts))
		if err != nil {
			return zero, err
		}
	}

	return zero, &Error{
		Kind:    KindUnavailable,
		Message: fmt.Sprintf("no answer after %d attempts", attempts),
		Err:     lastErr,
	}
}

func timeFactor(attempt int) time.Duration {
	return time.Duration(attempt)
}
