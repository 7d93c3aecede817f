package account

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// withRetry runs a store call, retrying transient failures with exponential
// backoff. Record-state errors and an open circuit are returned immediately.
// Only idempotent calls may be retried; see ConsumeUpload.
func (m *Manager) withRetry(ctx context.Context, operation string, fn func() error) error {
	attempt := 0
	op := func() error {
		attempt++
		err := m.attempt(operation, fn)
		if err != nil && (permanent(err) || errors.Is(err, ErrCircuitOpen)) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.logger.Warn("store operation failed, retrying",
			F("operation", operation),
			F("attempt", attempt),
			F("retry_in", next),
			F("error", err),
		)
	}
	return backoff.RetryNotify(op, m.retryPolicy(ctx), notify)
}

// attempt runs a store call exactly once and records its latency.
func (m *Manager) attempt(operation string, fn func() error) error {
	start := time.Now()
	err := fn()
	m.metrics.RecordStorageOperation(operation, time.Since(start), transientOnly(err))
	return err
}

func (m *Manager) retryPolicy(ctx context.Context) backoff.BackOffContext {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = m.config.Retry.Backoff
	exp.MaxElapsedTime = 0
	if exp.MaxInterval < exp.InitialInterval {
		exp.MaxInterval = exp.InitialInterval
	}
	retries := uint64(m.config.Retry.MaxAttempts - 1)
	return backoff.WithContext(backoff.WithMaxRetries(exp, retries), ctx)
}

// transientOnly hides record-state errors from storage error metrics.
func transientOnly(err error) error {
	if err != nil && permanent(err) {
		return nil
	}
	return err
}
