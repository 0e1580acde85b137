// Package txn runs gorm transactions with bounded retry on store contention.
package txn

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gorm.io/gorm"
)

// ErrConflict marks a transaction that lost an optimistic race and may be re-run.
var ErrConflict = errors.New("txn: conflict")

const (
	defaultAttempts        = 5
	defaultInitialInterval = 5 * time.Millisecond
	defaultMaxInterval     = 250 * time.Millisecond
)

// Policy bounds the retry loop.
type Policy struct {
	Attempts        int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// OnRetry observes every failed attempt that will be retried.
	OnRetry func(attempt int, err error)
}

// DefaultPolicy returns the policy used when a service is not configured otherwise.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:        defaultAttempts,
		InitialInterval: defaultInitialInterval,
		MaxInterval:     defaultMaxInterval,
	}
}

// WithAttempts returns a copy of the policy with a different attempt budget.
func (p Policy) WithAttempts(attempts int) Policy {
	if attempts > 0 {
		p.Attempts = attempts
	}
	return p
}

// Run executes fn inside a transaction, re-running the whole transaction when it
// fails with a retryable error. The last error is returned once attempts run out.
func Run(ctx context.Context, db *gorm.DB, policy Policy, fn func(tx *gorm.DB) error) error {
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = defaultAttempts
	}

	attempt := 0
	operation := func() error {
		attempt++
		err := db.WithContext(ctx).Transaction(fn)
		if err == nil {
			return nil
		}
		if !Retryable(err) {
			return backoff.Permanent(err)
		}
		if attempt < attempts && policy.OnRetry != nil {
			policy.OnRetry(attempt, err)
		}
		return err
	}

	return backoff.Retry(operation, newBackOff(ctx, policy, attempts))
}

// Retryable reports whether err is contention the store may resolve on its own.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrConflict) {
		return true
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "database table is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "sqlite_locked")
}

// IsDuplicate reports whether err is a unique constraint violation.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

func newBackOff(ctx context.Context, policy Policy, attempts int) backoff.BackOffContext {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = policy.InitialInterval
	if exponential.InitialInterval <= 0 {
		exponential.InitialInterval = defaultInitialInterval
	}
	exponential.MaxInterval = policy.MaxInterval
	if exponential.MaxInterval <= 0 {
		exponential.MaxInterval = defaultMaxInterval
	}
	exponential.MaxElapsedTime = 0
	exponential.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(exponential, uint64(attempts-1)), ctx)
}
