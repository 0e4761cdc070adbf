package dispatch

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrQuotaExhausted is returned when no credential became available
	// within the credential wait ceiling.
	ErrQuotaExhausted = errors.New("dispatch: quota exhausted")
	// ErrAllCredentialsExhausted is returned when every credential in the
	// pool is exhausted, or the rotation ceiling was reached.
	ErrAllCredentialsExhausted = errors.New("dispatch: all credentials exhausted")
	// ErrProviderUnavailable is returned when transient failures outlast the
	// retry ceiling.
	ErrProviderUnavailable = errors.New("dispatch: provider unavailable")
	// ErrProviderPermanent wraps non-retryable provider failures.
	ErrProviderPermanent = errors.New("dispatch: permanent provider error")
	// ErrUnknownProvider is returned for a provider kind with no pool.
	ErrUnknownProvider = errors.New("dispatch: unknown provider kind")
)

// ErrorKind classifies provider failures.
type ErrorKind string

// Provider error kinds.
const (
	KindQuota       ErrorKind = "quota"
	KindRateLimited ErrorKind = "rate_limited"
	KindTransient   ErrorKind = "transient"
	KindPermanent   ErrorKind = "permanent"
)

// ProviderError is returned by a Caller to tell the dispatcher how to react.
type ProviderError struct {
	Kind       ErrorKind
	StatusCode int
	// RetryAfter is honoured for KindRateLimited.
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("provider %s error (status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s error: %v", e.Kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// IsQuota reports whether err means the session should pause for quota.
func IsQuota(err error) bool {
	return errors.Is(err, ErrQuotaExhausted) || errors.Is(err, ErrAllCredentialsExhausted)
}

func classify(err error) ErrorKind {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindTransient
}
