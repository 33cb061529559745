// Package dispatch delivers rendered messages through channel providers with
// retry and fallback policy.
package dispatch

import (
	"errors"
	"fmt"
)

// Standard dispatch error classes. Transient failures may be retried;
// permanent failures never are.
var (
	// ErrTransient indicates a provider failure worth retrying (timeout,
	// 5xx, rate limited).
	ErrTransient = errors.New("transient provider error")

	// ErrPermanent indicates a failure retrying cannot fix (bad
	// destination, provider rejection).
	ErrPermanent = errors.New("permanent provider error")

	// ErrMissingContact indicates the patient has no usable destination for
	// the channel. Always permanent.
	ErrMissingContact = errors.New("missing contact information")

	// ErrNoProvider indicates no provider is registered for the channel.
	ErrNoProvider = errors.New("no provider for channel")
)

// ProviderError wraps a provider failure with the provider name and class.
type ProviderError struct {
	Provider string
	Op       string
	Err      error // ErrTransient or ErrPermanent, possibly wrapped further
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

func (e *ProviderError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// IsTransient checks whether an error may be retried.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsPermanent checks whether an error must not be retried.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrPermanent)
}

// NewTransientError wraps err as retryable for the given provider.
func NewTransientError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: fmt.Errorf("%w: %w", ErrTransient, err)}
}

// NewPermanentError wraps err as non-retryable for the given provider.
func NewPermanentError(provider, op string, err error) *ProviderError {
	return &ProviderError{Provider: provider, Op: op, Err: fmt.Errorf("%w: %w", ErrPermanent, err)}
}
