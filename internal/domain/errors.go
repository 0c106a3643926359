package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks failures that retrying cannot fix. They require reconfiguration.
	ErrConfig = errors.New("domain: configuration error")

	ErrMissingCredential = errors.New("domain: missing credential")
	ErrMissingIdentity   = errors.New("domain: missing account identity")
	ErrMalformedEndpoint = errors.New("domain: malformed endpoint")
	ErrNotConfigured     = errors.New("domain: no endpoint configured")
	ErrCallNotFound      = errors.New("domain: call not found")
	ErrAttemptsExhausted = errors.New("domain: reconnection attempts exhausted")
)

// ConfigError carries the offending field of a configuration failure.
// It matches both ErrConfig and the wrapped cause under errors.Is.
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("configuration error: %v", e.Err)
	}
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() []error {
	return []error{ErrConfig, e.Err}
}

// NewConfigError wraps err as a non-retryable configuration failure.
func NewConfigError(field string, err error) error {
	return &ConfigError{Field: field, Err: err}
}

// IsConfigError reports whether err must not be retried.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrConfig)
}
