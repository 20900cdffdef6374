package domain

import (
	"errors"
	"fmt"
)

// ErrStoreUnavailable matches every *StoreUnavailableError through errors.Is.
var ErrStoreUnavailable = errors.New("shared counter store unavailable")

// ConfigError is fatal and only ever returned at startup or reload.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return "invalid rate limit config: " + e.Reason
	}
	return fmt.Sprintf("invalid rate limit config: %s: %s", e.Field, e.Reason)
}

// StoreUnavailableError wraps a failed or timed out store call.
type StoreUnavailableError struct {
	Op  string
	Key string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("store %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error { return e.Err }

func (e *StoreUnavailableError) Is(target error) bool { return target == ErrStoreUnavailable }

func IsStoreUnavailable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}
