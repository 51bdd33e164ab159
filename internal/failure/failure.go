// Package failure classifies harness errors into the three kinds callers
// branch on: configuration problems, transient network failures and
// invariant violations of the system under test.
package failure

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a missing client, port or backend. Retrying will not help.
	ErrConfiguration = errors.New("configuration error")

	// ErrTransient marks a single RPC/SSH/Docker call that failed.
	ErrTransient = errors.New("transient network failure")

	// ErrInvariant marks a property the cluster under test failed to uphold.
	ErrInvariant = errors.New("invariant violation")
)

// Configf returns a configuration error.
func Configf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// Invariantf returns an invariant violation.
func Invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}

// Transient wraps err as a transient failure. Returns nil for a nil err.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrTransient) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

// Kind returns the name of the error's kind, or "unknown".
func Kind(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrInvariant):
		return "invariant"
	case errors.Is(err, ErrTransient):
		return "transient"
	default:
		return "unknown"
	}
}
