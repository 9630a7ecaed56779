// Package errors defines the error taxonomy shared across the pahkat
// client core. Classified failures wrap one of these sentinels so
// callers can test the kind with errors.Is without parsing messages;
// plain filesystem and database errors carry no sentinel.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Common error types.
var (
	// Configuration errors.
	ErrConfigParse  = fmt.Errorf("failed to parse config")
	ErrNoPrefix     = fmt.Errorf("prefix path is not configured")
	ErrPrefixSchema = fmt.Errorf("prefix store schema version mismatch")

	// Network and index schema errors.
	ErrNetwork       = fmt.Errorf("network error")
	ErrSchemaVersion = fmt.Errorf("unsupported index schema version")
	ErrPayloadTag    = fmt.Errorf("malformed payload tag")

	// Resolve errors.
	ErrPackageKey         = fmt.Errorf("invalid package key")
	ErrPackageResolve     = fmt.Errorf("package could not be resolved")
	ErrNoCompatibleTarget = fmt.Errorf("no compatible target for this platform")
	ErrDependency         = fmt.Errorf("dependency resolution failed")
	ErrContradiction      = fmt.Errorf("contradictory actions for the same package")

	// Download errors.
	ErrIntegrity   = fmt.Errorf("downloaded payload failed integrity check")
	ErrLockTimeout = fmt.Errorf("timed out waiting for cache lock")

	// Install errors.
	ErrWrongPayload     = fmt.Errorf("payload kind not supported by this store")
	ErrInstallerFailure = fmt.Errorf("installer exited with an error")
	ErrNotInstalled     = fmt.Errorf("package is not installed")

	// Concurrency errors.
	ErrLockHeld  = fmt.Errorf("another process holds the lock")
	ErrStalePlan = fmt.Errorf("plan no longer matches installed state")
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// Wrap wraps an error with additional context.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf wraps an error with additional formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
