package cache

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by Store implementations when a key is absent.
// Cache operations absorb it as normal control flow; it never reaches
// application callers as an error.
var ErrNotFound = errors.New("key not found in cache")

// ErrSourceNotFound is returned by Source implementations when a record is
// confirmed absent in the source of truth. Distinct from ErrSourceUnavailable:
// only a confirmed absence may be tombstoned.
var ErrSourceNotFound = errors.New("record not found in source")

// ErrSourceUnavailable indicates the source datastore could not answer
// (unreachable, rate-limited, 5xx). Must never result in a tombstone.
var ErrSourceUnavailable = errors.New("source datastore unavailable")

// ErrStoreUnavailable indicates the key-value store could not be reached.
// Cache operations degrade to source pass-through when they see it.
var ErrStoreUnavailable = errors.New("cache store unavailable")

// ConfigurationError is a programming or deployment error: an unregistered
// entity, or a field collision during schema derivation. Fatal at startup
// or on first use; never handled at request time.
type ConfigurationError struct {
	Entity string
	Reason string
}

func (e *ConfigurationError) Error() string {
	if e.Entity == "" {
		return fmt.Sprintf("cache configuration error: %s", e.Reason)
	}
	return fmt.Sprintf("cache configuration error for entity %q: %s", e.Entity, e.Reason)
}

// ValidationError indicates a cached payload could not be coerced into the
// requested target shape: either a stale-schema entry or a data-integrity
// problem upstream. Surfaced to the caller.
type ValidationError struct {
	Entity string
	ID     string
	Err    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("cached %s record %s does not fit requested shape: %v", e.Entity, e.ID, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }
