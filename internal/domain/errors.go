package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable marks a collaborator (store, enclave, publish backend) that is down.
	ErrStoreUnavailable = errors.New("store unavailable")
)

// ValidationError reports a malformed field or an inconsistent field/mode combination.
type ValidationError struct {
	Field  string
	Mode   PrivacyMode
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Mode != UnknownPrivacyMode {
		return fmt.Sprintf("invalid %s for %s: %s", e.Field, e.Mode, e.Reason)
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Unavailable wraps err as ErrStoreUnavailable.
func Unavailable(what string, err error) error {
	return fmt.Errorf("%s: %w: %w", what, ErrStoreUnavailable, err)
}
