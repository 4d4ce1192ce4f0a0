// Package tokenerr defines the error kinds reported by the token fixture.
//
// Every error returned by the fixture packages is marked with exactly one
// kind, so callers can classify it with errors.Is regardless of how much
// context was attached on the way up:
//
//	if errors.Is(err, tokenerr.AuthError) {
//		...
//	}
package tokenerr

import (
	"github.com/cockroachdb/errors"
)

// Error kinds
var (
	// ProvisioningError is reported when the external provisioning tool fails
	ProvisioningError = errors.New("provisioning error")
	// SessionError is reported when a session can not be opened or closed
	SessionError = errors.New("session error")
	// AuthError is reported on login or logout failures
	AuthError = errors.New("auth error")
	// PinInitError is reported when the user PIN can not be initialized
	PinInitError = errors.New("pin init error")
	// DigestError is reported when any digest step fails
	DigestError = errors.New("digest error")
	// IOError is reported on file access failures
	IOError = errors.New("io error")
	// InvalidFormatError is reported for malformed input, such as bad hex
	InvalidFormatError = errors.New("invalid format")
)

var kinds = []error{
	ProvisioningError,
	SessionError,
	AuthError,
	PinInitError,
	DigestError,
	IOError,
	InvalidFormatError,
}

// Mark returns err annotated with msg and marked with kind.
// If err is nil, a new error with msg is created.
func Mark(kind error, err error, msg string) error {
	if err == nil {
		return errors.Mark(errors.NewWithDepth(1, msg), kind)
	}
	return errors.Mark(errors.WithMessage(err, msg), kind)
}

// Markf returns err annotated with a formatted message and marked with kind.
// If err is nil, a new error is created.
func Markf(kind error, err error, format string, args ...any) error {
	if err == nil {
		return errors.Mark(errors.NewWithDepthf(1, format, args...), kind)
	}
	return errors.Mark(errors.WithMessagef(err, format, args...), kind)
}

// KindOf returns the kind err is marked with, or nil
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range kinds {
		if errors.Is(err, k) {
			return k
		}
	}
	return nil
}

// KindName returns the kind name of err, or "unknown"
func KindName(err error) string {
	if k := KindOf(err); k != nil {
		return k.Error()
	}
	return "unknown"
}
