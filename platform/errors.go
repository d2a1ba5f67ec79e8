package platform

import (
	"errors"
	"fmt"
)

// Error taxonomy for device I/O. Every call returns one of these
// (wrapped with context) or nil — no exception ever propagates out of a
// control tick.
var (
	// ErrTransientTransport indicates a device I/O timeout or a platform API
	// that's temporarily unavailable. Retried with backoff where the caller
	// defines one (charger.Adapter), otherwise logged and re-attempted on the
	// next control tick.
	ErrTransientTransport = errors.New("transient transport error")

	// ErrDeviceGone indicates the device could not be found. Terminal for the
	// entry in hand: any MitigatedEntry for it is popped immediately.
	ErrDeviceGone = errors.New("device not found")

	// ErrCapabilityUnsupported indicates the requested action has no matching
	// capability on the device. Logged in the diagnostic scan; the mitigation
	// cycle continues with the next priority entry.
	ErrCapabilityUnsupported = errors.New("capability unsupported by device")

	// ErrConfigInvalid indicates a settings payload was rejected (wrong type,
	// out of range). The previous value is retained.
	ErrConfigInvalid = errors.New("invalid configuration value")
)

// WrapTransient wraps err as an ErrTransientTransport.
func WrapTransient(context string, err error) error {
	return fmt.Errorf("%s: %w: %v", context, ErrTransientTransport, err)
}

// WrapDeviceGone wraps err as an ErrDeviceGone.
func WrapDeviceGone(context string, err error) error {
	return fmt.Errorf("%s: %w: %v", context, ErrDeviceGone, err)
}

// WrapCapabilityUnsupported wraps err as an ErrCapabilityUnsupported.
func WrapCapabilityUnsupported(context string) error {
	return fmt.Errorf("%s: %w", context, ErrCapabilityUnsupported)
}

// IsTransient reports whether err (or anything it wraps) is a transient transport error.
func IsTransient(err error) bool { return errors.Is(err, ErrTransientTransport) }

// IsDeviceGone reports whether err (or anything it wraps) indicates the device is gone.
func IsDeviceGone(err error) bool { return errors.Is(err, ErrDeviceGone) }

// IsCapabilityUnsupported reports whether err indicates an unsupported capability.
func IsCapabilityUnsupported(err error) bool { return errors.Is(err, ErrCapabilityUnsupported) }
