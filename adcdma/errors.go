package adcdma

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidArgument is returned for malformed configuration, bad output
	// buffers, or channel indices out of range
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrInvalidState is returned when an operation is invoked outside of the
	// lifecycle states it is valid in
	ErrInvalidState = errors.New("invalid state")

	// ErrNoMemory is returned by converters that cannot allocate a handle
	ErrNoMemory = errors.New("no memory")

	// ErrTimeout is returned when the sample store could not be locked in time
	ErrTimeout = errors.New("timeout")

	// ErrNotFound is returned when a query needs samples and none exist yet
	ErrNotFound = errors.New("not found")

	// ErrHardwareFailure wraps errors reported by the converter driver
	ErrHardwareFailure = errors.New("hardware failure")

	taxonomy = []error{ErrInvalidArgument, ErrInvalidState, ErrNoMemory, ErrTimeout, ErrNotFound, ErrHardwareFailure}
)

// driverErr attaches op context to an error returned by a converter.
// Errors the driver already classified keep their class, everything else
// becomes an ErrHardwareFailure.
func driverErr(op string, err error) error {
	for _, sentinel := range taxonomy {
		if errors.Is(err, sentinel) {
			return fmt.Errorf("adcdma: %s: %w", op, err)
		}
	}
	return fmt.Errorf("adcdma: %s: %w: %w", op, ErrHardwareFailure, err)
}
