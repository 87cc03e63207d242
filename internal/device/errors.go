package device

import "errors"

// Domain errors for the device package.
//
// These errors can be checked using errors.Is() for error handling:
//
//	if errors.Is(err, device.ErrDeviceNotFound) {
//	    // handle not found case
//	}
//
// Registering an id that already exists is not an error; GetOrCreate
// reports it through its created flag.
var (
	// ErrDeviceNotFound is returned when a device ID does not exist.
	ErrDeviceNotFound = errors.New("device: not found")

	// ErrInvalidDeviceID is returned when a device ID is empty or malformed.
	ErrInvalidDeviceID = errors.New("device: invalid id")

	// ErrInvalidChannelState is returned when a write would leave a channel in
	// a state its control type does not allow. The record is left unchanged.
	ErrInvalidChannelState = errors.New("device: invalid channel state")

	// ErrConflict is returned by a Store when a conditional write finds a
	// version other than the one it expected.
	ErrConflict = errors.New("device: version conflict")
)
