package corpus

import "errors"

var (
	// ErrNotFound is returned when a corpus or attempt does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnknownRunner is returned for an unregistered runner type.
	ErrUnknownRunner = errors.New("unknown runner type")

	// ErrInvalidTransition is returned when a status change is not allowed
	// from the attempt's current status.
	ErrInvalidTransition = errors.New("invalid attempt status transition")
)
