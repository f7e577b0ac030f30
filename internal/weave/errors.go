package weave

import "errors"

var (
	// ErrInvalidArgument marks a programmer error such as a negative drift spread.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrMissingBinding marks a sensor or actuator name with no registered provider.
	// Cycles recover from it locally with a default reading or a no-op action.
	ErrMissingBinding = errors.New("missing binding")

	// ErrNonFiniteReading marks an observed or expected value that is NaN or infinite.
	ErrNonFiniteReading = errors.New("non-finite reading")
)
