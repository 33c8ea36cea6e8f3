package domain

import "errors"

var (
	ErrInvalidTerms         = errors.New("invalid instrument terms")
	ErrInstrumentClosed     = errors.New("instrument closed")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrInsufficientPosition = errors.New("insufficient position")
	ErrUnknownEntity        = errors.New("unknown entity")
	ErrAlreadyExists        = errors.New("already exists")
	ErrLockHeld             = errors.New("lock already held")

	// ErrUndrainedNotifications is returned when an observer leaves emitted
	// notifications unconsumed between steps.
	ErrUndrainedNotifications = errors.New("undrained notifications")
)
