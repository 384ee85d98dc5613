package booking

import (
	"errors"
	"fmt"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")

	// ErrSlotBeingBooked means the per-slot lock was held by another request.
	// A retry may succeed once the holder finishes.
	ErrSlotBeingBooked = errors.New("slot is currently being booked, please retry")

	// ErrSlotUnavailable means the slot failed re-validation under the lock.
	ErrSlotUnavailable = errors.New("slot is no longer available")
)

// ValidationError is a caller mistake: malformed input, a past date, or a
// cancellation inside the notice window. Never worth retrying.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func NewValidationError(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// InvalidTransitionError names the illegal lifecycle step that was requested.
type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot transition appointment from %s to %s", e.From, e.To)
}

// IsValidation reports whether err is any caller-input failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	var te *InvalidTransitionError
	return errors.As(err, &ve) || errors.As(err, &te)
}

// IsConflict reports whether err means a retry might succeed.
func IsConflict(err error) bool {
	return errors.Is(err, ErrSlotBeingBooked) || errors.Is(err, ErrSlotUnavailable)
}
