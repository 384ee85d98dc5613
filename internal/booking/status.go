package booking

// allowedTransitions enumerates the full appointment lifecycle:
//
//	pending   → confirmed, cancelled
//	confirmed → completed, cancelled, no_show
//
// completed, cancelled and no_show are terminal.
var allowedTransitions = map[Status][]Status{
	StatusPending:   {StatusConfirmed, StatusCancelled},
	StatusConfirmed: {StatusCompleted, StatusCancelled, StatusNoShow},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusNoShow:    {},
}

// CanTransition reports whether from → to is a legal lifecycle step. It is a
// pure function of the two statuses.
func CanTransition(from, to Status) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an error naming both states when from → to is not
// permitted.
func CheckTransition(from, to Status) error {
	if !to.Valid() {
		return NewValidationError("unknown appointment status %q", to)
	}
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}
