package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Dispatcher is the outbound notification transport (email, WhatsApp, ...).
// The transport itself lives outside this service.
type Dispatcher interface {
	Dispatch(ctx context.Context, a *Appointment) error
}

// RetryingNotifier wraps a Dispatcher with bounded exponential backoff:
// three attempts, doubling delay. The bound applies only to the notification
// side effect, never to the booking transaction that triggered it.
type RetryingNotifier struct {
	dispatcher Dispatcher
	log        zerolog.Logger
	attempts   int
	baseDelay  time.Duration
}

func NewRetryingNotifier(d Dispatcher, log zerolog.Logger) *RetryingNotifier {
	return &RetryingNotifier{
		dispatcher: d,
		log:        log.With().Str("component", "notifier").Logger(),
		attempts:   3,
		baseDelay:  200 * time.Millisecond,
	}
}

func (n *RetryingNotifier) ScheduleNotifications(ctx context.Context, a *Appointment) error {
	delay := n.baseDelay
	var lastErr error

	for attempt := 1; attempt <= n.attempts; attempt++ {
		lastErr = n.dispatcher.Dispatch(ctx, a)
		if lastErr == nil {
			return nil
		}

		n.log.Warn().Err(lastErr).
			Int("attempt", attempt).
			Str("appointment_id", a.ID.String()).
			Msg("notification dispatch attempt failed")

		if attempt == n.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}

	return fmt.Errorf("dispatch notifications after %d attempts: %w", n.attempts, lastErr)
}

// LogDispatcher records the notification instead of sending one. It stands
// in where no real transport is configured.
type LogDispatcher struct {
	Log zerolog.Logger
}

func (d LogDispatcher) Dispatch(_ context.Context, a *Appointment) error {
	d.Log.Info().
		Str("appointment_id", a.ID.String()).
		Str("patient_id", a.PatientID.String()).
		Str("status", string(a.Status)).
		Msg("notification scheduled")
	return nil
}
