package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinio/slot-booking/internal/schedule"
)

const dateLayout = "2006-01-02"

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (*Appointment, error)

	// ListActiveForDay returns the pending and confirmed appointments of a
	// doctor at a clinic on a calendar day.
	ListActiveForDay(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time) ([]Appointment, error)

	// ListOverlapping returns active appointments whose [start,end) interval
	// intersects the given one. exclude, when set, omits that appointment
	// (used when rescheduling over one's own booking).
	ListOverlapping(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay, exclude *uuid.UUID) ([]Appointment, error)

	Create(ctx context.Context, a *Appointment) (*Appointment, error)

	// UpdateStatus is a compare-and-set: the row moves from → to only if it
	// still holds from. A miss surfaces as ErrAppointmentNotFound.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error)

	// MarkCancelled is UpdateStatus to cancelled plus cancellation tracking.
	// cancelledBy is nil for system-initiated cancellations.
	MarkCancelled(ctx context.Context, id uuid.UUID, from Status, reason string, cancelledBy *uuid.UUID) (*Appointment, error)

	// UpdateSlot moves an appointment to a new doctor/date/time.
	UpdateSlot(ctx context.Context, id uuid.UUID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay) (*Appointment, error)

	// ListStalePending returns pending appointments created before the cutoff,
	// for the sweep worker.
	ListStalePending(ctx context.Context, createdBefore time.Time) ([]Appointment, error)
}

// ScheduleSource resolves a doctor's weekly availability at a clinic.
// It returns (nil, nil) when the doctor is inactive or has no schedule
// relation with the clinic; that is an empty calendar, not an error.
type ScheduleSource interface {
	GetWeeklySchedule(ctx context.Context, doctorID, clinicID uuid.UUID) (*schedule.WeeklySchedule, error)
}

// DefaultCancelNotice applies when a clinic's settings are unreadable. The
// fallback is deliberate and named so tests can assert it, rather than an
// implicit catch-all.
const DefaultCancelNotice = 4 * time.Hour

// SettingsSource resolves per-clinic booking policy.
type SettingsSource interface {
	CancelNotice(ctx context.Context, clinicID uuid.UUID) (time.Duration, error)
}

// Locker is single-attempt distributed mutual exclusion. Acquire returns the
// ownership token on success and ok=false, without error, when the key is
// held elsewhere. It never blocks or retries.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (token string, ok bool, err error)
	Release(ctx context.Context, key, token string) error
}

// SlotCache caches computed day availability. It is never the source of
// truth: Get reports a plain miss on any store failure, while Delete
// surfaces errors because skipping invalidation silently would serve stale
// availability after a booking mutation.
type SlotCache interface {
	Get(ctx context.Context, key string) ([]schedule.Slot, bool)
	Set(ctx context.Context, key string, slots []schedule.Slot, ttl time.Duration)
	Delete(ctx context.Context, key string) error
	DeleteByPrefix(ctx context.Context, prefix string) error
}

// Notifier schedules downstream notifications for a booking change. From the
// orchestrator's perspective it is fire-and-forget: failures are logged and
// never abort the committed booking.
type Notifier interface {
	ScheduleNotifications(ctx context.Context, a *Appointment) error
}

// Cache and lock key layouts. Lock granularity is the single slot, not the
// doctor-day, so unrelated slots never contend.

func slotLockKey(clinicID, doctorID uuid.UUID, date time.Time, start schedule.TimeOfDay) string {
	return fmt.Sprintf("lock:slot:%s:%s:%s:%s", clinicID, doctorID, date.Format(dateLayout), start)
}

func daySlotsKey(clinicID, doctorID uuid.UUID, date time.Time) string {
	return fmt.Sprintf("slots:%s:%s:%s", clinicID, doctorID, date.Format(dateLayout))
}

func doctorSlotsPrefix(clinicID, doctorID uuid.UUID) string {
	return fmt.Sprintf("slots:%s:%s:", clinicID, doctorID)
}
