package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinio/slot-booking/internal/metrics"
	"github.com/clinio/slot-booking/internal/schedule"
)

// Service is the booking orchestrator. It is the only component with side
// effects beyond the cache and lock stores; every collaborator arrives
// through Deps so nothing here reaches for a shared client.
type Service struct {
	repo      Repository
	schedules ScheduleSource
	settings  SettingsSource
	locker    Locker
	cache     SlotCache
	notifier  Notifier
	metrics   *metrics.Collector
	log       zerolog.Logger

	lockTTL      time.Duration
	cacheTTL     time.Duration
	cancelNotice time.Duration // fallback when clinic settings are unreadable
	pendingTTL   time.Duration

	now func() time.Time
}

type Deps struct {
	Repo      Repository
	Schedules ScheduleSource
	Settings  SettingsSource
	Locker    Locker
	Cache     SlotCache
	Notifier  Notifier
	Metrics   *metrics.Collector
	Log       zerolog.Logger

	LockTTL      time.Duration
	CacheTTL     time.Duration
	CancelNotice time.Duration
	PendingTTL   time.Duration
}

func NewService(d Deps) *Service {
	if d.LockTTL <= 0 {
		d.LockTTL = 10 * time.Second
	}
	if d.CacheTTL <= 0 {
		d.CacheTTL = 300 * time.Second
	}
	if d.CancelNotice <= 0 {
		d.CancelNotice = DefaultCancelNotice
	}
	if d.PendingTTL <= 0 {
		d.PendingTTL = 30 * time.Minute
	}

	return &Service{
		repo:         d.Repo,
		schedules:    d.Schedules,
		settings:     d.Settings,
		locker:       d.Locker,
		cache:        d.Cache,
		notifier:     d.Notifier,
		metrics:      d.Metrics,
		log:          d.Log.With().Str("component", "booking").Logger(),
		lockTTL:      d.LockTTL,
		cacheTTL:     d.CacheTTL,
		cancelNotice: d.CancelNotice,
		pendingTTL:   d.PendingTTL,
		now:          time.Now,
	}
}

type CreateRequest struct {
	ClinicID       uuid.UUID
	DoctorID       uuid.UUID
	PatientID      uuid.UUID
	Date           time.Time
	Start          schedule.TimeOfDay
	End            schedule.TimeOfDay
	IdempotencyKey string
}

// Create reserves a slot for a patient. The per-slot distributed lock
// serializes concurrent attempts on the same slot; everything between
// acquisition and release runs under the lease as a hard deadline.
func (s *Service) Create(ctx context.Context, req CreateRequest, actor Actor) (*Appointment, error) {
	// A retried submission with the same idempotency key returns the original
	// row untouched, before any validation or locking.
	if req.IdempotencyKey != "" {
		existing, err := s.repo.GetByIdempotencyKey(ctx, req.IdempotencyKey)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrAppointmentNotFound) {
			return nil, fmt.Errorf("idempotency lookup: %w", err)
		}
	}

	if !req.Start.Before(req.End) {
		s.countBooking("rejected")
		return nil, NewValidationError("startTime %s must be before endTime %s", req.Start, req.End)
	}

	// Day-granularity comparison: booking for later today is allowed.
	if dateOnly(req.Date).Before(dateOnly(s.now())) {
		s.countBooking("rejected")
		return nil, NewValidationError("appointment date %s is in the past", req.Date.Format(dateLayout))
	}

	lockKey := slotLockKey(req.ClinicID, req.DoctorID, req.Date, req.Start)
	token, ok, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		// Lock store failures fail closed: booking without the lock would
		// silently drop the mutual-exclusion guarantee.
		return nil, fmt.Errorf("slot lock: %w", err)
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.LockConflictsTotal.Inc()
		}
		s.countBooking("conflict")
		return nil, ErrSlotBeingBooked
	}
	defer func() {
		if rerr := s.locker.Release(ctx, lockKey, token); rerr != nil {
			s.log.Warn().Err(rerr).Str("key", lockKey).Msg("slot lock release failed")
		}
	}()

	// The lease is a hard deadline on the critical section: a write after
	// expiry could race a new lock holder.
	lockCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	strict := !actor.Role.Privileged()
	available, err := s.slotAvailable(lockCtx, req.ClinicID, req.DoctorID, req.Date, req.Start, req.End, strict, nil)
	if err != nil {
		return nil, fmt.Errorf("validate availability: %w", err)
	}
	if !available {
		s.countBooking("conflict")
		return nil, ErrSlotUnavailable
	}

	key := req.IdempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	created, err := s.repo.Create(lockCtx, &Appointment{
		ID:             uuid.New(),
		ClinicID:       req.ClinicID,
		DoctorID:       req.DoctorID,
		PatientID:      req.PatientID,
		Date:           dateOnly(req.Date),
		Start:          req.Start,
		End:            req.End,
		Status:         StatusPending,
		IdempotencyKey: key,
	})
	if err != nil {
		return nil, fmt.Errorf("create appointment: %w", err)
	}

	s.invalidateDay(ctx, req.ClinicID, req.DoctorID, req.Date)
	s.countBooking("created")

	s.log.Info().
		Str("appointment_id", created.ID.String()).
		Str("doctor_id", req.DoctorID.String()).
		Str("date", req.Date.Format(dateLayout)).
		Str("start", req.Start.String()).
		Msg("appointment created")

	s.dispatchNotifications(ctx, created)

	return created, nil
}

// InvalidateDoctorSlots drops every cached day for a doctor at a clinic,
// for callers that change the weekly schedule itself.
func (s *Service) InvalidateDoctorSlots(ctx context.Context, clinicID, doctorID uuid.UUID) error {
	return s.cache.DeleteByPrefix(ctx, doctorSlotsPrefix(clinicID, doctorID))
}

// Get returns an appointment by ID.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	a, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return a, nil
}

// invalidateDay drops the cached availability for one doctor-day. The
// booking is already committed when this runs; a failure here is logged and
// bounded by the cache TTL, not rolled back.
func (s *Service) invalidateDay(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time) {
	if err := s.cache.Delete(ctx, daySlotsKey(clinicID, doctorID, date)); err != nil {
		s.log.Error().Err(err).
			Str("doctor_id", doctorID.String()).
			Str("date", date.Format(dateLayout)).
			Msg("slot cache invalidation failed, entry expires by TTL")
	}
}

// dispatchNotifications is best effort: a notification failure never fails
// or rolls back the committed booking.
func (s *Service) dispatchNotifications(ctx context.Context, a *Appointment) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.ScheduleNotifications(ctx, a); err != nil {
		s.log.Error().Err(err).
			Str("appointment_id", a.ID.String()).
			Msg("notification dispatch failed")
	}
}

func (s *Service) countBooking(outcome string) {
	if s.metrics != nil {
		s.metrics.BookingsTotal.WithLabelValues(outcome).Inc()
	}
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func sameDay(a, b time.Time) bool {
	return a.Year() == b.Year() && a.YearDay() == b.YearDay()
}
