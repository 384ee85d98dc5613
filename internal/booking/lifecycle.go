package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinio/slot-booking/internal/schedule"
)

// Cancel soft-cancels an appointment. Non-privileged actors must respect the
// clinic's cancellation notice window; admins may cancel at any time.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor Actor, reason string) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CheckTransition(appt.Status, StatusCancelled); err != nil {
		return nil, err
	}

	if !actor.Role.Privileged() {
		notice := s.noticeFor(ctx, appt.ClinicID)
		if appt.StartsAt().Sub(s.now()) < notice {
			return nil, NewValidationError("cancellation requires at least %s notice", notice)
		}
	}

	actorID := actor.ID
	cancelled, err := s.repo.MarkCancelled(ctx, id, appt.Status, reason, &actorID)
	if err != nil {
		return nil, fmt.Errorf("cancel appointment: %w", err)
	}

	// Frees the slot for other patients.
	s.invalidateDay(ctx, appt.ClinicID, appt.DoctorID, appt.Date)

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("reason", reason).
		Msg("appointment cancelled")

	s.dispatchNotifications(ctx, cancelled)
	return cancelled, nil
}

// UpdateStatus applies a lifecycle transition after validating it against the
// state machine. Cancellations go through Cancel, which enforces the notice
// window; this path covers confirm, complete and no-show.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to Status, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := CheckTransition(appt.Status, to); err != nil {
		return nil, err
	}

	if to == StatusCancelled {
		return s.Cancel(ctx, id, actor, "")
	}

	updated, err := s.repo.UpdateStatus(ctx, id, appt.Status, to)
	if err != nil {
		return nil, fmt.Errorf("update status: %w", err)
	}

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("from", string(appt.Status)).
		Str("to", string(to)).
		Msg("appointment status updated")

	s.dispatchNotifications(ctx, updated)
	return updated, nil
}

type RescheduleRequest struct {
	DoctorID uuid.UUID
	Date     time.Time
	Start    schedule.TimeOfDay
	End      schedule.TimeOfDay
}

// Reschedule moves an appointment to a new doctor, date or time. The target
// slot's lock is acquired exactly as on create, so two concurrent reschedules
// into the same slot cannot both pass re-validation.
func (s *Service) Reschedule(ctx context.Context, id uuid.UUID, req RescheduleRequest, actor Actor) (*Appointment, error) {
	appt, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	if appt.Status.Terminal() {
		return nil, NewValidationError("cannot reschedule a %s appointment", appt.Status)
	}

	sameSlot := appt.DoctorID == req.DoctorID &&
		sameDay(appt.Date, req.Date) &&
		appt.Start == req.Start &&
		appt.End == req.End
	if sameSlot {
		return appt, nil
	}

	if !req.Start.Before(req.End) {
		return nil, NewValidationError("startTime %s must be before endTime %s", req.Start, req.End)
	}
	if dateOnly(req.Date).Before(dateOnly(s.now())) {
		return nil, NewValidationError("appointment date %s is in the past", req.Date.Format(dateLayout))
	}

	lockKey := slotLockKey(appt.ClinicID, req.DoctorID, req.Date, req.Start)
	token, ok, err := s.locker.Acquire(ctx, lockKey, s.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("slot lock: %w", err)
	}
	if !ok {
		if s.metrics != nil {
			s.metrics.LockConflictsTotal.Inc()
		}
		return nil, ErrSlotBeingBooked
	}
	defer func() {
		if rerr := s.locker.Release(ctx, lockKey, token); rerr != nil {
			s.log.Warn().Err(rerr).Str("key", lockKey).Msg("slot lock release failed")
		}
	}()

	lockCtx, cancel := context.WithTimeout(ctx, s.lockTTL)
	defer cancel()

	// Exclude the appointment's own row so moving within the same day does
	// not collide with itself.
	excludeID := appt.ID
	strict := !actor.Role.Privileged()
	available, err := s.slotAvailable(lockCtx, appt.ClinicID, req.DoctorID, req.Date, req.Start, req.End, strict, &excludeID)
	if err != nil {
		return nil, fmt.Errorf("validate availability: %w", err)
	}
	if !available {
		return nil, ErrSlotUnavailable
	}

	moved, err := s.repo.UpdateSlot(lockCtx, id, req.DoctorID, dateOnly(req.Date), req.Start, req.End)
	if err != nil {
		return nil, fmt.Errorf("reschedule appointment: %w", err)
	}

	// Both the vacated and the newly taken day change.
	s.invalidateDay(ctx, appt.ClinicID, appt.DoctorID, appt.Date)
	s.invalidateDay(ctx, appt.ClinicID, req.DoctorID, req.Date)

	s.log.Info().
		Str("appointment_id", id.String()).
		Str("date", req.Date.Format(dateLayout)).
		Str("start", req.Start.String()).
		Msg("appointment rescheduled")

	s.dispatchNotifications(ctx, moved)
	return moved, nil
}

// SweepStalePending cancels pending appointments that were never confirmed
// within the pending TTL, freeing their slots. Intended to run periodically
// from the sweep worker.
func (s *Service) SweepStalePending(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.pendingTTL)
	stale, err := s.repo.ListStalePending(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("list stale pending: %w", err)
	}

	swept := 0
	for _, a := range stale {
		if _, err := s.repo.MarkCancelled(ctx, a.ID, StatusPending, "not confirmed in time", nil); err != nil {
			// The row may have been confirmed or cancelled since listing.
			s.log.Warn().Err(err).Str("appointment_id", a.ID.String()).Msg("sweep skip")
			continue
		}
		s.invalidateDay(ctx, a.ClinicID, a.DoctorID, a.Date)
		swept++
	}

	if s.metrics != nil {
		s.metrics.StaleSweptTotal.Add(float64(swept))
	}
	if swept > 0 {
		s.log.Info().Int("swept", swept).Msg("stale pending appointments cancelled")
	}
	return swept, nil
}

// noticeFor resolves the clinic's cancellation notice, falling back to the
// configured default when settings are unreadable.
func (s *Service) noticeFor(ctx context.Context, clinicID uuid.UUID) time.Duration {
	notice, err := s.settings.CancelNotice(ctx, clinicID)
	if err != nil {
		s.log.Warn().Err(err).
			Str("clinic_id", clinicID.String()).
			Dur("default", s.cancelNotice).
			Msg("clinic settings unreadable, using default cancel notice")
		return s.cancelNotice
	}
	return notice
}
