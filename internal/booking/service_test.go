package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/clinio/slot-booking/internal/schedule"
)

func validCreate(clinicID, doctorID uuid.UUID) CreateRequest {
	return CreateRequest{
		ClinicID:  clinicID,
		DoctorID:  doctorID,
		PatientID: uuid.New(),
		Date:      nextMonday(),
		Start:     schedule.MustTimeOfDay("09:00"),
		End:       schedule.MustTimeOfDay("09:30"),
	}
}

var patient = Actor{ID: uuid.New(), Role: RolePatient}
var admin = Actor{ID: uuid.New(), Role: RoleClinicAdmin}

func TestCreate_Succeeds(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if appt.Status != StatusPending {
		t.Errorf("status = %s, want pending", appt.Status)
	}
	if appt.IdempotencyKey == "" {
		t.Error("expected a generated idempotency key")
	}
	if len(env.locker.held) != 0 {
		t.Error("lock not released after create")
	}
	if len(env.cache.deletes) == 0 {
		t.Error("day cache not invalidated after create")
	}
	if len(env.notifier.calls) != 1 {
		t.Errorf("notifier called %d times, want 1", len(env.notifier.calls))
	}
}

func TestCreate_Idempotent(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	req := validCreate(clinicID, doctorID)
	req.IdempotencyKey = "retry-me"

	first, err := env.svc.Create(context.Background(), req, patient)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := env.svc.Create(context.Background(), req, patient)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	if first.ID != second.ID {
		t.Errorf("retried create returned a different appointment: %s vs %s", first.ID, second.ID)
	}
	if env.repo.count() != 1 {
		t.Errorf("expected exactly one persisted row, got %d", env.repo.count())
	}
}

func TestCreate_PastDateRejected(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	req := validCreate(clinicID, doctorID)
	req.Date = time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local)

	_, err := env.svc.Create(context.Background(), req, patient)
	if !IsValidation(err) {
		t.Fatalf("expected a validation error for a past date, got %v", err)
	}
	if len(env.locker.acquired) != 0 {
		t.Error("no lock should be taken for an invalid request")
	}
}

func TestCreate_InvertedTimesRejected(t *testing.T) {
	env := newTestEnv(t)
	req := validCreate(uuid.New(), uuid.New())
	req.Start, req.End = req.End, req.Start

	if _, err := env.svc.Create(context.Background(), req, patient); !IsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

func TestCreate_LockHeldElsewhere(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)
	req := validCreate(clinicID, doctorID)

	// Another request holds the slot lock.
	key := slotLockKey(clinicID, doctorID, req.Date, req.Start)
	if _, ok, _ := env.locker.Acquire(context.Background(), key, time.Second); !ok {
		t.Fatal("setup: could not pre-acquire lock")
	}

	_, err := env.svc.Create(context.Background(), req, patient)
	if !errors.Is(err, ErrSlotBeingBooked) {
		t.Fatalf("expected ErrSlotBeingBooked, got %v", err)
	}
	if !IsConflict(err) {
		t.Error("a held lock should classify as a conflict")
	}
	if env.repo.count() != 0 {
		t.Error("nothing should be persisted when the lock is held")
	}
}

func TestCreate_OffGridRejectedForPatients(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	req := validCreate(clinicID, doctorID)
	req.Start = schedule.MustTimeOfDay("09:15")
	req.End = schedule.MustTimeOfDay("09:45")

	_, err := env.svc.Create(context.Background(), req, patient)
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable for an off-grid time, got %v", err)
	}
}

func TestCreate_AdminOffGrid(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	req := validCreate(clinicID, doctorID)
	req.Start = schedule.MustTimeOfDay("09:15")
	req.End = schedule.MustTimeOfDay("09:45")

	// Privileged callers bypass the grid but still respect working hours.
	if _, err := env.svc.Create(context.Background(), req, admin); err != nil {
		t.Fatalf("admin off-grid create: %v", err)
	}

	outside := validCreate(clinicID, doctorID)
	outside.Start = schedule.MustTimeOfDay("18:00")
	outside.End = schedule.MustTimeOfDay("18:30")
	if _, err := env.svc.Create(context.Background(), outside, admin); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable outside working hours, got %v", err)
	}
}

func TestCreate_AdminOverlapRejected(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	if _, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient); err != nil {
		t.Fatalf("setup create: %v", err)
	}

	// 09:15-09:45 intersects the booked 09:00-09:30.
	req := validCreate(clinicID, doctorID)
	req.Start = schedule.MustTimeOfDay("09:15")
	req.End = schedule.MustTimeOfDay("09:45")

	if _, err := env.svc.Create(context.Background(), req, admin); !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable for overlapping admin booking, got %v", err)
	}
}

func TestCreate_SlotTaken(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	if _, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient); err != nil {
		t.Fatalf("first create: %v", err)
	}

	_, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
}

func TestCreate_MutualExclusion(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
		}(i)
	}
	wg.Wait()

	var won, conflicted int
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case IsConflict(err):
			conflicted++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}

	if won != 1 {
		t.Errorf("%d concurrent creates succeeded, want exactly 1", won)
	}
	if conflicted != workers-1 {
		t.Errorf("%d conflicts, want %d", conflicted, workers-1)
	}
	if env.repo.count() != 1 {
		t.Errorf("%d rows persisted, want 1", env.repo.count())
	}
}

func TestCancel_InsideNoticeWindow(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Move the clock to 2h before the 09:00 monday appointment.
	env.now = time.Date(2024, 6, 3, 7, 0, 0, 0, time.Local)

	_, err = env.svc.Cancel(context.Background(), appt.ID, patient, "changed my mind")
	if !IsValidation(err) {
		t.Fatalf("expected a validation error inside the notice window, got %v", err)
	}

	// Privileged actors bypass the window.
	cancelled, err := env.svc.Cancel(context.Background(), appt.ID, admin, "emergency")
	if err != nil {
		t.Fatalf("admin cancel: %v", err)
	}
	if cancelled.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}
	if cancelled.CancelledAt == nil || cancelled.CancellationReason != "emergency" {
		t.Error("cancellation tracking fields not recorded")
	}
}

func TestCancel_NoticeWindowWithUTCDate(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// A date column scans as UTC midnight. The notice check must still see
	// the 09:00 local start, not one shifted by the zone offset.
	env.repo.mu.Lock()
	d := env.repo.rows[appt.ID].Date
	env.repo.rows[appt.ID].Date = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
	env.repo.mu.Unlock()

	env.now = time.Date(2024, 6, 3, 7, 0, 0, 0, time.Local)
	if _, err := env.svc.Cancel(context.Background(), appt.ID, patient, ""); !IsValidation(err) {
		t.Fatalf("expected the notice window to reject a 2h-out cancel, got %v", err)
	}
}

func TestCancel_SettingsUnreadableUsesDefault(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	env.settings.err = fmt.Errorf("settings store down")

	// 3h out: inside the 4h default notice, so the fallback must reject.
	env.now = time.Date(2024, 6, 3, 6, 0, 0, 0, time.Local)
	if _, err := env.svc.Cancel(context.Background(), appt.ID, patient, ""); !IsValidation(err) {
		t.Fatalf("expected the default notice window to apply, got %v", err)
	}

	// 5h out: outside the default, cancel goes through despite the error.
	env.now = time.Date(2024, 6, 3, 4, 0, 0, 0, time.Local)
	if _, err := env.svc.Cancel(context.Background(), appt.ID, patient, ""); err != nil {
		t.Fatalf("cancel outside default notice: %v", err)
	}
}

func TestCancel_TerminalRejected(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.svc.Cancel(context.Background(), appt.ID, admin, "first"); err != nil {
		t.Fatalf("first cancel: %v", err)
	}

	if _, err := env.svc.Cancel(context.Background(), appt.ID, admin, "again"); !IsValidation(err) {
		t.Fatalf("expected cancelling a cancelled appointment to fail validation, got %v", err)
	}
}

func TestUpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// pending → completed skips confirmation and must fail.
	if _, err := env.svc.UpdateStatus(context.Background(), appt.ID, StatusCompleted, admin); !IsValidation(err) {
		t.Fatalf("expected invalid transition error, got %v", err)
	}

	confirmed, err := env.svc.UpdateStatus(context.Background(), appt.ID, StatusConfirmed, admin)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if confirmed.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", confirmed.Status)
	}

	done, err := env.svc.UpdateStatus(context.Background(), appt.ID, StatusCompleted, admin)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != StatusCompleted {
		t.Errorf("status = %s, want completed", done.Status)
	}
}

func TestUpdateStatus_NotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.svc.UpdateStatus(context.Background(), uuid.New(), StatusConfirmed, admin)
	if !errors.Is(err, ErrAppointmentNotFound) {
		t.Fatalf("expected ErrAppointmentNotFound, got %v", err)
	}
}

func TestReschedule(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	locksBefore := len(env.locker.acquired)

	moved, err := env.svc.Reschedule(context.Background(), appt.ID, RescheduleRequest{
		DoctorID: doctorID,
		Date:     nextMonday(),
		Start:    schedule.MustTimeOfDay("09:30"),
		End:      schedule.MustTimeOfDay("10:00"),
	}, patient)
	if err != nil {
		t.Fatalf("reschedule: %v", err)
	}

	if moved.Start != schedule.MustTimeOfDay("09:30") {
		t.Errorf("start = %s, want 09:30", moved.Start)
	}
	if len(env.locker.acquired) != locksBefore+1 {
		t.Error("reschedule must acquire the target slot lock")
	}
	if len(env.locker.held) != 0 {
		t.Error("lock not released after reschedule")
	}

	// The vacated slot is free again.
	slots, err := env.svc.AvailableSlots(context.Background(), clinicID, doctorID, nextMonday())
	if err != nil {
		t.Fatalf("slots: %v", err)
	}
	if !slots[0].Available || slots[1].Available {
		t.Errorf("after reschedule want 09:00 free and 09:30 taken, got %v/%v", slots[0].Available, slots[1].Available)
	}
}

func TestReschedule_SameSlotNoOp(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	locksBefore := len(env.locker.acquired)

	same, err := env.svc.Reschedule(context.Background(), appt.ID, RescheduleRequest{
		DoctorID: doctorID,
		Date:     appt.Date,
		Start:    appt.Start,
		End:      appt.End,
	}, patient)
	if err != nil {
		t.Fatalf("no-op reschedule: %v", err)
	}
	if same.ID != appt.ID {
		t.Error("no-op reschedule should return the same appointment")
	}
	if len(env.locker.acquired) != locksBefore {
		t.Error("no-op reschedule should not take a lock")
	}
}

func TestReschedule_OwnOffGridBookingExcluded(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	// An admin-placed off-grid booking straddles two grid slots.
	offGrid := validCreate(clinicID, doctorID)
	offGrid.Start = schedule.MustTimeOfDay("09:15")
	offGrid.End = schedule.MustTimeOfDay("09:45")
	appt, err := env.svc.Create(context.Background(), offGrid, admin)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Snapping it onto the grid overlaps only the booking being moved, so
	// the strict check must not self-collide.
	moved, err := env.svc.Reschedule(context.Background(), appt.ID, RescheduleRequest{
		DoctorID: doctorID,
		Date:     nextMonday(),
		Start:    schedule.MustTimeOfDay("09:30"),
		End:      schedule.MustTimeOfDay("10:00"),
	}, patient)
	if err != nil {
		t.Fatalf("reschedule onto own slot overlap: %v", err)
	}
	if moved.Start != schedule.MustTimeOfDay("09:30") {
		t.Errorf("start = %s, want 09:30", moved.Start)
	}
}

func TestReschedule_TargetTaken(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	first, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create first: %v", err)
	}
	second := validCreate(clinicID, doctorID)
	second.Start = schedule.MustTimeOfDay("09:30")
	second.End = schedule.MustTimeOfDay("10:00")
	if _, err := env.svc.Create(context.Background(), second, patient); err != nil {
		t.Fatalf("create second: %v", err)
	}

	_, err = env.svc.Reschedule(context.Background(), first.ID, RescheduleRequest{
		DoctorID: doctorID,
		Date:     nextMonday(),
		Start:    schedule.MustTimeOfDay("09:30"),
		End:      schedule.MustTimeOfDay("10:00"),
	}, patient)
	if !errors.Is(err, ErrSlotUnavailable) {
		t.Fatalf("expected ErrSlotUnavailable, got %v", err)
	}
}

func TestReschedule_PastAndTerminalRejected(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	past := RescheduleRequest{
		DoctorID: doctorID,
		Date:     time.Date(2024, 1, 1, 0, 0, 0, 0, time.Local),
		Start:    schedule.MustTimeOfDay("09:00"),
		End:      schedule.MustTimeOfDay("09:30"),
	}
	if _, err := env.svc.Reschedule(context.Background(), appt.ID, past, patient); !IsValidation(err) {
		t.Fatalf("expected a validation error for a past target date, got %v", err)
	}

	if _, err := env.svc.Cancel(context.Background(), appt.ID, admin, ""); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	valid := RescheduleRequest{
		DoctorID: doctorID,
		Date:     nextMonday(),
		Start:    schedule.MustTimeOfDay("09:30"),
		End:      schedule.MustTimeOfDay("10:00"),
	}
	if _, err := env.svc.Reschedule(context.Background(), appt.ID, valid, patient); !IsValidation(err) {
		t.Fatalf("expected a validation error for a cancelled appointment, got %v", err)
	}
}

func TestSweepStalePending(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)

	appt, err := env.svc.Create(context.Background(), validCreate(clinicID, doctorID), patient)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Age the row well past the pending TTL.
	env.repo.mu.Lock()
	env.repo.rows[appt.ID].CreatedAt = env.now.Add(-2 * time.Hour)
	env.repo.mu.Unlock()
	env.now = env.now.Add(time.Hour)

	swept, err := env.svc.SweepStalePending(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		t.Errorf("swept = %d, want 1", swept)
	}

	got, err := env.svc.Get(context.Background(), appt.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}

	// A second run finds nothing: the row is no longer pending.
	swept, err = env.svc.SweepStalePending(context.Background())
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if swept != 0 {
		t.Errorf("second sweep = %d, want 0", swept)
	}
}

func TestInvalidateDoctorSlots(t *testing.T) {
	env := newTestEnv(t)
	clinicID, doctorID := uuid.New(), uuid.New()
	env.mondayHour(t, doctorID, clinicID)
	ctx := context.Background()

	if _, err := env.svc.AvailableSlots(ctx, clinicID, doctorID, nextMonday()); err != nil {
		t.Fatalf("warm cache: %v", err)
	}
	if len(env.cache.entries) != 1 {
		t.Fatalf("expected 1 cache entry, got %d", len(env.cache.entries))
	}

	if err := env.svc.InvalidateDoctorSlots(ctx, clinicID, doctorID); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if len(env.cache.entries) != 0 {
		t.Error("doctor day entries should be dropped")
	}
}
