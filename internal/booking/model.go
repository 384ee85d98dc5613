package booking

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinio/slot-booking/internal/schedule"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusNoShow    Status = "no_show"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusNoShow:
		return true
	}
	return false
}

type Role string

const (
	RolePatient     Role = "patient"
	RoleDoctor      Role = "doctor"
	RoleStaff       Role = "staff"
	RoleClinicAdmin Role = "clinic_admin"
	RoleSuperAdmin  Role = "super_admin"
)

// Privileged roles bypass the slot grid and the cancellation notice window.
func (r Role) Privileged() bool {
	return r == RoleClinicAdmin || r == RoleSuperAdmin
}

// Actor is the authenticated caller of a booking operation.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// Appointment is the persisted booking record. It is never hard-deleted;
// cancellation is a soft status transition.
type Appointment struct {
	ID        uuid.UUID
	ClinicID  uuid.UUID
	DoctorID  uuid.UUID
	PatientID uuid.UUID

	// Date is the calendar day, midnight in the clinic's zone. Start and End
	// are wall-clock times within that day.
	Date  time.Time
	Start schedule.TimeOfDay
	End   schedule.TimeOfDay

	Status         Status
	IdempotencyKey string

	CreatedAt time.Time
	UpdatedAt time.Time

	CancelledAt        *time.Time
	CancelledBy        *uuid.UUID
	CancellationReason string
}

// StartsAt returns the absolute instant the appointment begins. The clinic
// runs on local wall clock; Date's own location is ignored because a date
// column scans as UTC midnight regardless of the server zone.
func (a *Appointment) StartsAt() time.Time {
	return time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(),
		int(a.Start)/60, int(a.Start)%60, 0, 0, time.Local)
}
