package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinio/slot-booking/internal/schedule"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const apptColumns = `
	id, clinic_id, doctor_id, patient_id,
	appointment_date, start_min, end_min,
	status, idempotency_key, created_at, updated_at,
	cancelled_at, cancelled_by, cancellation_reason`

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	var startMin, endMin int
	var reason *string

	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.DoctorID,
		&a.PatientID,
		&a.Date,
		&startMin,
		&endMin,
		&a.Status,
		&a.IdempotencyKey,
		&a.CreatedAt,
		&a.UpdatedAt,
		&a.CancelledAt,
		&a.CancelledBy,
		&reason,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}

	// pgx decodes the date column as UTC midnight; rebuild in the clinic's
	// zone so day comparisons against the local clock line up.
	a.Date = time.Date(a.Date.Year(), a.Date.Month(), a.Date.Day(), 0, 0, 0, 0, time.Local)

	a.Start = schedule.TimeOfDay(startMin)
	a.End = schedule.TimeOfDay(endMin)
	if reason != nil {
		a.CancellationReason = *reason
	}
	return &a, nil
}

func (r *PgRepository) scanRows(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetByIdempotencyKey(ctx context.Context, key string) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE idempotency_key = $1
	`, key)
	return scanAppointment(row)
}

func (r *PgRepository) ListActiveForDay(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND doctor_id = $2
		  AND appointment_date = $3
		  AND status IN ('pending', 'confirmed')
		ORDER BY start_min
	`, clinicID, doctorID, date)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *PgRepository) ListOverlapping(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay, exclude *uuid.UUID) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND doctor_id = $2
		  AND appointment_date = $3
		  AND status IN ('pending', 'confirmed')
		  AND start_min < $5
		  AND $4 < end_min
		  AND ($6::uuid IS NULL OR id <> $6)
		ORDER BY start_min
	`, clinicID, doctorID, date, int(start), int(end), exclude)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}

func (r *PgRepository) Create(ctx context.Context, a *Appointment) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		INSERT INTO appointments (
			id, clinic_id, doctor_id, patient_id,
			appointment_date, start_min, end_min,
			status, idempotency_key, created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now(), now())
		RETURNING `+apptColumns+`
	`, a.ID, a.ClinicID, a.DoctorID, a.PatientID,
		a.Date, int(a.Start), int(a.End), a.Status, a.IdempotencyKey)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateStatus(ctx context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = $2,
		    updated_at = now()
		WHERE id = $1
		  AND status = $3
		RETURNING `+apptColumns+`
	`, id, to, from)

	return scanAppointment(row)
}

func (r *PgRepository) MarkCancelled(ctx context.Context, id uuid.UUID, from Status, reason string, cancelledBy *uuid.UUID) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled',
		    cancelled_at = now(),
		    cancelled_by = $3,
		    cancellation_reason = $4,
		    updated_at = now()
		WHERE id = $1
		  AND status = $2
		RETURNING `+apptColumns+`
	`, id, from, cancelledBy, reason)

	return scanAppointment(row)
}

func (r *PgRepository) UpdateSlot(ctx context.Context, id uuid.UUID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay) (*Appointment, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE appointments
		SET doctor_id = $2,
		    appointment_date = $3,
		    start_min = $4,
		    end_min = $5,
		    updated_at = now()
		WHERE id = $1
		RETURNING `+apptColumns+`
	`, id, doctorID, date, int(start), int(end))

	return scanAppointment(row)
}

func (r *PgRepository) ListStalePending(ctx context.Context, createdBefore time.Time) ([]Appointment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND created_at < $1
	`, createdBefore)
	if err != nil {
		return nil, err
	}
	return r.scanRows(rows)
}
