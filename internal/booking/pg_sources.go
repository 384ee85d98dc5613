package booking

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinio/slot-booking/internal/schedule"
)

// PgScheduleSource reads a doctor's weekly schedule at a clinic. The weekly
// column holds the day-keyed JSON shape; it is decoded through
// schedule.WeeklySchedule so malformed entries are rejected at this boundary
// instead of at each use site.
type PgScheduleSource struct {
	pool *pgxpool.Pool
}

func NewPgScheduleSource(pool *pgxpool.Pool) *PgScheduleSource {
	return &PgScheduleSource{pool: pool}
}

func (s *PgScheduleSource) GetWeeklySchedule(ctx context.Context, doctorID, clinicID uuid.UUID) (*schedule.WeeklySchedule, error) {
	var active bool
	var raw []byte

	err := s.pool.QueryRow(ctx, `
		SELECT d.active, ds.weekly
		FROM doctors d
		JOIN doctor_schedules ds
		  ON ds.doctor_id = d.id
		 AND ds.clinic_id = $2
		WHERE d.id = $1
	`, doctorID, clinicID).Scan(&active, &raw)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// No schedule relation: an empty calendar, not an error.
			return nil, nil
		}
		return nil, fmt.Errorf("load weekly schedule: %w", err)
	}

	if !active {
		return nil, nil
	}

	var weekly schedule.WeeklySchedule
	if err := json.Unmarshal(raw, &weekly); err != nil {
		return nil, fmt.Errorf("decode weekly schedule for doctor %s: %w", doctorID, err)
	}
	return &weekly, nil
}

// PgSettingsSource reads per-clinic booking policy.
type PgSettingsSource struct {
	pool *pgxpool.Pool
}

func NewPgSettingsSource(pool *pgxpool.Pool) *PgSettingsSource {
	return &PgSettingsSource{pool: pool}
}

func (s *PgSettingsSource) CancelNotice(ctx context.Context, clinicID uuid.UUID) (time.Duration, error) {
	var hours int

	err := s.pool.QueryRow(ctx, `
		SELECT cancel_notice_hours
		FROM clinic_settings
		WHERE clinic_id = $1
	`, clinicID).Scan(&hours)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DefaultCancelNotice, nil
		}
		return 0, fmt.Errorf("load clinic settings: %w", err)
	}

	return time.Duration(hours) * time.Hour, nil
}
