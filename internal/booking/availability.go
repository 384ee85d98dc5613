package booking

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinio/slot-booking/internal/schedule"
)

// AvailableSlots computes the bookable slots of a doctor at a clinic on a
// calendar day. Results for future days are cached with a short TTL; today's
// result depends on the current wall clock and is always computed fresh.
//
// A doctor with no schedule at the clinic, or no entry for the weekday, has
// an empty calendar; that is not an error.
func (s *Service) AvailableSlots(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time) ([]schedule.Slot, error) {
	today := sameDay(date, s.now())
	cacheKey := daySlotsKey(clinicID, doctorID, date)

	if !today {
		if slots, ok := s.cache.Get(ctx, cacheKey); ok {
			if s.metrics != nil {
				s.metrics.CacheHitsTotal.Inc()
			}
			return slots, nil
		}
		if s.metrics != nil {
			s.metrics.CacheMissesTotal.Inc()
		}
	}

	slots, err := s.computeSlots(ctx, clinicID, doctorID, date, nil)
	if err != nil {
		return nil, err
	}

	if today {
		// This result shifts with the clock, so it is never cached.
		return slots, nil
	}

	s.cache.Set(ctx, cacheKey, slots, s.cacheTTL)
	return slots, nil
}

// computeSlots builds the day grid and marks slots taken by active
// appointments, skipping the excluded row. On today's date, slots that
// already started (or start right now) are also marked unavailable.
func (s *Service) computeSlots(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time, exclude *uuid.UUID) ([]schedule.Slot, error) {
	weekly, err := s.schedules.GetWeeklySchedule(ctx, doctorID, clinicID)
	if err != nil {
		return nil, fmt.Errorf("resolve weekly schedule: %w", err)
	}
	if weekly == nil {
		return []schedule.Slot{}, nil
	}

	window, works := weekly.ForDate(date)
	if !works {
		return []schedule.Slot{}, nil
	}

	slots := schedule.Generate(window)

	active, err := s.repo.ListActiveForDay(ctx, clinicID, doctorID, date)
	if err != nil {
		return nil, fmt.Errorf("list active appointments: %w", err)
	}

	for i := range slots {
		for _, a := range active {
			if exclude != nil && a.ID == *exclude {
				continue
			}
			if slots[i].Overlaps(a.Start, a.End) {
				slots[i].Available = false
				break
			}
		}
	}

	if sameDay(date, s.now()) {
		cutoff := schedule.TimeOfDayAt(s.now())
		for i := range slots {
			if !slots[i].Start.After(cutoff) {
				slots[i].Available = false
			}
		}
	}

	return slots, nil
}

// slotAvailable re-validates a requested interval, normally under the slot
// lock. In strict mode the interval must be an exact generated slot that is
// still marked available: off-grid times are rejected outright. Privileged
// callers skip the grid but must still fit inside working hours and must not
// overlap any active appointment.
func (s *Service) slotAvailable(ctx context.Context, clinicID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay, strict bool, exclude *uuid.UUID) (bool, error) {
	if strict {
		// With an exclusion the caller's own row must not count against the
		// grid, so the cached day result cannot be used.
		var slots []schedule.Slot
		var err error
		if exclude == nil {
			slots, err = s.AvailableSlots(ctx, clinicID, doctorID, date)
		} else {
			slots, err = s.computeSlots(ctx, clinicID, doctorID, date, exclude)
		}
		if err != nil {
			return false, err
		}
		for _, slot := range slots {
			if slot.Start == start && slot.End == end {
				return slot.Available, nil
			}
		}
		return false, nil
	}

	weekly, err := s.schedules.GetWeeklySchedule(ctx, doctorID, clinicID)
	if err != nil {
		return false, fmt.Errorf("resolve weekly schedule: %w", err)
	}
	if weekly == nil {
		return false, nil
	}
	window, works := weekly.ForDate(date)
	if !works {
		return false, nil
	}
	if !window.Contains(start, end) {
		return false, nil
	}

	overlapping, err := s.repo.ListOverlapping(ctx, clinicID, doctorID, date, start, end, exclude)
	if err != nil {
		return false, fmt.Errorf("list overlapping appointments: %w", err)
	}
	return len(overlapping) == 0, nil
}
