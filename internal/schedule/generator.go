package schedule

// Slot is a fixed-width candidate appointment interval. Slots are derived
// data, regenerated from the weekly schedule on every query and never stored.
type Slot struct {
	Start     TimeOfDay `json:"start"`
	End       TimeOfDay `json:"end"`
	Available bool      `json:"available"`
}

// Overlaps reports whether the slot intersects the half-open interval
// [start,end). Touching boundaries do not overlap.
func (s Slot) Overlaps(start, end TimeOfDay) bool {
	return s.Start.Before(end) && start.Before(s.End)
}

// Generate produces the ordered, contiguous slots covering the window.
// A trailing remainder shorter than the slot width is dropped, not rounded.
// All slots come out marked available; the caller applies bookings.
func Generate(w DayWindow) []Slot {
	var slots []Slot
	for start := w.Start; !w.End.Before(start.Add(w.SlotMinutes)); start = start.Add(w.SlotMinutes) {
		slots = append(slots, Slot{
			Start:     start,
			End:       start.Add(w.SlotMinutes),
			Available: true,
		})
	}
	return slots
}
