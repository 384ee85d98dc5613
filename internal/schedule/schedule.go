package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// DayWindow is the working window of a single weekday.
type DayWindow struct {
	Start       TimeOfDay `json:"startTime"`
	End         TimeOfDay `json:"endTime"`
	SlotMinutes int       `json:"slotDurationMinutes"`
}

func (w DayWindow) validate(day string) error {
	if !w.Start.Valid() || !w.End.Valid() {
		return fmt.Errorf("schedule %s: time out of range", day)
	}
	if !w.Start.Before(w.End) {
		return fmt.Errorf("schedule %s: startTime %s must be before endTime %s", day, w.Start, w.End)
	}
	if w.SlotMinutes <= 0 {
		return fmt.Errorf("schedule %s: slotDurationMinutes must be positive, got %d", day, w.SlotMinutes)
	}
	return nil
}

// Contains reports whether [start,end) falls inside the working window.
func (w DayWindow) Contains(start, end TimeOfDay) bool {
	return !start.Before(w.Start) && !w.End.Before(end) && start.Before(end)
}

var weekdays = map[string]bool{
	"monday": true, "tuesday": true, "wednesday": true, "thursday": true,
	"friday": true, "saturday": true, "sunday": true,
}

// WeeklySchedule maps lowercase weekday names to working windows. A missing
// day means the doctor does not work that day. The zero value has no working
// days; all instances built through NewWeeklySchedule or UnmarshalJSON carry
// only validated windows.
type WeeklySchedule struct {
	days map[string]DayWindow
}

func NewWeeklySchedule(days map[string]DayWindow) (*WeeklySchedule, error) {
	validated := make(map[string]DayWindow, len(days))
	for day, w := range days {
		name := strings.ToLower(day)
		if !weekdays[name] {
			return nil, fmt.Errorf("schedule: unknown weekday %q", day)
		}
		if err := w.validate(name); err != nil {
			return nil, err
		}
		validated[name] = w
	}
	return &WeeklySchedule{days: validated}, nil
}

// ForDate returns the window for the date's weekday, if the doctor works it.
func (s *WeeklySchedule) ForDate(date time.Time) (DayWindow, bool) {
	w, ok := s.days[strings.ToLower(date.Weekday().String())]
	return w, ok
}

// Days returns the number of working days in the week.
func (s *WeeklySchedule) Days() int {
	return len(s.days)
}

func (s *WeeklySchedule) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.days)
}

func (s *WeeklySchedule) UnmarshalJSON(data []byte) error {
	var raw map[string]DayWindow
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	built, err := NewWeeklySchedule(raw)
	if err != nil {
		return err
	}
	*s = *built
	return nil
}
