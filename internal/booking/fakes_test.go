package booking

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/clinio/slot-booking/internal/metrics"
	"github.com/clinio/slot-booking/internal/schedule"
)

// In-memory collaborators implementing the service's injected interfaces.

type memRepo struct {
	mu    sync.Mutex
	rows  map[uuid.UUID]*Appointment
	byKey map[string]uuid.UUID
	lists int // ListActiveForDay call count, for cache-hit assertions
}

func newMemRepo() *memRepo {
	return &memRepo{rows: map[uuid.UUID]*Appointment{}, byKey: map[string]uuid.UUID{}}
}

func (r *memRepo) GetByID(_ context.Context, id uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *a
	return &cp, nil
}

func (r *memRepo) GetByIdempotencyKey(_ context.Context, key string) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byKey[key]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	cp := *r.rows[id]
	return &cp, nil
}

func (r *memRepo) ListActiveForDay(_ context.Context, clinicID, doctorID uuid.UUID, date time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists++
	var out []Appointment
	for _, a := range r.rows {
		if a.ClinicID == clinicID && a.DoctorID == doctorID && a.Date.Equal(dateOnly(date)) &&
			(a.Status == StatusPending || a.Status == StatusConfirmed) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memRepo) ListOverlapping(_ context.Context, clinicID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay, exclude *uuid.UUID) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.rows {
		if exclude != nil && a.ID == *exclude {
			continue
		}
		if a.ClinicID == clinicID && a.DoctorID == doctorID && a.Date.Equal(dateOnly(date)) &&
			(a.Status == StatusPending || a.Status == StatusConfirmed) &&
			a.Start.Before(end) && start.Before(a.End) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memRepo) Create(_ context.Context, a *Appointment) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *a
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	r.rows[cp.ID] = &cp
	r.byKey[cp.IdempotencyKey] = cp.ID
	out := cp
	return &out, nil
}

func (r *memRepo) UpdateStatus(_ context.Context, id uuid.UUID, from, to Status) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memRepo) MarkCancelled(_ context.Context, id uuid.UUID, from Status, reason string, cancelledBy *uuid.UUID) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok || a.Status != from {
		return nil, ErrAppointmentNotFound
	}
	now := time.Now()
	a.Status = StatusCancelled
	a.CancelledAt = &now
	a.CancelledBy = cancelledBy
	a.CancellationReason = reason
	a.UpdatedAt = now
	cp := *a
	return &cp, nil
}

func (r *memRepo) UpdateSlot(_ context.Context, id uuid.UUID, doctorID uuid.UUID, date time.Time, start, end schedule.TimeOfDay) (*Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.rows[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	a.DoctorID = doctorID
	a.Date = date
	a.Start = start
	a.End = end
	a.UpdatedAt = time.Now()
	cp := *a
	return &cp, nil
}

func (r *memRepo) ListStalePending(_ context.Context, createdBefore time.Time) ([]Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Appointment
	for _, a := range r.rows {
		if a.Status == StatusPending && a.CreatedAt.Before(createdBefore) {
			out = append(out, *a)
		}
	}
	return out, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.rows)
}

// memLocker has the same single-attempt semantics as the Redis locker.
type memLocker struct {
	mu       sync.Mutex
	held     map[string]string
	acquired []string // every key ever acquired, in order
}

func newMemLocker() *memLocker {
	return &memLocker{held: map[string]string{}}
}

func (l *memLocker) Acquire(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[key]; taken {
		return "", false, nil
	}
	token := uuid.NewString()
	l.held[key] = token
	l.acquired = append(l.acquired, key)
	return token, true, nil
}

func (l *memLocker) Release(_ context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
	}
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string][]schedule.Slot
	sets    int
	deletes []string
}

func newMemCache() *memCache {
	return &memCache{entries: map[string][]schedule.Slot{}}
}

func (c *memCache) Get(_ context.Context, key string) ([]schedule.Slot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	slots, ok := c.entries[key]
	return slots, ok
}

func (c *memCache) Set(_ context.Context, key string, slots []schedule.Slot, _ time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = slots
	c.sets++
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.deletes = append(c.deletes, key)
	return nil
}

func (c *memCache) DeleteByPrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			c.deletes = append(c.deletes, k)
		}
	}
	return nil
}

type memSchedules struct {
	mu      sync.Mutex
	weeklys map[string]*schedule.WeeklySchedule
}

func newMemSchedules() *memSchedules {
	return &memSchedules{weeklys: map[string]*schedule.WeeklySchedule{}}
}

func (s *memSchedules) set(doctorID, clinicID uuid.UUID, ws *schedule.WeeklySchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.weeklys[doctorID.String()+"/"+clinicID.String()] = ws
}

func (s *memSchedules) GetWeeklySchedule(_ context.Context, doctorID, clinicID uuid.UUID) (*schedule.WeeklySchedule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.weeklys[doctorID.String()+"/"+clinicID.String()], nil
}

type memSettings struct {
	notice time.Duration
	err    error
}

func (s *memSettings) CancelNotice(_ context.Context, _ uuid.UUID) (time.Duration, error) {
	if s.err != nil {
		return 0, s.err
	}
	if s.notice == 0 {
		return DefaultCancelNotice, nil
	}
	return s.notice, nil
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (n *recordingNotifier) ScheduleNotifications(_ context.Context, a *Appointment) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, a.ID)
	return nil
}

// testEnv bundles a service with its fakes and a controllable clock.
type testEnv struct {
	svc       *Service
	repo      *memRepo
	locker    *memLocker
	cache     *memCache
	schedules *memSchedules
	settings  *memSettings
	notifier  *recordingNotifier
	now       time.Time
}

// newTestEnv pins the clock to noon on Saturday 2024-06-01 local time.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		repo:      newMemRepo(),
		locker:    newMemLocker(),
		cache:     newMemCache(),
		schedules: newMemSchedules(),
		settings:  &memSettings{},
		notifier:  &recordingNotifier{},
		now:       time.Date(2024, 6, 1, 12, 0, 0, 0, time.Local),
	}

	env.svc = NewService(Deps{
		Repo:      env.repo,
		Schedules: env.schedules,
		Settings:  env.settings,
		Locker:    env.locker,
		Cache:     env.cache,
		Notifier:  env.notifier,
		Metrics:   metrics.NewCollector(prometheus.NewRegistry()),
		Log:       zerolog.Nop(),
	})
	env.svc.now = func() time.Time { return env.now }

	return env
}

// mondayHour is a one-hour, two-slot monday schedule (09:00-10:00 at 30m).
func (e *testEnv) mondayHour(t *testing.T, doctorID, clinicID uuid.UUID) {
	t.Helper()
	ws, err := schedule.NewWeeklySchedule(map[string]schedule.DayWindow{
		"monday": {Start: schedule.MustTimeOfDay("09:00"), End: schedule.MustTimeOfDay("10:00"), SlotMinutes: 30},
	})
	if err != nil {
		t.Fatalf("build schedule: %v", err)
	}
	e.schedules.set(doctorID, clinicID, ws)
}

// nextMonday is 2024-06-03, the first monday after the pinned clock.
func nextMonday() time.Time {
	return time.Date(2024, 6, 3, 0, 0, 0, 0, time.Local)
}
