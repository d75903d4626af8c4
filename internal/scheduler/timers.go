package scheduler

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"cronsync/internal/clock"
	"cronsync/internal/domain"
)

// ErrBusy is returned when a task is asked to run while a previous run of
// it is still in flight.
var ErrBusy = errors.New("task is already running")

type TimerState int

const (
	Unarmed TimerState = iota
	Armed
	Firing
)

func (s TimerState) String() string {
	switch s {
	case Armed:
		return "armed"
	case Firing:
		return "firing"
	default:
		return "unarmed"
	}
}

// FireFunc executes the task and returns its record after bookkeeping.
// ok is false when the task no longer exists.
type FireFunc func(taskID string) (updated domain.Task, ok bool)

type timerEntry struct {
	state  TimerState
	handle clock.Handle
	gen    uint64
}

// Timers keeps at most one pending timer per task id. A task is re-armed
// only after its previous firing returns, so executions of one task never
// overlap.
type Timers struct {
	mu      sync.Mutex
	timer   clock.Timer
	fire    FireFunc
	entries map[string]*timerEntry
	gen     uint64
	enabled bool
}

func NewTimers(t clock.Timer, fire FireFunc) *Timers {
	return &Timers{timer: t, fire: fire, entries: make(map[string]*timerEntry), enabled: true}
}

// SetEnabled turns local scheduling on or off. Disabling cancels every armed
// timer; enabling arms nothing until the next Arm or Reset.
func (s *Timers) SetEnabled(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enabled = on
	if !on {
		for id, e := range s.entries {
			if e.state == Armed {
				e.handle.Cancel()
				delete(s.entries, id)
			}
		}
	}
}

func (s *Timers) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled
}

// Arm cancels any pending timer for t and schedules a new one if t is active
// with a next-run time. A task that is currently firing is re-armed by the
// firing itself.
func (s *Timers) Arm(t domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.armLocked(t)
}

func (s *Timers) armLocked(t domain.Task) {
	e := s.entries[t.ID]
	if e != nil && e.state == Firing {
		return
	}
	if e != nil && e.handle != nil {
		e.handle.Cancel()
	}
	delete(s.entries, t.ID)

	if !s.enabled || t.Status != domain.StatusActive || t.Runtime.NextRunAt == nil {
		return
	}
	delay := t.Runtime.NextRunAt.Sub(s.timer.Now())
	if delay < 0 {
		delay = 0
	}
	s.gen++
	gen := s.gen
	id := t.ID
	entry := &timerEntry{state: Armed, gen: gen}
	entry.handle = s.timer.Schedule(func() { s.onFire(id, gen) }, delay)
	s.entries[id] = entry
}

// Cancel drops the pending timer for id, if any.
func (s *Timers) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entries[id]
	if e == nil || e.state == Firing {
		return
	}
	e.handle.Cancel()
	delete(s.entries, id)
}

// Reset re-arms exactly the given tasks and cancels timers for all others.
func (s *Timers) Reset(tasks []domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keep := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		keep[t.ID] = true
	}
	for id, e := range s.entries {
		if !keep[id] && e.state == Armed {
			e.handle.Cancel()
			delete(s.entries, id)
		}
	}
	for _, t := range tasks {
		s.armLocked(t)
	}
}

func (s *Timers) State(id string) TimerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e := s.entries[id]; e != nil {
		return e.state
	}
	return Unarmed
}

// ArmedCount is the number of timers waiting to fire.
func (s *Timers) ArmedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if e.state == Armed {
			n++
		}
	}
	return n
}

// FireNow runs fn as an out-of-schedule firing of id. The pending timer is
// cancelled for the duration and the task is re-armed from fn's result, so a
// scheduled firing cannot overlap it. It returns ErrBusy without calling fn
// when id is already firing.
func (s *Timers) FireNow(id string, fn func() (domain.Task, bool)) error {
	s.mu.Lock()
	e := s.entries[id]
	if e != nil && e.state == Firing {
		s.mu.Unlock()
		return ErrBusy
	}
	if e != nil && e.handle != nil {
		e.handle.Cancel()
	}
	s.gen++
	e = &timerEntry{state: Firing, gen: s.gen}
	s.entries[id] = e
	s.mu.Unlock()

	updated, ok := fn()

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.entries[id]; cur == e {
		delete(s.entries, id)
	}
	if ok {
		s.armLocked(updated)
	}
	return nil
}

func (s *Timers) onFire(id string, gen uint64) {
	s.mu.Lock()
	e := s.entries[id]
	if e == nil || e.gen != gen || e.state != Armed || !s.enabled {
		s.mu.Unlock()
		return
	}
	e.state = Firing
	e.handle = nil
	s.mu.Unlock()

	updated, ok := s.fire(id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.entries[id]; cur == e {
		delete(s.entries, id)
	}
	if !ok {
		log.Debug().Str("task_id", id).Msg("task gone after firing, not re-arming")
		return
	}
	s.armLocked(updated)
}
