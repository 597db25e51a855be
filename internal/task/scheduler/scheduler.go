package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	logx "greenbox/pkg/logx"
)

// Config controls the scheduler.
type Config struct {
	Timezone string // IANA TZ, e.g. "Europe/Berlin"; empty means Local
}

// Observer receives sweep outcomes. Calls happen while the sweep lock is
// held, so implementations must be fast and must not call back into the
// Scheduler.
type Observer interface {
	TaskFinished(name string, took time.Duration, err error)
	SweepFinished(ran int, took time.Duration)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSchedulerClock sets the clock handed to tasks built by ScheduleDaily,
// ScheduleDailyAt and ScheduleInterval.
func WithSchedulerClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithObserver(o Observer) Option {
	return func(s *Scheduler) { s.obs = o }
}

// Scheduler owns an ordered task sequence.
//
// One mutex guards the sequence for AddTask, RemoveTask and the whole of
// ProcessDueTasks, including the time spent inside due actions. A slow
// action therefore delays the rest of the sweep and blocks registration.
// Actions must not call back into the Scheduler: the lock is not reentrant.
type Scheduler struct {
	mu    sync.Mutex
	tasks []*Task

	log   logx.Logger
	clock Clock
	loc   *time.Location
	obs   Observer
}

func New(cfg Config, log logx.Logger, opts ...Option) *Scheduler {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Scheduler{
		log:   log,
		clock: SystemClock(),
	}
	for _, o := range opts {
		o(s)
	}
	s.loc = loadLocation(cfg.Timezone, log)
	s.log.Info("scheduler initialized", logx.String("tz", s.loc.String()))
	return s
}

// Location returns the timezone daily tasks built by this scheduler use.
func (s *Scheduler) Location() *time.Location { return s.loc }

// AddTask appends t. Duplicate names are allowed.
func (s *Scheduler) AddTask(t *Task) {
	if t == nil {
		return
	}
	s.mu.Lock()
	s.tasks = append(s.tasks, t)
	s.mu.Unlock()
	s.log.Debug("task added", logx.String("task", t.Name()), logx.String("policy", t.Policy().String()))
}

// RemoveTask drops every task named name. Removing an unknown name is a no-op.
func (s *Scheduler) RemoveTask(name string) {
	s.mu.Lock()
	kept := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		if t.Name() != name {
			kept = append(kept, t)
		}
	}
	removed := len(s.tasks) - len(kept)
	s.tasks = kept
	s.mu.Unlock()
	s.log.Debug("task removed", logx.String("task", name), logx.Int("matches", removed))
}

// ProcessDueTasks runs one sweep: every task that is due when the sweep
// reaches it runs synchronously, in registration order. Task failures are
// contained by the task and never surface here.
func (s *Scheduler) ProcessDueTasks(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	start := time.Now()
	ran := 0
	for _, t := range s.tasks {
		if !t.IsDue() {
			continue
		}
		s.log.Debug("executing task", logx.String("task", t.Name()))
		began := time.Now()
		executed, err := t.execute(ctx)
		if !executed {
			continue
		}
		ran++
		if s.obs != nil {
			s.obs.TaskFinished(t.Name(), time.Since(began), err)
		}
	}
	if s.obs != nil {
		s.obs.SweepFinished(ran, time.Since(start))
	}
}

// ScheduleDaily registers a task that runs once per day at or after hour:minute
// in the scheduler's timezone.
func (s *Scheduler) ScheduleDaily(name string, action Action, hour, minute int, opts ...TaskOption) *Task {
	return s.schedule(name, action, DailyAt(hour, minute), opts)
}

// ScheduleDailyAt is ScheduleDaily taking "HH:MM". A malformed value yields
// an inert task whose PolicyErr explains why.
func (s *Scheduler) ScheduleDailyAt(name string, action Action, hhmm string, opts ...TaskOption) *Task {
	return s.schedule(name, action, Daily(hhmm), opts)
}

// ScheduleInterval registers a task that runs every interval since its last
// successful run.
func (s *Scheduler) ScheduleInterval(name string, action Action, every time.Duration, opts ...TaskOption) *Task {
	return s.schedule(name, action, Interval(every), opts)
}

func (s *Scheduler) schedule(name string, action Action, p Policy, opts []TaskOption) *Task {
	base := []TaskOption{
		WithClock(s.clock),
		WithLocation(s.loc),
		WithLogger(s.log),
	}
	t := NewTask(name, action, p, append(base, opts...)...)
	s.AddTask(t)
	return t
}

// Len returns the number of registered tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Tasks returns a snapshot in registration order. It waits for a running sweep.
func (s *Scheduler) Tasks() []TaskInfo {
	s.mu.Lock()
	tasks := make([]*Task, len(s.tasks))
	copy(tasks, s.tasks)
	s.mu.Unlock()

	out := make([]TaskInfo, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.Info())
	}
	return out
}

func loadLocation(tz string, log logx.Logger) *time.Location {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
