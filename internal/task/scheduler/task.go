package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	logx "greenbox/pkg/logx"
)

// Action is the unit of work a task runs when due.
// A nil return is success; any error (or panic) is a failure.
type Action func(ctx context.Context) error

// Clock supplies the current time. Inject a fake in tests.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// SystemClock returns a Clock backed by time.Now.
func SystemClock() Clock { return ClockFunc(time.Now) }

// TaskOption configures a Task.
type TaskOption func(*Task)

func WithClock(c Clock) TaskOption {
	return func(t *Task) {
		if c != nil {
			t.clock = c
		}
	}
}

// WithLocation sets the timezone daily policies are evaluated in.
func WithLocation(loc *time.Location) TaskOption {
	return func(t *Task) {
		if loc != nil {
			t.loc = loc
		}
	}
}

func WithLogger(log logx.Logger) TaskOption {
	return func(t *Task) { t.log = log }
}

// WithTimeout bounds each action call with a deadline context. 0 disables it.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) {
		if d > 0 {
			t.timeout = d
		}
	}
}

func WithEnabled(enabled bool) TaskOption {
	return func(t *Task) { t.enabled = enabled }
}

// Task is one recurring or daily operation.
//
// Only Run mutates lastRun. SetEnabled may be called from any goroutine.
type Task struct {
	name      string
	action    Action
	policy    Policy
	policyErr error

	clock   Clock
	loc     *time.Location
	log     logx.Logger
	timeout time.Duration

	mu       sync.Mutex
	enabled  bool
	lastRun  time.Time
	runs     uint64
	failures int
	lastErr  string
	reported bool // policy error already logged during evaluation
}

// TaskInfo is a point-in-time view of a task.
type TaskInfo struct {
	Name     string
	Policy   string
	Enabled  bool
	LastRun  time.Time
	Runs     uint64
	Failures int
	LastErr  string
	PolicyOK bool
}

// NewTask builds a task. The policy is validated once here; an invalid policy
// leaves the task inert and is logged, it never fails construction.
func NewTask(name string, action Action, policy Policy, opts ...TaskOption) *Task {
	t := &Task{
		name:    name,
		action:  action,
		policy:  policy,
		clock:   SystemClock(),
		loc:     time.Local,
		enabled: true,
	}
	for _, o := range opts {
		o(t)
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	if err := policy.Validate(); err != nil {
		var pe *PolicyError
		if errors.As(err, &pe) {
			pe.Task = name
		}
		t.policyErr = err
		t.log.Error("invalid task policy", logx.String("task", name), logx.Err(err))
	}
	t.log.Debug("task created", logx.String("task", name), logx.String("policy", policy.String()))
	return t
}

func (t *Task) Name() string { return t.name }

func (t *Task) Policy() Policy { return t.policy }

// PolicyErr returns the construction-time policy error, if any.
func (t *Task) PolicyErr() error { return t.policyErr }

func (t *Task) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Task) SetEnabled(enabled bool) {
	t.mu.Lock()
	t.enabled = enabled
	t.mu.Unlock()
}

// LastRun returns the time of the last successful run; ok is false if the
// task never succeeded.
func (t *Task) LastRun() (at time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRun, !t.lastRun.IsZero()
}

func (t *Task) Info() TaskInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return TaskInfo{
		Name:     t.name,
		Policy:   t.policy.String(),
		Enabled:  t.enabled,
		LastRun:  t.lastRun,
		Runs:     t.runs,
		Failures: t.failures,
		LastErr:  t.lastErr,
		PolicyOK: t.policyErr == nil,
	}
}

// IsDue reports whether the task is due at the clock's current time.
func (t *Task) IsDue() bool { return t.DueAt(t.clock.Now()) }

// DueAt reports whether the task is due at now. Both boundaries are inclusive:
// an interval task is due when exactly Every has elapsed, a daily task is due
// at HH:MM:00 sharp.
func (t *Task) DueAt(now time.Time) bool {
	t.mu.Lock()
	enabled := t.enabled
	last := t.lastRun
	t.mu.Unlock()

	if !enabled {
		return false
	}
	if t.policyErr != nil {
		t.reportPolicyErr()
		return false
	}

	switch t.policy.Kind() {
	case PolicyInterval:
		if last.IsZero() {
			return true
		}
		return now.Sub(last) >= t.policy.Every
	case PolicyDaily:
		now = now.In(t.loc)
		if !last.IsZero() && sameDay(last.In(t.loc), now) {
			return false
		}
		return !now.Before(t.policy.Daily.on(now))
	default:
		return false
	}
}

// reportPolicyErr logs the policy error the first time the task is evaluated.
func (t *Task) reportPolicyErr() {
	t.mu.Lock()
	first := !t.reported
	t.reported = true
	t.mu.Unlock()
	if first {
		t.log.Error("task policy invalid; task will never run", logx.String("task", t.name), logx.Err(t.policyErr))
	}
}

// Run executes the action once. It is a no-op for disabled tasks.
//
// On success lastRun moves to the clock time observed after the action
// returned. On failure the error is logged and swallowed and lastRun is left
// alone, so the task stays due for the next sweep.
func (t *Task) Run(ctx context.Context) {
	_, _ = t.execute(ctx)
}

// execute is Run with the outcome exposed to the scheduler's observer.
func (t *Task) execute(ctx context.Context) (ran bool, err error) {
	if !t.Enabled() {
		return false, nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	err = t.call(ctx)
	if err != nil {
		t.mu.Lock()
		t.failures++
		t.lastErr = err.Error()
		failures := t.failures
		t.mu.Unlock()
		t.log.Error("task execution failed",
			logx.String("task", t.name),
			logx.Int("consecutive_failures", failures),
			logx.Err(err),
		)
		return true, err
	}

	at := t.clock.Now()
	t.mu.Lock()
	if at.After(t.lastRun) {
		t.lastRun = at
	}
	t.runs++
	t.failures = 0
	t.lastErr = ""
	at = t.lastRun
	t.mu.Unlock()
	t.log.Info("task executed", logx.String("task", t.name), logx.Time("at", at))
	return true, nil
}

func (t *Task) call(ctx context.Context) (err error) {
	if t.action == nil {
		return &ActionError{Task: t.name, Err: errors.New("nil action")}
	}
	if t.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	// A panicking action must not take the sweep down with it.
	defer func() {
		if r := recover(); r != nil {
			t.log.Debug("task panic stack", logx.String("task", t.name), logx.Stack(string(debug.Stack())))
			err = &ActionError{Task: t.name, Err: fmt.Errorf("%v", r), Panic: true}
		}
	}()
	if aerr := t.action(ctx); aerr != nil {
		return &ActionError{Task: t.name, Err: aerr}
	}
	return nil
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
