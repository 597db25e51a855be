package app

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"greenbox/internal/config"
	"greenbox/internal/notifier"
	"greenbox/internal/sensor"
	"greenbox/internal/storage"
	"greenbox/internal/task/scheduler"
	logx "greenbox/pkg/logx"
)

// Built-in task actions that config may reference.
const (
	ActionLogReadings  = "log_readings"
	ActionDailyReport  = "daily_report"
	ActionPruneHistory = "prune_history"
)

// Actions lists the built-in task actions.
var Actions = []string{ActionLogReadings, ActionDailyReport, ActionPruneHistory}

func needsStorage(action string) bool {
	return action == ActionDailyReport || action == ActionPruneHistory
}

// ValidateTasks checks the parts of scheduler.tasks that depend on the app:
// action names and the storage they need.
func ValidateTasks(cfg *config.Config) error {
	_, storageOn, err := mapStorageConfig(cfg)
	if err != nil {
		return err
	}
	var errs []error
	for i, t := range cfg.Scheduler.Tasks {
		path := fmt.Sprintf("scheduler.tasks[%d].action", i)
		action := strings.TrimSpace(t.Action)
		if !slices.Contains(Actions, action) {
			errs = append(errs, fmt.Errorf("%s: unknown action %q (known: %s)", path, t.Action, strings.Join(Actions, ", ")))
			continue
		}
		if needsStorage(action) && !storageOn && t.IsEnabled() {
			errs = append(errs, fmt.Errorf("%s: %s requires storage", path, action))
		}
	}
	return errors.Join(errs...)
}

// PlanEntry describes one configured task for `greenbox check`.
type PlanEntry struct {
	Name    string
	Action  string
	Policy  string
	Enabled bool
	Timeout time.Duration
}

// Plan returns the task plan of cfg in registration order.
func Plan(cfg *config.Config) ([]PlanEntry, error) {
	if err := ValidateTasks(cfg); err != nil {
		return nil, err
	}
	out := make([]PlanEntry, 0, len(cfg.Scheduler.Tasks))
	for _, t := range cfg.Scheduler.Tasks {
		p, err := scheduler.ParsePolicy(t.Every, t.At)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.Name, err)
		}
		timeout, err := config.ParseDurationField("timeout", t.Timeout)
		if err != nil {
			return nil, fmt.Errorf("task %q: %w", t.Name, err)
		}
		out = append(out, PlanEntry{
			Name:    t.Name,
			Action:  strings.TrimSpace(t.Action),
			Policy:  p.String(),
			Enabled: t.IsEnabled(),
			Timeout: timeout,
		})
	}
	return out, nil
}

func (a *App) action(name string) (scheduler.Action, error) {
	switch strings.TrimSpace(name) {
	case ActionLogReadings:
		return a.logReadings, nil
	case ActionDailyReport:
		return a.dailyReport, nil
	case ActionPruneHistory:
		return a.pruneHistory, nil
	default:
		return nil, fmt.Errorf("unknown action %q", name)
	}
}

// syncTasks reconciles the scheduler with tasks. Unchanged tasks keep their
// run history; an enabled flip is applied in place.
func (a *App) syncTasks(tasks []config.TaskConfig) error {
	a.tasksMu.Lock()
	defer a.tasksMu.Unlock()

	want := make(map[string]config.TaskConfig, len(tasks))
	for _, tc := range tasks {
		want[tc.Name] = tc
	}

	for name, cur := range a.tasks {
		next, ok := want[name]
		switch {
		case !ok:
			a.sched.RemoveTask(name)
			delete(a.tasks, name)
			a.log.Info("task removed", logx.String("task", name))
		case sameTaskExceptEnabled(cur.cfg, next):
			if cur.cfg.IsEnabled() != next.IsEnabled() {
				cur.task.SetEnabled(next.IsEnabled())
				a.log.Info("task toggled", logx.String("task", name), logx.Bool("enabled", next.IsEnabled()))
			}
			cur.cfg = next
			a.tasks[name] = cur
		default:
			a.sched.RemoveTask(name)
			delete(a.tasks, name)
		}
	}

	var errs []error
	for _, tc := range tasks {
		if _, ok := a.tasks[tc.Name]; ok {
			continue
		}
		t, err := a.buildTask(tc)
		if err != nil {
			errs = append(errs, fmt.Errorf("task %q: %w", tc.Name, err))
			continue
		}
		a.sched.AddTask(t)
		a.tasks[tc.Name] = registeredTask{cfg: tc, task: t}
		a.log.Info("task registered",
			logx.String("task", tc.Name),
			logx.String("action", tc.Action),
			logx.String("policy", t.Policy().String()),
			logx.Bool("enabled", tc.IsEnabled()),
		)
	}
	return errors.Join(errs...)
}

type registeredTask struct {
	cfg  config.TaskConfig
	task *scheduler.Task
}

func sameTaskExceptEnabled(a, b config.TaskConfig) bool {
	a.Enabled, b.Enabled = nil, nil
	return a == b
}

func (a *App) buildTask(tc config.TaskConfig) (*scheduler.Task, error) {
	action, err := a.action(tc.Action)
	if err != nil {
		return nil, err
	}
	timeout, err := config.ParseDurationField("timeout", tc.Timeout)
	if err != nil {
		return nil, err
	}
	p, err := scheduler.ParsePolicy(tc.Every, tc.At)
	if err != nil {
		return nil, err
	}
	return scheduler.NewTask(tc.Name, action, p,
		scheduler.WithLocation(a.sched.Location()),
		scheduler.WithLogger(a.logs.Logger().With(logx.String("comp", "scheduler"))),
		scheduler.WithClock(a.clock),
		scheduler.WithTimeout(timeout),
		scheduler.WithEnabled(tc.IsEnabled()),
	), nil
}

func (a *App) logReadings(context.Context) error {
	latest := a.ctrl.Latest()
	if len(latest) == 0 {
		a.log.Info("No readings yet")
		return nil
	}
	fields := make([]logx.Field, 0, len(latest))
	for _, k := range sortedKinds(latest) {
		fields = append(fields, logx.Float64(string(k), latest[k].Value))
	}
	a.log.Info("Latest readings", fields...)
	return nil
}

type summary struct {
	n             int
	min, max, sum float64
}

func (s *summary) add(v float64) {
	if s.n == 0 {
		s.min, s.max = v, v
	}
	s.min = math.Min(s.min, v)
	s.max = math.Max(s.max, v)
	s.sum += v
	s.n++
}

func (a *App) dailyReport(ctx context.Context) error {
	if a.store == nil {
		return errors.New("daily_report: storage disabled")
	}
	now := a.clock.Now()
	recs, err := a.store.ReadingsSince(ctx, "", now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("daily_report: %w", err)
	}
	alerts, err := a.store.AlertsSince(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("daily_report: %w", err)
	}
	text := formatReport(now, recs, len(alerts))

	err = a.notif.Notify(ctx, notifier.Notification{
		Key:      "report.daily." + now.Format(time.DateOnly),
		Text:     text,
		Priority: notifier.PriorityInfo,
	})
	if errors.Is(err, notifier.ErrDisabled) {
		a.log.Info("Daily report", logx.String("report", text))
		return nil
	}
	return err
}

func formatReport(now time.Time, recs []storage.ReadingRecord, alerts int) string {
	byKind := map[sensor.Kind]*summary{}
	for _, r := range recs {
		s := byKind[r.Kind]
		if s == nil {
			s = &summary{}
			byKind[r.Kind] = s
		}
		s.add(r.Value)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "GreenBox daily report (%s)\n", now.Format("2006-01-02 15:04"))
	if len(byKind) == 0 {
		b.WriteString("No readings in the last 24h.\n")
	}
	for _, k := range sortedKinds(byKind) {
		s := byKind[k]
		fmt.Fprintf(&b, "%s: min %.1f%s, avg %.1f%s, max %.1f%s (%d samples)\n",
			k, s.min, k.Unit(), s.sum/float64(s.n), k.Unit(), s.max, k.Unit(), s.n)
	}
	fmt.Fprintf(&b, "Alerts: %d", alerts)
	return b.String()
}

func (a *App) pruneHistory(ctx context.Context) error {
	if a.store == nil {
		return errors.New("prune_history: storage disabled")
	}
	a.mu.Lock()
	retention := a.retention
	a.mu.Unlock()

	cutoff := a.clock.Now().Add(-retention)
	n, err := a.store.PruneBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("prune_history: %w", err)
	}
	a.log.Info("history pruned", logx.Int64("removed", n), logx.Time("before", cutoff))
	return nil
}

func sortedKinds[V any](m map[sensor.Kind]V) []sensor.Kind {
	out := make([]sensor.Kind, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}
