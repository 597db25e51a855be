package app

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"greenbox/internal/config"
	"greenbox/internal/sensor"
	"greenbox/internal/storage"
	logx "greenbox/pkg/logx"
	"greenbox/pkg/systemd"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type sdRecorder struct {
	mu     sync.Mutex
	states []string
}

func (r *sdRecorder) notifier() *systemd.Notifier {
	return systemd.New(logx.Nop()).WithFuncs(func(state string) (bool, error) {
		r.mu.Lock()
		r.states = append(r.states, state)
		r.mu.Unlock()
		return true, nil
	}, func() (time.Duration, error) { return 0, nil })
}

func (r *sdRecorder) seen(state string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s == state {
			return true
		}
	}
	return false
}

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func baseYAML(dir string) string {
	return `
logging:
  level: error
  console: false
  file:
    enabled: true
    path: ` + filepath.Join(dir, "greenbox.log") + `
controller:
  cycle_interval: 20ms
  max_temp: 30
storage:
  driver: file
  path: ` + filepath.Join(dir, "data") + `
notifier:
  enabled: true
  rate_per_sec: 100
systemd:
  notify: true
scheduler:
  tasks:
    - name: readings
      action: log_readings
      every: 10ms
    - name: report
      action: daily_report
      at: "23:59"
      enabled: false
`
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestAppLifecycle(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, baseYAML(dir))

	sender := &recordingSender{}
	sd := &sdRecorder{}
	a, err := NewApp(path,
		WithSensors(
			sensor.Static{SensorKind: sensor.Temperature, Value: 35},
			sensor.Static{SensorKind: sensor.Humidity, Value: 55},
		),
		WithSender(sender),
		WithSystemd(sd.notifier()),
	)
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if n := a.Scheduler().Len(); n != 2 {
		t.Fatalf("registered tasks = %d, want 2", n)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !sd.seen("READY=1") {
		t.Fatal("READY=1 not sent")
	}

	// The temperature alert reaches the chat transport through the bus.
	waitFor(t, func() bool {
		for _, m := range sender.messages() {
			if strings.Contains(m, "Temperature too high: 35.0°C") {
				return true
			}
		}
		return false
	})
	waitFor(t, func() bool {
		recs, err := a.store.ReadingsSince(context.Background(), sensor.Temperature, time.Time{})
		return err == nil && len(recs) > 0
	})
	if err := a.health(); err != nil {
		t.Fatalf("health: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Stop(ctx, StopSIGTERM); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if a.Controller().Running() {
		t.Fatal("controller still running after Stop")
	}
	if !sd.seen("STOPPING=1") {
		t.Fatal("STOPPING=1 not sent")
	}
	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
}

func TestNewAppMissingConfigUsesDefaults(t *testing.T) {
	// Defaults log to ./greenbox.log.
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(t.TempDir()); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	t.Cleanup(func() { _ = os.Chdir(wd) })

	a, err := NewApp("does-not-exist.yaml")
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	defer a.logs.Close()

	cfg := a.Config()
	if cfg.Controller.CycleInterval != config.DefaultCycleInterval.String() {
		t.Fatalf("cycle_interval = %q", cfg.Controller.CycleInterval)
	}
	if a.store != nil {
		t.Fatal("storage enabled without config")
	}
	if a.Scheduler().Len() != 0 {
		t.Fatal("tasks registered without config")
	}
}

func TestNewAppRejectsBadConfig(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := writeConfig(t, dir, `
scheduler:
  tasks:
    - name: x
      action: water_plants
      every: 1m
`)
	if _, err := NewApp(path); err == nil || !strings.Contains(err.Error(), "unknown action") {
		t.Fatalf("err = %v, want unknown action", err)
	}
}

func TestValidateTasks(t *testing.T) {
	t.Parallel()
	disabled := false
	tests := []struct {
		name    string
		cfg     *config.Config
		wantErr string
	}{
		{
			name: "known action without storage",
			cfg:  &config.Config{Scheduler: config.SchedulerConfig{Tasks: []config.TaskConfig{{Name: "l", Action: "log_readings", Every: "1m"}}}},
		},
		{
			name:    "report needs storage",
			cfg:     &config.Config{Scheduler: config.SchedulerConfig{Tasks: []config.TaskConfig{{Name: "r", Action: "daily_report", At: "08:00"}}}},
			wantErr: "requires storage",
		},
		{
			name: "disabled report without storage",
			cfg:  &config.Config{Scheduler: config.SchedulerConfig{Tasks: []config.TaskConfig{{Name: "r", Action: "daily_report", At: "08:00", Enabled: &disabled}}}},
		},
		{
			name: "prune with storage",
			cfg: &config.Config{
				Storage:   &config.StorageConfig{Driver: "file", Path: "/tmp/x"},
				Scheduler: config.SchedulerConfig{Tasks: []config.TaskConfig{{Name: "p", Action: "prune_history", Every: "24h"}}},
			},
		},
		{
			name:    "unknown action",
			cfg:     &config.Config{Scheduler: config.SchedulerConfig{Tasks: []config.TaskConfig{{Name: "x", Action: "reboot", Every: "1m"}}}},
			wantErr: "unknown action",
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateTasks(tt.cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected err: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestPlan(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{Scheduler: config.SchedulerConfig{Tasks: []config.TaskConfig{
		{Name: "readings", Action: "log_readings", Every: "5m", Timeout: "10s"},
		{Name: "both", Action: "log_readings", Every: "1h", At: "07:30"},
	}}}
	plan, err := Plan(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if len(plan) != 2 {
		t.Fatalf("plan = %+v", plan)
	}
	if plan[0].Timeout != 10*time.Second || !plan[0].Enabled {
		t.Fatalf("plan[0] = %+v", plan[0])
	}
	if !strings.Contains(plan[1].Policy, "1h") {
		t.Fatalf("interval should win over daily: %q", plan[1].Policy)
	}
}

func TestFormatReport(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)
	recs := []storage.ReadingRecord{
		{Kind: sensor.Temperature, Value: 18},
		{Kind: sensor.Temperature, Value: 22},
		{Kind: sensor.Humidity, Value: 50},
	}
	got := formatReport(now, recs, 3)
	for _, want := range []string{
		"GreenBox daily report (2024-05-01 08:00)",
		"temperature: min 18.0°C, avg 20.0°C, max 22.0°C (2 samples)",
		"humidity: min 50.0%, avg 50.0%, max 50.0% (1 samples)",
		"Alerts: 3",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("report missing %q:\n%s", want, got)
		}
	}
	if empty := formatReport(now, nil, 0); !strings.Contains(empty, "No readings") {
		t.Errorf("empty report = %q", empty)
	}
}

func TestSyncTasksKeepsUnchanged(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, baseYAML(dir)), WithSender(&recordingSender{}))
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()
	defer a.logs.Close()

	before := a.tasks["readings"].task
	enabled := true
	next := []config.TaskConfig{
		{Name: "readings", Action: "log_readings", Every: "10ms"},
		{Name: "report", Action: "daily_report", At: "23:59", Enabled: &enabled},
		{Name: "prune", Action: "prune_history", Every: "24h"},
	}
	if err := a.syncTasks(next); err != nil {
		t.Fatal(err)
	}
	if a.tasks["readings"].task != before {
		t.Fatal("unchanged task was rebuilt")
	}
	if !a.tasks["report"].task.Enabled() {
		t.Fatal("report not enabled in place")
	}
	if a.Scheduler().Len() != 3 {
		t.Fatalf("tasks = %d, want 3", a.Scheduler().Len())
	}

	if err := a.syncTasks(next[:1]); err != nil {
		t.Fatal(err)
	}
	if a.Scheduler().Len() != 1 {
		t.Fatalf("tasks after removal = %d, want 1", a.Scheduler().Len())
	}
}

func TestPruneHistoryTask(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a, err := NewApp(writeConfig(t, dir, baseYAML(dir)), WithSender(&recordingSender{}))
	if err != nil {
		t.Fatal(err)
	}
	defer a.store.Close()
	defer a.logs.Close()

	ctx := context.Background()
	old := time.Now().Add(-60 * 24 * time.Hour)
	if err := a.store.AppendReading(ctx, sensor.Reading{Kind: sensor.Temperature, Value: 20, At: old}); err != nil {
		t.Fatal(err)
	}
	if err := a.store.AppendReading(ctx, sensor.Reading{Kind: sensor.Temperature, Value: 21, At: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := a.pruneHistory(ctx); err != nil {
		t.Fatal(err)
	}
	recs, err := a.store.ReadingsSince(ctx, "", time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Value != 21 {
		t.Fatalf("records after prune = %+v", recs)
	}
}

func TestSenderChanged(t *testing.T) {
	t.Parallel()
	a := &config.Config{}
	b := &config.Config{Notifier: &config.NotifierConfig{TelegramToken: "t", ChatID: 1}}
	if !senderChanged(a, b) {
		t.Fatal("token added not detected")
	}
	if senderChanged(b, b) {
		t.Fatal("identical config reported as changed")
	}
}
