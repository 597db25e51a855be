package metrics

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	b, err := io.ReadAll(rec.Result().Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(b)
}

func TestObservers(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveReading(sensor.Reading{Kind: sensor.Temperature, Value: 21.5})
	m.ObserveReadError(sensor.Humidity)
	m.ObserveAlert(eventbus.Alert{Key: "temperature.high"})
	m.ObserveAlert(eventbus.Alert{Key: "temperature.high"})
	m.ObserveCycle(3 * time.Millisecond)
	m.TaskFinished("water", time.Millisecond, nil)
	m.TaskFinished("water", time.Millisecond, errors.New("pump offline"))
	m.SweepFinished(2, time.Millisecond)

	out := scrape(t, m)
	for _, want := range []string{
		`greenbox_sensor_value{kind="temperature"} 21.5`,
		`greenbox_sensor_read_errors_total{kind="humidity"} 1`,
		`greenbox_alerts_total{key="temperature.high"} 2`,
		`greenbox_task_runs_total{result="ok",task="water"} 1`,
		`greenbox_task_runs_total{result="error",task="water"} 1`,
		`greenbox_sweeps_total 1`,
		`greenbox_sweep_tasks_ran 2`,
		`greenbox_cycle_duration_seconds_count 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
}

func TestCountNotifierEvents(t *testing.T) {
	t.Parallel()
	m := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.CountNotifierEvents(ctx, bus) }()

	deadline := time.Now().Add(2 * time.Second)
	for !strings.Contains(scrape(t, m), `greenbox_notifications_total{event="sent"}`) {
		if time.Now().After(deadline) {
			t.Fatal("notifier event not counted")
		}
		bus.Publish(eventbus.Event{Type: eventbus.TypeReading})
		bus.Publish(eventbus.Event{Type: "notifier.sent"})
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if strings.Contains(scrape(t, m), `event="reading"`) {
		t.Fatal("non-notifier event counted")
	}
}
