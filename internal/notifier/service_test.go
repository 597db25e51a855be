package notifier

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"greenbox/internal/eventbus"
	logx "greenbox/pkg/logx"
)

type recordingSender struct {
	mu    sync.Mutex
	sent  []string
	fails int
}

func (r *recordingSender) Send(_ context.Context, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fails > 0 {
		r.fails--
		return errors.New("telegram: 502 bad gateway")
	}
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) messages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

type memDedup struct {
	mu sync.Mutex
	m  map[string]time.Time
}

func (d *memDedup) PutDedup(_ context.Context, key string, until time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.m == nil {
		d.m = map[string]time.Time{}
	}
	d.m[key] = until
	return nil
}

func (d *memDedup) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	u, ok := d.m[key]
	return u, ok, nil
}

func testConfig() Config {
	return Config{Enabled: true, RatePerSec: 1000, DedupWindow: time.Minute, RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func startService(t *testing.T, cfg Config, sender Sender, bus eventbus.Bus, store DedupStore) *Service {
	t.Helper()
	s := New(cfg, sender, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func TestNotifyDeliversWithPriorityPrefix(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{}
	s := startService(t, testConfig(), rs, nil, nil)

	if err := s.Notify(context.Background(), Notification{Key: "temperature.high", Text: "Temperature too high: 35.0°C", Priority: PriorityAlert}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	waitFor(t, func() bool { return len(rs.messages()) == 1 })
	if got := rs.messages()[0]; got != "🚨 Temperature too high: 35.0°C" {
		t.Fatalf("sent %q", got)
	}
	if h := s.History(); len(h) != 1 {
		t.Fatalf("history = %+v", h)
	}
}

func TestNotifyDedupByKey(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(16)
	defer unsub()
	s := startService(t, testConfig(), rs, bus, nil)

	ctx := context.Background()
	_ = s.Notify(ctx, Notification{Key: "humidity.low", Text: "Humidity too low: 30.0%"})
	_ = s.Notify(ctx, Notification{Key: "humidity.low", Text: "Humidity too low: 29.5%"})
	_ = s.Notify(ctx, Notification{Key: "temperature.high", Text: "Temperature too high: 31.0°C"})

	waitFor(t, func() bool { return len(rs.messages()) == 2 })
	time.Sleep(20 * time.Millisecond)
	if n := len(rs.messages()); n != 2 {
		t.Fatalf("sent %d messages, want 2", n)
	}

	deduped := 0
	for len(events) > 0 {
		if ev := <-events; ev.Type == EventDeduped {
			deduped++
		}
	}
	if deduped != 1 {
		t.Fatalf("deduped events = %d, want 1", deduped)
	}
}

func TestNotifyRetries(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{fails: 2}
	cfg := testConfig()
	cfg.RetryMax = 2
	s := startService(t, cfg, rs, nil, nil)

	if err := s.Notify(context.Background(), Notification{Text: "daily report"}); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return len(rs.messages()) == 1 })
}

func TestNotifyDisabledAndStopped(t *testing.T) {
	t.Parallel()
	s := New(Config{}, &recordingSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err = %v, want ErrDisabled", err)
	}

	s = New(testConfig(), &recordingSender{}, logx.Nop(), nil, nil)
	s.Start(context.Background())
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Stop(ctx)
	if err := s.Notify(context.Background(), Notification{Text: "x"}); !errors.Is(err, ErrStopped) {
		t.Fatalf("err = %v, want ErrStopped", err)
	}
}

func TestPersistentDedupSurvivesRestart(t *testing.T) {
	t.Parallel()
	store := &memDedup{}
	cfg := testConfig()
	cfg.PersistDedup = true

	first := &recordingSender{}
	s1 := startService(t, cfg, first, nil, store)
	_ = s1.Notify(context.Background(), Notification{Key: "light.low", Text: "Light too low: 90.0 lux"})
	waitFor(t, func() bool { return len(first.messages()) == 1 })

	second := &recordingSender{}
	s2 := startService(t, cfg, second, nil, store)
	_ = s2.Notify(context.Background(), Notification{Key: "light.low", Text: "Light too low: 80.0 lux"})
	time.Sleep(20 * time.Millisecond)
	if n := len(second.messages()); n != 0 {
		t.Fatalf("restarted service sent %d messages inside the window", n)
	}
}

func TestForwardAlerts(t *testing.T) {
	t.Parallel()
	rs := &recordingSender{}
	bus := eventbus.New()
	s := startService(t, testConfig(), rs, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Forward(ctx, bus) }()

	// Forward subscribes asynchronously; publish until it is seen.
	waitFor(t, func() bool {
		bus.Publish(eventbus.Event{Type: eventbus.TypeReading})
		bus.Publish(eventbus.Event{Type: eventbus.TypeAlert, Data: eventbus.Alert{Key: "temperature.high", Message: "Temperature too high: 33.0°C"}})
		return len(rs.messages()) > 0
	})
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Forward: %v", err)
	}
	if got := rs.messages(); len(got) != 1 || !strings.Contains(got[0], "33.0°C") {
		t.Fatalf("sent %q", got)
	}
}

func TestSplitText(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("line of report\n", 40)
	chunks := splitText(long, 100)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d", len(chunks))
	}
	for _, c := range chunks {
		if len([]rune(c)) > 100 {
			t.Fatalf("chunk too long: %d", len([]rune(c)))
		}
	}
	if got := splitText("short", 100); len(got) != 1 || got[0] != "short" {
		t.Fatalf("splitText(short) = %q", got)
	}
}

func TestRetryDelayCapped(t *testing.T) {
	t.Parallel()
	cfg := Config{RetryBase: 100 * time.Millisecond, RetryMaxDelay: time.Second}
	for attempt := 1; attempt <= 10; attempt++ {
		if d := retryDelay(cfg, attempt); d <= 0 || d > time.Second {
			t.Fatalf("retryDelay(%d) = %v", attempt, d)
		}
	}
}
