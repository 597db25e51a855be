package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	logx "greenbox/pkg/logx"
)

func newTestScheduler(clk Clock, opts ...Option) *Scheduler {
	opts = append([]Option{WithSchedulerClock(clk)}, opts...)
	return New(Config{Timezone: "UTC"}, logx.Nop(), opts...)
}

func TestIntervalScenario(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	s := newTestScheduler(clk)
	n := 0
	s.ScheduleInterval("water", counting(&n), 5*time.Second)

	steps := []struct {
		at   time.Duration
		want int
	}{
		{at: 0, want: 1},
		{at: 3 * time.Second, want: 1},
		{at: 6 * time.Second, want: 2},
	}
	for _, st := range steps {
		clk.Set(day0.Add(st.at))
		s.ProcessDueTasks(context.Background())
		if n != st.want {
			t.Fatalf("t=%v: count = %d, want %d", st.at, n, st.want)
		}
	}
}

func TestDailyScenario(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	s := newTestScheduler(clk)
	n := 0
	s.ScheduleDaily("report", counting(&n), 8, 0)

	steps := []struct {
		at   time.Time
		want int
	}{
		{at: day0.Add(7*time.Hour + 59*time.Minute), want: 0},
		{at: day0.Add(8 * time.Hour), want: 1},
		{at: day0.Add(9 * time.Hour), want: 1},
		{at: day0.AddDate(0, 0, 1).Add(8*time.Hour + time.Minute), want: 2},
	}
	for _, st := range steps {
		clk.Set(st.at)
		s.ProcessDueTasks(context.Background())
		if n != st.want {
			t.Fatalf("%v: count = %d, want %d", st.at, n, st.want)
		}
	}
}

func TestFailingTaskRetriedEverySweep(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	s := newTestScheduler(clk)
	calls := 0
	task := s.ScheduleInterval("flaky", func(context.Context) error {
		calls++
		return errors.New("relay offline")
	}, 10*time.Second)

	for i := 0; i < 3; i++ {
		s.ProcessDueTasks(context.Background())
		clk.Advance(10 * time.Second)
	}
	if calls != 3 {
		t.Fatalf("action invoked %d times, want 3", calls)
	}
	if _, ok := task.LastRun(); ok {
		t.Fatal("last run set despite failures")
	}
	if info := task.Info(); info.Failures != 3 {
		t.Fatalf("Failures = %d, want 3", info.Failures)
	}
}

func TestFailureDoesNotStopLaterTasks(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	s := newTestScheduler(clk)
	var order []string
	s.ScheduleInterval("first", func(context.Context) error {
		order = append(order, "first")
		panic("bad wiring")
	}, time.Minute)
	s.ScheduleInterval("second", func(context.Context) error {
		order = append(order, "second")
		return errors.New("no water")
	}, time.Minute)
	s.ScheduleInterval("third", func(context.Context) error {
		order = append(order, "third")
		return nil
	}, time.Minute)

	s.ProcessDueTasks(context.Background())
	if fmt.Sprint(order) != "[first second third]" {
		t.Fatalf("run order = %v", order)
	}
}

func TestRemoveTask(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	s := newTestScheduler(clk)
	removed, kept := 0, 0
	s.ScheduleInterval("mist", counting(&removed), time.Second)
	s.ScheduleInterval("fan", counting(&kept), time.Second)
	s.ScheduleInterval("mist", counting(&removed), time.Second)

	s.RemoveTask("mist")
	s.RemoveTask("does-not-exist")
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}

	s.ProcessDueTasks(context.Background())
	if removed != 0 {
		t.Fatalf("removed task ran %d times", removed)
	}
	if kept != 1 {
		t.Fatalf("kept task ran %d times, want 1", kept)
	}
}

func TestSweepRunsInRegistrationOrder(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0.Add(12 * time.Hour))
	s := newTestScheduler(clk)
	var order []string
	rec := func(name string) Action {
		return func(context.Context) error {
			order = append(order, name)
			return nil
		}
	}
	s.ScheduleDaily("c", rec("c"), 6, 0)
	s.ScheduleInterval("a", rec("a"), time.Hour)
	s.ScheduleDaily("late", rec("late"), 23, 0)
	s.ScheduleInterval("b", rec("b"), time.Hour)

	s.ProcessDueTasks(context.Background())
	if fmt.Sprint(order) != "[c a b]" {
		t.Fatalf("order = %v, want [c a b]", order)
	}
}

func TestConcurrentAddAndSweep(t *testing.T) {
	t.Parallel()
	s := newTestScheduler(SystemClock())
	const (
		writers = 8
		perW    = 200
	)

	ctx, cancel := context.WithCancel(context.Background())
	var sweeps sync.WaitGroup
	sweeps.Add(1)
	go func() {
		defer sweeps.Done()
		for ctx.Err() == nil {
			s.ProcessDueTasks(ctx)
		}
	}()

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perW; i++ {
				name := fmt.Sprintf("t-%d-%d", w, i)
				s.AddTask(NewTask(name, func(context.Context) error { return nil }, Interval(time.Millisecond)))
			}
		}()
	}
	wg.Wait()
	cancel()
	sweeps.Wait()

	if got := s.Len(); got != writers*perW {
		t.Fatalf("Len = %d, want %d", got, writers*perW)
	}
	seen := map[string]bool{}
	for _, info := range s.Tasks() {
		if seen[info.Name] {
			t.Fatalf("duplicate entry %s", info.Name)
		}
		seen[info.Name] = true
	}
}

func TestAddDuringSweepWaitsForNextSweep(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	s := newTestScheduler(clk)

	entered := make(chan struct{})
	release := make(chan struct{})
	s.ScheduleInterval("slow", func(context.Context) error {
		close(entered)
		<-release
		return nil
	}, time.Hour)

	done := make(chan struct{})
	go func() {
		s.ProcessDueTasks(context.Background())
		close(done)
	}()
	<-entered

	lateRuns := 0
	added := make(chan struct{})
	go func() {
		s.AddTask(NewTask("late", counting(&lateRuns), Interval(time.Hour), WithClock(clk)))
		close(added)
	}()

	select {
	case <-added:
		t.Fatal("AddTask returned while a sweep held the lock")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
	<-added

	if lateRuns != 0 {
		t.Fatal("task added mid-sweep ran in that sweep")
	}
	s.ProcessDueTasks(context.Background())
	if lateRuns != 1 {
		t.Fatalf("late task ran %d times in next sweep, want 1", lateRuns)
	}
}

type recordingObserver struct {
	mu       sync.Mutex
	finished map[string]error
	sweeps   []int
}

func (o *recordingObserver) TaskFinished(name string, _ time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.finished == nil {
		o.finished = map[string]error{}
	}
	o.finished[name] = err
}

func (o *recordingObserver) SweepFinished(ran int, _ time.Duration) {
	o.mu.Lock()
	o.sweeps = append(o.sweeps, ran)
	o.mu.Unlock()
}

func TestObserverSeesOutcomes(t *testing.T) {
	t.Parallel()
	clk := newFakeClock(day0)
	obs := &recordingObserver{}
	s := newTestScheduler(clk, WithObserver(obs))
	s.ScheduleInterval("ok", func(context.Context) error { return nil }, time.Minute)
	s.ScheduleInterval("bad", func(context.Context) error { return errors.New("x") }, time.Minute)
	s.ScheduleDailyAt("broken", func(context.Context) error { return nil }, "99:99")

	s.ProcessDueTasks(context.Background())

	if err, ok := obs.finished["ok"]; !ok || err != nil {
		t.Fatalf("ok outcome = %v (seen=%v)", err, ok)
	}
	if err := obs.finished["bad"]; err == nil {
		t.Fatal("bad outcome should carry its error")
	}
	if _, ok := obs.finished["broken"]; ok {
		t.Fatal("task with invalid policy should not run")
	}
	if len(obs.sweeps) != 1 || obs.sweeps[0] != 2 {
		t.Fatalf("sweeps = %v, want [2]", obs.sweeps)
	}
}

func TestInvalidTimezoneFallsBackToLocal(t *testing.T) {
	t.Parallel()
	s := New(Config{Timezone: "Mars/Olympus_Mons"}, logx.Nop())
	if s.Location() != time.Local {
		t.Fatalf("Location = %v, want Local", s.Location())
	}
}
