package sched

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

// testClock is shared by the service and the store so advancing it makes a
// freshly created schedule due without waiting for wall-clock time.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	c.offset += d
	c.mu.Unlock()
}

func newTestService(t *testing.T, hooks Hooks) (*Service, *storage.Store, *testClock) {
	t.Helper()
	clk := &testClock{}
	st, err := storage.Open(storage.Config{
		Path:  filepath.Join(t.TempDir(), "sched.db"),
		Clock: clk.now,
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	svc := New(Config{Enabled: true, PollInterval: time.Second}, st, hooks, logx.Nop(), eventbus.New())
	svc.now = clk.now
	return svc, st, clk
}

func addDaily(t *testing.T, st *storage.Store, key string) storage.Schedule {
	t.Helper()
	sc, err := st.Upsert(context.Background(), storage.UpsertParams{
		Key:        key,
		Name:       "Daily " + key,
		Task:       "daily",
		Recurrence: "daily",
		TimeOfDay:  "07:00",
		Enabled:    true,
	})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	return sc
}

func TestTickDispatchesDueSchedule(t *testing.T) {
	var launched atomic.Int64
	hooks := Hooks{
		OnJobDue: func(sc storage.Schedule) bool {
			launched.Store(sc.ID)
			return true
		},
	}
	svc, st, clk := newTestService(t, hooks)
	sc := addDaily(t, st, "daily-report")
	clk.advance(48 * time.Hour)

	svc.tick()

	if launched.Load() != sc.ID {
		t.Fatalf("launched = %d, want %d", launched.Load(), sc.ID)
	}
	if svc.ActiveID() != sc.ID {
		t.Fatalf("active = %d, want %d", svc.ActiveID(), sc.ID)
	}
	got, err := st.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != storage.StatusRunning {
		t.Fatalf("last_status = %q, want running", got.LastStatus)
	}
}

func TestTickSingleFlight(t *testing.T) {
	var calls atomic.Int32
	hooks := Hooks{
		OnJobDue: func(storage.Schedule) bool {
			calls.Add(1)
			return true
		},
	}
	svc, st, clk := newTestService(t, hooks)
	addDaily(t, st, "first")
	addDaily(t, st, "second")
	clk.advance(48 * time.Hour)

	svc.tick()
	// Second tick while the first run is still in flight must not dispatch.
	svc.tick()

	if n := calls.Load(); n != 1 {
		t.Fatalf("dispatched %d times, want 1", n)
	}
}

func TestTickRespectsCanStart(t *testing.T) {
	var calls atomic.Int32
	hooks := Hooks{
		CanStart: func() bool { return false },
		OnJobDue: func(storage.Schedule) bool {
			calls.Add(1)
			return true
		},
	}
	svc, st, clk := newTestService(t, hooks)
	sc := addDaily(t, st, "blocked")
	clk.advance(48 * time.Hour)

	svc.tick()

	if calls.Load() != 0 {
		t.Fatalf("dispatched while host busy")
	}
	if svc.ActiveID() != 0 {
		t.Fatalf("active = %d, want 0", svc.ActiveID())
	}
	// The slot is untouched so the schedule stays due for the next tick.
	got, err := st.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.Equal(*sc.NextRun) {
		t.Fatalf("next_run moved: %v -> %v", sc.NextRun, got.NextRun)
	}
}

func TestTickLaunchDeclinedLeavesScheduleDue(t *testing.T) {
	var calls atomic.Int32
	hooks := Hooks{OnJobDue: func(storage.Schedule) bool {
		calls.Add(1)
		return false
	}}
	svc, st, clk := newTestService(t, hooks)
	sc := addDaily(t, st, "declined")
	addDaily(t, st, "waiting")
	clk.advance(48 * time.Hour)

	svc.tick()

	// A declined launch ends the tick: no fallthrough to the next due schedule.
	if n := calls.Load(); n != 1 {
		t.Fatalf("launch attempted %d times in one tick, want 1", n)
	}
	if svc.ActiveID() != 0 {
		t.Fatalf("active not cleared after declined launch")
	}
	// The attempt is not closed out: no failure recorded, next_run untouched,
	// so the schedule is retried on the next tick.
	got, err := st.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus == storage.StatusFailed {
		t.Fatalf("declined launch recorded as failed attempt")
	}
	if got.NextRun == nil || !got.NextRun.Equal(*sc.NextRun) {
		t.Fatalf("next_run moved: %v -> %v", sc.NextRun, got.NextRun)
	}

	svc.tick()
	if n := calls.Load(); n != 2 {
		t.Fatalf("schedule not retried on the next tick (calls = %d)", n)
	}
}

func TestTickSurvivesPanickingHook(t *testing.T) {
	hooks := Hooks{OnJobDue: func(storage.Schedule) bool { panic("boom") }}
	svc, st, clk := newTestService(t, hooks)
	sc := addDaily(t, st, "panicky")
	clk.advance(48 * time.Hour)

	svc.tick()

	if svc.ActiveID() != 0 {
		t.Fatalf("active not cleared after panic")
	}
	// A panicking launch closes the attempt as failed and advances the slot.
	got, err := st.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != storage.StatusFailed {
		t.Fatalf("last_status = %q, want failed", got.LastStatus)
	}
	if got.NextRun == nil || !got.NextRun.After(clk.now()) {
		t.Fatalf("next_run = %v, want after %v", got.NextRun, clk.now())
	}
}

func TestMarkRunCompleteReleasesAndAdvances(t *testing.T) {
	hooks := Hooks{OnJobDue: func(storage.Schedule) bool { return true }}
	svc, st, clk := newTestService(t, hooks)
	sc := addDaily(t, st, "complete")
	clk.advance(48 * time.Hour)

	svc.tick()
	if svc.ActiveID() != sc.ID {
		t.Fatalf("schedule not dispatched")
	}

	if err := svc.MarkRunComplete(context.Background(), sc.ID, true, "Completed successfully", "/logs/run.log"); err != nil {
		t.Fatalf("mark complete: %v", err)
	}
	if svc.ActiveID() != 0 {
		t.Fatalf("active not cleared")
	}
	got, err := st.Get(context.Background(), sc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.LastStatus != storage.StatusSuccess {
		t.Fatalf("last_status = %q, want success", got.LastStatus)
	}
	if got.LastLogPath != "/logs/run.log" {
		t.Fatalf("last_log_path = %q", got.LastLogPath)
	}
	if got.NextRun == nil || !got.NextRun.After(clk.now()) {
		t.Fatalf("next_run = %v, want after %v", got.NextRun, clk.now())
	}
}

func TestDisabledServiceDoesNotDispatch(t *testing.T) {
	var calls atomic.Int32
	hooks := Hooks{OnJobDue: func(storage.Schedule) bool { calls.Add(1); return true }}
	svc, st, clk := newTestService(t, hooks)
	addDaily(t, st, "off")
	clk.advance(48 * time.Hour)

	svc.Apply(Config{Enabled: false})
	svc.tick()

	if calls.Load() != 0 {
		t.Fatalf("dispatched while disabled")
	}
}

func TestStartStopIdempotent(t *testing.T) {
	svc, _, _ := newTestService(t, Hooks{})

	svc.Start()
	svc.Start()
	snap := svc.Snapshot()
	if !snap.Running {
		t.Fatalf("not running after Start")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	svc.Stop(ctx)
	svc.Stop(ctx)
	if svc.Snapshot().Running {
		t.Fatalf("still running after Stop")
	}
}

func TestApplyStartsAndStops(t *testing.T) {
	svc, _, _ := newTestService(t, Hooks{})

	svc.Apply(Config{Enabled: true, PollInterval: time.Second})
	if !svc.Snapshot().Running {
		t.Fatalf("Apply(enabled) did not start the loop")
	}
	svc.Apply(Config{Enabled: false})
	if svc.Snapshot().Running {
		t.Fatalf("Apply(disabled) did not stop the loop")
	}
}
