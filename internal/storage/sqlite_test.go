package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"reportd/internal/recurrence"
	logx "reportd/pkg/logx"
)

func newTestStore(t *testing.T) (*Store, func(string)) {
	t.Helper()
	st, err := Open(Config{Path: filepath.Join(t.TempDir(), "reportd.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	setNow := func(s string) {
		at, err := time.ParseInLocation(recurrence.Timestamp, s, time.Local)
		if err != nil {
			t.Fatalf("bad test clock %q: %v", s, err)
		}
		st.now = func() time.Time { return at }
	}
	setNow("2025-06-15 08:00:00")
	return st, setNow
}

func ts(t *testing.T, s string) time.Time {
	t.Helper()
	at, err := time.ParseInLocation(recurrence.Timestamp, s, time.Local)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return at
}

func dailyParams() UpsertParams {
	return UpsertParams{
		Key:           "marketing_reports",
		Name:          "Marketing Reports",
		Task:          "all",
		Recurrence:    "daily",
		TimeOfDay:     "07:00",
		StartDate:     "2025-06-15",
		RunForDaysAgo: 1,
		Enabled:       true,
	}
}

func TestUpsertComputesFutureNextRun(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if sc.NextRun == nil {
		t.Fatal("next_run not set")
	}
	// Reference 08:00 is past today's 07:00 anchor, so tomorrow it is.
	if want := ts(t, "2025-06-16 07:00:00"); !sc.NextRun.Equal(want) {
		t.Fatalf("next_run = %v, want %v", sc.NextRun, want)
	}
	if !sc.Enabled || sc.ID == 0 || sc.CreatedAt.IsZero() {
		t.Fatalf("unexpected row: %+v", sc)
	}
}

func TestUpsertRejectsUnknownRecurrence(t *testing.T) {
	st, _ := newTestStore(t)
	params := dailyParams()
	params.Recurrence = "fortnightly"
	_, err := st.Upsert(context.Background(), params)
	if !errors.Is(err, ErrInvalidRecurrence) {
		t.Fatalf("err = %v, want ErrInvalidRecurrence", err)
	}
}

func TestHandEditedRecurrenceStillAdvances(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	// Corrupt the persisted rule behind the API's back; advancing must fall
	// back to daily stepping instead of panicking mid due-check.
	if _, err := st.db.ExecContext(ctx,
		`UPDATE schedules SET recurrence = 'fortnightly' WHERE id = ?`, sc.ID); err != nil {
		t.Fatalf("corrupt row: %v", err)
	}

	setNow("2025-06-17 08:00:00")
	next, err := st.BumpNextRun(ctx, sc.ID, ts(t, "2025-06-17 08:00:00"))
	if err != nil {
		t.Fatalf("BumpNextRun: %v", err)
	}
	if want := ts(t, "2025-06-18 07:00:00"); !next.Equal(want) {
		t.Fatalf("next_run = %v, want %v", next, want)
	}

	if _, err := st.MarkCompleted(ctx, sc.ID, true, "Completed successfully", ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
}

func TestUpsertIsIdempotentByKey(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	first, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	params := dailyParams()
	params.Name = "Marketing Reports (renamed)"
	second, err := st.Upsert(ctx, params)
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("id changed: %d -> %d", first.ID, second.ID)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if second.Name != params.Name {
		t.Fatalf("name = %q", second.Name)
	}

	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 schedule, got %d", len(all))
	}
}

func TestUpsertPreservesRunHistory(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := st.MarkCompleted(ctx, sc.ID, true, "done", "/logs/run1.log"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}

	again, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("second Upsert: %v", err)
	}
	if again.LastStatus != StatusSuccess || again.LastLogPath != "/logs/run1.log" {
		t.Fatalf("run history lost: %+v", again)
	}
}

func TestSetEnabledKeepsNextRun(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.SetEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	got, err := st.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Enabled {
		t.Fatal("still enabled")
	}
	if got.NextRun == nil || !got.NextRun.Equal(*sc.NextRun) {
		t.Fatalf("next_run changed: %v -> %v", sc.NextRun, got.NextRun)
	}
}

func TestDueFiltersDisabledAndFuture(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	pastEnabled, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	params := dailyParams()
	params.Key = "order_reports"
	params.Name = "Order Reports"
	pastDisabled, err := st.Upsert(ctx, params)
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.SetEnabled(ctx, pastDisabled.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}

	params = dailyParams()
	params.Key = "weekly_digest"
	params.StartDate = "2025-07-01"
	if _, err := st.Upsert(ctx, params); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	// Move past the first two schedules' next_run but not the July one.
	setNow("2025-06-16 07:01:00")
	due, err := st.Due(ctx, ts(t, "2025-06-16 07:01:00"))
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 || due[0].ID != pastEnabled.ID {
		t.Fatalf("due = %+v, want only schedule %d", due, pastEnabled.ID)
	}
}

func TestDueIgnoresDisabledEvenWhenLongOverdue(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.SetEnabled(ctx, sc.ID, false); err != nil {
		t.Fatalf("SetEnabled: %v", err)
	}
	due, err := st.Due(ctx, ts(t, "2030-01-01 00:00:00"))
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("disabled schedule reported due: %+v", due)
	}
}

func TestBumpNextRunAdvances(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	after := ts(t, "2025-06-20 12:00:00")
	next, err := st.BumpNextRun(ctx, sc.ID, after)
	if err != nil {
		t.Fatalf("BumpNextRun: %v", err)
	}
	want := ts(t, "2025-06-21 07:00:00")
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}
	got, err := st.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.NextRun == nil || !got.NextRun.Equal(want) {
		t.Fatalf("persisted next_run = %v", got.NextRun)
	}
}

func TestMarkRunningLeavesNextRun(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	setNow("2025-06-16 07:01:00")
	if err := st.MarkRunning(ctx, sc.ID, "Triggered automatically"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	got, err := st.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastStatus != StatusRunning || got.LastMessage != "Triggered automatically" {
		t.Fatalf("unexpected row: %+v", got)
	}
	if got.LastRun == nil || !got.LastRun.Equal(ts(t, "2025-06-16 07:01:00")) {
		t.Fatalf("last_run = %v", got.LastRun)
	}
	if !got.NextRun.Equal(*sc.NextRun) {
		t.Fatalf("next_run moved: %v -> %v", sc.NextRun, got.NextRun)
	}
}

func TestMarkCompletedFailureStillAdvances(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	before := *sc.NextRun

	setNow("2025-06-16 07:05:00")
	next, err := st.MarkCompleted(ctx, sc.ID, false, "finished with issues", "")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if !next.After(before) {
		t.Fatalf("next_run did not advance: %v -> %v", before, next)
	}
	got, err := st.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastStatus != StatusFailed {
		t.Fatalf("status = %q", got.LastStatus)
	}
}

func TestMarkCompletedKeepsPreviousLogPath(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	setNow("2025-06-16 07:05:00")
	if _, err := st.MarkCompleted(ctx, sc.ID, true, "ok", "/logs/first.log"); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	setNow("2025-06-17 07:05:00")
	if _, err := st.MarkCompleted(ctx, sc.ID, false, "boom", ""); err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	got, err := st.Get(ctx, sc.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.LastLogPath != "/logs/first.log" {
		t.Fatalf("log path = %q, want previous retained", got.LastLogPath)
	}
}

func TestDailyEndToEndCycle(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if want := ts(t, "2025-06-16 07:00:00"); !sc.NextRun.Equal(want) {
		t.Fatalf("initial next_run = %v", sc.NextRun)
	}

	// Tomorrow 07:01: the schedule is due.
	due, err := st.Due(ctx, ts(t, "2025-06-16 07:01:00"))
	if err != nil {
		t.Fatalf("Due: %v", err)
	}
	if len(due) != 1 {
		t.Fatalf("due = %+v", due)
	}

	setNow("2025-06-16 07:01:00")
	if err := st.MarkRunning(ctx, sc.ID, "Triggered automatically"); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	setNow("2025-06-16 07:20:00")
	next, err := st.MarkCompleted(ctx, sc.ID, true, "completed successfully", "/logs/x.log")
	if err != nil {
		t.Fatalf("MarkCompleted: %v", err)
	}
	if wantNext := ts(t, "2025-06-17 07:00:00"); !next.Equal(wantNext) {
		t.Fatalf("next = %v, want %v", next, wantNext)
	}
}

func TestDeleteAndNotFound(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	sc, err := st.Upsert(ctx, dailyParams())
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := st.Delete(ctx, sc.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := st.Get(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get after delete: %v", err)
	}
	if err := st.Delete(ctx, sc.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second Delete: %v", err)
	}
	if err := st.SetEnabled(ctx, sc.ID, true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("SetEnabled on missing: %v", err)
	}
}

func TestListOrderedByCreation(t *testing.T) {
	st, setNow := newTestStore(t)
	ctx := context.Background()

	if _, err := st.Upsert(ctx, dailyParams()); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	setNow("2025-06-15 09:00:00")
	params := dailyParams()
	params.Key = "order_reports"
	if _, err := st.Upsert(ctx, params); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	all, err := st.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 2 || all[0].Key != "marketing_reports" || all[1].Key != "order_reports" {
		t.Fatalf("order wrong: %+v", all)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	if err := st.SetSetting(ctx, "SPREAD_SHEET_NAME", "Marketing 2025"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	v, ok, err := st.GetSetting(ctx, "SPREAD_SHEET_NAME")
	if err != nil || !ok || v != "Marketing 2025" {
		t.Fatalf("GetSetting = %q/%v/%v", v, ok, err)
	}

	if err := st.SetSettings(ctx, map[string]string{
		"WORK_SHEET_NAME":      "Daily",
		"ORDER_TYPE_SHEET_URL": "https://example.test/sheet",
	}); err != nil {
		t.Fatalf("SetSettings: %v", err)
	}
	got, err := st.GetSettings(ctx, []string{"WORK_SHEET_NAME", "ORDER_TYPE_SHEET_URL", "MISSING"})
	if err != nil {
		t.Fatalf("GetSettings: %v", err)
	}
	if got["WORK_SHEET_NAME"] != "Daily" || got["ORDER_TYPE_SHEET_URL"] != "https://example.test/sheet" || got["MISSING"] != "" {
		t.Fatalf("GetSettings = %+v", got)
	}
}

func TestGetSettingSeedsFromEnv(t *testing.T) {
	st, _ := newTestStore(t)
	ctx := context.Background()

	t.Setenv("REPORTD_TEST_SEEDED_KEY", "from-env")
	v, ok, err := st.GetSetting(ctx, "REPORTD_TEST_SEEDED_KEY")
	if err != nil || !ok || v != "from-env" {
		t.Fatalf("GetSetting = %q/%v/%v", v, ok, err)
	}

	// Seeded into the DB: env changes no longer win.
	t.Setenv("REPORTD_TEST_SEEDED_KEY", "changed")
	v, ok, err = st.GetSetting(ctx, "REPORTD_TEST_SEEDED_KEY")
	if err != nil || !ok || v != "from-env" {
		t.Fatalf("GetSetting after seed = %q/%v/%v", v, ok, err)
	}
}
