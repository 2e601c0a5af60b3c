package runner

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/hub"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

type fakeCompleter struct {
	mu      sync.Mutex
	id      int64
	success bool
	message string
	logPath string
	called  bool
}

func (f *fakeCompleter) MarkRunComplete(_ context.Context, id int64, success bool, message, logPath string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.id = id
	f.success = success
	f.message = message
	f.logPath = logPath
	f.called = true
	return nil
}

type completion struct {
	id      int64
	success bool
	message string
	logPath string
	called  bool
}

func (f *fakeCompleter) get() completion {
	f.mu.Lock()
	defer f.mu.Unlock()
	return completion{id: f.id, success: f.success, message: f.message, logPath: f.logPath, called: f.called}
}

// shell runs a script via sh -c; the task and date args Start appends land in
// $0/$1 and are ignored.
func newShellService(t *testing.T, script string) (*Service, *fakeCompleter, string) {
	t.Helper()
	logDir := t.TempDir()
	svc := New(Config{
		Command:   "/bin/sh",
		Args:      []string{"-c", script},
		LogDir:    logDir,
		StopGrace: 200 * time.Millisecond,
	}, hub.New(0, logx.Nop()), logx.Nop(), eventbus.New())
	fc := &fakeCompleter{}
	svc.SetCompleter(fc)
	return svc, fc, logDir
}

func waitIdle(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for svc.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("run did not finish")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func waitBusy(t *testing.T, svc *Service) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !svc.Busy() {
		if time.Now().After(deadline) {
			t.Fatalf("run did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSuccessfulRunWritesLogAndCompletes(t *testing.T) {
	svc, fc, _ := newShellService(t, "echo line one; echo line two")

	if err := svc.Start("daily", "14-Jun-2025", OriginScheduled, 7); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitIdle(t, svc)

	got := fc.get()
	if !got.called {
		t.Fatalf("completer not called")
	}
	if got.id != 7 || !got.success {
		t.Fatalf("completion = id %d success %v", got.id, got.success)
	}
	if got.message != "completed successfully" {
		t.Fatalf("message = %q", got.message)
	}

	snap := svc.Snapshot()
	if snap.Running {
		t.Fatalf("still running")
	}
	if snap.LastLogPath == "" {
		t.Fatalf("no log path recorded")
	}
	b, err := os.ReadFile(snap.LastLogPath)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	body := string(b)
	if !strings.Contains(body, "Daily Report for 14-Jun-2025 (scheduled)") {
		t.Fatalf("log header missing:\n%s", body)
	}
	if !strings.Contains(body, "line one") || !strings.Contains(body, "line two") {
		t.Fatalf("log output missing:\n%s", body)
	}
}

func TestFailingRunReportsIssues(t *testing.T) {
	svc, fc, _ := newShellService(t, "echo oops; exit 3")

	if err := svc.Start("order", "14-Jun-2025", OriginScheduled, 9); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitIdle(t, svc)

	got := fc.get()
	if got.success {
		t.Fatalf("expected failure")
	}
	if got.message != "finished with issues" {
		t.Fatalf("message = %q", got.message)
	}
}

func TestManualRunSkipsCompleter(t *testing.T) {
	svc, fc, _ := newShellService(t, "true")

	if err := svc.Start("all", "14-Jun-2025", OriginManual, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitIdle(t, svc)

	if fc.get().called {
		t.Fatalf("completer called for manual run without schedule")
	}
}

func TestSecondStartRejectedWhileRunning(t *testing.T) {
	svc, _, _ := newShellService(t, "sleep 5")

	if err := svc.Start("all", "14-Jun-2025", OriginManual, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitBusy(t, svc)
	defer func() {
		svc.Stop()
		waitIdle(t, svc)
	}()

	if svc.CanStart() {
		t.Fatalf("CanStart true while running")
	}
	if err := svc.Start("all", "14-Jun-2025", OriginManual, 0); err == nil {
		t.Fatalf("second start accepted")
	}
}

func TestStopKillsProcess(t *testing.T) {
	svc, fc, _ := newShellService(t, "sleep 60")

	if err := svc.Start("daily", "14-Jun-2025", OriginScheduled, 3); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitBusy(t, svc)

	if !svc.Stop() {
		t.Fatalf("stop returned false with a run in flight")
	}
	waitIdle(t, svc)

	got := fc.get()
	if got.success {
		t.Fatalf("stopped run reported success")
	}
	if got.message != "stopped by user" {
		t.Fatalf("message = %q", got.message)
	}

	if svc.Stop() {
		t.Fatalf("stop returned true with nothing running")
	}
}

func TestOnScheduleDueDeclinesWhenBusy(t *testing.T) {
	svc, _, _ := newShellService(t, "sleep 5")

	if err := svc.Start("all", "14-Jun-2025", OriginManual, 0); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitBusy(t, svc)
	defer func() {
		svc.Stop()
		waitIdle(t, svc)
	}()

	if svc.OnScheduleDue(storage.Schedule{ID: 1, Task: "daily", RunForDaysAgo: 1}) {
		t.Fatalf("OnJobDue accepted while busy")
	}
}

func TestParseDate(t *testing.T) {
	for _, raw := range []string{"14-Jun-2025", "14-June-2025", " 14-Jun-2025 "} {
		_, formatted, err := ParseDate(raw)
		if err != nil {
			t.Fatalf("ParseDate(%q): %v", raw, err)
		}
		if formatted != "14-Jun-2025" {
			t.Fatalf("ParseDate(%q) = %q", raw, formatted)
		}
	}
	for _, raw := range []string{"", "2025-06-14", "32-Jun-2025"} {
		if _, _, err := ParseDate(raw); err == nil {
			t.Fatalf("ParseDate(%q) accepted", raw)
		}
	}
}
