// Package runner launches report subprocesses and streams their output to the
// per-run log file and the live UI feed. One run at a time.
package runner

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/hub"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

// DateLayout is the target-date format passed to report processes.
const DateLayout = "02-Jan-2006"

const defaultStopGrace = 5 * time.Second

type Config struct {
	Command   string
	Args      []string
	Workdir   string
	LogDir    string
	StopGrace time.Duration
}

// Completer receives run outcomes. The scheduler service implements it; runs
// without a schedule id skip it.
type Completer interface {
	MarkRunComplete(ctx context.Context, id int64, success bool, message, logPath string) error
}

// Origin values for a run.
const (
	OriginManual    = "manual"
	OriginScheduled = "scheduled"
)

// Snapshot is the runner state exposed to the status endpoint.
type Snapshot struct {
	Running     bool   `json:"running"`
	CurrentTask string `json:"current_task,omitempty"`
	CurrentDate string `json:"current_date,omitempty"`
	Origin      string `json:"origin"`
	LastLogPath string `json:"last_log_path,omitempty"`
}

type Service struct {
	log logx.Logger
	hub *hub.Hub
	bus eventbus.Bus

	mu            sync.Mutex
	cfg           Config
	running       bool
	stopRequested bool
	task          string
	dateStr       string
	origin        string
	scheduleID    int64
	cmd           *exec.Cmd
	logPath       string
	lastLogPath   string

	completer Completer
}

func New(cfg Config, h *hub.Hub, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "./logs"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	return &Service{cfg: cfg, hub: h, log: log, bus: bus, origin: OriginManual}
}

// SetCompleter wires the completion sink. Called once during startup; the
// scheduler is constructed after the runner so this cannot be a New argument.
func (s *Service) SetCompleter(c Completer) {
	s.mu.Lock()
	s.completer = c
	s.mu.Unlock()
}

// Apply updates launch settings. The in-flight run, if any, keeps the
// settings it started with.
func (s *Service) Apply(cfg Config) {
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = "./logs"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = defaultStopGrace
	}
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

func (s *Service) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// CanStart is the scheduler's gate: a new job may start only when idle.
func (s *Service) CanStart() bool { return !s.Busy() }

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Running:     s.running,
		CurrentTask: s.task,
		CurrentDate: s.dateStr,
		Origin:      s.origin,
		LastLogPath: s.lastLogPath,
	}
}

// TaskName maps a task id to its display name.
func TaskName(task string) string {
	switch task {
	case "all":
		return "All reports"
	case "daily":
		return "Daily Report"
	case "order":
		return "Order Type Report"
	default:
		return "Automation"
	}
}

// ParseDate accepts DD-MMM-YYYY (and the full month name variant) and returns
// the canonical DD-MMM-YYYY string.
func ParseDate(raw string) (time.Time, string, error) {
	raw = strings.TrimSpace(raw)
	for _, layout := range []string{DateLayout, "02-January-2006"} {
		if t, err := time.ParseInLocation(layout, raw, time.Local); err == nil {
			return t, t.Format(DateLayout), nil
		}
	}
	return time.Time{}, "", fmt.Errorf("invalid date %q, want DD-MMM-YYYY", raw)
}

// OnScheduleDue is the scheduler's launch hook. Returns true if the run
// started; a false return leaves the schedule due for the next tick.
func (s *Service) OnScheduleDue(sc storage.Schedule) bool {
	if s.Busy() {
		s.hub.BroadcastLog("Scheduled job is due but another run is active. Will retry soon.\n")
		return false
	}
	daysAgo := sc.RunForDaysAgo
	if daysAgo <= 0 {
		daysAgo = 1
	}
	y, m, d := time.Now().AddDate(0, 0, -daysAgo).Date()
	target := time.Date(y, m, d, 0, 0, 0, 0, time.Local)
	return s.Start(sc.Task, target.Format(DateLayout), OriginScheduled, sc.ID) == nil
}

// Start launches a report process for the given task and target date.
func (s *Service) Start(task, dateStr, origin string, scheduleID int64) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("a task is already running")
	}
	cfg := s.cfg
	s.running = true
	s.stopRequested = false
	s.task = task
	s.dateStr = dateStr
	s.origin = origin
	s.scheduleID = scheduleID
	s.lastLogPath = ""
	s.logPath = ""
	s.mu.Unlock()

	taskName := TaskName(task)
	originLabel := "Manual run"
	if origin == OriginScheduled {
		originLabel = "Scheduled run"
	}

	logPath, logFile := s.openLogFile(cfg.LogDir, taskName, dateStr, origin)
	s.mu.Lock()
	s.logPath = logPath
	s.mu.Unlock()

	s.hub.BroadcastStatus(statusPayload(fmt.Sprintf("%s: Running %s for %s...", originLabel, taskName, dateStr), true))
	banner := strings.Repeat("=", 80)
	s.hub.BroadcastLog(fmt.Sprintf("\n%s\n%s - %s for %s\n%s\n", banner, originLabel, taskName, dateStr, banner))

	args := append(append([]string{}, cfg.Args...), task, dateStr)
	cmd := exec.Command(cfg.Command, args...)
	cmd.Dir = cfg.Workdir
	cmd.Env = append(os.Environ(), "PYTHONIOENCODING=utf-8")
	// Own process group so Stop can kill the whole tree (drivers, browsers).
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err == nil {
		cmd.Stderr = cmd.Stdout
		err = cmd.Start()
	}
	if err != nil {
		if logFile != nil {
			_ = logFile.Close()
		}
		s.hub.BroadcastLog(fmt.Sprintf("\nFailed to start process: %v\n", err))
		s.hub.BroadcastStatus(statusPayload("Failed to start process", false))
		s.log.Error("process start failed", logx.String("command", cfg.Command), logx.Any("err", err))
		s.mu.Lock()
		s.running = false
		s.scheduleID = 0
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.cmd = cmd
	s.mu.Unlock()

	s.log.Info("run started",
		logx.String("task", task),
		logx.String("date", dateStr),
		logx.String("origin", origin),
		logx.Int("pid", cmd.Process.Pid))
	s.publish(eventbus.TypeRunStarted, eventbus.RunStartData{
		Task: task, Date: dateStr, Origin: origin, ScheduleID: scheduleID,
	})

	go s.watch(cmd, stdout, logFile, task, dateStr)
	return nil
}

// watch streams process output until exit, then reports completion.
func (s *Service) watch(cmd *exec.Cmd, stdout io.Reader, logFile *os.File, task, dateStr string) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.hub.BroadcastLog(line + "\n")
		if logFile != nil {
			_, _ = logFile.WriteString(line + "\n")
		}
	}
	if logFile != nil {
		_ = logFile.Close()
	}
	err := cmd.Wait()

	s.mu.Lock()
	stopped := s.stopRequested
	s.mu.Unlock()
	s.complete(task, dateStr, err == nil && !stopped)
}

func (s *Service) complete(task, dateStr string, success bool) {
	s.mu.Lock()
	stopped := s.stopRequested
	scheduleID := s.scheduleID
	logPath := s.logPath
	completer := s.completer
	s.cmd = nil
	s.task = ""
	s.dateStr = ""
	s.running = false
	s.scheduleID = 0
	s.lastLogPath = logPath
	s.logPath = ""
	s.origin = OriginManual
	s.mu.Unlock()

	taskName := TaskName(task)
	status := "completed successfully"
	if stopped {
		status = "stopped by user"
	} else if !success {
		status = "finished with issues"
	}

	s.hub.BroadcastLog(fmt.Sprintf("\n%s %s for %s\n", taskName, status, dateStr))
	s.hub.BroadcastStatus(statusPayload(fmt.Sprintf("%s %s for %s", taskName, status, dateStr), false))
	s.log.Info("run finished",
		logx.String("task", task),
		logx.String("date", dateStr),
		logx.Bool("success", success),
		logx.String("status", status))

	if scheduleID != 0 && completer != nil {
		ctx, cancel := opContext()
		defer cancel()
		_ = completer.MarkRunComplete(ctx, scheduleID, success && !stopped, status, logPath)
	}
	s.publish(eventbus.TypeRunFinished, eventbus.RunEndData{
		Task: task, Date: dateStr, Success: success, LogPath: logPath,
	})
}

// Stop terminates the current run. Completion (state reset, schedule
// bookkeeping) happens in the watch goroutine once the process exits.
func (s *Service) Stop() bool {
	s.mu.Lock()
	cmd := s.cmd
	if cmd == nil || !s.running {
		s.mu.Unlock()
		return false
	}
	s.stopRequested = true
	grace := s.cfg.StopGrace
	s.mu.Unlock()

	s.hub.BroadcastStatus(statusPayload("Stopping run...", true))
	s.hub.BroadcastLog("\nStop requested - terminating process...\n")
	s.log.Info("stop requested", logx.Int("pid", cmd.Process.Pid))

	go func() {
		pgid := -cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)
		time.Sleep(grace)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
	}()
	return true
}

// openLogFile creates the per-run log file with its header. A failure is
// tolerated: the run proceeds, streaming to the UI only.
func (s *Service) openLogFile(dir, taskName, dateStr, origin string) (string, *os.File) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		s.log.Warn("log dir create failed", logx.String("dir", dir), logx.Any("err", err))
		return "", nil
	}
	timestamp := time.Now().Format("20060102_150405")
	safeTask := strings.ToLower(strings.ReplaceAll(taskName, " ", "_"))
	path := filepath.Join(dir, fmt.Sprintf("%s_%s_%s.log", origin, safeTask, timestamp))

	f, err := os.Create(path)
	if err != nil {
		s.log.Warn("log file create failed", logx.String("path", path), logx.Any("err", err))
		return "", nil
	}
	header := fmt.Sprintf("%s for %s (%s)\nStarted: %s\n%s\n",
		taskName, dateStr, origin,
		time.Now().Format("2006-01-02 15:04:05"),
		strings.Repeat("-", 60))
	_, _ = f.WriteString(header)
	return path, f
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func statusPayload(status string, running bool) map[string]any {
	return map[string]any{"status": status, "running": running}
}
