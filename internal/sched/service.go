package sched

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reportd/internal/eventbus"
	"reportd/internal/recurrence"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

const defaultPollInterval = 30 * time.Second

type Config struct {
	Enabled      bool
	PollInterval time.Duration
}

// Hooks are supplied by the host that actually executes report runs.
type Hooks struct {
	// CanStart reports whether the host can take a job right now. A false
	// answer skips the whole tick; due schedules stay due.
	CanStart func() bool

	// OnJobDue launches the given schedule and returns true if the run was
	// started. It must not block for the duration of the run; completion is
	// reported later via MarkRunComplete.
	OnJobDue func(sc storage.Schedule) bool
}

// Service is the due-check poll loop. It owns dispatch and the single-flight
// guard; execution itself lives behind Hooks.
type Service struct {
	store *storage.Store
	hooks Hooks
	log   logx.Logger
	bus   eventbus.Bus

	mu       sync.Mutex
	cfg      Config
	stopCh   chan struct{}
	stopDone chan struct{}

	// activeID is the schedule currently dispatched, 0 when idle. Only one
	// schedule runs at a time; completion clears it.
	activeID int64

	now func() time.Time
}

// Snapshot is the service state exposed to the status endpoint.
type Snapshot struct {
	Enabled      bool          `json:"enabled"`
	Running      bool          `json:"running"`
	ActiveID     int64         `json:"active_schedule_id"`
	PollInterval time.Duration `json:"-"`
}

func New(cfg Config, store *storage.Store, hooks Hooks, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	return &Service{
		store: store,
		hooks: hooks,
		log:   log,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
	}
}

// Start launches the poll loop. Calling Start on a running service is a no-op.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	stopCh := make(chan struct{})
	stopDone := make(chan struct{})
	s.stopCh = stopCh
	s.stopDone = stopDone
	s.log.Info("scheduler started", logx.Duration("poll_interval", s.cfg.PollInterval))
	go s.loop(stopCh, stopDone)
}

// Stop halts the poll loop and waits for it to exit (bounded by ctx). An
// in-flight run is not interrupted; its completion is still accepted.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	stopCh := s.stopCh
	stopDone := s.stopDone
	s.stopCh = nil
	s.stopDone = nil
	s.mu.Unlock()

	if stopCh == nil {
		return
	}
	close(stopCh)
	select {
	case <-stopDone:
		s.log.Info("scheduler stopped")
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out")
	}
}

// Apply updates the config and starts or stops the loop to match. Poll
// interval changes take effect on the next tick.
func (s *Service) Apply(cfg Config) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	s.mu.Lock()
	s.cfg = cfg
	running := s.stopCh != nil
	s.mu.Unlock()

	if cfg.Enabled && !running {
		s.Start()
	} else if !cfg.Enabled && running {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.Stop(ctx)
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Enabled:      s.cfg.Enabled,
		Running:      s.stopCh != nil,
		ActiveID:     s.activeID,
		PollInterval: s.cfg.PollInterval,
	}
}

// ActiveID returns the currently dispatched schedule id, 0 when idle.
func (s *Service) ActiveID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// MarkRunComplete records the outcome of a dispatched run and releases the
// single-flight guard. next_run advances whether or not the run succeeded.
func (s *Service) MarkRunComplete(ctx context.Context, id int64, success bool, message, logPath string) error {
	s.mu.Lock()
	if s.activeID == id {
		s.activeID = 0
	}
	s.mu.Unlock()

	next, err := s.store.MarkCompleted(ctx, id, success, message, logPath)
	if err != nil {
		s.log.Error("mark completed failed", logx.Int64("schedule_id", id), logx.Any("err", err))
		return err
	}
	s.log.Info("run completed",
		logx.Int64("schedule_id", id),
		logx.Bool("success", success),
		logx.String("message", message))
	s.publish(eventbus.TypeSchedComplete, eventbus.CompleteData{
		ScheduleID: id,
		Success:    success,
		NextRun:    formatPtr(next),
	})
	return nil
}

// RefreshNextRun re-anchors next_run after a schedule definition changed.
func (s *Service) RefreshNextRun(ctx context.Context, id int64) error {
	_, err := s.store.BumpNextRun(ctx, id, s.now())
	return err
}

func (s *Service) loop(stopCh, stopDone chan struct{}) {
	defer close(stopDone)

	// First check runs immediately so a restart doesn't wait a full interval.
	s.tick()
	for {
		s.mu.Lock()
		interval := s.cfg.PollInterval
		s.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-time.After(interval):
			s.tick()
		}
	}
}

// tick runs one due-check. Panics from store access or hooks are contained so
// the loop survives any single bad tick.
func (s *Service) tick() {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("due check panicked", logx.Any("panic", r))
		}
	}()

	s.mu.Lock()
	enabled := s.cfg.Enabled
	busy := s.activeID != 0
	s.mu.Unlock()
	if !enabled {
		return
	}
	if busy {
		s.log.Debug("due check skipped, run in flight")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	due, err := s.store.Due(ctx, s.now())
	if err != nil {
		s.log.Error("due query failed", logx.Any("err", err))
		return
	}

	for _, sc := range due {
		if s.hooks.CanStart != nil && !s.hooks.CanStart() {
			s.log.Debug("host busy, schedules stay due", logx.Int("due", len(due)))
			s.publish(eventbus.TypeSchedSkip, eventbus.SkipData{Reason: "host busy"})
			break
		}
		// At most one dispatch attempt per tick; everything else stays due
		// and is picked up once the active run completes.
		s.dispatch(ctx, sc)
		break
	}
}

// dispatch hands one due schedule to the host. The schedule is marked running
// first so the UI sees the state change even if launch is slow. A declined
// launch only releases the single-flight guard: next_run and the run history
// are untouched, so the schedule is simply retried on a later tick. Only a
// panicking launch is closed out as a failed attempt.
func (s *Service) dispatch(ctx context.Context, sc storage.Schedule) {
	s.mu.Lock()
	s.activeID = sc.ID
	s.mu.Unlock()

	if err := s.store.MarkRunning(ctx, sc.ID, "Dispatched"); err != nil {
		s.log.Error("mark running failed", logx.Int64("schedule_id", sc.ID), logx.Any("err", err))
	}
	s.log.Info("schedule due",
		logx.Int64("schedule_id", sc.ID),
		logx.String("name", sc.Name),
		logx.String("task", sc.Task))
	s.publish(eventbus.TypeSchedDispatch, eventbus.DispatchData{
		ScheduleID: sc.ID,
		Name:       sc.Name,
		Task:       sc.Task,
	})

	launched, err := s.launch(sc)
	if err != nil {
		s.log.Error("launch panicked", logx.Int64("schedule_id", sc.ID), logx.Any("err", err))
		_ = s.MarkRunComplete(ctx, sc.ID, false, fmt.Sprintf("launch error: %v", err), "")
		return
	}
	if !launched {
		s.mu.Lock()
		if s.activeID == sc.ID {
			s.activeID = 0
		}
		s.mu.Unlock()
		s.log.Info("launch declined, schedule stays due", logx.Int64("schedule_id", sc.ID))
		s.publish(eventbus.TypeSchedSkip, eventbus.SkipData{Reason: "launch declined", ScheduleID: sc.ID})
	}
}

// launch invokes the hook with panic capture.
func (s *Service) launch(sc storage.Schedule) (launched bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	if s.hooks.OnJobDue == nil {
		return false, nil
	}
	return s.hooks.OnJobDue(sc), nil
}

func (s *Service) publish(typ string, data any) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Data: data})
}

func formatPtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return recurrence.FormatTimestamp(*t)
}
