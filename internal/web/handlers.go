package web

import (
	"encoding/json"
	"errors"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"reportd/internal/recurrence"
	"reportd/internal/runner"
	"reportd/internal/storage"
	logx "reportd/pkg/logx"
)

// The UI manages one well-known schedule; extra schedules are reachable
// through the /api/schedules endpoints.
const (
	scheduleKey  = "marketing_reports"
	scheduleName = "Marketing Reports"
)

// settingsKeys are the spreadsheet values the UI edits.
var settingsKeys = []string{
	"SPREAD_SHEET_NAME",
	"WORK_SHEET_NAME",
	"ORDER_TYPE_SHEET_URL",
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Mirrors the permissive CORS stance of the UI it serves.
	CheckOrigin: func(*http.Request) bool { return true },
}

func (s *Service) routes(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("GET /api/settings", s.handleGetSettings)
	mux.HandleFunc("POST /api/settings", s.handleSaveSettings)
	mux.HandleFunc("GET /api/schedule", s.handleGetSchedule)
	mux.HandleFunc("POST /api/schedule", s.handleSaveSchedule)
	mux.HandleFunc("GET /api/schedules", s.handleListSchedules)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.handleDeleteSchedule)
	mux.HandleFunc("POST /api/schedules/{id}/toggle", s.handleToggleSchedule)
	mux.HandleFunc("POST /api/run", s.handleRun)
	mux.HandleFunc("POST /api/run-schedule-now", s.handleRunScheduleNow)
	mux.HandleFunc("POST /api/stop", s.handleStop)
	mux.HandleFunc("GET /api/previous-day", s.handlePreviousDay)
	mux.HandleFunc("GET /ws", s.handleWS)

	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("reportd\n"))
	})
	return mux
}

func (s *Service) handleStatus(w http.ResponseWriter, r *http.Request) {
	snap := s.runner.Snapshot()
	var schedule any
	if sc, err := s.store.GetByKey(r.Context(), scheduleKey); err == nil {
		schedule = sc
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"running":       snap.Running,
		"current_task":  snap.CurrentTask,
		"current_date":  snap.CurrentDate,
		"origin":        snap.Origin,
		"last_log_path": snap.LastLogPath,
		"schedule":      schedule,
		"scheduler":     s.sched.Snapshot(),
	})
}

func (s *Service) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	values, err := s.store.GetSettings(r.Context(), settingsKeys)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Service) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	var body map[string]string
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	payload := make(map[string]string, len(settingsKeys))
	for _, key := range settingsKeys {
		payload[key] = strings.TrimSpace(body[key])
	}
	if err := s.store.SetSettings(r.Context(), payload); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Settings saved"})
}

func (s *Service) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	var schedule any
	sc, err := s.store.GetByKey(r.Context(), scheduleKey)
	switch {
	case err == nil:
		schedule = sc
	case errors.Is(err, storage.ErrNotFound):
		schedule = map[string]any{
			"enabled":          false,
			"recurrence":       recurrence.Daily,
			"time_of_day":      recurrence.DefaultTimeOfDay,
			"start_date":       time.Now().Format(recurrence.DateOnly),
			"task":             "all",
			"run_for_days_ago": 1,
			"next_run":         nil,
			"last_status":      nil,
			"last_run":         nil,
		}
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule":           schedule,
		"recurrence_choices": recurrence.Rules,
	})
}

type schedulePayload struct {
	TimeOfDay     string `json:"time_of_day"`
	StartDate     string `json:"start_date"`
	Recurrence    string `json:"recurrence"`
	Task          string `json:"task"`
	Enabled       bool   `json:"enabled"`
	RunForDaysAgo int    `json:"run_for_days_ago"`
}

func (s *Service) handleSaveSchedule(w http.ResponseWriter, r *http.Request) {
	body := schedulePayload{TimeOfDay: recurrence.DefaultTimeOfDay, Recurrence: string(recurrence.Daily), Task: "all", RunForDaysAgo: 1}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeVal := strings.TrimSpace(body.TimeOfDay)
	if timeVal == "" {
		timeVal = recurrence.DefaultTimeOfDay
	}
	startVal := strings.TrimSpace(body.StartDate)
	if startVal == "" {
		startVal = time.Now().Format(recurrence.DateOnly)
	}
	if body.RunForDaysAgo < 0 {
		body.RunForDaysAgo = 0
	}

	// Validate before touching the store.
	if _, err := time.Parse("15:04", timeVal); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid time format. Use HH:MM.")
		return
	}
	if _, err := time.Parse(recurrence.DateOnly, startVal); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format. Use YYYY-MM-DD.")
		return
	}
	if _, err := recurrence.ParseRule(body.Recurrence); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid recurrence.")
		return
	}

	sc, err := s.store.Upsert(r.Context(), storage.UpsertParams{
		Key:           scheduleKey,
		Name:          scheduleName,
		Task:          body.Task,
		Recurrence:    body.Recurrence,
		TimeOfDay:     timeVal,
		StartDate:     startVal,
		RunForDaysAgo: body.RunForDaysAgo,
		Enabled:       body.Enabled,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	_ = s.sched.RefreshNextRun(r.Context(), sc.ID)

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "schedule": sc})
}

func (s *Service) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"schedules":          schedules,
		"recurrence_choices": recurrence.Rules,
	})
}

func (s *Service) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	if err := s.store.Delete(r.Context(), id); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Schedule deleted"})
}

func (s *Service) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid schedule id")
		return
	}
	sc, err := s.store.Get(r.Context(), id)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Schedule not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	newState := !sc.Enabled
	if err := s.store.SetEnabled(r.Context(), id, newState); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "enabled": newState})
}

func (s *Service) handleRun(w http.ResponseWriter, r *http.Request) {
	if s.runner.Busy() {
		writeError(w, http.StatusConflict, "A task is already running")
		return
	}
	var body struct {
		Task string `json:"task"`
		Date string `json:"date"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.Task == "" {
		body.Task = "all"
	}
	_, dateStr, err := runner.ParseDate(body.Date)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid date format. Use DD-MMM-YYYY.")
		return
	}
	if err := s.runner.Start(body.Task, dateStr, runner.OriginManual, 0); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Started " + body.Task + " for " + dateStr,
	})
}

func (s *Service) handleRunScheduleNow(w http.ResponseWriter, r *http.Request) {
	if s.runner.Busy() {
		writeError(w, http.StatusConflict, "A task is already running")
		return
	}
	sc, err := s.store.GetByKey(r.Context(), scheduleKey)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusBadRequest, "No schedule configured")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := s.store.MarkRunning(r.Context(), sc.ID, "Triggered manually"); err != nil {
		s.log.Warn("mark running failed", logx.Int64("schedule_id", sc.ID), logx.Any("err", err))
	}
	if !s.runner.OnScheduleDue(sc) {
		writeError(w, http.StatusConflict, "A task is already running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Schedule triggered"})
}

func (s *Service) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.runner.Stop() {
		writeError(w, http.StatusBadRequest, "No task is running")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "message": "Stop requested"})
}

func (s *Service) handlePreviousDay(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"date": time.Now().AddDate(0, 0, -1).Format(runner.DateLayout),
	})
}

func (s *Service) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.Any("err", err))
		return
	}
	// Greet before the write pump owns the connection.
	_ = conn.WriteJSON(map[string]any{
		"type": "status_update",
		"data": map[string]any{
			"status":  "Connected to server",
			"running": s.runner.Busy(),
		},
	})
	s.hub.Register(conn)
}

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20)).Decode(v)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}
