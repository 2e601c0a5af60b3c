package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"reportd/internal/recurrence"
	logx "reportd/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// Store is the SQLite-backed schedule and settings store.
type Store struct {
	db  *sql.DB
	log logx.Logger

	// now is swapped in tests for deterministic next_run computation.
	now func() time.Time
}

func Open(cfg Config, log logx.Logger) (*Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &Store{db: db, log: log, now: time.Now}
	if cfg.Clock != nil {
		st.now = cfg.Clock
	}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *Store) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// ---- Schedules ----

const scheduleColumns = `id, key, name, task, recurrence, time_of_day, start_date,
	run_for_days_ago, next_run, last_run, last_status, last_message, last_log_path,
	enabled, created_at`

// Upsert creates or updates the schedule matched by params.Key.
//
// A fresh next_run is computed from "now" regardless of insert vs update: a
// definition edit always re-anchors the schedule forward and never fires
// retroactively. ID, created_at and run-history columns survive updates.
func (s *Store) Upsert(ctx context.Context, params UpsertParams) (Schedule, error) {
	rule, err := recurrence.ParseRule(params.Recurrence)
	if err != nil {
		return Schedule{}, err
	}
	if params.RunForDaysAgo < 0 {
		params.RunForDaysAgo = 0
	}
	now := s.now()
	nextRun := recurrence.Next(nil, rule, params.TimeOfDay, params.StartDate, now)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schedules (key, name, task, recurrence, time_of_day, start_date, run_for_days_ago, next_run, enabled, created_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(key) DO UPDATE SET
		     name=excluded.name,
		     task=excluded.task,
		     recurrence=excluded.recurrence,
		     time_of_day=excluded.time_of_day,
		     start_date=excluded.start_date,
		     run_for_days_ago=excluded.run_for_days_ago,
		     next_run=excluded.next_run,
		     enabled=excluded.enabled`,
		params.Key, params.Name, params.Task, string(rule), params.TimeOfDay, params.StartDate,
		params.RunForDaysAgo, recurrence.FormatTimestamp(nextRun), boolInt(params.Enabled),
		recurrence.FormatTimestamp(now),
	)
	if err != nil {
		return Schedule{}, storageErr("upsert schedule", err)
	}
	return s.GetByKey(ctx, params.Key)
}

// List returns all schedules ordered by creation time ascending.
func (s *Store) List(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, storageErr("list schedules", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, storageErr("scan schedule", err)
		}
		out = append(out, sc)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list schedules", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, id int64) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	return s.oneSchedule(row, "get schedule")
}

func (s *Store) GetByKey(ctx context.Context, key string) (Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE key = ?`, key)
	return s.oneSchedule(row, "get schedule by key")
}

func (s *Store) oneSchedule(row *sql.Row, op string) (Schedule, error) {
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Schedule{}, ErrNotFound
	}
	if err != nil {
		return Schedule{}, storageErr(op, err)
	}
	return sc, nil
}

// SetEnabled toggles a schedule without touching next_run. A stale next_run on
// re-enable is fine: the next due-check advances it past all missed slots.
func (s *Store) SetEnabled(ctx context.Context, id int64, enabled bool) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ? WHERE id = ?`, boolInt(enabled), id)
	if err != nil {
		return storageErr("set enabled", err)
	}
	return noRowsToNotFound(res)
}

func (s *Store) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return storageErr("delete schedule", err)
	}
	return noRowsToNotFound(res)
}

// Due returns enabled schedules whose next_run is at or before ref.
// Iteration order carries no priority guarantee.
func (s *Store) Due(ctx context.Context, ref time.Time) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE enabled = 1 AND next_run IS NOT NULL`)
	if err != nil {
		return nil, storageErr("due schedules", err)
	}
	defer rows.Close()

	var due []Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, storageErr("scan schedule", err)
		}
		if sc.NextRun != nil && !sc.NextRun.After(ref) {
			due = append(due, sc)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("due schedules", err)
	}
	return due, nil
}

// BumpNextRun recomputes next_run anchored on the stored value with after as
// the reference, persists it and returns the new value.
func (s *Store) BumpNextRun(ctx context.Context, id int64, after time.Time) (*time.Time, error) {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	next := recurrence.Next(sc.NextRun, sc.Recurrence, sc.TimeOfDay, sc.StartDate, after)
	_, err = s.db.ExecContext(ctx,
		`UPDATE schedules SET next_run = ? WHERE id = ?`,
		recurrence.FormatTimestamp(next), id)
	if err != nil {
		return nil, storageErr("bump next_run", err)
	}
	return &next, nil
}

// MarkRunning records the start of an attempt. next_run is left untouched so
// a crash mid-run cannot lose the slot.
func (s *Store) MarkRunning(ctx context.Context, id int64, message string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET last_run = ?, last_status = ?, last_message = ? WHERE id = ?`,
		recurrence.FormatTimestamp(s.now()), StatusRunning, message, id)
	if err != nil {
		return storageErr("mark running", err)
	}
	return noRowsToNotFound(res)
}

// MarkCompleted records the attempt outcome and advances next_run. The
// advance happens on failure too, so a failing job waits for its next natural
// slot instead of retry-storming. When logPath is empty the previous log path
// is kept.
func (s *Store) MarkCompleted(ctx context.Context, id int64, success bool, message, logPath string) (*time.Time, error) {
	sc, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := s.now()
	next := recurrence.Next(sc.NextRun, sc.Recurrence, sc.TimeOfDay, sc.StartDate, now)

	status := StatusFailed
	if success {
		status = StatusSuccess
	}
	if logPath == "" {
		logPath = sc.LastLogPath
	}
	_, err = s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET last_run = ?, last_status = ?, last_message = ?, last_log_path = ?, next_run = ?
		 WHERE id = ?`,
		recurrence.FormatTimestamp(now), status, message, nullStr(logPath),
		recurrence.FormatTimestamp(next), id)
	if err != nil {
		return nil, storageErr("mark completed", err)
	}
	return &next, nil
}

// ---- scanning ----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(r rowScanner) (Schedule, error) {
	var (
		sc         Schedule
		rule       string
		nextRun    sql.NullString
		lastRun    sql.NullString
		lastStatus sql.NullString
		lastMsg    sql.NullString
		lastLog    sql.NullString
		enabled    int
		createdAt  string
	)
	err := r.Scan(&sc.ID, &sc.Key, &sc.Name, &sc.Task, &rule, &sc.TimeOfDay, &sc.StartDate,
		&sc.RunForDaysAgo, &nextRun, &lastRun, &lastStatus, &lastMsg, &lastLog,
		&enabled, &createdAt)
	if err != nil {
		return Schedule{}, err
	}
	sc.Recurrence = recurrence.Rule(rule)
	sc.NextRun = parseNullTimestamp(nextRun)
	sc.LastRun = parseNullTimestamp(lastRun)
	sc.LastStatus = lastStatus.String
	sc.LastMessage = lastMsg.String
	sc.LastLogPath = lastLog.String
	sc.Enabled = enabled != 0
	if t := recurrence.ParseTimestamp(createdAt, time.Local); t != nil {
		sc.CreatedAt = *t
	}
	return sc, nil
}

func parseNullTimestamp(v sql.NullString) *time.Time {
	if !v.Valid {
		return nil
	}
	return recurrence.ParseTimestamp(v.String, time.Local)
}

func noRowsToNotFound(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr("rows affected", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
