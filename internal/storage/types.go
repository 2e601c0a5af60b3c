package storage

import (
	"encoding/json"
	"time"

	"reportd/internal/recurrence"
)

// Config configures the SQLite store.
type Config struct {
	Path        string
	BusyTimeout time.Duration // 0 means default

	// Clock overrides time.Now for next_run/last_run computation. Tests use
	// it for deterministic scheduling math; nil means the wall clock.
	Clock func() time.Time
}

// Run status values for Schedule.LastStatus.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Schedule is one recurring-job definition plus its most recent run outcome.
// Only the latest attempt is retained; there is no per-run history table.
type Schedule struct {
	ID            int64           `json:"id"`
	Key           string          `json:"key"`
	Name          string          `json:"name"`
	Task          string          `json:"task"`
	Recurrence    recurrence.Rule `json:"recurrence"`
	TimeOfDay     string          `json:"time_of_day"`
	StartDate     string          `json:"start_date"`
	RunForDaysAgo int             `json:"run_for_days_ago"`
	NextRun       *time.Time      `json:"next_run"`
	LastRun       *time.Time      `json:"last_run"`
	LastStatus    string          `json:"last_status,omitempty"`
	LastMessage   string          `json:"last_message,omitempty"`
	LastLogPath   string          `json:"last_log_path,omitempty"`
	Enabled       bool            `json:"enabled"`
	CreatedAt     time.Time       `json:"created_at"`
}

// MarshalJSON renders timestamps in the UI's wire format
// ("2006-01-02 15:04:05") instead of RFC 3339.
func (s Schedule) MarshalJSON() ([]byte, error) {
	type alias Schedule
	return json.Marshal(struct {
		alias
		NextRun   *string `json:"next_run"`
		LastRun   *string `json:"last_run"`
		CreatedAt string  `json:"created_at"`
	}{
		alias:     alias(s),
		NextRun:   wireTimestamp(s.NextRun),
		LastRun:   wireTimestamp(s.LastRun),
		CreatedAt: recurrence.FormatTimestamp(s.CreatedAt),
	})
}

func wireTimestamp(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := recurrence.FormatTimestamp(*t)
	return &v
}

// UpsertParams carries the user-editable fields of a schedule.
// Upsert matches on Key; ID, CreatedAt and run history survive updates.
type UpsertParams struct {
	Key           string
	Name          string
	Task          string
	Recurrence    string
	TimeOfDay     string
	StartDate     string
	RunForDaysAgo int
	Enabled       bool
}
