package config

import (
	"errors"
	"fmt"
	"strings"
)

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Runner    RunnerConfig    `json:"runner"`
	Web       WebConfig       `json:"web,omitempty"`

	// Settings seeds the settings table on first start. Keys already present
	// in the store are never overwritten.
	Settings map[string]string `json:"settings,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Stream  LoggingStream `json:"stream"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStream mirrors log records to the live web UI feed.
type LoggingStream struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string
}

// SchedulerConfig controls the due-check poll loop.
type SchedulerConfig struct {
	Enabled bool `json:"enabled"`
	// PollInterval is a Go duration string (e.g. "30s", "1m"). Default "30s".
	PollInterval string `json:"poll_interval,omitempty"`
	Timezone     string `json:"timezone,omitempty"`
}

// RunnerConfig describes how report processes are launched.
//
// The task name and target date are appended to Args at launch time.
type RunnerConfig struct {
	Command string   `json:"command"`
	Args    []string `json:"args,omitempty"`
	Workdir string   `json:"workdir,omitempty"`
	LogDir  string   `json:"log_dir,omitempty"` // default: "./logs"
	// StopGrace is how long a stopped process gets to exit before the whole
	// process group is killed. Go duration string, default "5s".
	StopGrace string `json:"stop_grace,omitempty"`
}

// WebConfig controls the UI/API HTTP server.
//
// Security note: prefer binding to localhost unless the host network is
// trusted. There is no authentication layer.
type WebConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // default: "127.0.0.1:8080"

	// Server timeouts (Go duration strings).
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`

	// Pprof mounts net/http/pprof handlers under /debug/pprof/ on the same
	// listener. Keep off unless the bind address is loopback.
	Pprof bool `json:"pprof,omitempty"`
}

// Validate checks cross-field constraints that the strict decoder cannot.
// It is used both at startup and as the hot-reload validator.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("runner.stop_grace", c.Runner.StopGrace); err != nil {
		return err
	}
	for _, f := range []struct{ path, raw string }{
		{"web.read_timeout", c.Web.ReadTimeout},
		{"web.write_timeout", c.Web.WriteTimeout},
		{"web.idle_timeout", c.Web.IdleTimeout},
	} {
		if _, err := ParseDurationField(f.path, f.raw); err != nil {
			return err
		}
	}
	if strings.TrimSpace(c.Runner.Command) == "" {
		return errors.New("runner.command is required")
	}
	if tz := strings.TrimSpace(c.Scheduler.Timezone); tz != "" {
		if err := checkTimezone(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: %w", err)
		}
	}
	return nil
}
