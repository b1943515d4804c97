// Package config loads the daemon configuration file.
//
// The file lives at /etc/boxd/config.yaml by default and describes one
// deployment: the managed machine, the fail-safe policy, the trigger
// cadence, and the optional notification, schedule, and tracing surfaces.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks without --config.
const DefaultPath = "/etc/boxd/config.yaml"

// Duration decodes yaml strings like "45m" or "1h30m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Schedule is one fixed-time command against the machine: a cron
// expression (evaluated in Config.Timezone) and the action it fires.
type Schedule struct {
	Cron   string `yaml:"cron"`
	Action string `yaml:"action"` // "start" or "stop"
}

// Notify configures the push-notification sink. An empty topic disables
// notifications entirely.
type Notify struct {
	Server string `yaml:"server"`
	Topic  string `yaml:"topic"`
}

// Config is the full daemon configuration.
type Config struct {
	InstanceID     string   `yaml:"instance-id"`
	Region         string   `yaml:"region"`
	StopAfterHours float64  `yaml:"stop-after-hours"`
	CheckInterval  Duration `yaml:"check-interval"`

	Notify Notify `yaml:"notify"`

	// EventQueueURL is the queue carrying machine state-change events.
	// Empty disables the state-change watcher; the periodic check then
	// measures running time from launch until the first tracked start.
	EventQueueURL string `yaml:"event-queue-url"`

	Timezone  string     `yaml:"timezone"`
	Schedules []Schedule `yaml:"schedules"`

	Listen      string `yaml:"listen"`
	HistoryPath string `yaml:"history-path"`
	LogLevel    string `yaml:"log-level"`

	// TraceEndpoint enables OTLP trace export when set. The literal
	// value "stdout" exports pretty-printed spans to stderr instead.
	TraceEndpoint string `yaml:"trace-endpoint"`
}

// Load reads and validates the config file at path. A missing file is an
// error: the daemon cannot run without a machine to manage.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StopAfterHours == 0 {
		c.StopAfterHours = 8
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = Duration(time.Hour)
	}
	if c.Notify.Server == "" {
		c.Notify.Server = "https://ntfy.sh"
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	if c.Listen == "" {
		c.Listen = "127.0.0.1:7077"
	}
	if c.HistoryPath == "" {
		c.HistoryPath = "/var/lib/boxd/history.db"
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

// Validate rejects configurations the daemon cannot safely run with.
func (c *Config) Validate() error {
	var errs []error
	if c.InstanceID == "" {
		errs = append(errs, errors.New("instance-id is required"))
	}
	if c.Region == "" {
		errs = append(errs, errors.New("region is required"))
	}
	if c.StopAfterHours <= 0 {
		errs = append(errs, fmt.Errorf("stop-after-hours must be positive, got %v", c.StopAfterHours))
	}
	if time.Duration(c.CheckInterval) < time.Minute {
		errs = append(errs, fmt.Errorf("check-interval must be at least 1m, got %v", time.Duration(c.CheckInterval)))
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("timezone %q: %w", c.Timezone, err))
	}
	for i, s := range c.Schedules {
		if s.Cron == "" {
			errs = append(errs, fmt.Errorf("schedules[%d]: cron expression is required", i))
		}
		if s.Action != "start" && s.Action != "stop" {
			errs = append(errs, fmt.Errorf("schedules[%d]: action must be start or stop, got %q", i, s.Action))
		}
	}
	return errors.Join(errs...)
}

// Location resolves the configured time zone. Call Validate first.
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.Timezone)
}
