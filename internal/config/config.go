// Package config provides configuration for hoard. Settings come from an
// optional YAML file with HOARD_-prefixed environment variable overrides and
// sensible defaults for everything. The resulting Config is constructed once
// and passed into every component; components never read ambient process
// state themselves.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values can be written as "30m" or
// "1h" strings.
type Duration time.Duration

// UnmarshalYAML decodes either a Go duration string or a raw nanosecond count.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("config: invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := node.Decode(&n); err == nil {
		*d = Duration(n)
		return nil
	}
	return fmt.Errorf("config: invalid duration value")
}

// MarshalYAML renders the duration in Go string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds all configuration for one hoard invocation.
type Config struct {
	// Target is the project identity: the unit of locking, state, and
	// retention.
	Target string `yaml:"target"`

	// StateDir is where run state, escalation state, hash cache, locks, and
	// trigger files live (default: ~/.hoard).
	StateDir string `yaml:"state_dir"`

	// BackupRoot is the directory snapshots are written under.
	BackupRoot string `yaml:"backup_root"`

	// Sources are the files and directories backed up each run.
	Sources []string `yaml:"sources"`

	// Databases are the database artifacts dumped each run.
	Databases []DatabaseConfig `yaml:"databases"`

	Copy      CopyConfig      `yaml:"copy"`
	Retention RetentionConfig `yaml:"retention"`
	Notify    NotifyConfig    `yaml:"notify"`
	Verify    VerifyConfig    `yaml:"verify"`
	Cloud     CloudConfig     `yaml:"cloud"`
	Daemon    DaemonConfig    `yaml:"daemon"`
}

// DatabaseConfig describes one database to dump during a run. The dump tool
// is an external subprocess; hoard only observes its exit status.
type DatabaseConfig struct {
	// Type selects the dump tool: sqlite, postgres, mysql, mongo.
	Type string `yaml:"type"`

	// Path is the on-disk database file, used by the sqlite dump. Other
	// types identify the database by Name; their tools read connection
	// settings from their own environment.
	Path string `yaml:"path"`

	// Name is the logical database name used for the dump filename.
	Name string `yaml:"name"`
}

// CopyConfig controls the retry executor.
type CopyConfig struct {
	// MaxAttempts is the per-file copy attempt budget (default: 3).
	MaxAttempts int `yaml:"max_attempts"`
}

// RetentionConfig controls snapshot pruning.
type RetentionConfig struct {
	// Hourly is the number of sub-period representatives kept in the hourly
	// tier (default: 24). Likewise Daily, Weekly, Monthly.
	Hourly  int `yaml:"hourly"`
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`

	// HourlyFor, DailyFor, and WeeklyFor are the age ceilings of the first
	// three tiers (defaults: 24h, 720h, 8760h). A snapshot older than a
	// tier's ceiling falls into the next tier; anything past WeeklyFor is
	// monthly.
	HourlyFor Duration `yaml:"hourly_for"`
	DailyFor  Duration `yaml:"daily_for"`
	WeeklyFor Duration `yaml:"weekly_for"`

	// MinKeep is the floor on total retained snapshots; pruning never drops
	// the count below it (default: 3).
	MinKeep int `yaml:"min_keep"`

	// MaxTotalBytes is a ceiling on total retained snapshot size; 0 means
	// unlimited. When exceeded, the oldest unpinned snapshots are pruned.
	MaxTotalBytes int64 `yaml:"max_total_bytes"`
}

// NotifyConfig controls operator notifications.
type NotifyConfig struct {
	// Enabled turns notification delivery on (default: true).
	Enabled bool `yaml:"enabled"`

	// QuietStart and QuietEnd bound the quiet-hours window in "HH:MM" local
	// time. An empty start disables quiet hours. The window may wrap
	// overnight, e.g. 22:00-07:00.
	QuietStart string `yaml:"quiet_start"`
	QuietEnd   string `yaml:"quiet_end"`

	// BypassQuietHours lists severities delivered even during quiet hours
	// (default: critical).
	BypassQuietHours []string `yaml:"bypass_quiet_hours"`

	// CadenceHours overrides the per-severity escalation cadence, keyed by
	// severity name. Unset severities use the built-in cadence.
	CadenceHours map[string]int `yaml:"cadence_hours"`
}

// VerifyConfig controls post-backup verification.
type VerifyConfig struct {
	// AfterBackup runs a quick verification at the end of each run
	// (default: true).
	AfterBackup bool `yaml:"after_backup"`
}

// CloudConfig controls the external cloud-sync tool and cloud verification.
type CloudConfig struct {
	// Enabled turns cloud sync on (default: false).
	Enabled bool `yaml:"enabled"`

	// Command is the sync tool invoked, e.g. "rclone" (default: rclone).
	Command string `yaml:"command"`

	// Remote is the remote spec passed to the tool, e.g. "backups:hoard".
	Remote string `yaml:"remote"`

	// Timeout bounds every network-touching cloud operation (default: 2m).
	Timeout Duration `yaml:"timeout"`
}

// DaemonConfig controls the scheduling loop.
type DaemonConfig struct {
	// Interval is the duration between scheduled cycles (default: 1h).
	Interval Duration `yaml:"interval"`

	// HistoryLimit caps the per-target run history log (default: 100).
	HistoryLimit int `yaml:"history_limit"`
}

// Load reads configuration from the YAML file at path (optional; an empty
// path means defaults only), then applies HOARD_* environment overrides,
// then validates.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// defaults returns a Config with every field at its documented default.
func defaults() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		StateDir: filepath.Join(home, ".hoard"),
		Copy:     CopyConfig{MaxAttempts: 3},
		Retention: RetentionConfig{
			Hourly:    24,
			Daily:     7,
			Weekly:    4,
			Monthly:   12,
			HourlyFor: Duration(24 * time.Hour),
			DailyFor:  Duration(30 * 24 * time.Hour),
			WeeklyFor: Duration(365 * 24 * time.Hour),
			MinKeep:   3,
		},
		Notify: NotifyConfig{
			Enabled:          true,
			BypassQuietHours: []string{"critical"},
		},
		Verify: VerifyConfig{AfterBackup: true},
		Cloud: CloudConfig{
			Command: "rclone",
			Timeout: Duration(2 * time.Minute),
		},
		Daemon: DaemonConfig{
			Interval:     Duration(time.Hour),
			HistoryLimit: 100,
		},
	}
}

// applyEnv overlays HOARD_* environment variables onto cfg.
func applyEnv(cfg *Config) {
	cfg.Target = getEnv("HOARD_TARGET", cfg.Target)
	cfg.StateDir = getEnv("HOARD_STATE_DIR", cfg.StateDir)
	cfg.BackupRoot = getEnv("HOARD_BACKUP_ROOT", cfg.BackupRoot)
	cfg.Copy.MaxAttempts = getEnvInt("HOARD_COPY_MAX_ATTEMPTS", cfg.Copy.MaxAttempts)
	cfg.Retention.Hourly = getEnvInt("HOARD_RETENTION_HOURLY", cfg.Retention.Hourly)
	cfg.Retention.Daily = getEnvInt("HOARD_RETENTION_DAILY", cfg.Retention.Daily)
	cfg.Retention.Weekly = getEnvInt("HOARD_RETENTION_WEEKLY", cfg.Retention.Weekly)
	cfg.Retention.Monthly = getEnvInt("HOARD_RETENTION_MONTHLY", cfg.Retention.Monthly)
	cfg.Retention.MinKeep = getEnvInt("HOARD_RETENTION_MIN_KEEP", cfg.Retention.MinKeep)
	cfg.Notify.Enabled = getEnvBool("HOARD_NOTIFY_ENABLED", cfg.Notify.Enabled)
	cfg.Notify.QuietStart = getEnv("HOARD_QUIET_START", cfg.Notify.QuietStart)
	cfg.Notify.QuietEnd = getEnv("HOARD_QUIET_END", cfg.Notify.QuietEnd)
	cfg.Cloud.Enabled = getEnvBool("HOARD_CLOUD_ENABLED", cfg.Cloud.Enabled)
	cfg.Cloud.Command = getEnv("HOARD_CLOUD_COMMAND", cfg.Cloud.Command)
	cfg.Cloud.Remote = getEnv("HOARD_CLOUD_REMOTE", cfg.Cloud.Remote)

	for env, dst := range map[string]*Duration{
		"HOARD_RETENTION_HOURLY_FOR": &cfg.Retention.HourlyFor,
		"HOARD_RETENTION_DAILY_FOR":  &cfg.Retention.DailyFor,
		"HOARD_RETENTION_WEEKLY_FOR": &cfg.Retention.WeeklyFor,
	} {
		if v := os.Getenv(env); v != "" {
			if d, err := time.ParseDuration(v); err == nil {
				*dst = Duration(d)
			}
		}
	}
	if v := os.Getenv("HOARD_DAEMON_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Daemon.Interval = Duration(d)
		}
	}
	if v := os.Getenv("HOARD_CLOUD_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Cloud.Timeout = Duration(d)
		}
	}
}

// validate rejects configurations that cannot run at all. Missing required
// paths are one of the two run-fatal error classes.
func (c *Config) validate() error {
	if c.Target == "" {
		return fmt.Errorf("config: target is required")
	}
	if c.BackupRoot == "" {
		return fmt.Errorf("config: backup_root is required")
	}
	if c.StateDir == "" {
		return fmt.Errorf("config: state_dir is required")
	}
	if c.Copy.MaxAttempts < 1 {
		return fmt.Errorf("config: copy.max_attempts must be at least 1")
	}
	if c.Retention.MinKeep < 0 {
		return fmt.Errorf("config: retention.min_keep must not be negative")
	}
	r := c.Retention
	if r.HourlyFor <= 0 || r.DailyFor <= 0 || r.WeeklyFor <= 0 {
		return fmt.Errorf("config: retention tier ceilings must be positive")
	}
	if r.HourlyFor >= r.DailyFor || r.DailyFor >= r.WeeklyFor {
		return fmt.Errorf("config: retention tier ceilings must increase: hourly_for < daily_for < weekly_for")
	}
	for i, db := range c.Databases {
		switch db.Type {
		case "sqlite", "postgres", "mysql", "mongo":
		default:
			return fmt.Errorf("config: databases[%d]: unsupported type %q", i, db.Type)
		}
	}
	if (c.Notify.QuietStart == "") != (c.Notify.QuietEnd == "") {
		return fmt.Errorf("config: quiet_start and quiet_end must be set together")
	}
	return nil
}

// TargetStateDir returns the per-target state directory.
func (c *Config) TargetStateDir() string {
	return filepath.Join(c.StateDir, "state", c.Target)
}

// LockDir returns the lock root shared by all targets.
func (c *Config) LockDir() string {
	return filepath.Join(c.StateDir, "locks")
}

// TriggerDir returns the directory watched for manual run triggers.
func (c *Config) TriggerDir() string {
	return filepath.Join(c.StateDir, "triggers")
}

// TargetBackupDir returns the per-target snapshot directory.
func (c *Config) TargetBackupDir() string {
	return filepath.Join(c.BackupRoot, c.Target)
}

// getEnv retrieves a string environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves an integer environment variable or returns a default
// value. An unparsable value returns the default.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool retrieves a boolean environment variable or returns a default
// value. It recognizes "true", "1", "yes" and "false", "0", "no".
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch value {
		case "true", "1", "yes", "True", "TRUE", "Yes", "YES":
			return true
		case "false", "0", "no", "False", "FALSE", "No", "NO":
			return false
		}
	}
	return defaultValue
}
