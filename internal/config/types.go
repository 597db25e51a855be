package config

// Config is the on-disk daemon configuration (YAML or JSON).
type Config struct {
	Logging    LoggingConfig    `json:"logging"`
	Controller ControllerConfig `json:"controller"`
	Sensors    SensorsConfig    `json:"sensors"`
	Scheduler  SchedulerConfig  `json:"scheduler"`

	// Storage is optional; omitted or driver "none" disables persistence.
	Storage *StorageConfig `json:"storage,omitempty"`
	// Notifier is optional; omitted means alerts are only logged.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Metrics MetricsConfig `json:"metrics"`
	Systemd SystemdConfig `json:"systemd"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// ControllerConfig controls the monitoring loop and alert thresholds.
//
// CycleInterval accepts a Go duration ("60s") or a cron spec
// ("*/2 * * * *", "@every 1m"). Thresholds left nil are not checked,
// except max_temp and min_humidity which default to 30 and 40.
type ControllerConfig struct {
	CycleInterval string   `json:"cycle_interval"`
	MaxTemp       *float64 `json:"max_temp,omitempty"`
	MinHumidity   *float64 `json:"min_humidity,omitempty"`
	MinMoisture   *float64 `json:"min_moisture,omitempty"`
	MinLight      *float64 `json:"min_light,omitempty"`
}

// SensorsConfig selects the optional sensors. Temperature and humidity are
// always present.
type SensorsConfig struct {
	Moisture bool           `json:"moisture"`
	Light    bool           `json:"light"`
	Seed     int64          `json:"seed,omitempty"`
	Pins     map[string]int `json:"pins,omitempty"`
}

type SchedulerConfig struct {
	// Timezone daily tasks are evaluated in (IANA name). Empty means Local.
	Timezone string       `json:"timezone,omitempty"`
	Tasks    []TaskConfig `json:"tasks,omitempty"`
}

// TaskConfig registers one built-in maintenance action.
//
// Exactly one of Every (Go duration) or At ("HH:MM") is expected; when both
// are given Every wins.
type TaskConfig struct {
	Name    string `json:"name"`
	Action  string `json:"action"`
	Every   string `json:"every,omitempty"`
	At      string `json:"at,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

// IsEnabled defaults to true when the field is omitted.
func (t TaskConfig) IsEnabled() bool { return t.Enabled == nil || *t.Enabled }

// StorageConfig controls reading/alert persistence.
//
// Example:
//
//	storage: { driver: sqlite, path: ./data/greenbox.db, retention: 720h }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
	Retention   string `json:"retention,omitempty"`    // Go duration string; used by prune_history
}

// NotifierConfig controls alert delivery. All durations are Go duration strings.
type NotifierConfig struct {
	Enabled       bool   `json:"enabled"`
	TelegramToken string `json:"telegram_token,omitempty"` // never logged
	ChatID        int64  `json:"chat_id,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	DedupWindow   string `json:"dedup_window,omitempty"`
}

// MetricsConfig controls the operator HTTP endpoint (/metrics, /healthz and
// optionally /debug/pprof/).
//
// Prefer binding to localhost (e.g. "127.0.0.1:9108"); other addresses need
// a token unless allow_insecure is set.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"` // never logged
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
}

// SystemdConfig enables sd_notify integration when running as a unit.
type SystemdConfig struct {
	Notify   bool `json:"notify"`
	Watchdog bool `json:"watchdog"`
}
