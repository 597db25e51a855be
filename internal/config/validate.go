package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"greenbox/internal/controller"
	"greenbox/internal/task/scheduler"
)

// Validate checks ranges and formats. It reports every problem at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		add(fmt.Errorf("logging.level: unknown level %q", cfg.Logging.Level))
	}

	if s := strings.TrimSpace(cfg.Controller.CycleInterval); s != "" {
		if _, err := controller.ParseCadence(s); err != nil {
			add(fmt.Errorf("controller.cycle_interval: %w", err))
		}
	}

	seen := map[string]int{}
	for i, t := range cfg.Scheduler.Tasks {
		path := fmt.Sprintf("scheduler.tasks[%d]", i)
		if strings.TrimSpace(t.Name) == "" {
			add(fmt.Errorf("%s.name: required", path))
		}
		seen[t.Name]++
		if strings.TrimSpace(t.Action) == "" {
			add(fmt.Errorf("%s.action: required", path))
		}
		if _, err := scheduler.ParsePolicy(t.Every, t.At); err != nil {
			add(fmt.Errorf("%s: %w", path, err))
		}
		_, err := ParseDurationField(path+".timeout", t.Timeout)
		add(err)
	}
	for name, n := range seen {
		// Duplicates are legal for the scheduler; config-defined ones are
		// almost always a copy/paste slip.
		if n > 1 && name != "" {
			add(fmt.Errorf("scheduler.tasks: duplicate name %q", name))
		}
	}

	if st := cfg.Storage; st != nil {
		switch strings.ToLower(strings.TrimSpace(st.Driver)) {
		case "", "none":
		case "file", "sqlite", "sqlite3":
			if strings.TrimSpace(st.Path) == "" {
				add(errors.New("storage.path: required"))
			}
		default:
			add(fmt.Errorf("storage.driver: unknown driver %q", st.Driver))
		}
		_, err := ParseDurationField("storage.busy_timeout", st.BusyTimeout)
		add(err)
		_, err = ParseDurationField("storage.retention", st.Retention)
		add(err)
	}

	if n := cfg.Notifier; n != nil && n.Enabled {
		if strings.TrimSpace(n.TelegramToken) != "" && n.ChatID == 0 {
			add(errors.New("notifier.chat_id: required with telegram_token"))
		}
		if n.RatePerSec < 0 {
			add(errors.New("notifier.rate_per_sec: must be >= 0"))
		}
		_, err := ParseDurationField("notifier.dedup_window", n.DedupWindow)
		add(err)
	}

	if m := cfg.Metrics; m.Enabled && strings.TrimSpace(m.Addr) != "" {
		if _, _, err := net.SplitHostPort(m.Addr); err != nil {
			add(fmt.Errorf("metrics.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
