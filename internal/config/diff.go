package config

import (
	"reflect"
	"strings"

	logx "greenbox/pkg/logx"
)

// SummarizeConfigChange returns the names of changed sections and safe
// structured attrs for logging (never includes the telegram token).
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 12)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}
	if !reflect.DeepEqual(oldCfg.Controller, newCfg.Controller) {
		changed = append(changed, "controller")
		attrs = append(attrs,
			logx.String("controller.cycle_interval", strings.TrimSpace(newCfg.Controller.CycleInterval)),
			logx.Float64("controller.max_temp", newCfg.Controller.MaxTempOrDefault()),
			logx.Float64("controller.min_humidity", newCfg.Controller.MinHumidityOrDefault()),
		)
	}
	if !reflect.DeepEqual(oldCfg.Sensors, newCfg.Sensors) {
		changed = append(changed, "sensors")
	}
	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs, logx.Int("scheduler.tasks", len(newCfg.Scheduler.Tasks)))
	}
	if !reflect.DeepEqual(oldCfg.Storage, newCfg.Storage) {
		changed = append(changed, "storage")
	}
	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		if newCfg.Notifier != nil {
			attrs = append(attrs,
				logx.Bool("notifier.enabled", newCfg.Notifier.Enabled),
				logx.Bool("notifier.telegram_set", strings.TrimSpace(newCfg.Notifier.TelegramToken) != ""),
			)
		}
	}
	if !reflect.DeepEqual(oldCfg.Metrics, newCfg.Metrics) {
		changed = append(changed, "metrics")
		attrs = append(attrs,
			logx.Bool("metrics.enabled", newCfg.Metrics.Enabled),
			logx.String("metrics.addr", newCfg.Metrics.Addr),
		)
	}
	if !reflect.DeepEqual(oldCfg.Systemd, newCfg.Systemd) {
		changed = append(changed, "systemd")
	}
	return changed, attrs
}
