package app

import (
	"fmt"
	"strings"
	"time"

	"greenbox/internal/config"
	"greenbox/internal/controller"
	"greenbox/internal/notifier"
	"greenbox/internal/observability/httpserver"
	"greenbox/internal/sensor"
	"greenbox/internal/storage"
	logx "greenbox/pkg/logx"
)

func mapLogConfig(cfg *config.Config, verbose bool) logx.Config {
	lc := logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled:    cfg.Logging.File.Enabled,
			Path:       cfg.Logging.File.Path,
			MaxSizeMB:  cfg.Logging.File.MaxSizeMB,
			MaxBackups: cfg.Logging.File.MaxBackups,
			MaxAgeDays: cfg.Logging.File.MaxAgeDays,
			Compress:   cfg.Logging.File.Compress,
		},
	}
	if verbose {
		lc.Level = "debug"
	}
	return lc
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool, error) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapRetention(cfg *config.Config) (time.Duration, error) {
	if cfg.Storage == nil {
		return config.DefaultRetention, nil
	}
	return config.ParseDurationOrDefault("storage.retention", cfg.Storage.Retention, config.DefaultRetention)
}

func mapControllerConfig(cfg *config.Config) (controller.Config, error) {
	raw := strings.TrimSpace(cfg.Controller.CycleInterval)
	cad := controller.Every(config.DefaultCycleInterval)
	if raw != "" {
		var err error
		cad, err = controller.ParseCadence(raw)
		if err != nil {
			return controller.Config{}, fmt.Errorf("controller.cycle_interval: %w", err)
		}
	}
	return controller.Config{
		Cadence: cad,
		Thresholds: controller.Thresholds{
			MaxTemp:     cfg.Controller.MaxTempOrDefault(),
			MinHumidity: cfg.Controller.MinHumidityOrDefault(),
			MinMoisture: cfg.Controller.MinMoisture,
			MinLight:    cfg.Controller.MinLight,
		},
	}, nil
}

func mapNotifierConfig(cfg *config.Config, persist bool) (notifier.Config, error) {
	nc := notifier.Config{
		Workers:       1,
		RetryMax:      3,
		RetryBase:     500 * time.Millisecond,
		RetryMaxDelay: 10 * time.Second,
		PersistDedup:  persist,
	}
	n := cfg.Notifier
	if n == nil {
		return nc, nil
	}
	window, err := config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, 10*time.Minute)
	if err != nil {
		return notifier.Config{}, err
	}
	nc.Enabled = n.Enabled
	nc.QueueSize = n.QueueSize
	nc.RatePerSec = n.RatePerSec
	nc.DedupWindow = window
	return nc, nil
}

// mapSender picks Telegram when a token is configured and falls back to
// the log otherwise.
func mapSender(cfg *config.Config, log logx.Logger) (notifier.Sender, error) {
	n := cfg.Notifier
	if n == nil || strings.TrimSpace(n.TelegramToken) == "" {
		return notifier.LogSender{Log: log.With(logx.String("comp", "notifier"))}, nil
	}
	return notifier.NewTelegramSender(n.TelegramToken, n.ChatID)
}

func mapHTTPConfig(cfg *config.Config) httpserver.Config {
	addr := strings.TrimSpace(cfg.Metrics.Addr)
	if addr == "" {
		addr = config.DefaultMetricsAddr
	}
	return httpserver.Config{
		Enabled:       cfg.Metrics.Enabled,
		Addr:          addr,
		Token:         cfg.Metrics.Token,
		AllowInsecure: cfg.Metrics.AllowInsecure,
		Pprof:         cfg.Metrics.Pprof,
	}
}

func buildSensors(cfg *config.Config, log logx.Logger) ([]sensor.Sensor, error) {
	kinds := []sensor.Kind{sensor.Temperature, sensor.Humidity}
	if cfg.Sensors.Moisture {
		kinds = append(kinds, sensor.Moisture)
	}
	if cfg.Sensors.Light {
		kinds = append(kinds, sensor.Light)
	}

	out := make([]sensor.Sensor, 0, len(kinds))
	for i, k := range kinds {
		// unset pins stay 0; the simulated driver only logs them
		pin := cfg.Sensors.Pins[string(k)]
		seed := cfg.Sensors.Seed
		if seed != 0 {
			// distinct but reproducible streams per sensor
			seed += int64(i)
		}
		s, err := sensor.NewSimulated(k, pin, seed, log)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
