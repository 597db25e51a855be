package config

import "time"

const (
	DefaultCycleInterval = 60 * time.Second
	DefaultMaxTemp       = 30.0
	DefaultMinHumidity   = 40.0
	DefaultMetricsAddr   = "127.0.0.1:9108"
	DefaultLogPath       = "./greenbox.log"
	DefaultRetention     = 30 * 24 * time.Hour
)

// Default returns the configuration used when no file is present:
// console + file logging and the built-in thresholds.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:   "info",
			Console: true,
			File:    LoggingFile{Enabled: true, Path: DefaultLogPath},
		},
		Controller: ControllerConfig{CycleInterval: DefaultCycleInterval.String()},
	}
}

// MaxTempOrDefault returns the configured limit or the default.
func (c ControllerConfig) MaxTempOrDefault() float64 {
	if c.MaxTemp == nil {
		return DefaultMaxTemp
	}
	return *c.MaxTemp
}

func (c ControllerConfig) MinHumidityOrDefault() float64 {
	if c.MinHumidity == nil {
		return DefaultMinHumidity
	}
	return *c.MinHumidity
}
