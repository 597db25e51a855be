package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
	logx "greenbox/pkg/logx"
)

// Store is the persistence API used by the controller, the built-in tasks
// and the notifier.
type Store interface {
	AppendReading(ctx context.Context, r sensor.Reading) error
	AppendAlert(ctx context.Context, a eventbus.Alert, at time.Time) error

	// ReadingsSince returns readings of kind taken at or after since, oldest
	// first. An empty kind matches every kind.
	ReadingsSince(ctx context.Context, kind sensor.Kind, since time.Time) ([]ReadingRecord, error)
	AlertsSince(ctx context.Context, since time.Time) ([]AlertRecord, error)

	// PruneBefore deletes readings and alerts older than t and returns how
	// many rows were removed.
	PruneBefore(ctx context.Context, t time.Time) (int64, error)

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
