package storage

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"greenbox/internal/eventbus"
	"greenbox/internal/sensor"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// ReadingRecord is a stored sensor reading.
type ReadingRecord struct {
	ID    string      `json:"id"`
	At    time.Time   `json:"at"`
	Kind  sensor.Kind `json:"kind"`
	Value float64     `json:"value"`
}

func (r ReadingRecord) Reading() sensor.Reading {
	return sensor.Reading{Kind: r.Kind, Value: r.Value, At: r.At}
}

// AlertRecord is a stored threshold alert.
type AlertRecord struct {
	ID      string    `json:"id"`
	At      time.Time `json:"at"`
	Key     string    `json:"key"`
	Kind    string    `json:"kind"`
	Value   float64   `json:"value"`
	Limit   float64   `json:"limit"`
	Message string    `json:"message"`
}

func (r AlertRecord) Alert() eventbus.Alert {
	return eventbus.Alert{Key: r.Key, Kind: r.Kind, Value: r.Value, Limit: r.Limit, Message: r.Message}
}

func newReadingRecord(r sensor.Reading) ReadingRecord {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	return ReadingRecord{ID: uuid.NewString(), At: at.UTC(), Kind: r.Kind, Value: r.Value}
}

func newAlertRecord(a eventbus.Alert, at time.Time) AlertRecord {
	if at.IsZero() {
		at = time.Now()
	}
	return AlertRecord{
		ID: uuid.NewString(), At: at.UTC(),
		Key: a.Key, Kind: a.Kind, Value: a.Value, Limit: a.Limit, Message: a.Message,
	}
}
