package notifier

import "time"

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

// Notification is one message for the operator.
//
// Key groups messages for dedup (an alert key such as "temperature.high");
// when empty the text itself is the key.
type Notification struct {
	Key      string
	Text     string
	Priority int
}

// Priorities used by the daemon.
const (
	PriorityInfo  = 5
	PriorityWarn  = 7
	PriorityAlert = 9
)

type HistoryItem struct {
	At   time.Time
	Text string
}

// Bus event types published by the notifier.
const (
	EventQueued  = "notifier.queued"
	EventDeduped = "notifier.deduped"
	EventDropped = "notifier.dropped"
	EventSent    = "notifier.sent"
	EventFailed  = "notifier.failed"
)

// NotificationEvent is the payload of notifier bus events.
type NotificationEvent struct {
	Key   string    `json:"key"`
	At    time.Time `json:"at"`
	Error string    `json:"error,omitempty"`
}
