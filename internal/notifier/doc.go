// Package notifier delivers alert and report messages to operators.
//
// Messages go through an async pipeline: a bounded queue, a small worker
// pool, a token-bucket rate limit (golang.org/x/time/rate), retries with
// jittered backoff and a dedup window keyed by alert. Delivery is delegated
// to a Sender, normally Telegram.
package notifier
