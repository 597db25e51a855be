// Package systemd reports service state to systemd (sd_notify) and keeps
// the unit watchdog fed.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	logx "greenbox/pkg/logx"
)

// NotifyFunc sends one sd_notify state string. It matches daemon.SdNotify
// with unsetEnvironment fixed to false.
type NotifyFunc func(state string) (bool, error)

// Notifier wraps sd_notify. Outside a systemd unit every call is a cheap
// no-op because NOTIFY_SOCKET is unset.
type Notifier struct {
	log      logx.Logger
	notify   NotifyFunc
	watchdog func() (time.Duration, error)
}

func New(log logx.Logger) *Notifier {
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

// WithFuncs replaces the sd_notify and watchdog probes. Used by tests.
func (n *Notifier) WithFuncs(notify NotifyFunc, watchdog func() (time.Duration, error)) *Notifier {
	cp := *n
	if notify != nil {
		cp.notify = notify
	}
	if watchdog != nil {
		cp.watchdog = watchdog
	}
	return &cp
}

func (n *Notifier) send(state string) {
	sent, err := n.notify(state)
	switch {
	case err != nil:
		n.log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
	case sent:
		n.log.Debug("sd_notify sent", logx.String("state", state))
	}
}

func (n *Notifier) Ready()     { n.send(daemon.SdNotifyReady) }
func (n *Notifier) Stopping()  { n.send(daemon.SdNotifyStopping) }
func (n *Notifier) Reloading() { n.send(daemon.SdNotifyReloading) }

// Status sets the free-form status line shown by systemctl status.
func (n *Notifier) Status(s string) { n.send("STATUS=" + s) }

// Watchdog pings WATCHDOG=1 at half the unit's WatchdogSec until ctx is
// done. healthy gates each ping so a wedged controller lets systemd restart
// the service. It returns immediately when the watchdog is not enabled.
func (n *Notifier) Watchdog(ctx context.Context, healthy func() bool) error {
	interval, err := n.watchdog()
	if err != nil {
		return err
	}
	if interval <= 0 {
		n.log.Debug("watchdog not enabled for this unit")
		return nil
	}
	tick := interval / 2
	n.log.Info("watchdog enabled", logx.Duration("interval", interval))

	t := time.NewTicker(tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if healthy != nil && !healthy() {
				n.log.Warn("skipping watchdog ping: unhealthy")
				continue
			}
			n.send(daemon.SdNotifyWatchdog)
		}
	}
}
