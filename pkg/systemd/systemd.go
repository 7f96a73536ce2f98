// Package systemd speaks the sd_notify protocol: readiness, status text,
// shutdown and watchdog keep-alives. Every call is a no-op when the process
// is not running under systemd (NOTIFY_SOCKET unset) or when disabled.
package systemd

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"pulse/pkg/logx"
)

type Notifier struct {
	log     logx.Logger
	enabled bool

	notify   func(state string) (bool, error)
	watchdog func() (time.Duration, error)
}

func New(enabled bool, log logx.Logger) *Notifier {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		log:      log.With(logx.String("comp", "systemd")),
		enabled:  enabled,
		notify:   func(state string) (bool, error) { return daemon.SdNotify(false, state) },
		watchdog: func() (time.Duration, error) { return daemon.SdWatchdogEnabled(false) },
	}
}

func (n *Notifier) send(state string) bool {
	if n == nil || !n.enabled {
		return false
	}
	sent, err := n.notify(state)
	if err != nil {
		n.log.Warn("sd_notify failed", logx.Err(err))
		return false
	}
	return sent
}

// Ready reports startup completion with an optional status line.
func (n *Notifier) Ready(status string) bool {
	state := daemon.SdNotifyReady
	if status != "" {
		state += "\nSTATUS=" + status
	}
	sent := n.send(state)
	if sent {
		n.log.Debug("sd_notify ready sent")
	}
	return sent
}

func (n *Notifier) Status(status string) bool { return n.send("STATUS=" + status) }

func (n *Notifier) Stopping() bool { return n.send(daemon.SdNotifyStopping) }

// WatchdogInterval returns the keep-alive period to use, half of WATCHDOG_USEC,
// or 0 when the service manager does not expect keep-alives.
func (n *Notifier) WatchdogInterval() time.Duration {
	if n == nil || !n.enabled {
		return 0
	}
	d, err := n.watchdog()
	if err != nil {
		n.log.Warn("watchdog config invalid", logx.Err(err))
		return 0
	}
	return d / 2
}

// Ping sends one watchdog keep-alive. Driven from a ticker task, a stalled
// tick loop stops feeding the watchdog.
func (n *Notifier) Ping(ctx context.Context) error {
	_ = ctx
	n.send(daemon.SdNotifyWatchdog)
	return nil
}
