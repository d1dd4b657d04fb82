package supervisor

import (
	"context"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/autopeer-io/lockagent/pkg/log"
)

// Notifier tells the service manager about the agent's life cycle.
type Notifier interface {
	Ready()
	Status(msg string)
	Stopping()
}

// SystemdNotifier speaks the sd_notify protocol. Outside a systemd unit every
// call is a no-op.
type SystemdNotifier struct{}

func (SystemdNotifier) Ready()            { sdNotify(daemon.SdNotifyReady) }
func (SystemdNotifier) Status(msg string) { sdNotify("STATUS=" + msg) }
func (SystemdNotifier) Stopping()         { sdNotify(daemon.SdNotifyStopping) }

// Watchdog sends keep-alives at half the unit's WatchdogSec until ctx is
// done. It returns immediately when the watchdog is not enabled.
func (SystemdNotifier) Watchdog(ctx context.Context) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	log.Info("Service manager watchdog enabled", "interval", interval)

	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sdNotify(daemon.SdNotifyWatchdog)
		}
	}
}

func sdNotify(state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", "state", state, "err", err)
	}
}

type nopNotifier struct{}

func (nopNotifier) Ready()        {}
func (nopNotifier) Status(string) {}
func (nopNotifier) Stopping()     {}
