package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/coreos/go-systemd/v22/journal"

	"flowcore/pkg/logx"
)

// sdNotifier talks to the service manager. Every method is a no-op outside
// systemd (no NOTIFY_SOCKET / journal socket).
type sdNotifier struct {
	notify  bool
	journal bool
	log     logx.Logger
}

func newSDNotifier(notify, useJournal bool, log logx.Logger) *sdNotifier {
	return &sdNotifier{notify: notify, journal: useJournal && journal.Enabled(), log: log}
}

func (n *sdNotifier) send(state string) {
	if !n.notify {
		return
	}
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		n.log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
		return
	}
	if sent {
		n.log.Debug("sd_notify", logx.String("state", state))
	}
}

func (n *sdNotifier) Ready() { n.send(daemon.SdNotifyReady) }
func (n *sdNotifier) Stopping() { n.send(daemon.SdNotifyStopping) }
func (n *sdNotifier) Status(msg string) { n.send("STATUS=" + msg) }
func (n *sdNotifier) watchdogPing() { n.send(daemon.SdNotifyWatchdog) }

// Watchdog pings at half the configured WATCHDOG_USEC until ctx ends. It
// returns at once when no watchdog is configured.
func (n *sdNotifier) Watchdog(ctx context.Context) error {
	if !n.notify {
		return nil
	}
	every, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}
	if every <= 0 {
		return nil
	}
	t := time.NewTicker(every / 2)
	defer t.Stop()
	n.log.Info("systemd watchdog enabled", logx.Duration("interval", every))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n.watchdogPing()
		}
	}
}

// Journal writes msg with structured fields to the systemd journal.
func (n *sdNotifier) Journal(pri journal.Priority, msg string, vars map[string]string) {
	if !n.journal {
		return
	}
	if err := journal.Send(msg, pri, vars); err != nil {
		n.log.Debug("journal send failed", logx.Err(err))
	}
}
