// Package notify reports process lifecycle events to an external supervisor.
//
// The systemd implementation speaks the sd_notify protocol (READY=1,
// WATCHDOG=1, STOPPING=1 over the NOTIFY_SOCKET datagram socket). When the
// process is not running under a supervisor the package degrades to a no-op
// notifier, never an error: supervision is an optional capability.
package notify

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
)

// Notifier reports readiness and liveness to a process supervisor.
// Implementations must be safe for concurrent use.
type Notifier interface {
	// Ready signals that the proxy is bound and serving.
	Ready() error

	// Watchdog sends a keep-alive proving the proxy is making progress.
	Watchdog() error

	// Stopping signals the beginning of orderly shutdown.
	Stopping() error

	// Status publishes a free-form status line.
	Status(msg string) error

	// WatchdogInterval returns the interval at which Watchdog should be
	// called, and whether the supervisor requested keep-alives at all.
	WatchdogInterval() (time.Duration, bool)
}

// New returns a systemd notifier when the process runs under a supervisor
// that provided NOTIFY_SOCKET, and a no-op notifier otherwise.
func New(logger *slog.Logger) Notifier {
	if os.Getenv("NOTIFY_SOCKET") == "" {
		logger.Debug("no supervisor notify socket, lifecycle notifications disabled")
		return Nop{}
	}

	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("watchdog detection failed, keep-alives disabled", "error", err)
		interval = 0
	}

	return &systemdNotifier{
		logger:   logger,
		interval: interval,
	}
}

// systemdNotifier implements Notifier over the sd_notify protocol.
type systemdNotifier struct {
	logger *slog.Logger

	// interval is the supervisor's WatchdogSec, zero when no watchdog
	// was configured.
	interval time.Duration
}

func (n *systemdNotifier) Ready() error {
	return n.send(daemon.SdNotifyReady)
}

func (n *systemdNotifier) Watchdog() error {
	return n.send(daemon.SdNotifyWatchdog)
}

func (n *systemdNotifier) Stopping() error {
	return n.send(daemon.SdNotifyStopping)
}

func (n *systemdNotifier) Status(msg string) error {
	return n.send("STATUS=" + msg)
}

// WatchdogInterval halves the supervisor's timeout so a single delayed
// notification does not trip a restart.
func (n *systemdNotifier) WatchdogInterval() (time.Duration, bool) {
	if n.interval <= 0 {
		return 0, false
	}
	return n.interval / 2, true
}

func (n *systemdNotifier) send(state string) error {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		return fmt.Errorf("sd_notify %q: %w", state, err)
	}
	if !sent {
		// Socket vanished mid-run; treat like running unsupervised.
		n.logger.Debug("supervisor notification not delivered", "state", state)
	}
	return nil
}

// Nop is a Notifier for environments without a supervisor.
type Nop struct{}

func (Nop) Ready() error                            { return nil }
func (Nop) Watchdog() error                         { return nil }
func (Nop) Stopping() error                         { return nil }
func (Nop) Status(string) error                     { return nil }
func (Nop) WatchdogInterval() (time.Duration, bool) { return 0, false }
