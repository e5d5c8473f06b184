//go:build !linux

package relay

import (
	"log/slog"
	"syscall"
)

// listenControl is a no-op outside Linux; reuse_port is Linux-only and is
// ignored with a warning.
func listenControl(reusePort bool, logger *slog.Logger) func(network, address string, c syscall.RawConn) error {
	if reusePort {
		logger.Warn("reuse_port is only supported on Linux, ignoring")
	}
	return nil
}
