//go:build linux

package relay

import (
	"log/slog"
	"syscall"

	"golang.org/x/sys/unix"
)

// listenControl returns a ListenConfig control func that applies socket
// options before bind. SO_REUSEADDR is always set so a restart can rebind
// immediately; SO_REUSEPORT is opt-in.
func listenControl(reusePort bool, logger *slog.Logger) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
				sockErr = err
				return
			}
			if reusePort {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
					sockErr = err
				}
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
