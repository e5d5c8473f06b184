package relay

import (
	"errors"
	"net"
	"syscall"
)

// errAction says what a loop should do with an I/O error.
type errAction int

const (
	// actionContinue drops the affected datagram and keeps the loop running.
	actionContinue errAction = iota
	// actionTerminate ends the loop; the error is unrecoverable.
	actionTerminate
)

// classify sorts socket errors into recoverable and unrecoverable.
//
// ECONNREFUSED is recoverable on purpose: a connected upstream socket
// reports it when the upstream service has not started yet, and the proxy
// must keep running until it does.
func classify(err error) errAction {
	if err == nil {
		return actionContinue
	}

	if errors.Is(err, net.ErrClosed) {
		return actionTerminate
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return actionContinue
	}

	switch {
	case errors.Is(err, syscall.EPERM),
		errors.Is(err, syscall.EACCES),
		errors.Is(err, syscall.EADDRINUSE),
		errors.Is(err, syscall.EADDRNOTAVAIL),
		errors.Is(err, syscall.EINVAL),
		errors.Is(err, syscall.ENOTSUP),
		errors.Is(err, syscall.ENOMEM):
		return actionTerminate
	}

	return actionContinue
}
