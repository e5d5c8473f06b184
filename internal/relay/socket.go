package relay

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/coreos/go-systemd/v22/activation"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/logging"
)

// ListenSocket acquires the listen-side UDP socket, either by adopting a
// supervisor-passed socket (systemd socket activation) or by binding the
// configured listen address.
func ListenSocket(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*net.UDPConn, error) {
	mode := cfg.Proxy.SocketActivation

	if mode == config.ActivationAuto || mode == config.ActivationRequire {
		conn, err := activatedSocket(logger)
		if err != nil {
			return nil, err
		}
		if conn != nil {
			logger.Info("adopted supervisor-passed listen socket",
				slog.String(logging.KeyListenAddr, conn.LocalAddr().String()))
			return tuneSocket(conn, cfg, logger), nil
		}
		if mode == config.ActivationRequire {
			return nil, fmt.Errorf("socket activation required but no socket was passed by the supervisor")
		}
	}

	lc := net.ListenConfig{
		Control: listenControl(cfg.Proxy.ReusePort, logger),
	}
	pc, err := lc.ListenPacket(ctx, "udp", cfg.Proxy.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", cfg.Proxy.ListenAddress, err)
	}

	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("unexpected packet conn type %T for %s", pc, cfg.Proxy.ListenAddress)
	}

	logger.Info("listening",
		slog.String(logging.KeyListenAddr, conn.LocalAddr().String()))
	return tuneSocket(conn, cfg, logger), nil
}

// activatedSocket returns the first UDP socket passed by the supervisor, or
// nil when none was passed. Extra sockets are closed with a warning, matching
// the single-socket contract of the unit file.
func activatedSocket(logger *slog.Logger) (*net.UDPConn, error) {
	conns, err := activation.PacketConns()
	if err != nil {
		return nil, fmt.Errorf("inspect activation sockets: %w", err)
	}
	if len(conns) == 0 {
		return nil, nil
	}
	if len(conns) > 1 {
		logger.Warn("more than one socket was passed by the supervisor, using the first",
			slog.Int("count", len(conns)))
		for _, extra := range conns[1:] {
			if extra != nil {
				extra.Close()
			}
		}
	}

	conn, ok := conns[0].(*net.UDPConn)
	if !ok {
		conns[0].Close()
		return nil, fmt.Errorf("supervisor passed a %T, expected a UDP socket", conns[0])
	}
	return conn, nil
}

// tuneSocket applies the configured kernel buffer sizes. Failures are
// logged and the OS defaults stay in effect.
func tuneSocket(conn *net.UDPConn, cfg *config.Config, logger *slog.Logger) *net.UDPConn {
	if cfg.Proxy.ReadBuffer > 0 {
		if err := conn.SetReadBuffer(cfg.Proxy.ReadBuffer); err != nil {
			logger.Warn("failed to set read buffer size",
				slog.String(logging.KeyError, err.Error()))
		}
	}
	if cfg.Proxy.WriteBuffer > 0 {
		if err := conn.SetWriteBuffer(cfg.Proxy.WriteBuffer); err != nil {
			logger.Warn("failed to set write buffer size",
				slog.String(logging.KeyError, err.Error()))
		}
	}
	return conn
}
