// Package relay implements the datagram forwarding engine.
//
// One goroutine reads the listen socket and forwards client datagrams to
// per-session connected upstream sockets; one goroutine per session reads
// upstream replies and writes them back to the owning client through the
// shared listen socket. A ticker-driven sweeper removes idle sessions.
// Datagrams received on one socket are forwarded in arrival order.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/session"
)

// sessionPollInterval bounds how long a session's return loop can block in
// a read before it re-checks for cancellation.
const sessionPollInterval = 1 * time.Second

// Relay forwards datagrams between the listen socket and per-session
// upstream sockets.
type Relay struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	listen       *net.UDPConn
	table        *session.Table
	upstreamAddr *net.UDPAddr
	sourceIP     net.IP

	running atomic.Bool
	wg      sync.WaitGroup

	datagramsUp   atomic.Uint64
	datagramsDown atomic.Uint64
	bytesUp       atomic.Uint64
	bytesDown     atomic.Uint64
}

// New creates a relay over an already-bound listen socket. The upstream
// address is resolved once here; resolution failure is a startup error.
func New(cfg *config.Config, listen *net.UDPConn, table *session.Table, logger *slog.Logger, m *metrics.Metrics) (*Relay, error) {
	upstreamAddr, err := net.ResolveUDPAddr("udp", cfg.Proxy.UpstreamAddress)
	if err != nil {
		return nil, fmt.Errorf("resolve upstream address %s: %w", cfg.Proxy.UpstreamAddress, err)
	}

	var sourceIP net.IP
	if cfg.Proxy.SourceAddress != "" {
		sourceIP = net.ParseIP(cfg.Proxy.SourceAddress)
		if sourceIP == nil {
			return nil, fmt.Errorf("invalid source address: %s", cfg.Proxy.SourceAddress)
		}
	}

	return &Relay{
		cfg:          cfg,
		logger:       logger.With(slog.String(logging.KeyComponent, "relay")),
		metrics:      m,
		listen:       listen,
		table:        table,
		upstreamAddr: upstreamAddr,
		sourceIP:     sourceIP,
	}, nil
}

// Run forwards datagrams until ctx is cancelled or an unrecoverable listen
// socket error occurs. On return all sessions are closed and their loops
// have exited. Run returns nil on cancellation.
func (r *Relay) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()

	r.wg.Add(1)
	go r.sweepLoop(sweepCtx)

	// Closing the listen socket is what unblocks the read below.
	closeOnce := context.AfterFunc(ctx, func() {
		r.listen.Close()
	})
	defer closeOnce()

	err := r.readLoop(ctx)

	// Stop accepting, then drain: closing the table cancels every
	// session's return loop.
	r.listen.Close()
	stopSweep()
	remaining := r.table.Close()
	for range remaining {
		r.metrics.RecordSessionClose(false)
	}
	r.wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return err
}

// Running reports whether the forwarding loop is alive. The supervisor
// watchdog is only fed while this is true.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Totals returns the relay-wide traffic counters:
// client→upstream datagrams and bytes, then upstream→client datagrams and bytes.
func (r *Relay) Totals() (upDatagrams, upBytes, downDatagrams, downBytes uint64) {
	return r.datagramsUp.Load(), r.bytesUp.Load(), r.datagramsDown.Load(), r.bytesDown.Load()
}

// readLoop receives client datagrams on the listen socket and forwards them
// upstream. A single goroutine keeps per-socket arrival order.
func (r *Relay) readLoop(ctx context.Context) error {
	// One spare byte past the configured size detects datagrams that
	// would otherwise be forwarded truncated.
	buf := make([]byte, r.cfg.Proxy.BufferSize+1)

	for {
		n, clientAddr, err := r.listen.ReadFromUDPAddrPort(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if classify(err) == actionTerminate {
				return fmt.Errorf("listen socket receive: %w", err)
			}
			r.metrics.RecordDrop(metrics.DropReceiveError)
			r.logger.Debug("receive error, datagram dropped",
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		if n > r.cfg.Proxy.BufferSize {
			r.metrics.RecordDrop(metrics.DropOversized)
			r.logger.Warn("datagram exceeds buffer size, dropped",
				slog.String(logging.KeyClientAddr, clientAddr.String()),
				slog.Int("limit", r.cfg.Proxy.BufferSize))
			continue
		}

		r.forwardToUpstream(clientAddr, buf[:n])
	}
}

// forwardToUpstream resolves the client's session and relays one datagram.
// All failures drop the single datagram and leave existing sessions intact.
func (r *Relay) forwardToUpstream(clientAddr netip.AddrPort, payload []byte) {
	sess, created, err := r.table.LookupOrCreate(clientAddr, r.dial)
	if err != nil {
		r.dropForCreateError(clientAddr, err)
		return
	}

	if created {
		r.metrics.RecordSessionCreate()
		r.logger.Info("session created",
			slog.String(logging.KeyClientAddr, clientAddr.String()),
			slog.String(logging.KeyUpstreamAddr, r.upstreamAddr.String()))

		r.wg.Add(1)
		go r.returnLoop(sess)
	}

	if !sess.Acquire() {
		r.metrics.RecordDrop(metrics.DropSessionClosed)
		return
	}
	defer sess.Release()

	sess.UpdateActivity()

	upstream := sess.Upstream()
	if upstream == nil {
		r.metrics.RecordDrop(metrics.DropSessionClosed)
		return
	}

	if _, err := upstream.Write(payload); err != nil {
		// ECONNREFUSED just means the upstream service is not up yet.
		r.metrics.RecordDrop(metrics.DropSendError)
		r.logger.Debug("upstream send failed, datagram dropped",
			slog.String(logging.KeyClientAddr, clientAddr.String()),
			slog.String(logging.KeyError, err.Error()))
		return
	}

	sess.RecordUp(len(payload))
	r.datagramsUp.Add(1)
	r.bytesUp.Add(uint64(len(payload)))
	r.metrics.RecordForward(metrics.DirClientToUpstream, len(payload))
}

func (r *Relay) dropForCreateError(clientAddr netip.AddrPort, err error) {
	switch {
	case errors.Is(err, session.ErrSessionLimit):
		r.metrics.RecordSessionReject(metrics.DropSessionLimit)
		r.metrics.RecordDrop(metrics.DropSessionLimit)
		r.logger.Warn("session limit reached, datagram dropped",
			slog.String(logging.KeyClientAddr, clientAddr.String()))
	case errors.Is(err, session.ErrSessionRate):
		r.metrics.RecordSessionReject(metrics.DropSessionRate)
		r.metrics.RecordDrop(metrics.DropSessionRate)
		r.logger.Warn("session creation rate limited, datagram dropped",
			slog.String(logging.KeyClientAddr, clientAddr.String()))
	case errors.Is(err, session.ErrTableClosed):
		r.metrics.RecordDrop(metrics.DropSessionClosed)
	default:
		r.metrics.RecordSessionReject(metrics.DropDialError)
		r.metrics.RecordDrop(metrics.DropDialError)
		r.logger.Error("failed to create session",
			slog.String(logging.KeyClientAddr, clientAddr.String()),
			slog.String(logging.KeyError, err.Error()))
	}
}

// dial opens the per-session connected upstream socket. The OS assigns the
// local port; replies arriving on this socket belong to exactly one client.
func (r *Relay) dial(netip.AddrPort) (*net.UDPConn, error) {
	var local *net.UDPAddr
	if r.sourceIP != nil {
		local = &net.UDPAddr{IP: r.sourceIP}
	}
	return net.DialUDP("udp", local, r.upstreamAddr)
}

// returnLoop reads upstream replies for one session and forwards them to the
// session's client. It polls with a short deadline so cancellation is
// observed within one cycle.
func (r *Relay) returnLoop(sess *session.Session) {
	defer r.wg.Done()

	buf := make([]byte, r.cfg.Proxy.BufferSize+1)

	for {
		select {
		case <-sess.Context().Done():
			return
		default:
		}

		upstream := sess.Upstream()
		if upstream == nil {
			return
		}

		upstream.SetReadDeadline(time.Now().Add(sessionPollInterval))
		n, err := upstream.Read(buf)
		if err != nil {
			if sess.IsClosed() {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if classify(err) == actionTerminate {
				r.logger.Warn("session upstream socket failed",
					slog.String(logging.KeyClientAddr, sess.ClientAddr.String()),
					slog.String(logging.KeyError, err.Error()))
				if r.table.RemoveSession(sess) {
					r.metrics.RecordSessionClose(false)
				}
				return
			}
			// ECONNREFUSED and friends: recoverable, keep listening.
			r.metrics.RecordDrop(metrics.DropReceiveError)
			continue
		}

		sess.UpdateActivity()

		if n > r.cfg.Proxy.BufferSize {
			r.metrics.RecordDrop(metrics.DropOversized)
			r.logger.Warn("upstream reply exceeds buffer size, dropped",
				slog.String(logging.KeyClientAddr, sess.ClientAddr.String()),
				slog.Int("limit", r.cfg.Proxy.BufferSize))
			continue
		}

		if _, err := r.listen.WriteToUDPAddrPort(buf[:n], sess.ClientAddr); err != nil {
			r.metrics.RecordDrop(metrics.DropSendError)
			r.logger.Debug("client send failed, datagram dropped",
				slog.String(logging.KeyClientAddr, sess.ClientAddr.String()),
				slog.String(logging.KeyError, err.Error()))
			continue
		}

		sess.RecordDown(n)
		r.datagramsDown.Add(1)
		r.bytesDown.Add(uint64(n))
		r.metrics.RecordForward(metrics.DirUpstreamToClient, n)
	}
}

// sweepLoop removes idle sessions on a fixed interval, independent of
// datagram traffic.
func (r *Relay) sweepLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.EffectiveSweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			expired := r.table.Sweep(start, r.cfg.Proxy.IdleTimeout)
			r.metrics.RecordSweep(time.Since(start).Seconds())

			for _, sess := range expired {
				r.metrics.RecordSessionClose(true)
				c := sess.Counters()
				r.logger.Info("session expired",
					slog.String(logging.KeyClientAddr, sess.ClientAddr.String()),
					slog.Duration("idle", r.cfg.Proxy.IdleTimeout),
					slog.Uint64("datagrams_up", c.DatagramsUp),
					slog.Uint64("datagrams_down", c.DatagramsDown))
			}
		}
	}
}
