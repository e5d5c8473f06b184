// Package proxy wires the listen socket, session table, forwarding relay,
// supervisor notifier and health server into one runnable unit.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/health"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/notify"
	"github.com/postalsys/udprelay/internal/relay"
	"github.com/postalsys/udprelay/internal/session"
)

// Proxy is the top-level UDP proxy service.
type Proxy struct {
	cfg      *config.Config
	logger   *slog.Logger
	metrics  *metrics.Metrics
	notifier notify.Notifier

	mu        sync.Mutex
	listen    *net.UDPConn
	table     *session.Table
	relay     *relay.Relay
	healthSrv *health.Server
	cancel    context.CancelFunc
	done      chan struct{}
	runErr    error
	startedAt time.Time
	running   atomic.Bool
}

// Option customizes a Proxy.
type Option func(*Proxy)

// WithNotifier overrides supervisor detection with an explicit notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(p *Proxy) { p.notifier = n }
}

// WithMetrics overrides the default metrics registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) { p.metrics = m }
}

// New creates a proxy from configuration. Sockets are not touched until
// Start.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Proxy, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Proxy{
		cfg:    cfg,
		logger: logger,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.notifier == nil {
		p.notifier = notify.New(logger)
	}
	if p.metrics == nil {
		p.metrics = metrics.Default()
	}

	return p, nil
}

// Start acquires the listen socket, starts forwarding and reports readiness
// to the supervisor. It returns once the proxy is serving; forwarding runs
// in the background until Stop.
func (p *Proxy) Start() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running.Load() {
		return fmt.Errorf("proxy already running")
	}

	ctx, cancel := context.WithCancel(context.Background())

	listen, err := relay.ListenSocket(ctx, p.cfg, p.logger)
	if err != nil {
		cancel()
		return err
	}

	table := session.NewTable(p.cfg.Proxy.MaxSessions, p.cfg.Proxy.SessionRate, p.cfg.Proxy.SessionBurst)

	rl, err := relay.New(p.cfg, listen, table, p.logger, p.metrics)
	if err != nil {
		cancel()
		listen.Close()
		return err
	}

	if p.cfg.Health.Enabled {
		p.healthSrv = health.NewServer(health.ServerConfig{
			Address:      p.cfg.Health.Address,
			ReadTimeout:  p.cfg.Health.ReadTimeout,
			WriteTimeout: p.cfg.Health.WriteTimeout,
		}, p, p.logger)
		if err := p.healthSrv.Start(); err != nil {
			cancel()
			listen.Close()
			return err
		}
	}

	done := make(chan struct{})

	p.listen = listen
	p.table = table
	p.relay = rl
	p.cancel = cancel
	p.done = done
	p.runErr = nil
	p.startedAt = time.Now()
	p.running.Store(true)

	// Closing done (instead of sending one value) lets both Done waiters
	// and Stop observe the exit.
	go func() {
		err := rl.Run(ctx)
		p.running.Store(false)
		p.mu.Lock()
		p.runErr = err
		p.mu.Unlock()
		close(done)
	}()

	go p.watchdogLoop(ctx)

	p.logger.Info("proxy started",
		slog.String(logging.KeyListenAddr, listen.LocalAddr().String()),
		slog.String(logging.KeyUpstreamAddr, p.cfg.Proxy.UpstreamAddress))

	if err := p.notifier.Ready(); err != nil {
		p.logger.Warn("failed to notify supervisor of readiness",
			slog.String(logging.KeyError, err.Error()))
	}
	p.notifier.Status("forwarding")

	return nil
}

// Done returns a channel that is closed when the forwarding loop exits.
// After that, Stop returns the loop's error: non-nil only when the relay
// terminated on an unrecoverable socket failure.
func (p *Proxy) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// Stop shuts the proxy down: it announces STOPPING to the supervisor, stops
// accepting datagrams, closes all sessions and waits for the forwarding
// loops to exit or ctx to expire.
func (p *Proxy) Stop(ctx context.Context) error {
	p.mu.Lock()
	cancel := p.cancel
	done := p.done
	healthSrv := p.healthSrv
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return nil
	}

	p.notifier.Stopping()
	cancel()

	var err error
	select {
	case <-done:
		p.mu.Lock()
		err = p.runErr
		p.mu.Unlock()
	case <-ctx.Done():
		err = ctx.Err()
	}

	if healthSrv != nil {
		healthSrv.Stop(ctx)
	}

	upDatagrams, upBytes, downDatagrams, downBytes := p.relay.Totals()
	p.logger.Info("proxy stopped",
		slog.Duration(logging.KeyDuration, time.Since(p.startedAt)),
		slog.Uint64("datagrams_up", upDatagrams),
		slog.Uint64("datagrams_down", downDatagrams),
		slog.String(logging.KeyBytes, humanize.Bytes(upBytes+downBytes)))
	return err
}

// IsRunning reports whether the forwarding loop is alive.
func (p *Proxy) IsRunning() bool {
	return p.running.Load() && p.relay != nil && p.relay.Running()
}

// Stats returns a snapshot of the proxy's state for the health endpoints.
func (p *Proxy) Stats() health.Stats {
	stats := health.Stats{
		Running:         p.IsRunning(),
		UpstreamAddress: p.cfg.Proxy.UpstreamAddress,
	}

	p.mu.Lock()
	listen := p.listen
	table := p.table
	rl := p.relay
	startedAt := p.startedAt
	p.mu.Unlock()

	if listen != nil {
		stats.ListenAddress = listen.LocalAddr().String()
	}
	if !startedAt.IsZero() {
		stats.StartedAt = startedAt.UTC().Format(time.RFC3339)
	}
	if table != nil {
		stats.Sessions = table.Len()
	}
	if rl != nil {
		stats.DatagramsUp, stats.BytesUp, stats.DatagramsDown, stats.BytesDown = rl.Totals()
	}
	return stats
}

// watchdogLoop feeds the supervisor watchdog while the forwarding loop is
// healthy. A stalled or dead relay starves the watchdog and lets the
// supervisor restart the service.
func (p *Proxy) watchdogLoop(ctx context.Context) {
	interval := p.cfg.Watchdog.Interval
	if interval <= 0 {
		supervised, ok := p.notifier.WatchdogInterval()
		if !ok {
			return
		}
		interval = supervised
	}

	p.logger.Debug("watchdog notifications enabled",
		slog.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !p.IsRunning() {
				continue
			}
			if err := p.notifier.Watchdog(); err != nil {
				p.logger.Warn("watchdog notification failed",
					slog.String(logging.KeyError, err.Error()))
				continue
			}
			p.metrics.RecordWatchdog()
			p.notifier.Status(fmt.Sprintf("%d active sessions", p.table.Len()))
		}
	}
}
