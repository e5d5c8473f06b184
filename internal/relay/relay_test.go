package relay

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/postalsys/udprelay/internal/config"
	"github.com/postalsys/udprelay/internal/logging"
	"github.com/postalsys/udprelay/internal/metrics"
	"github.com/postalsys/udprelay/internal/session"
)

// echoServer is a loopback stand-in for the upstream service. It records
// every payload it receives and echoes it back to the sender.
type echoServer struct {
	conn *net.UDPConn

	mu       sync.Mutex
	received [][]byte
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	if err != nil {
		t.Fatalf("echo server listen: %v", err)
	}

	s := &echoServer{conn: conn}
	go s.loop()
	t.Cleanup(func() { conn.Close() })
	return s
}

func (s *echoServer) loop() {
	buf := make([]byte, 65535)
	for {
		n, addr, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])

		s.mu.Lock()
		s.received = append(s.received, payload)
		s.mu.Unlock()

		s.conn.WriteToUDP(payload, addr)
	}
}

func (s *echoServer) addr() string {
	return s.conn.LocalAddr().String()
}

func (s *echoServer) payloads() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.received))
	copy(out, s.received)
	return out
}

// testRelay wires a relay to a fresh loopback listen socket and runs it.
// done is closed when Run exits so any number of waiters can observe it;
// runErr is valid after done is closed.
type testRelay struct {
	relay   *Relay
	table   *session.Table
	metrics *metrics.Metrics
	listen  string
	cancel  context.CancelFunc
	done    chan struct{}
	runErr  error
}

func (tr *testRelay) waitStopped(t *testing.T) error {
	t.Helper()

	select {
	case <-tr.done:
		return tr.runErr
	case <-time.After(5 * time.Second):
		t.Fatal("relay did not stop")
		return nil
	}
}

func startRelay(t *testing.T, upstreamAddr string, mutate func(*config.Config)) *testRelay {
	t.Helper()

	cfg := config.Default()
	cfg.Proxy.ListenAddress = "127.0.0.1:0"
	cfg.Proxy.UpstreamAddress = upstreamAddr
	cfg.Proxy.SocketActivation = config.ActivationOff
	if mutate != nil {
		mutate(cfg)
	}

	logger := logging.NopLogger()
	m := metrics.NewMetricsWithRegistry(prometheus.NewRegistry())

	ctx, cancel := context.WithCancel(context.Background())

	listen, err := ListenSocket(ctx, cfg, logger)
	if err != nil {
		cancel()
		t.Fatalf("ListenSocket: %v", err)
	}

	table := session.NewTable(cfg.Proxy.MaxSessions, cfg.Proxy.SessionRate, cfg.Proxy.SessionBurst)
	r, err := New(cfg, listen, table, logger, m)
	if err != nil {
		cancel()
		t.Fatalf("New: %v", err)
	}

	tr := &testRelay{
		relay:   r,
		table:   table,
		metrics: m,
		listen:  listen.LocalAddr().String(),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	go func() {
		tr.runErr = r.Run(ctx)
		close(tr.done)
	}()

	t.Cleanup(func() {
		cancel()
		tr.waitStopped(t)
	})
	return tr
}

func dialClient(t *testing.T, listenAddr string) *net.UDPConn {
	t.Helper()

	addr, err := net.ResolveUDPAddr("udp4", listenAddr)
	if err != nil {
		t.Fatalf("resolve listen addr: %v", err)
	}
	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatalf("dial listen socket: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readReply(t *testing.T, conn *net.UDPConn) []byte {
	t.Helper()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	buf := make([]byte, 65535)
	n, err := conn.Read(buf)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	return buf[:n]
}

func TestRelay_RoundTrip(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), nil)

	client := dialClient(t, tr.listen)

	msg := []byte("hello")
	if _, err := client.Write(msg); err != nil {
		t.Fatalf("client send: %v", err)
	}

	reply := readReply(t, client)
	if !bytes.Equal(reply, msg) {
		t.Errorf("reply = %q, want byte-identical %q", reply, msg)
	}

	got := upstream.payloads()
	if len(got) != 1 || !bytes.Equal(got[0], msg) {
		t.Errorf("upstream received %q, want exactly [%q]", got, msg)
	}
}

func TestRelay_PayloadUnmodified(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), nil)

	client := dialClient(t, tr.listen)

	// Binary payload with zero bytes and high bits
	msg := []byte{0x00, 0xff, 0x7f, 0x00, 0x01, 0xfe}
	if _, err := client.Write(msg); err != nil {
		t.Fatal(err)
	}

	if reply := readReply(t, client); !bytes.Equal(reply, msg) {
		t.Errorf("reply = %v, want %v", reply, msg)
	}
}

func TestRelay_RepliesReachOnlyOwningClient(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), nil)

	clientA := dialClient(t, tr.listen)
	clientB := dialClient(t, tr.listen)

	if _, err := clientA.Write([]byte("from-a")); err != nil {
		t.Fatal(err)
	}
	if _, err := clientB.Write([]byte("from-b")); err != nil {
		t.Fatal(err)
	}

	if got := readReply(t, clientA); !bytes.Equal(got, []byte("from-a")) {
		t.Errorf("client A reply = %q, want from-a", got)
	}
	if got := readReply(t, clientB); !bytes.Equal(got, []byte("from-b")) {
		t.Errorf("client B reply = %q, want from-b", got)
	}

	// One session per distinct client
	if tr.table.Len() != 2 {
		t.Errorf("sessions = %d, want 2", tr.table.Len())
	}

	// No crosstalk: A must not receive B's reply
	clientA.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := clientA.Read(buf); err == nil {
		t.Errorf("client A received unexpected extra datagram %q", buf[:n])
	}
}

func TestRelay_SessionReuse(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), nil)

	client := dialClient(t, tr.listen)

	for i := 0; i < 3; i++ {
		if _, err := client.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		readReply(t, client)
	}

	if tr.table.Len() != 1 {
		t.Errorf("sessions = %d, want 1 (same client reuses its session)", tr.table.Len())
	}
}

func TestRelay_IdleExpiry(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), func(cfg *config.Config) {
		cfg.Proxy.IdleTimeout = 50 * time.Millisecond
		cfg.Proxy.SweepInterval = 20 * time.Millisecond
	})

	client := dialClient(t, tr.listen)

	if _, err := client.Write([]byte("one")); err != nil {
		t.Fatal(err)
	}
	readReply(t, client)

	first := tr.table.Snapshot()
	if len(first) != 1 {
		t.Fatalf("sessions = %d, want 1", len(first))
	}

	// Idle past the timeout: the sweeper removes the session.
	deadline := time.Now().Add(2 * time.Second)
	for tr.table.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if tr.table.Len() != 0 {
		t.Fatal("idle session was not swept")
	}
	if !first[0].IsClosed() {
		t.Error("swept session should have released its socket")
	}

	// Traffic resumes: a brand-new session, not stale state.
	if _, err := client.Write([]byte("two")); err != nil {
		t.Fatal(err)
	}
	readReply(t, client)

	second := tr.table.Snapshot()
	if len(second) != 1 {
		t.Fatalf("sessions after resume = %d, want 1", len(second))
	}
	if second[0] == first[0] {
		t.Error("resumed traffic must create a fresh session")
	}
}

func TestRelay_SessionLimitDropsOnlyNewClients(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), func(cfg *config.Config) {
		cfg.Proxy.MaxSessions = 1
	})

	clientA := dialClient(t, tr.listen)
	clientB := dialClient(t, tr.listen)

	if _, err := clientA.Write([]byte("a1")); err != nil {
		t.Fatal(err)
	}
	readReply(t, clientA)

	// Client B is over the limit: datagram dropped, no reply.
	if _, err := clientB.Write([]byte("b1")); err != nil {
		t.Fatal(err)
	}
	clientB.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if _, err := clientB.Read(buf); err == nil {
		t.Error("over-limit client should not get a reply")
	}

	// Client A is unaffected.
	if _, err := clientA.Write([]byte("a2")); err != nil {
		t.Fatal(err)
	}
	if got := readReply(t, clientA); !bytes.Equal(got, []byte("a2")) {
		t.Errorf("existing session reply = %q, want a2", got)
	}
}

func TestRelay_OversizedDatagramDropped(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), func(cfg *config.Config) {
		cfg.Proxy.BufferSize = 512
	})

	client := dialClient(t, tr.listen)

	// One byte over the configured size: dropped, never forwarded.
	big := bytes.Repeat([]byte{0xab}, 513)
	if _, err := client.Write(big); err != nil {
		t.Fatal(err)
	}

	// A datagram at exactly the limit still round-trips.
	msg := bytes.Repeat([]byte{0xcd}, 512)
	if _, err := client.Write(msg); err != nil {
		t.Fatal(err)
	}
	if got := readReply(t, client); !bytes.Equal(got, msg) {
		t.Errorf("reply = %d bytes, want the %d byte datagram back", len(got), len(msg))
	}

	for _, p := range upstream.payloads() {
		if len(p) > 512 {
			t.Errorf("upstream received a %d byte datagram, want oversized traffic dropped", len(p))
		}
	}

	drops := testutil.ToFloat64(tr.metrics.DatagramsDropped.WithLabelValues(metrics.DropOversized))
	if drops != 1 {
		t.Errorf("oversized drop count = %v, want 1", drops)
	}
}

func TestRelay_CleanShutdown(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), nil)

	client := dialClient(t, tr.listen)
	if _, err := client.Write([]byte("hi")); err != nil {
		t.Fatal(err)
	}
	readReply(t, client)

	if !tr.relay.Running() {
		t.Error("relay should report running")
	}

	tr.cancel()
	if err := tr.waitStopped(t); err != nil {
		t.Errorf("Run returned %v on cancellation, want nil", err)
	}

	// The cleanup waits on the same closed channel again; both observers
	// must see the exit.
	if tr.relay.Running() {
		t.Error("relay should report stopped")
	}
	if tr.table.Len() != 0 {
		t.Errorf("sessions after shutdown = %d, want 0", tr.table.Len())
	}
}

func TestRelay_Totals(t *testing.T) {
	upstream := newEchoServer(t)
	tr := startRelay(t, upstream.addr(), nil)

	client := dialClient(t, tr.listen)
	if _, err := client.Write([]byte("12345")); err != nil {
		t.Fatal(err)
	}
	readReply(t, client)

	upD, upB, downD, downB := tr.relay.Totals()
	if upD != 1 || upB != 5 {
		t.Errorf("up totals = %d/%d, want 1/5", upD, upB)
	}
	if downD != 1 || downB != 5 {
		t.Errorf("down totals = %d/%d, want 1/5", downD, downB)
	}
}

func TestNew_BadUpstream(t *testing.T) {
	cfg := config.Default()
	cfg.Proxy.UpstreamAddress = "this is not an address"

	_, err := New(cfg, nil, session.NewTable(0, 0, 0), logging.NopLogger(),
		metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	if err == nil {
		t.Fatal("New should fail for an unresolvable upstream address")
	}
}
