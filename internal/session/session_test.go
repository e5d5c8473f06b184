package session

import (
	"net"
	"net/netip"
	"testing"
	"time"
)

func testUpstream(t *testing.T) *net.UDPConn {
	t.Helper()

	// Connected UDP socket; no traffic flows in these tests.
	conn, err := net.DialUDP("udp4", nil, &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9})
	if err != nil {
		t.Fatalf("dial upstream: %v", err)
	}
	return conn
}

func testClientAddr() netip.AddrPort {
	return netip.MustParseAddrPort("192.0.2.10:40000")
}

func TestNewSession(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))
	defer sess.Close()

	if sess.ClientAddr != testClientAddr() {
		t.Errorf("ClientAddr = %v, want %v", sess.ClientAddr, testClientAddr())
	}
	if sess.CreatedAt.IsZero() {
		t.Error("CreatedAt should be set")
	}
	if sess.LastActivity().IsZero() {
		t.Error("LastActivity should be set")
	}
	if sess.Upstream() == nil {
		t.Error("Upstream should be set")
	}
	if sess.IsClosed() {
		t.Error("new session should not be closed")
	}
}

func TestSession_UpdateActivity(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))
	defer sess.Close()

	before := sess.LastActivity()
	time.Sleep(5 * time.Millisecond)
	sess.UpdateActivity()

	if !sess.LastActivity().After(before) {
		t.Error("UpdateActivity should advance LastActivity")
	}
}

func TestSession_IsExpired(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))
	defer sess.Close()

	timeout := 30 * time.Second
	now := time.Now()

	if sess.IsExpired(now, timeout) {
		t.Error("fresh session should not be expired")
	}
	if sess.IsExpired(now.Add(31*time.Second), timeout) != true {
		t.Error("session idle past timeout should be expired")
	}
	if sess.IsExpired(now.Add(time.Hour), 0) {
		t.Error("zero timeout disables expiry")
	}
}

func TestSession_InflightBlocksExpiry(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))
	defer sess.Close()

	if !sess.Acquire() {
		t.Fatal("Acquire on open session should succeed")
	}

	later := time.Now().Add(time.Hour)
	if sess.IsExpired(later, time.Second) {
		t.Error("session with in-flight forward must not expire")
	}

	sess.Release()
	if !sess.IsExpired(later, time.Second) {
		t.Error("session should expire after forward completes")
	}
}

func TestSession_AcquireAfterClose(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))
	sess.Close()

	if sess.Acquire() {
		t.Error("Acquire on closed session should fail")
	}
}

func TestSession_Close(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))

	if err := sess.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !sess.IsClosed() {
		t.Error("session should report closed")
	}
	if sess.Upstream() != nil {
		t.Error("Upstream should be nil after close")
	}

	select {
	case <-sess.Context().Done():
	default:
		t.Error("context should be cancelled on close")
	}

	// Idempotent
	if err := sess.Close(); err != nil {
		t.Errorf("second Close should be a no-op: %v", err)
	}
}

func TestSession_Counters(t *testing.T) {
	sess := New(testClientAddr(), testUpstream(t))
	defer sess.Close()

	sess.RecordUp(100)
	sess.RecordUp(50)
	sess.RecordDown(25)

	c := sess.Counters()
	if c.DatagramsUp != 2 || c.BytesUp != 150 {
		t.Errorf("up counters = %d/%d, want 2/150", c.DatagramsUp, c.BytesUp)
	}
	if c.DatagramsDown != 1 || c.BytesDown != 25 {
		t.Errorf("down counters = %d/%d, want 1/25", c.DatagramsDown, c.BytesDown)
	}
}
