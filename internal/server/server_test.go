package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/protocol/envelope"
	"github.com/drossi/relayproxy/internal/protocol/frame"
	"github.com/drossi/relayproxy/internal/session"
	"github.com/drossi/relayproxy/internal/testutil/testlog"
)

func startAccepting(t *testing.T, s *Server) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.acceptLoop(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		_ = ln.Close()
		<-done
	})
	return ln.Addr()
}

func dialSession(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.DialTimeout("tcp", addr.String(), 2*time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, kind frame.Kind, payload []byte) {
	t.Helper()
	var w frame.Wrapper
	copy(w.SessionID[:], []byte("srv-test-session"))
	w.Kind = kind
	w.Payload = payload
	_ = conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if err := frame.WriteFrame(conn, w, frame.DefaultLimits()); err != nil {
		t.Fatalf("write %s: %v", kind, err)
	}
}

func readFrame(t *testing.T, conn net.Conn) frame.Wrapper {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	w, err := frame.ReadFrame(conn, frame.DefaultLimits())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return w
}

func TestEndToEndOverTCP(t *testing.T) {
	testlog.Start(t)
	s := newTestServer(t, policy.Defaults())
	addr := startAccepting(t, s)

	conn := dialSession(t, addr)
	writeFrame(t, conn, frame.KindInit, nil)
	if echo := readFrame(t, conn); echo.Kind != frame.KindInit {
		t.Fatalf("expected INIT echo, got %s", echo.Kind)
	}

	body, _ := json.Marshal(envelope.Request{RawTLVHex: "5A0841111111111111119F070100"})
	writeFrame(t, conn, frame.KindNFCData, body)
	resp := readFrame(t, conn)
	if resp.Kind != frame.KindNFCData {
		t.Fatalf("response kind = %s (%s)", resp.Kind, resp.Payload)
	}
	var env envelope.Response
	if err := json.Unmarshal(resp.Payload, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.ModifiedTLVHex == "" {
		t.Fatalf("empty modification response")
	}
}

func TestSessionCapRejectsWithError(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxSessions = 1
	s := newTestServer(t, policy.Defaults())
	s.cfg = cfg
	addr := startAccepting(t, s)

	first := dialSession(t, addr)
	writeFrame(t, first, frame.KindInit, nil)
	if echo := readFrame(t, first); echo.Kind != frame.KindInit {
		t.Fatalf("first session not established")
	}

	second := dialSession(t, addr)
	w := readFrame(t, second)
	if w.Kind != frame.KindError {
		t.Fatalf("expected immediate ERROR, got %s", w.Kind)
	}
	var body session.ErrorBody
	if err := json.Unmarshal(w.Payload, &body); err != nil {
		t.Fatalf("error payload: %v", err)
	}
	if body.Code != session.CodeResourceExhausted {
		t.Fatalf("code = %s", body.Code)
	}

	// Releasing the first slot admits a new session.
	_ = first.Close()
	deadline := time.Now().Add(2 * time.Second)
	for {
		third := dialSession(t, addr)
		writeFrame(t, third, frame.KindInit, nil)
		_ = third.SetReadDeadline(time.Now().Add(time.Second))
		resp, err := frame.ReadFrame(third, frame.DefaultLimits())
		if err == nil && resp.Kind == frame.KindInit {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("slot never released (last: %v %v)", resp.Kind, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestGracefulRunShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TCPAddr = "127.0.0.1:0"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GracePeriod = 500 * time.Millisecond
	s := newTestServer(t, policy.Defaults())
	s.cfg = cfg

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run returned error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server did not shut down within grace")
	}
}

func TestRunBindFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	cfg := DefaultConfig()
	cfg.TCPAddr = ln.Addr().String()
	cfg.HTTPAddr = "127.0.0.1:0"
	s := newTestServer(t, policy.Defaults())
	s.cfg = cfg

	if err := s.Run(context.Background()); !errors.Is(err, ErrBind) {
		t.Fatalf("expected ErrBind, got %v", err)
	}
}
