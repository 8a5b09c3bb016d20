// Package server binds the relay front ends: the TCP listener feeding
// per-connection pipelines and the HTTP relay/admin surface.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/drossi/relayproxy/internal/emv/signer"
	"github.com/drossi/relayproxy/internal/logging"
	"github.com/drossi/relayproxy/internal/observability"
	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/protocol/frame"
	"github.com/drossi/relayproxy/internal/session"
)

// Config tunes both listeners.
type Config struct {
	TCPAddr         string
	HTTPAddr        string
	MaxSessions     int
	HTTPMaxInflight int
	GracePeriod     time.Duration
	SinkCapacity    int
	CORSOrigins     []string
	Session         session.Config
}

func DefaultConfig() Config {
	return Config{
		TCPAddr:         ":8081",
		HTTPAddr:        ":8080",
		MaxSessions:     50,
		HTTPMaxInflight: 32,
		GracePeriod:     5 * time.Second,
		SinkCapacity:    256,
		Session:         session.DefaultConfig(),
	}
}

// Server owns the listeners and the shared pipeline dependencies.
type Server struct {
	cfg    Config
	store  *policy.Store
	proc   *session.Processor
	logger zerolog.Logger
	sink   *logging.Sink

	httpSem   chan struct{}
	startedAt time.Time

	mu       sync.Mutex
	sessions map[net.Conn]struct{}
	wg       sync.WaitGroup
}

func New(cfg Config, store *policy.Store, sig *signer.Signer, logger zerolog.Logger) *Server {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultConfig().MaxSessions
	}
	if cfg.HTTPMaxInflight <= 0 {
		cfg.HTTPMaxInflight = DefaultConfig().HTTPMaxInflight
	}
	return &Server{
		cfg:       cfg,
		store:     store,
		proc:      &session.Processor{Policy: store, Signer: sig},
		logger:    logger,
		sink:      logging.NewSink(cfg.SinkCapacity, logger, observability.RecordLogDrop),
		httpSem:   make(chan struct{}, cfg.HTTPMaxInflight),
		startedAt: time.Now(),
		sessions:  make(map[net.Conn]struct{}),
	}
}

// ErrBind wraps listener setup failures so the CLI can map them to its
// bind-failure exit code.
var ErrBind = errors.New("server: bind failed")

// Run serves until ctx cancels, then drains within the grace period.
func (s *Server) Run(ctx context.Context) error {
	tcpLn, err := net.Listen("tcp", s.cfg.TCPAddr)
	if err != nil {
		return fmt.Errorf("%w: tcp %s: %v", ErrBind, s.cfg.TCPAddr, err)
	}
	httpLn, err := net.Listen("tcp", s.cfg.HTTPAddr)
	if err != nil {
		_ = tcpLn.Close()
		return fmt.Errorf("%w: http %s: %v", ErrBind, s.cfg.HTTPAddr, err)
	}

	s.logger.Info().
		Str("tcp", tcpLn.Addr().String()).
		Str("http", httpLn.Addr().String()).
		Int("max_sessions", s.cfg.MaxSessions).
		Msg("relay proxy listening")

	sessCtx, cancelSessions := context.WithCancel(context.Background())
	defer cancelSessions()

	httpSrv := &http.Server{Handler: s.router()}
	httpErr := make(chan error, 1)
	go func() {
		if err := httpSrv.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		s.acceptLoop(sessCtx, tcpLn)
	}()

	select {
	case <-ctx.Done():
	case err := <-httpErr:
		s.logger.Error().Err(err).Msg("http listener failed")
	}

	// Stop accepting, let in-flight sessions finish under grace, then cut
	// the stragglers with a final SHUTTING_DOWN frame.
	_ = tcpLn.Close()
	<-acceptDone

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.GracePeriod)
	defer cancel()
	_ = httpSrv.Shutdown(shutdownCtx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		cancelSessions()
		s.closeSessions()
		<-done
	}
	s.sink.Close()
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		if !s.trackSession(conn) {
			s.rejectSession(conn)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer s.untrackSession(conn)
			pipe := session.New(conn, s.proc, s.store, s.cfg.Session, s.logger, s.sink)
			pipe.Run(ctx)
		}()
	}
}

func (s *Server) trackSession(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sessions) >= s.cfg.MaxSessions {
		return false
	}
	s.sessions[conn] = struct{}{}
	return true
}

func (s *Server) untrackSession(conn net.Conn) {
	s.mu.Lock()
	delete(s.sessions, conn)
	s.mu.Unlock()
}

func (s *Server) closeSessions() {
	body, _ := json.Marshal(session.ErrorBody{
		Code:    session.CodeShuttingDown,
		Message: "server stopping",
	})
	deadline := time.Now().Add(time.Second)
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.sessions {
		_ = conn.SetWriteDeadline(deadline)
		_ = frame.WriteFrame(conn, frame.Wrapper{Kind: frame.KindError, Payload: body}, s.cfg.Session.Limits)
		_ = conn.Close()
	}
}

func (s *Server) activeSessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// rejectSession answers an over-limit accept with an immediate ERROR
// frame and closes.
func (s *Server) rejectSession(conn net.Conn) {
	defer func() { _ = conn.Close() }()
	observability.RecordFrameError(string(session.CodeResourceExhausted))
	s.logger.Warn().
		Str("peer", conn.RemoteAddr().String()).
		Int("max_sessions", s.cfg.MaxSessions).
		Msg("session limit reached, rejecting")

	body, err := json.Marshal(session.ErrorBody{
		Code:    session.CodeResourceExhausted,
		Message: "session limit reached",
	})
	if err != nil {
		return
	}
	_ = conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = frame.WriteFrame(conn, frame.Wrapper{Kind: frame.KindError, Payload: body}, s.cfg.Session.Limits)
}
