package session

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/drossi/relayproxy/internal/emv/bypass"
	"github.com/drossi/relayproxy/internal/logging"
	"github.com/drossi/relayproxy/internal/observability"
	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/protocol/envelope"
	"github.com/drossi/relayproxy/internal/protocol/frame"
)

// State is the per-connection lifecycle phase.
type State int

const (
	StateOpening State = iota
	StateEstablished
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateEstablished:
		return "established"
	default:
		return "closed"
	}
}

// Config tunes one pipeline instance.
type Config struct {
	FrameBudget         time.Duration
	IdleTimeout         time.Duration
	WriteDeadline       time.Duration
	MaxChecksumFailures int
	EventRingSize       int
	Limits              frame.Limits
}

func DefaultConfig() Config {
	return Config{
		FrameBudget:         250 * time.Millisecond,
		IdleTimeout:         120 * time.Second,
		WriteDeadline:       5 * time.Second,
		MaxChecksumFailures: 5,
		EventRingSize:       64,
		Limits:              frame.DefaultLimits(),
	}
}

// Pipeline runs one relay connection: frame in, TLV rework, frame out.
// Frames are handled strictly in arrival order.
type Pipeline struct {
	conn   net.Conn
	proc   *Processor
	store  *policy.Store
	cfg    Config
	logger zerolog.Logger
	sink   *logging.Sink

	sctx        *Context
	state       State
	checksumRun int
}

func New(conn net.Conn, proc *Processor, store *policy.Store, cfg Config, logger zerolog.Logger, sink *logging.Sink) *Pipeline {
	sctx := NewContext("", conn.RemoteAddr().String(), cfg.EventRingSize)
	return &Pipeline{
		conn:   conn,
		proc:   proc,
		store:  store,
		cfg:    cfg,
		logger: logger.With().Str("peer", conn.RemoteAddr().String()).Logger(),
		sink:   sink,
		sctx:   sctx,
		state:  StateOpening,
	}
}

// Run loops until the connection closes, the peer goes idle, checksum
// failures accumulate, or ctx is canceled. Errors never escape.
func (p *Pipeline) Run(ctx context.Context) {
	observability.SessionOpened()
	defer observability.SessionClosed()
	defer p.close()

	for p.state != StateClosed {
		select {
		case <-ctx.Done():
			p.sendError(frame.Wrapper{Kind: frame.KindError}, CodeShuttingDown, "server stopping")
			return
		default:
		}

		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.IdleTimeout))
		w, err := frame.ReadFrame(p.conn, p.cfg.Limits)
		if err != nil {
			if !p.handleReadError(w, err) {
				return
			}
			continue
		}
		p.checksumRun = 0
		if p.sctx.SessionID == "" {
			p.sctx.SessionID = hex.EncodeToString(w.SessionID[:])
			p.logger = p.logger.With().Str("session", p.sctx.SessionID).Logger()
		}

		start := time.Now()
		outcome := p.dispatch(ctx, w)
		observability.RecordFrame(w.Kind.String(), outcome, time.Since(start))
		p.event(w.Kind.String(), outcome)
	}
}

// handleReadError reports whether the loop should continue.
func (p *Pipeline) handleReadError(w frame.Wrapper, err error) bool {
	switch {
	case errors.Is(err, io.EOF):
		p.logger.Debug().Msg("peer closed connection")
		return false
	case errors.Is(err, frame.ErrChecksumMismatch):
		p.checksumRun++
		observability.RecordFrameError(string(CodeChecksum))
		p.event("checksum_mismatch", "dropped")
		p.sendError(w, CodeChecksum, "frame checksum mismatch")
		if p.checksumRun >= p.cfg.MaxChecksumFailures {
			p.logger.Warn().Int("run", p.checksumRun).Msg("closing after repeated checksum failures")
			return false
		}
		return true
	case errors.Is(err, frame.ErrBadMagic),
		errors.Is(err, frame.ErrLengthTooSmall),
		errors.Is(err, frame.ErrPayloadTooLarge):
		observability.RecordFrameError(string(CodeFrame))
		p.sendError(frame.Wrapper{Kind: frame.KindError}, CodeFrame, err.Error())
		return true
	case errors.Is(err, frame.ErrShortHeader):
		p.logger.Debug().Msg("connection ended mid-frame")
		return false
	default:
		var nerr net.Error
		if errors.As(err, &nerr) && nerr.Timeout() {
			p.logger.Info().Dur("idle_timeout", p.cfg.IdleTimeout).Msg("idle session closed")
			return false
		}
		p.logger.Warn().Err(err).Msg("read failed")
		return false
	}
}

// dispatch applies the state machine to one good frame and returns the
// outcome label for metrics.
func (p *Pipeline) dispatch(ctx context.Context, w frame.Wrapper) string {
	if p.state == StateOpening {
		if w.Kind != frame.KindInit {
			p.sendError(w, CodeFrame, ErrNotEstablished.Error())
			return "rejected"
		}
		p.state = StateEstablished
		p.passthrough(w)
		return "established"
	}

	switch w.Kind {
	case frame.KindHeartbeat:
		p.write(frame.Wrapper{SessionID: w.SessionID, Kind: frame.KindHeartbeat, Payload: w.Payload})
		return "ok"
	case frame.KindNFCData, frame.KindEmulation:
		return p.processNFC(ctx, w)
	case frame.KindConfig:
		return p.applyConfig(w)
	case frame.KindError:
		p.logger.Warn().Str("payload", string(w.Payload)).Msg("peer error frame")
		return "ok"
	default:
		// INIT, STATUS, RELAY: forward unchanged with a fresh checksum.
		p.passthrough(w)
		return "passthrough"
	}
}

func (p *Pipeline) processNFC(ctx context.Context, w frame.Wrapper) string {
	req, err := envelope.Parse(w.Payload)
	if err != nil {
		observability.RecordFrameError(string(CodeParse))
		p.sendError(w, CodeParse, err.Error())
		return "error"
	}
	raw, source, err := req.ExtractTLV()
	if err != nil {
		observability.RecordFrameError(string(CodeParse))
		p.sendError(w, CodeParse, err.Error())
		return "error"
	}

	budget, cancel := context.WithTimeout(ctx, p.cfg.FrameBudget)
	defer cancel()

	type result struct {
		out Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.proc.Process(budget, raw)
		done <- result{out, err}
	}()

	select {
	case <-budget.Done():
		observability.RecordFrameError(string(CodeTimeout))
		p.sendError(w, CodeTimeout, "frame budget exceeded")
		return "timeout"
	case r := <-done:
		if r.err != nil {
			return p.processFailure(w, r.err)
		}
		body, err := r.out.Response.Encode()
		if err != nil {
			p.sendError(w, CodeInternal, "response encoding failed")
			return "error"
		}
		p.logger.Info().
			Str("source", source).
			Str("brand", r.out.Brand.String()).
			Int("edits", r.out.Edits).
			Bool("high_risk", r.out.Response.MITM.Strategy.HighRisk).
			Msg("nfc frame modified")
		observability.RecordEdits(r.out.Brand.String(), r.out.Edits)
		p.write(frame.Wrapper{SessionID: w.SessionID, Kind: w.Kind, Payload: body})
		return "modified"
	}
}

func (p *Pipeline) processFailure(w frame.Wrapper, err error) string {
	switch {
	case errors.Is(err, ErrBlocked):
		observability.RecordFrameError(string(CodeBlocked))
		p.sendError(w, CodeBlocked, "blocked by policy")
		return "blocked"
	case errors.Is(err, bypass.ErrProtectedTagEdit):
		observability.RecordFrameError(string(CodeInternal))
		p.logger.Error().Err(err).Msg("protected tag in bypass plan")
		p.sendError(w, CodeInternal, "invalid modification plan")
		return "error"
	case errors.Is(err, context.DeadlineExceeded):
		observability.RecordFrameError(string(CodeTimeout))
		p.sendError(w, CodeTimeout, "frame budget exceeded")
		return "timeout"
	default:
		observability.RecordFrameError(string(CodeParse))
		p.sendError(w, CodeParse, err.Error())
		return "error"
	}
}

func (p *Pipeline) applyConfig(w frame.Wrapper) string {
	var patch policy.Patch
	if err := json.Unmarshal(w.Payload, &patch); err != nil {
		p.sendError(w, CodeParse, "malformed config payload")
		return "error"
	}
	if err := p.store.Update(patch.SessionAllowed()); err != nil {
		p.sendError(w, CodeInternal, err.Error())
		return "error"
	}
	p.logger.Info().Msg("session config applied")
	p.write(frame.Wrapper{SessionID: w.SessionID, Kind: frame.KindStatus, Payload: []byte(`{"status":"ok"}`)})
	return "ok"
}

func (p *Pipeline) passthrough(w frame.Wrapper) {
	p.write(frame.Wrapper{SessionID: w.SessionID, Kind: w.Kind, Payload: w.Payload})
}

func (p *Pipeline) sendError(w frame.Wrapper, code ErrorCode, msg string) {
	body, err := json.Marshal(ErrorBody{Code: code, Message: msg})
	if err != nil {
		return
	}
	p.write(frame.Wrapper{SessionID: w.SessionID, Kind: frame.KindError, Payload: body})
}

// write pushes one frame under the write deadline. A blocked socket drops
// the frame rather than buffering without bound.
func (p *Pipeline) write(w frame.Wrapper) {
	_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteDeadline))
	if err := frame.WriteFrame(p.conn, w, p.cfg.Limits); err != nil {
		p.logger.Warn().Err(err).Str("kind", w.Kind.String()).Msg("outbound frame dropped")
		p.event("write_drop", w.Kind.String())
	}
}

func (p *Pipeline) event(kind, detail string) {
	p.sctx.Record(kind, detail)
	if p.sink != nil {
		p.sink.Emit(logging.Event{SessionID: p.sctx.SessionID, Kind: kind, Detail: detail})
	}
}

func (p *Pipeline) close() {
	if p.state != StateClosed {
		p.state = StateClosed
		_ = p.conn.Close()
		p.logger.Debug().
			Int("events", len(p.sctx.Events())).
			Dur("lifetime", time.Since(p.sctx.StartTime)).
			Msg("session released")
	}
}

// Established reports whether INIT completed; exposed for the front end
// and tests.
func (p *Pipeline) Established() bool {
	return p.state == StateEstablished
}
