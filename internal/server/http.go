package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drossi/relayproxy/internal/emv/bypass"
	"github.com/drossi/relayproxy/internal/observability"
	"github.com/drossi/relayproxy/internal/policy"
	"github.com/drossi/relayproxy/internal/protocol/envelope"
	"github.com/drossi/relayproxy/internal/session"
)

const maxHTTPBody = 1 << 20

func (s *Server) router() *gin.Engine {
	observability.RegisterMetrics()
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(observability.RequestLogger(s.logger))
	r.Use(observability.RequestMetricsMiddleware("relay-http"))
	r.Use(cors.New(cors.Config{
		AllowOrigins: normalizeOrigins(s.cfg.CORSOrigins),
		AllowMethods: []string{"GET", "POST"},
		AllowHeaders: []string{"Origin", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))
	_ = r.SetTrustedProxies([]string{"127.0.0.1", "::1"})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
			"uptime": time.Since(s.startedAt).String(),
		})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/status", func(c *gin.Context) {
		snap := s.store.Snapshot()
		c.JSON(http.StatusOK, gin.H{
			"status":          "running",
			"uptime":          time.Since(s.startedAt).String(),
			"active_sessions": s.activeSessions(),
			"signed":          s.proc.Signer.Enabled(),
			"log_drops":       s.sink.Dropped(),
			"policy": gin.H{
				"mitm_enabled":    snap.MITMEnabled,
				"bypass_pin":      snap.BypassPIN,
				"cdcvm_enabled":   snap.CDCVMEnabled,
				"enhanced_limits": snap.EnhancedLimits,
				"block_all":       snap.BlockAll,
			},
		})
	})

	r.POST("/", s.handleRelay)
	r.POST("/policy", s.handlePolicyPatch)
	return r
}

// handleRelay is the stateless JSON relay path: same envelope fields as
// NFC_DATA, same modification core, no framing.
func (s *Server) handleRelay(c *gin.Context) {
	select {
	case s.httpSem <- struct{}{}:
		defer func() { <-s.httpSem }()
	default:
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": string(session.CodeResourceExhausted)})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxHTTPBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}
	req, err := envelope.Parse(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	raw, _, err := req.ExtractTLV()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Session.FrameBudget)
	defer cancel()

	out, err := s.proc.Process(ctx, raw)
	switch {
	case err == nil:
		observability.RecordEdits(out.Brand.String(), out.Edits)
		c.JSON(http.StatusOK, out.Response)
	case errors.Is(err, session.ErrBlocked):
		c.JSON(http.StatusForbidden, gin.H{"error": string(session.CodeBlocked)})
	case errors.Is(err, bypass.ErrProtectedTagEdit):
		s.logger.Error().Err(err).Msg("protected tag in bypass plan")
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(session.CodeInternal)})
	case errors.Is(err, context.DeadlineExceeded):
		c.JSON(http.StatusInternalServerError, gin.H{"error": string(session.CodeTimeout)})
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	}
}

// handlePolicyPatch is the admin entry point. Unlike CONFIG frames it may
// flip block_all and swap the signing key; a failed key reload rejects
// the whole patch.
func (s *Server) handlePolicyPatch(c *gin.Context) {
	var patch policy.Patch
	if err := c.ShouldBindJSON(&patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed patch"})
		return
	}
	if err := s.store.Update(patch); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	snap := s.store.Snapshot()
	c.JSON(http.StatusOK, snap)
}

func normalizeOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"http://localhost:3000"}
	}
	return origins
}
