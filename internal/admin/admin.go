// Package admin exposes a small gin-based HTTP surface for operating a
// running node: peer list, diagnostics counters, a manual lookup
// trigger, and leave control.
package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/gotchoices/fret/internal/route"
	"github.com/gotchoices/fret/internal/service"
)

// Server wraps a gin.Engine around a running service.Service and
// route.Client.
type Server struct {
	engine *gin.Engine
	svc    *service.Service
	client *route.Client
}

// New builds the admin HTTP surface. svc must already be started.
func New(svc *service.Service, client *route.Client) *Server {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery())

	s := &Server{engine: engine, svc: svc, client: client}
	s.routes()
	return s
}

// Handler returns the underlying http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) routes() {
	g := s.engine.Group("/v1")
	g.GET("/peers", s.handlePeers)
	g.GET("/diagnostics", s.handleDiagnostics)
	g.POST("/lookup", s.handleLookup)
	g.POST("/leave", s.handleLeave)
}

type peerView struct {
	ID           string  `json:"id"`
	Coord        string  `json:"coord"`
	State        string  `json:"state"`
	Relevance    float64 `json:"relevance"`
	AccessCount  int64   `json:"access_count"`
	SuccessCount int64   `json:"success_count"`
	FailureCount int64   `json:"failure_count"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

func (s *Server) handlePeers(c *gin.Context) {
	entries := s.svc.Tree().List()
	out := make([]peerView, 0, len(entries))
	for _, e := range entries {
		out = append(out, peerView{
			ID:           e.ID,
			Coord:        e.Coord.String(),
			State:        e.State.String(),
			Relevance:    e.Relevance,
			AccessCount:  e.AccessCount,
			SuccessCount: e.SuccessCount,
			FailureCount: e.FailureCount,
			AvgLatencyMs: e.AvgLatencyMs,
		})
	}
	c.JSON(http.StatusOK, gin.H{"self": s.svc.ID(), "peers": out})
}

func (s *Server) handleDiagnostics(c *gin.Context) {
	d := s.svc.Diagnostics().Snapshot()
	size := s.svc.Estimator().GetNetworkSizeEstimate()
	c.JSON(http.StatusOK, gin.H{
		"mode":             modeName(s.svc.Mode()),
		"size_estimate":    size.Estimate,
		"confidence":       size.Confidence,
		"churn":            s.svc.Estimator().GetNetworkChurn(),
		"partition_likely": s.svc.Estimator().DetectPartition(),
		"rejected": gin.H{
			"payload_too_large": d.RejectedPayloadTooLarge,
			"timestamp_bounds":  d.RejectedTimestampBounds,
			"ttl_expired":       d.RejectedTTLExpired,
			"rate_limited":      d.RejectedRateLimited,
			"malformed":         d.RejectedMalformed,
			"peer_unreachable":  d.RejectedPeerUnreachable,
			"stream_closed":     d.RejectedStreamClosed,
		},
		"stabilization_ticks": d.StabilizationTicks,
		"leaves_sent":          d.LeavesSent,
		"leaves_received":      d.LeavesReceived,
	})
}

func modeName(m service.Mode) string {
	if m == service.ModeActive {
		return "active"
	}
	return "passive"
}

type lookupRequest struct {
	Key      string `json:"key" binding:"required"`
	TTL      int    `json:"ttl"`
	TimeoutMs int   `json:"timeout_ms"`
}

func (s *Server) handleLookup(c *gin.Context) {
	var req lookupRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
	defer cancel()

	var events []route.RouteProgress
	for ev := range s.client.IterativeLookup(ctx, req.Key, route.LookupOptions{TTL: req.TTL}) {
		events = append(events, ev)
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleLeave(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()
	s.svc.Leave(ctx)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
