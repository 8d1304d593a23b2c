// Package admin serves the node's HTTP surface: health, readiness, metrics,
// the operator API, the packet injection shim, and the WebSocket peer mount.
package admin

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/agentfabric/agent-fabric/internal/config"
	"github.com/agentfabric/agent-fabric/internal/ilpaddr"
	"github.com/agentfabric/agent-fabric/internal/ledger"
	"github.com/agentfabric/agent-fabric/internal/peer"
	"github.com/agentfabric/agent-fabric/internal/routing"
	"github.com/agentfabric/agent-fabric/internal/wire"
)

// HealthView is the health endpoint body.
type HealthView struct {
	Status         string `json:"status"`
	Uptime         int64  `json:"uptime"`
	PeersConnected int    `json:"peersConnected"`
	TotalPeers     int    `json:"totalPeers"`
	NodeID         string `json:"nodeId"`
	Version        string `json:"version"`
}

// HealthSource reports node liveness to the health endpoints.
type HealthSource interface {
	Health() HealthView
	Ready() bool
}

// PacketInjector runs a Prepare through the forwarder outside a peer session.
type PacketInjector interface {
	HandlePrepareSync(ctx context.Context, p *wire.Prepare) wire.Frame
}

// PeerView exposes session state and the inbound WebSocket mount.
type PeerView interface {
	Sessions() []peer.Info
	HandleInboundWS(w http.ResponseWriter, r *http.Request)
}

// ChannelView exposes ledger snapshots to the operator API.
type ChannelView interface {
	Snapshots() []ledger.EntrySnapshot
}

// Server is the admin HTTP server.
type Server struct {
	cfg      config.AdminAPIConfig
	health   HealthSource
	injector PacketInjector
	peers    PeerView
	routes   *routing.Table
	channels ChannelView
	registry *prometheus.Registry
	log      *zap.Logger

	srv *http.Server
}

func NewServer(cfg config.AdminAPIConfig, health HealthSource, injector PacketInjector, peers PeerView, routes *routing.Table, channels ChannelView, registry *prometheus.Registry, log *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		health:   health,
		injector: injector,
		peers:    peers,
		routes:   routes,
		channels: channels,
		registry: registry,
		log:      log,
	}
}

// Router builds the gin handler tree.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.getHealth)
	r.GET("/ready", s.getReady)
	if s.registry != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{})))
	}
	if s.peers != nil {
		r.GET("/peer/ws", func(c *gin.Context) { s.peers.HandleInboundWS(c.Writer, c.Request) })
	}
	if s.injector != nil {
		r.POST("/ilp/packets", s.postPacket)
	}

	if s.cfg.Enabled {
		adm := r.Group("/admin", s.authMiddleware())
		adm.GET("/routes", s.getRoutes)
		adm.POST("/routes", s.postRoute)
		adm.DELETE("/routes", s.deleteRoute)
		adm.GET("/peers", s.getPeers)
		adm.GET("/channels", s.getChannels)
	}
	return r
}

// Start serves on port until Stop is called.
func (s *Server) Start(port int) {
	s.srv = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: s.Router(),
	}
	go func() {
		s.log.Info("admin server starting", zap.Int("port", port))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin server error", zap.Error(err))
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// ── health ────────────────────────────────────────────────────────────────────

func (s *Server) getHealth(c *gin.Context) {
	view := s.health.Health()
	code := http.StatusOK
	if view.Status != "healthy" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, view)
}

func (s *Server) getReady(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ready": s.health.Ready()})
}

// ── packet shim ───────────────────────────────────────────────────────────────

type packetRequest struct {
	Amount      uint64 `json:"amount"`
	Destination string `json:"destination"`
	Payload     string `json:"payload"`             // base64
	Condition   string `json:"condition,omitempty"` // hex; derived from payload when absent
	TimeoutMs   int    `json:"timeoutMs,omitempty"`
}

type packetResponse struct {
	Outcome     string `json:"outcome"` // fulfill | reject
	Fulfillment string `json:"fulfillment,omitempty"`
	Payload     string `json:"payload,omitempty"`
	Code        string `json:"code,omitempty"`
	Message     string `json:"message,omitempty"`
}

func (s *Server) postPacket(c *gin.Context) {
	var req packetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	dest, err := ilpaddr.Parse(req.Destination)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	payload, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "payload is not base64"})
		return
	}

	condition := wire.ConditionFromPayload(payload)
	if req.Condition != "" {
		raw, err := hex.DecodeString(req.Condition)
		if err != nil || len(raw) != 32 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "condition must be 32 hex bytes"})
			return
		}
		copy(condition[:], raw)
	}
	timeout := 30 * time.Second
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}

	out := s.injector.HandlePrepareSync(c.Request.Context(), &wire.Prepare{
		Amount:      req.Amount,
		ExpiresAt:   time.Now().Add(timeout),
		Condition:   condition,
		Destination: dest,
		Payload:     payload,
	})
	switch v := out.(type) {
	case *wire.Fulfill:
		c.JSON(http.StatusOK, packetResponse{
			Outcome:     "fulfill",
			Fulfillment: hex.EncodeToString(v.Fulfillment[:]),
			Payload:     base64.StdEncoding.EncodeToString(v.Payload),
		})
	case *wire.Reject:
		c.JSON(http.StatusOK, packetResponse{
			Outcome: "reject",
			Code:    v.Code.String(),
			Message: v.Message,
			Payload: base64.StdEncoding.EncodeToString(v.Payload),
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "unexpected resolution"})
	}
}

// ── operator API ──────────────────────────────────────────────────────────────

type routeRequest struct {
	Prefix   string `json:"prefix"`
	NextHop  string `json:"nextHop"`
	Priority int    `json:"priority"`
}

func (s *Server) getRoutes(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"routes": s.routes.Routes()})
}

func (s *Server) postRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefix, err := ilpaddr.Parse(req.Prefix)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.routes.Insert(prefix, req.NextHop, req.Priority)
	c.JSON(http.StatusCreated, gin.H{"ok": true})
}

func (s *Server) deleteRoute(c *gin.Context) {
	var req routeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	prefix, err := ilpaddr.Parse(req.Prefix)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	s.routes.Remove(prefix, req.NextHop)
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (s *Server) getPeers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"peers": s.peers.Sessions()})
}

func (s *Server) getChannels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"channels": s.channels.Snapshots()})
}

// ── auth ──────────────────────────────────────────────────────────────────────

// authMiddleware admits a request when it satisfies any configured mechanism:
// a constant-time X-Api-Key match or membership in the IP allowlist.
func (s *Server) authMiddleware() gin.HandlerFunc {
	prefixes := parseAllowlist(s.cfg.AllowedIPs)
	return func(c *gin.Context) {
		if s.cfg.APIKey != "" {
			key := c.GetHeader("X-Api-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) == 1 {
				c.Next()
				return
			}
		}
		if len(prefixes) > 0 {
			if ip, ok := s.clientIP(c); ok {
				for _, p := range prefixes {
					if p.Contains(ip) {
						c.Next()
						return
					}
				}
			}
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
}

// clientIP resolves the caller address, honoring X-Forwarded-For only when
// the deployment fronts the node with a trusted proxy.
func (s *Server) clientIP(c *gin.Context) (netip.Addr, bool) {
	if s.cfg.TrustProxy {
		if xff := c.GetHeader("X-Forwarded-For"); xff != "" {
			first := strings.TrimSpace(strings.Split(xff, ",")[0])
			if addr, err := netip.ParseAddr(first); err == nil {
				return addr.Unmap(), true
			}
		}
	}
	addrPort, err := netip.ParseAddrPort(c.Request.RemoteAddr)
	if err != nil {
		return netip.Addr{}, false
	}
	return addrPort.Addr().Unmap(), true
}

// parseAllowlist normalizes single addresses to single-address prefixes.
// Entries were validated at config load.
func parseAllowlist(entries []string) []netip.Prefix {
	var out []netip.Prefix
	for _, e := range entries {
		if p, err := netip.ParsePrefix(e); err == nil {
			out = append(out, p.Masked())
			continue
		}
		if a, err := netip.ParseAddr(e); err == nil {
			a = a.Unmap()
			out = append(out, netip.PrefixFrom(a, a.BitLen()))
		}
	}
	return out
}
