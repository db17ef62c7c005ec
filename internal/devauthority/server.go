// Package devauthority is an in-memory platform authority for local
// development and tests. It speaks the same HTTP surface as the real
// platform: session keys with signed transfers and delegation, escrows,
// multistep escrows, the service marketplace, gateway sessions, payment
// streams, and the WebSocket event feed.
//
// All state lives in memory under a single mutex; nothing survives a
// restart. It exists so agents can be developed and tested end to end
// without touching real funds.
package devauthority

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alancoin-agent/internal/security"
	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
)

// Config configures the simulator.
type Config struct {
	// APIKeys maps bearer tokens to agent wallet addresses.
	APIKeys map[string]string
	Logger  *slog.Logger

	// Invoke calls a seller endpoint on behalf of a gateway proxy
	// request. Nil disables upstream calls; proxy responses are empty.
	Invoke func(endpoint string, params map[string]any) (json.RawMessage, error)
}

// Server is the in-memory platform authority.
type Server struct {
	store  *store
	hub    *hub
	logger *slog.Logger
	invoke func(endpoint string, params map[string]any) (json.RawMessage, error)

	mu      sync.RWMutex
	apiKeys map[string]string
}

// New creates a simulator. Call Run to start the event feed, then mount
// Router on an HTTP server.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	keys := make(map[string]string, len(cfg.APIKeys))
	for k, addr := range cfg.APIKeys {
		keys[k] = validation.NormalizeAddress(addr)
	}
	return &Server{
		store:   newStore(),
		hub:     newHub(logger),
		logger:  logger,
		invoke:  cfg.Invoke,
		apiKeys: keys,
	}
}

// Run starts the event feed hub. Blocks until ctx is canceled.
func (s *Server) Run(ctx context.Context) {
	s.hub.run(ctx)
}

// Credit adds funds to an agent's available balance.
func (s *Server) Credit(addr, amount string) {
	addr = validation.NormalizeAddress(addr)
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.balances[addr] = usdc.Add(s.store.balance(addr), amount)
}

// Balance returns an agent's available balance.
func (s *Server) Balance(addr string) string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.balance(validation.NormalizeAddress(addr))
}

// Held returns the amount currently locked for an agent.
func (s *Server) Held(addr string) string {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.heldAmount(validation.NormalizeAddress(addr))
}

// AddListing publishes a service to the marketplace.
func (s *Server) AddListing(l discovery.Listing) {
	l.AgentAddr = validation.NormalizeAddress(l.AgentAddr)
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.listings = append(s.store.listings, l)
}

// AddAPIKey registers a bearer token for an agent address.
func (s *Server) AddAPIKey(key, addr string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[key] = validation.NormalizeAddress(addr)
}

// DisputeCount returns how many disputes have been recorded against a
// seller.
func (s *Server) DisputeCount(addr string) int {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	return s.store.disputes[validation.NormalizeAddress(addr)]
}

// Router builds the HTTP surface. Extra middleware (rate limiting,
// CORS) runs after recovery and security headers.
func (s *Server) Router(middleware ...gin.HandlerFunc) http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(security.HeadersMiddleware())
	r.Use(middleware...)

	// The feed carries no bearer token; subscriptions are filters, not
	// authorization.
	r.GET("/v1/events", func(c *gin.Context) {
		s.hub.handleFeed(c.Writer, c.Request)
	})

	v1 := r.Group("/v1", s.authenticate)

	v1.POST("/session-keys", s.handleRegisterKey)
	v1.GET("/session-keys/:id", s.handleGetKey)
	v1.DELETE("/session-keys/:id", s.handleRevokeKey)
	v1.POST("/session-keys/:id/transact", s.handleTransact)
	v1.POST("/session-keys/:id/delegate", s.handleDelegate)

	v1.POST("/escrow", s.handleCreateEscrow)
	v1.GET("/escrow/:id", s.handleGetEscrow)
	v1.POST("/escrow/:id/deliver", s.handleDeliverEscrow)
	v1.POST("/escrow/:id/confirm", s.handleConfirmEscrow)
	v1.POST("/escrow/:id/dispute", s.handleDisputeEscrow)

	v1.POST("/escrow/multistep", s.handleLockSteps)
	v1.GET("/escrow/multistep/:id", s.handleGetMultiStep)
	v1.POST("/escrow/multistep/:id/confirm-step", s.handleConfirmStep)
	v1.POST("/escrow/multistep/:id/refund", s.handleRefundRemaining)

	v1.GET("/services", s.handleListServices)
	v1.POST("/reputation/:addr/disputes", s.handleReportDispute)

	v1.POST("/gateway/sessions", s.handleOpenGateway)
	v1.POST("/gateway/sessions/:id/proxy", s.handleGatewayProxy)
	v1.DELETE("/gateway/sessions/:id", s.handleCloseGateway)

	v1.POST("/streams", s.handleOpenStream)
	v1.POST("/streams/:id/ticks", s.handleStreamTick)
	v1.POST("/streams/:id/close", s.handleCloseStream)

	return r
}

// authenticate resolves the bearer token to an agent address.
func (s *Server) authenticate(c *gin.Context) {
	header := c.GetHeader("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "missing bearer token",
		})
		return
	}
	s.mu.RLock()
	addr, found := s.apiKeys[token]
	s.mu.RUnlock()
	if !found {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
			"error":   "unauthorized",
			"message": "unknown API key",
		})
		return
	}
	c.Set("agentAddr", addr)
	c.Next()
}

func agentAddr(c *gin.Context) string {
	return c.GetString("agentAddr")
}

// writeErr renders a store rejection or an internal error.
func (s *Server) writeErr(c *gin.Context, err error) {
	if rej, ok := err.(*reject); ok {
		c.JSON(rej.status, gin.H{"error": rej.code, "message": rej.msg})
		return
	}
	s.logger.Error("internal error", "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "internal error",
	})
}

func badBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "invalid request body",
	})
}
