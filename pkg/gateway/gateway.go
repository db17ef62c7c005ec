// Package gateway is the client for server-managed budget sessions.
//
// Unlike a pkg/session BudgetSession, a gateway session holds its
// budget on the platform: the server picks the service, pays it, and
// enforces the ceiling atomically. The client keeps running totals
// purely for observability; there is no local reservation to roll back.
package gateway

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/api"
)

var ErrClosed = errors.New("gateway: session closed")

// Authority is the slice of the platform API gateway sessions use.
// Implemented by *api.Client.
type Authority interface {
	OpenGatewaySession(ctx context.Context, req api.OpenGatewayRequest) (*api.GatewaySessionInfo, error)
	GatewayProxy(ctx context.Context, sessionID string, req api.ProxyRequest) (*api.ProxyResult, error)
	CloseGatewaySession(ctx context.Context, sessionID string) (*api.GatewaySessionInfo, error)
}

// Config describes the server-side budget to open.
type Config struct {
	MaxTotal      string
	MaxPerRequest string
	Strategy      string // cheapest, reputation, best_value; empty = cheapest
	AllowedTypes  []string
	ExpiresIn     time.Duration // 0 = server default
}

// Session is an open gateway session.
type Session struct {
	authority Authority

	mu     sync.Mutex
	id     string
	max    string
	spent  string
	calls  int
	closed bool
}

// Open registers a server-side budget and returns the session handle.
func Open(ctx context.Context, authority Authority, cfg Config) (*Session, error) {
	if !validation.IsValidAmount(cfg.MaxTotal) {
		return nil, errors.New("gateway: invalid max total")
	}
	if !validation.IsValidAmount(cfg.MaxPerRequest) {
		return nil, errors.New("gateway: invalid max per request")
	}
	info, err := authority.OpenGatewaySession(ctx, api.OpenGatewayRequest{
		MaxTotal:      cfg.MaxTotal,
		MaxPerRequest: cfg.MaxPerRequest,
		Strategy:      cfg.Strategy,
		AllowedTypes:  cfg.AllowedTypes,
		ExpiresInSec:  int(cfg.ExpiresIn / time.Second),
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		authority: authority,
		id:        info.ID,
		max:       info.MaxTotal,
		spent:     "0.00",
	}, nil
}

// ID returns the server's session ID.
func (s *Session) ID() string { return s.id }

// Spent returns the locally observed total paid so far.
func (s *Session) Spent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent
}

// Calls returns the number of successful proxy calls.
func (s *Session) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Remaining returns the locally observed remaining budget. The server
// is authoritative; this is a best-effort view for logging and alerts.
func (s *Session) Remaining() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return usdc.Sub(s.max, s.spent)
}

// Call asks the gateway to select a service of the given type and call
// it within the session's budget. The server enforces the ceiling; the
// returned amount is folded into the local running total.
func (s *Session) Call(ctx context.Context, serviceType string, params map[string]any) (*api.ProxyResult, error) {
	if serviceType == "" {
		return nil, errors.New("gateway: service type is required")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	result, err := s.authority.GatewayProxy(ctx, s.id, api.ProxyRequest{
		ServiceType: serviceType,
		Params:      params,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.spent = usdc.Add(s.spent, result.AmountPaid)
	s.calls++
	s.mu.Unlock()
	return result, nil
}

// Close settles the session on the server and marks it closed locally.
func (s *Session) Close(ctx context.Context) (*api.GatewaySessionInfo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	info, err := s.authority.CloseGatewaySession(ctx, s.id)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return info, nil
}
