package gateway

import (
	"context"
	"fmt"
	"testing"

	"github.com/mbd888/alancoin-agent/pkg/api"
)

type mockAuthority struct {
	opened   *api.OpenGatewayRequest
	proxyErr error
	price    string
	calls    int
	closed   bool
}

func (m *mockAuthority) OpenGatewaySession(_ context.Context, req api.OpenGatewayRequest) (*api.GatewaySessionInfo, error) {
	m.opened = &req
	return &api.GatewaySessionInfo{ID: "gw_1", MaxTotal: req.MaxTotal, Status: "active"}, nil
}

func (m *mockAuthority) GatewayProxy(_ context.Context, sessionID string, req api.ProxyRequest) (*api.ProxyResult, error) {
	if m.proxyErr != nil {
		return nil, m.proxyErr
	}
	m.calls++
	return &api.ProxyResult{
		Response:   map[string]any{"text": "hola"},
		AmountPaid: m.price,
	}, nil
}

func (m *mockAuthority) CloseGatewaySession(_ context.Context, sessionID string) (*api.GatewaySessionInfo, error) {
	m.closed = true
	return &api.GatewaySessionInfo{ID: sessionID, Status: "closed"}, nil
}

func TestGatewaySession(t *testing.T) {
	m := &mockAuthority{price: "0.05"}
	ctx := context.Background()

	s, err := Open(ctx, m, Config{MaxTotal: "1.00", MaxPerRequest: "0.10"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if s.ID() != "gw_1" {
		t.Errorf("ID = %s, want gw_1", s.ID())
	}

	for i := 0; i < 3; i++ {
		if _, err := s.Call(ctx, "translation", map[string]any{"text": "hi"}); err != nil {
			t.Fatalf("Call %d: %v", i, err)
		}
	}
	if s.Spent() != "0.150000" {
		t.Errorf("Spent = %s, want 0.150000", s.Spent())
	}
	if s.Calls() != 3 {
		t.Errorf("Calls = %d, want 3", s.Calls())
	}
	if s.Remaining() != "0.850000" {
		t.Errorf("Remaining = %s, want 0.850000", s.Remaining())
	}

	if _, err := s.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !m.closed {
		t.Error("server session not closed")
	}
	if _, err := s.Call(ctx, "translation", nil); err != ErrClosed {
		t.Errorf("Call after Close = %v, want ErrClosed", err)
	}
	if _, err := s.Close(ctx); err != ErrClosed {
		t.Errorf("double Close = %v, want ErrClosed", err)
	}
}

func TestGatewayCallFailureLeavesTotals(t *testing.T) {
	m := &mockAuthority{price: "0.05"}
	ctx := context.Background()
	s, err := Open(ctx, m, Config{MaxTotal: "1.00", MaxPerRequest: "0.10"})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	m.proxyErr = fmt.Errorf("policy denied")
	if _, err := s.Call(ctx, "translation", nil); err == nil {
		t.Fatal("expected proxy error")
	}
	if s.Spent() != "0.00" {
		t.Errorf("Spent = %s after failed call, want 0.00", s.Spent())
	}
	if s.Calls() != 0 {
		t.Errorf("Calls = %d after failed call, want 0", s.Calls())
	}
}

func TestGatewayOpenValidation(t *testing.T) {
	m := &mockAuthority{}
	if _, err := Open(context.Background(), m, Config{MaxTotal: "abc", MaxPerRequest: "0.10"}); err == nil {
		t.Error("invalid max total should fail")
	}
	if _, err := Open(context.Background(), m, Config{MaxTotal: "1.00", MaxPerRequest: ""}); err == nil {
		t.Error("missing per-request ceiling should fail")
	}
	if m.opened != nil {
		t.Error("server was called for invalid config")
	}
}
