// Package stream is the client for metered payment streams: a hold is
// placed up front, per-tick micropayments accumulate against it, and
// closing settles spent to the seller and the remainder back to the
// buyer. Like gateway sessions, the server enforces the hold; the
// client only tracks running totals.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/api"
)

var ErrClosed = errors.New("stream: closed")

// Authority is the slice of the platform API streams use. Implemented
// by *api.Client.
type Authority interface {
	OpenStream(ctx context.Context, req api.OpenStreamRequest) (*api.StreamInfo, error)
	StreamTick(ctx context.Context, streamID string, req api.TickRequest) (*api.TickReceipt, error)
	CloseStream(ctx context.Context, streamID, reason string) (*api.StreamInfo, error)
}

// Config describes the stream to open.
type Config struct {
	SellerAddr      string
	HoldAmount      string
	PricePerTick    string
	ServiceID       string
	SessionKeyID    string
	StaleTimeoutSec int // 0 = server default; the server auto-closes idle streams
}

// Session is an open payment stream.
type Session struct {
	authority Authority

	mu     sync.Mutex
	id     string
	hold   string
	spent  string
	seq    int // last reserved sequence number
	ticks  int // ticks acknowledged by the server
	closed bool
}

// Open places the hold and returns the stream handle.
func Open(ctx context.Context, authority Authority, cfg Config) (*Session, error) {
	if !validation.IsValidEthAddress(cfg.SellerAddr) {
		return nil, errors.New("stream: invalid seller address")
	}
	if !validation.IsValidAmount(cfg.HoldAmount) {
		return nil, errors.New("stream: invalid hold amount")
	}
	if !validation.IsValidAmount(cfg.PricePerTick) {
		return nil, errors.New("stream: invalid price per tick")
	}
	info, err := authority.OpenStream(ctx, api.OpenStreamRequest{
		SellerAddr:      cfg.SellerAddr,
		HoldAmount:      cfg.HoldAmount,
		PricePerTick:    cfg.PricePerTick,
		ServiceID:       cfg.ServiceID,
		SessionKeyID:    cfg.SessionKeyID,
		StaleTimeoutSec: cfg.StaleTimeoutSec,
	})
	if err != nil {
		return nil, err
	}
	return &Session{
		authority: authority,
		id:        info.ID,
		hold:      info.HoldAmount,
		spent:     "0.00",
	}, nil
}

// ID returns the server's stream ID.
func (s *Session) ID() string { return s.id }

// Spent returns the locally observed accumulated tick value.
func (s *Session) Spent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.spent
}

// Ticks returns the number of ticks acknowledged by the server.
func (s *Session) Ticks() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ticks
}

// Remaining returns the locally observed unspent hold.
func (s *Session) Remaining() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return usdc.Sub(s.hold, s.spent)
}

// Tick records one metered unit. Amount "" charges the stream's
// per-tick price. The sequence number is reserved under the mutex, so
// concurrent ticks never share a number; a failed tick leaves a gap,
// which the server's monotonic check accepts.
func (s *Session) Tick(ctx context.Context, amount, metadata string) (*api.TickReceipt, error) {
	if amount != "" && !validation.IsValidAmount(amount) {
		return nil, errors.New("stream: invalid tick amount")
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.seq++
	seq := s.seq
	s.mu.Unlock()

	receipt, err := s.authority.StreamTick(ctx, s.id, api.TickRequest{
		Seq:      seq,
		Amount:   amount,
		Metadata: metadata,
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.ticks++
	s.spent = usdc.Add(s.spent, receipt.Amount)
	s.mu.Unlock()
	return receipt, nil
}

// Close settles the stream: accumulated spend goes to the seller, the
// unspent hold returns to the buyer.
func (s *Session) Close(ctx context.Context, reason string) (*api.StreamInfo, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.mu.Unlock()

	info, err := s.authority.CloseStream(ctx, s.id, reason)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return info, nil
}
