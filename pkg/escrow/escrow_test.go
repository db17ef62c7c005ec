package escrow

import (
	"context"
	"errors"
	"testing"
	"time"
)

// mockAuthority tracks escrow records in memory and applies the server's
// transitions without validation (the client guards are under test).
type mockAuthority struct {
	escrows  map[string]*Escrow
	failWith error
}

func newMockAuthority() *mockAuthority {
	return &mockAuthority{escrows: make(map[string]*Escrow)}
}

func (m *mockAuthority) CreateEscrow(_ context.Context, req CreateRequest) (*Escrow, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	e := &Escrow{
		ID:            "esc_1",
		BuyerAddr:     "0xbuyer",
		SellerAddr:    req.SellerAddr,
		Amount:        req.Amount,
		ServiceID:     req.ServiceID,
		Status:        StatusCreated,
		AutoReleaseAt: time.Now().Add(5 * time.Minute),
		CreatedAt:     time.Now(),
	}
	m.escrows[e.ID] = e
	return e, nil
}

func (m *mockAuthority) transition(id string, status Status) (*Escrow, error) {
	if m.failWith != nil {
		return nil, m.failWith
	}
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	cp.Status = status
	m.escrows[id] = &cp
	return &cp, nil
}

func (m *mockAuthority) DeliverEscrow(_ context.Context, id string) (*Escrow, error) {
	return m.transition(id, StatusDelivered)
}

func (m *mockAuthority) ConfirmEscrow(_ context.Context, id string) (*Escrow, error) {
	return m.transition(id, StatusConfirmed)
}

func (m *mockAuthority) DisputeEscrow(_ context.Context, id, reason string) (*Escrow, error) {
	e, err := m.transition(id, StatusDisputed)
	if err == nil {
		e.DisputeReason = reason
	}
	return e, err
}

func (m *mockAuthority) GetEscrow(_ context.Context, id string) (*Escrow, error) {
	e, ok := m.escrows[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

type recordedDispute struct {
	seller, escrowID, reason string
}

type mockReputation struct {
	disputes []recordedDispute
}

func (m *mockReputation) ReportDispute(_ context.Context, seller, escrowID, reason string) error {
	m.disputes = append(m.disputes, recordedDispute{seller, escrowID, reason})
	return nil
}

func TestConfirmFlow(t *testing.T) {
	auth := newMockAuthority()
	p := NewProtocol(auth)
	ctx := context.Background()

	esc, err := p.Create(ctx, CreateRequest{SellerAddr: "0xseller", Amount: "0.15"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if esc.Status != StatusCreated {
		t.Fatalf("status = %s, want created", esc.Status)
	}

	esc, err = p.Deliver(ctx, esc)
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if esc.Status != StatusDelivered {
		t.Fatalf("status = %s, want delivered", esc.Status)
	}

	esc, err = p.Confirm(ctx, esc)
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if esc.Status != StatusConfirmed {
		t.Errorf("status = %s, want confirmed", esc.Status)
	}
	if !esc.IsTerminal() {
		t.Error("confirmed escrow should be terminal")
	}
}

func TestDisputeFlow(t *testing.T) {
	auth := newMockAuthority()
	rep := &mockReputation{}
	p := NewProtocol(auth).WithReputation(rep)
	ctx := context.Background()

	esc, _ := p.Create(ctx, CreateRequest{SellerAddr: "0xseller", Amount: "0.15"})

	esc, err := p.Dispute(ctx, esc, "empty result")
	if err != nil {
		t.Fatalf("Dispute: %v", err)
	}
	if esc.Status != StatusDisputed {
		t.Errorf("status = %s, want disputed", esc.Status)
	}
	if len(rep.disputes) != 1 || rep.disputes[0].seller != "0xseller" {
		t.Errorf("reputation report missing: %+v", rep.disputes)
	}
}

func TestDisputeRequiresReason(t *testing.T) {
	p := NewProtocol(newMockAuthority())
	esc := &Escrow{ID: "esc_1", Status: StatusCreated}

	if _, err := p.Dispute(context.Background(), esc, ""); !errors.Is(err, ErrEmptyReason) {
		t.Errorf("expected ErrEmptyReason, got %v", err)
	}
}

func TestTerminalGuards(t *testing.T) {
	p := NewProtocol(newMockAuthority())
	ctx := context.Background()

	for _, status := range []Status{StatusConfirmed, StatusDisputed, StatusAutoReleased} {
		esc := &Escrow{ID: "esc_1", Status: status}
		if _, err := p.Confirm(ctx, esc); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("Confirm on %s: err = %v, want ErrAlreadyResolved", status, err)
		}
		if _, err := p.Dispute(ctx, esc, "reason"); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("Dispute on %s: err = %v, want ErrAlreadyResolved", status, err)
		}
		if _, err := p.Deliver(ctx, esc); !errors.Is(err, ErrAlreadyResolved) {
			t.Errorf("Deliver on %s: err = %v, want ErrAlreadyResolved", status, err)
		}
	}
}

func TestDeliverOnlyFromCreated(t *testing.T) {
	p := NewProtocol(newMockAuthority())
	esc := &Escrow{ID: "esc_1", Status: StatusDelivered}

	if _, err := p.Deliver(context.Background(), esc); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("expected ErrInvalidStatus, got %v", err)
	}
}

func TestRefreshObservesAutoRelease(t *testing.T) {
	auth := newMockAuthority()
	p := NewProtocol(auth)
	ctx := context.Background()

	esc, _ := p.Create(ctx, CreateRequest{SellerAddr: "0xseller", Amount: "0.15"})

	// Authority-side timer fires.
	auth.escrows[esc.ID].Status = StatusAutoReleased

	got, err := p.Refresh(ctx, esc.ID)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if got.Status != StatusAutoReleased {
		t.Errorf("status = %s, want auto_released", got.Status)
	}
}

func TestMultiStepRemaining(t *testing.T) {
	m := &MultiStep{LockedAmount: "0.30", SpentAmount: "0.10"}
	if got := m.Remaining(); got != "0.200000" {
		t.Errorf("Remaining = %q, want 0.200000", got)
	}
}
