package session

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
)

func translationListings() []discovery.Listing {
	return []discovery.Listing{
		{
			ServiceID:   "svc_1",
			ServiceName: "FastTranslate",
			ServiceType: "translation",
			AgentAddr:   sellerAddr,
			Endpoint:    "http://seller-1/translate",
			Price:       "0.15",
			Reputation:  3.5,
		},
		{
			ServiceID:   "svc_2",
			ServiceName: "PremiumTranslate",
			ServiceType: "translation",
			AgentAddr:   seller2,
			Endpoint:    "http://seller-2/translate",
			Price:       "0.40",
			Reputation:  4.8,
		},
	}
}

func TestCallServiceConfirmsOnMeaningfulOutput(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{"text":"hola mundo"}`), nil
	}
	s := openSession(t, f, testBudget())

	result, err := s.CallService(context.Background(), ServiceRequest{
		ServiceType: "translation",
		Params:      map[string]any{"text": "hello world"},
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if !result.Confirmed {
		t.Error("expected escrow confirmed")
	}
	if result.Escrow.Status != escrow.StatusConfirmed {
		t.Errorf("escrow status = %s, want confirmed", result.Escrow.Status)
	}
	// Cheapest strategy picks the 0.15 listing.
	if result.Listing.AgentAddr != sellerAddr {
		t.Errorf("selected %s, want cheapest seller %s", result.Listing.AgentAddr, sellerAddr)
	}
	if result.AmountPaid != "0.15" {
		t.Errorf("AmountPaid = %s, want 0.15", result.AmountPaid)
	}
	if s.Spent() != "0.150000" {
		t.Errorf("Spent = %s, want 0.150000", s.Spent())
	}
}

func TestCallServiceReputationStrategy(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	s := openSession(t, f, testBudget())

	result, err := s.CallService(context.Background(), ServiceRequest{
		ServiceType: "translation",
		Strategy:    discovery.StrategyReputation,
	})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if result.Listing.AgentAddr != seller2 {
		t.Errorf("selected %s, want highest-reputation seller %s", result.Listing.AgentAddr, seller2)
	}
}

func TestCallServiceEmptyOutputLeavesEscrowOpen(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		return json.RawMessage(`{}`), nil
	}
	s := openSession(t, f, testBudget())
	ctx := context.Background()

	result, err := s.CallService(ctx, ServiceRequest{ServiceType: "translation"})
	if err != nil {
		t.Fatalf("CallService: %v", err)
	}
	if result.Confirmed {
		t.Error("empty output must not auto-confirm")
	}
	if result.Escrow.Status != escrow.StatusCreated {
		t.Errorf("escrow status = %s, want created", result.Escrow.Status)
	}
	// The reservation stands while the funds sit in escrow.
	if s.Spent() != "0.150000" {
		t.Errorf("Spent = %s, want 0.150000", s.Spent())
	}

	// The buyer inspects the garbage output and disputes.
	disputed, err := s.DisputeService(ctx, result.Escrow, "empty response")
	if err != nil {
		t.Fatalf("DisputeService: %v", err)
	}
	if disputed.Status != escrow.StatusDisputed {
		t.Errorf("escrow status = %s, want disputed", disputed.Status)
	}
	if s.Spent() != "0.000000" {
		t.Errorf("Spent = %s after refund, want 0.000000", s.Spent())
	}
}

func TestCallServiceEndpointFailureRefunds(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		return nil, fmt.Errorf("connection refused")
	}
	s := openSession(t, f, testBudget())

	_, err := s.CallService(context.Background(), ServiceRequest{ServiceType: "translation"})
	assertKind(t, err, KindNetworkFailure, FundsRefunded)
	if s.Spent() != "0.000000" {
		t.Errorf("Spent = %s after refund, want 0.000000", s.Spent())
	}
	if len(f.disputes) != 1 {
		t.Errorf("authority saw %d disputes, want 1", len(f.disputes))
	}
}

func TestCallServiceFailedRefundReportsLockedFunds(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		return nil, fmt.Errorf("connection refused")
	}
	f.disputeErr = fmt.Errorf("authority unreachable")
	s := openSession(t, f, testBudget())

	_, err := s.CallService(context.Background(), ServiceRequest{ServiceType: "translation"})
	assertKind(t, err, KindSettlementAmbiguous, FundsLockedInEscrow)
	// Reservation kept: the funds really are locked.
	if s.Spent() != "0.150000" {
		t.Errorf("Spent = %s, want 0.150000 while funds are locked", s.Spent())
	}
}

func TestCallServiceConfirmFailure(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	f.confirmEscrowErr = fmt.Errorf("authority unreachable")
	s := openSession(t, f, testBudget())

	_, err := s.CallService(context.Background(), ServiceRequest{ServiceType: "translation"})
	assertKind(t, err, KindSettlementAmbiguous, FundsLockedInEscrow)
}

func TestCallServiceTypePolicy(t *testing.T) {
	f := newFakeAuthority()
	f.listings = translationListings()
	s := openSession(t, f, Budget{
		MaxTotal:            "5.00",
		MaxPerTx:            "1.00",
		AllowedServiceTypes: []string{"inference"},
	})

	_, err := s.CallService(context.Background(), ServiceRequest{ServiceType: "translation"})
	assertKind(t, err, KindPolicyDenied, FundsNoChange)
	if len(f.escrows) != 0 {
		t.Errorf("%d escrows created for a denied call, want 0", len(f.escrows))
	}
}

func TestCallServiceNoCandidates(t *testing.T) {
	f := newFakeAuthority()
	s := openSession(t, f, testBudget())

	_, err := s.CallService(context.Background(), ServiceRequest{ServiceType: "translation"})
	assertKind(t, err, KindPolicyDenied, FundsNoChange)
	if s.Spent() != "0.00" {
		t.Errorf("Spent = %s, want 0.00", s.Spent())
	}
}

func TestMeaningfulOutput(t *testing.T) {
	cases := []struct {
		name string
		raw  string
		want bool
	}{
		{"object", `{"text":"hi"}`, true},
		{"empty object", `{}`, false},
		{"empty array", `[]`, false},
		{"array", `[1]`, true},
		{"empty string", `""`, false},
		{"blank string", `"   "`, false},
		{"string", `"hi"`, true},
		{"null", `null`, false},
		{"empty", ``, false},
		{"number", `42`, true},
		{"non-json bytes", `raw bytes`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := meaningfulOutput(json.RawMessage(tc.raw)); got != tc.want {
				t.Errorf("meaningfulOutput(%q) = %v, want %v", tc.raw, got, tc.want)
			}
		})
	}
}
