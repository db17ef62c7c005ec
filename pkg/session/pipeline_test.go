package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
)

func pipelineListings() []discovery.Listing {
	return []discovery.Listing{
		{
			ServiceID: "svc_t", ServiceName: "Translate", ServiceType: "translation",
			AgentAddr: sellerAddr, Endpoint: "http://seller-1/translate", Price: "0.10",
		},
		{
			ServiceID: "svc_s", ServiceName: "Summarize", ServiceType: "summarization",
			AgentAddr: seller2, Endpoint: "http://seller-2/summarize", Price: "0.10",
		},
		{
			ServiceID: "svc_e", ServiceName: "Embed", ServiceType: "embedding",
			AgentAddr: seller3, Endpoint: "http://seller-3/embed", Price: "0.10",
		},
	}
}

func threeSteps() []PipelineStep {
	return []PipelineStep{
		{ServiceType: "translation", Params: map[string]any{"text": "hello"}},
		{ServiceType: "summarization", Params: map[string]any{"text": Prev("text")}},
		{ServiceType: "embedding", Params: map[string]any{"text": Prev("summary")}},
	}
}

func pipelineEndpoint(endpoint string, params any) (json.RawMessage, error) {
	switch {
	case strings.Contains(endpoint, "translate"):
		return json.RawMessage(`{"text":"hola"}`), nil
	case strings.Contains(endpoint, "summarize"):
		return json.RawMessage(`{"summary":"short"}`), nil
	default:
		return json.RawMessage(`{"vector":[0.1,0.2]}`), nil
	}
}

func TestPipelineSuccess(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	f.endpoint = pipelineEndpoint
	s := openSession(t, f, testBudget())

	result, err := s.Pipeline(context.Background(), threeSteps())
	if err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	if result.TotalPaid != "0.300000" {
		t.Errorf("TotalPaid = %s, want 0.300000", result.TotalPaid)
	}
	if result.MultiStep.Status != escrow.MSCompleted {
		t.Errorf("multistep status = %s, want completed", result.MultiStep.Status)
	}
	if len(result.Steps) != 3 {
		t.Fatalf("got %d step results, want 3", len(result.Steps))
	}
	if s.Spent() != "0.300000" {
		t.Errorf("Spent = %s, want 0.300000", s.Spent())
	}
	if s.TxCount() != 3 {
		t.Errorf("TxCount = %d, want 3", s.TxCount())
	}
}

func TestPipelineUnaffordableFailsBeforeLock(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	s := openSession(t, f, Budget{MaxTotal: "0.25", MaxPerTx: "0.25"})

	_, err := s.Pipeline(context.Background(), threeSteps())
	assertKind(t, err, KindPolicyDenied, FundsNoChange)
	if len(f.multisteps) != 0 {
		t.Errorf("%d multistep escrows exist after pre-lock failure, want 0", len(f.multisteps))
	}
	if s.Spent() != "0.00" {
		t.Errorf("Spent = %s, want 0.00", s.Spent())
	}
}

func TestPipelineMidStepFailureRefundsRemainder(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		if strings.Contains(endpoint, "summarize") {
			return nil, fmt.Errorf("connection refused")
		}
		return pipelineEndpoint(endpoint, params)
	}
	s := openSession(t, f, testBudget())

	_, err := s.Pipeline(context.Background(), threeSteps())
	se := assertKind(t, err, KindPipelineStepFailed, FundsSpent)
	if se.FailedStep != 1 {
		t.Errorf("FailedStep = %d, want 1", se.FailedStep)
	}
	if se.ConfirmedSum != "0.100000" {
		t.Errorf("ConfirmedSum = %s, want 0.100000", se.ConfirmedSum)
	}
	if se.Refunded != "0.200000" {
		t.Errorf("Refunded = %s, want 0.200000", se.Refunded)
	}

	// Conservation: confirmed + refunded == locked.
	var ms *escrow.MultiStep
	for _, m := range f.multisteps {
		ms = m
	}
	if ms == nil {
		t.Fatal("no multistep escrow recorded")
	}
	if ms.Status != escrow.MSAborted {
		t.Errorf("multistep status = %s, want aborted", ms.Status)
	}
	if got := usdc.Add(se.ConfirmedSum, se.Refunded); got != ms.LockedAmount {
		t.Errorf("confirmed %s + refunded %s = %s, want locked %s", se.ConfirmedSum, se.Refunded, got, ms.LockedAmount)
	}

	// Only the confirmed step stays spent locally.
	if s.Spent() != "0.100000" {
		t.Errorf("Spent = %s, want 0.100000", s.Spent())
	}
	if s.TxCount() != 1 {
		t.Errorf("TxCount = %d, want 1", s.TxCount())
	}
}

func TestPipelineConfirmFailureRefundsRemainder(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	f.endpoint = pipelineEndpoint
	f.confirmStepErr = map[int]error{1: fmt.Errorf("connection refused")}
	s := openSession(t, f, testBudget())

	_, err := s.Pipeline(context.Background(), threeSteps())
	se := assertKind(t, err, KindPipelineStepFailed, FundsSpent)
	if se.FailedStep != 1 {
		t.Errorf("FailedStep = %d, want 1", se.FailedStep)
	}
	if se.ConfirmedSum != "0.100000" {
		t.Errorf("ConfirmedSum = %s, want 0.100000", se.ConfirmedSum)
	}
	if se.Refunded != "0.200000" {
		t.Errorf("Refunded = %s, want 0.200000", se.Refunded)
	}

	var ms *escrow.MultiStep
	for _, m := range f.multisteps {
		ms = m
	}
	if ms == nil {
		t.Fatal("no multistep escrow recorded")
	}
	if ms.Status != escrow.MSAborted {
		t.Errorf("multistep status = %s, want aborted", ms.Status)
	}
	if got := usdc.Add(se.ConfirmedSum, se.Refunded); got != ms.LockedAmount {
		t.Errorf("confirmed %s + refunded %s = %s, want locked %s", se.ConfirmedSum, se.Refunded, got, ms.LockedAmount)
	}
	if s.Spent() != "0.100000" {
		t.Errorf("Spent = %s, want 0.100000", s.Spent())
	}
	if s.TxCount() != 1 {
		t.Errorf("TxCount = %d, want 1", s.TxCount())
	}
}

func TestPipelineFirstStepFailureRefundsAll(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		return nil, fmt.Errorf("connection refused")
	}
	s := openSession(t, f, testBudget())

	_, err := s.Pipeline(context.Background(), threeSteps())
	se := assertKind(t, err, KindPipelineStepFailed, FundsRefunded)
	if se.ConfirmedSum != "0.00" {
		t.Errorf("ConfirmedSum = %s, want 0.00", se.ConfirmedSum)
	}
	if se.Refunded != "0.300000" {
		t.Errorf("Refunded = %s, want 0.300000", se.Refunded)
	}
	if s.Spent() != "0.000000" {
		t.Errorf("Spent = %s, want 0.000000", s.Spent())
	}
}

func TestPipelineRefundFailureReportsLockedFunds(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		return nil, fmt.Errorf("connection refused")
	}
	f.refundErr = fmt.Errorf("authority unreachable")
	s := openSession(t, f, testBudget())

	_, err := s.Pipeline(context.Background(), threeSteps())
	se := assertKind(t, err, KindPipelineStepFailed, FundsLockedInEscrow)
	if se.Refunded != "0.00" {
		t.Errorf("Refunded = %s, want 0.00 when the refund failed", se.Refunded)
	}
	// Reservation kept: the funds really are locked.
	if s.Spent() != "0.300000" {
		t.Errorf("Spent = %s, want 0.300000 while the lock stands", s.Spent())
	}
}

func TestPipelinePrevRefResolution(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	var summarizeInput any
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		if strings.Contains(endpoint, "summarize") {
			summarizeInput = params
		}
		return pipelineEndpoint(endpoint, params)
	}
	s := openSession(t, f, testBudget())

	if _, err := s.Pipeline(context.Background(), threeSteps()); err != nil {
		t.Fatalf("Pipeline: %v", err)
	}
	m, ok := summarizeInput.(map[string]any)
	if !ok {
		t.Fatalf("summarize params = %T, want map", summarizeInput)
	}
	if m["text"] != "hola" {
		t.Errorf(`summarize got text %v, want "hola" from step 1's output`, m["text"])
	}
}

func TestPipelinePrevRefMissingField(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	f.endpoint = func(endpoint string, params any) (json.RawMessage, error) {
		// Step 1 output lacks the "text" field step 2 references.
		return json.RawMessage(`{"translated":"hola"}`), nil
	}
	s := openSession(t, f, testBudget())

	_, err := s.Pipeline(context.Background(), threeSteps())
	se := assertKind(t, err, KindPipelineStepFailed, FundsSpent)
	if se.FailedStep != 1 {
		t.Errorf("FailedStep = %d, want 1", se.FailedStep)
	}
}

func TestPipelinePrevRefOnFirstStep(t *testing.T) {
	f := newFakeAuthority()
	f.listings = pipelineListings()
	s := openSession(t, f, testBudget())

	steps := []PipelineStep{
		{ServiceType: "translation", Params: map[string]any{"text": Prev("text")}},
	}
	_, err := s.Pipeline(context.Background(), steps)
	// The lock is already taken when resolution runs, so this is a
	// step failure with a full refund, not a bare validation error.
	assertKind(t, err, KindPipelineStepFailed, FundsRefunded)
	if s.Spent() != "0.000000" {
		t.Errorf("Spent = %s, want 0.000000", s.Spent())
	}
}

func TestPipelineEmptySteps(t *testing.T) {
	f := newFakeAuthority()
	s := openSession(t, f, testBudget())
	if _, err := s.Pipeline(context.Background(), nil); err == nil {
		t.Error("empty pipeline should fail")
	}
}
