package session

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/mbd888/alancoin-agent/internal/metrics"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
	"github.com/mbd888/alancoin-agent/pkg/x402"
)

// ServiceRequest describes one escrow-protected service purchase.
type ServiceRequest struct {
	ServiceType string
	MaxPrice    string             // empty = session's per-tx ceiling
	Strategy    discovery.Strategy // empty = cheapest
	Params      map[string]any
	AutoRelease string // escrow auto-release window, e.g. "5m"
}

// ServiceResult is the outcome of a service call: the seller's output
// plus settlement metadata. Confirmed is false when the output was too
// empty to justify paying; the escrow stays open for dispute or
// auto-release.
type ServiceResult struct {
	Output     json.RawMessage
	Listing    discovery.Listing
	Escrow     *escrow.Escrow
	AmountPaid string
	Confirmed  bool
}

// CallService buys one service call: discover candidates, select one by
// strategy, reserve its price, lock the funds in escrow, invoke the
// endpoint with payment proof, and confirm the escrow only if the
// response carries meaningful output. Paying for an empty response is
// strictly worse than letting the escrow sit: unconfirmed funds can
// still be disputed.
func (s *Session) CallService(ctx context.Context, req ServiceRequest) (*ServiceResult, error) {
	if req.ServiceType == "" {
		return nil, validationErr("service type is required")
	}
	strategy := req.Strategy
	if strategy == "" {
		strategy = discovery.StrategyCheapest
	}
	if !strategy.Valid() {
		return nil, validationErr("unknown strategy %q", strategy)
	}
	if s.State() != StateActive {
		return nil, inactiveErr("call service")
	}

	ceiling := req.MaxPrice
	if ceiling == "" {
		ceiling = s.budget.MaxPerTx
	}

	listing, err := discovery.Find(ctx, s.authority, req.ServiceType, ceiling, strategy)
	if err != nil {
		if err == discovery.ErrNoServiceAvailable {
			return nil, policyDenied("no %s service available at or below %s", req.ServiceType, ceiling)
		}
		return nil, s.remoteErr("discover services", err, FundsNoChange)
	}

	keyID, err := s.reserve(listing.Price, listing.AgentAddr, req.ServiceType)
	if err != nil {
		return nil, err
	}

	esc, err := s.authority.CreateEscrow(ctx, escrow.CreateRequest{
		SellerAddr:   listing.AgentAddr,
		Amount:       listing.Price,
		ServiceID:    listing.ServiceID,
		SessionKeyID: keyID,
		AutoRelease:  req.AutoRelease,
	})
	if err != nil {
		if _, rejected := api.AsError(err); rejected {
			s.rollback(listing.Price)
			return nil, s.remoteErr("create escrow", err, FundsNoChange)
		}
		return nil, &Error{
			Kind:        KindNetworkFailure,
			FundsStatus: FundsUnknown,
			Message:     "no definitive response creating escrow",
			Guidance:    "reconcile via Refresh; funds may or may not be locked",
			Err:         err,
		}
	}
	metrics.EscrowsTotal.WithLabelValues(string(esc.Status)).Inc()

	proof := x402.EscrowProof(esc.ID, s.owner, listing.Price)
	output, err := s.authority.CallEndpoint(ctx, listing.Endpoint, req.Params, proof)
	if err != nil {
		return nil, s.recoverEscrow(ctx, esc, listing.Price, err)
	}

	result := &ServiceResult{
		Output:     output,
		Listing:    listing,
		Escrow:     esc,
		AmountPaid: listing.Price,
	}

	if !meaningfulOutput(output) {
		// Leave the escrow open. The caller can inspect the output and
		// dispute, or let the auto-release timer decide.
		return result, nil
	}

	confirmed, err := s.authority.ConfirmEscrow(ctx, esc.ID)
	if err != nil {
		return nil, &Error{
			Kind:        KindSettlementAmbiguous,
			FundsStatus: FundsLockedInEscrow,
			Message:     "service delivered but escrow confirmation failed (escrow " + esc.ID + ")",
			Guidance:    "retry confirmation or dispute escrow " + esc.ID + "; it auto-releases to the seller otherwise",
			Err:         err,
		}
	}
	metrics.EscrowsTotal.WithLabelValues(string(confirmed.Status)).Inc()

	result.Escrow = confirmed
	result.Confirmed = true
	return result, nil
}

// DisputeService disputes an unconfirmed escrow from a previous
// CallService and releases the local reservation on success.
func (s *Session) DisputeService(ctx context.Context, esc *escrow.Escrow, reason string) (*escrow.Escrow, error) {
	if reason == "" {
		return nil, validationErr("dispute reason is required")
	}
	disputed, err := s.authority.DisputeEscrow(ctx, esc.ID, reason)
	if err != nil {
		return nil, &Error{
			Kind:        KindSettlementAmbiguous,
			FundsStatus: FundsLockedInEscrow,
			Message:     "dispute failed for escrow " + esc.ID,
			Guidance:    "retry the dispute before the auto-release deadline",
			Err:         err,
		}
	}
	s.rollback(esc.Amount)
	metrics.EscrowsTotal.WithLabelValues(string(disputed.Status)).Inc()
	return disputed, nil
}

// recoverEscrow handles an endpoint failure after funds were locked:
// dispute for a refund, and report distinctly when the dispute itself
// fails and the funds stay locked.
func (s *Session) recoverEscrow(ctx context.Context, esc *escrow.Escrow, amount string, cause error) *Error {
	if _, err := s.authority.DisputeEscrow(ctx, esc.ID, "service call failed"); err != nil {
		return &Error{
			Kind:        KindSettlementAmbiguous,
			FundsStatus: FundsLockedInEscrow,
			Message:     "service call failed and refund also failed (escrow " + esc.ID + ")",
			Guidance:    "dispute escrow " + esc.ID + " manually before its auto-release deadline",
			Err:         cause,
		}
	}
	s.rollback(amount)
	metrics.EscrowsTotal.WithLabelValues(string(escrow.StatusDisputed)).Inc()
	return &Error{
		Kind:        KindNetworkFailure,
		FundsStatus: FundsRefunded,
		Message:     "service call failed; escrowed funds refunded",
		Guidance:    "the seller was never paid; safe to retry with another service",
		Err:         cause,
	}
}

// meaningfulOutput reports whether a response payload is worth paying
// for: non-empty, and not an empty JSON object, array, or string.
func meaningfulOutput(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return false
	}
	var v any
	if err := json.Unmarshal(trimmed, &v); err != nil {
		// Not JSON at all; opaque bytes still count as output.
		return true
	}
	switch val := v.(type) {
	case map[string]any:
		return len(val) > 0
	case []any:
		return len(val) > 0
	case string:
		return len(bytes.TrimSpace([]byte(val))) > 0
	default:
		return true
	}
}
