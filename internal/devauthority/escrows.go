package devauthority

import (
	"time"

	"github.com/mbd888/alancoin-agent/internal/idgen"
	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
)

const defaultAutoRelease = 5 * time.Minute

// createEscrow locks buyer funds for a single service call. Caller
// holds s.mu.
func (s *store) createEscrow(buyer string, req escrow.CreateRequest) (*escrow.Escrow, error) {
	if !validation.IsValidEthAddress(req.SellerAddr) {
		return nil, rejectf(400, "invalid_request", "invalid seller address")
	}
	if !validation.IsValidAmount(req.Amount) {
		return nil, rejectf(400, "invalid_request", "invalid amount %q", req.Amount)
	}
	autoRelease := defaultAutoRelease
	if req.AutoRelease != "" {
		d, err := time.ParseDuration(req.AutoRelease)
		if err != nil || d <= 0 {
			return nil, rejectf(400, "invalid_request", "invalid autoRelease %q", req.AutoRelease)
		}
		autoRelease = d
	}
	if err := s.hold(buyer, req.Amount); err != nil {
		return nil, rejectf(402, "insufficient_funds", "balance too low to lock %s", req.Amount)
	}

	now := time.Now()
	esc := &escrow.Escrow{
		ID:            idgen.WithPrefix("esc_"),
		BuyerAddr:     buyer,
		SellerAddr:    validation.NormalizeAddress(req.SellerAddr),
		Amount:        req.Amount,
		ServiceID:     req.ServiceID,
		SessionKeyID:  req.SessionKeyID,
		Status:        escrow.StatusCreated,
		AutoReleaseAt: now.Add(autoRelease),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.escrows[esc.ID] = esc
	return esc, nil
}

func (s *store) getEscrow(id string) (*escrow.Escrow, error) {
	esc, ok := s.escrows[id]
	if !ok {
		return nil, rejectf(404, "not_found", "escrow %s not found", id)
	}
	// Lazy auto-release: the real platform runs a timer, the simulator
	// applies it on observation.
	if esc.Status == escrow.StatusCreated || esc.Status == escrow.StatusDelivered {
		if time.Now().After(esc.AutoReleaseAt) {
			s.settleHold(esc.BuyerAddr, esc.SellerAddr, esc.Amount)
			s.resolveEscrow(esc, escrow.StatusAutoReleased)
		}
	}
	return esc, nil
}

func (s *store) deliverEscrow(id string) (*escrow.Escrow, error) {
	esc, err := s.getEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusCreated {
		return nil, rejectf(409, "invalid_status", "cannot deliver escrow in status %s", esc.Status)
	}
	now := time.Now()
	esc.Status = escrow.StatusDelivered
	esc.DeliveredAt = &now
	esc.UpdatedAt = now
	return esc, nil
}

func (s *store) confirmEscrow(id string) (*escrow.Escrow, error) {
	esc, err := s.getEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusCreated && esc.Status != escrow.StatusDelivered {
		return nil, rejectf(409, "invalid_status", "cannot confirm escrow in status %s", esc.Status)
	}
	s.settleHold(esc.BuyerAddr, esc.SellerAddr, esc.Amount)
	if key, ok := s.keys[esc.SessionKeyID]; ok {
		s.creditSpend(key, esc.Amount, key.Info.Usage.LastNonce)
	}
	s.resolveEscrow(esc, escrow.StatusConfirmed)
	return esc, nil
}

func (s *store) disputeEscrow(id, reason string) (*escrow.Escrow, error) {
	if reason == "" {
		return nil, rejectf(400, "invalid_request", "dispute reason is required")
	}
	esc, err := s.getEscrow(id)
	if err != nil {
		return nil, err
	}
	if esc.Status != escrow.StatusCreated && esc.Status != escrow.StatusDelivered {
		return nil, rejectf(409, "invalid_status", "cannot dispute escrow in status %s", esc.Status)
	}
	s.releaseHold(esc.BuyerAddr, esc.Amount)
	s.disputes[esc.SellerAddr]++
	esc.DisputeReason = reason
	s.resolveEscrow(esc, escrow.StatusDisputed)
	return esc, nil
}

func (s *store) resolveEscrow(esc *escrow.Escrow, status escrow.Status) {
	now := time.Now()
	esc.Status = status
	esc.ResolvedAt = &now
	esc.UpdatedAt = now
}

// --- Multistep --------------------------------------------------------

// lockSteps creates a pipeline escrow. The planned step amounts must
// sum to exactly the locked amount so the conservation invariant holds
// by construction.
func (s *store) lockSteps(buyer string, req escrow.LockStepsRequest) (*escrow.MultiStep, error) {
	if len(req.PlannedSteps) == 0 {
		return nil, rejectf(400, "invalid_request", "at least one planned step is required")
	}
	if len(req.PlannedSteps) > escrow.MaxTotalSteps {
		return nil, rejectf(400, "invalid_request", "too many steps (max %d)", escrow.MaxTotalSteps)
	}
	if !validation.IsValidAmount(req.LockedAmount) {
		return nil, rejectf(400, "invalid_request", "invalid lockedAmount %q", req.LockedAmount)
	}
	sum := "0.00"
	for i, step := range req.PlannedSteps {
		if !validation.IsValidEthAddress(step.SellerAddr) {
			return nil, rejectf(400, "invalid_request", "step %d: invalid seller address", i)
		}
		if !validation.IsValidAmount(step.Amount) {
			return nil, rejectf(400, "invalid_request", "step %d: invalid amount %q", i, step.Amount)
		}
		sum = usdc.Add(sum, step.Amount)
	}
	if usdc.Cmp(sum, req.LockedAmount) != 0 {
		return nil, rejectf(400, "step_sum_mismatch", "planned steps sum to %s, locked %s", sum, req.LockedAmount)
	}
	if err := s.hold(buyer, req.LockedAmount); err != nil {
		return nil, rejectf(402, "insufficient_funds", "balance too low to lock %s", req.LockedAmount)
	}

	steps := make([]escrow.PlannedStep, len(req.PlannedSteps))
	for i, step := range req.PlannedSteps {
		steps[i] = escrow.PlannedStep{SellerAddr: validation.NormalizeAddress(step.SellerAddr), Amount: step.Amount}
	}

	now := time.Now()
	ms := &escrow.MultiStep{
		ID:           idgen.WithPrefix("mse_"),
		BuyerAddr:    buyer,
		LockedAmount: req.LockedAmount,
		SpentAmount:  "0.00",
		TotalSteps:   len(steps),
		PlannedSteps: steps,
		Status:       escrow.MSOpen,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.multisteps[ms.ID] = ms
	if req.SessionKeyID != "" {
		s.msKeys[ms.ID] = req.SessionKeyID
	}
	return ms, nil
}

func (s *store) getMultiStep(id string) (*escrow.MultiStep, error) {
	ms, ok := s.multisteps[id]
	if !ok {
		return nil, rejectf(404, "not_found", "multistep escrow %s not found", id)
	}
	return ms, nil
}

// confirmStep releases one planned step's amount to its seller. The
// step's seller and amount must match the plan recorded at lock time.
func (s *store) confirmStep(id string, stepIndex int, sellerAddr, amount string) (*escrow.MultiStep, error) {
	ms, err := s.getMultiStep(id)
	if err != nil {
		return nil, err
	}
	if ms.Status != escrow.MSOpen {
		return nil, rejectf(409, "invalid_status", "multistep escrow is %s", ms.Status)
	}
	if stepIndex < 0 || stepIndex >= ms.TotalSteps {
		return nil, rejectf(400, "step_out_of_range", "step %d of %d", stepIndex, ms.TotalSteps)
	}
	if stepIndex != ms.ConfirmedSteps {
		return nil, rejectf(409, "step_out_of_order", "expected step %d, got %d", ms.ConfirmedSteps, stepIndex)
	}
	planned := ms.PlannedSteps[stepIndex]
	if !equalFoldAddr(planned.SellerAddr, sellerAddr) || usdc.Cmp(planned.Amount, amount) != 0 {
		return nil, rejectf(409, "step_mismatch", "step %d planned %s to %s", stepIndex, planned.Amount, planned.SellerAddr)
	}

	s.settleHold(ms.BuyerAddr, planned.SellerAddr, planned.Amount)
	if key, ok := s.keys[s.msKeys[ms.ID]]; ok {
		s.creditSpend(key, planned.Amount, key.Info.Usage.LastNonce)
	}
	ms.SpentAmount = usdc.Add(ms.SpentAmount, planned.Amount)
	ms.ConfirmedSteps++
	ms.UpdatedAt = time.Now()
	if ms.ConfirmedSteps == ms.TotalSteps {
		ms.Status = escrow.MSCompleted
	}
	return ms, nil
}

// refundRemaining aborts the pipeline: unconfirmed funds go back to the
// buyer, already confirmed steps stay paid.
func (s *store) refundRemaining(id string) (*escrow.MultiStep, error) {
	ms, err := s.getMultiStep(id)
	if err != nil {
		return nil, err
	}
	if ms.Status != escrow.MSOpen {
		return nil, rejectf(409, "invalid_status", "multistep escrow is %s", ms.Status)
	}
	remaining := ms.Remaining()
	if usdc.IsPositive(remaining) {
		s.releaseHold(ms.BuyerAddr, remaining)
	}
	ms.Status = escrow.MSAborted
	ms.UpdatedAt = time.Now()
	return ms, nil
}

func equalFoldAddr(a, b string) bool {
	return validation.NormalizeAddress(a) == validation.NormalizeAddress(b)
}
