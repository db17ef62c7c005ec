package session

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mbd888/alancoin-agent/internal/metrics"
	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
	"github.com/mbd888/alancoin-agent/pkg/x402"
)

// PrevRef is a typed reference to the previous step's output, used in
// step params. Field "" passes the whole output; otherwise the named
// top-level field is extracted. Resolution fails loudly when the field
// is absent or the previous output is not a JSON object.
type PrevRef struct {
	Field string
}

// Prev references a field of the previous pipeline step's output.
func Prev(field string) PrevRef { return PrevRef{Field: field} }

// PrevOutput references the previous step's entire output.
func PrevOutput() PrevRef { return PrevRef{} }

// PipelineStep describes one step of a multi-step purchase.
type PipelineStep struct {
	ServiceType string
	MaxPrice    string             // empty = session's per-tx ceiling
	Strategy    discovery.Strategy // empty = cheapest
	Params      map[string]any     // values may be PrevRef
}

// StepResult is the outcome of one executed pipeline step.
type StepResult struct {
	Listing discovery.Listing
	Output  json.RawMessage
	Amount  string
}

// PipelineResult is the outcome of a fully settled pipeline.
type PipelineResult struct {
	MultiStep *escrow.MultiStep
	Steps     []StepResult
	TotalPaid string
}

// Pipeline executes a multi-step purchase under a single escrow lock.
//
// The total price of all selected services is computed and checked
// against the remaining budget before any funds are locked; a pipeline
// that cannot be afforded fails with no side effects. Once locked,
// steps execute in order, each confirming its own amount to its seller
// on success. A step failure refunds the remaining locked amount, so
// confirmed + refunded always equals the original lock.
func (s *Session) Pipeline(ctx context.Context, steps []PipelineStep) (*PipelineResult, error) {
	if len(steps) == 0 {
		return nil, validationErr("pipeline needs at least one step")
	}
	if len(steps) > escrow.MaxTotalSteps {
		return nil, validationErr("pipeline of %d steps exceeds maximum %d", len(steps), escrow.MaxTotalSteps)
	}
	if s.State() != StateActive {
		return nil, inactiveErr("pipeline")
	}

	// Discovery phase. No locks, no reservations; a failure here
	// leaves nothing to clean up.
	listings := make([]discovery.Listing, len(steps))
	total := "0.00"
	for i, step := range steps {
		if step.ServiceType == "" {
			return nil, validationErr("step %d: service type is required", i)
		}
		strategy := step.Strategy
		if strategy == "" {
			strategy = discovery.StrategyCheapest
		}
		if !strategy.Valid() {
			return nil, validationErr("step %d: unknown strategy %q", i, strategy)
		}
		ceiling := step.MaxPrice
		if ceiling == "" {
			ceiling = s.budget.MaxPerTx
		}
		listing, err := discovery.Find(ctx, s.authority, step.ServiceType, ceiling, strategy)
		if err != nil {
			if err == discovery.ErrNoServiceAvailable {
				return nil, policyDenied("step %d: no %s service available at or below %s", i, step.ServiceType, ceiling)
			}
			return nil, s.remoteErr("discover services", err, FundsNoChange)
		}
		listings[i] = listing
		total = usdc.Add(total, listing.Price)
	}

	keyID, err := s.reservePipeline(total, steps, listings)
	if err != nil {
		return nil, err
	}

	planned := make([]escrow.PlannedStep, len(listings))
	for i, l := range listings {
		planned[i] = escrow.PlannedStep{SellerAddr: l.AgentAddr, Amount: l.Price}
	}
	ms, err := s.authority.LockSteps(ctx, escrow.LockStepsRequest{
		LockedAmount: total,
		PlannedSteps: planned,
		SessionKeyID: keyID,
	})
	if err != nil {
		if _, rejected := api.AsError(err); rejected {
			s.rollbackPipeline(total, len(steps))
			return nil, s.remoteErr("lock pipeline escrow", err, FundsNoChange)
		}
		return nil, &Error{
			Kind:        KindNetworkFailure,
			FundsStatus: FundsUnknown,
			Message:     "no definitive response locking pipeline escrow",
			Guidance:    "reconcile via Refresh; the lock may or may not exist",
			Err:         err,
		}
	}

	// Execute phase.
	results := make([]StepResult, 0, len(steps))
	confirmedSum := "0.00"
	var prevOutput json.RawMessage

	for i, step := range steps {
		listing := listings[i]

		params, err := resolveParams(step.Params, prevOutput, i)
		if err != nil {
			metrics.PipelineStepsTotal.WithLabelValues("failed").Inc()
			return nil, s.abortPipeline(ctx, ms, i, confirmedSum, total, len(steps)-i, err)
		}

		proof := x402.EscrowProof(ms.ID, s.owner, listing.Price)
		output, err := s.authority.CallEndpoint(ctx, listing.Endpoint, params, proof)
		if err == nil && !meaningfulOutput(output) {
			err = fmt.Errorf("step %d returned empty output", i)
		}
		if err != nil {
			metrics.PipelineStepsTotal.WithLabelValues("failed").Inc()
			return nil, s.abortPipeline(ctx, ms, i, confirmedSum, total, len(steps)-i, err)
		}

		updated, err := s.authority.ConfirmStep(ctx, ms.ID, i, listing.AgentAddr, listing.Price)
		if err != nil {
			metrics.PipelineStepsTotal.WithLabelValues("failed").Inc()
			return nil, s.abortPipeline(ctx, ms, i, confirmedSum, total, len(steps)-i,
				fmt.Errorf("confirm step %d: %w", i, err))
		}
		ms = updated
		metrics.PipelineStepsTotal.WithLabelValues("confirmed").Inc()

		confirmedSum = usdc.Add(confirmedSum, listing.Price)
		prevOutput = output
		results = append(results, StepResult{Listing: listing, Output: output, Amount: listing.Price})
	}

	return &PipelineResult{MultiStep: ms, Steps: results, TotalPaid: confirmedSum}, nil
}

// reservePipeline checks every step against the budget's scope, checks
// the pipeline total against the remaining budget, and reserves the
// whole total in one critical section.
func (s *Session) reservePipeline(total string, steps []PipelineStep, listings []discovery.Listing) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateActive {
		return "", inactiveErr("pipeline")
	}
	for i, step := range steps {
		if !s.budget.allowsServiceType(step.ServiceType) {
			return "", policyDenied("step %d: service type %q not allowed by this session", i, step.ServiceType)
		}
		if !s.budget.allowsRecipient(listings[i].AgentAddr) {
			return "", policyDenied("step %d: recipient %s not allowed by this session", i, listings[i].AgentAddr)
		}
		if usdc.Cmp(listings[i].Price, s.budget.MaxPerTx) > 0 {
			return "", policyDenied("step %d: price %s exceeds per-transaction limit %s", i, listings[i].Price, s.budget.MaxPerTx)
		}
	}
	if usdc.Cmp(total, s.remainingLocked()) > 0 {
		return "", policyDenied("pipeline total %s exceeds remaining budget %s", total, s.remainingLocked())
	}

	s.totalSpent = usdc.Add(s.totalSpent, total)
	s.txCount += len(steps)
	return s.key.serverKeyID, nil
}

// rollbackPipeline undoes an unexecuted pipeline reservation.
func (s *Session) rollbackPipeline(total string, steps int) {
	s.mu.Lock()
	s.totalSpent = usdc.Sub(s.totalSpent, total)
	s.txCount -= steps
	s.mu.Unlock()
	metrics.ReservationRollbacksTotal.Inc()
}

// abortPipeline refunds the unconfirmed remainder after step
// failedStep failed, releases the matching share of the local
// reservation, and builds the terminal pipeline error. A failed refund
// leaves the remainder locked and is reported as such, never as
// refunded.
func (s *Session) abortPipeline(ctx context.Context, ms *escrow.MultiStep, failedStep int, confirmedSum, total string, unconfirmedSteps int, cause error) *Error {
	remainder := usdc.Sub(total, confirmedSum)

	if _, err := s.authority.RefundRemaining(ctx, ms.ID); err != nil {
		return &Error{
			Kind:         KindPipelineStepFailed,
			FundsStatus:  FundsLockedInEscrow,
			Message:      fmt.Sprintf("step %d failed and refund of %s also failed (multistep %s)", failedStep, remainder, ms.ID),
			Guidance:     "refund multistep escrow " + ms.ID + " manually, then Refresh",
			Err:          cause,
			FailedStep:   failedStep,
			ConfirmedSum: confirmedSum,
			Refunded:     "0.00",
		}
	}

	s.mu.Lock()
	s.totalSpent = usdc.Sub(s.totalSpent, remainder)
	s.txCount -= unconfirmedSteps
	s.mu.Unlock()
	metrics.ReservationRollbacksTotal.Inc()

	funds := FundsRefunded
	if usdc.IsPositive(confirmedSum) {
		funds = FundsSpent // earlier steps paid out; only the remainder came back
	}
	return &Error{
		Kind:         KindPipelineStepFailed,
		FundsStatus:  funds,
		Message:      fmt.Sprintf("step %d failed; %s confirmed to earlier sellers, %s refunded", failedStep, confirmedSum, remainder),
		Guidance:     "confirmed steps are final; the refunded remainder is spendable again",
		Err:          cause,
		FailedStep:   failedStep,
		ConfirmedSum: confirmedSum,
		Refunded:     remainder,
	}
}

// resolveParams copies params, replacing PrevRef values with data from
// the previous step's output.
func resolveParams(params map[string]any, prevOutput json.RawMessage, stepIndex int) (map[string]any, error) {
	if params == nil {
		return nil, nil
	}
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		ref, isRef := v.(PrevRef)
		if !isRef {
			resolved[k] = v
			continue
		}
		if stepIndex == 0 {
			return nil, validationErr("step 0 param %q references previous output but there is none", k)
		}
		val, err := resolvePrev(ref, prevOutput)
		if err != nil {
			return nil, validationErr("step %d param %q: %v", stepIndex, k, err)
		}
		resolved[k] = val
	}
	return resolved, nil
}

func resolvePrev(ref PrevRef, prevOutput json.RawMessage) (any, error) {
	var decoded any
	if err := json.Unmarshal(prevOutput, &decoded); err != nil {
		return nil, fmt.Errorf("previous output is not structured")
	}
	if ref.Field == "" {
		return decoded, nil
	}
	obj, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("previous output is not an object, cannot extract %q", ref.Field)
	}
	val, ok := obj[ref.Field]
	if !ok {
		return nil, fmt.Errorf("previous output has no field %q", ref.Field)
	}
	return val, nil
}
