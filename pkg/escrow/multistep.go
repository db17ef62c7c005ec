package escrow

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/alancoin-agent/internal/usdc"
)

var (
	ErrMultiStepNotFound = errors.New("escrow: multistep not found")
	ErrStepOutOfRange    = errors.New("escrow: step index out of range")
	ErrStepMismatch      = errors.New("escrow: seller or amount does not match planned step")
)

// MaxTotalSteps is the maximum number of steps the authority accepts in
// one multistep escrow.
const MaxTotalSteps = 100

// MultiStepStatus represents the state of a multistep escrow.
type MultiStepStatus string

const (
	MSOpen      MultiStepStatus = "open"
	MSCompleted MultiStepStatus = "completed"
	MSAborted   MultiStepStatus = "aborted"
)

// PlannedStep defines the expected seller and amount for a pipeline step.
// Fixed at lock time; the authority validates every ConfirmStep against
// it to prevent fund misdirection.
type PlannedStep struct {
	SellerAddr string `json:"sellerAddr"`
	Amount     string `json:"amount"`
}

// MultiStep is the client-side record of an N-step pipeline escrow.
// Invariant at any terminal state: confirmed step amounts + refunded
// amount == LockedAmount.
type MultiStep struct {
	ID             string          `json:"id"`
	BuyerAddr      string          `json:"buyerAddr"`
	LockedAmount   string          `json:"lockedAmount"`
	SpentAmount    string          `json:"spentAmount"`
	TotalSteps     int             `json:"totalSteps"`
	ConfirmedSteps int             `json:"confirmedSteps"`
	PlannedSteps   []PlannedStep   `json:"plannedSteps"`
	Status         MultiStepStatus `json:"status"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
}

// Remaining returns locked minus spent as a decimal string.
func (m *MultiStep) Remaining() string {
	return usdc.Sub(m.LockedAmount, m.SpentAmount)
}

// LockStepsRequest contains the parameters for creating a multistep escrow.
type LockStepsRequest struct {
	LockedAmount string        `json:"lockedAmount"`
	PlannedSteps []PlannedStep `json:"plannedSteps"`
	SessionKeyID string        `json:"sessionKeyId,omitempty"`
}

// MultiStepAuthority is the slice of the platform API used by pipeline
// escrows. Implemented by pkg/api.Client.
type MultiStepAuthority interface {
	LockSteps(ctx context.Context, req LockStepsRequest) (*MultiStep, error)
	ConfirmStep(ctx context.Context, id string, stepIndex int, sellerAddr, amount string) (*MultiStep, error)
	RefundRemaining(ctx context.Context, id string) (*MultiStep, error)
	GetMultiStep(ctx context.Context, id string) (*MultiStep, error)
}
