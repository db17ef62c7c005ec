// Package escrow provides the buyer side of the platform's escrow
// protocol.
//
// Flow:
//  1. Buyer creates escrow → funds locked from buyer's balance
//  2. Seller marks delivered (informational for the buyer)
//  3. Buyer confirms → funds released to seller
//  4. Buyer disputes → funds refunded to buyer
//  5. Neither before the deadline → authority auto-releases to seller
//
// Exactly one terminal transition fires. The authority owns the
// auto-release timer; the client never assumes it has fired until it
// observes the status change.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrNotFound        = errors.New("escrow: not found")
	ErrInvalidStatus   = errors.New("escrow: invalid status for this operation")
	ErrAlreadyResolved = errors.New("escrow: already resolved")
	ErrEmptyReason     = errors.New("escrow: dispute reason is required")
)

// Status represents the state of an escrow.
type Status string

const (
	StatusCreated      Status = "created"       // Funds locked from buyer
	StatusDelivered    Status = "delivered"     // Seller marked result as delivered
	StatusConfirmed    Status = "confirmed"     // Buyer confirmed, funds sent to seller
	StatusDisputed     Status = "disputed"      // Buyer disputed, funds refunded
	StatusAutoReleased Status = "auto_released" // Deadline passed, authority released to seller
)

// Escrow is the client-side record of a single-payment escrow.
type Escrow struct {
	ID            string     `json:"id"`
	BuyerAddr     string     `json:"buyerAddr"`
	SellerAddr    string     `json:"sellerAddr"`
	Amount        string     `json:"amount"`
	ServiceID     string     `json:"serviceId,omitempty"`
	SessionKeyID  string     `json:"sessionKeyId,omitempty"`
	Status        Status     `json:"status"`
	AutoReleaseAt time.Time  `json:"autoReleaseAt"`
	DeliveredAt   *time.Time `json:"deliveredAt,omitempty"`
	ResolvedAt    *time.Time `json:"resolvedAt,omitempty"`
	DisputeReason string     `json:"disputeReason,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// IsTerminal returns true if the escrow is in a final state.
func (e *Escrow) IsTerminal() bool {
	switch e.Status {
	case StatusConfirmed, StatusDisputed, StatusAutoReleased:
		return true
	}
	return false
}

// CreateRequest contains the parameters for creating an escrow.
type CreateRequest struct {
	SellerAddr   string `json:"sellerAddr"`
	Amount       string `json:"amount"`
	ServiceID    string `json:"serviceId,omitempty"`
	SessionKeyID string `json:"sessionKeyId,omitempty"`
	AutoRelease  string `json:"autoRelease,omitempty"` // Duration string, e.g. "5m"
}

// Authority is the narrow slice of the platform API the escrow protocol
// needs. Implemented by pkg/api.Client.
type Authority interface {
	CreateEscrow(ctx context.Context, req CreateRequest) (*Escrow, error)
	DeliverEscrow(ctx context.Context, id string) (*Escrow, error)
	ConfirmEscrow(ctx context.Context, id string) (*Escrow, error)
	DisputeEscrow(ctx context.Context, id, reason string) (*Escrow, error)
	GetEscrow(ctx context.Context, id string) (*Escrow, error)
}

// ReputationReporter records dispute outcomes so sellers that deliver
// garbage accumulate penalties. External collaborator; scores are never
// computed here.
type ReputationReporter interface {
	ReportDispute(ctx context.Context, sellerAddr, escrowID, reason string) error
}

// Protocol drives the escrow state machine against the authority with
// client-side transition guards, so obvious misuse fails fast without a
// network round trip.
type Protocol struct {
	authority  Authority
	reputation ReputationReporter
}

// NewProtocol creates an escrow protocol driver.
func NewProtocol(authority Authority) *Protocol {
	return &Protocol{authority: authority}
}

// WithReputation adds a reputation reporter invoked on dispute.
func (p *Protocol) WithReputation(r ReputationReporter) *Protocol {
	p.reputation = r
	return p
}

// Create locks funds from the buyer with the authority. Returns the
// escrow in StatusCreated.
func (p *Protocol) Create(ctx context.Context, req CreateRequest) (*Escrow, error) {
	return p.authority.CreateEscrow(ctx, req)
}

// Deliver marks the escrow delivered. Seller-initiated; informational
// for the buyer.
func (p *Protocol) Deliver(ctx context.Context, esc *Escrow) (*Escrow, error) {
	if esc.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	if esc.Status != StatusCreated {
		return nil, fmt.Errorf("%w: %s", ErrInvalidStatus, esc.Status)
	}
	return p.authority.DeliverEscrow(ctx, esc.ID)
}

// Confirm releases funds to the seller. Terminal.
func (p *Protocol) Confirm(ctx context.Context, esc *Escrow) (*Escrow, error) {
	if esc.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	return p.authority.ConfirmEscrow(ctx, esc.ID)
}

// Dispute refunds the buyer and reports the seller. Terminal.
func (p *Protocol) Dispute(ctx context.Context, esc *Escrow, reason string) (*Escrow, error) {
	if reason == "" {
		return nil, ErrEmptyReason
	}
	if esc.IsTerminal() {
		return nil, ErrAlreadyResolved
	}
	updated, err := p.authority.DisputeEscrow(ctx, esc.ID, reason)
	if err != nil {
		return nil, err
	}
	if p.reputation != nil {
		// Best effort: a failed reputation report does not undo the refund.
		_ = p.reputation.ReportDispute(ctx, updated.SellerAddr, updated.ID, reason)
	}
	return updated, nil
}

// Refresh re-reads the escrow from the authority. This is how the client
// observes auto-release.
func (p *Protocol) Refresh(ctx context.Context, id string) (*Escrow, error) {
	return p.authority.GetEscrow(ctx, id)
}
