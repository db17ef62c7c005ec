// Package session implements budget-scoped spending sessions.
//
// A Session owns one session key and one immutable Budget. Every
// spending path follows the same discipline: check the budget and
// reserve the amount under one lock, release the lock, then make the
// network call, and roll the reservation back under the lock if the
// call definitively fails. The lock is never held across network I/O.
//
// The remote authority re-validates everything (signature, nonce,
// budget) and is the final source of truth; the local checks exist so
// concurrent callers cannot jointly overspend before the server sees
// either request.
package session

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/mbd888/alancoin-agent/internal/metrics"
	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
	"github.com/mbd888/alancoin-agent/pkg/signer"
	"github.com/mbd888/alancoin-agent/pkg/x402"
)

// Authority is the slice of the platform API a session needs.
// Implemented by *api.Client.
type Authority interface {
	RegisterKey(ctx context.Context, req api.RegisterKeyRequest) (*api.SessionKeyInfo, error)
	RevokeKey(ctx context.Context, keyID string) error
	KeyUsage(ctx context.Context, keyID string) (*api.SessionKeyInfo, error)
	SubmitTransfer(ctx context.Context, keyID string, req api.SignedTransferRequest) (*api.TransferReceipt, error)
	RegisterDelegation(ctx context.Context, parentKeyID string, req api.DelegateRequest) (*api.SessionKeyInfo, error)

	escrow.Authority
	escrow.MultiStepAuthority
	discovery.Finder

	CallEndpoint(ctx context.Context, endpoint string, payload any, proof *x402.PaymentProof) (json.RawMessage, error)
}

// State is the session lifecycle state.
type State int

const (
	StateUnopened State = iota
	StateActive
	StateClosed // terminal
)

func (s State) String() string {
	switch s {
	case StateUnopened:
		return "unopened"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session is a budget-scoped spending session.
type Session struct {
	authority Authority
	budget    Budget
	owner     string

	mu         sync.Mutex
	state      State
	key        *keyHandle
	totalSpent string
	txCount    int
}

// New creates an unopened session for the given owner wallet address.
func New(authority Authority, ownerAddr string, budget Budget) (*Session, error) {
	if err := budget.Validate(); err != nil {
		return nil, err
	}
	if !validation.IsValidEthAddress(ownerAddr) {
		return nil, validationErr("invalid owner address %q", ownerAddr)
	}
	return &Session{
		authority:  authority,
		budget:     budget,
		owner:      validation.NormalizeAddress(ownerAddr),
		state:      StateUnopened,
		totalSpent: "0.00",
	}, nil
}

// Budget returns the session's immutable budget.
func (s *Session) Budget() Budget { return s.budget }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Spent returns the locally tracked total spend.
func (s *Session) Spent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSpent
}

// TxCount returns the locally tracked transaction count.
func (s *Session) TxCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.txCount
}

// Remaining returns the budget still spendable from this session. A
// delegated child's spend shows up here after Refresh, because the
// authority cascades child spend into this key's usage.
func (s *Session) Remaining() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remainingLocked()
}

// remainingLocked computes remaining budget. Caller holds s.mu.
func (s *Session) remainingLocked() string {
	return usdc.Sub(s.budget.MaxTotal, s.totalSpent)
}

// KeyID returns the authority's ID for this session's key, or "" before open.
func (s *Session) KeyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ""
	}
	return s.key.serverKeyID
}

// Address returns the session key's signing address, or "" before open.
func (s *Session) Address() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return ""
	}
	return s.key.identity.Address()
}

// Depth returns the delegation depth (0 for a root session).
func (s *Session) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key == nil {
		return 0
	}
	return s.key.depth
}

// Open generates a session key, registers it with the authority, and
// activates the session. On registration failure the session stays
// Unopened and the generated key is destroyed.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateActive:
		return validationErr("session already open")
	case StateClosed:
		return inactiveErr("open")
	}

	identity, err := signer.Generate()
	if err != nil {
		return &Error{
			Kind:        KindValidation,
			FundsStatus: FundsNoChange,
			Message:     "key generation failed",
			Guidance:    "retry; no key was registered",
			Err:         err,
		}
	}

	info, err := s.authority.RegisterKey(ctx, api.RegisterKeyRequest{
		PublicKey:           identity.Address(),
		MaxPerTransaction:   s.budget.MaxPerTx,
		MaxPerDay:           s.budget.MaxPerDay,
		MaxTotal:            s.budget.MaxTotal,
		ExpiresIn:           s.budget.expiry().String(),
		AllowedRecipients:   s.budget.AllowedRecipients,
		AllowedServiceTypes: s.budget.AllowedServiceTypes,
		AllowAny:            len(s.budget.AllowedRecipients) == 0 && len(s.budget.AllowedServiceTypes) == 0,
		Label:               s.budget.Label,
	})
	if err != nil {
		identity.Zero()
		return s.remoteErr("register session key", err, FundsNoChange)
	}

	s.key = &keyHandle{identity: identity, serverKeyID: info.ID}
	s.state = StateActive
	metrics.ActiveSessions.Inc()
	return nil
}

// Close revokes the session key and transitions to Closed. Closing an
// already-closed session is an error, not a no-op: double-close almost
// always signals confused ownership in the caller. If revocation does
// not definitively succeed the session stays Active so Close can be
// retried.
func (s *Session) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch s.state {
	case StateUnopened:
		return inactiveErr("close")
	case StateClosed:
		return &Error{
			Kind:        KindValidation,
			FundsStatus: FundsNoChange,
			Message:     "session already closed",
			Guidance:    "a session can be closed exactly once",
		}
	}

	if err := s.authority.RevokeKey(ctx, s.key.serverKeyID); err != nil {
		if _, rejected := api.AsError(err); rejected {
			return s.remoteErr("revoke session key", err, FundsNoChange)
		}
		return &Error{
			Kind:        KindSettlementAmbiguous,
			FundsStatus: FundsNoChange,
			Message:     "revocation outcome unknown",
			Guidance:    "retry Close; the key may or may not still be active",
			Err:         err,
		}
	}

	s.key.destroy()
	s.state = StateClosed
	metrics.ActiveSessions.Dec()
	return nil
}

// Pay sends a direct signed transfer to recipient.
//
// The budget check and the reservation happen atomically; two
// concurrent calls cannot both pass the check against the same
// remaining budget. On server rejection the reservation is rolled
// back; on a transport failure it is kept, because the transfer may
// have been applied, and Refresh reconciles against the authority.
func (s *Session) Pay(ctx context.Context, recipient, amount string) (*api.TransferReceipt, error) {
	if !validation.IsValidEthAddress(recipient) {
		return nil, validationErr("invalid recipient address %q", recipient)
	}
	if !validation.IsValidNonNegativeAmount(amount) {
		return nil, validationErr("invalid amount %q", amount)
	}

	nonce, keyID, identity, err := s.reserveSigned(amount, recipient)
	if err != nil {
		return nil, err
	}

	ts := time.Now().Unix()
	sig, err := identity.SignTransfer(recipient, amount, nonce, ts)
	if err != nil {
		s.rollback(amount)
		return nil, validationErr("sign transfer: %v", err)
	}

	receipt, err := s.authority.SubmitTransfer(ctx, keyID, api.SignedTransferRequest{
		To:        recipient,
		Amount:    amount,
		Nonce:     nonce,
		Timestamp: ts,
		Signature: sig,
	})
	if err != nil {
		if _, rejected := api.AsError(err); rejected {
			s.rollback(amount)
			metrics.PaymentsTotal.WithLabelValues("rejected").Inc()
			return nil, s.remoteErr("transfer", err, FundsNoChange)
		}
		// Keep the reservation: the server may have applied the
		// transfer. Refresh resolves it either way.
		metrics.PaymentsTotal.WithLabelValues("unknown").Inc()
		return nil, &Error{
			Kind:        KindNetworkFailure,
			FundsStatus: FundsUnknown,
			Message:     "no definitive response for transfer",
			Guidance:    "call Refresh to reconcile local state with the authority before retrying",
			Err:         err,
		}
	}

	metrics.PaymentsTotal.WithLabelValues("success").Inc()
	return receipt, nil
}

// Refresh replaces local spend tracking with the authority's record.
// The server's view includes spends this client never saw (a transfer
// that succeeded after a transport error, or a delegated child's
// cascaded spend).
func (s *Session) Refresh(ctx context.Context) (*api.SessionKeyInfo, error) {
	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		return nil, inactiveErr("refresh")
	}
	keyID := s.key.serverKeyID
	s.mu.Unlock()

	info, err := s.authority.KeyUsage(ctx, keyID)
	if err != nil {
		return nil, s.remoteErr("fetch key usage", err, FundsNoChange)
	}

	s.mu.Lock()
	s.totalSpent = info.Usage.TotalSpent
	s.txCount = info.Usage.TransactionCount
	if info.Usage.LastNonce > s.key.nonce {
		s.key.nonce = info.Usage.LastNonce
	}
	s.mu.Unlock()
	return info, nil
}

// DelegateSpec describes the child session to issue.
type DelegateSpec struct {
	MaxTotal            string
	MaxPerTx            string // empty = parent's per-tx ceiling, capped at MaxTotal
	ExpiresIn           time.Duration
	AllowedServiceTypes []string // must narrow the parent's scope; empty = inherit
	Label               string
}

// Delegate issues a child session key whose budget must fit inside
// this session's remaining budget at issuance. The authority tracks
// outstanding delegations and cascades the child's actual spend up the
// chain; Refresh makes that cascaded spend visible here.
func (s *Session) Delegate(ctx context.Context, spec DelegateSpec) (*Session, error) {
	if !validation.IsValidAmount(spec.MaxTotal) {
		return nil, validationErr("invalid delegation max total %q", spec.MaxTotal)
	}

	childIdentity, err := signer.Generate()
	if err != nil {
		return nil, validationErr("generate child key: %v", err)
	}
	childAddr := childIdentity.Address()

	s.mu.Lock()
	if s.state != StateActive {
		s.mu.Unlock()
		childIdentity.Zero()
		return nil, inactiveErr("delegate")
	}
	if usdc.Cmp(spec.MaxTotal, s.remainingLocked()) > 0 {
		remaining := s.remainingLocked()
		s.mu.Unlock()
		childIdentity.Zero()
		return nil, policyDenied("delegation of %s exceeds remaining budget %s", spec.MaxTotal, remaining)
	}
	childTypes, ok := narrowTypes(s.budget.AllowedServiceTypes, spec.AllowedServiceTypes)
	if !ok {
		s.mu.Unlock()
		childIdentity.Zero()
		return nil, policyDenied("delegation widens allowed service types")
	}
	nonce := s.key.nextNonce()
	parentKeyID := s.key.serverKeyID
	parentIdentity := s.key.identity
	parentDepth := s.key.depth
	s.mu.Unlock()

	ts := time.Now().Unix()
	sig, err := parentIdentity.SignDelegation(childAddr, spec.MaxTotal, nonce, ts)
	if err != nil {
		childIdentity.Zero()
		return nil, validationErr("sign delegation: %v", err)
	}

	expiresIn := spec.ExpiresIn
	if expiresIn == 0 {
		expiresIn = s.budget.expiry()
	}

	info, err := s.authority.RegisterDelegation(ctx, parentKeyID, api.DelegateRequest{
		PublicKey:           childAddr,
		MaxTotal:            spec.MaxTotal,
		MaxPerTransaction:   spec.MaxPerTx,
		ExpiresIn:           expiresIn.String(),
		AllowedServiceTypes: childTypes,
		AllowAny:            len(childTypes) == 0,
		Nonce:               nonce,
		Timestamp:           ts,
		Signature:           sig,
		Label:               spec.Label,
	})
	if err != nil {
		childIdentity.Zero()
		if _, rejected := api.AsError(err); rejected {
			return nil, s.remoteErr("register delegation", err, FundsNoChange)
		}
		return nil, &Error{
			Kind:        KindNetworkFailure,
			FundsStatus: FundsUnknown,
			Message:     "no definitive response for delegation",
			Guidance:    "call Refresh to reconcile; the child key may or may not exist",
			Err:         err,
		}
	}

	childPerTx := spec.MaxPerTx
	if childPerTx == "" {
		childPerTx = s.budget.MaxPerTx
		if usdc.Cmp(childPerTx, spec.MaxTotal) > 0 {
			childPerTx = spec.MaxTotal
		}
	}

	child := &Session{
		authority:  s.authority,
		owner:      s.owner,
		state:      StateActive,
		totalSpent: "0.00",
		budget: Budget{
			MaxTotal:            spec.MaxTotal,
			MaxPerTx:            childPerTx,
			ExpiresIn:           expiresIn,
			AllowedServiceTypes: childTypes,
			AllowedRecipients:   s.budget.AllowedRecipients,
			Label:               spec.Label,
		},
		key: &keyHandle{
			identity:    childIdentity,
			serverKeyID: info.ID,
			parentKeyID: parentKeyID,
			depth:       parentDepth + 1,
		},
	}
	metrics.ActiveSessions.Inc()
	return child, nil
}

// checkAndReserveLocked performs the budget check and optimistic
// reservation. Caller holds s.mu.
func (s *Session) checkAndReserveLocked(amount, recipient, serviceType string) error {
	if s.state != StateActive {
		return inactiveErr("spend")
	}
	if serviceType != "" && !s.budget.allowsServiceType(serviceType) {
		return policyDenied("service type %q not allowed by this session", serviceType)
	}
	if recipient != "" && !s.budget.allowsRecipient(recipient) {
		return policyDenied("recipient %s not allowed by this session", recipient)
	}
	if usdc.Cmp(amount, s.budget.MaxPerTx) > 0 {
		return policyDenied("amount %s exceeds per-transaction limit %s", amount, s.budget.MaxPerTx)
	}
	if usdc.Cmp(amount, s.remainingLocked()) > 0 {
		return policyDenied("amount %s exceeds remaining budget %s", amount, s.remainingLocked())
	}

	s.totalSpent = usdc.Add(s.totalSpent, amount)
	s.txCount++
	return nil
}

// reserveSigned reserves amount and issues the nonce for the upcoming
// signature in the same critical section, so nonces increase in
// reservation order. It returns everything the network phase needs so
// the lock is not re-taken until commit or rollback.
func (s *Session) reserveSigned(amount, recipient string) (nonce uint64, keyID string, identity *signer.Identity, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAndReserveLocked(amount, recipient, ""); err != nil {
		return 0, "", nil, err
	}
	return s.key.nextNonce(), s.key.serverKeyID, s.key.identity, nil
}

// reserve reserves amount for an escrow-backed purchase. Escrow calls
// are authorized by the API credential rather than a per-message
// signature, so no nonce is issued.
func (s *Session) reserve(amount, recipient, serviceType string) (keyID string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkAndReserveLocked(amount, recipient, serviceType); err != nil {
		return "", err
	}
	return s.key.serverKeyID, nil
}

// rollback undoes a reservation after a definitive failure.
func (s *Session) rollback(amount string) {
	s.mu.Lock()
	s.totalSpent = usdc.Sub(s.totalSpent, amount)
	s.txCount--
	s.mu.Unlock()
	metrics.ReservationRollbacksTotal.Inc()
}

// remoteErr classifies an authority error: a decoded rejection becomes
// ServerRejected, anything else NetworkFailure.
func (s *Session) remoteErr(op string, err error, funds FundsStatus) *Error {
	if apiErr, ok := api.AsError(err); ok {
		return &Error{
			Kind:        KindServerRejected,
			FundsStatus: funds,
			Message:     op + " rejected: " + apiErr.Message,
			Guidance:    "the authority refused the request; no funds moved for it",
			Err:         err,
		}
	}
	return &Error{
		Kind:        KindNetworkFailure,
		FundsStatus: FundsUnknown,
		Message:     op + " failed in transit",
		Guidance:    "check connectivity and reconcile via Refresh before retrying",
		Err:         err,
	}
}

// narrowTypes computes the child's allowed service types. The child may
// inherit the parent's scope or narrow it, never widen it.
func narrowTypes(parent, requested []string) ([]string, bool) {
	if len(requested) == 0 {
		return parent, true
	}
	if len(parent) == 0 {
		return requested, true
	}
	allowed := make(map[string]bool, len(parent))
	for _, t := range parent {
		allowed[t] = true
	}
	for _, t := range requested {
		if !allowed[t] {
			return nil, false
		}
	}
	return requested, true
}
