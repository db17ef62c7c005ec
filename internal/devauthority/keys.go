package devauthority

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/alancoin-agent/internal/idgen"
	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/signer"
)

var errInsufficientFunds = errors.New("insufficient funds")

// MaxDelegationDepth caps how deep a delegation chain can grow.
const MaxDelegationDepth = 5

// maxSignatureAge is the freshness window for signed requests; small
// future skew is tolerated for clock drift.
const (
	maxSignatureAge = 5 * time.Minute
	maxFutureSkew   = 60 * time.Second
)

// reject is a request the simulator understood and refused. It maps
// onto the platform's error envelope.
type reject struct {
	status int
	code   string
	msg    string
}

func (r *reject) Error() string { return r.code + ": " + r.msg }

func rejectf(status int, code, format string, args ...any) *reject {
	return &reject{status: status, code: code, msg: fmt.Sprintf(format, args...)}
}

// registerKey creates a root session key. Caller holds s.mu.
func (s *store) registerKey(owner string, req api.RegisterKeyRequest) (*sessionKey, error) {
	if !validation.IsValidEthAddress(req.PublicKey) {
		return nil, rejectf(400, "invalid_public_key", "public key must be an address")
	}
	if req.MaxTotal != "" && !validation.IsValidAmount(req.MaxTotal) {
		return nil, rejectf(400, "invalid_request", "invalid maxTotal")
	}
	expiresIn := 24 * time.Hour
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return nil, rejectf(400, "invalid_request", "invalid expiresIn %q", req.ExpiresIn)
		}
		expiresIn = d
	}
	if !req.AllowAny && len(req.AllowedRecipients) == 0 && len(req.AllowedServiceTypes) == 0 {
		return nil, rejectf(400, "invalid_request", "set allowAny or at least one recipient restriction")
	}

	key := &sessionKey{
		Info: api.SessionKeyInfo{
			ID:        idgen.WithPrefix("sk_"),
			OwnerAddr: owner,
			PublicKey: strings.ToLower(req.PublicKey),
			MaxTotal:  req.MaxTotal,
			ExpiresAt: time.Now().Add(expiresIn),
			CreatedAt: time.Now(),
			Usage:     api.KeyUsage{TotalSpent: "0.00", SpentToday: "0.00"},
		},
		MaxPerTx:            req.MaxPerTransaction,
		MaxPerDay:           req.MaxPerDay,
		AllowedRecipients:   lowerAll(req.AllowedRecipients),
		AllowedServiceTypes: req.AllowedServiceTypes,
		AllowAny:            req.AllowAny,
	}
	s.keys[key.Info.ID] = key
	return key, nil
}

// validateSigned checks a signed transfer end to end: signature against
// the key's address, nonce monotonicity, timestamp freshness, then the
// key's spending permissions. Caller holds s.mu.
func (s *store) validateSigned(key *sessionKey, req api.SignedTransferRequest) error {
	message, err := signer.TransferMessage(req.To, req.Amount, req.Nonce, req.Timestamp)
	if err != nil {
		return rejectf(400, "invalid_request", "%v", err)
	}
	recovered, err := signer.RecoverAddress(message, req.Signature)
	if err != nil {
		return rejectf(401, "invalid_signature", "failed to verify signature: %v", err)
	}
	if !strings.EqualFold(recovered, key.Info.PublicKey) {
		return rejectf(401, "signature_mismatch", "signature from %s does not match session key", recovered)
	}

	if req.Nonce <= key.Info.Usage.LastNonce {
		return rejectf(401, "nonce_reused", "nonce %d must be greater than %d", req.Nonce, key.Info.Usage.LastNonce)
	}

	now := time.Now().Unix()
	if now-req.Timestamp > int64(maxSignatureAge/time.Second) {
		return rejectf(401, "signature_expired", "signature timestamp is %d seconds old", now-req.Timestamp)
	}
	if req.Timestamp > now+int64(maxFutureSkew/time.Second) {
		return rejectf(401, "invalid_timestamp", "signature timestamp is in the future")
	}

	return s.checkPermissions(key, req.To, req.Amount, s.serviceTypeOf(req.ServiceID))
}

func (s *store) serviceTypeOf(serviceID string) string {
	for _, l := range s.listings {
		if l.ServiceID == serviceID {
			return l.ServiceType
		}
	}
	return ""
}

// checkPermissions enforces a key's budget and scope, including every
// ancestor's ceiling: a descendant spend counts against the whole
// chain. Caller holds s.mu.
func (s *store) checkPermissions(key *sessionKey, to, amount, serviceType string) error {
	if key.Info.RevokedAt != nil {
		return rejectf(403, "key_revoked", "session key has been revoked")
	}
	if time.Now().After(key.Info.ExpiresAt) {
		return rejectf(403, "key_expired", "session key has expired")
	}
	if !validation.IsValidAmount(amount) {
		return rejectf(400, "invalid_request", "invalid amount %q", amount)
	}
	if key.MaxPerTx != "" && usdc.Cmp(amount, key.MaxPerTx) > 0 {
		return rejectf(403, "exceeds_per_tx", "amount exceeds per-transaction limit %s", key.MaxPerTx)
	}
	if key.MaxPerDay != "" && usdc.Cmp(usdc.Add(key.Info.Usage.SpentToday, amount), key.MaxPerDay) > 0 {
		return rejectf(403, "exceeds_daily", "amount exceeds daily spending limit %s", key.MaxPerDay)
	}
	for k := key; k != nil; k = s.keys[k.Info.ParentKeyID] {
		if k.Info.MaxTotal != "" && usdc.Cmp(usdc.Add(k.Info.Usage.TotalSpent, amount), k.Info.MaxTotal) > 0 {
			return rejectf(403, "exceeds_total", "amount exceeds total limit of key %s", k.Info.ID)
		}
	}
	if !key.AllowAny && !containsFold(key.AllowedRecipients, to) {
		if serviceType == "" || !contains(key.AllowedServiceTypes, serviceType) {
			return rejectf(403, "recipient_not_allowed", "recipient is not in allowed list")
		}
	}
	return nil
}

// delegate verifies a parent-signed delegation certificate and mints
// the child key. Caller holds s.mu.
func (s *store) delegate(parent *sessionKey, req api.DelegateRequest) (*sessionKey, error) {
	if parent.Info.RevokedAt != nil {
		return nil, rejectf(403, "key_revoked", "parent key has been revoked")
	}
	if parent.Info.Depth+1 > MaxDelegationDepth {
		return nil, rejectf(403, "max_depth_exceeded", "delegation depth limit %d reached", MaxDelegationDepth)
	}
	if !validation.IsValidEthAddress(req.PublicKey) {
		return nil, rejectf(400, "invalid_public_key", "child public key must be an address")
	}
	if !validation.IsValidAmount(req.MaxTotal) {
		return nil, rejectf(400, "invalid_request", "invalid maxTotal")
	}

	message, err := signer.DelegationMessage(req.PublicKey, req.MaxTotal, req.Nonce, req.Timestamp)
	if err != nil {
		return nil, rejectf(400, "invalid_request", "%v", err)
	}
	if err := signer.VerifySignature(message, req.Signature, parent.Info.PublicKey); err != nil {
		return nil, rejectf(401, "signature_mismatch", "delegation signature does not match parent key")
	}

	// The child's ceiling must fit in what the parent has left after
	// its own spending. Over-allocation across siblings surfaces later
	// through the cascaded total check.
	if parent.Info.MaxTotal != "" {
		remaining := usdc.Sub(parent.Info.MaxTotal, parent.Info.Usage.TotalSpent)
		if usdc.Cmp(req.MaxTotal, remaining) > 0 {
			return nil, rejectf(403, "exceeds_total", "child budget %s exceeds parent remaining %s", req.MaxTotal, remaining)
		}
	}

	expiresIn := time.Until(parent.Info.ExpiresAt)
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil || d <= 0 {
			return nil, rejectf(400, "invalid_request", "invalid expiresIn %q", req.ExpiresIn)
		}
		if d < expiresIn {
			expiresIn = d
		}
	}

	childTypes := req.AllowedServiceTypes
	if len(parent.AllowedServiceTypes) > 0 {
		if len(childTypes) == 0 {
			childTypes = parent.AllowedServiceTypes
		} else {
			for _, t := range childTypes {
				if !contains(parent.AllowedServiceTypes, t) {
					return nil, rejectf(403, "service_type_not_allowed", "delegation widens allowed service types")
				}
			}
		}
	}

	child := &sessionKey{
		Info: api.SessionKeyInfo{
			ID:          idgen.WithPrefix("sk_"),
			OwnerAddr:   parent.Info.OwnerAddr,
			PublicKey:   strings.ToLower(req.PublicKey),
			ParentKeyID: parent.Info.ID,
			RootKeyID:   rootOf(parent),
			Depth:       parent.Info.Depth + 1,
			MaxTotal:    req.MaxTotal,
			ExpiresAt:   time.Now().Add(expiresIn),
			CreatedAt:   time.Now(),
			Usage:       api.KeyUsage{TotalSpent: "0.00", SpentToday: "0.00"},
		},
		MaxPerTx:            req.MaxPerTransaction,
		AllowedRecipients:   parent.AllowedRecipients,
		AllowedServiceTypes: childTypes,
		AllowAny:            req.AllowAny && parent.AllowAny,
	}
	s.keys[child.Info.ID] = child
	return child, nil
}

func rootOf(key *sessionKey) string {
	if key.Info.RootKeyID != "" {
		return key.Info.RootKeyID
	}
	return key.Info.ID
}

func contains(ss []string, want string) bool {
	for _, s := range ss {
		if s == want {
			return true
		}
	}
	return false
}

func containsFold(ss []string, want string) bool {
	for _, s := range ss {
		if strings.EqualFold(s, want) {
			return true
		}
	}
	return false
}

func lowerAll(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.ToLower(s)
	}
	return out
}
