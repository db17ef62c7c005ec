// Package paywall implements the seller side of the x402 protocol: a
// gin middleware that answers unpaid requests with 402 Payment Required
// and admits paid ones after verifying the proof against the platform.
//
// Escrow-backed proofs are verified by looking the escrow up: the hold
// must exist, name this seller, and cover the price. Transfer-backed
// proofs need on-chain verification the platform does not expose to
// sellers, so they are rejected unless the caller supplies a verifier.
package paywall

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
	"github.com/mbd888/alancoin-agent/pkg/x402"
)

const proofContextKey = "paywall_proof"

// EscrowVerifier looks up escrows on the platform. Implemented by
// *api.Client.
type EscrowVerifier interface {
	GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error)
}

// TransferVerifier checks a direct-transfer proof. Optional; when nil,
// transfer-backed proofs are rejected.
type TransferVerifier func(ctx context.Context, proof *x402.PaymentProof, price string) error

// Config for the paywall middleware.
type Config struct {
	// Verifier resolves escrow-backed proofs. Required.
	Verifier EscrowVerifier

	// Recipient is this seller's address. Proofs must pay it.
	Recipient string

	// Price per request in USDC.
	Price string

	// Description appears in the 402 payment requirement.
	Description string

	// ValidFor bounds proof timestamp age. 0 = 5 minutes.
	ValidFor time.Duration

	// VerifyTransfer resolves transfer-backed proofs. Optional.
	VerifyTransfer TransferVerifier

	// Hooks
	OnPaymentReceived func(proof *x402.PaymentProof, route string)
	OnPaymentFailed   func(proof *x402.PaymentProof, err error)
}

// usedProofs blocks proof replay: each escrow or tx hash admits exactly
// one request.
type usedProofs struct {
	mu   sync.Mutex
	seen map[string]time.Time
}

func (u *usedProofs) consume(key string, ttl time.Duration) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	cutoff := time.Now().Add(-ttl)
	for k, t := range u.seen {
		if t.Before(cutoff) {
			delete(u.seen, k)
		}
	}
	if _, ok := u.seen[key]; ok {
		return false
	}
	u.seen[key] = time.Now()
	return true
}

// Middleware returns a gin middleware enforcing payment for every
// request it wraps.
func Middleware(cfg Config) gin.HandlerFunc {
	used := &usedProofs{seen: make(map[string]time.Time)}
	recipient := validation.NormalizeAddress(cfg.Recipient)
	validFor := cfg.ValidFor
	if validFor == 0 {
		validFor = 5 * time.Minute
	}

	return func(c *gin.Context) {
		proofHeader := c.GetHeader("X-Payment-Proof")
		if proofHeader == "" {
			requirePayment(c, cfg, recipient, validFor)
			return
		}

		var proof x402.PaymentProof
		if err := json.Unmarshal([]byte(proofHeader), &proof); err != nil {
			abortPayment(c, http.StatusBadRequest, "invalid_payment_proof", "could not parse payment proof")
			return
		}

		if err := verify(c.Request.Context(), cfg, used, recipient, validFor, &proof); err != nil {
			if cfg.OnPaymentFailed != nil {
				cfg.OnPaymentFailed(&proof, err)
			}
			abortPayment(c, http.StatusPaymentRequired, "payment_verification_failed", err.Error())
			return
		}

		if cfg.OnPaymentReceived != nil {
			cfg.OnPaymentReceived(&proof, c.FullPath())
		}
		c.Set(proofContextKey, &proof)
		c.Next()
	}
}

func requirePayment(c *gin.Context, cfg Config, recipient string, validFor time.Duration) {
	req := x402.PaymentRequirement{
		Price:       cfg.Price,
		Currency:    "USDC",
		Recipient:   recipient,
		Description: cfg.Description,
		ValidFor:    int64(validFor.Seconds()),
	}

	c.Header("X-Payment-Required", "true")
	c.Header("X-Payment-Currency", "USDC")
	c.Header("X-Payment-Amount", cfg.Price)
	c.Header("X-Payment-Recipient", recipient)

	c.JSON(http.StatusPaymentRequired, req)
	c.Abort()
}

func abortPayment(c *gin.Context, status int, code, msg string) {
	c.JSON(status, x402.Error{Code: code, Message: msg})
	c.Abort()
}

func verify(ctx context.Context, cfg Config, used *usedProofs, recipient string, validFor time.Duration, proof *x402.PaymentProof) error {
	if proof.From == "" {
		return errMissing("sender address")
	}
	if proof.Timestamp > 0 {
		age := time.Since(time.Unix(proof.Timestamp, 0))
		if age > validFor || age < -30*time.Second {
			return errProof("proof expired or has future timestamp")
		}
	}

	switch {
	case proof.EscrowID != "":
		return verifyEscrow(ctx, cfg, used, recipient, validFor, proof)
	case proof.TxHash != "":
		if cfg.VerifyTransfer == nil {
			return errProof("transfer proofs are not accepted here")
		}
		if !used.consume("tx:"+strings.ToLower(proof.TxHash), validFor) {
			return errProof("proof already used")
		}
		return cfg.VerifyTransfer(ctx, proof, cfg.Price)
	default:
		return errMissing("escrow ID or transaction hash")
	}
}

func verifyEscrow(ctx context.Context, cfg Config, used *usedProofs, recipient string, validFor time.Duration, proof *x402.PaymentProof) error {
	esc, err := cfg.Verifier.GetEscrow(ctx, proof.EscrowID)
	if err != nil {
		return errProof("escrow lookup failed")
	}
	if esc.Status != escrow.StatusCreated && esc.Status != escrow.StatusDelivered {
		return errProof("escrow is not holding funds")
	}
	if validation.NormalizeAddress(esc.SellerAddr) != recipient {
		return errProof("escrow pays a different seller")
	}
	if validation.NormalizeAddress(esc.BuyerAddr) != validation.NormalizeAddress(proof.From) {
		return errProof("escrow buyer does not match proof sender")
	}
	if cfg.Price != "" && usdc.Cmp(esc.Amount, cfg.Price) < 0 {
		return errProof("escrow amount below price")
	}
	if !used.consume("esc:"+esc.ID, validFor) {
		return errProof("proof already used")
	}
	return nil
}

// Proof retrieves the verified payment proof from the gin context.
func Proof(c *gin.Context) *x402.PaymentProof {
	if p, ok := c.Get(proofContextKey); ok {
		return p.(*x402.PaymentProof)
	}
	return nil
}

type proofError struct{ msg string }

func (e *proofError) Error() string { return e.msg }

func errProof(msg string) error { return &proofError{msg: msg} }

func errMissing(what string) error { return &proofError{msg: "missing " + what} }
