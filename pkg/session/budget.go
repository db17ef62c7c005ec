package session

import (
	"time"

	"github.com/mbd888/alancoin-agent/internal/usdc"
	"github.com/mbd888/alancoin-agent/internal/validation"
)

// Budget describes the spending constraints for one session. Immutable
// once the session opens.
type Budget struct {
	MaxTotal  string        // Required: total ceiling, e.g. "5.00"
	MaxPerTx  string        // Required: per-transaction ceiling
	MaxPerDay string        // Optional: daily ceiling (enforced by the authority)
	ExpiresIn time.Duration // Key lifetime; 0 = 24h default

	// Scope restrictions. Empty = unrestricted.
	AllowedServiceTypes []string
	AllowedRecipients   []string

	Label string
}

// DefaultExpiry is used when a budget leaves ExpiresIn unset.
const DefaultExpiry = 24 * time.Hour

// Validate checks the budget is well formed: amounts parse, ceilings
// are positive, and per-tx ≤ per-day ≤ total where all are set.
func (b Budget) Validate() error {
	if !validation.IsValidAmount(b.MaxTotal) {
		return validationErr("invalid max total %q", b.MaxTotal)
	}
	if !validation.IsValidAmount(b.MaxPerTx) {
		return validationErr("invalid max per-tx %q", b.MaxPerTx)
	}
	if usdc.Cmp(b.MaxPerTx, b.MaxTotal) > 0 {
		return validationErr("max per-tx %s exceeds max total %s", b.MaxPerTx, b.MaxTotal)
	}
	if b.MaxPerDay != "" {
		if !validation.IsValidAmount(b.MaxPerDay) {
			return validationErr("invalid max per-day %q", b.MaxPerDay)
		}
		if usdc.Cmp(b.MaxPerTx, b.MaxPerDay) > 0 {
			return validationErr("max per-tx %s exceeds max per-day %s", b.MaxPerTx, b.MaxPerDay)
		}
		if usdc.Cmp(b.MaxPerDay, b.MaxTotal) > 0 {
			return validationErr("max per-day %s exceeds max total %s", b.MaxPerDay, b.MaxTotal)
		}
	}
	for _, r := range b.AllowedRecipients {
		if !validation.IsValidEthAddress(r) {
			return validationErr("invalid allowed recipient %q", r)
		}
	}
	if b.ExpiresIn < 0 {
		return validationErr("negative expiry")
	}
	return nil
}

func (b Budget) expiry() time.Duration {
	if b.ExpiresIn == 0 {
		return DefaultExpiry
	}
	return b.ExpiresIn
}

// allowsRecipient reports whether the budget permits paying addr.
func (b Budget) allowsRecipient(addr string) bool {
	if len(b.AllowedRecipients) == 0 {
		return true
	}
	norm := validation.NormalizeAddress(addr)
	for _, r := range b.AllowedRecipients {
		if validation.NormalizeAddress(r) == norm {
			return true
		}
	}
	return false
}

// allowsServiceType reports whether the budget permits buying serviceType.
func (b Budget) allowsServiceType(serviceType string) bool {
	if len(b.AllowedServiceTypes) == 0 {
		return true
	}
	for _, t := range b.AllowedServiceTypes {
		if t == serviceType {
			return true
		}
	}
	return false
}
