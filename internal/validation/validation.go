// Package validation provides input validation shared across the SDK.
package validation

import (
	"regexp"
	"strings"
)

var (
	// ethAddressRegex validates Ethereum addresses
	ethAddressRegex = regexp.MustCompile(`^0x[a-fA-F0-9]{40}$`)
	// hexRegex validates hex strings (for signatures, etc)
	hexRegex = regexp.MustCompile(`^(0x)?[a-fA-F0-9]+$`)
)

// IsValidEthAddress checks if a string is a valid Ethereum address.
func IsValidEthAddress(addr string) bool {
	return ethAddressRegex.MatchString(addr)
}

// IsValidHex checks if a string is valid hex.
func IsValidHex(s string) bool {
	return hexRegex.MatchString(s)
}

// NormalizeAddress trims, lower-cases, and 0x-prefixes an address.
func NormalizeAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	addr = strings.ToLower(addr)
	if !strings.HasPrefix(addr, "0x") && len(addr) == 40 {
		addr = "0x" + addr
	}
	return addr
}

// IsValidAmount reports whether value is a well-formed positive USDC
// amount: digits with at most one interior decimal point and at least one
// non-zero digit.
func IsValidAmount(value string) bool {
	if value == "" {
		return false
	}
	decimalCount := 0
	hasNonZero := false
	for i, c := range value {
		if c == '.' {
			decimalCount++
			if decimalCount > 1 || i == 0 || i == len(value)-1 {
				return false
			}
			continue
		}
		if c < '0' || c > '9' {
			return false
		}
		if c != '0' {
			hasNonZero = true
		}
	}
	return hasNonZero
}

// IsValidNonNegativeAmount is IsValidAmount but permits zero.
func IsValidNonNegativeAmount(value string) bool {
	if value == "" {
		return false
	}
	if IsValidAmount(value) {
		return true
	}
	// All-zero digits (e.g. "0", "0.00") are well-formed but not positive.
	decimalCount := 0
	for i, c := range value {
		if c == '.' {
			decimalCount++
			if decimalCount > 1 || i == 0 || i == len(value)-1 {
				return false
			}
			continue
		}
		if c != '0' {
			return false
		}
	}
	return true
}
