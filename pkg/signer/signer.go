// Package signer implements the signing identity behind a session key.
//
// A session key is an ECDSA keypair generated client-side. The public
// address is registered with the platform together with a budget; every
// transaction is then authorized by signing a deterministic message with
// the private key. The platform recomputes the identical message and
// recovers the signer, so field order, lower-casing, and decimal
// formatting here are part of the wire contract.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/alancoin-agent/internal/validation"
)

// DomainTag prefixes every signed message so signatures cannot be
// replayed across protocols.
const DomainTag = "Alancoin"

var (
	ErrInvalidRecipient = errors.New("signer: recipient is not a valid address")
	ErrInvalidAmount    = errors.New("signer: amount is not a well-formed USDC amount")
	ErrKeyDestroyed     = errors.New("signer: private key material has been destroyed")
)

// Identity holds a session key's private material. It is owned
// exclusively by one key handle and zeroed when the session closes.
type Identity struct {
	priv    *ecdsa.PrivateKey
	address string
}

// Generate creates a fresh ECDSA keypair.
func Generate() (*Identity, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate keypair: %w", err)
	}
	return &Identity{
		priv:    priv,
		address: strings.ToLower(crypto.PubkeyToAddress(priv.PublicKey).Hex()),
	}, nil
}

// FromHex restores an identity from a hex-encoded private key,
// with or without 0x prefix.
func FromHex(hexKey string) (*Identity, error) {
	priv, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return &Identity{
		priv:    priv,
		address: strings.ToLower(crypto.PubkeyToAddress(priv.PublicKey).Hex()),
	}, nil
}

// Address returns the identity's lowercase Ethereum address.
func (id *Identity) Address() string {
	return id.address
}

// Zero destroys the private key material. The identity cannot sign
// afterwards; any attempt returns ErrKeyDestroyed.
func (id *Identity) Zero() {
	if id.priv != nil {
		id.priv.D.SetInt64(0)
		id.priv = nil
	}
}

// TransferMessage builds the message a transfer signature covers.
// Format: "Alancoin|{to}|{amount}|{nonce}|{timestamp}" with to lowercased.
func TransferMessage(to, amount string, nonce uint64, timestamp int64) (string, error) {
	if !validation.IsValidEthAddress(to) {
		return "", ErrInvalidRecipient
	}
	if !validation.IsValidAmount(amount) {
		return "", ErrInvalidAmount
	}
	return fmt.Sprintf("%s|%s|%s|%d|%d", DomainTag, strings.ToLower(to), amount, nonce, timestamp), nil
}

// DelegationMessage builds the message a delegation signature covers.
// Format: "Alancoin|{childAddress}|{maxTotal}|{nonce}|{timestamp}".
func DelegationMessage(childAddress, maxTotal string, nonce uint64, timestamp int64) (string, error) {
	if !validation.IsValidEthAddress(childAddress) {
		return "", ErrInvalidRecipient
	}
	if !validation.IsValidAmount(maxTotal) {
		return "", ErrInvalidAmount
	}
	return fmt.Sprintf("%s|%s|%s|%d|%d", DomainTag, childAddress, maxTotal, nonce, timestamp), nil
}

// HashMessage creates an Ethereum signed message hash (EIP-191):
// keccak256("\x19Ethereum Signed Message:\n{len}" + message).
func HashMessage(message string) []byte {
	prefix := fmt.Sprintf("\x19Ethereum Signed Message:\n%d", len(message))
	return crypto.Keccak256([]byte(prefix + message))
}

// Sign signs an already-constructed message. The result is a hex-encoded
// 65-byte signature (r[32] + s[32] + v[1]) with v in {27, 28}.
func (id *Identity) Sign(message string) (string, error) {
	if id.priv == nil {
		return "", ErrKeyDestroyed
	}
	sig, err := crypto.Sign(HashMessage(message), id.priv)
	if err != nil {
		return "", fmt.Errorf("sign message: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// SignTransfer builds and signs a transfer message.
func (id *Identity) SignTransfer(to, amount string, nonce uint64, timestamp int64) (string, error) {
	msg, err := TransferMessage(to, amount, nonce, timestamp)
	if err != nil {
		return "", err
	}
	return id.Sign(msg)
}

// SignDelegation builds and signs a delegation message.
func (id *Identity) SignDelegation(childAddress, maxTotal string, nonce uint64, timestamp int64) (string, error) {
	msg, err := DelegationMessage(childAddress, maxTotal, nonce, timestamp)
	if err != nil {
		return "", err
	}
	return id.Sign(msg)
}

// RecoverAddress recovers the signer's address from a message and a
// hex-encoded 65-byte signature.
func RecoverAddress(message string, signatureHex string) (string, error) {
	sigHex := strings.TrimPrefix(signatureHex, "0x")

	signature, err := hex.DecodeString(sigHex)
	if err != nil {
		return "", fmt.Errorf("invalid signature hex: %w", err)
	}
	if len(signature) != 65 {
		return "", fmt.Errorf("signature must be 65 bytes, got %d", len(signature))
	}

	// Ethereum signatures have v = 27 or 28, but Ecrecover expects 0 or 1.
	// Work on a copy so the caller's slice is untouched.
	sig := make([]byte, 65)
	copy(sig, signature)
	if sig[64] >= 27 {
		sig[64] -= 27
	}

	pubKeyBytes, err := crypto.Ecrecover(HashMessage(message), sig)
	if err != nil {
		return "", fmt.Errorf("recover public key: %w", err)
	}
	pubKey, err := crypto.UnmarshalPubkey(pubKeyBytes)
	if err != nil {
		return "", fmt.Errorf("unmarshal public key: %w", err)
	}

	return strings.ToLower(crypto.PubkeyToAddress(*pubKey).Hex()), nil
}

// VerifySignature verifies that a signature was created by the expected address.
func VerifySignature(message string, signatureHex string, expectedAddress string) error {
	recoveredAddr, err := RecoverAddress(message, signatureHex)
	if err != nil {
		return fmt.Errorf("invalid signature: %w", err)
	}
	if !strings.EqualFold(recoveredAddr, expectedAddress) {
		return fmt.Errorf("signature mismatch: expected %s, got %s", expectedAddress, recoveredAddr)
	}
	return nil
}
