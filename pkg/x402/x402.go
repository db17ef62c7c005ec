// Package x402 implements the x402 payment-proof protocol used when
// calling paid service endpoints.
//
// A service endpoint advertises its price with a 402 response; the buyer
// pays (directly or via escrow) and retries the request with an
// X-Payment-Proof header the seller can verify against the platform.
package x402

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// PaymentRequirement is returned by servers in 402 responses.
type PaymentRequirement struct {
	Price       string `json:"price"`
	Currency    string `json:"currency"`
	Recipient   string `json:"recipient"`
	Description string `json:"description,omitempty"`
	ValidFor    int64  `json:"validFor,omitempty"`
	Nonce       string `json:"nonce,omitempty"`
}

// PaymentProof is sent to servers to prove payment. Escrow-backed proofs
// carry the escrow ID so the seller can verify the hold; direct transfers
// carry the transaction hash.
type PaymentProof struct {
	TxHash    string `json:"txHash,omitempty"`
	EscrowID  string `json:"escrowId,omitempty"`
	From      string `json:"from"`
	Amount    string `json:"amount"`
	Nonce     string `json:"nonce,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Error represents an x402 error response.
type Error struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is402Response checks if an HTTP response is a 402 Payment Required.
func Is402Response(resp *http.Response) bool {
	return resp.StatusCode == http.StatusPaymentRequired
}

// ParsePaymentRequirement extracts payment requirements from a 402 response.
func ParsePaymentRequirement(resp *http.Response) (*PaymentRequirement, error) {
	if resp.StatusCode != http.StatusPaymentRequired {
		return nil, fmt.Errorf("not a 402 response: got %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var req PaymentRequirement
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, fmt.Errorf("failed to parse payment requirement: %w", err)
	}

	return &req, nil
}

// EscrowProof creates a proof backed by an escrow hold.
func EscrowProof(escrowID, fromAddress, amount string) *PaymentProof {
	return &PaymentProof{
		EscrowID:  escrowID,
		From:      fromAddress,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
	}
}

// TransferProof creates a proof backed by a completed transfer.
func TransferProof(txHash, fromAddress, amount string) *PaymentProof {
	return &PaymentProof{
		TxHash:    txHash,
		From:      fromAddress,
		Amount:    amount,
		Timestamp: time.Now().Unix(),
	}
}

// ToHeader serializes the payment proof for the HTTP header.
func (p *PaymentProof) ToHeader() (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to marshal proof: %w", err)
	}
	return string(data), nil
}

// AddProofToRequest adds the payment proof headers to an HTTP request.
func AddProofToRequest(req *http.Request, proof *PaymentProof) error {
	header, err := proof.ToHeader()
	if err != nil {
		return err
	}
	req.Header.Set("X-Payment-Proof", header)
	req.Header.Set("X-Payment-From", proof.From)
	req.Header.Set("X-Payment-Amount", proof.Amount)
	if proof.EscrowID != "" {
		req.Header.Set("X-Escrow-ID", proof.EscrowID)
	}
	return nil
}
