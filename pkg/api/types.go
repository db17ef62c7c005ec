package api

import (
	"errors"
	"fmt"
	"time"
)

// RegisterKeyRequest is the payload for registering a session key with
// the platform. The private key never leaves the client; only the
// derived address is sent.
type RegisterKeyRequest struct {
	PublicKey           string   `json:"publicKey"`
	MaxPerTransaction   string   `json:"maxPerTransaction,omitempty"`
	MaxPerDay           string   `json:"maxPerDay,omitempty"`
	MaxTotal            string   `json:"maxTotal,omitempty"`
	ExpiresIn           string   `json:"expiresIn,omitempty"` // Duration string, e.g. "24h"
	AllowedRecipients   []string `json:"allowedRecipients,omitempty"`
	AllowedServiceTypes []string `json:"allowedServiceTypes,omitempty"`
	AllowAny            bool     `json:"allowAny,omitempty"`
	Label               string   `json:"label,omitempty"`
}

// KeyUsage is the server's view of how much a session key has spent.
type KeyUsage struct {
	TransactionCount int       `json:"transactionCount"`
	TotalSpent       string    `json:"totalSpent"`
	SpentToday       string    `json:"spentToday"`
	LastUsed         time.Time `json:"lastUsed,omitempty"`
	LastNonce        uint64    `json:"lastNonce"`
}

// SessionKeyInfo is the server-side record of a registered session key.
type SessionKeyInfo struct {
	ID          string     `json:"id"`
	OwnerAddr   string     `json:"ownerAddr"`
	PublicKey   string     `json:"publicKey"`
	ParentKeyID string     `json:"parentKeyId,omitempty"`
	RootKeyID   string     `json:"rootKeyId,omitempty"`
	Depth       int        `json:"depth"`
	MaxTotal    string     `json:"maxTotal,omitempty"`
	ExpiresAt   time.Time  `json:"expiresAt"`
	RevokedAt   *time.Time `json:"revokedAt,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	Usage       KeyUsage   `json:"usage"`
}

// SignedTransferRequest is a cryptographically signed transfer. The
// signature covers recipient, amount, nonce, and timestamp.
type SignedTransferRequest struct {
	To        string `json:"to"`
	Amount    string `json:"amount"`
	ServiceID string `json:"serviceId,omitempty"`
	Nonce     uint64 `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}

// TransferReceipt acknowledges a settled transfer.
type TransferReceipt struct {
	TxHash       string    `json:"txHash"`
	From         string    `json:"from"`
	To           string    `json:"to"`
	Amount       string    `json:"amount"`
	SessionKeyID string    `json:"sessionKeyId"`
	Timestamp    time.Time `json:"timestamp"`
}

// DelegateRequest registers a child key under an existing session key.
// The parent key signs the delegation certificate.
type DelegateRequest struct {
	PublicKey           string   `json:"publicKey"`
	MaxTotal            string   `json:"maxTotal"`
	MaxPerTransaction   string   `json:"maxPerTransaction,omitempty"`
	ExpiresIn           string   `json:"expiresIn,omitempty"`
	AllowedServiceTypes []string `json:"allowedServiceTypes,omitempty"`
	AllowAny            bool     `json:"allowAny,omitempty"`
	Nonce               uint64   `json:"nonce"`
	Timestamp           int64    `json:"timestamp"`
	Signature           string   `json:"signature"`
	Label               string   `json:"label,omitempty"`
}

// OpenGatewayRequest opens a lightweight gateway session.
type OpenGatewayRequest struct {
	MaxTotal      string   `json:"maxTotal"`
	MaxPerRequest string   `json:"maxPerRequest"`
	Strategy      string   `json:"strategy,omitempty"`
	AllowedTypes  []string `json:"allowedTypes,omitempty"`
	ExpiresInSec  int      `json:"expiresInSecs,omitempty"`
}

// GatewaySessionInfo is the server-side record of a gateway session.
type GatewaySessionInfo struct {
	ID            string    `json:"id"`
	AgentAddr     string    `json:"agentAddr"`
	MaxTotal      string    `json:"maxTotal"`
	MaxPerRequest string    `json:"maxPerRequest"`
	TotalSpent    string    `json:"totalSpent"`
	RequestCount  int       `json:"requestCount"`
	Strategy      string    `json:"strategy"`
	Status        string    `json:"status"`
	ExpiresAt     time.Time `json:"expiresAt"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ProxyRequest asks the gateway to pick a service and call it.
type ProxyRequest struct {
	ServiceType string         `json:"serviceType"`
	Params      map[string]any `json:"params,omitempty"`
	MaxPrice    string         `json:"maxPrice,omitempty"`
}

// ProxyResult is the outcome of a gateway proxy call.
type ProxyResult struct {
	Response    map[string]any `json:"response"`
	ServiceUsed string         `json:"serviceUsed"`
	ServiceName string         `json:"serviceName"`
	AmountPaid  string         `json:"amountPaid"`
	TotalSpent  string         `json:"totalSpent"`
	Remaining   string         `json:"remaining"`
}

// OpenStreamRequest opens a metered payment stream against a seller.
type OpenStreamRequest struct {
	SellerAddr      string `json:"sellerAddr"`
	HoldAmount      string `json:"holdAmount"`
	PricePerTick    string `json:"pricePerTick"`
	ServiceID       string `json:"serviceId,omitempty"`
	SessionKeyID    string `json:"sessionKeyId,omitempty"`
	StaleTimeoutSec int    `json:"staleTimeoutSecs,omitempty"`
}

// StreamInfo is the server-side record of a payment stream.
type StreamInfo struct {
	ID           string     `json:"id"`
	BuyerAddr    string     `json:"buyerAddr"`
	SellerAddr   string     `json:"sellerAddr"`
	HoldAmount   string     `json:"holdAmount"`
	SpentAmount  string     `json:"spentAmount"`
	PricePerTick string     `json:"pricePerTick"`
	TickCount    int        `json:"tickCount"`
	Status       string     `json:"status"`
	ClosedAt     *time.Time `json:"closedAt,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
}

// TickRequest records one metered unit on a stream.
type TickRequest struct {
	Seq      int    `json:"seq,omitempty"`    // 0 = auto-increment
	Amount   string `json:"amount,omitempty"` // empty = pricePerTick
	Metadata string `json:"metadata,omitempty"`
}

// TickReceipt acknowledges a recorded tick.
type TickReceipt struct {
	StreamID   string `json:"streamId"`
	Seq        int    `json:"seq"`
	Amount     string `json:"amount"`
	Cumulative string `json:"cumulative"`
}

// Error is a decoded platform error response. Its presence means the
// server received, understood, and rejected the request.
type Error struct {
	Status  int    `json:"-"`
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("api error (%d %s): %s", e.Status, e.Code, e.Message)
}

// AsError extracts a platform error if err carries one.
func AsError(err error) (*Error, bool) {
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}
