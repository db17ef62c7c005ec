// Package api is the HTTP client for the Alancoin platform. It
// implements the narrow interfaces the protocol packages declare
// (escrow.Authority, discovery.Finder, and the session authority).
//
// Error contract: a *api.Error return means the server decoded the
// request and rejected it; any other error means the request may or may
// not have been applied and callers must reconcile before retrying
// anything that moves money.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/alancoin-agent/internal/circuitbreaker"
	"github.com/mbd888/alancoin-agent/internal/metrics"
	"github.com/mbd888/alancoin-agent/internal/retry"
	"github.com/mbd888/alancoin-agent/internal/traces"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/escrow"
	"github.com/mbd888/alancoin-agent/pkg/x402"
)

// Config holds the connection settings for the platform.
type Config struct {
	APIURL       string // Base URL, e.g. "http://localhost:8080"
	APIKey       string // API key, e.g. "sk_..."
	AgentAddress string // Agent's wallet address, e.g. "0x..."
	Timeout      time.Duration
}

// Client is a pure HTTP client for the platform API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	breaker    *circuitbreaker.Breaker
}

// New creates a platform client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		breaker:    circuitbreaker.New(5, 30*time.Second),
	}
}

// AgentAddress returns the configured agent wallet address.
func (c *Client) AgentAddress() string { return c.cfg.AgentAddress }

// doRequest makes an HTTP request to the platform and decodes the
// response into out (out may be nil). Server rejections come back as
// *Error; transport failures as plain errors.
func (c *Client) doRequest(ctx context.Context, operation, method, path string, query url.Values, body, out any) error {
	defer metrics.ObserveAuthority(operation, time.Now())

	ctx, span := traces.StartSpan(ctx, "authority."+operation)
	defer span.End()

	if !c.breaker.Allow(operation) {
		return fmt.Errorf("%s: %w", operation, circuitbreaker.ErrOpen)
	}

	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure(operation)
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure(operation)
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// A decoded rejection is the server working as intended, not a
		// breaker-worthy outage.
		if resp.StatusCode < 500 {
			c.breaker.RecordSuccess(operation)
		} else {
			c.breaker.RecordFailure(operation)
		}
		apiErr := &Error{Status: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Code = "unknown"
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	c.breaker.RecordSuccess(operation)

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// getWithRetry wraps idempotent reads with bounded retry. Writes are
// never retried here; the caller owns reconciliation for those.
func (c *Client) getWithRetry(ctx context.Context, operation, path string, query url.Values, out any) error {
	return retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := c.doRequest(ctx, operation, http.MethodGet, path, query, nil, out)
		if _, rejected := AsError(err); rejected {
			return retry.Permanent(err)
		}
		return err
	})
}

// --- Session keys -----------------------------------------------------

// RegisterKey registers a session key address and its budget.
func (c *Client) RegisterKey(ctx context.Context, req RegisterKeyRequest) (*SessionKeyInfo, error) {
	var info SessionKeyInfo
	if err := c.doRequest(ctx, "register_key", http.MethodPost, "/v1/session-keys", nil, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// RevokeKey revokes a session key. Revocation is idempotent server-side.
func (c *Client) RevokeKey(ctx context.Context, keyID string) error {
	return c.doRequest(ctx, "revoke_key", http.MethodDelete, "/v1/session-keys/"+keyID, nil, nil, nil)
}

// KeyUsage returns the server's usage record for a session key.
func (c *Client) KeyUsage(ctx context.Context, keyID string) (*SessionKeyInfo, error) {
	var info SessionKeyInfo
	if err := c.getWithRetry(ctx, "key_usage", "/v1/session-keys/"+keyID, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SubmitTransfer submits a signed transfer under a session key.
func (c *Client) SubmitTransfer(ctx context.Context, keyID string, req SignedTransferRequest) (*TransferReceipt, error) {
	var receipt TransferReceipt
	if err := c.doRequest(ctx, "transfer", http.MethodPost, "/v1/session-keys/"+keyID+"/transact", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// RegisterDelegation registers a child key under parentKeyID.
func (c *Client) RegisterDelegation(ctx context.Context, parentKeyID string, req DelegateRequest) (*SessionKeyInfo, error) {
	var info SessionKeyInfo
	if err := c.doRequest(ctx, "delegate", http.MethodPost, "/v1/session-keys/"+parentKeyID+"/delegate", nil, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Escrow -----------------------------------------------------------

// CreateEscrow locks funds for a single service call.
func (c *Client) CreateEscrow(ctx context.Context, req escrow.CreateRequest) (*escrow.Escrow, error) {
	var esc escrow.Escrow
	if err := c.doRequest(ctx, "escrow_create", http.MethodPost, "/v1/escrow", nil, req, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

// DeliverEscrow marks an escrow as delivered.
func (c *Client) DeliverEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	var esc escrow.Escrow
	if err := c.doRequest(ctx, "escrow_deliver", http.MethodPost, "/v1/escrow/"+id+"/deliver", nil, nil, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

// ConfirmEscrow releases escrowed funds to the seller.
func (c *Client) ConfirmEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	var esc escrow.Escrow
	if err := c.doRequest(ctx, "escrow_confirm", http.MethodPost, "/v1/escrow/"+id+"/confirm", nil, nil, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

// DisputeEscrow refunds escrowed funds to the buyer.
func (c *Client) DisputeEscrow(ctx context.Context, id, reason string) (*escrow.Escrow, error) {
	var esc escrow.Escrow
	body := map[string]string{"reason": reason}
	if err := c.doRequest(ctx, "escrow_dispute", http.MethodPost, "/v1/escrow/"+id+"/dispute", nil, body, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

// GetEscrow fetches the current state of an escrow.
func (c *Client) GetEscrow(ctx context.Context, id string) (*escrow.Escrow, error) {
	var esc escrow.Escrow
	if err := c.getWithRetry(ctx, "escrow_get", "/v1/escrow/"+id, nil, &esc); err != nil {
		return nil, err
	}
	return &esc, nil
}

// --- Multistep escrow -------------------------------------------------

// LockSteps creates a multistep escrow covering a whole pipeline.
func (c *Client) LockSteps(ctx context.Context, req escrow.LockStepsRequest) (*escrow.MultiStep, error) {
	var ms escrow.MultiStep
	if err := c.doRequest(ctx, "multistep_lock", http.MethodPost, "/v1/escrow/multistep", nil, req, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

// ConfirmStep releases one planned step's amount to its seller.
func (c *Client) ConfirmStep(ctx context.Context, id string, stepIndex int, sellerAddr, amount string) (*escrow.MultiStep, error) {
	var ms escrow.MultiStep
	body := map[string]any{"stepIndex": stepIndex, "sellerAddr": sellerAddr, "amount": amount}
	path := "/v1/escrow/multistep/" + id + "/confirm-step"
	if err := c.doRequest(ctx, "multistep_confirm", http.MethodPost, path, nil, body, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

// RefundRemaining aborts a multistep escrow, refunding unconfirmed funds.
func (c *Client) RefundRemaining(ctx context.Context, id string) (*escrow.MultiStep, error) {
	var ms escrow.MultiStep
	if err := c.doRequest(ctx, "multistep_refund", http.MethodPost, "/v1/escrow/multistep/"+id+"/refund", nil, nil, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

// GetMultiStep fetches the current state of a multistep escrow.
func (c *Client) GetMultiStep(ctx context.Context, id string) (*escrow.MultiStep, error) {
	var ms escrow.MultiStep
	if err := c.getWithRetry(ctx, "multistep_get", "/v1/escrow/multistep/"+id, nil, &ms); err != nil {
		return nil, err
	}
	return &ms, nil
}

// --- Discovery and reputation ----------------------------------------

type listServicesResponse struct {
	Services []discovery.Listing `json:"services"`
	Count    int                 `json:"count"`
}

// ListServices searches the service marketplace.
func (c *Client) ListServices(ctx context.Context, serviceType, maxPrice string) ([]discovery.Listing, error) {
	q := url.Values{}
	if serviceType != "" {
		q.Set("type", serviceType)
	}
	if maxPrice != "" {
		q.Set("maxPrice", maxPrice)
	}
	var resp listServicesResponse
	if err := c.getWithRetry(ctx, "list_services", "/v1/services", q, &resp); err != nil {
		return nil, err
	}
	return resp.Services, nil
}

// ReportDispute records a dispute against a seller for reputation.
func (c *Client) ReportDispute(ctx context.Context, sellerAddr, escrowID, reason string) error {
	body := map[string]string{"escrowId": escrowID, "reason": reason}
	return c.doRequest(ctx, "report_dispute", http.MethodPost, "/v1/reputation/"+sellerAddr+"/disputes", nil, body, nil)
}

// --- Gateway sessions -------------------------------------------------

// OpenGatewaySession opens a server-managed gateway session.
func (c *Client) OpenGatewaySession(ctx context.Context, req OpenGatewayRequest) (*GatewaySessionInfo, error) {
	var info GatewaySessionInfo
	if err := c.doRequest(ctx, "gateway_open", http.MethodPost, "/v1/gateway/sessions", nil, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// GatewayProxy asks the gateway to select a service and call it.
func (c *Client) GatewayProxy(ctx context.Context, sessionID string, req ProxyRequest) (*ProxyResult, error) {
	var result ProxyResult
	if err := c.doRequest(ctx, "gateway_proxy", http.MethodPost, "/v1/gateway/sessions/"+sessionID+"/proxy", nil, req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CloseGatewaySession settles and closes a gateway session.
func (c *Client) CloseGatewaySession(ctx context.Context, sessionID string) (*GatewaySessionInfo, error) {
	var info GatewaySessionInfo
	if err := c.doRequest(ctx, "gateway_close", http.MethodDelete, "/v1/gateway/sessions/"+sessionID, nil, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Streams ----------------------------------------------------------

// OpenStream opens a metered payment stream.
func (c *Client) OpenStream(ctx context.Context, req OpenStreamRequest) (*StreamInfo, error) {
	var info StreamInfo
	if err := c.doRequest(ctx, "stream_open", http.MethodPost, "/v1/streams", nil, req, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StreamTick records one metered unit on a stream.
func (c *Client) StreamTick(ctx context.Context, streamID string, req TickRequest) (*TickReceipt, error) {
	var receipt TickReceipt
	if err := c.doRequest(ctx, "stream_tick", http.MethodPost, "/v1/streams/"+streamID+"/ticks", nil, req, &receipt); err != nil {
		return nil, err
	}
	return &receipt, nil
}

// CloseStream settles a stream: spent goes to the seller, the rest of
// the hold returns to the buyer.
func (c *Client) CloseStream(ctx context.Context, streamID, reason string) (*StreamInfo, error) {
	var info StreamInfo
	body := map[string]string{"reason": reason}
	if err := c.doRequest(ctx, "stream_close", http.MethodPost, "/v1/streams/"+streamID+"/close", nil, body, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// --- Service invocation -----------------------------------------------

// CallEndpoint invokes a seller's service endpoint directly, attaching
// the payment proof headers the seller verifies against the platform.
func (c *Client) CallEndpoint(ctx context.Context, endpoint string, payload any, proof *x402.PaymentProof) (json.RawMessage, error) {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if proof != nil {
		if err := x402.AddProofToRequest(req, proof); err != nil {
			return nil, err
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("service call failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read service response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("service returned %d: %s", resp.StatusCode, string(respBody))
	}
	return json.RawMessage(respBody), nil
}
