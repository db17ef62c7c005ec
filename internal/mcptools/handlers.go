package mcptools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/alancoin-agent/pkg/api"
	"github.com/mbd888/alancoin-agent/pkg/discovery"
	"github.com/mbd888/alancoin-agent/pkg/session"
)

// Handlers holds the handler functions for each MCP tool. All spending
// tools run against one lazily opened session so the whole MCP
// conversation shares a single budget.
type Handlers struct {
	client *api.Client
	budget session.Budget
	owner  string

	mu       sync.Mutex
	sess     *session.Session
	children []*session.Session
}

// NewHandlers creates a Handlers instance. The session is not opened
// until the first tool that spends money runs.
func NewHandlers(client *api.Client, owner string, budget session.Budget) *Handlers {
	return &Handlers{client: client, budget: budget, owner: owner}
}

// active returns the shared session, opening it on first use.
func (h *Handlers) active(ctx context.Context) (*session.Session, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sess != nil && h.sess.State() == session.StateActive {
		return h.sess, nil
	}

	sess, err := session.New(h.client, h.owner, h.budget)
	if err != nil {
		return nil, err
	}
	if err := sess.Open(ctx); err != nil {
		return nil, err
	}
	h.sess = sess
	return sess, nil
}

// HandleDiscoverServices searches the marketplace.
func (h *Handlers) HandleDiscoverServices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceType := req.GetString("service_type", "")
	maxPrice := req.GetString("max_price", "")
	prefer := discovery.Strategy(req.GetString("prefer", string(discovery.StrategyCheapest)))
	if !prefer.Valid() {
		return mcp.NewToolResultError(fmt.Sprintf("unknown strategy %q", prefer)), nil
	}

	listings, err := h.client.ListServices(ctx, serviceType, maxPrice)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to discover services: %v", err)), nil
	}

	return mcp.NewToolResultText(formatListings(listings, prefer)), nil
}

// HandleCallService buys one service call under the session budget.
func (h *Handlers) HandleCallService(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	serviceType := req.GetString("service_type", "")
	if serviceType == "" {
		return mcp.NewToolResultError("service_type is required"), nil
	}

	sess, err := h.active(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}

	result, err := sess.CallService(ctx, session.ServiceRequest{
		ServiceType: serviceType,
		MaxPrice:    req.GetString("max_price", ""),
		Strategy:    discovery.Strategy(req.GetString("prefer", "")),
		Params:      objectArg(req, "params"),
	})
	if err != nil {
		return mcp.NewToolResultError(describeFailure("Service call", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Service: %s (%s)\n", result.Listing.ServiceName, result.Listing.AgentAddr)
	fmt.Fprintf(&sb, "Cost: %s USDC\n", result.AmountPaid)
	if result.Confirmed {
		sb.WriteString("Payment: Confirmed\n")
	} else {
		fmt.Fprintf(&sb, "Payment: Withheld, output looked empty (escrow ID: %s)\n", result.Escrow.ID)
		sb.WriteString("Use confirm_escrow to pay anyway or dispute_escrow for a refund.\n")
	}
	fmt.Fprintf(&sb, "Session remaining: %s USDC\n", sess.Remaining())
	fmt.Fprintf(&sb, "\nResult:\n%s", formatJSON(result.Output))

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleRunPipeline runs a multi-step purchase under one escrow lock.
func (h *Handlers) HandleRunPipeline(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	steps, err := parseSteps(req.GetArguments()["steps"])
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	sess, err := h.active(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}

	result, err := sess.Pipeline(ctx, steps)
	if err != nil {
		return mcp.NewToolResultError(describeFailure("Pipeline", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Pipeline completed: %d step(s), %s USDC total\n\n", len(result.Steps), result.TotalPaid)
	for i, step := range result.Steps {
		fmt.Fprintf(&sb, "Step %d: %s (%s USDC)\n", i+1, step.Listing.ServiceName, step.Amount)
	}
	fmt.Fprintf(&sb, "Session remaining: %s USDC\n", sess.Remaining())
	if n := len(result.Steps); n > 0 {
		fmt.Fprintf(&sb, "\nFinal output:\n%s", formatJSON(result.Steps[n-1].Output))
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandlePayAgent sends a direct signed transfer.
func (h *Handlers) HandlePayAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	recipient := req.GetString("recipient", "")
	if recipient == "" {
		return mcp.NewToolResultError("recipient is required"), nil
	}
	amount := req.GetString("amount", "")
	if amount == "" {
		return mcp.NewToolResultError("amount is required"), nil
	}

	sess, err := h.active(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}

	receipt, err := sess.Pay(ctx, recipient, amount)
	if err != nil {
		return mcp.NewToolResultError(describeFailure("Payment", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Paid %s USDC to %s\n"+
			"Tx: %s\n"+
			"Session remaining: %s USDC",
		receipt.Amount, receipt.To, receipt.TxHash, sess.Remaining())), nil
}

// HandleConfirmEscrow releases held funds to the seller.
func (h *Handlers) HandleConfirmEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}

	esc, err := h.client.ConfirmEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirm failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s confirmed.\n"+
			"%s USDC released to %s.",
		esc.ID, esc.Amount, esc.SellerAddr)), nil
}

// HandleDisputeEscrow disputes an escrow for a refund.
func (h *Handlers) HandleDisputeEscrow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	escrowID := req.GetString("escrow_id", "")
	if escrowID == "" {
		return mcp.NewToolResultError("escrow_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	sess, err := h.active(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}

	esc, err := h.client.GetEscrow(ctx, escrowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Escrow lookup failed: %v", err)), nil
	}

	disputed, err := sess.DisputeService(ctx, esc, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Escrow %s disputed.\n"+
			"Reason: %s\n"+
			"%s USDC refunded to your balance.",
		disputed.ID, reason, disputed.Amount)), nil
}

// HandleSessionStatus reports the session budget and its usage.
func (h *Handlers) HandleSessionStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	h.mu.Lock()
	sess := h.sess
	children := append([]*session.Session(nil), h.children...)
	h.mu.Unlock()

	if sess == nil {
		return mcp.NewToolResultText(fmt.Sprintf(
			"No session open yet. The first spending tool opens one with:\n"+
				"  Max total:  %s USDC\n"+
				"  Max per tx: %s USDC",
			h.budget.MaxTotal, h.budget.MaxPerTx)), nil
	}

	// Pull cascaded child spend from the authority before reporting.
	if _, err := sess.Refresh(ctx); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to refresh session: %v", err)), nil
	}

	budget := sess.Budget()
	var sb strings.Builder
	sb.WriteString("Spending session:\n")
	fmt.Fprintf(&sb, "  Key:        %s\n", sess.KeyID())
	fmt.Fprintf(&sb, "  State:      %s\n", sess.State())
	fmt.Fprintf(&sb, "  Max total:  %s USDC\n", budget.MaxTotal)
	fmt.Fprintf(&sb, "  Max per tx: %s USDC\n", budget.MaxPerTx)
	fmt.Fprintf(&sb, "  Spent:      %s USDC in %d transaction(s)\n", sess.Spent(), sess.TxCount())
	fmt.Fprintf(&sb, "  Remaining:  %s USDC\n", sess.Remaining())
	if len(budget.AllowedServiceTypes) > 0 {
		fmt.Fprintf(&sb, "  Services:   %s\n", strings.Join(budget.AllowedServiceTypes, ", "))
	}

	if len(children) > 0 {
		sb.WriteString("\nDelegated sessions:\n")
		for _, child := range children {
			cb := child.Budget()
			label := cb.Label
			if label == "" {
				label = child.KeyID()
			}
			fmt.Fprintf(&sb, "  %s: %s of %s USDC spent (%s)\n",
				label, child.Spent(), cb.MaxTotal, child.State())
		}
	}

	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDelegateBudget issues a child session inside the current one.
func (h *Handlers) HandleDelegateBudget(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	maxTotal := req.GetString("max_total", "")
	if maxTotal == "" {
		return mcp.NewToolResultError("max_total is required"), nil
	}

	expiresIn := time.Hour
	if v := req.GetString("expires_in", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid expires_in %q: %v", v, err)), nil
		}
		expiresIn = d
	}

	var serviceTypes []string
	if v := req.GetString("service_types", ""); v != "" {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				serviceTypes = append(serviceTypes, t)
			}
		}
	}

	sess, err := h.active(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to open session: %v", err)), nil
	}

	child, err := sess.Delegate(ctx, session.DelegateSpec{
		MaxTotal:            maxTotal,
		MaxPerTx:            req.GetString("max_per_tx", ""),
		ExpiresIn:           expiresIn,
		AllowedServiceTypes: serviceTypes,
		Label:               req.GetString("label", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(describeFailure("Delegation", err)), nil
	}

	h.mu.Lock()
	h.children = append(h.children, child)
	h.mu.Unlock()

	return mcp.NewToolResultText(fmt.Sprintf(
		"Delegated session created.\n"+
			"Child key: %s\n"+
			"Budget: %s USDC total, expires in %s\n"+
			"Child spend counts against this session's remaining %s USDC.",
		child.KeyID(), maxTotal, expiresIn, sess.Remaining())), nil
}

// --- Argument and formatting helpers ---

// objectArg extracts a JSON object argument as a map.
func objectArg(req mcp.CallToolRequest, name string) map[string]any {
	if raw := req.GetArguments()[name]; raw != nil {
		if m, ok := raw.(map[string]any); ok {
			return m
		}
	}
	return nil
}

// parseSteps converts the run_pipeline steps argument into pipeline
// steps, rewriting "$prev" and "$prev.field" marker strings into
// previous-output references.
func parseSteps(raw any) ([]session.PipelineStep, error) {
	items, ok := raw.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("steps must be a non-empty array of step objects")
	}

	steps := make([]session.PipelineStep, 0, len(items))
	for i, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("step %d is not an object", i+1)
		}
		serviceType, _ := m["service_type"].(string)
		if serviceType == "" {
			return nil, fmt.Errorf("step %d is missing service_type", i+1)
		}
		maxPrice, _ := m["max_price"].(string)

		var params map[string]any
		if p, ok := m["params"].(map[string]any); ok {
			params = make(map[string]any, len(p))
			for k, v := range p {
				params[k] = rewritePrev(v)
			}
		}

		steps = append(steps, session.PipelineStep{
			ServiceType: serviceType,
			MaxPrice:    maxPrice,
			Params:      params,
		})
	}
	return steps, nil
}

func rewritePrev(v any) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if s == "$prev" {
		return session.PrevOutput()
	}
	if field, ok := strings.CutPrefix(s, "$prev."); ok && field != "" {
		return session.Prev(field)
	}
	return v
}

// describeFailure turns a session error into tool output the LLM can
// act on, including where the funds ended up.
func describeFailure(op string, err error) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s failed: %v\n", op, err)

	var serr *session.Error
	if errors.As(err, &serr) {
		switch serr.FundsStatus {
		case session.FundsNoChange, session.FundsRefunded:
			sb.WriteString("No funds were lost.")
		case session.FundsHeldPending, session.FundsLockedInEscrow:
			sb.WriteString("Funds are held in escrow. Use dispute_escrow for a refund.")
		case session.FundsUnknown:
			sb.WriteString("The outcome is unknown. Use session_status to reconcile before retrying.")
		}
		if serr.Guidance != "" {
			fmt.Fprintf(&sb, "\n%s", serr.Guidance)
		}
		if serr.Kind == session.KindPipelineStepFailed {
			fmt.Fprintf(&sb, "\nStep %d failed. %s USDC was already paid to earlier sellers and %s USDC was refunded.",
				serr.FailedStep+1, serr.ConfirmedSum, serr.Refunded)
		}
	}
	return sb.String()
}

func formatListings(listings []discovery.Listing, strategy discovery.Strategy) string {
	if len(listings) == 0 {
		return "No services found matching your criteria."
	}

	ranked := append([]discovery.Listing(nil), listings...)
	if winner, err := discovery.Select(ranked, strategy); err == nil {
		// Put the strategy's pick first so the LLM sees the default choice.
		for i, l := range ranked {
			if l.ServiceID == winner.ServiceID {
				ranked[0], ranked[i] = ranked[i], ranked[0]
				break
			}
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d service(s):\n\n", len(ranked))
	for i, l := range ranked {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, l.ServiceName)
		fmt.Fprintf(&sb, "   Type: %s | Price: %s USDC\n", l.ServiceType, l.Price)
		fmt.Fprintf(&sb, "   Provider: %s\n", l.AgentAddr)
		if l.Reputation > 0 {
			fmt.Fprintf(&sb, "   Reputation: %.1f | Success: %.0f%%\n", l.Reputation, l.SuccessRate*100)
		}
		if i < len(ranked)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatJSON(raw json.RawMessage) string {
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		return string(raw)
	}
	return pretty.String()
}
