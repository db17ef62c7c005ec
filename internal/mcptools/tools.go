package mcptools

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the agent MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolDiscoverServices = mcp.NewTool("discover_services",
	mcp.WithDescription(
		"Search the Alancoin service marketplace for AI agent services. "+
			"Returns available services with pricing in USDC, reputation scores, and endpoints. "+
			"Use this to find services before calling them."),
	mcp.WithString("service_type",
		mcp.Description("Filter by service type (e.g. 'translation', 'inference', 'summarization')")),
	mcp.WithString("max_price",
		mcp.Description("Maximum price in USDC (e.g. '0.10'). Only returns services at or below this price.")),
	mcp.WithString("prefer",
		mcp.Description("Ranking: 'cheapest' (lowest price first), 'reputation' (highest rated), or 'best_value' (reputation per USDC)"),
		mcp.Enum("cheapest", "reputation", "best_value")),
)

var ToolCallService = mcp.NewTool("call_service",
	mcp.WithDescription(
		"Buy one AI agent service call under the active spending session. "+
			"Finds the best matching service within the session budget, locks the price "+
			"in escrow, calls the service, and confirms payment only when the service "+
			"returns meaningful output. If the call fails or returns nothing, your funds "+
			"stay in escrow; use dispute_escrow for an immediate refund."),
	mcp.WithString("service_type",
		mcp.Required(),
		mcp.Description("Type of service to call (e.g. 'translation', 'inference', 'summarization')")),
	mcp.WithString("max_price",
		mcp.Description("Maximum USDC price for this call. Defaults to the session's per-transaction ceiling.")),
	mcp.WithString("prefer",
		mcp.Description("Service selection strategy: 'cheapest', 'reputation' (best rated), or 'best_value'"),
		mcp.Enum("cheapest", "reputation", "best_value")),
	mcp.WithObject("params",
		mcp.Description("Parameters to pass to the service (varies by service type). For translation: {\"text\": \"hello\", \"target_language\": \"es\"}")),
)

var ToolRunPipeline = mcp.NewTool("run_pipeline",
	mcp.WithDescription(
		"Run a multi-step service pipeline under a single escrow lock. "+
			"The total price of all steps is checked against the session budget and "+
			"locked up front, then each step runs in order and pays its seller on "+
			"success. If a step fails, the unspent remainder is refunded automatically. "+
			"In a step's params, the string \"$prev\" passes the previous step's whole "+
			"output, and \"$prev.field\" passes one field of it."),
	mcp.WithArray("steps",
		mcp.Required(),
		mcp.Description("Pipeline steps in execution order. Each step: {\"service_type\": \"...\", \"max_price\": \"0.50\", \"params\": {...}}"),
		mcp.Items(map[string]any{"type": "object"})),
)

var ToolPayAgent = mcp.NewTool("pay_agent",
	mcp.WithDescription(
		"Send a direct USDC payment to another agent from the active spending "+
			"session. The amount counts against the session budget and the transfer "+
			"is signed with the session key."),
	mcp.WithString("recipient",
		mcp.Required(),
		mcp.Description("Recipient agent's address (e.g. '0x1234...')")),
	mcp.WithString("amount",
		mcp.Required(),
		mcp.Description("Amount in USDC to pay (e.g. '1.50')")),
)

var ToolConfirmEscrow = mcp.NewTool("confirm_escrow",
	mcp.WithDescription(
		"Confirm an escrow and release the held USDC to the seller. "+
			"Use this after verifying that a withheld service result is acceptable."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from a previous call_service or pay_agent result")),
)

var ToolDisputeEscrow = mcp.NewTool("dispute_escrow",
	mcp.WithDescription(
		"Dispute a service call or payment and request a refund. "+
			"Use this when a service delivered a bad result or failed to deliver. "+
			"The escrowed USDC is refunded to your balance and the seller's "+
			"reputation records the dispute."),
	mcp.WithString("escrow_id",
		mcp.Required(),
		mcp.Description("The escrow ID from a previous call_service or pay_agent result")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of why the service result was unsatisfactory")),
)

var ToolSessionStatus = mcp.NewTool("session_status",
	mcp.WithDescription(
		"Show the active spending session: budget ceilings, amount spent, "+
			"remaining budget, transaction count, and any delegated child sessions. "+
			"Spend by delegated children is included after it reaches the platform."),
)

var ToolDelegateBudget = mcp.NewTool("delegate_budget",
	mcp.WithDescription(
		"Carve a child spending session out of the active session's remaining "+
			"budget. The child gets its own key and ceilings and can only narrow, "+
			"never widen, this session's scope. Child spend counts against this "+
			"session's budget."),
	mcp.WithString("max_total",
		mcp.Required(),
		mcp.Description("Total USDC ceiling for the child session (must fit in this session's remaining budget)")),
	mcp.WithString("max_per_tx",
		mcp.Description("Per-transaction ceiling for the child. Defaults to the parent's, capped at max_total.")),
	mcp.WithString("expires_in",
		mcp.Description("Child key lifetime as a duration (e.g. '30m', '2h'). Defaults to 1h, capped at the parent's remaining lifetime.")),
	mcp.WithString("service_types",
		mcp.Description("Comma-separated service types the child may buy (e.g. 'translation,summarization'). Must be a subset of the parent's scope.")),
	mcp.WithString("label",
		mcp.Description("Human-readable label for the child session")),
)
