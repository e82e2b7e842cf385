package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the purchase admin MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolListPurchases = mcp.NewTool("list_purchases",
	mcp.WithDescription(
		"List Charity Coin purchase requests in one status across all agents. "+
			"Defaults to PAID, the requests waiting for someone to confirm the payment arrived."),
	mcp.WithString("status",
		mcp.Description("Status to list"),
		mcp.Enum("PENDING", "ESCROW_LOCKED", "PAID", "CONFIRMED", "REJECTED", "CANCELLED", "EXPIRED")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of purchases to return (default 100)")),
)

var ToolGetPurchase = mcp.NewTool("get_purchase",
	mcp.WithDescription(
		"Show one purchase request: buyer, agent, coins, fiat price, payment method, "+
			"crypto transaction details and current status."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("The purchase ID (e.g. 'pur_...')")),
)

var ToolConfirmPurchase = mcp.NewTool("confirm_purchase",
	mcp.WithDescription(
		"Confirm that the buyer's payment was received. The escrowed coins move to the buyer "+
			"and the agent earns commission. Crypto purchases can only be confirmed by an admin. "+
			"This cannot be undone."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("The purchase ID to confirm")),
)

var ToolRejectPurchase = mcp.NewTool("reject_purchase",
	mcp.WithDescription(
		"Reject a purchase whose payment never arrived or was invalid. "+
			"The escrowed coins are released back to the agent."),
	mcp.WithString("purchase_id",
		mcp.Required(),
		mcp.Description("The purchase ID to reject")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Why the purchase is rejected; shown to the buyer")),
)

var ToolAgentLedger = mcp.NewTool("agent_ledger",
	mcp.WithDescription(
		"Show an agent's coin balances: total, locked in escrow, available, and commission earned."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's ID")),
)

var ToolFundAgent = mcp.NewTool("fund_agent",
	mcp.WithDescription(
		"Credit Charity Coins to an agent's inventory. "+
			"The reference makes the call safe to repeat: a reference that was already applied changes nothing."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's ID")),
	mcp.WithNumber("coins",
		mcp.Required(),
		mcp.Description("Whole number of coins to credit")),
	mcp.WithString("reference",
		mcp.Required(),
		mcp.Description("Unique reference for this credit, e.g. an invoice number")),
)

var ToolReconcileAgent = mcp.NewTool("reconcile_agent",
	mcp.WithDescription(
		"Check that an agent's locked balance equals the sum of its active escrow holds."),
	mcp.WithString("agent_id",
		mcp.Required(),
		mcp.Description("The agent's ID")),
)
