package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleListPurchases lists purchases in one status.
func (h *Handlers) HandleListPurchases(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status := req.GetString("status", "PAID")
	limit := req.GetInt("limit", 100)

	raw, err := h.client.ListByStatus(ctx, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list purchases: %v", err)), nil
	}

	var resp struct {
		Purchases []purchaseView `json:"purchases"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchases: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPurchaseList(status, resp.Purchases)), nil
}

// HandleGetPurchase shows one purchase.
func (h *Handlers) HandleGetPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}

	raw, err := h.client.GetPurchase(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get purchase: %v", err)), nil
	}
	p, err := parsePurchase(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchase: %v", err)), nil
	}
	return mcp.NewToolResultText(formatPurchase(p)), nil
}

// HandleConfirmPurchase confirms a purchase.
func (h *Handlers) HandleConfirmPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}

	raw, err := h.client.Confirm(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Confirm failed: %v", err)), nil
	}
	p, err := parsePurchase(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchase: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Purchase %s confirmed.\n"+
			"%d coins moved from %s to %s.\n"+
			"Commission earned: %s %s",
		p.ID, p.CoinAmount, p.AgentID, p.BuyerID, p.Commission, p.Currency)), nil
}

// HandleRejectPurchase rejects a purchase.
func (h *Handlers) HandleRejectPurchase(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("purchase_id", "")
	if id == "" {
		return mcp.NewToolResultError("purchase_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	raw, err := h.client.Reject(ctx, id, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reject failed: %v", err)), nil
	}
	p, err := parsePurchase(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse purchase: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Purchase %s rejected.\n"+
			"Reason: %s\n"+
			"%d coins released back to %s.",
		p.ID, reason, p.CoinAmount, p.AgentID)), nil
}

// HandleAgentLedger shows an agent's balances.
func (h *Handlers) HandleAgentLedger(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.AgentLedger(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get ledger: %v", err)), nil
	}
	l, err := parseLedger(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger: %v", err)), nil
	}
	return mcp.NewToolResultText(formatLedger(l)), nil
}

// HandleFundAgent credits coins to an agent.
func (h *Handlers) HandleFundAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}
	coins := req.GetInt("coins", 0)
	if coins <= 0 {
		return mcp.NewToolResultError("coins must be a positive whole number"), nil
	}
	reference := req.GetString("reference", "")
	if reference == "" {
		return mcp.NewToolResultError("reference is required"), nil
	}

	raw, err := h.client.FundAgent(ctx, agentID, int64(coins), reference)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Funding failed: %v", err)), nil
	}
	var resp struct {
		Ledger  ledgerView `json:"ledger"`
		Applied bool       `json:"applied"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse ledger: %v", err)), nil
	}

	var sb strings.Builder
	if resp.Applied {
		fmt.Fprintf(&sb, "Credited %d coins to %s (reference %s).\n\n", coins, agentID, reference)
	} else {
		fmt.Fprintf(&sb, "Reference %s was already applied; nothing changed.\n\n", reference)
	}
	sb.WriteString(formatLedger(resp.Ledger))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleReconcileAgent checks an agent's locked balance.
func (h *Handlers) HandleReconcileAgent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	agentID := req.GetString("agent_id", "")
	if agentID == "" {
		return mcp.NewToolResultError("agent_id is required"), nil
	}

	raw, err := h.client.Reconcile(ctx, agentID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reconcile failed: %v", err)), nil
	}
	var resp struct {
		Result struct {
			TotalBalance  int64 `json:"totalBalance"`
			LockedBalance int64 `json:"lockedBalance"`
			ActiveHolds   int64 `json:"activeHolds"`
			Consistent    bool  `json:"consistent"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reconciliation: %v", err)), nil
	}
	r := resp.Result

	verdict := "CONSISTENT"
	if !r.Consistent {
		verdict = "MISMATCH"
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Reconciliation for %s: %s\n"+
			"  Total:        %d\n"+
			"  Locked:       %d\n"+
			"  Active holds: %d",
		agentID, verdict, r.TotalBalance, r.LockedBalance, r.ActiveHolds)), nil
}

// --- Formatting helpers ---

// purchaseView mirrors the fields of a purchase the tools print. Money
// values arrive as decimal strings.
type purchaseView struct {
	ID              string `json:"id"`
	BuyerID         string `json:"buyerId"`
	AgentID         string `json:"agentId"`
	CoinAmount      int64  `json:"coinAmount"`
	FiatAmount      string `json:"fiatAmount"`
	Currency        string `json:"currency"`
	PaymentMethod   string `json:"paymentMethod"`
	Status          string `json:"status"`
	Commission      string `json:"commission"`
	ConfirmedBy     string `json:"confirmedBy"`
	RejectionReason string `json:"rejectionReason"`
	ExpiresAt       string `json:"expiresAt"`
	Crypto          *struct {
		Symbol                string `json:"symbol"`
		WalletAddress         string `json:"walletAddress"`
		RequiredConfirmations int    `json:"requiredConfirmations"`
		TxHash                string `json:"txHash"`
	} `json:"crypto"`
}

type ledgerView struct {
	AgentID          string `json:"agentId"`
	TotalBalance     int64  `json:"totalBalance"`
	LockedBalance    int64  `json:"lockedBalance"`
	CommissionEarned string `json:"commissionEarned"`
}

func parsePurchase(raw json.RawMessage) (purchaseView, error) {
	var resp struct {
		Purchase *purchaseView `json:"purchase"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return purchaseView{}, err
	}
	if resp.Purchase == nil {
		return purchaseView{}, fmt.Errorf("no purchase in response: %s", string(raw))
	}
	return *resp.Purchase, nil
}

func parseLedger(raw json.RawMessage) (ledgerView, error) {
	var resp struct {
		Ledger *ledgerView `json:"ledger"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return ledgerView{}, err
	}
	if resp.Ledger == nil {
		return ledgerView{}, fmt.Errorf("no ledger in response: %s", string(raw))
	}
	return *resp.Ledger, nil
}

func formatPurchaseList(status string, purchases []purchaseView) string {
	if len(purchases) == 0 {
		return fmt.Sprintf("No %s purchases.", status)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d %s purchase(s):\n\n", len(purchases), status)
	for i, p := range purchases {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, p.ID)
		fmt.Fprintf(&sb, "   %d coins | %s %s | %s\n", p.CoinAmount, p.FiatAmount, p.Currency, p.PaymentMethod)
		fmt.Fprintf(&sb, "   Buyer: %s | Agent: %s\n", p.BuyerID, p.AgentID)
		if p.Crypto != nil && p.Crypto.TxHash != "" {
			fmt.Fprintf(&sb, "   Tx: %s (%s)\n", p.Crypto.TxHash, p.Crypto.Symbol)
		}
		if i < len(purchases)-1 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func formatPurchase(p purchaseView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Purchase %s\n", p.ID)
	fmt.Fprintf(&sb, "  Status:  %s\n", p.Status)
	fmt.Fprintf(&sb, "  Buyer:   %s\n", p.BuyerID)
	fmt.Fprintf(&sb, "  Agent:   %s\n", p.AgentID)
	fmt.Fprintf(&sb, "  Coins:   %d\n", p.CoinAmount)
	fmt.Fprintf(&sb, "  Price:   %s %s\n", p.FiatAmount, p.Currency)
	fmt.Fprintf(&sb, "  Method:  %s\n", p.PaymentMethod)
	if c := p.Crypto; c != nil {
		fmt.Fprintf(&sb, "  Crypto:  %s to %s (%d confirmations)\n", c.Symbol, c.WalletAddress, c.RequiredConfirmations)
		if c.TxHash != "" {
			fmt.Fprintf(&sb, "  Tx:      %s\n", c.TxHash)
		}
	}
	if p.ExpiresAt != "" {
		fmt.Fprintf(&sb, "  Expires: %s\n", p.ExpiresAt)
	}
	if p.ConfirmedBy != "" {
		fmt.Fprintf(&sb, "  Resolved by: %s (commission %s)\n", p.ConfirmedBy, p.Commission)
	}
	if p.RejectionReason != "" {
		fmt.Fprintf(&sb, "  Rejected: %s\n", p.RejectionReason)
	}
	return sb.String()
}

func formatLedger(l ledgerView) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Ledger for %s:\n", l.AgentID)
	fmt.Fprintf(&sb, "  Total:      %d coins\n", l.TotalBalance)
	fmt.Fprintf(&sb, "  Locked:     %d coins\n", l.LockedBalance)
	fmt.Fprintf(&sb, "  Available:  %d coins\n", l.TotalBalance-l.LockedBalance)
	fmt.Fprintf(&sb, "  Commission: %s\n", l.CommissionEarned)
	return sb.String()
}
