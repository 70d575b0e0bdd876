package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *EscrowClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *EscrowClient) *Handlers {
	return &Handlers{client: client}
}

// HandleGetTrade fetches one trade record.
func (h *Handlers) HandleGetTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.GetTrade(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get trade: %v", err)), nil
	}

	text, err := formatTrade(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trade: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleListTrades lists trades with optional filters.
func (h *Handlers) HandleListTrades(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	party := req.GetString("party", "")
	status := req.GetString("status", "")
	limit := req.GetInt("limit", 20)

	raw, err := h.client.ListTrades(ctx, party, status, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list trades: %v", err)), nil
	}

	text, err := formatTradeList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse trades: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleEscrowStatus returns the reconciled escrow view for a trade.
func (h *Handlers) HandleEscrowStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.EscrowStatus(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow status: %v", err)), nil
	}

	text, err := formatSnapshot(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleDeadlineRisk reports the pending step's deadline exposure.
func (h *Handlers) HandleDeadlineRisk(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}

	raw, err := h.client.EscrowStatus(ctx, tradeID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get escrow status: %v", err)), nil
	}

	text, err := formatDeadline(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse escrow status: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleAttachEvidence records a payment reference on a trade.
func (h *Handlers) HandleAttachEvidence(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	reference := req.GetString("reference", "")
	if reference == "" {
		return mcp.NewToolResultError("reference is required"), nil
	}

	raw, err := h.client.AttachEvidence(ctx, tradeID, reference)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to attach evidence: %v", err)), nil
	}

	var resp struct {
		Verified           bool   `json:"verified"`
		VerificationDetail string `json:"verification_detail"`
	}
	_ = json.Unmarshal(raw, &resp)

	var sb strings.Builder
	fmt.Fprintf(&sb, "Evidence attached to trade %s.\n", tradeID)
	fmt.Fprintf(&sb, "Reference: %s\n", reference)
	if resp.Verified {
		sb.WriteString("Verification: payment confirmed by provider\n")
	} else if resp.VerificationDetail != "" {
		fmt.Fprintf(&sb, "Verification: %s (advisory only, evidence still recorded)\n", resp.VerificationDetail)
	}
	sb.WriteString("\nThe buyer can now confirm payment on this trade.")
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleDisputeTrade escalates a trade to arbitration.
func (h *Handlers) HandleDisputeTrade(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	tradeID := req.GetString("trade_id", "")
	if tradeID == "" {
		return mcp.NewToolResultError("trade_id is required"), nil
	}
	reason := req.GetString("reason", "")
	if reason == "" {
		return mcp.NewToolResultError("reason is required"), nil
	}

	_, err := h.client.DisputeTrade(ctx, tradeID, reason)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Dispute failed: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf(
		"Trade %s is now disputed.\n"+
			"Reason: %s\n\n"+
			"An arbiter will review the dispute. Funds and bonds stay locked "+
			"in the contract until the ruling settles them.",
		tradeID, reason)), nil
}

// HandlePartyStats returns a party's trade history tally.
func (h *Handlers) HandlePartyStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	address := req.GetString("address", "")
	if address == "" {
		return mcp.NewToolResultError("address is required"), nil
	}

	raw, err := h.client.PartyStats(ctx, address)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get party stats: %v", err)), nil
	}

	text, err := formatStats(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse party stats: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type tradeInfo struct {
	ID          string `json:"id"`
	TokenSymbol string `json:"tokenSymbol"`
	ChainID     int64  `json:"chainId"`
	SellerAddr  string `json:"sellerAddr"`
	BuyerAddr   string `json:"buyerAddr"`
	Amount      string `json:"amount"`
	Status      string `json:"status"`
	TxHash      string `json:"txHash"`
}

func formatTrade(raw json.RawMessage) (string, error) {
	var resp struct {
		Trade tradeInfo `json:"trade"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	return tradeSummary(resp.Trade), nil
}

func tradeSummary(t tradeInfo) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade %s [%s]\n", t.ID, t.Status)
	fmt.Fprintf(&sb, "  %s %s on chain %d\n", t.Amount, t.TokenSymbol, t.ChainID)
	fmt.Fprintf(&sb, "  Seller: %s\n", t.SellerAddr)
	fmt.Fprintf(&sb, "  Buyer:  %s\n", t.BuyerAddr)
	if t.TxHash != "" {
		fmt.Fprintf(&sb, "  Last tx: %s\n", t.TxHash)
	}
	return sb.String()
}

func formatTradeList(raw json.RawMessage) (string, error) {
	var resp struct {
		Trades []tradeInfo `json:"trades"`
		Count  int         `json:"count"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Trades) == 0 {
		return "No trades found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d trade(s):\n\n", len(resp.Trades))
	for _, t := range resp.Trades {
		sb.WriteString(tradeSummary(t))
		sb.WriteString("\n")
	}
	return sb.String(), nil
}

type snapshotInfo struct {
	Trade         tradeInfo `json:"trade"`
	Authoritative string    `json:"authoritativeStatus"`
	Source        string    `json:"statusSource"`
	TokenConfig   *struct {
		Enabled        bool  `json:"enabled"`
		MakerFeeBps    int64 `json:"makerFeeBps"`
		TakerFeeBps    int64 `json:"takerFeeBps"`
		DisputeBondBps int64 `json:"disputeBondBps"`
	} `json:"tokenConfig"`
	Deadline *struct {
		Operation string `json:"operation"`
		ExpiresAt string `json:"expiresAt"`
		Expired   bool   `json:"expired"`
		Risk      string `json:"risk"`
	} `json:"deadline"`
	BondCredits string `json:"bondCredits"`
}

func formatSnapshot(raw json.RawMessage) (string, error) {
	var snap snapshotInfo
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade %s\n", snap.Trade.ID)
	fmt.Fprintf(&sb, "Authoritative status: %s (source: %s)\n", snap.Authoritative, snap.Source)
	if cfg := snap.TokenConfig; cfg != nil {
		fmt.Fprintf(&sb, "Token: enabled=%v makerFee=%dbps takerFee=%dbps disputeBond=%dbps\n",
			cfg.Enabled, cfg.MakerFeeBps, cfg.TakerFeeBps, cfg.DisputeBondBps)
	}
	if d := snap.Deadline; d != nil {
		state := "open"
		if d.Expired {
			state = "EXPIRED"
		}
		fmt.Fprintf(&sb, "Deadline: %s for %s at %s\n", state, d.Operation, d.ExpiresAt)
		if d.Risk != "" {
			fmt.Fprintf(&sb, "  %s\n", d.Risk)
		}
	} else {
		sb.WriteString("Deadline: none pending\n")
	}
	if snap.BondCredits != "" && snap.BondCredits != "0" {
		fmt.Fprintf(&sb, "Bond credits: %s\n", snap.BondCredits)
	}
	return sb.String(), nil
}

func formatDeadline(raw json.RawMessage) (string, error) {
	var snap snapshotInfo
	if err := json.Unmarshal(raw, &snap); err != nil {
		return "", err
	}

	if snap.Deadline == nil {
		return fmt.Sprintf(
			"Trade %s has no pending deadline (status: %s).",
			snap.Trade.ID, snap.Authoritative), nil
	}

	d := snap.Deadline
	var sb strings.Builder
	fmt.Fprintf(&sb, "Trade %s: %s must happen before %s.\n", snap.Trade.ID, d.Operation, d.ExpiresAt)
	if d.Expired {
		sb.WriteString("The window has EXPIRED.\n")
	}
	if d.Risk != "" {
		fmt.Fprintf(&sb, "Consequence: %s\n", d.Risk)
	}
	return sb.String(), nil
}

func formatStats(raw json.RawMessage) (string, error) {
	var resp struct {
		Stats struct {
			Address        string  `json:"address"`
			TradesTotal    int     `json:"tradesTotal"`
			Completed      int     `json:"completed"`
			Disputed       int     `json:"disputed"`
			Cancelled      int     `json:"cancelled"`
			Open           int     `json:"open"`
			CompletionRate float64 `json:"completionRate"`
		} `json:"stats"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}

	s := resp.Stats
	var sb strings.Builder
	fmt.Fprintf(&sb, "Party %s\n", s.Address)
	fmt.Fprintf(&sb, "  Trades: %d total (%d open)\n", s.TradesTotal, s.Open)
	fmt.Fprintf(&sb, "  Completed: %d, Disputed: %d, Cancelled: %d\n", s.Completed, s.Disputed, s.Cancelled)
	fmt.Fprintf(&sb, "  Completion rate: %.0f%%\n", s.CompletionRate*100)
	return sb.String(), nil
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}
