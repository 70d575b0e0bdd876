package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the escrow MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolGetTrade = mcp.NewTool("get_trade",
	mcp.WithDescription(
		"Fetch one trade record by ID. "+
			"Returns the parties, token, amount, stored lifecycle status, and timestamps."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade record ID (e.g. 'trd_abc123')")),
)

var ToolListTrades = mcp.NewTool("list_trades",
	mcp.WithDescription(
		"Browse trades on the escrow service. "+
			"Optionally filter by counterparty address or lifecycle status "+
			"(pending/funded/in_progress/disputed/completed/cancelled)."),
	mcp.WithString("party",
		mcp.Description("Filter by a party's address (matches seller or buyer)")),
	mcp.WithString("status",
		mcp.Description("Filter by lifecycle status"),
		mcp.Enum("pending", "funded", "in_progress", "disputed", "completed", "cancelled")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of trades to return (default 20)")),
)

var ToolEscrowStatus = mcp.NewTool("escrow_status",
	mcp.WithDescription(
		"Get the authoritative escrow view for a trade: the reconciled status "+
			"(on-chain truth wins over the stored record), the on-chain escrow "+
			"amounts and bonds, the token's fee configuration, and any pending "+
			"deadline. Use this before funding, confirming, or releasing."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade record ID")),
)

var ToolDeadlineRisk = mcp.NewTool("deadline_risk",
	mcp.WithDescription(
		"Check whether a trade's current step has a deadline, when it expires, "+
			"and which bond is forfeited if it lapses. "+
			"Deadlines never move a trade by themselves; the contract enforces "+
			"consequences when the next action is attempted."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade record ID")),
)

var ToolAttachEvidence = mcp.NewTool("attach_evidence",
	mcp.WithDescription(
		"Attach a fiat payment reference to a trade. The buyer must do this "+
			"before confirming payment; a Stripe PaymentIntent ID (pi_...) is "+
			"verified against the payment provider."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade record ID")),
	mcp.WithString("reference",
		mcp.Required(),
		mcp.Description("The payment reference (e.g. a Stripe PaymentIntent ID)")),
)

var ToolDisputeTrade = mcp.NewTool("dispute_trade",
	mcp.WithDescription(
		"Escalate a funded or in-progress trade to arbitration. "+
			"Either party may open a dispute; an arbiter resolves it and the "+
			"contract settles funds and bonds according to the ruling."),
	mcp.WithString("trade_id",
		mcp.Required(),
		mcp.Description("The trade record ID")),
	mcp.WithString("reason",
		mcp.Required(),
		mcp.Description("Explanation of what went wrong")),
)

var ToolPartyStats = mcp.NewTool("party_stats",
	mcp.WithDescription(
		"Get a party's trade history tally: totals, completions, disputes, "+
			"and completion rate. Use this to judge a counterparty before "+
			"taking a trade."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The party's address (e.g. '0x1234...')")),
)
