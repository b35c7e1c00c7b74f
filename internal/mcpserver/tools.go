package mcpserver

import "github.com/mark3labs/mcp-go/mcp"

// Tool definitions for the OCCR MCP server.
// Descriptions are what the LLM reads to decide which tool to use.

var ToolComputeScore = mcp.NewTool("compute_occr_score",
	mcp.WithDescription(
		"Compute an On-Chain Credit Risk (OCCR) score for a wallet snapshot you supply. "+
			"Returns the 0-1000 score (lower is safer), the tier A-D, the default probability, "+
			"and the five subscores. Nothing is stored."),
	mcp.WithObject("snapshot",
		mcp.Required(),
		mcp.Description("Wallet snapshot: {\"address\": \"0x...\", \"loanHistory\": [...], "+
			"\"currentPositions\": [...], \"transactions\": [...], \"holdingsUsd\": 0}")),
)

var ToolGetScore = mcp.NewTool("get_occr_score",
	mcp.WithDescription(
		"Get the most recent stored OCCR score for a wallet. "+
			"Use refresh_occr_score first if the wallet has never been scored."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
	mcp.WithBoolean("include_onchain",
		mcp.Description("Also read the score currently published on chain")),
)

var ToolGetHistory = mcp.NewTool("get_score_history",
	mcp.WithDescription(
		"List stored OCCR scores for a wallet, newest first, to see how its risk has moved."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
	mcp.WithNumber("limit",
		mcp.Description("Maximum number of scores to return (default 20)")),
)

var ToolRefreshScore = mcp.NewTool("refresh_occr_score",
	mcp.WithDescription(
		"Collect fresh data for a wallet, score it, and store the result. "+
			"Optionally publish the score to the on-chain scorer contract. Requires operator access."),
	mcp.WithString("address",
		mcp.Required(),
		mcp.Description("The wallet address (e.g. '0x1234...')")),
	mcp.WithBoolean("publish",
		mcp.Description("Push the new score on chain (default false)")),
)
