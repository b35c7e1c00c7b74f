package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/occr/internal/validation"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *OCCRClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *OCCRClient) *Handlers {
	return &Handlers{client: client}
}

func addressArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	addr := validation.SanitizeAddress(req.GetString("address", ""))
	if errs := validation.Validate(
		validation.Required("address", addr),
		validation.ValidAddress("address", addr),
	); len(errs) > 0 {
		return "", mcp.NewToolResultError(errs.Error())
	}
	return addr, nil
}

// HandleComputeScore scores a caller-supplied snapshot.
func (h *Handlers) HandleComputeScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	snap, ok := req.GetArguments()["snapshot"].(map[string]any)
	if !ok || len(snap) == 0 {
		return mcp.NewToolResultError("snapshot is required"), nil
	}

	raw, err := h.client.ComputeScore(ctx, snap)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to compute score: %v", err)), nil
	}

	text, err := formatScore("OCCR Score (not stored)", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetScore returns the latest stored score, optionally with the
// on-chain value.
func (h *Handlers) HandleGetScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := addressArg(req)
	if errResult != nil {
		return errResult, nil
	}

	raw, err := h.client.GetScore(ctx, addr)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get score: %v", err)), nil
	}
	text, err := formatScore("OCCR Score", raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}

	if req.GetBool("include_onchain", false) {
		onchain, err := h.client.GetOnchainScore(ctx, addr)
		if err != nil {
			text += fmt.Sprintf("\nOn-chain: unavailable (%v)\n", err)
		} else {
			text += formatOnchain(onchain)
		}
	}
	return mcp.NewToolResultText(text), nil
}

// HandleGetHistory lists stored scores.
func (h *Handlers) HandleGetHistory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := addressArg(req)
	if errResult != nil {
		return errResult, nil
	}
	limit := req.GetInt("limit", 20)

	raw, err := h.client.GetHistory(ctx, addr, limit)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}

	text, err := formatHistory(addr, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse history: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleRefreshScore rescores a wallet through the admin endpoint.
func (h *Handlers) HandleRefreshScore(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	addr, errResult := addressArg(req)
	if errResult != nil {
		return errResult, nil
	}
	publish := req.GetBool("publish", false)

	raw, err := h.client.RefreshScore(ctx, addr, publish)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to refresh score: %v", err)), nil
	}

	var resp struct {
		Record  json.RawMessage `json:"record"`
		Publish *struct {
			TxHash  string `json:"txHash"`
			Skipped bool   `json:"skipped"`
		} `json:"publish"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse refresh result: %v", err)), nil
	}

	text, err := formatRecord("OCCR Score (refreshed)", resp.Record)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse score: %v", err)), nil
	}
	switch {
	case resp.Publish == nil:
	case resp.Publish.Skipped:
		text += "\nOn-chain: already up to date, nothing sent\n"
	default:
		text += fmt.Sprintf("\nOn-chain: published in %s\n", resp.Publish.TxHash)
	}
	return mcp.NewToolResultText(text), nil
}

// --- formatting ---

// formatScore renders a {"score": record} response.
func formatScore(title string, raw json.RawMessage) (string, error) {
	var resp struct {
		Score json.RawMessage `json:"score"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Score) == 0 {
		return "", fmt.Errorf("no score in response: %s", string(raw))
	}
	return formatRecord(title, resp.Score)
}

func formatRecord(title string, raw json.RawMessage) (string, error) {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(title + ":\n")
	if v := getString(m, "address"); v != "" {
		fmt.Fprintf(&sb, "  Address: %s\n", v)
	}
	if v, ok := getFloat(m, "score"); ok {
		fmt.Fprintf(&sb, "  Score: %.0f / 1000 (lower is safer)\n", v)
	}
	if v := getString(m, "tier"); v != "" {
		fmt.Fprintf(&sb, "  Tier: %s\n", v)
	}
	if v, ok := getFloat(m, "probability"); ok {
		fmt.Fprintf(&sb, "  Default probability: %.2f%%\n", v*100)
	}
	if subs, ok := m["subscores"].(map[string]any); ok {
		sb.WriteString("  Subscores:\n")
		for _, k := range []string{"historical", "current", "utilization", "activity", "newCredit"} {
			if v, ok := getFloat(subs, k); ok {
				fmt.Fprintf(&sb, "    %-12s %.4f\n", k+":", v)
			}
		}
	}
	if v := getString(m, "asOf"); v != "" {
		fmt.Fprintf(&sb, "  As of: %s\n", v)
	}
	if v := getString(m, "txHash"); v != "" {
		fmt.Fprintf(&sb, "  Tx: %s\n", v)
	}
	return sb.String(), nil
}

func formatHistory(addr string, raw json.RawMessage) (string, error) {
	var resp struct {
		Scores  []map[string]any `json:"scores"`
		HasMore bool             `json:"hasMore"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Scores) == 0 {
		return fmt.Sprintf("No scores recorded for %s.", addr), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Score history for %s (%d, newest first):\n", addr, len(resp.Scores))
	for _, s := range resp.Scores {
		score, _ := getFloat(s, "score")
		fmt.Fprintf(&sb, "  %s  %4.0f  tier %s\n", getString(s, "createdAt"), score, getString(s, "tier"))
	}
	if resp.HasMore {
		sb.WriteString("Older records exist; raise the limit to see them.\n")
	}
	return sb.String(), nil
}

func formatOnchain(raw json.RawMessage) string {
	var resp struct {
		Onchain map[string]any `json:"onchain"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Onchain == nil {
		return "\nOn-chain: " + formatJSON(raw) + "\n"
	}
	score, _ := getFloat(resp.Onchain, "score")
	tier, _ := getFloat(resp.Onchain, "tier")
	return fmt.Sprintf("\nOn-chain: score %.0f, tier index %.0f, updated %s\n",
		score, tier, getString(resp.Onchain, "lastUpdated"))
}

func formatJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch s := v.(type) {
			case string:
				return s
			case float64:
				return fmt.Sprintf("%g", s)
			}
		}
	}
	return ""
}

func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
