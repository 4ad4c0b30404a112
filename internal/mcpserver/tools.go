// Package mcpserver registers MCP tools that expose usage limits and
// stored accounts. It adapts the limits coordinator and credential store
// to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Limits is the part of the limits coordinator the tools read.
type Limits interface {
	Providers() []string
	Snapshot() map[string]*models.UsageLimits
	GetOrFetch(ctx context.Context, provider string) (*models.UsageLimits, error)
	RefreshAll(ctx context.Context) time.Time
	LastUpdate() time.Time
}

// Accounts lists stored accounts without their tokens.
type Accounts interface {
	GetAccounts(provider string) []models.AccountSummary
}

// RegisterTools adds all aicap tools to the given MCP server.
func RegisterTools(server *mcp.Server, lim Limits, accounts Accounts) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "limits_get",
		Description: "Get cached usage limits for every connected AI provider, or for one provider. Includes used percentages, window lengths and reset times. Does not contact providers unless nothing is cached.",
	}, getHandler(lim))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "limits_refresh",
		Description: "Fetch fresh usage limits from every provider, then return them. Concurrent refreshes share one round.",
	}, refreshHandler(lim))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "accounts_list",
		Description: "List stored provider accounts with their names and which one is active. Tokens are never returned.",
	}, accountsHandler(lim, accounts))
}

// --- Input types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// GetInput holds parameters for limits_get.
type GetInput struct {
	Provider string `json:"provider,omitempty" jsonschema:"provider name (openai or antigravity), defaults to all"`
}

// RefreshInput has no parameters.
type RefreshInput struct{}

// AccountsInput holds parameters for accounts_list.
type AccountsInput struct {
	Provider string `json:"provider,omitempty" jsonschema:"provider name, defaults to all"`
}

// --- Results ---

// LimitsResult is the payload of limits_get and limits_refresh.
type LimitsResult struct {
	Providers   map[string]*models.UsageLimits `json:"providers"`
	LastUpdated *time.Time                     `json:"last_updated"`
}

// AccountsResult is the payload of accounts_list.
type AccountsResult struct {
	Accounts []models.AccountSummary `json:"accounts"`
}

// --- Handlers ---
// Results carry their timestamps as time.Time, which has no useful
// inferred schema, so they are returned as text content only.

func getHandler(lim Limits) mcp.ToolHandlerFor[GetInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input GetInput) (*mcp.CallToolResult, any, error) {
		if input.Provider == "" {
			return textResult(limitsResult(lim, lim.Snapshot())), nil, nil
		}

		l, err := lim.GetOrFetch(ctx, input.Provider)
		if err != nil {
			return nil, nil, fmt.Errorf("%s: %w", input.Provider, err)
		}

		return textResult(limitsResult(lim, map[string]*models.UsageLimits{input.Provider: l})), nil, nil
	}
}

func refreshHandler(lim Limits) mcp.ToolHandlerFor[RefreshInput, any] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, _ RefreshInput) (*mcp.CallToolResult, any, error) {
		lim.RefreshAll(ctx)
		return textResult(limitsResult(lim, lim.Snapshot())), nil, nil
	}
}

func accountsHandler(lim Limits, accounts Accounts) mcp.ToolHandlerFor[AccountsInput, any] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input AccountsInput) (*mcp.CallToolResult, any, error) {
		providers := lim.Providers()
		if input.Provider != "" {
			providers = []string{input.Provider}
		}

		result := AccountsResult{Accounts: []models.AccountSummary{}}
		for _, p := range providers {
			result.Accounts = append(result.Accounts, accounts.GetAccounts(p)...)
		}

		return textResult(result), nil, nil
	}
}

func limitsResult(lim Limits, snapshot map[string]*models.UsageLimits) LimitsResult {
	result := LimitsResult{Providers: snapshot}

	if last := lim.LastUpdate(); !last.IsZero() {
		result.LastUpdated = &last
	}

	return result
}

// textResult builds a CallToolResult with JSON text content from any value.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
