package mcpserver

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeLimits struct {
	cache     map[string]*models.UsageLimits
	last      time.Time
	refreshes atomic.Int32
}

func (f *fakeLimits) Providers() []string { return []string{"openai", "antigravity"} }

func (f *fakeLimits) Snapshot() map[string]*models.UsageLimits {
	out := make(map[string]*models.UsageLimits, len(f.cache))
	for k, v := range f.cache {
		out[k] = v.Clone()
	}

	return out
}

func (f *fakeLimits) GetOrFetch(_ context.Context, provider string) (*models.UsageLimits, error) {
	if provider != "openai" && provider != "antigravity" {
		return nil, apperr.ErrProviderNotFound
	}

	if l, ok := f.cache[provider]; ok {
		return l.Clone(), nil
	}

	return models.NewErrorLimits(provider, false, "Not authenticated"), nil
}

func (f *fakeLimits) RefreshAll(context.Context) time.Time {
	f.refreshes.Add(1)
	f.last = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	f.cache["antigravity"] = &models.UsageLimits{Provider: "antigravity", IsAuthenticated: true}

	return f.last
}

func (f *fakeLimits) LastUpdate() time.Time { return f.last }

type fakeAccounts map[string][]models.AccountSummary

func (f fakeAccounts) GetAccounts(provider string) []models.AccountSummary {
	return f[provider]
}

// testSetup registers tools on an MCP server and returns a connected
// client session for calling tools.
func testSetup(t *testing.T) (*mcp.ClientSession, *fakeLimits) {
	t.Helper()

	lim := &fakeLimits{cache: map[string]*models.UsageLimits{
		"openai": {Provider: "openai", IsAuthenticated: true, PrimaryUsedPercent: models.Ptr(42.0)},
	}}

	accounts := fakeAccounts{
		"openai": {
			{ID: "0123abcd", Provider: "openai", Name: "Work", IsActive: true},
			{ID: "89abcdef", Provider: "openai", Name: "Personal"},
		},
		"antigravity": {
			{ID: "deadbeef", Provider: "antigravity", Name: "Account 1", IsActive: false},
		},
	}

	server := mcp.NewServer(
		&mcp.Implementation{Name: "aicap-mcp-test", Version: "test"},
		nil,
	)
	RegisterTools(server, lim, accounts)

	ctx := context.Background()
	t1, t2 := mcp.NewInMemoryTransports()
	_, err := server.Connect(ctx, t1, nil)
	require.NoError(t, err)

	client := mcp.NewClient(
		&mcp.Implementation{Name: "test-client", Version: "test"},
		nil,
	)
	session, err := client.Connect(ctx, t2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { session.Close() })

	return session, lim
}

// callTool is a helper that calls a tool and returns the result.
func callTool(t *testing.T, session *mcp.ClientSession, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	require.NoError(t, err)

	return result
}

// extractJSON unmarshals the first text content from a CallToolResult.
func extractJSON(t *testing.T, result *mcp.CallToolResult, dest any) {
	t.Helper()
	require.NotEmpty(t, result.Content, "result has no content")
	tc, ok := result.Content[0].(*mcp.TextContent)
	require.True(t, ok, "first content is not TextContent")
	require.NoError(t, json.Unmarshal([]byte(tc.Text), dest))
}

func TestListTools(t *testing.T) {
	session, _ := testSetup(t)

	res, err := session.ListTools(context.Background(), nil)
	require.NoError(t, err)

	var names []string
	for _, tool := range res.Tools {
		names = append(names, tool.Name)
	}

	assert.ElementsMatch(t, []string{"limits_get", "limits_refresh", "accounts_list"}, names)
}

// --- limits_get ---

func TestLimitsGet_All(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "limits_get", nil)
	assert.False(t, result.IsError)

	var out LimitsResult
	extractJSON(t, result, &out)
	require.Contains(t, out.Providers, "openai")
	assert.InDelta(t, 42.0, *out.Providers["openai"].PrimaryUsedPercent, 0.001)
	assert.Nil(t, out.LastUpdated)
}

func TestLimitsGet_OneProvider(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "limits_get", map[string]any{"provider": "antigravity"})
	assert.False(t, result.IsError)

	var out LimitsResult
	extractJSON(t, result, &out)
	require.Len(t, out.Providers, 1)
	assert.False(t, out.Providers["antigravity"].IsAuthenticated)
	assert.Equal(t, "Not authenticated", *out.Providers["antigravity"].Error)
}

func TestLimitsGet_UnknownProvider(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "limits_get", map[string]any{"provider": "nope"})

	// Errors from ToolHandlerFor are returned as tool errors (IsError=true),
	// not protocol errors.
	assert.True(t, result.IsError)
}

// --- limits_refresh ---

func TestLimitsRefresh(t *testing.T) {
	session, lim := testSetup(t)
	result := callTool(t, session, "limits_refresh", nil)
	assert.False(t, result.IsError)
	assert.Equal(t, int32(1), lim.refreshes.Load())

	var out LimitsResult
	extractJSON(t, result, &out)
	assert.Len(t, out.Providers, 2)
	require.NotNil(t, out.LastUpdated)
	assert.Equal(t, 2026, out.LastUpdated.Year())
}

// --- accounts_list ---

func TestAccountsList_All(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "accounts_list", nil)
	assert.False(t, result.IsError)

	var out AccountsResult
	extractJSON(t, result, &out)
	require.Len(t, out.Accounts, 3)
	assert.Equal(t, "Work", out.Accounts[0].Name)
	assert.True(t, out.Accounts[0].IsActive)
	assert.Equal(t, "antigravity", out.Accounts[2].Provider)
}

func TestAccountsList_FilterAndEmpty(t *testing.T) {
	session, _ := testSetup(t)

	var out AccountsResult
	extractJSON(t, callTool(t, session, "accounts_list", map[string]any{"provider": "antigravity"}), &out)
	assert.Len(t, out.Accounts, 1)

	extractJSON(t, callTool(t, session, "accounts_list", map[string]any{"provider": "other"}), &out)
	assert.NotNil(t, out.Accounts)
	assert.Empty(t, out.Accounts)
}

func TestAccountsList_NoTokensInOutput(t *testing.T) {
	session, _ := testSetup(t)
	result := callTool(t, session, "accounts_list", nil)

	tc := result.Content[0].(*mcp.TextContent)
	assert.NotContains(t, tc.Text, "access_token")
	assert.NotContains(t, tc.Text, "refresh_token")
}
