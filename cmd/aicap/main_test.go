package main

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/alexjbarnes/aicap/internal/credentials"
	"github.com/alexjbarnes/aicap/internal/cryptostore"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/logging"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var buf bytes.Buffer
	root := newRootCmd()
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)

	err := root.Execute()
	return buf.String(), err
}

// seed writes two openai accounts to dir and returns their ids. The
// first one is active.
func seed(t *testing.T, dir string) (string, string) {
	t.Helper()

	store := credentials.New(dir, cryptostore.New(dir), logging.Discard())

	first, err := store.CreateAccount("openai", models.TokenSet{AccessToken: "a1", RefreshToken: "r1"}, "Work")
	require.NoError(t, err)

	second, err := store.CreateAccount("openai", models.TokenSet{AccessToken: "a2", RefreshToken: "r2"}, "")
	require.NoError(t, err)

	return first, second
}

func reopen(dir string) *credentials.Store {
	return credentials.New(dir, cryptostore.New(dir), logging.Discard())
}

func TestSubcommands(t *testing.T) {
	root := newRootCmd()

	found := map[string]bool{}
	for _, c := range root.Commands() {
		found[c.Name()] = true
	}

	for _, name := range []string{"serve", "accounts", "version"} {
		assert.True(t, found[name], "missing subcommand %s", name)
	}
}

func TestVersion(t *testing.T) {
	orig := Version
	Version = "1.2.3-test"
	t.Cleanup(func() { Version = orig })

	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "aicap version 1.2.3-test\n", out)
}

func TestVersionFlag(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Equal(t, "aicap version "+Version+"\n", out)
}

func TestAccountsList_JSON(t *testing.T) {
	dir := t.TempDir()
	first, second := seed(t, dir)

	out, err := execute(t, "accounts", "list", "--data-dir", dir, "-o", "json")
	require.NoError(t, err)

	var got []models.AccountSummary
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, models.AccountSummary{ID: first, Provider: "openai", Name: "Work", IsActive: true}, got[0])
	assert.Equal(t, models.AccountSummary{ID: second, Provider: "openai", Name: "Account 2"}, got[1])
}

func TestAccountsList_YAML(t *testing.T) {
	dir := t.TempDir()
	first, _ := seed(t, dir)

	out, err := execute(t, "accounts", "list", "--data-dir", dir, "--output", "yaml")
	require.NoError(t, err)

	var got []models.AccountSummary
	require.NoError(t, yaml.Unmarshal([]byte(out), &got))
	require.Len(t, got, 2)
	assert.Equal(t, first, got[0].ID)
	assert.True(t, got[0].IsActive)
	assert.Contains(t, out, "is_active: true")
}

func TestAccountsList_Table(t *testing.T) {
	dir := t.TempDir()
	first, second := seed(t, dir)

	out, err := execute(t, "accounts", "list", "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "PROVIDER")
	assert.Contains(t, out, first)
	assert.Contains(t, out, second)
	assert.Contains(t, out, "Account 2")
}

func TestAccountsList_ProviderFilter(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	out, err := execute(t, "accounts", "list", "--data-dir", dir, "--provider", "antigravity", "-o", "json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestAccountsList_Empty(t *testing.T) {
	out, err := execute(t, "accounts", "list", "--data-dir", t.TempDir())
	require.NoError(t, err)
	assert.Contains(t, out, "No accounts found")
}

func TestAccountsList_BadOutput(t *testing.T) {
	_, err := execute(t, "accounts", "list", "--data-dir", t.TempDir(), "-o", "xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported output format")
}

func TestAccountsActivate(t *testing.T) {
	dir := t.TempDir()
	first, second := seed(t, dir)

	out, err := execute(t, "accounts", "activate", second, "--data-dir", dir)
	require.NoError(t, err)
	assert.Contains(t, out, second)

	store := reopen(dir)
	assert.True(t, store.IsActive(second))
	assert.False(t, store.IsActive(first))
}

func TestAccountsActivate_Unknown(t *testing.T) {
	dir := t.TempDir()
	seed(t, dir)

	_, err := execute(t, "accounts", "activate", "ffffffff", "--data-dir", dir)
	assert.ErrorIs(t, err, apperr.ErrAccountNotFound)
}

func TestAccountsActivate_InvalidID(t *testing.T) {
	_, err := execute(t, "accounts", "activate", "NOT-AN-ID", "--data-dir", t.TempDir())
	assert.ErrorIs(t, err, apperr.ErrInvalidAccountID)
}

func TestAccountsRename(t *testing.T) {
	dir := t.TempDir()
	_, second := seed(t, dir)

	_, err := execute(t, "accounts", "rename", second, "Personal", "--data-dir", dir)
	require.NoError(t, err)

	acc, err := reopen(dir).GetAccount(second)
	require.NoError(t, err)
	assert.Equal(t, "Personal", acc.Name)
}

func TestAccountsRename_EmptyName(t *testing.T) {
	dir := t.TempDir()
	first, _ := seed(t, dir)

	_, err := execute(t, "accounts", "rename", first, "", "--data-dir", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name must be")
}

func TestAccountsDelete(t *testing.T) {
	dir := t.TempDir()
	first, second := seed(t, dir)

	_, err := execute(t, "accounts", "delete", second, "--data-dir", dir)
	require.NoError(t, err)

	store := reopen(dir)
	assert.Equal(t, 1, store.Count())
	assert.True(t, store.IsActive(first))
}

func TestAccountsDelete_ActiveRefused(t *testing.T) {
	dir := t.TempDir()
	first, _ := seed(t, dir)

	_, err := execute(t, "accounts", "delete", first, "--data-dir", dir)
	assert.ErrorIs(t, err, apperr.ErrAccountActive)
	assert.Equal(t, 2, reopen(dir).Count())
}
