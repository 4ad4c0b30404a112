package state

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDB(t *testing.T) *State {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// --- LoadAt / Close ---

func TestLoadAt_CreatesDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "sub", FileName)
	s, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	info, err := os.Stat(dbPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadAt_ReopensExistingDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), FileName)
	at := time.Unix(1_700_000_000, 123)

	s1, err := LoadAt(dbPath)
	require.NoError(t, err)
	require.NoError(t, s1.SaveSnapshot(map[string]*models.UsageLimits{
		"codex": {Provider: "codex", IsAuthenticated: true},
	}, at))
	require.NoError(t, s1.Close())

	s2, err := LoadAt(dbPath)
	require.NoError(t, err)
	defer s2.Close()

	limits, got, err := s2.LoadSnapshot()
	require.NoError(t, err)
	assert.True(t, got.Equal(at))
	assert.Contains(t, limits, "codex")
}

// --- Snapshot ---

func TestLoadSnapshot_EmptyByDefault(t *testing.T) {
	s := testDB(t)

	limits, at, err := s.LoadSnapshot()
	require.NoError(t, err)
	assert.Empty(t, limits)
	assert.True(t, at.IsZero())
}

func TestSaveSnapshot_RoundTrip(t *testing.T) {
	s := testDB(t)

	reset := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	in := map[string]*models.UsageLimits{
		"codex": {
			Provider:           "codex",
			IsAuthenticated:    true,
			PlanType:           models.Ptr("plus"),
			PrimaryUsedPercent: models.Ptr(12.5),
			PrimaryResetAt:     &reset,
		},
		"antigravity": models.NewErrorLimits("antigravity", true, "Rate limited. Try again later."),
	}

	require.NoError(t, s.SaveSnapshot(in, time.Now()))

	out, _, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "plus", *out["codex"].PlanType)
	assert.InDelta(t, 12.5, *out["codex"].PrimaryUsedPercent, 0.001)
	assert.True(t, out["codex"].PrimaryResetAt.Equal(reset))
	assert.Equal(t, "Rate limited. Try again later.", *out["antigravity"].Error)
}

func TestSaveSnapshot_ReplacesPrevious(t *testing.T) {
	s := testDB(t)

	require.NoError(t, s.SaveSnapshot(map[string]*models.UsageLimits{
		"codex":       {Provider: "codex"},
		"antigravity": {Provider: "antigravity"},
	}, time.Now()))

	require.NoError(t, s.SaveSnapshot(map[string]*models.UsageLimits{
		"codex": {Provider: "codex", IsAuthenticated: true},
		"nil":   nil,
	}, time.Now()))

	out, _, err := s.LoadSnapshot()
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.True(t, out["codex"].IsAuthenticated)
}

// --- Cache ---

func TestCacheGet_NilWhenMissing(t *testing.T) {
	s := testDB(t)

	entry, err := s.CacheGet("missing")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCachePut_RoundTripAndOverwrite(t *testing.T) {
	s := testDB(t)
	at := time.Unix(1_700_000_000, 0).UTC()

	require.NoError(t, s.CachePut("k", []byte("first"), at))
	require.NoError(t, s.CachePut("k", []byte("second"), at.Add(time.Minute)))

	entry, err := s.CacheGet("k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "second", string(entry.Value))
	assert.True(t, entry.StoredAt.Equal(at.Add(time.Minute)))
}
