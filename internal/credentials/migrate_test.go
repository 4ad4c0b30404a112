package credentials

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seqIDs(ids ...string) func() string {
	return func() string {
		id := ids[0]
		ids = ids[1:]

		return id
	}
}

func TestMigrate_LegacyLayout(t *testing.T) {
	raw := []byte(`{
		"openai": {"access_token": "a", "refresh_token": "r", "expires_at": 100},
		"antigravity": {"access_token": "g", "refresh_token": "gr", "expires_at": 200},
		"junk": 5
	}`)

	db, migrated, err := Migrate(raw, seqIDs("11111111", "22222222"))
	require.NoError(t, err)
	assert.True(t, migrated)
	require.Len(t, db.Accounts, 2)

	// providers are lifted in name order
	g := db.Accounts["11111111"]
	require.NotNil(t, g)
	assert.Equal(t, "antigravity", g.Provider)
	assert.Equal(t, "Account 1", g.Name)
	assert.Equal(t, "g", g.Tokens.AccessToken)

	o := db.Accounts["22222222"]
	require.NotNil(t, o)
	assert.Equal(t, "openai", o.Provider)
	assert.Equal(t, int64(100), o.Tokens.ExpiresAt)

	assert.Equal(t, "11111111", db.ActiveAccount)
}

func TestMigrate_LegacyIDCollision(t *testing.T) {
	raw := []byte(`{"a": {"access_token": "1"}, "b": {"access_token": "2"}}`)

	db, _, err := Migrate(raw, seqIDs("11111111", "11111111", "33333333"))
	require.NoError(t, err)
	assert.Contains(t, db.Accounts, "11111111")
	assert.Contains(t, db.Accounts, "33333333")
}

func TestMigrate_CurrentLayoutUntouched(t *testing.T) {
	raw := []byte(`{"accounts": {"abcdef01": {"provider": "codex", "name": "Main", "tokens": {"access_token": "a"}}}, "active_account": "abcdef01"}`)

	db, migrated, err := Migrate(raw, nil)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Equal(t, "abcdef01", db.ActiveAccount)
	assert.Equal(t, "abcdef01", db.Accounts["abcdef01"].ID)
}

func TestMigrate_DanglingActiveIsRepaired(t *testing.T) {
	raw := []byte(`{"accounts": {"abcdef01": {"provider": "codex", "name": "Main"}}, "active_account": "ffffffff"}`)

	db, _, err := Migrate(raw, nil)
	require.NoError(t, err)
	assert.Equal(t, "abcdef01", db.ActiveAccount)
}

func TestMigrate_EmptyObject(t *testing.T) {
	db, migrated, err := Migrate([]byte(`{}`), nil)
	require.NoError(t, err)
	assert.False(t, migrated)
	assert.Empty(t, db.Accounts)
	assert.Empty(t, db.ActiveAccount)
}

func TestMigrate_RejectsNonObject(t *testing.T) {
	_, _, err := Migrate([]byte(`[1,2]`), nil)
	assert.Error(t, err)

	_, _, err = Migrate([]byte(`{oops`), nil)
	assert.Error(t, err)
}

func TestLoad_MigratesAndPersists(t *testing.T) {
	s := testStore(t)
	s.newID = seqIDs("0000000a")

	legacy := append(append([]byte{}, testPrefix...), []byte(`{"openai": {"access_token": "a", "refresh_token": "r", "expires_at": 1}}`)...)
	require.NoError(t, os.WriteFile(s.Path(), legacy, 0o600))

	db := s.Load()
	require.Contains(t, db.Accounts, "0000000a")

	// second load reads the persisted new layout and needs no fresh id
	db = s.Load()
	assert.Equal(t, "0000000a", db.ActiveAccount)
}
