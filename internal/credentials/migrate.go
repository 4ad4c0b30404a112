package credentials

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/tidwall/gjson"
)

// Database is the entire decrypted credential state. ActiveAccount, when
// set, always keys an entry in Accounts.
type Database struct {
	Accounts      map[string]*models.Account `json:"accounts"`
	ActiveAccount string                     `json:"active_account,omitempty"`
}

// NewDatabase returns an empty database.
func NewDatabase() *Database {
	return &Database{Accounts: make(map[string]*models.Account)}
}

// ordered returns accounts by creation time, ties broken by id.
func (db *Database) ordered() []*models.Account {
	out := make([]*models.Account, 0, len(db.Accounts))
	for _, acc := range db.Accounts {
		out = append(out, acc)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}

		return out[i].ID < out[j].ID
	})

	return out
}

// normalize re-establishes the active-account invariant: a dangling
// ActiveAccount is replaced by the earliest remaining account, or cleared.
func (db *Database) normalize() {
	if db.ActiveAccount != "" {
		if _, ok := db.Accounts[db.ActiveAccount]; ok {
			return
		}
	}

	db.ActiveAccount = ""
	if accs := db.ordered(); len(accs) > 0 {
		db.ActiveAccount = accs[0].ID
	}
}

// Migrate decodes a plaintext database. The current multi-account shape
// is returned as-is (after normalization). The legacy shape, one token
// object per provider at the top level, is lifted into one account per
// provider with ids from newID. The boolean reports whether a legacy
// layout was converted.
func Migrate(raw []byte, newID func() string) (*Database, bool, error) {
	if !gjson.ValidBytes(raw) {
		return nil, false, fmt.Errorf("parsing account database: invalid JSON")
	}

	root := gjson.ParseBytes(raw)
	if !root.IsObject() {
		return nil, false, fmt.Errorf("parsing account database: top level is not an object")
	}

	if root.Get("accounts").Exists() {
		db := NewDatabase()
		if err := json.Unmarshal(raw, db); err != nil {
			return nil, false, fmt.Errorf("decoding account database: %w", err)
		}

		if db.Accounts == nil {
			db.Accounts = make(map[string]*models.Account)
		}

		for id, acc := range db.Accounts {
			if acc == nil {
				delete(db.Accounts, id)
				continue
			}

			acc.ID = id
		}

		db.normalize()

		return db, false, nil
	}

	type legacyEntry struct {
		provider string
		raw      string
	}

	var legacy []legacyEntry

	root.ForEach(func(key, value gjson.Result) bool {
		if value.IsObject() && value.Get("access_token").Exists() {
			legacy = append(legacy, legacyEntry{provider: key.String(), raw: value.Raw})
		}

		return true
	})

	sort.Slice(legacy, func(i, j int) bool { return legacy[i].provider < legacy[j].provider })

	db := NewDatabase()

	for i, entry := range legacy {
		var tokens models.TokenSet
		if err := json.Unmarshal([]byte(entry.raw), &tokens); err != nil {
			return nil, false, fmt.Errorf("decoding legacy %s tokens: %w", entry.provider, err)
		}

		id := newID()
		for attempts := 1; db.Accounts[id] != nil; attempts++ {
			if attempts >= maxIDAttempts {
				return nil, false, fmt.Errorf("generating account id: %d collisions", attempts)
			}

			id = newID()
		}

		db.Accounts[id] = &models.Account{
			ID:        id,
			Provider:  entry.provider,
			Name:      fmt.Sprintf("Account %d", i+1),
			Tokens:    tokens,
			CreatedAt: int64(i),
		}
	}

	db.normalize()

	return db, len(legacy) > 0, nil
}
