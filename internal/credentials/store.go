// Package credentials persists OAuth accounts in a single encrypted file.
// Every public operation is one load-mutate-save cycle under the store
// mutex; there is no multi-call transaction.
package credentials

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/alexjbarnes/aicap/internal/cryptostore"
	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"github.com/alexjbarnes/aicap/internal/models"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
)

const (
	// TokensFile is the encrypted account database inside the data dir.
	TokensFile = "tokens.enc"

	// LockFile guards load-mutate-save cycles across processes.
	LockFile = TokensFile + ".lock"

	idLen         = 8
	maxIDAttempts = 10
	filePerm      = 0o600
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}$`)

// ValidID reports whether id has the 8-lowercase-hex account id shape.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Cipher encrypts and decrypts the serialized database.
// *cryptostore.Store satisfies it.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(data []byte) ([]byte, error)
}

// Store owns the encrypted account database on disk. The mutex orders
// callers within this process; the lock file orders processes sharing
// the directory, such as the server and the accounts CLI.
type Store struct {
	mu     sync.Mutex
	dir    string
	path   string
	flock  *flock.Flock
	cipher Cipher
	logger *slog.Logger

	newID func() string
	now   func() time.Time

	// known is the sha256 of the file contents this Store last wrote or
	// already reported. Zero means "no file".
	known [sha256.Size]byte

	// external is set when a read finds contents this Store did not
	// write, and cleared when ChangedExternally reports it.
	external bool
}

// New returns a Store keeping tokens.enc in dir.
func New(dir string, c Cipher, logger *slog.Logger) *Store {
	s := &Store{
		dir:    dir,
		path:   filepath.Join(dir, TokensFile),
		flock:  flock.New(filepath.Join(dir, LockFile)),
		cipher: c,
		logger: logger,
		newID:  func() string { return uuid.NewString()[:idLen] },
		now:    time.Now,
	}
	s.known = s.diskHash()

	return s
}

// Path returns the location of the encrypted database.
func (s *Store) Path() string {
	return s.path
}

// Load returns the current database. It never fails: a missing, corrupt
// or undecryptable file yields an empty database.
func (s *Store) Load() *Database {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		s.logger.Warn("reading account database without file lock", slog.String("error", err.Error()))
	} else {
		defer unlock()
	}

	return s.load()
}

// lockFile takes the cross-process lock. Callers hold s.mu.
func (s *Store) lockFile() (func(), error) {
	if err := cryptostore.EnsureDir(s.dir); err != nil {
		return nil, err
	}

	if err := s.flock.Lock(); err != nil {
		return nil, fmt.Errorf("locking account database: %w", err)
	}

	return func() {
		if err := s.flock.Unlock(); err != nil {
			s.logger.Warn("failed to release account database lock", slog.String("error", err.Error()))
		}
	}, nil
}

func (s *Store) diskHash() [sha256.Size]byte {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return [sha256.Size]byte{}
	}

	return sha256.Sum256(data)
}

// observe records contents read from disk. Reads never clear a pending
// external change.
func (s *Store) observe(h [sha256.Size]byte) {
	if h != s.known {
		s.external = true
		s.known = h
	}
}

func (s *Store) load() *Database {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Error("failed to read account database", slog.String("error", err.Error()))
		}

		s.observe([sha256.Size]byte{})

		return NewDatabase()
	}

	s.observe(sha256.Sum256(data))

	plaintext, err := s.cipher.Decrypt(data)
	if err != nil {
		s.logger.Error("failed to decrypt account database, starting empty", slog.String("error", err.Error()))
		return NewDatabase()
	}

	db, migrated, err := Migrate(plaintext, s.newID)
	if err != nil {
		s.logger.Error("failed to parse account database, starting empty", slog.String("error", err.Error()))
		return NewDatabase()
	}

	if migrated {
		s.logger.Info("migrated legacy credentials", slog.Int("accounts", len(db.Accounts)))

		if err := s.save(db); err != nil {
			s.logger.Warn("migrated database not persisted", slog.String("error", err.Error()))
		}
	}

	return db
}

// Save encrypts and atomically replaces the database file. A non-nil
// error means nothing was persisted.
func (s *Store) Save(db *Database) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		return err
	}
	defer unlock()

	return s.save(db)
}

func (s *Store) save(db *Database) error {
	if err := cryptostore.EnsureDir(s.dir); err != nil {
		return err
	}

	data, err := json.Marshal(db)
	if err != nil {
		return fmt.Errorf("encoding account database: %w", err)
	}

	ciphertext, err := s.cipher.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypting account database: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, ".tokens-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}

	tmpPath := tmp.Name()

	if _, err := tmp.Write(ciphertext); err != nil {
		tmp.Close()
		os.Remove(tmpPath)

		return fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Chmod(tmpPath, filePerm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("setting permissions: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}

	s.known = sha256.Sum256(ciphertext)

	return nil
}

// update runs one load-mutate-save cycle. fn returning an error skips
// the save.
func (s *Store) update(fn func(db *Database) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		s.logger.Error("failed to lock account database", slog.String("error", err.Error()))
		return err
	}
	defer unlock()

	db := s.load()
	if err := fn(db); err != nil {
		return err
	}

	if err := s.save(db); err != nil {
		s.logger.Error("failed to save account database", slog.String("error", err.Error()))
		return err
	}

	return nil
}

// ChangedExternally reports whether another writer replaced the file
// since this Store last wrote it or last reported a change. Each change
// is reported once.
func (s *Store) ChangedExternally() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	unlock, err := s.lockFile()
	if err != nil {
		s.logger.Warn("checking account database without file lock", slog.String("error", err.Error()))
	} else {
		defer unlock()
	}

	s.observe(s.diskHash())

	changed := s.external
	s.external = false

	return changed
}

func (s *Store) uniqueID(db *Database) (string, error) {
	for range maxIDAttempts {
		id := s.newID()
		if !ValidID(id) {
			continue
		}

		if _, taken := db.Accounts[id]; !taken {
			return id, nil
		}
	}

	return "", fmt.Errorf("generating account id: no free id after %d attempts", maxIDAttempts)
}

func (s *Store) createIn(db *Database, provider string, tokens models.TokenSet, name string) (string, error) {
	id, err := s.uniqueID(db)
	if err != nil {
		return "", err
	}

	if name == "" {
		name = fmt.Sprintf("Account %d", len(db.Accounts)+1)
	}

	db.Accounts[id] = &models.Account{
		ID:        id,
		Provider:  provider,
		Name:      name,
		Tokens:    tokens,
		CreatedAt: s.now().UnixNano(),
	}

	if db.ActiveAccount == "" {
		db.ActiveAccount = id
	}

	return id, nil
}

// CreateAccount adds an account and returns its id. An empty name becomes
// "Account N". The first account becomes active.
func (s *Store) CreateAccount(provider string, tokens models.TokenSet, name string) (string, error) {
	var id string

	err := s.update(func(db *Database) error {
		var err error
		id, err = s.createIn(db, provider, tokens, name)

		return err
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("account created", slog.String("id", id), slog.String("provider", provider))

	return id, nil
}

// GetAccounts lists accounts in creation order, optionally filtered by
// provider.
func (s *Store) GetAccounts(provider string) []models.AccountSummary {
	db := s.Load()

	out := []models.AccountSummary{}

	for _, acc := range db.ordered() {
		if provider != "" && acc.Provider != provider {
			continue
		}

		out = append(out, models.AccountSummary{
			ID:       acc.ID,
			Provider: acc.Provider,
			Name:     acc.Name,
			IsActive: acc.ID == db.ActiveAccount,
		})
	}

	return out
}

// GetAccount returns a copy of the account with the given id.
func (s *Store) GetAccount(id string) (*models.Account, error) {
	db := s.Load()

	acc, ok := db.Accounts[id]
	if !ok {
		return nil, apperr.ErrAccountNotFound
	}

	cp := *acc

	return &cp, nil
}

// IsActive reports whether id is the active account.
func (s *Store) IsActive(id string) bool {
	return s.Load().ActiveAccount == id
}

// Count returns the number of stored accounts.
func (s *Store) Count() int {
	return len(s.Load().Accounts)
}

func (s *Store) mutateAccount(id string, fn func(db *Database, acc *models.Account)) error {
	return s.update(func(db *Database) error {
		acc, ok := db.Accounts[id]
		if !ok {
			return apperr.ErrAccountNotFound
		}

		fn(db, acc)

		return nil
	})
}

// SetActiveAccount marks id as the active account.
func (s *Store) SetActiveAccount(id string) error {
	return s.mutateAccount(id, func(db *Database, _ *models.Account) {
		db.ActiveAccount = id
	})
}

// UpdateAccountName renames an account.
func (s *Store) UpdateAccountName(id, name string) error {
	return s.mutateAccount(id, func(_ *Database, acc *models.Account) {
		acc.Name = name
	})
}

// UpdateAccountTokens replaces an account's token set.
func (s *Store) UpdateAccountTokens(id string, tokens models.TokenSet) error {
	return s.mutateAccount(id, func(_ *Database, acc *models.Account) {
		acc.Tokens = tokens
	})
}

// DeleteAccount removes an account. Deleting the active account promotes
// the earliest-created remaining account, or clears active when none is
// left.
func (s *Store) DeleteAccount(id string) error {
	err := s.update(func(db *Database) error {
		if _, ok := db.Accounts[id]; !ok {
			return apperr.ErrAccountNotFound
		}

		delete(db.Accounts, id)
		db.normalize()

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("account deleted", slog.String("id", id))

	return nil
}

// DeleteInactiveAccount removes an account unless it is the active one,
// in which case it returns errors.ErrAccountActive. The check and the
// delete happen in one cycle.
func (s *Store) DeleteInactiveAccount(id string) error {
	err := s.update(func(db *Database) error {
		if _, ok := db.Accounts[id]; !ok {
			return apperr.ErrAccountNotFound
		}

		if db.ActiveAccount == id {
			return apperr.ErrAccountActive
		}

		delete(db.Accounts, id)
		db.normalize()

		return nil
	})
	if err != nil {
		return err
	}

	s.logger.Info("account deleted", slog.String("id", id))

	return nil
}

// activeFor returns the active account when it belongs to provider,
// otherwise the earliest account for provider.
func activeFor(db *Database, provider string) *models.Account {
	if acc, ok := db.Accounts[db.ActiveAccount]; ok && acc.Provider == provider {
		return acc
	}

	for _, acc := range db.ordered() {
		if acc.Provider == provider {
			return acc
		}
	}

	return nil
}

// ActiveAccount returns a copy of the account used for provider.
func (s *Store) ActiveAccount(provider string) (*models.Account, error) {
	acc := activeFor(s.Load(), provider)
	if acc == nil {
		return nil, apperr.ErrAccountNotFound
	}

	cp := *acc

	return &cp, nil
}

// SaveTokens overwrites the tokens of provider's active account, creating
// an account when the provider has none.
func (s *Store) SaveTokens(provider string, tokens models.TokenSet) error {
	return s.update(func(db *Database) error {
		if acc := activeFor(db, provider); acc != nil {
			acc.Tokens = tokens
			return nil
		}

		_, err := s.createIn(db, provider, tokens, "")

		return err
	})
}

// GetTokens returns the tokens of provider's active account.
func (s *Store) GetTokens(provider string) (models.TokenSet, bool) {
	acc := activeFor(s.Load(), provider)
	if acc == nil {
		return models.TokenSet{}, false
	}

	return acc.Tokens, true
}

// DeleteTokens removes provider's active account. Having nothing to
// delete is not an error.
func (s *Store) DeleteTokens(provider string) error {
	return s.update(func(db *Database) error {
		acc := activeFor(db, provider)
		if acc == nil {
			return nil
		}

		delete(db.Accounts, acc.ID)
		db.normalize()

		return nil
	})
}

// HasTokens reports whether provider has a usable account.
func (s *Store) HasTokens(provider string) bool {
	_, ok := s.GetTokens(provider)
	return ok
}
