// Package cryptostore derives a machine-bound key and encrypts opaque
// blobs with it. The key is derived from a host fingerprint and a random
// salt persisted next to the data; the key itself is never written out.
package cryptostore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"sync"

	apperr "github.com/alexjbarnes/aicap/internal/errors"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	// SaltFile is the salt filename inside the storage directory.
	SaltFile = ".salt"

	// Iterations is the PBKDF2-HMAC-SHA256 work factor.
	Iterations = 480000

	saltLen = 32
	keyLen  = 32

	// formatV1 prefixes every ciphertext: [version][12-byte nonce][ciphertext+tag].
	formatV1 byte = 1

	dirPerm  = fs.FileMode(0o700)
	filePerm = fs.FileMode(0o600)
)

// Store encrypts and decrypts blobs under a key derived on first use.
type Store struct {
	dir         string
	fingerprint func() []byte
	iterations  int

	mu  sync.Mutex
	gcm cipher.AEAD
}

// New returns a Store keeping its salt in dir.
func New(dir string) *Store {
	return &Store{
		dir:         dir,
		fingerprint: MachineFingerprint,
		iterations:  Iterations,
	}
}

// Dir returns the storage directory.
func (s *Store) Dir() string {
	return s.dir
}

// EnsureDir creates the storage directory with owner-only permissions.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating storage directory: %w", err)
	}

	// MkdirAll leaves existing directories alone; tighten them too.
	if err := os.Chmod(dir, dirPerm); err != nil {
		return fmt.Errorf("restricting storage directory: %w", err)
	}

	return nil
}

// MachineFingerprint hashes stable host and user identifiers. The result
// ties the derived key to this machine and account.
func MachineFingerprint() []byte {
	hostname, _ := os.Hostname()
	if v := os.Getenv("COMPUTERNAME"); v != "" {
		hostname = v
	}

	username := os.Getenv("USERNAME")
	if username == "" {
		if u, err := user.Current(); err == nil {
			username = u.Username
		}
	}

	home, _ := os.UserHomeDir()

	parts := []string{
		hostname,
		username,
		os.Getenv("USERDOMAIN"),
		home,
	}
	for i, p := range parts {
		parts[i] = norm.NFKC.String(p)
	}

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))

	return sum[:]
}

// saltOrCreate reads the salt file, creating a fresh random salt when it
// does not exist yet.
func (s *Store) saltOrCreate() ([]byte, error) {
	if err := EnsureDir(s.dir); err != nil {
		return nil, err
	}

	path := filepath.Join(s.dir, SaltFile)

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != saltLen {
			return nil, fmt.Errorf("salt file has %d bytes, want %d", len(salt), saltLen)
		}

		return salt, nil
	}

	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading salt: %w", err)
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}

	// O_EXCL so two processes racing on first start cannot both win.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, filePerm)
	if err != nil {
		if os.IsExist(err) {
			return s.saltOrCreate()
		}

		return nil, fmt.Errorf("creating salt file: %w", err)
	}

	if _, err := f.Write(salt); err != nil {
		f.Close()
		os.Remove(path)

		return nil, fmt.Errorf("writing salt: %w", err)
	}

	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("closing salt file: %w", err)
	}

	return salt, nil
}

// DeriveKey returns the 32-byte key for this machine and salt. The same
// machine and salt always produce the same key.
func (s *Store) DeriveKey() ([]byte, error) {
	salt, err := s.saltOrCreate()
	if err != nil {
		return nil, err
	}

	return pbkdf2.Key(s.fingerprint(), salt, s.iterations, keyLen, sha256.New), nil
}

func (s *Store) aead() (cipher.AEAD, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gcm != nil {
		return s.gcm, nil
	}

	key, err := s.DeriveKey()
	if err != nil {
		return nil, err
	}
	defer zero(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating AES cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}

	s.gcm = gcm

	return gcm, nil
}

// Encrypt seals plaintext with a random nonce.
func (s *Store) Encrypt(plaintext []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, 1+len(nonce)+len(plaintext)+gcm.Overhead())
	out = append(out, formatV1)
	out = append(out, nonce...)

	return gcm.Seal(out, nonce, plaintext, []byte{formatV1}), nil
}

// Decrypt opens data produced by Encrypt. Any failure wraps
// errors.ErrInvalidToken and returns no plaintext.
func (s *Store) Decrypt(data []byte) ([]byte, error) {
	gcm, err := s.aead()
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < 1+nonceSize+gcm.Overhead() {
		return nil, fmt.Errorf("%w: ciphertext too short (%d bytes)", apperr.ErrInvalidToken, len(data))
	}

	if data[0] != formatV1 {
		return nil, fmt.Errorf("%w: unknown format version %d", apperr.ErrInvalidToken, data[0])
	}

	nonce := data[1 : 1+nonceSize]

	plaintext, err := gcm.Open(nil, nonce, data[1+nonceSize:], data[:1])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidToken, err)
	}

	return plaintext, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
