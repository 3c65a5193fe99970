package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretStore keeps provider auth state under credentials/<provider>/ with
// 0600 file perms. It stands in for the OS keychain on hosts without one.
type SecretStore struct {
	root string
}

// NewSecretStore roots the store at <stateDir>/credentials.
func NewSecretStore(stateDir string) *SecretStore {
	return &SecretStore{root: filepath.Join(stateDir, "credentials")}
}

// Put writes a secret for provider under name.
func (s *SecretStore) Put(provider, name string, value []byte) error {
	dir := filepath.Join(s.root, sanitizeSegment(provider))
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create credentials dir: %w", err)
	}
	return writeFileAtomic(filepath.Join(dir, sanitizeSegment(name)), value, 0o600)
}

// Get reads a secret; missing secrets return os.ErrNotExist.
func (s *SecretStore) Get(provider, name string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.root, sanitizeSegment(provider), sanitizeSegment(name)))
}

// Exists reports whether a secret is present.
func (s *SecretStore) Exists(provider, name string) bool {
	_, err := os.Stat(filepath.Join(s.root, sanitizeSegment(provider), sanitizeSegment(name)))
	return err == nil
}

// Delete removes a secret.
func (s *SecretStore) Delete(provider, name string) error {
	err := os.Remove(filepath.Join(s.root, sanitizeSegment(provider), sanitizeSegment(name)))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func sanitizeSegment(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
