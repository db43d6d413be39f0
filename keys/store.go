package keys

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Store keeps raw Ed25519 seeds on the local filesystem, one file per
// named signer. It backs the CLI's keygen and pack signing. Seeds are
// written with 0600 permissions and never leave the machine.
type Store struct {
	dir string
}

// DefaultDir is the per-user seed directory, ~/.warden/keys.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".warden", "keys"), nil
}

// Open prepares a store rooted at dir. An empty dir falls back to
// DefaultDir. The directory itself is created on first Generate.
func Open(dir string) (*Store, error) {
	if dir == "" {
		var err error
		dir, err = DefaultDir()
		if err != nil {
			return nil, err
		}
	}
	return &Store{dir: dir}, nil
}

// Dir returns the store's directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) seedPath(name string) string {
	return filepath.Join(s.dir, name+".seed")
}

func checkName(name string) error {
	if name == "" {
		return fmt.Errorf("key name is required")
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			continue
		}
		return fmt.Errorf("key name %q contains invalid character %q", name, r)
	}
	return nil
}

// Generate stores seed under name and returns the signing-key string and
// the seed file path. An existing seed is preserved unless overwrite is
// set.
func (s *Store) Generate(name string, seed []byte, overwrite bool) (signingKey, path string, err error) {
	if err := checkName(name); err != nil {
		return "", "", err
	}
	if len(seed) != ed25519.SeedSize {
		return "", "", fmt.Errorf("seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return "", "", fmt.Errorf("create key directory: %w", err)
	}
	path = s.seedPath(name)
	flags := os.O_WRONLY | os.O_CREATE
	if overwrite {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if err != nil {
		return "", "", err
	}
	if _, err := f.WriteString(hex.EncodeToString(seed) + "\n"); err != nil {
		_ = f.Close()
		return "", "", err
	}
	if err := f.Close(); err != nil {
		return "", "", err
	}
	return SigningKeyFromSeed(seed), path, nil
}

// Seed loads the stored seed for name.
func (s *Store) Seed(name string) ([]byte, error) {
	if err := checkName(name); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(s.seedPath(name))
	if err != nil {
		return nil, err
	}
	return ParseSeedHex(strings.TrimSpace(string(raw)))
}

// SigningKey returns the signing-key string for a stored seed.
func (s *Store) SigningKey(name string) (string, error) {
	seed, err := s.Seed(name)
	if err != nil {
		return "", err
	}
	return SigningKeyFromSeed(seed), nil
}
