package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opd-ai/hushbox/crypto"
)

// saltFileName is the derivation salt's fixed location inside the data
// directory. The salt is deliberately stored in cleartext: it is not a
// secret, it only binds key derivation to this installation. Losing it
// makes the account unrecoverable even with the correct secret.
const saltFileName = "derivation.salt"

// SaltPath returns the salt file location for a data directory.
func SaltPath(dir string) string {
	return filepath.Join(dir, saltFileName)
}

// LoadOrCreateSalt reads the persisted derivation salt, generating and
// persisting a fresh one on first use.
func LoadOrCreateSalt(dir string) ([]byte, error) {
	path := SaltPath(dir)

	salt, err := os.ReadFile(path)
	if err == nil {
		if len(salt) != crypto.SaltSize {
			return nil, fmt.Errorf("%w: salt file has %d bytes (want %d)",
				ErrStorageCorrupted, len(salt), crypto.SaltSize)
		}
		return salt, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read salt file: %w", err)
	}

	salt, err = crypto.GenerateSalt()
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to create salt file: %w", err)
	}
	if _, err := f.Write(salt); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write salt file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, err
	}

	return salt, nil
}
