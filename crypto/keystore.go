package crypto

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

// SaveSignerKey encrypts the allowance signer key into an Ethereum v3
// keystore file at path. Parent directories are created with 0700.
func SaveSignerKey(path string, key *PrivateKey, passphrase string) error {
	switch {
	case key == nil || key.PrivateKey == nil:
		return errors.New("keystore: nil private key")
	case path == "":
		return errors.New("keystore: empty path")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// The keystore API only writes into a directory with a generated name,
	// so stage it and move the single file into place.
	staging, err := os.MkdirTemp(dir, ".signer-")
	if err != nil {
		return err
	}
	defer os.RemoveAll(staging)

	ks := keystore.NewKeyStore(staging, keystore.StandardScryptN, keystore.StandardScryptP)
	account, err := ks.ImportECDSA(key.PrivateKey, passphrase)
	if err != nil {
		return fmt.Errorf("keystore: import: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	if err := os.Rename(account.URL.Path, path); err != nil {
		return err
	}
	return os.Chmod(path, 0o600)
}

// LoadSignerKey decrypts a keystore file written by SaveSignerKey.
func LoadSignerKey(path, passphrase string) (*PrivateKey, error) {
	if path == "" {
		return nil, errors.New("keystore: empty path")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	decrypted, err := keystore.DecryptKey(raw, passphrase)
	if err != nil {
		return nil, fmt.Errorf("keystore: decrypt: %w", err)
	}
	return &PrivateKey{PrivateKey: decrypted.PrivateKey}, nil
}
