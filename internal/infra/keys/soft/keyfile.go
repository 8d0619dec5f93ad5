package soft

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const keyFileMode = 0o600

// LoadOrCreateKeyFile reads a hex seed from path, generating and persisting one
// when the file does not exist yet.
func LoadOrCreateKeyFile(path string) (ed25519.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return GenerateKeyFile(path, false)
	}
	if err != nil {
		return nil, fmt.Errorf("read witness key file: %w", err)
	}
	key, err := readPrivateKeyHex(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("witness key file %s: %w", path, err)
	}
	return key, nil
}

// GenerateKeyFile writes a fresh seed to path. Without overwrite an existing file
// is an error.
func GenerateKeyFile(path string, overwrite bool) (ed25519.PrivateKey, error) {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate witness key: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create key directory: %w", err)
		}
	}
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if overwrite {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, keyFileMode)
	if err != nil {
		return nil, fmt.Errorf("create witness key file: %w", err)
	}
	if _, err := f.WriteString(hex.EncodeToString(key.Seed()) + "\n"); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write witness key file: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("close witness key file: %w", err)
	}
	return key, nil
}
