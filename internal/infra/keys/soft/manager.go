// Package soft holds the witness signing key in process memory.
package soft

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"witness/internal/config"
	"witness/internal/domain"
	"witness/internal/infra/crypto"
)

// Manager owns the witness keypair. The private key never leaves it.
type Manager struct {
	key       ed25519.PrivateKey
	prefix    domain.Prefix
	ephemeral bool
}

func NewManager(key ed25519.PrivateKey) (*Manager, error) {
	if len(key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: ed25519 private key length %d", domain.ErrInvalidKey, len(key))
	}
	key = append(ed25519.PrivateKey(nil), key...)
	prefix, err := crypto.NonTransferablePrefix(key.Public().(ed25519.PublicKey))
	if err != nil {
		return nil, err
	}
	return &Manager{key: key, prefix: prefix}, nil
}

// NewManagerFromConfig loads the witness key from a configured seed, then from the
// key file (created on first use), and otherwise generates an ephemeral key.
func NewManagerFromConfig(cfg config.Config) (*Manager, error) {
	if cfg.WitnessKeySeedHex != "" {
		key, err := readPrivateKeyHex(cfg.WitnessKeySeedHex)
		if err != nil {
			return nil, fmt.Errorf("WITNESS_KEY_SEED_HEX: %w", err)
		}
		return NewManager(key)
	}
	if cfg.WitnessKeySeedBase64 != "" {
		key, err := readPrivateKeyBase64(cfg.WitnessKeySeedBase64)
		if err != nil {
			return nil, fmt.Errorf("WITNESS_KEY_SEED_BASE64: %w", err)
		}
		return NewManager(key)
	}
	if cfg.WitnessKeyFile != "" {
		key, err := LoadOrCreateKeyFile(cfg.WitnessKeyFile)
		if err != nil {
			return nil, err
		}
		return NewManager(key)
	}
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate witness key: %w", err)
	}
	m, err := NewManager(key)
	if err != nil {
		return nil, err
	}
	m.ephemeral = true
	return m, nil
}

func (m *Manager) Sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if m == nil || len(m.key) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("%w: witness key not loaded", domain.ErrSigning)
	}
	return ed25519.Sign(m.key, payload), nil
}

func (m *Manager) PublicKey() ed25519.PublicKey {
	return append(ed25519.PublicKey(nil), m.key.Public().(ed25519.PublicKey)...)
}

// Prefix is the witness's non-transferable identifier.
func (m *Manager) Prefix() domain.Prefix {
	return m.prefix
}

// Ephemeral reports whether the key was generated for this process only.
func (m *Manager) Ephemeral() bool {
	return m.ephemeral
}

func readPrivateKeyBase64(value string) (ed25519.PrivateKey, error) {
	raw, err := base64.StdEncoding.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	return parsePrivateKey(raw)
}

func readPrivateKeyHex(value string) (ed25519.PrivateKey, error) {
	raw, err := hex.DecodeString(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	return parsePrivateKey(raw)
}

func parsePrivateKey(raw []byte) (ed25519.PrivateKey, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return ed25519.NewKeyFromSeed(raw), nil
	case ed25519.PrivateKeySize:
		return ed25519.PrivateKey(raw), nil
	default:
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidKey, errors.New("invalid ed25519 private key length"))
	}
}
