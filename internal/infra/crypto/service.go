package crypto

import (
	"crypto/ed25519"
	"errors"
	"fmt"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
)

type Service struct{}

func NewService() *Service {
	return &Service{}
}

// VerifyIndexed checks a controller signature against the key at its index.
func (s *Service) VerifyIndexed(keys []string, payload []byte, sig domain.IndexedSignature) error {
	if sig.Index < 0 || sig.Index >= len(keys) {
		return fmt.Errorf("%w: index %d outside %d keys", domain.ErrSignatureInvalid, sig.Index, len(keys))
	}
	pub, err := PublicKey(keys[sig.Index])
	if err != nil {
		return err
	}
	if err := verifyEd25519(pub, payload, sig.Signature); err != nil {
		return fmt.Errorf("%w: index %d: %v", domain.ErrSignatureInvalid, sig.Index, err)
	}
	return nil
}

// VerifyCouple checks a non-transferable signature; the signer prefix is the key.
func (s *Service) VerifyCouple(payload []byte, couple domain.Couple) error {
	code, raw, n, err := cesr.DecodePrimitive(string(couple.Signer))
	if err != nil || n != len(couple.Signer) {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPrefix, couple.Signer)
	}
	if code != cesr.CodeEd25519N {
		return fmt.Errorf("%w: signer %s is transferable", domain.ErrInvalidPrefix, couple.Signer)
	}
	if err := verifyEd25519(raw, payload, couple.Signature); err != nil {
		return fmt.Errorf("%w: signer %s: %v", domain.ErrSignatureInvalid, couple.Signer, err)
	}
	return nil
}

// PublicKey decodes a basic Ed25519 key primitive, transferable or not.
func PublicKey(qb64 string) (ed25519.PublicKey, error) {
	code, raw, n, err := cesr.DecodePrimitive(qb64)
	if err != nil || n != len(qb64) {
		return nil, fmt.Errorf("%w: %q", domain.ErrInvalidKey, qb64)
	}
	if !cesr.IsBasicCode(code) {
		return nil, fmt.Errorf("%w: unsupported key code %q", domain.ErrInvalidKey, code)
	}
	return ed25519.PublicKey(raw), nil
}

func NonTransferablePrefix(pub ed25519.PublicKey) (domain.Prefix, error) {
	text, err := cesr.EncodePrimitive(cesr.CodeEd25519N, pub)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidKey, err)
	}
	return domain.Prefix(text), nil
}

func verifyEd25519(pubKey, payload, sig []byte) error {
	if len(pubKey) != ed25519.PublicKeySize {
		return errors.New("invalid ed25519 public key length")
	}
	if len(sig) != ed25519.SignatureSize {
		return errors.New("invalid ed25519 signature length")
	}
	if !ed25519.Verify(pubKey, payload, sig) {
		return errors.New("signature verification failed")
	}
	return nil
}
