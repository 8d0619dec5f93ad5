// Package cesr implements the subset of the Composable Event Streaming
// Representation used by the witness: fixed-size qb64 primitives, attachment
// counters, and framing of JSON key event messages.
package cesr

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"witness/internal/domain"
)

const (
	CodeEd25519N    = "B"
	CodeEd25519     = "D"
	CodeBlake3_256  = "E"
	CodeBlake2b_256 = "F"
	CodeSHA3_256    = "H"
	CodeSHA2_256    = "I"
	CodeEd25519Sig  = "0B"
)

const (
	indexedCodeBoth    = "A"
	indexedCodeCurrent = "B"

	IndexedSigSize = 88
	CoupleSize     = 44 + 88
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

var (
	errUnknownCode = errors.New("unknown primitive code")
	errShort       = errors.New("primitive truncated")
)

var b64 = base64.RawURLEncoding

type matterSize struct {
	raw  int
	full int
}

var matterSizes = map[string]matterSize{
	CodeEd25519N:    {raw: 32, full: 44},
	CodeEd25519:     {raw: 32, full: 44},
	CodeBlake3_256:  {raw: 32, full: 44},
	CodeBlake2b_256: {raw: 32, full: 44},
	CodeSHA3_256:    {raw: 32, full: 44},
	CodeSHA2_256:    {raw: 32, full: 44},
	CodeEd25519Sig:  {raw: 64, full: 88},
}

// EncodePrimitive renders raw as a qb64 primitive. The code replaces the leading pad
// characters of the base64 text, so len(code) always equals the pad size.
func EncodePrimitive(code string, raw []byte) (string, error) {
	size, ok := matterSizes[code]
	if !ok {
		return "", fmt.Errorf("%w: %q", errUnknownCode, code)
	}
	if len(raw) != size.raw {
		return "", fmt.Errorf("code %s expects %d raw bytes, got %d", code, size.raw, len(raw))
	}
	return encodePadded(code, raw), nil
}

func encodePadded(code string, raw []byte) string {
	padded := make([]byte, len(code)+len(raw))
	copy(padded[len(code):], raw)
	return code + b64.EncodeToString(padded)[len(code):]
}

// DecodePrimitive parses the qb64 primitive at the start of text and returns its code, raw
// bytes and the number of characters consumed.
func DecodePrimitive(text string) (string, []byte, int, error) {
	if text == "" {
		return "", nil, 0, errShort
	}
	code := text[:1]
	if text[0] == '0' || text[0] == '1' {
		if len(text) < 2 {
			return "", nil, 0, errShort
		}
		code = text[:2]
	}
	size, ok := matterSizes[code]
	if !ok {
		return "", nil, 0, fmt.Errorf("%w: %q", errUnknownCode, code)
	}
	if len(text) < size.full {
		return "", nil, 0, errShort
	}
	raw, err := decodePadded(len(code), text[:size.full])
	if err != nil {
		return "", nil, 0, err
	}
	return code, raw, size.full, nil
}

func decodePadded(codeLen int, qb64 string) ([]byte, error) {
	padded, err := b64.DecodeString(strings.Repeat("A", codeLen) + qb64[codeLen:])
	if err != nil {
		return nil, fmt.Errorf("invalid base64 primitive: %w", err)
	}
	for _, b := range padded[:codeLen] {
		if b != 0 {
			return nil, errors.New("non-zero pad bits in primitive")
		}
	}
	return padded[codeLen:], nil
}

func EncodeIndexed(sig domain.IndexedSignature) (string, error) {
	if len(sig.Signature) != 64 {
		return "", fmt.Errorf("indexed signature expects 64 bytes, got %d", len(sig.Signature))
	}
	if sig.Index < 0 || sig.Index >= len(alphabet) {
		return "", fmt.Errorf("signature index %d out of range", sig.Index)
	}
	code := indexedCodeBoth
	if sig.CurrentOnly {
		code = indexedCodeCurrent
	}
	head := code + string(alphabet[sig.Index])
	return head + encodePadded("AA", sig.Signature)[2:], nil
}

func DecodeIndexed(text string) (domain.IndexedSignature, error) {
	if len(text) < IndexedSigSize {
		return domain.IndexedSignature{}, errShort
	}
	code := text[:1]
	if code != indexedCodeBoth && code != indexedCodeCurrent {
		return domain.IndexedSignature{}, fmt.Errorf("%w: indexed %q", errUnknownCode, code)
	}
	index := strings.IndexByte(alphabet, text[1])
	if index < 0 {
		return domain.IndexedSignature{}, fmt.Errorf("invalid signature index %q", text[1])
	}
	raw, err := decodePadded(2, text[:IndexedSigSize])
	if err != nil {
		return domain.IndexedSignature{}, err
	}
	return domain.IndexedSignature{
		Index:       index,
		CurrentOnly: code == indexedCodeCurrent,
		Signature:   raw,
	}, nil
}

func EncodeCouple(c domain.Couple) (string, error) {
	if _, _, n, err := DecodePrimitive(string(c.Signer)); err != nil || n != len(c.Signer) {
		return "", fmt.Errorf("%w: %q", domain.ErrInvalidPrefix, c.Signer)
	}
	sig, err := EncodePrimitive(CodeEd25519Sig, c.Signature)
	if err != nil {
		return "", err
	}
	return string(c.Signer) + sig, nil
}

func DecodeCouple(text string) (domain.Couple, error) {
	code, _, n, err := DecodePrimitive(text)
	if err != nil {
		return domain.Couple{}, err
	}
	if code != CodeEd25519N {
		return domain.Couple{}, fmt.Errorf("%w: receipt signer must be non-transferable, got %q", domain.ErrInvalidPrefix, code)
	}
	sigCode, sig, _, err := DecodePrimitive(text[n:])
	if err != nil {
		return domain.Couple{}, err
	}
	if sigCode != CodeEd25519Sig {
		return domain.Couple{}, fmt.Errorf("%w: couple signature %q", errUnknownCode, sigCode)
	}
	return domain.Couple{Signer: domain.Prefix(text[:n]), Signature: sig}, nil
}

// ParsePrefix validates the canonical text encoding of an identifier.
func ParsePrefix(text string) (domain.Prefix, error) {
	code, _, n, err := DecodePrimitive(text)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidPrefix, err)
	}
	if n != len(text) {
		return "", fmt.Errorf("%w: trailing characters", domain.ErrInvalidPrefix)
	}
	switch code {
	case CodeEd25519N, CodeEd25519, CodeBlake3_256, CodeBlake2b_256, CodeSHA3_256, CodeSHA2_256:
		return domain.Prefix(text), nil
	default:
		return "", fmt.Errorf("%w: code %q", domain.ErrInvalidPrefix, code)
	}
}

func IsDigestCode(code string) bool {
	switch code {
	case CodeBlake3_256, CodeBlake2b_256, CodeSHA3_256, CodeSHA2_256:
		return true
	}
	return false
}

func IsBasicCode(code string) bool {
	return code == CodeEd25519N || code == CodeEd25519
}
