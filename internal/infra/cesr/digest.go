package cesr

import (
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"
	"lukechampine.com/blake3"
)

// DefaultDigestCode is used for every SAID the witness computes itself.
const DefaultDigestCode = CodeBlake3_256

func rawDigest(code string, data []byte) ([]byte, error) {
	switch code {
	case CodeBlake3_256:
		sum := blake3.Sum256(data)
		return sum[:], nil
	case CodeBlake2b_256:
		sum := blake2b.Sum256(data)
		return sum[:], nil
	case CodeSHA3_256:
		sum := sha3.Sum256(data)
		return sum[:], nil
	case CodeSHA2_256:
		sum := sha256.Sum256(data)
		return sum[:], nil
	default:
		return nil, fmt.Errorf("%w: digest %q", errUnknownCode, code)
	}
}

// Digest returns the qb64 digest of data under the given digest code.
func Digest(code string, data []byte) (string, error) {
	raw, err := rawDigest(code, data)
	if err != nil {
		return "", err
	}
	return EncodePrimitive(code, raw)
}

// DigestLen is the qb64 length of a digest code.
func DigestLen(code string) int {
	if size, ok := matterSizes[code]; ok && IsDigestCode(code) {
		return size.full
	}
	return 0
}
