package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"witness/internal/domain"
)

var errDBUnavailable = errors.New("db unavailable")

func copyBytes(in []byte) []byte {
	if in == nil {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func encodeKeys(keys []string) ([]byte, error) {
	if keys == nil {
		keys = []string{}
	}
	raw, err := json.Marshal(keys)
	if err != nil {
		return nil, fmt.Errorf("%w: signing keys: %v", domain.ErrEncoding, err)
	}
	return raw, nil
}

func decodeKeys(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var keys []string
	if err := json.Unmarshal(raw, &keys); err != nil {
		return nil, fmt.Errorf("%w: signing keys: %v", domain.ErrEncoding, err)
	}
	return keys, nil
}

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	return err
}
