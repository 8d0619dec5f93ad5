package usecase

import (
	"context"
	"errors"
	"fmt"

	"witness/internal/domain"
)

// Witness is the node's identity. It is built once at startup and shared by every
// engine call; the private key stays inside the signer.
type Witness struct {
	prefix domain.Prefix
	signer Signer
}

func NewWitness(signer Signer) (*Witness, error) {
	if signer == nil {
		return nil, errors.New("witness signer is required")
	}
	prefix := signer.Prefix()
	if prefix == "" {
		return nil, fmt.Errorf("%w: witness prefix is empty", domain.ErrInvalidKey)
	}
	return &Witness{prefix: prefix, signer: signer}, nil
}

func (w *Witness) Prefix() domain.Prefix {
	return w.prefix
}

func (w *Witness) sign(ctx context.Context, payload []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sig, err := w.signer.Sign(ctx, payload)
	if err != nil {
		if errors.Is(err, domain.ErrSigning) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSigning, err)
	}
	if len(sig) == 0 {
		return nil, fmt.Errorf("%w: empty signature", domain.ErrSigning)
	}
	return sig, nil
}
