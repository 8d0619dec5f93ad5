package usecase

import (
	"context"
	"errors"
)

// QueryService answers read-only questions about stored logs. Identifiers arrive
// in text form; one that does not parse is reported the same way as an unknown one.
type QueryService struct {
	store   KELStore
	codec   Codec
	witness *Witness
}

func NewQueryService(store KELStore, codec Codec, witness *Witness) (*QueryService, error) {
	if store == nil || codec == nil || witness == nil {
		return nil, errors.New("query service requires store, codec and witness")
	}
	return &QueryService{store: store, codec: codec, witness: witness}, nil
}

// Resolve returns the identifier's full KEL in original wire form.
func (q *QueryService) Resolve(ctx context.Context, id string) ([]byte, error) {
	prefix, err := q.codec.ParsePrefix(id)
	if err != nil {
		return nil, err
	}
	return q.store.KEL(ctx, prefix)
}

// GetReceipts returns the receipts this witness issued for the identifier.
func (q *QueryService) GetReceipts(ctx context.Context, id string) ([]byte, error) {
	prefix, err := q.codec.ParsePrefix(id)
	if err != nil {
		return nil, err
	}
	return q.store.Receipts(ctx, prefix, q.witness.Prefix())
}

// Locations returns the stored location replies of a non-transferable identifier.
func (q *QueryService) Locations(ctx context.Context, id string) ([]byte, error) {
	prefix, err := q.codec.ParsePrefix(id)
	if err != nil {
		return nil, err
	}
	return q.store.Locations(ctx, prefix)
}
