package kel

import (
	"context"

	"witness/internal/domain"
)

// Backend persists accepted KEL artifacts. Implementations must reject a second
// event at an existing (prefix, sn) with domain.ErrDuplicateEvent and return
// domain.ErrNotFound for missing rows.
type Backend interface {
	Tip(ctx context.Context, prefix domain.Prefix) (domain.EventRecord, error)
	EventAt(ctx context.Context, prefix domain.Prefix, sn uint64) (domain.EventRecord, error)
	AppendEvent(ctx context.Context, rec domain.EventRecord) error
	Events(ctx context.Context, prefix domain.Prefix) ([]domain.EventRecord, error)

	// AppendReceipt reports whether the receipt was new for (prefix, sn, witness).
	AppendReceipt(ctx context.Context, rec domain.ReceiptRecord) (bool, error)
	Receipts(ctx context.Context, prefix domain.Prefix) ([]domain.ReceiptRecord, error)

	PutLocation(ctx context.Context, rec domain.LocationRecord) error
	Locations(ctx context.Context, eid domain.Prefix) ([]domain.LocationRecord, error)
}
