package usecase

import (
	"context"
	"time"

	"witness/internal/domain"
)

// KELStore validates and persists messages and answers log queries. Implementations
// serialise submissions per identifier.
type KELStore interface {
	ProcessEvent(ctx context.Context, ev *domain.SignedEvent) (domain.EventRecord, error)
	ProcessReceipt(ctx context.Context, r *domain.SignedReceipt) (int, error)
	ProcessReply(ctx context.Context, r *domain.SignedReply) error
	KEL(ctx context.Context, prefix domain.Prefix) ([]byte, error)
	Receipts(ctx context.Context, prefix, witness domain.Prefix) ([]byte, error)
	Locations(ctx context.Context, eid domain.Prefix) ([]byte, error)
}

type Codec interface {
	Decode(stream []byte) ([]domain.Message, []byte, error)
	ReceiptBody(r domain.Receipt) ([]byte, error)
	AttachCouples(body []byte, couples []domain.Couple) ([]byte, error)
	ReplyBody(eid domain.Prefix, scheme, url string, at time.Time) ([]byte, domain.Reply, error)
	ParsePrefix(text string) (domain.Prefix, error)
}

type Signer interface {
	Sign(ctx context.Context, payload []byte) ([]byte, error)
	Prefix() domain.Prefix
}

// Dispatcher hands a stream to the resolver without waiting for the result.
type Dispatcher interface {
	Dispatch(prefix domain.Prefix, stream []byte) bool
}

type AdmissionPolicy interface {
	Admit(ctx context.Context, input domain.AdmissionInput) error
}
