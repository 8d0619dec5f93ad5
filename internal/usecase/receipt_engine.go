package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"witness/internal/domain"
)

type ReceiptEngineDeps struct {
	Store     KELStore
	Codec     Codec
	Witness   *Witness
	Admission AdmissionPolicy
	Log       logrus.FieldLogger
}

// ReceiptEngine ingests one decoded message and, for an accepted event, issues
// this witness's receipt for it.
type ReceiptEngine struct {
	store     KELStore
	codec     Codec
	witness   *Witness
	admission AdmissionPolicy
	log       logrus.FieldLogger
	metrics   *metrics
}

func NewReceiptEngine(deps ReceiptEngineDeps) (*ReceiptEngine, error) {
	if deps.Store == nil || deps.Codec == nil || deps.Witness == nil {
		return nil, errors.New("receipt engine requires store, codec and witness")
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &ReceiptEngine{
		store:     deps.Store,
		codec:     deps.Codec,
		witness:   deps.Witness,
		admission: deps.Admission,
		log:       log,
		metrics:   newMetrics(),
	}, nil
}

// ProcessOne returns the issued receipt for an accepted event, and nil for messages
// that are only ingested.
func (e *ReceiptEngine) ProcessOne(ctx context.Context, msg domain.Message) (*domain.SignedReceipt, error) {
	switch m := msg.(type) {
	case *domain.SignedEvent:
		return e.processEvent(ctx, m)
	case *domain.SignedReceipt:
		return nil, e.processReceipt(ctx, m)
	case *domain.SignedReply:
		return nil, e.processReply(ctx, m)
	default:
		return nil, fmt.Errorf("%w: %T", domain.ErrUnsupported, msg)
	}
}

func (e *ReceiptEngine) processEvent(ctx context.Context, m *domain.SignedEvent) (*domain.SignedReceipt, error) {
	id, sn := m.Event.Prefix, m.Event.SN
	log := e.log.WithFields(logrus.Fields{"identifier": id, "sn": sn, "ilk": m.Event.Ilk})

	if e.admission != nil {
		err := e.admission.Admit(ctx, domain.AdmissionInput{
			Identifier: string(id),
			SN:         sn,
			Ilk:        string(m.Event.Ilk),
			Digest:     m.Event.Digest,
			Keys:       m.Event.Keys,
			Backers:    m.Event.Backers,
		})
		if err != nil {
			log.WithError(err).Info("event refused by admission policy")
			return nil, domain.NewProcessingError(id, sn, err)
		}
	}

	rec, err := e.store.ProcessEvent(ctx, m)
	if err != nil {
		log.WithError(err).Debug("event rejected")
		return nil, domain.NewProcessingError(id, sn, err)
	}

	receipt, err := e.issueReceipt(ctx, rec)
	if err != nil {
		log.WithError(err).Error("receipt issuance failed for accepted event")
		return nil, domain.NewProcessingError(id, sn, err)
	}
	e.metrics.receipt(ctx)
	log.Debug("event receipted")
	return receipt, nil
}

// issueReceipt signs the stored event bytes, never a re-serialisation of them.
func (e *ReceiptEngine) issueReceipt(ctx context.Context, rec domain.EventRecord) (*domain.SignedReceipt, error) {
	receipt := domain.Receipt{Prefix: rec.Prefix, SN: rec.SN, Digest: rec.Digest}
	body, err := e.codec.ReceiptBody(receipt)
	if err != nil {
		return nil, encodingError(err)
	}
	sig, err := e.witness.sign(ctx, rec.Body())
	if err != nil {
		return nil, err
	}
	couples := []domain.Couple{{Signer: e.witness.Prefix(), Signature: sig}}
	raw, err := e.codec.AttachCouples(body, couples)
	if err != nil {
		return nil, encodingError(err)
	}
	signed := &domain.SignedReceipt{Receipt: receipt, Body: body, Couples: couples, Raw: raw}
	if _, err := e.store.ProcessReceipt(ctx, signed); err != nil {
		return nil, err
	}
	return signed, nil
}

func (e *ReceiptEngine) processReceipt(ctx context.Context, m *domain.SignedReceipt) error {
	stored, err := e.store.ProcessReceipt(ctx, m)
	if err != nil {
		return domain.NewProcessingError(m.Receipt.Prefix, m.Receipt.SN, err)
	}
	e.log.WithFields(logrus.Fields{"identifier": m.Receipt.Prefix, "sn": m.Receipt.SN, "stored": stored}).Debug("receipt ingested")
	return nil
}

func (e *ReceiptEngine) processReply(ctx context.Context, m *domain.SignedReply) error {
	if err := e.store.ProcessReply(ctx, m); err != nil {
		return domain.NewProcessingError(m.Reply.EID, 0, err)
	}
	e.log.WithFields(logrus.Fields{"identifier": m.Reply.EID, "scheme": m.Reply.Scheme}).Debug("location reply stored")
	return nil
}

func encodingError(err error) error {
	if errors.Is(err, domain.ErrEncoding) {
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrEncoding, err)
}
