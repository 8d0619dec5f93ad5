// Package kel validates key events, receipts and location replies against stored
// history and persists the ones it accepts.
package kel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"witness/internal/domain"
	"witness/internal/infra/cesr"
	"witness/internal/infra/crypto"
)

type Processor struct {
	backend  Backend
	verifier *crypto.Service
	locks    stripedLock
	clock    func() time.Time
}

func NewProcessor(backend Backend) *Processor {
	return NewProcessorWithClock(backend, time.Now)
}

func NewProcessorWithClock(backend Backend, clock func() time.Time) *Processor {
	if clock == nil {
		clock = time.Now
	}
	return &Processor{
		backend:  backend,
		verifier: crypto.NewService(),
		clock:    clock,
	}
}

// ProcessEvent validates ev against the identifier's stored log and appends it.
func (p *Processor) ProcessEvent(ctx context.Context, ev *domain.SignedEvent) (domain.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.EventRecord{}, err
	}
	e := ev.Event
	if err := p.checkStructure(ev); err != nil {
		return domain.EventRecord{}, err
	}

	unlock := p.locks.lock("kel:" + string(e.Prefix))
	defer unlock()

	existing, err := p.backend.EventAt(ctx, e.Prefix, e.SN)
	switch {
	case err == nil:
		if existing.Digest == e.Digest {
			return domain.EventRecord{}, fmt.Errorf("%w: %s already accepted", domain.ErrDuplicateEvent, e.Digest)
		}
		return domain.EventRecord{}, fmt.Errorf("%w: sn %d already holds %s", domain.ErrDuplicitousEvent, e.SN, existing.Digest)
	case !errors.Is(err, domain.ErrNotFound):
		return domain.EventRecord{}, err
	}

	keys, threshold := e.Keys, uint64(0)
	if e.Ilk.IsEstablishment() {
		threshold, err = parseThreshold(e.Threshold, len(e.Keys))
		if err != nil {
			return domain.EventRecord{}, err
		}
	}
	if e.SN > 0 {
		tip, err := p.backend.Tip(ctx, e.Prefix)
		if errors.Is(err, domain.ErrNotFound) {
			return domain.EventRecord{}, fmt.Errorf("%w: no inception for %s", domain.ErrOutOfOrder, e.Prefix)
		}
		if err != nil {
			return domain.EventRecord{}, err
		}
		if e.SN != tip.SN+1 {
			return domain.EventRecord{}, fmt.Errorf("%w: expected sn %d, got %d", domain.ErrOutOfOrder, tip.SN+1, e.SN)
		}
		if e.Prior != tip.Digest {
			return domain.EventRecord{}, fmt.Errorf("%w: prior digest %s does not match %s", domain.ErrOutOfOrder, e.Prior, tip.Digest)
		}
		if !e.Ilk.IsEstablishment() {
			keys, threshold = tip.Keys, tip.Threshold
		}
	}

	if err := p.verifyThreshold(keys, threshold, ev); err != nil {
		return domain.EventRecord{}, err
	}

	rec := domain.EventRecord{
		Prefix:     e.Prefix,
		SN:         e.SN,
		Ilk:        e.Ilk,
		Digest:     e.Digest,
		Prior:      e.Prior,
		Keys:       append([]string(nil), keys...),
		Threshold:  threshold,
		BodySize:   len(ev.Body),
		Raw:        append([]byte(nil), ev.Raw...),
		AcceptedAt: p.clock().UTC(),
	}
	if err := p.backend.AppendEvent(ctx, rec); err != nil {
		return domain.EventRecord{}, err
	}
	return rec, nil
}

func (p *Processor) checkStructure(ev *domain.SignedEvent) error {
	e := ev.Event
	code, _, _, err := cesr.DecodePrimitive(string(e.Prefix))
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrInvalidPrefix, err)
	}
	if _, err := cesr.ParsePrefix(string(e.Prefix)); err != nil {
		return err
	}
	selfAddressing := e.Ilk == domain.IlkInception && cesr.IsDigestCode(code)
	if err := cesr.VerifySAID(ev.Body, e.Digest, selfAddressing); err != nil {
		return err
	}
	switch e.Ilk {
	case domain.IlkInception:
		if e.SN != 0 {
			return fmt.Errorf("%w: inception at sn %d", domain.ErrOutOfOrder, e.SN)
		}
		if selfAddressing {
			if string(e.Prefix) != e.Digest {
				return fmt.Errorf("%w: self-addressing prefix must equal event digest", domain.ErrInvalidPrefix)
			}
		} else if len(e.Keys) != 1 || e.Keys[0] != string(e.Prefix) {
			return fmt.Errorf("%w: basic prefix must be the sole signing key", domain.ErrInvalidPrefix)
		}
	case domain.IlkRotation, domain.IlkInteraction:
		if e.SN == 0 {
			return fmt.Errorf("%w: %s at sn 0", domain.ErrOutOfOrder, e.Ilk)
		}
		if e.Prior == "" {
			return fmt.Errorf("%w: missing prior digest", domain.ErrOutOfOrder)
		}
	default:
		return fmt.Errorf("%w: event type %q", domain.ErrUnsupported, e.Ilk)
	}
	return nil
}

func parseThreshold(kt string, keyCount int) (uint64, error) {
	if keyCount == 0 {
		return 0, fmt.Errorf("%w: establishment event without keys", domain.ErrInvalidKey)
	}
	threshold, err := strconv.ParseUint(kt, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: threshold %q", domain.ErrUnsupported, kt)
	}
	if threshold == 0 || threshold > uint64(keyCount) {
		return 0, fmt.Errorf("%w: threshold %d for %d keys", domain.ErrThresholdNotMet, threshold, keyCount)
	}
	return threshold, nil
}

func (p *Processor) verifyThreshold(keys []string, threshold uint64, ev *domain.SignedEvent) error {
	if len(ev.Signatures) == 0 {
		return domain.ErrMissingSignatures
	}
	seen := make(map[int]struct{}, len(ev.Signatures))
	var valid uint64
	var firstInvalid error
	for _, sig := range ev.Signatures {
		if _, dup := seen[sig.Index]; dup {
			continue
		}
		if err := p.verifier.VerifyIndexed(keys, ev.Body, sig); err != nil {
			if firstInvalid == nil {
				firstInvalid = err
			}
			continue
		}
		seen[sig.Index] = struct{}{}
		valid++
	}
	if valid >= threshold {
		return nil
	}
	if firstInvalid != nil {
		return firstInvalid
	}
	return fmt.Errorf("%w: %d of %d signatures", domain.ErrThresholdNotMet, valid, threshold)
}

// ProcessReceipt verifies every couple against the receipted event and stores the
// new ones. It returns how many were not stored before.
func (p *Processor) ProcessReceipt(ctx context.Context, r *domain.SignedReceipt) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if _, err := cesr.ParsePrefix(string(r.Receipt.Prefix)); err != nil {
		return 0, err
	}
	if len(r.Couples) == 0 {
		return 0, domain.ErrMissingSignatures
	}
	event, err := p.backend.EventAt(ctx, r.Receipt.Prefix, r.Receipt.SN)
	if errors.Is(err, domain.ErrNotFound) {
		return 0, fmt.Errorf("%w: %s at sn %d", domain.ErrUnknownEvent, r.Receipt.Prefix, r.Receipt.SN)
	}
	if err != nil {
		return 0, err
	}
	if event.Digest != r.Receipt.Digest {
		return 0, fmt.Errorf("%w: receipt digest %s, stored %s", domain.ErrUnknownEvent, r.Receipt.Digest, event.Digest)
	}
	body := event.Body()
	for _, c := range r.Couples {
		if err := p.verifier.VerifyCouple(body, c); err != nil {
			return 0, err
		}
	}

	stored := 0
	for _, c := range r.Couples {
		raw, err := cesr.AttachCouples(r.Body, []domain.Couple{c})
		if err != nil {
			return stored, err
		}
		added, err := p.backend.AppendReceipt(ctx, domain.ReceiptRecord{
			Prefix:    r.Receipt.Prefix,
			SN:        r.Receipt.SN,
			Digest:    r.Receipt.Digest,
			Witness:   c.Signer,
			Signature: append([]byte(nil), c.Signature...),
			Raw:       raw,
			CreatedAt: p.clock().UTC(),
		})
		if err != nil {
			return stored, err
		}
		if added {
			stored++
		}
	}
	return stored, nil
}

// ProcessReply verifies a /loc/scheme reply signed by its eid and keeps the latest
// one per (eid, scheme).
func (p *Processor) ProcessReply(ctx context.Context, r *domain.SignedReply) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	rep := r.Reply
	if rep.Route != domain.RouteLocationScheme {
		return fmt.Errorf("%w: reply route %q", domain.ErrUnsupported, rep.Route)
	}
	if _, err := cesr.ParsePrefix(string(rep.EID)); err != nil {
		return err
	}
	if rep.Scheme == "" || rep.URL == "" {
		return fmt.Errorf("%w: reply without scheme or url", domain.ErrInvalidAddress)
	}
	if err := cesr.VerifySAID(r.Body, rep.Digest, false); err != nil {
		return err
	}
	at, err := cesr.ParseTimestamp(rep.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnsupported, err)
	}
	if err := p.verifyReplySigner(r); err != nil {
		return err
	}

	unlock := p.locks.lock("loc:" + string(rep.EID))
	defer unlock()

	current, err := p.backend.Locations(ctx, rep.EID)
	if err != nil {
		return err
	}
	for _, loc := range current {
		if loc.Scheme != rep.Scheme {
			continue
		}
		if loc.Digest == rep.Digest {
			return nil
		}
		prev, err := cesr.ParseTimestamp(loc.Timestamp)
		if err == nil && !at.After(prev) {
			return fmt.Errorf("%w: %s is not newer than %s", domain.ErrStaleReply, rep.Timestamp, loc.Timestamp)
		}
	}
	return p.backend.PutLocation(ctx, domain.LocationRecord{
		EID:       rep.EID,
		Scheme:    rep.Scheme,
		URL:       rep.URL,
		Digest:    rep.Digest,
		Timestamp: rep.Timestamp,
		Raw:       append([]byte(nil), r.Raw...),
		UpdatedAt: p.clock().UTC(),
	})
}

func (p *Processor) verifyReplySigner(r *domain.SignedReply) error {
	if len(r.Couples) == 0 {
		return domain.ErrMissingSignatures
	}
	for _, c := range r.Couples {
		if c.Signer != r.Reply.EID {
			continue
		}
		return p.verifier.VerifyCouple(r.Body, c)
	}
	return fmt.Errorf("%w: reply not signed by %s", domain.ErrMissingSignatures, r.Reply.EID)
}

// KEL returns the identifier's accepted events in original wire form, sn order.
func (p *Processor) KEL(ctx context.Context, prefix domain.Prefix) ([]byte, error) {
	events, err := p.backend.Events(ctx, prefix)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, domain.ErrNotFound
	}
	var buf bytes.Buffer
	for _, ev := range events {
		buf.Write(ev.Raw)
	}
	return buf.Bytes(), nil
}

// Receipts returns the stored receipts for prefix in persisted order. A non-empty
// witness restricts the result to that signer.
func (p *Processor) Receipts(ctx context.Context, prefix, witness domain.Prefix) ([]byte, error) {
	records, err := p.backend.Receipts(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	for _, rec := range records {
		if witness != "" && rec.Witness != witness {
			continue
		}
		buf.Write(rec.Raw)
	}
	if buf.Len() == 0 {
		return nil, domain.ErrNotFound
	}
	return buf.Bytes(), nil
}

// Locations returns the stored location replies for eid.
func (p *Processor) Locations(ctx context.Context, eid domain.Prefix) ([]byte, error) {
	records, err := p.backend.Locations(ctx, eid)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, domain.ErrNotFound
	}
	var buf bytes.Buffer
	for _, rec := range records {
		buf.Write(rec.Raw)
	}
	return buf.Bytes(), nil
}
