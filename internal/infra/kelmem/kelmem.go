// Package kelmem is the in-memory KEL backend used when no database is configured.
package kelmem

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"witness/internal/domain"
)

type Store struct {
	mu          sync.RWMutex
	identifiers map[domain.Prefix]*identifierState
	locations   map[domain.Prefix]map[string]domain.LocationRecord
}

type identifierState struct {
	events      []domain.EventRecord
	receipts    []domain.ReceiptRecord
	receiptKeys map[receiptKey]struct{}
}

type receiptKey struct {
	sn      uint64
	witness domain.Prefix
}

func New() *Store {
	return &Store{
		identifiers: make(map[domain.Prefix]*identifierState),
		locations:   make(map[domain.Prefix]map[string]domain.LocationRecord),
	}
}

func (s *Store) ensureIdentifier(prefix domain.Prefix) *identifierState {
	state, ok := s.identifiers[prefix]
	if !ok {
		state = &identifierState{receiptKeys: make(map[receiptKey]struct{})}
		s.identifiers[prefix] = state
	}
	return state
}

func (s *Store) Tip(ctx context.Context, prefix domain.Prefix) (domain.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.EventRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.identifiers[prefix]
	if !ok || len(state.events) == 0 {
		return domain.EventRecord{}, domain.ErrNotFound
	}
	return cloneEvent(state.events[len(state.events)-1]), nil
}

func (s *Store) EventAt(ctx context.Context, prefix domain.Prefix, sn uint64) (domain.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return domain.EventRecord{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.identifiers[prefix]
	if !ok || sn >= uint64(len(state.events)) {
		return domain.EventRecord{}, domain.ErrNotFound
	}
	return cloneEvent(state.events[sn]), nil
}

func (s *Store) AppendEvent(ctx context.Context, rec domain.EventRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureIdentifier(rec.Prefix)
	next := uint64(len(state.events))
	if rec.SN < next {
		return fmt.Errorf("%w: %s at sn %d", domain.ErrDuplicateEvent, rec.Prefix, rec.SN)
	}
	if rec.SN > next {
		return fmt.Errorf("%w: expected sn %d, got %d", domain.ErrOutOfOrder, next, rec.SN)
	}
	state.events = append(state.events, cloneEvent(rec))
	return nil
}

func (s *Store) Events(ctx context.Context, prefix domain.Prefix) ([]domain.EventRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.identifiers[prefix]
	if !ok {
		return nil, nil
	}
	out := make([]domain.EventRecord, 0, len(state.events))
	for _, ev := range state.events {
		out = append(out, cloneEvent(ev))
	}
	return out, nil
}

func (s *Store) AppendReceipt(ctx context.Context, rec domain.ReceiptRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	state := s.ensureIdentifier(rec.Prefix)
	key := receiptKey{sn: rec.SN, witness: rec.Witness}
	if _, ok := state.receiptKeys[key]; ok {
		return false, nil
	}
	state.receiptKeys[key] = struct{}{}
	state.receipts = append(state.receipts, cloneReceipt(rec))
	return true, nil
}

func (s *Store) Receipts(ctx context.Context, prefix domain.Prefix) ([]domain.ReceiptRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	state, ok := s.identifiers[prefix]
	if !ok {
		return nil, nil
	}
	out := make([]domain.ReceiptRecord, 0, len(state.receipts))
	for _, rec := range state.receipts {
		out = append(out, cloneReceipt(rec))
	}
	return out, nil
}

func (s *Store) PutLocation(ctx context.Context, rec domain.LocationRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byScheme, ok := s.locations[rec.EID]
	if !ok {
		byScheme = make(map[string]domain.LocationRecord)
		s.locations[rec.EID] = byScheme
	}
	rec.Raw = append([]byte(nil), rec.Raw...)
	byScheme[rec.Scheme] = rec
	return nil
}

func (s *Store) Locations(ctx context.Context, eid domain.Prefix) ([]domain.LocationRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	byScheme := s.locations[eid]
	out := make([]domain.LocationRecord, 0, len(byScheme))
	for _, rec := range byScheme {
		rec.Raw = append([]byte(nil), rec.Raw...)
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scheme < out[j].Scheme })
	return out, nil
}

func cloneEvent(rec domain.EventRecord) domain.EventRecord {
	rec.Keys = append([]string(nil), rec.Keys...)
	rec.Raw = append([]byte(nil), rec.Raw...)
	return rec
}

func cloneReceipt(rec domain.ReceiptRecord) domain.ReceiptRecord {
	rec.Signature = append([]byte(nil), rec.Signature...)
	rec.Raw = append([]byte(nil), rec.Raw...)
	return rec
}
