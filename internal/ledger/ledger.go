// Package ledger maintains one append-only hash chain per deal. Every event
// carries the digest of its predecessor, so any mutation, insertion or
// mid-chain deletion after the fact is detectable by recomputing the chain.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/meridiancre/fincore/internal/crypto"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

// Event types written by the HTTP surface. The ledger itself accepts any
// non-empty type string.
const (
	EventDealCreated         = "deal_created"
	EventDealStatusChanged   = "deal_status_changed"
	EventCapitalCallCreated  = "capital_call_created"
	EventDistributionCreated = "distribution_created"
)

var (
	ErrMissingDealID    = errors.New("deal event missing deal id")
	ErrMissingEventType = errors.New("deal event missing event type")
)

// Ledger appends to and verifies per-deal event chains. Appends within one
// deal are serialized by a keyed lock plus the store transaction; the
// (deal_id, sequence_number) key in the store is the backstop for writers
// outside this process.
type Ledger struct {
	store store.Store
	nowFn func() time.Time

	mu    sync.Mutex
	deals map[string]*sync.Mutex
}

func New(st store.Store) *Ledger {
	return &Ledger{
		store: st,
		nowFn: time.Now,
		deals: make(map[string]*sync.Mutex),
	}
}

// Append writes the next event for dealID. Sequence numbers start at 0 and
// the first event links back to the digest of the empty string. eventData is
// canonicalized once and the canonical bytes are what the chain hashes and
// the store keeps.
func (l *Ledger) Append(ctx context.Context, dealID, eventType string, eventData any) (types.DealEvent, error) {
	return l.AppendWith(ctx, dealID, eventType, eventData, nil)
}

// AppendWith appends an event and runs mutate inside the same store
// transaction, before the event is written. Callers use it to commit a
// business record and its ledger entry as one unit; a nil mutate is the
// plain Append.
func (l *Ledger) AppendWith(ctx context.Context, dealID, eventType string, eventData any, mutate func(store.Tx) error) (types.DealEvent, error) {
	if dealID == "" {
		return types.DealEvent{}, ErrMissingDealID
	}
	if eventType == "" {
		return types.DealEvent{}, ErrMissingEventType
	}
	data, err := crypto.CanonicalJSON(eventData)
	if err != nil {
		return types.DealEvent{}, fmt.Errorf("canonicalize event data: %w", err)
	}

	unlock := l.lockDeal(dealID)
	defer unlock()
	if err := ctx.Err(); err != nil {
		return types.DealEvent{}, fmt.Errorf("append event: %w", err)
	}

	var event types.DealEvent
	err = l.store.WithTx(func(tx store.Tx) error {
		if mutate != nil {
			if err := mutate(tx); err != nil {
				return err
			}
		}
		var err error
		event, err = l.appendTx(tx, dealID, eventType, data)
		return err
	})
	if err != nil {
		return types.DealEvent{}, err
	}
	return event, nil
}

func (l *Ledger) appendTx(tx store.Tx, dealID, eventType string, data []byte) (types.DealEvent, error) {
	sequence := int64(0)
	previous := crypto.GenesisHash
	if last, ok := tx.LastDealEvent(dealID); ok {
		sequence = last.SequenceNumber + 1
		previous = last.EventHash
	}

	event := types.DealEvent{
		DealID:         dealID,
		SequenceNumber: sequence,
		EventType:      eventType,
		EventData:      data,
		PreviousHash:   previous,
		Timestamp:      l.nowFn().UTC().Format(time.RFC3339Nano),
	}
	hash, err := eventHash(event, previous)
	if err != nil {
		return types.DealEvent{}, fmt.Errorf("hash event: %w", err)
	}
	event.EventHash = hash

	if err := tx.PutDealEvent(event); err != nil {
		return types.DealEvent{}, err
	}
	return event, nil
}

// eventHash digests the canonical form of the event with the given previous
// hash. Key order here does not matter; canonicalization sorts it.
func eventHash(event types.DealEvent, previous string) (string, error) {
	return crypto.Digest(map[string]any{
		"deal_id":         event.DealID,
		"sequence_number": event.SequenceNumber,
		"event_type":      event.EventType,
		"event_data":      event.EventData,
		"previous_hash":   previous,
		"timestamp":       event.Timestamp,
	})
}

// lockDeal takes the per-deal append lock. Locks are never reclaimed; the
// working set is bounded by the number of live deals.
func (l *Ledger) lockDeal(dealID string) func() {
	l.mu.Lock()
	m, ok := l.deals[dealID]
	if !ok {
		m = &sync.Mutex{}
		l.deals[dealID] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock
}
