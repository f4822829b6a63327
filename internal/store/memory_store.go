package store

import (
	"bytes"
	"fmt"
	"sort"
	"sync"

	"github.com/meridiancre/fincore/pkg/types"
)

// InMemoryStore is the default store for tests and single-process use.
type InMemoryStore struct {
	mu sync.Mutex

	deals  map[string]types.Deal
	calls  map[string]types.CapitalCall
	dists  map[string]types.Distribution
	events map[string][]types.DealEvent
	idem   map[string]types.IdempotencyRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		deals:  make(map[string]types.Deal),
		calls:  make(map[string]types.CapitalCall),
		dists:  make(map[string]types.Distribution),
		events: make(map[string][]types.DealEvent),
		idem:   make(map[string]types.IdempotencyRecord),
	}
}

// WithTx stages a copy of the transactional collections and swaps it in
// only when fn succeeds. A failed fn leaves live state untouched, matching
// the rollback behavior of the SQL and bolt stores.
func (s *InMemoryStore) WithTx(fn func(Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{
		deals:  make(map[string]types.Deal, len(s.deals)),
		calls:  make(map[string]types.CapitalCall, len(s.calls)),
		dists:  make(map[string]types.Distribution, len(s.dists)),
		events: make(map[string][]types.DealEvent, len(s.events)),
	}
	for id, deal := range s.deals {
		tx.deals[id] = deal
	}
	for id, call := range s.calls {
		tx.calls[id] = call
	}
	for id, dist := range s.dists {
		tx.dists[id] = dist
	}
	for dealID, chain := range s.events {
		tx.events[dealID] = append([]types.DealEvent(nil), chain...)
	}

	if err := fn(tx); err != nil {
		return err
	}
	s.deals = tx.deals
	s.calls = tx.calls
	s.dists = tx.dists
	s.events = tx.events
	return nil
}

// memTx holds the staged collections for one WithTx call. Idempotency
// records are not transactional; they have their own conditional-insert
// path.
type memTx struct {
	deals  map[string]types.Deal
	calls  map[string]types.CapitalCall
	dists  map[string]types.Distribution
	events map[string][]types.DealEvent
}

func idemMapKey(scopeKey, payloadDigest string) string {
	return scopeKey + "\x00" + payloadDigest
}

func (s *InMemoryStore) PutDeal(deal types.Deal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deals[deal.ID] = deal
	return nil
}

func (s *InMemoryStore) GetDeal(dealID string) (types.Deal, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deal, ok := s.deals[dealID]
	return deal, ok
}

func (s *InMemoryStore) ListDeals() ([]types.Deal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.Deal, 0, len(s.deals))
	for _, deal := range s.deals {
		out = append(out, deal)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) PutCapitalCall(call types.CapitalCall) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[call.ID] = call
	return nil
}

func (s *InMemoryStore) GetCapitalCall(callID string) (types.CapitalCall, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call, ok := s.calls[callID]
	return call, ok
}

func (s *InMemoryStore) ListCapitalCallsByDeal(dealID string) ([]types.CapitalCall, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.CapitalCall{}
	for _, call := range s.calls {
		if call.DealID == dealID {
			out = append(out, call)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) PutDistribution(dist types.Distribution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	putDistribution(s.dists, dist)
	return nil
}

func (s *InMemoryStore) GetDistribution(distID string) (types.Distribution, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dist, ok := s.dists[distID]
	return dist, ok
}

func (s *InMemoryStore) ListDistributionsByDeal(dealID string) ([]types.Distribution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.Distribution{}
	for _, dist := range s.dists {
		if dist.DealID == dealID {
			out = append(out, dist)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) PutDealEvent(event types.DealEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return appendEvent(s.events, event)
}

func (s *InMemoryStore) LastDealEvent(dealID string) (types.DealEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lastEvent(s.events, dealID)
}

func (s *InMemoryStore) ListDealEvents(dealID string) ([]types.DealEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chain := s.events[dealID]
	out := make([]types.DealEvent, len(chain))
	for i, ev := range chain {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

func (s *InMemoryStore) ListDealIDsWithEvents() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.events))
	for dealID, chain := range s.events {
		if len(chain) > 0 {
			out = append(out, dealID)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) GetIdempotencyRecord(scopeKey, payloadDigest, cutoff string) (types.IdempotencyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.idem[idemMapKey(scopeKey, payloadDigest)]
	if !ok || rec.CreatedAt <= cutoff {
		return types.IdempotencyRecord{}, false
	}
	return cloneIdem(rec), true
}

func (s *InMemoryStore) PutIdempotencyRecordIfAbsent(rec types.IdempotencyRecord, cutoff string) (types.IdempotencyRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := idemMapKey(rec.ScopeKey, rec.PayloadDigest)
	if existing, ok := s.idem[key]; ok && existing.CreatedAt > cutoff {
		return cloneIdem(existing), false, nil
	}
	s.idem[key] = cloneIdem(rec)
	return rec, true, nil
}

func (s *InMemoryStore) DeleteExpiredIdempotencyRecords(cutoff string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := 0
	for key, rec := range s.idem {
		if rec.CreatedAt <= cutoff {
			delete(s.idem, key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *InMemoryStore) DeleteAllIdempotencyRecords() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deleted := len(s.idem)
	s.idem = make(map[string]types.IdempotencyRecord)
	return deleted, nil
}

func (s *InMemoryStore) Dump() (Collections, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var c Collections

	for _, deal := range s.deals {
		c.Deals = append(c.Deals, deal)
	}
	sort.Slice(c.Deals, func(i, j int) bool { return c.Deals[i].ID < c.Deals[j].ID })

	for _, call := range s.calls {
		c.CapitalCalls = append(c.CapitalCalls, call)
	}
	sort.Slice(c.CapitalCalls, func(i, j int) bool { return c.CapitalCalls[i].ID < c.CapitalCalls[j].ID })

	for _, dist := range s.dists {
		c.Distributions = append(c.Distributions, dist)
	}
	sort.Slice(c.Distributions, func(i, j int) bool { return c.Distributions[i].ID < c.Distributions[j].ID })

	for _, chain := range s.events {
		for _, ev := range chain {
			c.DealEvents = append(c.DealEvents, cloneEvent(ev))
		}
	}
	sort.Slice(c.DealEvents, func(i, j int) bool {
		if c.DealEvents[i].DealID != c.DealEvents[j].DealID {
			return c.DealEvents[i].DealID < c.DealEvents[j].DealID
		}
		return c.DealEvents[i].SequenceNumber < c.DealEvents[j].SequenceNumber
	})

	for _, rec := range s.idem {
		c.IdempotencyRecords = append(c.IdempotencyRecords, cloneIdem(rec))
	}
	sort.Slice(c.IdempotencyRecords, func(i, j int) bool {
		if c.IdempotencyRecords[i].ScopeKey != c.IdempotencyRecords[j].ScopeKey {
			return c.IdempotencyRecords[i].ScopeKey < c.IdempotencyRecords[j].ScopeKey
		}
		return c.IdempotencyRecords[i].PayloadDigest < c.IdempotencyRecords[j].PayloadDigest
	})

	return c, nil
}

func (s *InMemoryStore) Replace(c Collections) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	deals := make(map[string]types.Deal, len(c.Deals))
	for _, deal := range c.Deals {
		deals[deal.ID] = deal
	}
	calls := make(map[string]types.CapitalCall, len(c.CapitalCalls))
	for _, call := range c.CapitalCalls {
		calls[call.ID] = call
	}
	dists := make(map[string]types.Distribution, len(c.Distributions))
	for _, dist := range c.Distributions {
		dists[dist.ID] = dist
	}
	events := make(map[string][]types.DealEvent)
	for _, ev := range c.DealEvents {
		events[ev.DealID] = append(events[ev.DealID], cloneEvent(ev))
	}
	for dealID := range events {
		chain := events[dealID]
		sort.Slice(chain, func(i, j int) bool { return chain[i].SequenceNumber < chain[j].SequenceNumber })
		events[dealID] = chain
	}
	idem := make(map[string]types.IdempotencyRecord, len(c.IdempotencyRecords))
	for _, rec := range c.IdempotencyRecords {
		idem[idemMapKey(rec.ScopeKey, rec.PayloadDigest)] = cloneIdem(rec)
	}

	s.deals = deals
	s.calls = calls
	s.dists = dists
	s.events = events
	s.idem = idem
	return nil
}

func (t *memTx) PutDeal(deal types.Deal) error {
	t.deals[deal.ID] = deal
	return nil
}

func (t *memTx) GetDeal(dealID string) (types.Deal, bool) {
	deal, ok := t.deals[dealID]
	return deal, ok
}

func (t *memTx) PutCapitalCall(call types.CapitalCall) error {
	t.calls[call.ID] = call
	return nil
}

func (t *memTx) GetCapitalCall(callID string) (types.CapitalCall, bool) {
	call, ok := t.calls[callID]
	return call, ok
}

func (t *memTx) PutDistribution(dist types.Distribution) error {
	putDistribution(t.dists, dist)
	return nil
}

func (t *memTx) GetDistribution(distID string) (types.Distribution, bool) {
	dist, ok := t.dists[distID]
	return dist, ok
}

func (t *memTx) PutDealEvent(event types.DealEvent) error {
	return appendEvent(t.events, event)
}

func (t *memTx) LastDealEvent(dealID string) (types.DealEvent, bool) {
	return lastEvent(t.events, dealID)
}

// putDistribution keeps the first write; distributions are immutable.
func putDistribution(dists map[string]types.Distribution, dist types.Distribution) {
	if _, ok := dists[dist.ID]; ok {
		return
	}
	dists[dist.ID] = dist
}

// appendEvent keeps each chain ordered by sequence number and refuses to
// overwrite an existing sequence, mirroring the primary key backstop in the
// SQL stores.
func appendEvent(events map[string][]types.DealEvent, event types.DealEvent) error {
	chain := events[event.DealID]
	i := sort.Search(len(chain), func(i int) bool { return chain[i].SequenceNumber >= event.SequenceNumber })
	if i < len(chain) && chain[i].SequenceNumber == event.SequenceNumber {
		return fmt.Errorf("put deal event: %w: duplicate sequence %d", ErrStorageUnavailable, event.SequenceNumber)
	}
	chain = append(chain, types.DealEvent{})
	copy(chain[i+1:], chain[i:])
	chain[i] = cloneEvent(event)
	events[event.DealID] = chain
	return nil
}

func lastEvent(events map[string][]types.DealEvent, dealID string) (types.DealEvent, bool) {
	chain := events[dealID]
	if len(chain) == 0 {
		return types.DealEvent{}, false
	}
	return cloneEvent(chain[len(chain)-1]), true
}

func cloneEvent(ev types.DealEvent) types.DealEvent {
	ev.EventData = bytes.Clone(ev.EventData)
	return ev
}

func cloneIdem(rec types.IdempotencyRecord) types.IdempotencyRecord {
	rec.Body = bytes.Clone(rec.Body)
	return rec
}
