// Package store owns persistence for every tracked collection: deals,
// capital calls, distributions, deal events and idempotency records.
// Implementations are injected; nothing in this module reaches for global
// state.
package store

import "github.com/meridiancre/fincore/pkg/types"

// Collection names in canonical (sorted) order. Snapshot data and checksums
// depend on this order being stable.
const (
	CollectionCapitalCalls       = "capital_calls"
	CollectionDealEvents         = "deal_events"
	CollectionDeals              = "deals"
	CollectionDistributions      = "distributions"
	CollectionIdempotencyRecords = "idempotency_records"
)

func CollectionNames() []string {
	return []string{
		CollectionCapitalCalls,
		CollectionDealEvents,
		CollectionDeals,
		CollectionDistributions,
		CollectionIdempotencyRecords,
	}
}

// Collections is a full copy of the store's contents in deterministic order:
// deals, calls and distributions ascending by id, events by (deal_id,
// sequence_number), idempotency records by (scope_key, payload_digest).
type Collections struct {
	Deals              []types.Deal
	CapitalCalls       []types.CapitalCall
	Distributions      []types.Distribution
	DealEvents         []types.DealEvent
	IdempotencyRecords []types.IdempotencyRecord
}

type Store interface {
	// WithTx runs fn against a transactional view of the deal collections.
	// An error from fn discards every write made through the Tx.
	WithTx(fn func(Tx) error) error

	PutDeal(deal types.Deal) error
	GetDeal(dealID string) (types.Deal, bool)
	ListDeals() ([]types.Deal, error)

	PutCapitalCall(call types.CapitalCall) error
	GetCapitalCall(callID string) (types.CapitalCall, bool)
	ListCapitalCallsByDeal(dealID string) ([]types.CapitalCall, error)

	PutDistribution(dist types.Distribution) error
	GetDistribution(distID string) (types.Distribution, bool)
	ListDistributionsByDeal(dealID string) ([]types.Distribution, error)

	PutDealEvent(event types.DealEvent) error
	LastDealEvent(dealID string) (types.DealEvent, bool)
	ListDealEvents(dealID string) ([]types.DealEvent, error)
	ListDealIDsWithEvents() ([]string, error)

	// GetIdempotencyRecord returns the live record for (scopeKey,
	// payloadDigest); records created at or before cutoff are treated as
	// absent.
	GetIdempotencyRecord(scopeKey, payloadDigest, cutoff string) (types.IdempotencyRecord, bool)

	// PutIdempotencyRecordIfAbsent inserts rec unless a live record already
	// exists for the same (scope_key, payload_digest). The check and insert
	// are atomic within one storage transaction. Returns the authoritative
	// record and whether rec was inserted; expired records are overwritten.
	PutIdempotencyRecordIfAbsent(rec types.IdempotencyRecord, cutoff string) (types.IdempotencyRecord, bool, error)

	DeleteExpiredIdempotencyRecords(cutoff string) (int, error)
	DeleteAllIdempotencyRecords() (int, error)

	// Dump deep-copies every collection; later mutations of live state must
	// not show through the returned value.
	Dump() (Collections, error)

	// Replace swaps all collections for the given contents in one
	// transaction. There is no partial application.
	Replace(c Collections) error
}

type Tx interface {
	PutDeal(deal types.Deal) error
	GetDeal(dealID string) (types.Deal, bool)

	PutCapitalCall(call types.CapitalCall) error
	GetCapitalCall(callID string) (types.CapitalCall, bool)

	PutDistribution(dist types.Distribution) error
	GetDistribution(distID string) (types.Distribution, bool)

	PutDealEvent(event types.DealEvent) error
	LastDealEvent(dealID string) (types.DealEvent, bool)
}
