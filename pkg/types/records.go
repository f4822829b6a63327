package types

import "encoding/json"

type DealStatus string

const (
	DealActive DealStatus = "active"
	DealClosed DealStatus = "closed"
)

type Deal struct {
	ID           string     `json:"id"`
	OrgID        string     `json:"org_id"`
	Name         string     `json:"name"`
	PropertyType string     `json:"property_type"`
	Status       DealStatus `json:"status"`
	CreatedAt    string     `json:"created_at"`
}

type CapitalCallStatus string

const (
	CallPending   CapitalCallStatus = "pending"
	CallFunded    CapitalCallStatus = "funded"
	CallCancelled CapitalCallStatus = "cancelled"
)

// CapitalCall amounts are minor units (cents). Dollar values never appear
// as floats anywhere in the data model.
type CapitalCall struct {
	ID          string            `json:"id"`
	DealID      string            `json:"deal_id"`
	AmountCents int64             `json:"amount_cents"`
	DueDate     string            `json:"due_date"`
	Status      CapitalCallStatus `json:"status"`
	CreatedAt   string            `json:"created_at"`
}

type Distribution struct {
	ID               string `json:"id"`
	DealID           string `json:"deal_id"`
	AmountCents      int64  `json:"amount_cents"`
	DistributionType string `json:"distribution_type"`
	CreatedAt        string `json:"created_at"`
}

// DealEvent is one link of a per-deal hash chain. EventHash covers
// deal_id, sequence_number, event_type, event_data, previous_hash and
// timestamp; PreviousHash is the prior event's EventHash, or the digest
// of the empty string for sequence 0.
type DealEvent struct {
	DealID         string          `json:"deal_id"`
	SequenceNumber int64           `json:"sequence_number"`
	EventType      string          `json:"event_type"`
	EventData      json.RawMessage `json:"event_data"`
	PreviousHash   string          `json:"previous_hash"`
	EventHash      string          `json:"event_hash"`
	Timestamp      string          `json:"timestamp"`
}

// IdempotencyRecord captures the first successful outcome of a deduplicated
// operation. Records are never mutated after insert; they age out by TTL or
// are removed by an administrative flush.
type IdempotencyRecord struct {
	ScopeKey      string          `json:"scope_key"`
	PayloadDigest string          `json:"payload_digest"`
	StatusCode    int             `json:"status_code"`
	Body          json.RawMessage `json:"body"`
	CreatedAt     string          `json:"created_at"`
}
