// Package idempotency deduplicates mutating operations keyed by scope key
// and payload digest. The first successful execution's response is captured
// and replayed to every later call with the same key and payload until the
// record ages out.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/meridiancre/fincore/internal/crypto"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

// DefaultTTL is how long a stored result replays before it is treated as
// absent.
const DefaultTTL = 24 * time.Hour

// Result is the captured outcome of one executed operation.
type Result struct {
	StatusCode int
	Body       json.RawMessage
}

// Execution reports whether Result was replayed from a stored record (Hit)
// or produced by running the supplier.
type Execution struct {
	Hit    bool
	Result Result
}

// Coordinator owns the idempotency record lifecycle. It never interprets
// scope key structure; callers embed operation, organization and resource
// into the key so unrelated operations cannot collide.
type Coordinator struct {
	store  store.Store
	ttl    time.Duration
	nowFn  func() time.Time
	flight singleflight.Group
}

func New(st store.Store, ttl time.Duration) *Coordinator {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Coordinator{store: st, ttl: ttl, nowFn: time.Now}
}

// Execute runs supplier at most once per live (scopeKey, payload digest)
// pair and replays the stored result to everyone else. A blank scopeKey
// bypasses deduplication entirely: the supplier runs and nothing is stored.
// Supplier errors propagate and are never cached, so a failed call is safe
// to retry with the same key.
func (c *Coordinator) Execute(ctx context.Context, scopeKey string, payload any, supplier func(context.Context) (Result, error)) (Execution, error) {
	if strings.TrimSpace(scopeKey) == "" {
		res, err := supplier(ctx)
		if err != nil {
			return Execution{}, err
		}
		return Execution{Result: res}, nil
	}

	digest, err := crypto.Digest(payload)
	if err != nil {
		return Execution{}, fmt.Errorf("digest payload: %w", err)
	}

	if rec, ok := c.store.GetIdempotencyRecord(scopeKey, digest, c.cutoff()); ok {
		return Execution{Hit: true, Result: resultOf(rec)}, nil
	}

	// Concurrent in-process duplicates collapse onto one flight; joiners
	// share the leader's outcome and report it as a replay.
	var ran bool
	v, err, _ := c.flight.Do(scopeKey+"\x00"+digest, func() (any, error) {
		if rec, ok := c.store.GetIdempotencyRecord(scopeKey, digest, c.cutoff()); ok {
			return Execution{Hit: true, Result: resultOf(rec)}, nil
		}
		ran = true
		return c.executeAndStore(ctx, scopeKey, digest, supplier)
	})
	if err != nil {
		return Execution{}, err
	}
	exec := v.(Execution)
	if !ran {
		exec.Hit = true
	}
	return exec, nil
}

// executeAndStore runs the supplier and writes the record conditionally.
// The write happens immediately after the supplier returns to keep the
// failed-after-execution window as small as the storage layer allows; if
// another process stored a result first, that record is authoritative and
// this execution's response is discarded.
func (c *Coordinator) executeAndStore(ctx context.Context, scopeKey, digest string, supplier func(context.Context) (Result, error)) (Execution, error) {
	res, err := supplier(ctx)
	if err != nil {
		return Execution{}, err
	}

	rec := types.IdempotencyRecord{
		ScopeKey:      scopeKey,
		PayloadDigest: digest,
		StatusCode:    res.StatusCode,
		Body:          res.Body,
		CreatedAt:     c.nowFn().UTC().Format(time.RFC3339),
	}
	stored, inserted, err := c.store.PutIdempotencyRecordIfAbsent(rec, c.cutoff())
	if err != nil {
		return Execution{}, err
	}
	if !inserted {
		return Execution{Hit: true, Result: resultOf(stored)}, nil
	}
	return Execution{Result: res}, nil
}

// Sweep deletes expired records and reports how many were removed.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("sweep records: %w", err)
	}
	return c.store.DeleteExpiredIdempotencyRecords(c.cutoff())
}

// Flush deletes every record regardless of age.
func (c *Coordinator) Flush(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, fmt.Errorf("flush records: %w", err)
	}
	return c.store.DeleteAllIdempotencyRecords()
}

func (c *Coordinator) cutoff() string {
	return c.nowFn().Add(-c.ttl).UTC().Format(time.RFC3339)
}

func resultOf(rec types.IdempotencyRecord) Result {
	return Result{StatusCode: rec.StatusCode, Body: rec.Body}
}
