// Package boltstore implements store.Store on BoltDB, a single-file embedded
// key/value store. It suits appliance-style deployments where running a
// database server is not an option.
//
// Layout: one bucket per collection. Deal events are keyed by
// dealID + 0x00 + big-endian sequence number so a cursor walks each chain in
// order; idempotency records are keyed by scopeKey + 0x00 + payloadDigest.
package boltstore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

var errDuplicateSequence = errors.New("duplicate sequence number")

type Store struct {
	db *bolt.DB
}

func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, wrapErr("open bolt", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range store.CollectionNames() {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, wrapErr("create buckets", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) WithTx(fn func(store.Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

func (s *Store) PutDeal(deal types.Deal) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDeal(deal) })
}

func (s *Store) GetDeal(dealID string) (types.Deal, bool) {
	var rec types.Deal
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(store.CollectionDeals)).Get([]byte(dealID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return types.Deal{}, false
	}
	return rec, true
}

func (s *Store) ListDeals() ([]types.Deal, error) {
	out := []types.Deal{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(store.CollectionDeals)).ForEach(func(_, v []byte) error {
			var rec types.Deal
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list deals", err)
	}
	return out, nil
}

func (s *Store) PutCapitalCall(call types.CapitalCall) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutCapitalCall(call) })
}

func (s *Store) GetCapitalCall(callID string) (types.CapitalCall, bool) {
	var rec types.CapitalCall
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(store.CollectionCapitalCalls)).Get([]byte(callID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return types.CapitalCall{}, false
	}
	return rec, true
}

func (s *Store) ListCapitalCallsByDeal(dealID string) ([]types.CapitalCall, error) {
	out := []types.CapitalCall{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(store.CollectionCapitalCalls)).ForEach(func(_, v []byte) error {
			var rec types.CapitalCall
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.DealID == dealID {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list capital calls", err)
	}
	return out, nil
}

func (s *Store) PutDistribution(dist types.Distribution) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDistribution(dist) })
}

func (s *Store) GetDistribution(distID string) (types.Distribution, bool) {
	var rec types.Distribution
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(store.CollectionDistributions)).Get([]byte(distID))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		found = true
		return nil
	})
	if !found {
		return types.Distribution{}, false
	}
	return rec, true
}

func (s *Store) ListDistributionsByDeal(dealID string) ([]types.Distribution, error) {
	out := []types.Distribution{}
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(store.CollectionDistributions)).ForEach(func(_, v []byte) error {
			var rec types.Distribution
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.DealID == dealID {
				out = append(out, rec)
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list distributions", err)
	}
	return out, nil
}

func (s *Store) PutDealEvent(event types.DealEvent) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDealEvent(event) })
}

func (s *Store) LastDealEvent(dealID string) (types.DealEvent, bool) {
	var rec types.DealEvent
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		got, ok, err := lastEvent(tx, dealID)
		if err != nil || !ok {
			return err
		}
		rec = got
		found = true
		return nil
	})
	if !found {
		return types.DealEvent{}, false
	}
	return rec, true
}

func (s *Store) ListDealEvents(dealID string) ([]types.DealEvent, error) {
	out := []types.DealEvent{}
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(store.CollectionDealEvents)).Cursor()
		prefix := eventPrefix(dealID)
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var rec types.DealEvent
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, wrapErr("list deal events", err)
	}
	return out, nil
}

func (s *Store) ListDealIDsWithEvents() ([]string, error) {
	out := []string{}
	err := s.db.View(func(tx *bolt.Tx) error {
		var last string
		return tx.Bucket([]byte(store.CollectionDealEvents)).ForEach(func(k, _ []byte) error {
			dealID := dealIDFromEventKey(k)
			if dealID != last {
				out = append(out, dealID)
				last = dealID
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrapErr("list deal ids", err)
	}
	return out, nil
}

func (s *Store) GetIdempotencyRecord(scopeKey, payloadDigest, cutoff string) (types.IdempotencyRecord, bool) {
	var rec types.IdempotencyRecord
	found := false
	_ = s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(store.CollectionIdempotencyRecords)).Get(idemKey(scopeKey, payloadDigest))
		if v == nil {
			return nil
		}
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		found = rec.CreatedAt > cutoff
		return nil
	})
	if !found {
		return types.IdempotencyRecord{}, false
	}
	return rec, true
}

func (s *Store) PutIdempotencyRecordIfAbsent(rec types.IdempotencyRecord, cutoff string) (types.IdempotencyRecord, bool, error) {
	var out types.IdempotencyRecord
	inserted := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store.CollectionIdempotencyRecords))
		key := idemKey(rec.ScopeKey, rec.PayloadDigest)

		if existing := b.Get(key); existing != nil {
			var got types.IdempotencyRecord
			if err := json.Unmarshal(existing, &got); err != nil {
				return err
			}
			if got.CreatedAt > cutoff {
				out = got
				return nil
			}
		}

		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := b.Put(key, data); err != nil {
			return err
		}
		out = rec
		inserted = true
		return nil
	})
	if err != nil {
		return types.IdempotencyRecord{}, false, wrapErr("put idempotency record", err)
	}
	return out, inserted, nil
}

func (s *Store) DeleteExpiredIdempotencyRecords(cutoff string) (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(store.CollectionIdempotencyRecords))
		expired := [][]byte{}
		err := b.ForEach(func(k, v []byte) error {
			var rec types.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.CreatedAt <= cutoff {
				expired = append(expired, bytes.Clone(k))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		deleted = len(expired)
		return nil
	})
	if err != nil {
		return 0, wrapErr("delete expired records", err)
	}
	return deleted, nil
}

func (s *Store) DeleteAllIdempotencyRecords() (int, error) {
	deleted := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		name := []byte(store.CollectionIdempotencyRecords)
		deleted = tx.Bucket(name).Stats().KeyN
		if err := tx.DeleteBucket(name); err != nil {
			return err
		}
		_, err := tx.CreateBucket(name)
		return err
	})
	if err != nil {
		return 0, wrapErr("delete all records", err)
	}
	return deleted, nil
}

func (s *Store) Dump() (store.Collections, error) {
	var c store.Collections
	err := s.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket([]byte(store.CollectionDeals)).ForEach(func(_, v []byte) error {
			var rec types.Deal
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			c.Deals = append(c.Deals, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(store.CollectionCapitalCalls)).ForEach(func(_, v []byte) error {
			var rec types.CapitalCall
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			c.CapitalCalls = append(c.CapitalCalls, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(store.CollectionDistributions)).ForEach(func(_, v []byte) error {
			var rec types.Distribution
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			c.Distributions = append(c.Distributions, rec)
			return nil
		}); err != nil {
			return err
		}
		if err := tx.Bucket([]byte(store.CollectionDealEvents)).ForEach(func(_, v []byte) error {
			var rec types.DealEvent
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			c.DealEvents = append(c.DealEvents, rec)
			return nil
		}); err != nil {
			return err
		}
		return tx.Bucket([]byte(store.CollectionIdempotencyRecords)).ForEach(func(_, v []byte) error {
			var rec types.IdempotencyRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			c.IdempotencyRecords = append(c.IdempotencyRecords, rec)
			return nil
		})
	})
	if err != nil {
		return store.Collections{}, wrapErr("dump", err)
	}
	return c, nil
}

func (s *Store) Replace(c store.Collections) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range store.CollectionNames() {
			if err := tx.DeleteBucket([]byte(name)); err != nil && !errors.Is(err, bolt.ErrBucketNotFound) {
				return err
			}
			if _, err := tx.CreateBucket([]byte(name)); err != nil {
				return err
			}
		}

		for _, deal := range c.Deals {
			if err := putJSON(tx, store.CollectionDeals, []byte(deal.ID), deal); err != nil {
				return err
			}
		}
		for _, call := range c.CapitalCalls {
			if err := putJSON(tx, store.CollectionCapitalCalls, []byte(call.ID), call); err != nil {
				return err
			}
		}
		for _, dist := range c.Distributions {
			if err := putJSON(tx, store.CollectionDistributions, []byte(dist.ID), dist); err != nil {
				return err
			}
		}
		for _, ev := range c.DealEvents {
			if err := putJSON(tx, store.CollectionDealEvents, eventKey(ev.DealID, ev.SequenceNumber), ev); err != nil {
				return err
			}
		}
		for _, rec := range c.IdempotencyRecords {
			if err := putJSON(tx, store.CollectionIdempotencyRecords, idemKey(rec.ScopeKey, rec.PayloadDigest), rec); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return wrapErr("replace", err)
	}
	return nil
}

type Tx struct {
	tx *bolt.Tx
}

func (t *Tx) PutDeal(deal types.Deal) error {
	return putJSON(t.tx, store.CollectionDeals, []byte(deal.ID), deal)
}

func (t *Tx) GetDeal(dealID string) (types.Deal, bool) {
	var rec types.Deal
	v := t.tx.Bucket([]byte(store.CollectionDeals)).Get([]byte(dealID))
	if v == nil || json.Unmarshal(v, &rec) != nil {
		return types.Deal{}, false
	}
	return rec, true
}

func (t *Tx) PutCapitalCall(call types.CapitalCall) error {
	return putJSON(t.tx, store.CollectionCapitalCalls, []byte(call.ID), call)
}

func (t *Tx) GetCapitalCall(callID string) (types.CapitalCall, bool) {
	var rec types.CapitalCall
	v := t.tx.Bucket([]byte(store.CollectionCapitalCalls)).Get([]byte(callID))
	if v == nil || json.Unmarshal(v, &rec) != nil {
		return types.CapitalCall{}, false
	}
	return rec, true
}

func (t *Tx) PutDistribution(dist types.Distribution) error {
	// Distributions are immutable; keep the first write.
	b := t.tx.Bucket([]byte(store.CollectionDistributions))
	if b.Get([]byte(dist.ID)) != nil {
		return nil
	}
	return putJSON(t.tx, store.CollectionDistributions, []byte(dist.ID), dist)
}

func (t *Tx) GetDistribution(distID string) (types.Distribution, bool) {
	var rec types.Distribution
	v := t.tx.Bucket([]byte(store.CollectionDistributions)).Get([]byte(distID))
	if v == nil || json.Unmarshal(v, &rec) != nil {
		return types.Distribution{}, false
	}
	return rec, true
}

// PutDealEvent refuses to overwrite: the key is the backstop against two
// writers extending the same chain.
func (t *Tx) PutDealEvent(event types.DealEvent) error {
	key := eventKey(event.DealID, event.SequenceNumber)
	b := t.tx.Bucket([]byte(store.CollectionDealEvents))
	if b.Get(key) != nil {
		return wrapErr("put deal event", errDuplicateSequence)
	}
	return putJSON(t.tx, store.CollectionDealEvents, key, event)
}

func (t *Tx) LastDealEvent(dealID string) (types.DealEvent, bool) {
	rec, ok, err := lastEvent(t.tx, dealID)
	if err != nil {
		return types.DealEvent{}, false
	}
	return rec, ok
}

func lastEvent(tx *bolt.Tx, dealID string) (types.DealEvent, bool, error) {
	c := tx.Bucket([]byte(store.CollectionDealEvents)).Cursor()
	prefix := eventPrefix(dealID)

	var rec types.DealEvent
	found := false
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := json.Unmarshal(v, &rec); err != nil {
			return types.DealEvent{}, false, err
		}
		found = true
	}
	return rec, found, nil
}

func putJSON(tx *bolt.Tx, bucket string, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return wrapErr("marshal "+bucket, err)
	}
	if err := tx.Bucket([]byte(bucket)).Put(key, data); err != nil {
		return wrapErr("put "+bucket, err)
	}
	return nil
}

func eventPrefix(dealID string) []byte {
	return append([]byte(dealID), 0x00)
}

func eventKey(dealID string, seq int64) []byte {
	key := eventPrefix(dealID)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(seq))
	return append(key, buf[:]...)
}

func dealIDFromEventKey(k []byte) string {
	if i := bytes.IndexByte(k, 0x00); i >= 0 {
		return string(k[:i])
	}
	return string(k)
}

func idemKey(scopeKey, payloadDigest string) []byte {
	key := append([]byte(scopeKey), 0x00)
	return append(key, []byte(payloadDigest)...)
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrStorageUnavailable, err)
}
