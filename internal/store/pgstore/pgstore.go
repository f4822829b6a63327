// Package pgstore implements store.Store on PostgreSQL via lib/pq.
//
// All timestamp and JSON payload columns are TEXT: event timestamps and
// captured response bodies feed chain hashes and snapshot checksums, so
// they must round-trip byte-identical. TIMESTAMPTZ and JSONB both rewrite
// their input.
package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, wrapErr("open postgres", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, wrapErr("ping postgres", err)
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) WithTx(fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return wrapErr("begin tx", err)
	}
	wrapped := &Tx{tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return wrapErr("commit tx", err)
	}
	return nil
}

func (s *Store) PutDeal(deal types.Deal) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDeal(deal) })
}

func (s *Store) GetDeal(dealID string) (types.Deal, bool) {
	var rec types.Deal
	row := s.db.QueryRow(`SELECT id, org_id, name, property_type, status, created_at FROM fincore_deals WHERE id = $1`, dealID)
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.PropertyType, &rec.Status, &rec.CreatedAt); err != nil {
		return types.Deal{}, false
	}
	return rec, true
}

func (s *Store) ListDeals() ([]types.Deal, error) {
	rows, err := s.db.Query(`SELECT id, org_id, name, property_type, status, created_at FROM fincore_deals ORDER BY id ASC`)
	if err != nil {
		return nil, wrapErr("list deals", err)
	}
	defer rows.Close()

	out := []types.Deal{}
	for rows.Next() {
		var rec types.Deal
		if err := rows.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.PropertyType, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, wrapErr("scan deal", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutCapitalCall(call types.CapitalCall) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutCapitalCall(call) })
}

func (s *Store) GetCapitalCall(callID string) (types.CapitalCall, bool) {
	var rec types.CapitalCall
	row := s.db.QueryRow(`SELECT id, deal_id, amount_cents, due_date, status, created_at FROM fincore_capital_calls WHERE id = $1`, callID)
	if err := row.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DueDate, &rec.Status, &rec.CreatedAt); err != nil {
		return types.CapitalCall{}, false
	}
	return rec, true
}

func (s *Store) ListCapitalCallsByDeal(dealID string) ([]types.CapitalCall, error) {
	rows, err := s.db.Query(`SELECT id, deal_id, amount_cents, due_date, status, created_at FROM fincore_capital_calls WHERE deal_id = $1 ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, wrapErr("list capital calls", err)
	}
	defer rows.Close()

	out := []types.CapitalCall{}
	for rows.Next() {
		var rec types.CapitalCall
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DueDate, &rec.Status, &rec.CreatedAt); err != nil {
			return nil, wrapErr("scan capital call", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutDistribution(dist types.Distribution) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDistribution(dist) })
}

func (s *Store) GetDistribution(distID string) (types.Distribution, bool) {
	var rec types.Distribution
	row := s.db.QueryRow(`SELECT id, deal_id, amount_cents, distribution_type, created_at FROM fincore_distributions WHERE id = $1`, distID)
	if err := row.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DistributionType, &rec.CreatedAt); err != nil {
		return types.Distribution{}, false
	}
	return rec, true
}

func (s *Store) ListDistributionsByDeal(dealID string) ([]types.Distribution, error) {
	rows, err := s.db.Query(`SELECT id, deal_id, amount_cents, distribution_type, created_at FROM fincore_distributions WHERE deal_id = $1 ORDER BY id ASC`, dealID)
	if err != nil {
		return nil, wrapErr("list distributions", err)
	}
	defer rows.Close()

	out := []types.Distribution{}
	for rows.Next() {
		var rec types.Distribution
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DistributionType, &rec.CreatedAt); err != nil {
			return nil, wrapErr("scan distribution", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) PutDealEvent(event types.DealEvent) error {
	return s.WithTx(func(tx store.Tx) error { return tx.PutDealEvent(event) })
}

func (s *Store) LastDealEvent(dealID string) (types.DealEvent, bool) {
	row := s.db.QueryRow(`SELECT deal_id, sequence_number, event_type, event_data, previous_hash, event_hash, timestamp
FROM fincore_deal_events WHERE deal_id = $1 ORDER BY sequence_number DESC LIMIT 1`, dealID)
	return scanEvent(row)
}

func (s *Store) ListDealEvents(dealID string) ([]types.DealEvent, error) {
	rows, err := s.db.Query(`SELECT deal_id, sequence_number, event_type, event_data, previous_hash, event_hash, timestamp
FROM fincore_deal_events WHERE deal_id = $1 ORDER BY sequence_number ASC`, dealID)
	if err != nil {
		return nil, wrapErr("list deal events", err)
	}
	defer rows.Close()

	out := []types.DealEvent{}
	for rows.Next() {
		var rec types.DealEvent
		var data string
		if err := rows.Scan(&rec.DealID, &rec.SequenceNumber, &rec.EventType, &data, &rec.PreviousHash, &rec.EventHash, &rec.Timestamp); err != nil {
			return nil, wrapErr("scan deal event", err)
		}
		rec.EventData = []byte(data)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) ListDealIDsWithEvents() ([]string, error) {
	rows, err := s.db.Query(`SELECT DISTINCT deal_id FROM fincore_deal_events ORDER BY deal_id ASC`)
	if err != nil {
		return nil, wrapErr("list deal ids", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var dealID string
		if err := rows.Scan(&dealID); err != nil {
			return nil, wrapErr("scan deal id", err)
		}
		out = append(out, dealID)
	}
	return out, rows.Err()
}

func (s *Store) GetIdempotencyRecord(scopeKey, payloadDigest, cutoff string) (types.IdempotencyRecord, bool) {
	var rec types.IdempotencyRecord
	var body string
	row := s.db.QueryRow(`SELECT scope_key, payload_digest, status_code, body, created_at
FROM fincore_idempotency_records WHERE scope_key = $1 AND payload_digest = $2 AND created_at > $3`, scopeKey, payloadDigest, cutoff)
	if err := row.Scan(&rec.ScopeKey, &rec.PayloadDigest, &rec.StatusCode, &body, &rec.CreatedAt); err != nil {
		return types.IdempotencyRecord{}, false
	}
	rec.Body = []byte(body)
	return rec, true
}

func (s *Store) PutIdempotencyRecordIfAbsent(rec types.IdempotencyRecord, cutoff string) (types.IdempotencyRecord, bool, error) {
	if !json.Valid(rec.Body) {
		return types.IdempotencyRecord{}, false, errors.New("invalid body")
	}

	var out types.IdempotencyRecord
	inserted := false

	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return types.IdempotencyRecord{}, false, wrapErr("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if _, err := tx.Exec(`DELETE FROM fincore_idempotency_records WHERE scope_key = $1 AND payload_digest = $2 AND created_at <= $3`,
		rec.ScopeKey, rec.PayloadDigest, cutoff); err != nil {
		return types.IdempotencyRecord{}, false, wrapErr("evict expired record", err)
	}

	res, err := tx.Exec(`INSERT INTO fincore_idempotency_records(scope_key, payload_digest, status_code, body, created_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT(scope_key, payload_digest) DO NOTHING`,
		rec.ScopeKey, rec.PayloadDigest, rec.StatusCode, string(rec.Body), rec.CreatedAt)
	if err != nil {
		return types.IdempotencyRecord{}, false, wrapErr("insert idempotency record", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return types.IdempotencyRecord{}, false, wrapErr("rows affected", err)
	}

	if affected > 0 {
		out = rec
		inserted = true
	} else {
		var body string
		row := tx.QueryRow(`SELECT scope_key, payload_digest, status_code, body, created_at
FROM fincore_idempotency_records WHERE scope_key = $1 AND payload_digest = $2`, rec.ScopeKey, rec.PayloadDigest)
		if err := row.Scan(&out.ScopeKey, &out.PayloadDigest, &out.StatusCode, &body, &out.CreatedAt); err != nil {
			return types.IdempotencyRecord{}, false, wrapErr("read existing record", err)
		}
		out.Body = []byte(body)
	}

	if err := tx.Commit(); err != nil {
		return types.IdempotencyRecord{}, false, wrapErr("commit tx", err)
	}
	return out, inserted, nil
}

func (s *Store) DeleteExpiredIdempotencyRecords(cutoff string) (int, error) {
	res, err := s.db.Exec(`DELETE FROM fincore_idempotency_records WHERE created_at <= $1`, cutoff)
	if err != nil {
		return 0, wrapErr("delete expired records", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("rows affected", err)
	}
	return int(affected), nil
}

func (s *Store) DeleteAllIdempotencyRecords() (int, error) {
	res, err := s.db.Exec(`DELETE FROM fincore_idempotency_records`)
	if err != nil {
		return 0, wrapErr("delete all records", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, wrapErr("rows affected", err)
	}
	return int(affected), nil
}

func (s *Store) Dump() (store.Collections, error) {
	var c store.Collections

	deals, err := s.ListDeals()
	if err != nil {
		return store.Collections{}, err
	}
	c.Deals = deals

	if err := s.dumpCapitalCalls(&c); err != nil {
		return store.Collections{}, err
	}
	if err := s.dumpDistributions(&c); err != nil {
		return store.Collections{}, err
	}
	if err := s.dumpDealEvents(&c); err != nil {
		return store.Collections{}, err
	}
	if err := s.dumpIdempotencyRecords(&c); err != nil {
		return store.Collections{}, err
	}
	return c, nil
}

func (s *Store) dumpCapitalCalls(c *store.Collections) error {
	rows, err := s.db.Query(`SELECT id, deal_id, amount_cents, due_date, status, created_at FROM fincore_capital_calls ORDER BY id ASC`)
	if err != nil {
		return wrapErr("dump capital calls", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec types.CapitalCall
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DueDate, &rec.Status, &rec.CreatedAt); err != nil {
			return wrapErr("scan capital call", err)
		}
		c.CapitalCalls = append(c.CapitalCalls, rec)
	}
	return rows.Err()
}

func (s *Store) dumpDistributions(c *store.Collections) error {
	rows, err := s.db.Query(`SELECT id, deal_id, amount_cents, distribution_type, created_at FROM fincore_distributions ORDER BY id ASC`)
	if err != nil {
		return wrapErr("dump distributions", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec types.Distribution
		if err := rows.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DistributionType, &rec.CreatedAt); err != nil {
			return wrapErr("scan distribution", err)
		}
		c.Distributions = append(c.Distributions, rec)
	}
	return rows.Err()
}

func (s *Store) dumpDealEvents(c *store.Collections) error {
	rows, err := s.db.Query(`SELECT deal_id, sequence_number, event_type, event_data, previous_hash, event_hash, timestamp
FROM fincore_deal_events ORDER BY deal_id ASC, sequence_number ASC`)
	if err != nil {
		return wrapErr("dump deal events", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec types.DealEvent
		var data string
		if err := rows.Scan(&rec.DealID, &rec.SequenceNumber, &rec.EventType, &data, &rec.PreviousHash, &rec.EventHash, &rec.Timestamp); err != nil {
			return wrapErr("scan deal event", err)
		}
		rec.EventData = []byte(data)
		c.DealEvents = append(c.DealEvents, rec)
	}
	return rows.Err()
}

func (s *Store) dumpIdempotencyRecords(c *store.Collections) error {
	rows, err := s.db.Query(`SELECT scope_key, payload_digest, status_code, body, created_at
FROM fincore_idempotency_records ORDER BY scope_key ASC, payload_digest ASC`)
	if err != nil {
		return wrapErr("dump idempotency records", err)
	}
	defer rows.Close()
	for rows.Next() {
		var rec types.IdempotencyRecord
		var body string
		if err := rows.Scan(&rec.ScopeKey, &rec.PayloadDigest, &rec.StatusCode, &body, &rec.CreatedAt); err != nil {
			return wrapErr("scan idempotency record", err)
		}
		rec.Body = []byte(body)
		c.IdempotencyRecords = append(c.IdempotencyRecords, rec)
	}
	return rows.Err()
}

func (s *Store) Replace(c store.Collections) error {
	tx, err := s.db.BeginTx(context.Background(), &sql.TxOptions{})
	if err != nil {
		return wrapErr("begin tx", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	for _, table := range []string{"fincore_deal_events", "fincore_capital_calls", "fincore_distributions", "fincore_idempotency_records", "fincore_deals"} {
		if _, err := tx.Exec(`DELETE FROM ` + table); err != nil {
			return wrapErr("clear "+table, err)
		}
	}

	for _, deal := range c.Deals {
		if _, err := tx.Exec(`INSERT INTO fincore_deals(id, org_id, name, property_type, status, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
			deal.ID, deal.OrgID, deal.Name, deal.PropertyType, deal.Status, deal.CreatedAt); err != nil {
			return wrapErr("restore deal", err)
		}
	}
	for _, call := range c.CapitalCalls {
		if _, err := tx.Exec(`INSERT INTO fincore_capital_calls(id, deal_id, amount_cents, due_date, status, created_at) VALUES($1,$2,$3,$4,$5,$6)`,
			call.ID, call.DealID, call.AmountCents, call.DueDate, call.Status, call.CreatedAt); err != nil {
			return wrapErr("restore capital call", err)
		}
	}
	for _, dist := range c.Distributions {
		if _, err := tx.Exec(`INSERT INTO fincore_distributions(id, deal_id, amount_cents, distribution_type, created_at) VALUES($1,$2,$3,$4,$5)`,
			dist.ID, dist.DealID, dist.AmountCents, dist.DistributionType, dist.CreatedAt); err != nil {
			return wrapErr("restore distribution", err)
		}
	}
	for _, ev := range c.DealEvents {
		if _, err := tx.Exec(`INSERT INTO fincore_deal_events(deal_id, sequence_number, event_type, event_data, previous_hash, event_hash, timestamp) VALUES($1,$2,$3,$4,$5,$6,$7)`,
			ev.DealID, ev.SequenceNumber, ev.EventType, string(ev.EventData), ev.PreviousHash, ev.EventHash, ev.Timestamp); err != nil {
			return wrapErr("restore deal event", err)
		}
	}
	for _, rec := range c.IdempotencyRecords {
		if _, err := tx.Exec(`INSERT INTO fincore_idempotency_records(scope_key, payload_digest, status_code, body, created_at) VALUES($1,$2,$3,$4,$5)`,
			rec.ScopeKey, rec.PayloadDigest, rec.StatusCode, string(rec.Body), rec.CreatedAt); err != nil {
			return wrapErr("restore idempotency record", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrapErr("commit tx", err)
	}
	return nil
}

type Tx struct {
	tx *sql.Tx
}

func (t *Tx) PutDeal(deal types.Deal) error {
	_, err := t.tx.Exec(
		`INSERT INTO fincore_deals(id, org_id, name, property_type, status, created_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT(id) DO UPDATE SET
  org_id=excluded.org_id,
  name=excluded.name,
  property_type=excluded.property_type,
  status=excluded.status`,
		deal.ID, deal.OrgID, deal.Name, deal.PropertyType, deal.Status, deal.CreatedAt,
	)
	if err != nil {
		return wrapErr("put deal", err)
	}
	return nil
}

func (t *Tx) GetDeal(dealID string) (types.Deal, bool) {
	var rec types.Deal
	row := t.tx.QueryRow(`SELECT id, org_id, name, property_type, status, created_at FROM fincore_deals WHERE id = $1`, dealID)
	if err := row.Scan(&rec.ID, &rec.OrgID, &rec.Name, &rec.PropertyType, &rec.Status, &rec.CreatedAt); err != nil {
		return types.Deal{}, false
	}
	return rec, true
}

func (t *Tx) PutCapitalCall(call types.CapitalCall) error {
	_, err := t.tx.Exec(
		`INSERT INTO fincore_capital_calls(id, deal_id, amount_cents, due_date, status, created_at)
VALUES($1,$2,$3,$4,$5,$6)
ON CONFLICT(id) DO UPDATE SET
  status=excluded.status`,
		call.ID, call.DealID, call.AmountCents, call.DueDate, call.Status, call.CreatedAt,
	)
	if err != nil {
		return wrapErr("put capital call", err)
	}
	return nil
}

func (t *Tx) GetCapitalCall(callID string) (types.CapitalCall, bool) {
	var rec types.CapitalCall
	row := t.tx.QueryRow(`SELECT id, deal_id, amount_cents, due_date, status, created_at FROM fincore_capital_calls WHERE id = $1`, callID)
	if err := row.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DueDate, &rec.Status, &rec.CreatedAt); err != nil {
		return types.CapitalCall{}, false
	}
	return rec, true
}

func (t *Tx) PutDistribution(dist types.Distribution) error {
	_, err := t.tx.Exec(
		`INSERT INTO fincore_distributions(id, deal_id, amount_cents, distribution_type, created_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT(id) DO NOTHING`,
		dist.ID, dist.DealID, dist.AmountCents, dist.DistributionType, dist.CreatedAt,
	)
	if err != nil {
		return wrapErr("put distribution", err)
	}
	return nil
}

func (t *Tx) GetDistribution(distID string) (types.Distribution, bool) {
	var rec types.Distribution
	row := t.tx.QueryRow(`SELECT id, deal_id, amount_cents, distribution_type, created_at FROM fincore_distributions WHERE id = $1`, distID)
	if err := row.Scan(&rec.ID, &rec.DealID, &rec.AmountCents, &rec.DistributionType, &rec.CreatedAt); err != nil {
		return types.Distribution{}, false
	}
	return rec, true
}

// PutDealEvent is a plain insert: the (deal_id, sequence_number) primary key
// is the backstop against two writers extending the same chain, so a
// conflict must surface as an error, never be swallowed.
func (t *Tx) PutDealEvent(event types.DealEvent) error {
	if !json.Valid(event.EventData) {
		return errors.New("invalid event_data")
	}
	_, err := t.tx.Exec(
		`INSERT INTO fincore_deal_events(deal_id, sequence_number, event_type, event_data, previous_hash, event_hash, timestamp)
VALUES($1,$2,$3,$4,$5,$6,$7)`,
		event.DealID, event.SequenceNumber, event.EventType, string(event.EventData), event.PreviousHash, event.EventHash, event.Timestamp,
	)
	if err != nil {
		return wrapErr("put deal event", err)
	}
	return nil
}

func (t *Tx) LastDealEvent(dealID string) (types.DealEvent, bool) {
	row := t.tx.QueryRow(`SELECT deal_id, sequence_number, event_type, event_data, previous_hash, event_hash, timestamp
FROM fincore_deal_events WHERE deal_id = $1 ORDER BY sequence_number DESC LIMIT 1`, dealID)
	return scanEvent(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (types.DealEvent, bool) {
	var rec types.DealEvent
	var data string
	if err := row.Scan(&rec.DealID, &rec.SequenceNumber, &rec.EventType, &data, &rec.PreviousHash, &rec.EventHash, &rec.Timestamp); err != nil {
		return types.DealEvent{}, false
	}
	rec.EventData = []byte(data)
	return rec, true
}

func wrapErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, store.ErrStorageUnavailable, err)
}
