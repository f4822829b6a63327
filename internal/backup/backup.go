// Package backup produces whole-state snapshots, validates them with a
// canonical checksum, and restores them atomically. A snapshot is the only
// path that bulk-replaces live collections.
package backup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/meridiancre/fincore/internal/crypto"
	"github.com/meridiancre/fincore/internal/ledger"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

var (
	ErrChecksumMismatch  = errors.New("snapshot checksum mismatch")
	ErrCorruptBackup     = errors.New("corrupt backup")
	ErrMalformedSnapshot = errors.New("malformed snapshot")
)

// Manager coordinates snapshot, restore and drill against one store. dir is
// where Save and RunDrill persist artifacts.
type Manager struct {
	store  store.Store
	ledger *ledger.Ledger
	dir    string
	nowFn  func() time.Time
}

func New(st store.Store, l *ledger.Ledger, dir string) *Manager {
	return &Manager{store: st, ledger: l, dir: dir, nowFn: time.Now}
}

// CreateSnapshot deep-copies every collection in canonical order and seals
// the copy with a checksum over its canonical JSON. The returned snapshot is
// isolated: later mutations of live state do not show through it.
func (m *Manager) CreateSnapshot(ctx context.Context) (types.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return types.Snapshot{}, fmt.Errorf("create snapshot: %w", err)
	}

	c, err := m.store.Dump()
	if err != nil {
		return types.Snapshot{}, err
	}
	data, err := encodeCollections(c)
	if err != nil {
		return types.Snapshot{}, err
	}
	checksum, err := crypto.Digest(data)
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("checksum snapshot: %w", err)
	}
	return types.Snapshot{
		Timestamp: m.nowFn().UTC().Format(time.RFC3339),
		Checksum:  checksum,
		Data:      data,
	}, nil
}

// Save creates a snapshot and persists it under the manager's artifact
// directory, returning the artifact path.
func (m *Manager) Save(ctx context.Context) (types.Snapshot, string, error) {
	snap, err := m.CreateSnapshot(ctx)
	if err != nil {
		return types.Snapshot{}, "", err
	}
	path := filepath.Join(m.dir, artifactName("snapshot", snap.Timestamp))
	if err := WriteSnapshotFile(path, snap); err != nil {
		return types.Snapshot{}, "", err
	}
	return snap, path, nil
}

// artifactName strips colons so timestamps survive as file names everywhere.
func artifactName(prefix, timestamp string) string {
	return prefix + "-" + strings.ReplaceAll(timestamp, ":", "") + ".json"
}

// VerifyChecksum recomputes the digest over snapshot data and compares it to
// the sealed checksum.
func VerifyChecksum(s types.Snapshot) error {
	computed, err := crypto.Digest(s.Data)
	if err != nil {
		return fmt.Errorf("checksum snapshot: %w", err)
	}
	if computed != s.Checksum {
		return fmt.Errorf("%w: sealed %s, computed %s", ErrChecksumMismatch, s.Checksum, computed)
	}
	return nil
}

// Restore replaces every live collection with the snapshot's contents in one
// transaction. The snapshot's shape is validated first, then the checksum;
// nothing is mutated unless both pass. Callers run ledger verification after
// a restore as the final integrity gate.
func (m *Manager) Restore(ctx context.Context, s types.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}

	c, err := decodeCollections(s.Data)
	if err != nil {
		return err
	}
	if err := VerifyChecksum(s); err != nil {
		return fmt.Errorf("%w: %w", ErrCorruptBackup, err)
	}
	return m.store.Replace(c)
}

// WriteSnapshotFile stores the snapshot artifact at path with owner-only
// permissions, writing through a temp file and renaming so a crash never
// leaves a partial artifact behind.
func WriteSnapshotFile(path string, s types.Snapshot) error {
	raw, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("publish snapshot: %w", err)
	}
	return nil
}

// ReadSnapshotFile loads a snapshot artifact. The result is unvalidated;
// Restore performs shape and checksum checks.
func ReadSnapshotFile(path string) (types.Snapshot, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- path is operator-provided.
	if err != nil {
		return types.Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var s types.Snapshot
	if err := json.Unmarshal(raw, &s); err != nil {
		return types.Snapshot{}, fmt.Errorf("%w: %v", ErrMalformedSnapshot, err)
	}
	return s, nil
}

// encodeCollections renders a store dump as the snapshot data map. Every
// collection key is present even when empty, so artifact shape and checksum
// input do not depend on which collections happen to hold records.
func encodeCollections(c store.Collections) (map[string][]json.RawMessage, error) {
	data := make(map[string][]json.RawMessage, 5)
	var err error
	if data[store.CollectionCapitalCalls], err = encodeRecords(c.CapitalCalls); err != nil {
		return nil, err
	}
	if data[store.CollectionDealEvents], err = encodeRecords(c.DealEvents); err != nil {
		return nil, err
	}
	if data[store.CollectionDeals], err = encodeRecords(c.Deals); err != nil {
		return nil, err
	}
	if data[store.CollectionDistributions], err = encodeRecords(c.Distributions); err != nil {
		return nil, err
	}
	if data[store.CollectionIdempotencyRecords], err = encodeRecords(c.IdempotencyRecords); err != nil {
		return nil, err
	}
	return data, nil
}

func decodeCollections(data map[string][]json.RawMessage) (store.Collections, error) {
	for name := range data {
		switch name {
		case store.CollectionCapitalCalls, store.CollectionDealEvents, store.CollectionDeals,
			store.CollectionDistributions, store.CollectionIdempotencyRecords:
		default:
			return store.Collections{}, fmt.Errorf("%w: unknown collection %q", ErrMalformedSnapshot, name)
		}
	}

	var c store.Collections
	var err error
	if c.Deals, err = decodeRecords[types.Deal](data[store.CollectionDeals], store.CollectionDeals); err != nil {
		return store.Collections{}, err
	}
	if c.CapitalCalls, err = decodeRecords[types.CapitalCall](data[store.CollectionCapitalCalls], store.CollectionCapitalCalls); err != nil {
		return store.Collections{}, err
	}
	if c.Distributions, err = decodeRecords[types.Distribution](data[store.CollectionDistributions], store.CollectionDistributions); err != nil {
		return store.Collections{}, err
	}
	if c.DealEvents, err = decodeRecords[types.DealEvent](data[store.CollectionDealEvents], store.CollectionDealEvents); err != nil {
		return store.Collections{}, err
	}
	if c.IdempotencyRecords, err = decodeRecords[types.IdempotencyRecord](data[store.CollectionIdempotencyRecords], store.CollectionIdempotencyRecords); err != nil {
		return store.Collections{}, err
	}
	return c, nil
}

func encodeRecords[T any](recs []T) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(recs))
	for _, rec := range recs {
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, fmt.Errorf("encode snapshot record: %w", err)
		}
		out = append(out, raw)
	}
	return out, nil
}

func decodeRecords[T any](raws []json.RawMessage, collection string) ([]T, error) {
	out := make([]T, 0, len(raws))
	for i, raw := range raws {
		var rec T
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("%w: %s[%d]: %v", ErrMalformedSnapshot, collection, i, err)
		}
		out = append(out, rec)
	}
	return out, nil
}
