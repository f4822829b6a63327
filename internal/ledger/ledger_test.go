package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/meridiancre/fincore/internal/crypto"
	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

func newTestLedger(t *testing.T) (*Ledger, *store.InMemoryStore) {
	t.Helper()

	st := store.NewInMemoryStore()
	l := New(st)
	l.nowFn = func() time.Time {
		return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	}
	return l, st
}

func TestAppendBuildsChain(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	first, err := l.Append(ctx, "deal-1", EventDealCreated, map[string]any{"name": "Harborview Tower"})
	if err != nil {
		t.Fatalf("append first: %v", err)
	}
	second, err := l.Append(ctx, "deal-1", EventCapitalCallCreated, map[string]any{"amount_cents": 100000})
	if err != nil {
		t.Fatalf("append second: %v", err)
	}
	third, err := l.Append(ctx, "deal-1", EventDealStatusChanged, map[string]any{"status": "closed"})
	if err != nil {
		t.Fatalf("append third: %v", err)
	}

	if first.SequenceNumber != 0 || second.SequenceNumber != 1 || third.SequenceNumber != 2 {
		t.Fatalf("sequence numbers = %d, %d, %d, want 0, 1, 2",
			first.SequenceNumber, second.SequenceNumber, third.SequenceNumber)
	}
	if first.PreviousHash != crypto.GenesisHash {
		t.Fatalf("first previous hash = %q, want genesis %q", first.PreviousHash, crypto.GenesisHash)
	}
	if second.PreviousHash != first.EventHash {
		t.Fatalf("second previous hash = %q, want %q", second.PreviousHash, first.EventHash)
	}
	if third.PreviousHash != second.EventHash {
		t.Fatalf("third previous hash = %q, want %q", third.PreviousHash, second.EventHash)
	}
	for _, ev := range []types.DealEvent{first, second, third} {
		if len(ev.EventHash) != 64 {
			t.Fatalf("event hash %q is not a full sha-256 hex digest", ev.EventHash)
		}
	}
}

func TestAppendStoresCanonicalEventData(t *testing.T) {
	l, st := newTestLedger(t)

	raw := json.RawMessage(`{"due_date": "2026-03-01", "amount_cents": 100000}`)
	ev, err := l.Append(context.Background(), "deal-1", EventCapitalCallCreated, raw)
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	want := `{"amount_cents":100000,"due_date":"2026-03-01"}`
	if string(ev.EventData) != want {
		t.Fatalf("event data = %s, want %s", ev.EventData, want)
	}

	events, err := st.ListDealEvents("deal-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || string(events[0].EventData) != want {
		t.Fatalf("stored event data = %s, want %s", events[0].EventData, want)
	}
}

func TestAppendRejectsMissingFields(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, "", EventDealCreated, nil); !errors.Is(err, ErrMissingDealID) {
		t.Fatalf("append without deal id: %v, want %v", err, ErrMissingDealID)
	}
	if _, err := l.Append(ctx, "deal-1", "", nil); !errors.Is(err, ErrMissingEventType) {
		t.Fatalf("append without event type: %v, want %v", err, ErrMissingEventType)
	}
}

func TestAppendCanceledContext(t *testing.T) {
	l, st := newTestLedger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := l.Append(ctx, "deal-1", EventDealCreated, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("append on canceled context: %v, want %v", err, context.Canceled)
	}

	events, err := st.ListDealEvents("deal-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("canceled append wrote %d events", len(events))
	}
}

func TestAppendWithCommitsRecordAndEventTogether(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	call := types.CapitalCall{
		ID:          "call-1",
		DealID:      "deal-1",
		AmountCents: 100000,
		DueDate:     "2026-03-01",
		Status:      types.CallPending,
		CreatedAt:   "2026-02-01T00:00:00Z",
	}
	ev, err := l.AppendWith(ctx, "deal-1", EventCapitalCallCreated, call, func(tx store.Tx) error {
		return tx.PutCapitalCall(call)
	})
	if err != nil {
		t.Fatalf("append with: %v", err)
	}
	if ev.SequenceNumber != 0 {
		t.Fatalf("sequence = %d, want 0", ev.SequenceNumber)
	}
	if _, ok := st.GetCapitalCall("call-1"); !ok {
		t.Fatal("capital call not written")
	}

	boom := errors.New("boom")
	_, err = l.AppendWith(ctx, "deal-1", EventCapitalCallCreated, call, func(tx store.Tx) error {
		if err := tx.PutCapitalCall(types.CapitalCall{ID: "call-2", DealID: "deal-1", Status: types.CallPending}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("append with failing mutate: %v, want %v", err, boom)
	}
	if _, ok := st.GetCapitalCall("call-2"); ok {
		t.Fatal("failed transaction left a capital call behind")
	}
	events, err := st.ListDealEvents("deal-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("failed transaction changed the chain: %d events, want 1", len(events))
	}
}

func TestAppendSerializesPerDeal(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	const writers = 16
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := l.Append(ctx, "deal-1", EventCapitalCallCreated, map[string]any{"writer": i})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent append: %v", err)
		}
	}

	res, err := l.Verify(ctx, "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventCount != writers {
		t.Fatalf("chain after concurrent appends: %+v", res)
	}
}

func TestAppendKeepsDealsIndependent(t *testing.T) {
	l, _ := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		dealID := fmt.Sprintf("deal-%d", i)
		ev, err := l.Append(ctx, dealID, EventDealCreated, map[string]any{"n": i})
		if err != nil {
			t.Fatalf("append %s: %v", dealID, err)
		}
		if ev.SequenceNumber != 0 {
			t.Fatalf("%s first sequence = %d, want 0", dealID, ev.SequenceNumber)
		}
		if ev.PreviousHash != crypto.GenesisHash {
			t.Fatalf("%s first previous hash = %q, want genesis", dealID, ev.PreviousHash)
		}
	}
}
