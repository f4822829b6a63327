package ledger

import (
	"context"
	"strings"
	"testing"

	"github.com/meridiancre/fincore/internal/store"
	"github.com/meridiancre/fincore/pkg/types"
)

// seedChain appends n events to dealID and returns them in sequence order.
func seedChain(t *testing.T, l *Ledger, dealID string, n int) []types.DealEvent {
	t.Helper()

	events := make([]types.DealEvent, 0, n)
	for i := 0; i < n; i++ {
		ev, err := l.Append(context.Background(), dealID, EventCapitalCallCreated, map[string]any{"n": i})
		if err != nil {
			t.Fatalf("seed append %d: %v", i, err)
		}
		events = append(events, ev)
	}
	return events
}

// rewriteEvents round-trips the store contents through Dump and Replace with
// the deal events rewritten, the same way a corrupted restore would.
func rewriteEvents(t *testing.T, st *store.InMemoryStore, mutate func([]types.DealEvent) []types.DealEvent) {
	t.Helper()

	c, err := st.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	c.DealEvents = mutate(c.DealEvents)
	if err := st.Replace(c); err != nil {
		t.Fatalf("replace: %v", err)
	}
}

func TestVerifyEmptyChain(t *testing.T) {
	l, _ := newTestLedger(t)

	res, err := l.Verify(context.Background(), "deal-none")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventCount != 0 || res.BrokenAt != nil {
		t.Fatalf("empty chain result = %+v, want trivially valid", res)
	}
}

func TestVerifyValidChain(t *testing.T) {
	l, _ := newTestLedger(t)
	seedChain(t, l, "deal-1", 5)

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventCount != 5 {
		t.Fatalf("result = %+v, want valid with 5 events", res)
	}
}

func TestVerifyDetectsTamperedEventData(t *testing.T) {
	l, st := newTestLedger(t)
	seedChain(t, l, "deal-1", 4)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		events[1].EventData = []byte(`{"n":999999}`)
		return events
	})

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 1 {
		t.Fatalf("result = %+v, want broken at 1", res)
	}
	if res.Reason != "event hash mismatch" {
		t.Fatalf("reason = %q, want event hash mismatch", res.Reason)
	}
}

func TestVerifyDetectsTamperedEventHash(t *testing.T) {
	l, st := newTestLedger(t)
	seedChain(t, l, "deal-1", 4)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		events[2].EventHash = strings.Repeat("ab", 32)
		return events
	})

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 2 {
		t.Fatalf("result = %+v, want broken at 2", res)
	}
	if res.Reason != "event hash mismatch" {
		t.Fatalf("reason = %q, want event hash mismatch", res.Reason)
	}
}

func TestVerifyDetectsTamperedPreviousHash(t *testing.T) {
	l, st := newTestLedger(t)
	seedChain(t, l, "deal-1", 4)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		events[3].PreviousHash = strings.Repeat("cd", 32)
		return events
	})

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 3 {
		t.Fatalf("result = %+v, want broken at 3", res)
	}
	if res.Reason != "previous hash mismatch" {
		t.Fatalf("reason = %q, want previous hash mismatch", res.Reason)
	}
}

func TestVerifyDetectsMidChainDeletion(t *testing.T) {
	l, st := newTestLedger(t)
	seedChain(t, l, "deal-1", 4)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		return append(events[:1], events[2:]...)
	})

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 1 {
		t.Fatalf("result = %+v, want broken at 1", res)
	}
	if res.Reason != "sequence gap: expected 1, found 2" {
		t.Fatalf("reason = %q", res.Reason)
	}
}

// Dropping the tail of a chain leaves a shorter chain that is internally
// consistent; the hash-chain check alone cannot see it. Callers that need
// truncation detection must track an expected count elsewhere.
func TestVerifyCannotDetectTruncatedTail(t *testing.T) {
	l, st := newTestLedger(t)
	seedChain(t, l, "deal-1", 4)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		return events[:3]
	})

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !res.Valid || res.EventCount != 3 {
		t.Fatalf("result = %+v, want valid with 3 events", res)
	}
}

func TestVerifyDetectsUnreadableEventData(t *testing.T) {
	l, st := newTestLedger(t)
	seedChain(t, l, "deal-1", 2)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		events[0].EventData = []byte(`{"n":`)
		return events
	})

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 0 {
		t.Fatalf("result = %+v, want broken at 0", res)
	}
	if res.Reason != "unreadable event data" {
		t.Fatalf("reason = %q, want unreadable event data", res.Reason)
	}
}

func TestVerifyAllAggregates(t *testing.T) {
	l, st := newTestLedger(t)
	ctx := context.Background()

	seedChain(t, l, "deal-a", 2)
	seedChain(t, l, "deal-b", 3)
	seedChain(t, l, "deal-c", 1)

	rewriteEvents(t, st, func(events []types.DealEvent) []types.DealEvent {
		for i := range events {
			if events[i].DealID == "deal-b" && events[i].SequenceNumber == 1 {
				events[i].EventData = []byte(`{"n":42}`)
			}
		}
		return events
	})

	report, err := l.VerifyAll(ctx)
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if report.Valid {
		t.Fatal("report valid despite tampered deal-b")
	}
	if report.DealsChecked != 3 || report.EventsChecked != 6 {
		t.Fatalf("report counts = %d deals, %d events, want 3 and 6", report.DealsChecked, report.EventsChecked)
	}
	if len(report.Failures) != 1 || report.Failures[0].DealID != "deal-b" {
		t.Fatalf("failures = %+v, want one for deal-b", report.Failures)
	}
	if report.Failures[0].BrokenAt == nil || *report.Failures[0].BrokenAt != 1 {
		t.Fatalf("deal-b failure = %+v, want broken at 1", report.Failures[0])
	}
}

func TestVerifyAllEmptyStore(t *testing.T) {
	l, _ := newTestLedger(t)

	report, err := l.VerifyAll(context.Background())
	if err != nil {
		t.Fatalf("verify all: %v", err)
	}
	if !report.Valid || report.DealsChecked != 0 || report.EventsChecked != 0 || len(report.Failures) != 0 {
		t.Fatalf("report = %+v, want empty and valid", report)
	}
}
