package backup

import (
	"context"
	"os"
	"testing"

	"github.com/meridiancre/fincore/internal/store"
)

func TestRunDrillHealthyState(t *testing.T) {
	m, st, l := newTestManager(t)
	seedState(t, st, l)

	report, err := m.RunDrill(context.Background())
	if err != nil {
		t.Fatalf("run drill: %v", err)
	}
	if !report.Passed {
		t.Fatalf("drill failed: %+v", report)
	}
	if !report.LedgerBefore.Valid || !report.LedgerAfter.Valid {
		t.Fatalf("ledger reports = %+v / %+v", report.LedgerBefore, report.LedgerAfter)
	}
	for _, name := range store.CollectionNames() {
		if report.CountsBefore[name] != report.CountsAfter[name] {
			t.Fatalf("%s count drifted: %d -> %d", name, report.CountsBefore[name], report.CountsAfter[name])
		}
	}
	if report.CountsBefore[store.CollectionDealEvents] != 3 {
		t.Fatalf("events before = %d, want 3", report.CountsBefore[store.CollectionDealEvents])
	}
	if report.StartedAt == "" || report.CompletedAt == "" || len(report.SnapshotChecksum) != 64 {
		t.Fatalf("report header incomplete: %+v", report)
	}
	if _, err := os.Stat(report.ArtifactPath); err != nil {
		t.Fatalf("drill artifact missing: %v", err)
	}
}

// A chain already broken before the drill must survive the round trip
// unchanged: the drill proves equivalence, not health.
func TestRunDrillPreservesBrokenChain(t *testing.T) {
	m, st, l := newTestManager(t)
	seedState(t, st, l)

	c, err := st.Dump()
	if err != nil {
		t.Fatalf("dump: %v", err)
	}
	for i := range c.DealEvents {
		if c.DealEvents[i].DealID == "deal-1" && c.DealEvents[i].SequenceNumber == 1 {
			c.DealEvents[i].EventData = []byte(`{"seed":false}`)
		}
	}
	if err := st.Replace(c); err != nil {
		t.Fatalf("replace: %v", err)
	}

	report, err := m.RunDrill(context.Background())
	if err != nil {
		t.Fatalf("run drill: %v", err)
	}
	if report.LedgerBefore.Valid || report.LedgerAfter.Valid {
		t.Fatalf("tampered chain verified: %+v / %+v", report.LedgerBefore, report.LedgerAfter)
	}
	if len(report.LedgerBefore.Failures) != 1 || len(report.LedgerAfter.Failures) != 1 {
		t.Fatalf("failure counts = %d / %d, want 1 / 1",
			len(report.LedgerBefore.Failures), len(report.LedgerAfter.Failures))
	}
	if !report.Passed {
		t.Fatalf("drill did not preserve the broken chain verbatim: %+v", report)
	}

	res, err := l.Verify(context.Background(), "deal-1")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if res.Valid || res.BrokenAt == nil || *res.BrokenAt != 1 {
		t.Fatalf("restored break moved: %+v", res)
	}
}

func TestRunDrillEmptyStore(t *testing.T) {
	m, _, _ := newTestManager(t)

	report, err := m.RunDrill(context.Background())
	if err != nil {
		t.Fatalf("run drill: %v", err)
	}
	if !report.Passed {
		t.Fatalf("empty drill failed: %+v", report)
	}
	for name, n := range report.CountsBefore {
		if n != 0 {
			t.Fatalf("empty store reported %d %s records", n, name)
		}
	}
	if report.LedgerBefore.DealsChecked != 0 || !report.LedgerBefore.Valid {
		t.Fatalf("ledger before = %+v", report.LedgerBefore)
	}
}
