package types

// VerificationResult reports one deal's chain check. A break is data, not an
// error: BrokenAt carries the sequence number of the first bad link.
type VerificationResult struct {
	DealID     string `json:"deal_id"`
	Valid      bool   `json:"valid"`
	EventCount int    `json:"event_count"`
	BrokenAt   *int64 `json:"broken_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

type LedgerReport struct {
	DealsChecked  int                  `json:"deals_checked"`
	EventsChecked int                  `json:"events_checked"`
	Valid         bool                 `json:"valid"`
	Failures      []VerificationResult `json:"failures,omitempty"`
}

type DrillReport struct {
	SnapshotChecksum string         `json:"snapshot_checksum"`
	ArtifactPath     string         `json:"artifact_path,omitempty"`
	CountsBefore     map[string]int `json:"counts_before"`
	CountsAfter      map[string]int `json:"counts_after"`
	LedgerBefore     LedgerReport   `json:"ledger_before"`
	LedgerAfter      LedgerReport   `json:"ledger_after"`
	Passed           bool           `json:"passed"`
	StartedAt        string         `json:"started_at"`
	CompletedAt      string         `json:"completed_at"`
}
