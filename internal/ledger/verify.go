package ledger

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/meridiancre/fincore/internal/crypto"
	"github.com/meridiancre/fincore/pkg/types"
)

// verifyWorkers bounds the errgroup in VerifyAll.
const verifyWorkers = 8

// Verify walks dealID's chain in sequence order and checks every link:
// sequence numbers contiguous from 0, each stored previous hash equal to the
// prior event's stored hash, and each stored event hash equal to the digest
// recomputed from the event's own fields. The first failure is reported as
// data (Valid false, BrokenAt, Reason), not as an error; an empty chain is
// trivially valid.
func (l *Ledger) Verify(ctx context.Context, dealID string) (types.VerificationResult, error) {
	if err := ctx.Err(); err != nil {
		return types.VerificationResult{}, fmt.Errorf("verify chain: %w", err)
	}
	events, err := l.store.ListDealEvents(dealID)
	if err != nil {
		return types.VerificationResult{}, err
	}

	result := types.VerificationResult{DealID: dealID, Valid: true, EventCount: len(events)}
	previous := crypto.GenesisHash
	for i, event := range events {
		if reason, ok := checkLink(event, int64(i), previous); !ok {
			at := int64(i)
			result.Valid = false
			result.BrokenAt = &at
			result.Reason = reason
			return result, nil
		}
		previous = event.EventHash
	}
	return result, nil
}

// checkLink validates one event at the given chain position against the
// prior event's stored hash.
func checkLink(event types.DealEvent, position int64, previous string) (string, bool) {
	if event.SequenceNumber != position {
		return fmt.Sprintf("sequence gap: expected %d, found %d", position, event.SequenceNumber), false
	}
	if event.PreviousHash != previous {
		return "previous hash mismatch", false
	}
	recomputed, err := eventHash(event, previous)
	if err != nil {
		return "unreadable event data", false
	}
	if recomputed != event.EventHash {
		return "event hash mismatch", false
	}
	return "", true
}

// VerifyAll verifies every deal that has events and aggregates the results.
// Deals are checked concurrently but reported in dealID order.
func (l *Ledger) VerifyAll(ctx context.Context) (types.LedgerReport, error) {
	ids, err := l.store.ListDealIDsWithEvents()
	if err != nil {
		return types.LedgerReport{}, err
	}

	results := make([]types.VerificationResult, len(ids))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(verifyWorkers)
	for i, id := range ids {
		g.Go(func() error {
			res, err := l.Verify(ctx, id)
			if err != nil {
				return err
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.LedgerReport{}, err
	}

	report := types.LedgerReport{Valid: true, DealsChecked: len(ids)}
	for _, res := range results {
		report.EventsChecked += res.EventCount
		if !res.Valid {
			report.Valid = false
			report.Failures = append(report.Failures, res)
		}
	}
	return report, nil
}
