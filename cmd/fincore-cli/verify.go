package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridiancre/fincore/pkg/types"
)

func newVerifyCommand(opts *rootOptions) *cobra.Command {
	var dealID string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify event hash chains",
		Long:  "Recomputes every chain link and reports the first break per deal. Exits 1 when any chain is broken.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if dealID != "" {
				return verifyDeal(cmd, opts, dealID)
			}
			return verifyAll(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&dealID, "deal", "", "verify a single deal's chain")
	return cmd
}

func verifyAll(cmd *cobra.Command, opts *rootOptions) error {
	body, status, err := httpGet(opts.client, opts.addr+"/v1/verify", opts.token)
	if err != nil {
		return transportFailure("verify: %v", err)
	}
	if status != http.StatusOK {
		return transportFailure("verify failed (%d): %s", status, strings.TrimSpace(string(body)))
	}

	var report types.LedgerReport
	if err := json.Unmarshal(body, &report); err != nil {
		return transportFailure("invalid response: %v", err)
	}

	if !report.Valid {
		for _, f := range report.Failures {
			fmt.Fprintln(cmd.ErrOrStderr(), describeBreak(f))
		}
		return integrityFailure("ledger invalid: %d of %d deals broken", len(report.Failures), report.DealsChecked)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "valid=true deals=%d events=%d\n", report.DealsChecked, report.EventsChecked)
	return nil
}

func verifyDeal(cmd *cobra.Command, opts *rootOptions, dealID string) error {
	body, status, err := httpGet(opts.client, opts.addr+"/v1/deals/"+dealID+"/verify", opts.token)
	if err != nil {
		return transportFailure("verify: %v", err)
	}
	if status != http.StatusOK {
		return transportFailure("verify failed (%d): %s", status, strings.TrimSpace(string(body)))
	}

	var result types.VerificationResult
	if err := json.Unmarshal(body, &result); err != nil {
		return transportFailure("invalid response: %v", err)
	}

	if !result.Valid {
		return integrityFailure("%s", describeBreak(result))
	}
	fmt.Fprintf(cmd.OutOrStdout(), "valid=true deal=%s events=%d\n", result.DealID, result.EventCount)
	return nil
}

func describeBreak(r types.VerificationResult) string {
	at := "?"
	if r.BrokenAt != nil {
		at = fmt.Sprintf("%d", *r.BrokenAt)
	}
	return fmt.Sprintf("deal %s broken at sequence %s: %s", r.DealID, at, r.Reason)
}
