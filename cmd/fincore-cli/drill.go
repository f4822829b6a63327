package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridiancre/fincore/pkg/types"
)

func newDrillCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drill",
		Short: "Run a disaster-recovery drill on the gateway",
		Long:  "Snapshots live state, wipes it, restores from the artifact and compares. Exits 1 when the restored state does not match.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := httpPost(opts.client, opts.addr+"/v1/admin/drill", opts.token, nil)
			if err != nil {
				return transportFailure("drill: %v", err)
			}
			if status != http.StatusOK {
				return transportFailure("drill failed (%d): %s", status, strings.TrimSpace(string(body)))
			}

			var report types.DrillReport
			if err := json.Unmarshal(body, &report); err != nil {
				return transportFailure("invalid response: %v", err)
			}

			if !report.Passed {
				return integrityFailure("drill failed: checksum=%s artifact=%s ledger_after_valid=%t",
					report.SnapshotChecksum, report.ArtifactPath, report.LedgerAfter.Valid)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "passed checksum=%s artifact=%s\n", report.SnapshotChecksum, report.ArtifactPath)
			return nil
		},
	}
}
