package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridiancre/fincore/pkg/types"
)

func newRestoreCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-file>",
		Short: "Replace the gateway's live state from a snapshot artifact",
		Long:  "The file path is resolved on the gateway host. Every chain is re-verified after the restore; exits 1 when the artifact is corrupt or the restored ledger is broken.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := httpPost(opts.client, opts.addr+"/v1/admin/restore", opts.token, map[string]string{"path": args[0]})
			if err != nil {
				return transportFailure("restore: %v", err)
			}
			switch status {
			case http.StatusOK:
			case http.StatusConflict, http.StatusInternalServerError:
				return integrityFailure("restore failed (%d): %s", status, strings.TrimSpace(string(body)))
			default:
				return transportFailure("restore failed (%d): %s", status, strings.TrimSpace(string(body)))
			}

			var resp struct {
				Checksum string             `json:"checksum"`
				Ledger   types.LedgerReport `json:"ledger"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return transportFailure("invalid response: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored checksum=%s deals=%d events=%d\n",
				resp.Checksum, resp.Ledger.DealsChecked, resp.Ledger.EventsChecked)
			return nil
		},
	}
}
