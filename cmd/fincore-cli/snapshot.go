package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"

	"github.com/meridiancre/fincore/internal/backup"
)

func newSnapshotCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Create and verify snapshot artifacts",
	}
	cmd.AddCommand(newSnapshotCreateCommand(opts))
	cmd.AddCommand(newSnapshotVerifyCommand(opts))
	return cmd
}

func newSnapshotCreateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Seal the gateway's current state into an artifact",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := httpPost(opts.client, opts.addr+"/v1/admin/snapshot", opts.token, nil)
			if err != nil {
				return transportFailure("snapshot: %v", err)
			}
			if status != http.StatusCreated {
				return transportFailure("snapshot failed (%d): %s", status, strings.TrimSpace(string(body)))
			}

			var resp struct {
				Path     string `json:"path"`
				Checksum string `json:"checksum"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return transportFailure("invalid response: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s checksum=%s\n", resp.Path, resp.Checksum)
			return nil
		},
	}
}

// snapshot verify runs entirely locally against an artifact file; it needs
// no gateway and no token.
func newSnapshotVerifyCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <snapshot-file>",
		Short: "Check an artifact's checksum without a gateway",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			snap, err := backup.ReadSnapshotFile(args[0])
			if err != nil {
				if errors.Is(err, backup.ErrMalformedSnapshot) {
					return integrityFailure("%v", err)
				}
				return transportFailure("%v", err)
			}
			if err := backup.VerifyChecksum(snap); err != nil {
				return integrityFailure("%v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok checksum=%s timestamp=%s\n", snap.Checksum, snap.Timestamp)
			return nil
		},
	}
}
