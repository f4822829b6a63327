package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

func newIdemCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "idem",
		Short: "Idempotency record maintenance",
	}
	cmd.AddCommand(newIdemActionCommand(opts, "flush", "Delete every idempotency record"))
	cmd.AddCommand(newIdemActionCommand(opts, "sweep", "Delete expired idempotency records"))
	return cmd
}

func newIdemActionCommand(opts *rootOptions, action string, short string) *cobra.Command {
	return &cobra.Command{
		Use:   action,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, status, err := httpPost(opts.client, opts.addr+"/v1/admin/idempotency/"+action, opts.token, nil)
			if err != nil {
				return transportFailure("%s: %v", action, err)
			}
			if status != http.StatusOK {
				return transportFailure("%s failed (%d): %s", action, status, strings.TrimSpace(string(body)))
			}

			var resp struct {
				Deleted int `json:"deleted"`
			}
			if err := json.Unmarshal(body, &resp); err != nil {
				return transportFailure("invalid response: %v", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", resp.Deleted)
			return nil
		},
	}
}
