// Command fincore-cli is the operator console for a running gateway: chain
// verification, snapshot and restore, recovery drills, and idempotency
// record maintenance.
package main

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/spf13/cobra"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(runMain(os.Args[1:], os.Stdout, os.Stderr))
}

var exitFn = os.Exit

// rootOptions carries the global flags into every subcommand.
type rootOptions struct {
	addr   string
	token  string
	client *http.Client
}

// exitError maps a command failure to a process exit code: 1 for integrity
// failures (broken chains, corrupt artifacts, failed drills), 2 for usage
// and transport problems.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

func integrityFailure(format string, args ...any) error {
	return &exitError{code: 1, msg: fmt.Sprintf(format, args...)}
}

func transportFailure(format string, args ...any) error {
	return &exitError{code: 2, msg: fmt.Sprintf(format, args...)}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{client: http.DefaultClient}

	cmd := &cobra.Command{
		Use:           "fincore",
		Short:         "Operator CLI for the fincore gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVar(&opts.addr, "addr", envOrDefault("FINCORE_ADDR", defaultAddr), "gateway base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", envOrDefault("FINCORE_TOKEN", os.Getenv("FINCORE_DEV_TOKEN")), "bearer token")

	cmd.AddCommand(newVerifyCommand(opts))
	cmd.AddCommand(newSnapshotCommand(opts))
	cmd.AddCommand(newRestoreCommand(opts))
	cmd.AddCommand(newDrillCommand(opts))
	cmd.AddCommand(newIdemCommand(opts))
	return cmd
}

func runMain(args []string, stdout io.Writer, stderr io.Writer) int {
	root := newRootCommand()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			fmt.Fprintln(stderr, ee.Error())
			return ee.code
		}
		fmt.Fprintln(stderr, err.Error())
		return 2
	}
	return 0
}

func envOrDefault(key string, fallback string) string {
	value := os.Getenv(key)
	if value != "" {
		return value
	}
	return fallback
}
