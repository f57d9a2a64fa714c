// Package main provides floorctl, the operator CLI for a floorsync deployment.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

const defaultServerURL = "http://localhost:8080"

// Exit statuses
const (
	exitOK             = 0
	maxEscalationExit  = 100
	exitFailure        = 101
	exitStorageFailure = 102
)

type globalOptions struct {
	serverURL  string
	configPath string
	timeout    time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &globalOptions{}

	rootCmd := &cobra.Command{
		Use:   "floorctl",
		Short: "Operate a floorsync deployment",
		Long: `floorctl talks to a running floorsync server and to its floor store.

Examples:
  floorctl sweep --dry-run                    # Report nodes that would escalate
  floorctl sweep --tenant acme --exit-code    # Escalate, exit status = count
  floorctl transition W-1042 SERVED           # Move a work item forward
  floorctl migrate --config floorsync.yaml    # Apply the schema`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serverDefault := os.Getenv("FLOORSYNC_SERVER")
	if serverDefault == "" {
		serverDefault = defaultServerURL
	}
	rootCmd.PersistentFlags().StringVar(&opts.serverURL, "server", serverDefault, "floorsync server URL")
	rootCmd.PersistentFlags().StringVar(&opts.configPath, "config", os.Getenv("CONFIG_PATH"), "path to config file")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(newSweepCmd(opts))
	rootCmd.AddCommand(newTransitionCmd(opts))
	rootCmd.AddCommand(newMigrateCmd(opts))
	return rootCmd
}

func main() {
	err := newRootCmd().Execute()
	code := exitCode(err)
	if err != nil && err.Error() != "" {
		fmt.Fprintln(os.Stderr, "Error: "+err.Error())
	}
	os.Exit(code)
}

// exitStatusError carries a specific process exit status.
type exitStatusError struct {
	code int
	err  error
}

func (e *exitStatusError) Error() string {
	if e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *exitStatusError) Unwrap() error { return e.err }

// exitCode maps a command error to the process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}

	var statusErr *exitStatusError
	if errors.As(err, &statusErr) {
		return statusErr.code
	}

	var apiErr *apiError
	if errors.As(err, &apiErr) && apiErr.storageFailure() {
		return exitStorageFailure
	}
	return exitFailure
}
