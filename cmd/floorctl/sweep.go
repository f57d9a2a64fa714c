package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/devrev/twinengine/internal/handler"
	"github.com/devrev/twinengine/internal/service"
	"github.com/spf13/cobra"
)

type sweepOptions struct {
	tenantID         string
	thresholdMinutes int
	dryRun           bool
	exitCode         bool
}

func newSweepCmd(global *globalOptions) *cobra.Command {
	opts := &sweepOptions{}

	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Run an escalation sweep",
		Long: `Run an escalation sweep on the server and report the escalated nodes.

Exit status is 0 on success, 102 when the floor store is unavailable and 101
on any other failure. With --exit-code a successful sweep exits with the
number of escalated nodes (1 to 100).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSweep(cmd.Context(), cmd, global, opts)
		},
	}

	cmd.Flags().StringVar(&opts.tenantID, "tenant", "", "restrict the sweep to one tenant")
	cmd.Flags().IntVar(&opts.thresholdMinutes, "threshold-minutes", 0, "wait threshold in minutes (server default when 0)")
	cmd.Flags().BoolVar(&opts.dryRun, "dry-run", false, "report candidates without escalating")
	cmd.Flags().BoolVar(&opts.exitCode, "exit-code", false, "exit with the number of escalated nodes")
	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, global *globalOptions, opts *sweepOptions) error {
	if opts.thresholdMinutes < 0 {
		return errors.New("--threshold-minutes must not be negative")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var result service.SweepResult
	err := newAPIClient(global).post(ctx, "/v1/admin/sweeps", nil, handler.SweepRequest{
		TenantID:         opts.tenantID,
		ThresholdMinutes: opts.thresholdMinutes,
		DryRun:           opts.dryRun,
	}, &result)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	verb := "Escalated"
	if result.DryRun {
		verb = "Would escalate"
	}
	fmt.Fprintf(out, "%s %d node(s) after checking %d item(s) (threshold %dm, %dms)\n",
		verb, result.EscalatedCount(), result.CheckedItems, result.ThresholdMinutes, result.DurationMillis)
	for _, e := range result.Escalated {
		fmt.Fprintf(out, "  %s/%s  %d item(s), oldest %s waited %dm\n", e.TenantID, e.NodeID, e.ItemCount, e.OldestItemID, e.MaxWaitMinutes)
	}
	if len(result.Skipped) > 0 {
		fmt.Fprintf(out, "Skipped %d locked node(s)\n", len(result.Skipped))
	}

	if opts.exitCode && result.EscalatedCount() > 0 {
		return &exitStatusError{code: escalationExitCode(result.EscalatedCount())}
	}
	return nil
}

func escalationExitCode(count int) int {
	if count > maxEscalationExit {
		return maxEscalationExit
	}
	return count
}
