package main

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/devrev/twinengine/internal/handler"
	"github.com/spf13/cobra"
)

type transitionOptions struct {
	cause          string
	idempotencyKey string
}

func newTransitionCmd(global *globalOptions) *cobra.Command {
	opts := &transitionOptions{}

	cmd := &cobra.Command{
		Use:   "transition WORK_ITEM_ID STATE",
		Short: "Move a work item to a new lifecycle state",
		Long: `Move a work item to a new lifecycle state and print its node's status.

Examples:
  floorctl transition W-1042 PREPARING
  floorctl transition W-1042 served --cause pos --idempotency-key pos-88121`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			return runTransition(ctx, cmd, global, opts, args[0], args[1])
		},
	}

	cmd.Flags().StringVar(&opts.cause, "cause", "", "cause recorded with the change event")
	cmd.Flags().StringVar(&opts.idempotencyKey, "idempotency-key", "", "replay-safe request key")
	return cmd
}

func runTransition(ctx context.Context, cmd *cobra.Command, global *globalOptions, opts *transitionOptions, workItemID, state string) error {
	headers := map[string]string{}
	if opts.idempotencyKey != "" {
		headers["Idempotency-Key"] = opts.idempotencyKey
	}

	var resp handler.TransitionResponse
	path := "/v1/work-items/" + url.PathEscape(workItemID) + "/transitions"
	err := newAPIClient(global).post(ctx, path, headers, handler.TransitionRequest{
		State: strings.ToUpper(state),
		Cause: opts.cause,
	}, &resp)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "%s is %s, node status %s\n", resp.WorkItemID, resp.LifecycleState, resp.NodeStatus)
	return nil
}
