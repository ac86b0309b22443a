package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
)

// PruneOptions holds flags for the prune command.
type PruneOptions struct {
	*RootOptions
	User    string
	Horizon string
}

// PruneOutput holds the prune command result.
type PruneOutput struct {
	UserID  string    `json:"user_id"`
	Horizon time.Time `json:"horizon"`
	Kept    string    `json:"kept,omitempty"` // anchor snapshot id
	Deleted []string  `json:"deleted"`
}

func (p PruneOutput) renderText(w io.Writer, verbose bool) {
	if p.Kept == "" {
		fmt.Fprintf(w, "No snapshot at or before %s; nothing pruned.\n", ir.FormatTime(p.Horizon))
		return
	}
	fmt.Fprintf(w, "Pruned %d snapshot(s) for %s; kept %s as the anchor for %s\n",
		len(p.Deleted), p.UserID, p.Kept, ir.FormatTime(p.Horizon))
	if verbose {
		for _, id := range p.Deleted {
			fmt.Fprintf(w, "  - %s\n", id)
		}
	}
}

// NewPruneCommand creates the prune command.
func NewPruneCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PruneOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete snapshots no replay after the horizon needs",
		Long: `Delete a user's snapshots older than the newest one at or before
--horizon. That snapshot and everything after it are kept, so every replay
target at or after the horizon still has its base. Deltas are never pruned.

Examples:
  rewind prune --user u1 --horizon 2024-01-01`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPrune(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	cmd.Flags().StringVar(&opts.Horizon, "horizon", "", "oldest replay target to keep serving (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("horizon")

	return cmd
}

func runPrune(ctx context.Context, opts *PruneOptions, cmd *cobra.Command) error {
	horizon, err := parseInstant("horizon", opts.Horizon)
	if err != nil {
		return err
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.store.PruneSnapshots(ctx, opts.User, horizon)
	if err != nil {
		return WrapExitError(ExitCommandError, "prune", err)
	}

	a.logger.Debug("snapshots pruned",
		"user_id", opts.User,
		"horizon", ir.FormatTime(horizon),
		"deleted", len(res.Deleted),
	)

	output := PruneOutput{UserID: opts.User, Horizon: horizon, Deleted: res.Deleted}
	if res.Kept != nil {
		output.Kept = res.Kept.ID
	}
	return a.out.Success(output)
}
