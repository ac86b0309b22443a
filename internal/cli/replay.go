package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
)

// ReplayOptions holds flags for the replay command.
type ReplayOptions struct {
	*RootOptions
	User      string
	At        string
	Verify    bool // replay twice and compare
	ShowState bool // include the reconstructed records
}

// ReplayOutput summarizes one reconstruction.
type ReplayOutput struct {
	UserID         string                  `json:"user_id"`
	Target         time.Time               `json:"target"`
	Snapshot       *replay.SnapshotRef     `json:"snapshot"`
	DeltasApplied  int                     `json:"deltas_applied"`
	SkippedUpdates int                     `json:"skipped_updates"`
	SkippedDeletes int                     `json:"skipped_deletes"`
	ResourceCounts map[ir.ResourceType]int `json:"resource_counts"`
	Warnings       []replay.Warning        `json:"warnings"`
	StateChecksum  string                  `json:"state_checksum"`
	Deterministic  *bool                   `json:"deterministic,omitempty"`
	State          ir.Object               `json:"state,omitempty"`
}

func (r ReplayOutput) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Replay of %s at %s\n", r.UserID, ir.FormatTime(r.Target))
	if r.Snapshot != nil {
		fmt.Fprintf(w, "  base: snapshot %s (%s)\n", r.Snapshot.ID, ir.FormatTime(r.Snapshot.SnapshotDate))
	} else {
		fmt.Fprintln(w, "  base: empty state")
	}
	fmt.Fprintf(w, "  deltas applied: %d", r.DeltasApplied)
	if r.SkippedUpdates > 0 || r.SkippedDeletes > 0 {
		fmt.Fprintf(w, " (skipped %d updates, %d deletes)", r.SkippedUpdates, r.SkippedDeletes)
	}
	fmt.Fprintln(w)
	for _, rt := range ir.TrackedResourceTypes {
		if n := r.ResourceCounts[rt]; n > 0 {
			fmt.Fprintf(w, "  %-9s %d\n", rt+":", n)
		}
	}
	for _, warn := range r.Warnings {
		fmt.Fprintf(w, "  warning %s: %s\n", warn.Code, warn.Message)
	}
	if r.Deterministic != nil {
		status := "✓ deterministic"
		if !*r.Deterministic {
			status = "✗ NOT deterministic"
		}
		fmt.Fprintf(w, "  %s\n", status)
	}
	if verbose {
		fmt.Fprintf(w, "  state checksum: %s\n", r.StateChecksum)
	}
	if r.State != nil {
		data, _ := ir.MarshalCanonical(r.State)
		fmt.Fprintf(w, "%s\n", data)
	}
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Reconstruct a user's state at a past instant",
		Long: `Reconstruct a user's state as of --at from the nearest prior snapshot
and the delta tail, and report how it was built.

With --verify the replay runs twice and the canonical bytes of both results
are compared.

Exit codes:
  0 - State reconstructed (and deterministic, with --verify)
  1 - Snapshot integrity failure, timeout, or determinism failure
  2 - Command error (bad flags, database not found, etc.)

Examples:
  rewind replay --user u1 --at 2024-01-04
  rewind replay --user u1 --at 2024-01-04T12:00:00Z --verify
  rewind replay --user u1 --at 2024-01-04 --state --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	cmd.Flags().StringVar(&opts.At, "at", "", "target instant (required)")
	cmd.Flags().BoolVar(&opts.Verify, "verify", false, "replay twice and verify determinism")
	cmd.Flags().BoolVar(&opts.ShowState, "state", false, "include the reconstructed records")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func runReplay(ctx context.Context, opts *ReplayOptions, cmd *cobra.Command) error {
	target, err := parseInstant("at", opts.At)
	if err != nil {
		return err
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := a.engine.ReplayToDate(ctx, opts.User, target)
	if err != nil {
		return dataFailure(fmt.Sprintf("replay %s", opts.User), err)
	}
	canonical, err := ir.MarshalCanonical(res.State.ToValue())
	if err != nil {
		return dataFailure("encode state", err)
	}

	output := ReplayOutput{
		UserID:         res.Metadata.UserID,
		Target:         res.Metadata.Target,
		Snapshot:       res.Metadata.Snapshot,
		DeltasApplied:  res.Metadata.DeltasApplied,
		SkippedUpdates: res.Metadata.SkippedUpdates,
		SkippedDeletes: res.Metadata.SkippedDeletes,
		ResourceCounts: res.Metadata.ResourceCounts,
		Warnings:       res.Metadata.Warnings,
		StateChecksum:  ir.StateChecksum(canonical),
	}
	if opts.ShowState {
		output.State = res.State.ToValue()
	}

	if !opts.Verify {
		return a.out.Success(output)
	}

	deterministic, err := verifyDeterminism(ctx, a.engine, opts.User, target, canonical)
	if err != nil {
		return dataFailure("verification replay", err)
	}
	output.Deterministic = &deterministic
	if deterministic {
		return a.out.Success(output)
	}

	a.logger.Warn("replay is not deterministic", "user_id", opts.User, "target", ir.FormatTime(target))
	if err := a.out.Failure(CodeDeterminism, "determinism verification failed", output); err != nil {
		return err
	}
	return reportedFailure("determinism verification failed")
}

// verifyDeterminism replays again and compares canonical bytes with want.
func verifyDeterminism(ctx context.Context, engine *replay.Engine, userID string, target time.Time, want []byte) (bool, error) {
	res, err := engine.ReplayToDate(ctx, userID, target)
	if err != nil {
		return false, err
	}
	got, err := ir.MarshalCanonical(res.State.ToValue())
	if err != nil {
		return false, err
	}
	return bytes.Equal(want, got), nil
}
