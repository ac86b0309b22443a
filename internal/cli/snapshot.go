package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/snapshot"
)

// SnapshotOptions holds flags for the snapshot command.
type SnapshotOptions struct {
	*RootOptions
	User string
	All  bool
	At   string // optional snapshot date, defaults to now
}

// SnapshotSummary describes one written snapshot.
type SnapshotSummary struct {
	ID               string                  `json:"id"`
	UserID           string                  `json:"user_id"`
	SnapshotDate     time.Time               `json:"snapshot_date"`
	Checksum         string                  `json:"checksum"`
	Compression      string                  `json:"compression"`
	TransactionCount int                     `json:"transaction_count"`
	ResourceCounts   map[ir.ResourceType]int `json:"resource_counts"`
	UncompressedSize int                     `json:"uncompressed_size"`
	CompressedSize   int                     `json:"compressed_size"`
	Error            string                  `json:"error,omitempty"`
}

// SnapshotOutput holds the snapshot command result.
type SnapshotOutput struct {
	Snapshots []SnapshotSummary `json:"snapshots"`
	Failed    int               `json:"failed"`
}

func (o SnapshotOutput) renderText(w io.Writer, verbose bool) {
	if len(o.Snapshots) == 0 {
		fmt.Fprintln(w, "No users found.")
		return
	}
	for _, s := range o.Snapshots {
		if s.Error != "" {
			fmt.Fprintf(w, "✗ %s: %s\n", s.UserID, s.Error)
			continue
		}
		fmt.Fprintf(w, "✓ %s: snapshot %s at %s (%d transactions, %s, %d -> %d bytes)\n",
			s.UserID, s.ID, ir.FormatTime(s.SnapshotDate), s.TransactionCount,
			s.Compression, s.UncompressedSize, s.CompressedSize)
		if verbose {
			fmt.Fprintf(w, "  checksum: %s\n", s.Checksum)
		}
	}
}

func summarize(snap ir.Snapshot) SnapshotSummary {
	return SnapshotSummary{
		ID:               snap.ID,
		UserID:           snap.UserID,
		SnapshotDate:     snap.SnapshotDate,
		Checksum:         snap.Checksum,
		Compression:      snap.Compression,
		TransactionCount: snap.TransactionCount,
		ResourceCounts:   snap.Metadata.ResourceCounts,
		UncompressedSize: snap.Metadata.UncompressedSize,
		CompressedSize:   snap.Metadata.CompressedSize,
	}
}

// NewSnapshotCommand creates the snapshot command.
func NewSnapshotCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SnapshotOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture the live state as a snapshot",
		Long: `Capture a user's live state as a compressed, checksummed snapshot.

With --all every user with history is snapshotted concurrently
(REWIND_SNAPSHOT_WORKERS at a time). One user's failure does not stop the
others. This is the command a scheduler runs.

Exit codes:
  0 - All snapshots written
  1 - One or more snapshots failed
  2 - Command error (bad flags, database not found, etc.)

Examples:
  rewind snapshot --user u1
  rewind snapshot --all
  rewind snapshot --user u1 --at 2024-01-01`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSnapshot(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id")
	cmd.Flags().BoolVar(&opts.All, "all", false, "snapshot every user")
	cmd.Flags().StringVar(&opts.At, "at", "", "snapshot date for --user (default now)")
	cmd.MarkFlagsMutuallyExclusive("user", "all")
	cmd.MarkFlagsOneRequired("user", "all")

	return cmd
}

func runSnapshot(ctx context.Context, opts *SnapshotOptions, cmd *cobra.Command) error {
	var at time.Time
	if opts.At != "" {
		if opts.All {
			return NewExitError(ExitCommandError, "--at cannot be combined with --all")
		}
		var err error
		if at, err = parseInstant("at", opts.At); err != nil {
			return err
		}
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	if !opts.All {
		var snap ir.Snapshot
		if at.IsZero() {
			snap, err = a.writer.CreateSnapshot(ctx, opts.User)
		} else {
			snap, err = a.writer.CreateSnapshotAt(ctx, opts.User, at)
		}
		if err != nil {
			return WrapExitError(ExitFailure, fmt.Sprintf("snapshot %s", opts.User), err)
		}
		return a.out.Success(SnapshotOutput{Snapshots: []SnapshotSummary{summarize(snap)}})
	}

	results, err := a.writer.CreateAll(ctx, a.store)
	output := snapshotOutput(results)
	if err == nil {
		return a.out.Success(output)
	}
	if results == nil || ctx.Err() != nil {
		return WrapExitError(ExitFailure, "snapshot all users", err)
	}

	a.logger.Warn("snapshot batch had failures", "failed", output.Failed, "error", err)
	if err := a.out.Failure(CodeFailed, fmt.Sprintf("%d snapshot(s) failed", output.Failed), output); err != nil {
		return err
	}
	return reportedFailure("snapshot batch had failures")
}

func snapshotOutput(results []snapshot.Result) SnapshotOutput {
	out := SnapshotOutput{Snapshots: make([]SnapshotSummary, 0, len(results))}
	for _, r := range results {
		if r.Err != nil {
			out.Failed++
			out.Snapshots = append(out.Snapshots, SnapshotSummary{UserID: r.UserID, Error: r.Err.Error()})
			continue
		}
		out.Snapshots = append(out.Snapshots, summarize(r.Snapshot))
	}
	return out
}
