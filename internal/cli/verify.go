package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
)

// VerifyOptions holds flags for the verify command.
type VerifyOptions struct {
	*RootOptions
	User string
}

// SnapshotCheck is the integrity verdict for one snapshot.
type SnapshotCheck struct {
	ID           string    `json:"id"`
	SnapshotDate time.Time `json:"snapshot_date"`
	Compression  string    `json:"compression"`
	OK           bool      `json:"ok"`
	Failure      string    `json:"failure,omitempty"` // "integrity" or "decode"
	Error        string    `json:"error,omitempty"`
}

// VerifyOutput holds the verify command result.
type VerifyOutput struct {
	UserID    string          `json:"user_id"`
	Snapshots []SnapshotCheck `json:"snapshots"`
	Failed    int             `json:"failed"`
}

func (v VerifyOutput) renderText(w io.Writer, verbose bool) {
	if len(v.Snapshots) == 0 {
		fmt.Fprintf(w, "No snapshots for %s.\n", v.UserID)
		return
	}
	fmt.Fprintf(w, "Verified %d snapshot(s) for %s\n", len(v.Snapshots), v.UserID)
	for _, s := range v.Snapshots {
		if s.OK {
			fmt.Fprintf(w, "  ✓ %s %s\n", s.ID, ir.FormatTime(s.SnapshotDate))
			continue
		}
		fmt.Fprintf(w, "  ✗ %s %s: %s\n", s.ID, ir.FormatTime(s.SnapshotDate), s.Failure)
		if verbose {
			fmt.Fprintf(w, "      %s\n", s.Error)
		}
	}
}

// NewVerifyCommand creates the verify command.
func NewVerifyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &VerifyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Check every snapshot of a user for corruption",
		Long: `Decompress and checksum every stored snapshot of a user and decode its
payload, reporting any that a replay would refuse.

Exit codes:
  0 - All snapshots verified
  1 - One or more snapshots are corrupt or undecodable
  2 - Command error (bad flags, database not found, etc.)

Examples:
  rewind verify --user u1
  rewind verify --user u1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runVerify(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runVerify(ctx context.Context, opts *VerifyOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	snaps, err := a.store.ListSnapshots(ctx, opts.User)
	if err != nil {
		return WrapExitError(ExitCommandError, "list snapshots", err)
	}

	output := VerifyOutput{UserID: opts.User, Snapshots: make([]SnapshotCheck, 0, len(snaps))}
	for _, snap := range snaps {
		check := SnapshotCheck{
			ID:           snap.ID,
			SnapshotDate: snap.SnapshotDate,
			Compression:  snap.Compression,
			OK:           true,
		}
		if _, err := a.codec.Decode(snap); err != nil {
			check.OK = false
			check.Failure = "decode"
			if replay.IsIntegrityError(err) {
				check.Failure = "integrity"
			}
			check.Error = err.Error()
			output.Failed++

			a.logger.Warn("snapshot failed verification",
				"user_id", opts.User,
				"snapshot_id", snap.ID,
				"failure", check.Failure,
				"error", err,
			)
		}
		output.Snapshots = append(output.Snapshots, check)
	}

	if output.Failed == 0 {
		return a.out.Success(output)
	}
	msg := fmt.Sprintf("%d of %d snapshot(s) failed verification", output.Failed, len(snaps))
	if err := a.out.Failure(CodeIntegrity, msg, output); err != nil {
		return err
	}
	return reportedFailure(msg)
}
