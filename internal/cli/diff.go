package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
	"github.com/roach88/rewind/internal/replay"
)

// DiffOptions holds flags for the diff command.
type DiffOptions struct {
	*RootOptions
	User string
	From string
	To   string
}

type diffOutput struct {
	replay.Diff
}

func (d diffOutput) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Changes for %s between %s and %s: %d\n",
		d.UserID, ir.FormatTime(d.From), ir.FormatTime(d.To), len(d.Changes))
	for _, c := range d.Changes {
		mark := "~"
		switch c.Kind {
		case replay.ChangeAdded:
			mark = "+"
		case replay.ChangeRemoved:
			mark = "-"
		}
		fmt.Fprintf(w, "  %s %s/%s", mark, c.ResourceType, c.ResourceID)
		if len(c.ChangedFields) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(c.ChangedFields, ", "))
		}
		fmt.Fprintln(w)
		if verbose {
			if c.Before != nil {
				data, _ := ir.MarshalCanonical(c.Before)
				fmt.Fprintf(w, "      before: %s\n", data)
			}
			if c.After != nil {
				data, _ := ir.MarshalCanonical(c.After)
				fmt.Fprintf(w, "      after:  %s\n", data)
			}
		}
	}
}

// NewDiffCommand creates the diff command.
func NewDiffCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DiffOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Compare a user's state at two instants",
		Long: `Replay the user at --from and --to and list every resource that was
added, removed or modified in between.

Examples:
  rewind diff --user u1 --from 2024-01-01 --to 2024-02-01
  rewind diff --user u1 --from 2024-01-01 --to 2024-02-01 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDiff(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	cmd.Flags().StringVar(&opts.From, "from", "", "earlier instant (required)")
	cmd.Flags().StringVar(&opts.To, "to", "", "later instant (required)")
	for _, name := range []string{"user", "from", "to"} {
		_ = cmd.MarkFlagRequired(name)
	}

	return cmd
}

func runDiff(ctx context.Context, opts *DiffOptions, cmd *cobra.Command) error {
	from, err := parseInstant("from", opts.From)
	if err != nil {
		return err
	}
	to, err := parseInstant("to", opts.To)
	if err != nil {
		return err
	}
	if to.Before(from) {
		return NewExitError(ExitCommandError, "--to is before --from")
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	diff, err := a.engine.DiffBetween(ctx, opts.User, from, to)
	if err != nil {
		return dataFailure(fmt.Sprintf("diff %s", opts.User), err)
	}
	return a.out.Success(diffOutput{diff})
}
