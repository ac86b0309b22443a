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

// TraceOptions holds flags for the trace command.
type TraceOptions struct {
	*RootOptions
	User     string
	Resource string
}

// TraceOutput is a resource lifecycle, or a not-found marker.
type TraceOutput struct {
	Found bool          `json:"found"`
	Trace *replay.Trace `json:"trace,omitempty"`

	user, resource string
}

func (t TraceOutput) renderText(w io.Writer, verbose bool) {
	if !t.Found {
		fmt.Fprintf(w, "No history for %s (user %s).\n", t.resource, t.user)
		return
	}

	tr := t.Trace
	status := "live"
	if tr.Deleted {
		status = "deleted"
	}
	fmt.Fprintf(w, "%s/%s: %d change(s), %s\n", tr.ResourceType, tr.ResourceID, tr.TotalChanges, status)
	fmt.Fprintf(w, "  created:       %s\n", ir.FormatTime(tr.Created))
	fmt.Fprintf(w, "  last modified: %s\n", ir.FormatTime(tr.LastModified))
	fmt.Fprintln(w)

	for _, e := range tr.Lifecycle {
		fmt.Fprintf(w, "  [%d] %s %-6s", e.Seq, ir.FormatTime(e.Timestamp), e.Operation)
		if len(e.ChangedFields) > 0 {
			fmt.Fprintf(w, " %s", strings.Join(e.ChangedFields, ", "))
		}
		if e.TriggeredBy != "" {
			fmt.Fprintf(w, " (by %s)", e.TriggeredBy)
		}
		fmt.Fprintln(w)
		if verbose {
			fmt.Fprintf(w, "      delta %s\n", e.DeltaID)
			if e.AfterState != nil {
				data, _ := ir.MarshalCanonical(e.AfterState)
				fmt.Fprintf(w, "      after: %s\n", data)
			}
		}
	}

	if tr.Current != nil {
		data, _ := ir.MarshalCanonical(tr.Current)
		fmt.Fprintf(w, "\n  current: %s\n", data)
	}
}

// NewTraceCommand creates the trace command.
func NewTraceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TraceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "trace",
		Short: "Show the lifecycle of one resource",
		Long: `Show every delta that touched a resource, in order, with the fields each
one changed and the record as it stands after the last one.

A resource with no history is reported as not found; that is not an error.

Examples:
  rewind trace --user u1 --resource exp-1
  rewind trace --user u1 --resource exp-1 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTrace(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	cmd.Flags().StringVar(&opts.Resource, "resource", "", "resource id (required)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("resource")

	return cmd
}

func runTrace(ctx context.Context, opts *TraceOptions, cmd *cobra.Command) error {
	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	trace, found, err := a.engine.TraceTransaction(ctx, opts.User, opts.Resource)
	if err != nil {
		return dataFailure(fmt.Sprintf("trace %s", opts.Resource), err)
	}

	output := TraceOutput{Found: found, user: opts.User, resource: opts.Resource}
	if found {
		output.Trace = &trace
	}
	return a.out.Success(output)
}
