package cli

import (
	"context"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/rewind/internal/ir"
)

// BalanceOptions holds flags for the balance command.
type BalanceOptions struct {
	*RootOptions
	User       string
	At         string
	ByCategory bool
}

// BalanceOutput is the expense total at an instant. Amounts are decimal
// strings so no precision is lost in JSON.
type BalanceOutput struct {
	UserID     string            `json:"user_id"`
	At         time.Time         `json:"at"`
	Balance    string            `json:"balance"`
	ByCategory map[string]string `json:"by_category,omitempty"`
}

func (b BalanceOutput) renderText(w io.Writer, verbose bool) {
	fmt.Fprintf(w, "Balance for %s at %s: %s\n", b.UserID, ir.FormatTime(b.At), b.Balance)
	categories := make([]string, 0, len(b.ByCategory))
	for c := range b.ByCategory {
		categories = append(categories, c)
	}
	slices.Sort(categories)
	for _, c := range categories {
		fmt.Fprintf(w, "  %-20s %s\n", c, b.ByCategory[c])
	}
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &BalanceOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "balance",
		Short: "Sum completed expenses as of an instant",
		Long: `Replay the user's state at --at and sum the amounts of completed
expenses dated on or before it.

Exit codes:
  0 - Balance computed
  1 - Snapshot integrity failure, timeout, or an unreadable amount
  2 - Command error (bad flags, database not found, etc.)

Examples:
  rewind balance --user u1 --at 2024-01-04
  rewind balance --user u1 --at 2024-01-04 --by-category`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(cmd.Context(), opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id (required)")
	cmd.Flags().StringVar(&opts.At, "at", "", "instant (required)")
	cmd.Flags().BoolVar(&opts.ByCategory, "by-category", false, "break the total down by category_id")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("at")

	return cmd
}

func runBalance(ctx context.Context, opts *BalanceOptions, cmd *cobra.Command) error {
	at, err := parseInstant("at", opts.At)
	if err != nil {
		return err
	}

	a, err := openApp(opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	balance, err := a.engine.CalculateBalanceAtDate(ctx, opts.User, at)
	if err != nil {
		return dataFailure(fmt.Sprintf("balance %s", opts.User), err)
	}
	output := BalanceOutput{UserID: opts.User, At: at, Balance: balance.String()}

	if opts.ByCategory {
		spend, err := a.engine.SpendByCategoryAtDate(ctx, opts.User, at)
		if err != nil {
			return dataFailure(fmt.Sprintf("balance %s", opts.User), err)
		}
		output.ByCategory = make(map[string]string, len(spend))
		for c, amount := range spend {
			output.ByCategory[c] = amount.String()
		}
	}
	return a.out.Success(output)
}
