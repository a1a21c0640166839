package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/types"
)

var (
	handoffLimit   int
	ledgerKeepGoal bool
)

func init() {
	rootCmd.AddCommand(handoffCmd, ledgerCmd)
	handoffCmd.AddCommand(handoffListCmd, handoffShowCmd, handoffPruneCmd)
	handoffListCmd.Flags().IntVarP(&handoffLimit, "limit", "n", 10, "number of handoffs to list")

	ledgerCmd.AddCommand(ledgerShowCmd, ledgerGoalCmd, ledgerClearCmd)
	ledgerClearCmd.Flags().BoolVar(&ledgerKeepGoal, "keep-goal", false, "keep the goal when clearing")
}

var handoffCmd = &cobra.Command{
	Use:   "handoff",
	Short: "Inspect handoffs written at session end",
}

var handoffListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent handoffs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.handoffs.GetRecent(ctx, handoffLimit)
			if err != nil {
				return fmt.Errorf("list handoffs: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No handoffs found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSESSION\tCREATED\tMESSAGES\tSUMMARY")
			for _, h := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					h.ID,
					h.SessionID,
					h.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					h.MessageCount,
					firstLine(h.Summary, 60),
				)
			}
			return w.Flush()
		})
	},
}

var handoffShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print a handoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := types.ParseHandoffID(args[0])
			if err != nil {
				return err
			}
			h, err := a.handoffs.Get(ctx, id)
			if err != nil {
				return err
			}
			fmt.Fprint(os.Stdout, h.Markdown())
			return nil
		})
	},
}

var handoffPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete handoffs past the retention settings",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			r, err := a.newRetention()
			if err != nil {
				return err
			}
			n, err := r.RunOnce(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Pruned %d handoffs.\n", n)
			return nil
		})
	},
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the continuity ledger",
}

var ledgerShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			l, err := a.ledgers.Get(ctx)
			if err != nil {
				return err
			}
			if l.Empty() {
				fmt.Println("The ledger is empty.")
				return nil
			}
			fmt.Fprint(os.Stdout, l.Markdown())
			return nil
		})
	},
}

var ledgerGoalCmd = &cobra.Command{
	Use:   "goal <text...>",
	Short: "Set the ledger goal",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := strings.Join(args, " ")
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if _, err := a.ledgers.Update(ctx, func(l *memory.Ledger) { l.Goal = goal }); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Goal set: %s\n", goal)
			return nil
		})
	},
}

var ledgerClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the ledger",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			if err := a.ledgers.Clear(ctx, ledgerKeepGoal); err != nil {
				return err
			}
			fmt.Println("Ledger cleared.")
			return nil
		})
	},
}

// firstLine returns the first line of s cut to limit runes.
func firstLine(s string, limit int) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if r := []rune(s); len(r) > limit {
		return string(r[:limit]) + "..."
	}
	return s
}
