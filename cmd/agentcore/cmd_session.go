package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/agentcore/internal/gateway"
	"github.com/user/agentcore/internal/reconstruct"
	"github.com/user/agentcore/internal/state"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
)

var (
	sessionShowMessages int
	sessionForkAt       string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionShowCmd, sessionForkCmd, sessionEndCmd, sessionArtifactsCmd)
	sessionShowCmd.Flags().IntVarP(&sessionShowMessages, "messages", "n", 6, "number of recent messages to print")
	sessionForkCmd.Flags().StringVar(&sessionForkAt, "at", "", "event id to fork at (default latest)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect and manage sessions",
}

// withApp loads config, opens the backends and runs fn.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app) error) error {
	cfg := loadConfig()
	setupLogging(cfg)
	ctx := cmd.Context()
	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List all sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			list, err := a.sessions.List(ctx)
			if err != nil {
				return fmt.Errorf("list sessions: %w", err)
			}
			if len(list) == 0 {
				fmt.Println("No sessions found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tSTATUS\tEVENTS\tKEY\tPARENT\tUPDATED")
			for _, s := range list {
				count, err := a.log.Count(ctx, s.SessionID)
				if err != nil {
					count = 0
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					s.SessionID,
					s.Status,
					count,
					s.SessionKey,
					s.ParentSessionID,
					s.UpdatedAt.Format("2006-01-02 15:04:05"),
				)
			}
			return w.Flush()
		})
	},
}

var sessionShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the state reconstructed from a session's event log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			id, err := types.ParseSessionID(args[0])
			if err != nil {
				return err
			}
			sess, err := a.sessions.Get(ctx, id)
			if err != nil {
				return err
			}
			events, err := state.ReadLineage(ctx, a.log, a.sessions, id)
			if err != nil {
				return fmt.Errorf("read events: %w", err)
			}
			describeSession(os.Stdout, sess, len(events), reconstruct.Reconstruct(events), sessionShowMessages)
			return nil
		})
	},
}

var sessionForkCmd = &cobra.Command{
	Use:   "fork <id>",
	Short: "Branch a new session from an existing one",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			parent, err := types.ParseSessionID(args[0])
			if err != nil {
				return err
			}
			child, err := state.Fork(ctx, a.log, a.sessions, parent, types.EventID(sessionForkAt))
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "Forked %s at %s as %s.\n", args[0], child.ForkEventID, child.SessionID)
			return nil
		})
	},
}

var sessionEndCmd = &cobra.Command{
	Use:   "end <id>",
	Short: "End a session and write its handoff",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sid, err := types.ParseSessionID(args[0])
			if err != nil {
				return err
			}
			id, err := a.newGateway().Close(ctx, sid, "cli")
			if errors.Is(err, gateway.ErrUnknownSession) {
				return fmt.Errorf("session %s is not active", args[0])
			}
			if err != nil {
				return err
			}
			if id == "" {
				fmt.Fprintf(os.Stdout, "Session %s ended without a handoff.\n", args[0])
			} else {
				fmt.Fprintf(os.Stdout, "Session %s ended, handoff %s.\n", args[0], id)
			}
			return nil
		})
	},
}

var sessionArtifactsCmd = &cobra.Command{
	Use:   "artifacts <id>",
	Short: "List stored tool outputs of a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			sid, err := types.ParseSessionID(args[0])
			if err != nil {
				return err
			}
			list, err := a.artifacts.List(ctx, sid)
			if err != nil {
				return err
			}
			if len(list) == 0 {
				fmt.Println("No artifacts found.")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tTOOL\tCALL\tSIZE\tCREATED")
			for _, m := range list {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", m.ID, m.Tool, m.CallID, m.Size, m.CreatedAt.Local().Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		})
	},
}

func describeSession(w io.Writer, sess *types.SessionIndex, events int, st reconstruct.State, recent int) {
	fmt.Fprintf(w, "Session:     %s\n", sess.SessionID)
	fmt.Fprintf(w, "Status:      %s\n", sess.Status)
	if sess.ParentSessionID != "" {
		fmt.Fprintf(w, "Forked from: %s at %s\n", sess.ParentSessionID, sess.ForkEventID)
	}
	model := st.Model
	if model == "" {
		model = sess.Model
	}
	fmt.Fprintf(w, "Model:       %s\n", model)
	if wd := st.WorkingDir; wd != "" {
		fmt.Fprintf(w, "Directory:   %s\n", wd)
	}
	fmt.Fprintf(w, "Events:      %d\n", events)
	fmt.Fprintf(w, "Turn:        %d\n", st.CurrentTurn)
	fmt.Fprintf(w, "Messages:    %d\n", len(st.Messages))
	fmt.Fprintf(w, "Tokens:      %d in / %d out\n", st.Usage.InputTokens, st.Usage.OutputTokens)
	if st.ReasoningLevel != "" {
		fmt.Fprintf(w, "Reasoning:   %s\n", st.ReasoningLevel)
	}
	if st.PlanMode.IsActive {
		fmt.Fprintf(w, "Plan mode:   on (blocked: %s)\n", strings.Join(st.PlanMode.BlockedTools, ", "))
	}
	if st.WasInterrupted {
		fmt.Fprintln(w, "Interrupted: yes")
	}
	if st.IsEnded {
		fmt.Fprintln(w, "Ended:       yes")
	}

	msgs := st.Messages
	if recent >= 0 && len(msgs) > recent {
		msgs = msgs[len(msgs)-recent:]
	}
	if len(msgs) > 0 {
		fmt.Fprintln(w)
	}
	for _, m := range msgs {
		fmt.Fprintf(w, "[%s] %s\n", m.Role, preview(m, 120))
	}
}

func preview(m llm.Message, limit int) string {
	text := m.Text()
	if text == "" {
		var names []string
		for _, tc := range m.ToolCalls() {
			names = append(names, tc.Name)
		}
		if len(names) > 0 {
			text = "calls " + strings.Join(names, ", ")
		}
	}
	text = strings.Join(strings.Fields(text), " ")
	if r := []rune(text); len(r) > limit {
		text = string(r[:limit]) + "..."
	}
	return text
}
