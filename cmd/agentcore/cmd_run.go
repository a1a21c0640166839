package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/gateway"
	"github.com/user/agentcore/internal/hooks"
)

var runFlags struct {
	session   string
	key       string
	fresh     bool
	reasoning string
	plan      bool
	end       bool
}

func init() {
	rootCmd.AddCommand(runCmd)
	f := runCmd.Flags()
	f.StringVar(&runFlags.session, "session", "", "continue this session id")
	f.StringVar(&runFlags.key, "key", "", "session key (default cli:<working dir>)")
	f.BoolVar(&runFlags.fresh, "new", false, "start a new session instead of resuming the active one")
	f.StringVar(&runFlags.reasoning, "reasoning", "", "reasoning level: off, low, medium or high")
	f.BoolVar(&runFlags.plan, "plan", false, "run in plan mode with bash blocked")
	f.BoolVar(&runFlags.end, "end", false, "end the session after the run and write a handoff")
	runCmd.MarkFlagsMutuallyExclusive("session", "key")
	runCmd.MarkFlagsMutuallyExclusive("session", "new")
}

var runCmd = &cobra.Command{
	Use:   "run [flags] <prompt...>",
	Short: "Run one prompt against a session, streaming the reply",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runPrompt,
}

func runPrompt(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	sid, err := a.resolveSession(ctx, runFlags.session, runFlags.key, runFlags.fresh)
	if err != nil {
		return fmt.Errorf("resolve session: %w", err)
	}

	gw := a.newGateway()
	gw.Start(ctx)
	defer gw.Stop()

	engine, err := gw.Engine(ctx, sid)
	if err != nil {
		return err
	}
	if runFlags.reasoning != "" {
		if err := engine.SetReasoningLevel(ctx, runFlags.reasoning); err != nil {
			return err
		}
	}
	if runFlags.plan {
		if err := engine.EnterPlanMode(ctx, "", []string{"bash"}); err != nil {
			return err
		}
	} else if engine.GetState().PlanMode.IsActive {
		if err := engine.ExitPlanMode(ctx); err != nil {
			return err
		}
	}

	p := newStreamPrinter(cmd.OutOrStdout(), cmd.ErrOrStderr())
	h := engine.Bus().Subscribe(p.Handle)
	defer engine.Bus().Unsubscribe(h)

	// First interrupt aborts the run, a second one gives up waiting.
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)
	go func() {
		aborted := false
		for {
			select {
			case <-sigs:
				if aborted {
					cancel()
					return
				}
				aborted = true
				_ = gw.Abort(sid)
			case <-ctx.Done():
				return
			}
		}
	}()

	run, err := gw.SubmitTo(sid, strings.Join(args, " "))
	if err != nil {
		return err
	}
	res, err := run.Wait(ctx)
	p.finish()
	if err != nil {
		return err
	}

	errw := cmd.ErrOrStderr()
	fmt.Fprintf(errw, "session %s: %d turns, %d input / %d output tokens\n",
		sid, res.Turns, res.Usage.InputTokens, res.Usage.OutputTokens)
	if res.Interrupted {
		fmt.Fprintln(errw, "[interrupted]")
	}

	if runFlags.end {
		id, err := gw.Close(ctx, sid, "cli")
		if err != nil && !errors.Is(err, gateway.ErrUnknownSession) {
			return err
		}
		if id != "" {
			fmt.Fprintf(errw, "handoff %s written\n", id)
		}
	}
	return res.Err
}

// streamPrinter writes assistant text to out and progress notes to errw.
type streamPrinter struct {
	mu      sync.Mutex
	out     io.Writer
	errw    io.Writer
	midLine bool
}

func newStreamPrinter(out, errw io.Writer) *streamPrinter {
	return &streamPrinter{out: out, errw: errw}
}

func (p *streamPrinter) Handle(ev bus.AgentEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch d := ev.Data.(type) {
	case bus.MessageUpdateData:
		if d.Delta != "" {
			fmt.Fprint(p.out, d.Delta)
			p.midLine = !strings.HasSuffix(d.Delta, "\n")
		}
	case bus.ToolExecData:
		if ev.Type != bus.ToolExecStart {
			if d.IsError {
				p.note("! %s failed", d.Name)
			}
			return
		}
		p.note("> %s", d.Name)
	case bus.RetryData:
		p.note("retrying after %s error (attempt %d of %d)", d.Category, d.Attempt, d.MaxRetries)
	case bus.CompactionData:
		if ev.Type == bus.CompactionComplete {
			p.note("compacted %d messages (%d -> %d tokens)", d.RemovedMessages, d.TokensBefore, d.TokensAfter)
		}
	case bus.HookData:
		if d.Action == string(hooks.ActionBlock) {
			p.note("blocked by hook %s: %s", d.Hook, d.Reason)
		}
	}
}

func (p *streamPrinter) note(format string, args ...any) {
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintf(p.errw, format+"\n", args...)
}

func (p *streamPrinter) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
}
