package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/gateway"
	"github.com/user/agentcore/internal/types"
)

const maxRequestLine = 4 << 20

var serveStream bool

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().BoolVar(&serveStream, "stream", false, "emit text deltas while runs are in progress")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve JSON-lines requests on stdin, one response per line on stdout",
	Long: `serve reads one JSON request per line from stdin:

  {"id":"1","session_key":"repo:main","prompt":"run the tests"}
  {"id":"2","action":"abort","session_id":"..."}
  {"id":"3","action":"end","session_id":"..."}

Each request is acknowledged and each run reports a result line when it
finishes. Sessions on different keys run concurrently up to max_concurrent.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

type serveRequest struct {
	ID         string `json:"id,omitempty"`
	Action     string `json:"action,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	SessionKey string `json:"session_key,omitempty"`
	Prompt     string `json:"prompt,omitempty"`
}

type serveResponse struct {
	ID          string `json:"id,omitempty"`
	Type        string `json:"type"`
	SessionID   string `json:"session_id,omitempty"`
	RunID       string `json:"run_id,omitempty"`
	Delta       string `json:"delta,omitempty"`
	Text        string `json:"text,omitempty"`
	Turns       int    `json:"turns,omitempty"`
	Interrupted bool   `json:"interrupted,omitempty"`
	HandoffID   string `json:"handoff_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// server dispatches stdin requests to the gateway.
type server struct {
	gw       *gateway.Gateway
	sessions types.SessionStore
	model    string
	stream   bool

	mu  sync.Mutex
	enc *json.Encoder

	subMu      sync.Mutex
	subscribed map[types.SessionID]bool

	runs sync.WaitGroup
}

func newServer(gw *gateway.Gateway, sessions types.SessionStore, model string, w io.Writer, stream bool) *server {
	return &server{
		gw:         gw,
		sessions:   sessions,
		model:      model,
		stream:     stream,
		enc:        json.NewEncoder(w),
		subscribed: make(map[types.SessionID]bool),
	}
}

func (s *server) write(resp serveResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(resp); err != nil {
		slog.Error("write response failed", "error", err)
	}
}

func (s *server) fail(id string, err error) {
	s.write(serveResponse{ID: id, Type: "error", Error: err.Error()})
}

// serve handles requests until r is exhausted or ctx is done, then waits
// for accepted runs to finish.
func (s *server) serve(ctx context.Context, r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxRequestLine)
	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var req serveRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.fail("", fmt.Errorf("decode request: %w", err))
			continue
		}
		s.handle(ctx, req)
	}
	s.runs.Wait()
	return scanner.Err()
}

func (s *server) handle(ctx context.Context, req serveRequest) {
	switch req.Action {
	case "", "run":
		s.run(ctx, req)
	case "abort":
		sid, err := types.ParseSessionID(req.SessionID)
		if err != nil {
			s.fail(req.ID, err)
			return
		}
		if err := s.gw.Abort(sid); err != nil {
			s.fail(req.ID, err)
			return
		}
		s.write(serveResponse{ID: req.ID, Type: "aborted", SessionID: req.SessionID})
	case "end":
		sid, err := types.ParseSessionID(req.SessionID)
		if err != nil {
			s.fail(req.ID, err)
			return
		}
		id, err := s.gw.Close(ctx, sid, "serve")
		if err != nil {
			s.fail(req.ID, err)
			return
		}
		s.write(serveResponse{ID: req.ID, Type: "ended", SessionID: req.SessionID, HandoffID: string(id)})
	default:
		s.fail(req.ID, fmt.Errorf("unknown action %q", req.Action))
	}
}

func (s *server) run(ctx context.Context, req serveRequest) {
	if req.Prompt == "" {
		s.fail(req.ID, errors.New("prompt is required"))
		return
	}
	var sid types.SessionID
	if req.SessionID != "" {
		id, err := types.ParseSessionID(req.SessionID)
		if err != nil {
			s.fail(req.ID, err)
			return
		}
		sid = id
	} else {
		key := req.SessionKey
		if key == "" {
			key = "serve:default"
		}
		id, err := s.sessions.ResolveOrCreate(ctx, types.SessionKey(key), s.model)
		if err != nil {
			s.fail(req.ID, fmt.Errorf("resolve session: %w", err))
			return
		}
		sid = id
	}
	if s.stream {
		if err := s.subscribe(ctx, sid); err != nil {
			s.fail(req.ID, err)
			return
		}
	}

	s.runs.Add(1)
	run, err := s.gw.SubmitTo(sid, req.Prompt, gateway.WithOnComplete(func(r *gateway.Run) {
		defer s.runs.Done()
		s.write(s.result(req.ID, r))
	}))
	if err != nil {
		s.runs.Done()
		s.fail(req.ID, err)
		return
	}
	s.write(serveResponse{ID: req.ID, Type: "queued", SessionID: string(sid), RunID: string(run.ID)})
}

func (s *server) result(reqID string, r *gateway.Run) serveResponse {
	resp := serveResponse{ID: reqID, Type: "result", SessionID: string(r.SessionID), RunID: string(r.ID)}
	res, err := r.Result()
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	if res == nil {
		return resp
	}
	resp.Text = res.FinalText
	resp.Turns = res.Turns
	resp.Interrupted = res.Interrupted
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	return resp
}

// subscribe forwards a session's text deltas once per session.
func (s *server) subscribe(ctx context.Context, sid types.SessionID) error {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	if s.subscribed[sid] {
		return nil
	}
	e, err := s.gw.Engine(ctx, sid)
	if err != nil {
		return err
	}
	e.Bus().Subscribe(func(ev bus.AgentEvent) {
		if d, ok := ev.Data.(bus.MessageUpdateData); ok && d.Delta != "" {
			s.write(serveResponse{Type: "delta", SessionID: string(sid), Delta: d.Delta})
		}
	})
	s.subscribed[sid] = true
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	setupLogging(cfg)

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	a, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	pidPath, err := writePIDFile(cfg.DataDir)
	if err != nil {
		return err
	}
	defer os.Remove(pidPath)

	retention, err := a.newRetention()
	if err != nil {
		return err
	}
	if err := retention.Start(cfg.Retention.Schedule); err != nil {
		return fmt.Errorf("start retention: %w", err)
	}
	defer retention.Stop()

	gw := a.newGateway()
	gw.Start(ctx)
	defer gw.Stop()

	slog.Info("agentcore serving",
		"data_dir", cfg.DataDir,
		"max_concurrent", cfg.MaxConcurrent,
		"max_turns", cfg.MaxTurns,
		"llm_provider", cfg.LLM.Provider,
		"llm_model", cfg.LLM.Model,
		"event_log", cfg.Storage.EventLog,
		"memory", cfg.Storage.Memory,
		"pid_file", pidPath,
	)

	srv := newServer(gw, a.sessions, cfg.LLM.Model, os.Stdout, serveStream)
	done := make(chan error, 1)
	go func() { done <- srv.serve(ctx, os.Stdin) }()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	for {
		select {
		case err := <-done:
			a.logStats()
			return err
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				slog.Info("received SIGHUP, restarting")
				execPath, err := os.Executable()
				if err != nil {
					slog.Error("failed to get executable path", "error", err)
					continue
				}
				gw.Stop()
				os.Remove(pidPath)
				if err := syscall.Exec(execPath, os.Args, os.Environ()); err != nil {
					slog.Error("failed to re-exec", "error", err)
					if _, writeErr := writePIDFile(cfg.DataDir); writeErr != nil {
						slog.Error("failed to re-write PID file", "error", writeErr)
					}
					return err
				}
			}
			slog.Info("shutting down", "signal", sig)
			a.logStats()
			return nil
		}
	}
}

func (a *app) logStats() {
	if a.metrics == nil {
		return
	}
	st := a.metrics.Stats()
	slog.Info("session stats",
		"turns", st.Turns,
		"tool_calls", st.ToolCalls,
		"interrupts", st.Interrupts,
		"hook_blocks", st.HookBlocks,
		"retries", st.Retries,
		"failures", st.Failures)
}
