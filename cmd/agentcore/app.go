package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/user/agentcore/internal/bus"
	"github.com/user/agentcore/internal/config"
	ctxengine "github.com/user/agentcore/internal/context"
	"github.com/user/agentcore/internal/gateway"
	"github.com/user/agentcore/internal/hooks"
	"github.com/user/agentcore/internal/hooks/builtin"
	"github.com/user/agentcore/internal/memory"
	"github.com/user/agentcore/internal/runtime"
	"github.com/user/agentcore/internal/runtime/tools"
	"github.com/user/agentcore/internal/state"
	"github.com/user/agentcore/internal/telemetry"
	"github.com/user/agentcore/internal/types"
	"github.com/user/agentcore/pkg/llm"
	"github.com/user/agentcore/pkg/llm/anthropic"
	"github.com/user/agentcore/pkg/llm/openai"
)

// app holds the stores and provider shared by every session engine.
type app struct {
	cfg       *config.Config
	sessions  *state.SessionStore
	log       types.EventLog
	artifacts *state.ArtifactStore
	ledgers   memory.LedgerStore
	handoffs  memory.HandoffStore
	provider  llm.Provider
	counter   *ctxengine.Engine
	metrics   *telemetry.Subscriber

	closers []func(context.Context) error
}

// newApp connects the configured backends. provider may be nil, in which
// case one is built from cfg.
func newApp(ctx context.Context, cfg *config.Config, provider llm.Provider) (*app, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	a := &app{
		cfg:       cfg,
		sessions:  state.NewSessionStore(cfg.DataDir),
		artifacts: state.NewArtifactStore(cfg.DataDir),
		provider:  provider,
	}
	if err := a.openEventLog(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.openMemory(ctx); err != nil {
		a.Close()
		return nil, err
	}
	if a.provider == nil {
		p, err := newProvider(cfg)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.provider = p
	}

	counter, err := ctxengine.New(cfg.LLM.Model, cfg.LLM.MaxContextTokens, cfg.LLM.OutputReserve)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("create context engine: %w", err)
	}
	a.counter = counter

	if cfg.Telemetry.Enabled {
		if a.metrics, err = telemetry.NewSubscriber(nil); err != nil {
			a.Close()
			return nil, fmt.Errorf("create telemetry: %w", err)
		}
	}
	return a, nil
}

func (a *app) openEventLog(ctx context.Context) error {
	switch a.cfg.Storage.EventLog {
	case "mongo":
		client, err := state.DialMongo(ctx, a.cfg.Storage.MongoURI)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, client.Disconnect)
		log, err := state.NewMongoEventLog(ctx, state.MongoOptions{Client: client, Database: a.cfg.Storage.MongoDatabase})
		if err != nil {
			return err
		}
		a.log = log
	default:
		a.log = state.NewEventLog(a.cfg.DataDir)
	}
	return nil
}

func (a *app) openMemory(ctx context.Context) error {
	switch a.cfg.Storage.Memory {
	case "redis":
		client, err := memory.DialRedis(ctx, a.cfg.Storage.RedisURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func(context.Context) error { return client.Close() })
		wd, _ := os.Getwd()
		store, err := memory.NewRedisStore(memory.RedisOptions{Client: client, Scope: wd})
		if err != nil {
			return err
		}
		a.ledgers = memory.NewLedgers(store)
		a.handoffs = store
	default:
		store := memory.NewFileStore(filepath.Join(a.cfg.DataDir, "memory"))
		a.ledgers = memory.NewLedgers(store)
		a.handoffs = store
	}
	return nil
}

// Close releases backend connections.
func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			slog.Warn("close backend failed", "error", err)
		}
	}
	a.closers = nil
}

func newProvider(cfg *config.Config) (llm.Provider, error) {
	lc := &llm.Config{
		BaseURL:        cfg.LLM.BaseURL,
		APIKey:         cfg.LLM.APIKey,
		Model:          cfg.LLM.Model,
		MaxTokens:      cfg.LLM.MaxTokens,
		Temperature:    cfg.LLM.Temperature,
		ThinkingBudget: cfg.LLM.ThinkingBudget,
		MaxRetries:     cfg.LLM.MaxRetries,
	}
	var p llm.Provider
	switch cfg.LLM.Provider {
	case "anthropic":
		p = anthropic.NewFromConfig(lc)
	case "openai":
		p = openai.New(lc)
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.LLM.Provider)
	}
	if cfg.LLM.RequestsPerSecond > 0 {
		p = llm.NewRateLimited(p, cfg.LLM.RequestsPerSecond, 1)
	}
	policy := gateway.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.LLM.MaxRetries + 1
	return gateway.NewRetryProvider(p, policy), nil
}

// newGateway returns a gateway whose engines are built by a.newEngine.
func (a *app) newGateway() *gateway.Gateway {
	return gateway.New(gateway.Options{
		Sessions:      a.sessions,
		Factory:       a.newEngine,
		Model:         a.cfg.LLM.Model,
		MaxConcurrent: int64(a.cfg.MaxConcurrent),
	})
}

// newEngine builds the engine for a session and resumes it from its
// persisted lineage.
func (a *app) newEngine(ctx context.Context, sessionID types.SessionID) (*runtime.Engine, error) {
	sess, err := a.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	wd := sess.WorkingDir
	if wd == "" {
		wd, _ = os.Getwd()
	}
	events, err := state.ReadLineage(ctx, a.log, a.sessions, sessionID)
	if err != nil {
		return nil, fmt.Errorf("read session events: %w", err)
	}

	b := bus.NewBus()
	if a.metrics != nil {
		a.metrics.Attach(b)
	}
	h := hooks.NewEngine(b)
	if err := builtin.Register(h, a.cfg.Hooks, a.ledgers, a.handoffs); err != nil {
		return nil, fmt.Errorf("register builtin hooks: %w", err)
	}

	toolset := []runtime.Tool{
		tools.NewBash(wd),
		tools.NewReadURL(),
		tools.NewLedgerRead(a.ledgers),
		tools.NewLedgerUpdate(a.ledgers),
		tools.NewArtifactRead(a.artifacts),
	}
	if a.cfg.Brave.APIKey != "" {
		toolset = append(toolset, tools.NewWebSearch(a.cfg.Brave.APIKey))
	}
	names := make([]string, len(toolset))
	for i, t := range toolset {
		names[i] = t.Name()
	}
	system, err := ctxengine.RenderPrompt("", ctxengine.NewPromptData(string(sessionID), wd, names))
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}

	model := sess.Model
	if model == "" {
		model = a.cfg.LLM.Model
	}
	e := runtime.New(runtime.Options{
		SessionID:      sessionID,
		Provider:       a.provider,
		Bus:            b,
		Hooks:          h,
		Log:            a.log,
		Artifacts:      a.artifacts,
		Context:        a.counter,
		Trigger:        memory.NewCompactionTrigger(a.cfg.Compaction.TriggerConfig),
		Summarize:      runtime.ModelSummarizer(a.provider, model, a.cfg.LLM.OutputReserve),
		Model:          model,
		SystemPrompt:   system,
		WorkingDir:     wd,
		MaxTokens:      a.cfg.LLM.MaxTokens,
		MaxTurns:       a.cfg.MaxTurns,
		PreserveRecent: a.cfg.Compaction.PreserveRecent,
	})
	for _, t := range toolset {
		e.RegisterTool(t)
	}
	st := e.Resume(events)
	slog.Debug("engine ready",
		"session_id", string(sessionID),
		"events", len(events),
		"turn", st.CurrentTurn,
		"messages", len(st.Messages),
		"interrupted", st.WasInterrupted)
	return e, nil
}

// newRetention builds the handoff pruner from the retention settings.
func (a *app) newRetention() (*memory.Retention, error) {
	var maxAge time.Duration
	if a.cfg.Retention.HandoffMaxAge != "" {
		d, err := time.ParseDuration(a.cfg.Retention.HandoffMaxAge)
		if err != nil {
			return nil, fmt.Errorf("retention.handoff_max_age: %w", err)
		}
		maxAge = d
	}
	return memory.NewRetention(a.handoffs, maxAge, a.cfg.Retention.MaxHandoffs), nil
}

// resolveSession returns an explicit session, or the active session for
// key in the working directory, creating it when needed.
func (a *app) resolveSession(ctx context.Context, id, key string, fresh bool) (types.SessionID, error) {
	if id != "" {
		sid, err := types.ParseSessionID(id)
		if err != nil {
			return "", err
		}
		if _, err := a.sessions.Get(ctx, sid); err != nil {
			return "", err
		}
		return sid, nil
	}
	wd, _ := os.Getwd()
	if key == "" {
		key = string(types.NewSessionKey("cli", wd))
	}
	if fresh {
		return a.sessions.Create(ctx, &types.SessionIndex{SessionKey: types.SessionKey(key), Model: a.cfg.LLM.Model, WorkingDir: wd})
	}
	sid, err := a.sessions.ResolveOrCreate(ctx, types.SessionKey(key), a.cfg.LLM.Model)
	if err != nil {
		return "", err
	}
	sess, err := a.sessions.Get(ctx, sid)
	if err == nil && sess.WorkingDir == "" {
		sess.WorkingDir = wd
		if err := a.sessions.Update(ctx, sess); err != nil {
			slog.Warn("record working dir failed", "session_id", string(sid), "error", err)
		}
	}
	return sid, nil
}
