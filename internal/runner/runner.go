// Package runner executes turns: it serializes per-thread work, appends the
// conversation, resolves trust and capabilities into engine options, invokes
// the engine, and fans results out over the bus. Everything else in the
// daemon (channels, schedulers, delegation) funnels through Run.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/kjulin/opennova/internal/bus"
	"github.com/kjulin/opennova/internal/capability"
	"github.com/kjulin/opennova/internal/engine"
	"github.com/kjulin/opennova/internal/store/agents"
	"github.com/kjulin/opennova/internal/store/tasks"
	"github.com/kjulin/opennova/internal/store/threads"
	"github.com/kjulin/opennova/internal/store/usage"
	"github.com/kjulin/opennova/internal/toolserver"
	"github.com/kjulin/opennova/internal/trust"
	"github.com/kjulin/opennova/internal/workspace"
)

// Deps are the runner's collaborators, wired once at daemon start.
type Deps struct {
	Agents   *agents.Store
	Threads  *threads.Store
	Tasks    *tasks.Store
	Usage    *usage.Log
	Bus      *bus.Bus
	Engine   engine.Engine
	Registry *capability.Registry
	Layout   workspace.Layout

	DefaultTrust trust.Level
	DefaultModel string
	TitleModel   string
	Location     *time.Location
}

// Options modify one Run call.
type Options struct {
	Callbacks    *engine.Callbacks
	ExtraServers map[string]toolserver.Config
	AskDepth     int
	Background   bool   // silent turn: no thread:response, Background prompt block
	Source       string // "", "trigger", "task"
	PromptSuffix string
}

// Runner is the per-thread turn pipeline.
type Runner struct {
	deps   Deps
	now    func() time.Time
	tracer trace.Tracer
}

func New(deps Deps) *Runner {
	if deps.DefaultTrust == "" {
		deps.DefaultTrust = trust.Sandbox
	}
	if deps.Location == nil {
		deps.Location = time.Local
	}
	return &Runner{
		deps:   deps,
		now:    time.Now,
		tracer: otel.Tracer("opennova/runner"),
	}
}

// SetNow overrides the clock (tests).
func (r *Runner) SetNow(now func() time.Time) { r.now = now }

// Run executes one turn on the thread. It returns the assistant's final text;
// an aborted turn returns ("", nil) after logging "(stopped by user)".
//
// Capability names are validated before anything is appended to the thread, so
// a misdeclared agent fails without leaving a dangling user message.
func (r *Runner) Run(ctx context.Context, agentID, threadID, message string, opts Options) (string, error) {
	agent, err := r.deps.Agents.Get(agentID)
	if err != nil {
		return "", err
	}
	if err := r.deps.Registry.Validate(agent.Capabilities); err != nil {
		return "", fmt.Errorf("agent %s: %w", agentID, err)
	}

	ctx, span := r.tracer.Start(ctx, "runner.turn", trace.WithAttributes(
		attribute.String("agent.id", agentID),
		attribute.String("thread.id", threadID),
		attribute.Int("ask.depth", opts.AskDepth),
		attribute.Bool("turn.background", opts.Background),
	))
	defer span.End()

	var text string
	err = r.deps.Threads.WithLock(ctx, threadID, func() error {
		var err error
		text, err = r.turn(ctx, agent, threadID, message, opts)
		return err
	})
	if err != nil {
		span.RecordError(err)
	}
	return text, err
}

func (r *Runner) turn(ctx context.Context, agent *agents.Agent, threadID, message string, opts Options) (string, error) {
	m, err := r.deps.Threads.Get(threadID)
	if err != nil {
		return "", err
	}
	if err := r.deps.Threads.AppendMessage(threadID, threads.RoleUser, message); err != nil {
		return "", err
	}

	level := agent.Trust
	if level == "" {
		level = r.deps.DefaultTrust
	}

	task := r.boundTask(m)
	prompt := buildSystemPrompt(promptInput{
		agent:      agent,
		level:      level,
		manifest:   m,
		task:       task,
		now:        r.now().In(r.deps.Location),
		layout:     r.deps.Layout,
		background: opts.Background,
		source:     opts.Source,
		suffix:     opts.PromptSuffix,
	})

	res, err := r.resolve(agent, level, m, opts)
	if err != nil {
		// Registry validation already passed; this is a factory-level
		// failure and counts as a turn error like any other pre-engine one.
		return "", err
	}

	// Servers injected after capability resolution need matching allow-list
	// entries, or the engine's policy filter drops their tools for any
	// non-unrestricted agent. A nil list already admits everything.
	servers := res.Servers
	allowed := res.AllowedTools
	servers["notify"] = toolserver.InProcessConfig(r.notifyServer(agent.ID, threadID, m.Channel))
	if allowed != nil {
		allowed = append(allowed, "notify:*")
	}
	for name, cfg := range opts.ExtraServers {
		servers[name] = cfg
		if allowed != nil {
			allowed = append(allowed, name+":*")
		}
	}

	eopts := engine.Options{
		Cwd:             r.deps.Layout.AgentDir(agent.ID),
		SystemPrompt:    prompt,
		Model:           agent.Model,
		Servers:         servers,
		PermissionMode:  res.Mode,
		AllowedTools:    allowed,
		DisallowedTools: res.DisallowedTools,
		SessionID:       m.SessionID,
		Callbacks:       opts.Callbacks,
	}
	if level != trust.Sandbox {
		eopts.Directories = append([]string{r.deps.Layout.Root}, agent.Directories...)
	}
	if len(agent.Subagents) > 0 {
		eopts.Subagents = make(map[string]string, len(agent.Subagents))
		for _, sub := range agent.Subagents {
			eopts.Subagents[sub.Name] = sub.Prompt
		}
	}

	start := r.now()
	result, err := r.deps.Engine.Run(ctx, message, eopts)
	if err != nil {
		return r.failTurn(ctx, agent.ID, threadID, m.Channel, err)
	}

	if result.Usage != nil {
		model := agent.Model
		if model == "" {
			model = r.deps.DefaultModel
		}
		rec := usage.Record{
			AgentID:             agent.ID,
			ThreadID:            threadID,
			InputTokens:         result.Usage.InputTokens,
			OutputTokens:        result.Usage.OutputTokens,
			CacheReadTokens:     result.Usage.CacheReadTokens,
			CacheCreationTokens: result.Usage.CacheCreationTokens,
			CostUSD:             result.Usage.CostUSD,
			DurationMs:          r.now().Sub(start).Milliseconds(),
			Turns:               result.Usage.Turns,
			Model:               model,
		}
		if err := r.deps.Usage.Append(rec); err != nil {
			slog.Warn("usage append failed", "thread", threadID, "error", err)
		}
	}

	text := result.Text
	if text == "" {
		text = "(empty response)"
	}
	if err := r.deps.Threads.AppendMessage(threadID, threads.RoleAssistant, text); err != nil {
		return "", err
	}
	if _, err := r.deps.Threads.UpdateManifest(threadID, func(m *threads.Manifest) {
		m.SessionID = result.SessionID
	}); err != nil {
		return "", err
	}

	if !opts.Background {
		r.deps.Bus.Publish(bus.Event{
			Name:     bus.ThreadResponse,
			AgentID:  agent.ID,
			ThreadID: threadID,
			Channel:  m.Channel,
			Text:     text,
		})
	}

	r.maybeTitle(m, threadID)
	return text, nil
}

// failTurn handles the two engine-error exits: cooperative cancellation logs
// "(stopped by user)" and succeeds with empty text; everything else logs the
// error into the thread, emits thread:error, and re-raises.
func (r *Runner) failTurn(ctx context.Context, agentID, threadID, channel string, engineErr error) (string, error) {
	if ctx.Err() != nil {
		if err := r.deps.Threads.AppendMessage(threadID, threads.RoleAssistant, "(stopped by user)"); err != nil {
			slog.Warn("abort append failed", "thread", threadID, "error", err)
		}
		if _, err := r.deps.Threads.UpdateManifest(threadID, func(*threads.Manifest) {}); err != nil {
			slog.Warn("abort manifest update failed", "thread", threadID, "error", err)
		}
		return "", nil
	}

	msg := engineErr.Error()
	if err := r.deps.Threads.AppendMessage(threadID, threads.RoleAssistant, "(error: "+msg+")"); err != nil {
		slog.Warn("error append failed", "thread", threadID, "error", err)
	}
	r.deps.Bus.Publish(bus.Event{
		Name:     bus.ThreadError,
		AgentID:  agentID,
		ThreadID: threadID,
		Channel:  channel,
		Text:     msg,
	})
	return "", engineErr
}

// resolve builds the capability resolution for this turn, including the
// delegation closure when the agent is entitled to one.
func (r *Runner) resolve(agent *agents.Agent, level trust.Level, m *threads.Manifest, opts Options) (*capability.Resolution, error) {
	capCtx := capability.Context{
		AgentID:       agent.ID,
		AgentDir:      r.deps.Layout.AgentDir(agent.ID),
		WorkspaceDir:  r.deps.Layout.Root,
		ThreadID:      m.ID,
		Channel:       m.Channel,
		Directories:   agent.Directories,
		AskDepth:      opts.AskDepth,
		AllowedAgents: agent.AllowedAgents,
		Now:           r.now,
	}
	if level != trust.Sandbox && len(agent.AllowedAgents) > 0 {
		callbacks := opts.Callbacks
		depth := opts.AskDepth
		capCtx.Delegate = func(ctx context.Context, target, message string) (string, error) {
			tid, err := r.deps.Threads.Create(target, threads.CreateOpts{})
			if err != nil {
				return "", err
			}
			return r.Run(ctx, target, tid, message, Options{
				Callbacks: callbacks,
				AskDepth:  depth + 1,
			})
		}
	}
	return r.deps.Registry.Resolve(level, agent.Capabilities, capCtx)
}

func (r *Runner) notifyServer(agentID, threadID, channel string) *toolserver.Server {
	return toolserver.NewNotifyServer(func(message string) {
		r.deps.Bus.Publish(bus.Event{
			Name:     bus.ThreadNotification,
			AgentID:  agentID,
			ThreadID: threadID,
			Channel:  channel,
			Text:     message,
		})
	})
}

func (r *Runner) boundTask(m *threads.Manifest) *tasks.Task {
	if m.TaskID == "" || r.deps.Tasks == nil {
		return nil
	}
	id, err := strconv.ParseInt(m.TaskID, 10, 64)
	if err != nil {
		return nil
	}
	task, err := r.deps.Tasks.Get(id)
	if err != nil {
		return nil // archived or gone; the turn proceeds without the block
	}
	return task
}
