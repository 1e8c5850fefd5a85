// Package daemon assembles the novad process: workspace, stores, engine,
// runner, schedulers, and the event bus, with lifecycle management around
// them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/kjulin/opennova/internal/bus"
	"github.com/kjulin/opennova/internal/config"
	"github.com/kjulin/opennova/internal/engine"
	"github.com/kjulin/opennova/internal/runner"
	"github.com/kjulin/opennova/internal/scheduler"
	"github.com/kjulin/opennova/internal/store/agents"
	"github.com/kjulin/opennova/internal/store/tasks"
	"github.com/kjulin/opennova/internal/store/threads"
	"github.com/kjulin/opennova/internal/store/triggers"
	"github.com/kjulin/opennova/internal/store/usage"
	"github.com/kjulin/opennova/internal/telemetry"
	"github.com/kjulin/opennova/internal/trust"
	"github.com/kjulin/opennova/internal/workspace"
)

// Daemon owns every long-lived component of the novad process.
type Daemon struct {
	cfg    *config.Config
	layout workspace.Layout

	bus      *bus.Bus
	agents   *agents.Store
	threads  *threads.Store
	triggers *triggers.Store
	tasks    *tasks.Store
	usage    *usage.Log
	sessions *engine.SessionStore
	runner   *runner.Runner

	trigSched *scheduler.TriggerScheduler
	taskSched *scheduler.TaskScheduler

	stopTelemetry func(context.Context) error
}

// New builds a daemon from config. Everything is wired but nothing ticks
// until Run.
func New(ctx context.Context, cfg *config.Config) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.Engine.APIKey == "" {
		return nil, errors.New("no engine API key: set OPENNOVA_ANTHROPIC_API_KEY or ANTHROPIC_API_KEY")
	}

	layout := workspace.New(cfg.WorkspaceDir())
	if err := layout.Ensure(); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}

	stopTelemetry, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		return nil, err
	}

	d := &Daemon{
		cfg:           cfg,
		layout:        layout,
		bus:           bus.New(),
		usage:         usage.Open(layout.UsageFile()),
		stopTelemetry: stopTelemetry,
	}

	if d.agents, err = agents.Open(layout); err != nil {
		return nil, fmt.Errorf("open agent store: %w", err)
	}
	if d.threads, err = threads.Open(layout); err != nil {
		return nil, fmt.Errorf("open thread store: %w", err)
	}
	if d.triggers, err = triggers.Open(layout.TriggersFile()); err != nil {
		return nil, fmt.Errorf("open trigger store: %w", err)
	}
	if d.tasks, err = tasks.Open(layout.TasksFile(), layout.TasksHistoryFile()); err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}
	if d.sessions, err = engine.OpenSessions(layout.EngineDB()); err != nil {
		return nil, err
	}

	defaultTrust, err := trust.Parse(cfg.DefaultTrust)
	if err != nil {
		return nil, err
	}
	if err := d.seedSystemAgents(defaultTrust); err != nil {
		return nil, fmt.Errorf("seed system agents: %w", err)
	}

	eng := engine.NewAnthropic(engine.AnthropicConfig{
		APIKey:       cfg.Engine.APIKey,
		DefaultModel: cfg.Engine.Model,
		MaxTokens:    int64(cfg.Engine.MaxTokens),
		MaxTurns:     cfg.Engine.MaxTurns,
		RateLimitRPM: cfg.Engine.RateLimitRPM,
	}, d.sessions)

	d.runner = runner.New(runner.Deps{
		Agents:       d.agents,
		Threads:      d.threads,
		Tasks:        d.tasks,
		Usage:        d.usage,
		Bus:          d.bus,
		Engine:       eng,
		Registry:     d.buildRegistry(defaultTrust),
		Layout:       layout,
		DefaultTrust: defaultTrust,
		DefaultModel: cfg.Engine.Model,
		TitleModel:   cfg.Engine.TitleModel,
		Location:     cfg.Location(),
	})

	d.trigSched = scheduler.NewTriggerScheduler(d.triggers, d.threads, d.runner, cfg.Location())
	d.taskSched = scheduler.NewTaskScheduler(d.tasks, d.threads, d.runner)

	return d, nil
}

// Runner exposes the turn pipeline to channel adapters.
func (d *Daemon) Runner() *runner.Runner { return d.runner }

// Bus exposes the event bus to channel adapters.
func (d *Daemon) Bus() *bus.Bus { return d.bus }

// Threads exposes the thread store to channel adapters.
func (d *Daemon) Threads() *threads.Store { return d.threads }

// Agents exposes the agent store.
func (d *Daemon) Agents() *agents.Store { return d.agents }

// Run writes the daemon file, starts the schedulers, and blocks until ctx is
// done, then tears everything down.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.layout.WriteDaemonFile(os.Getpid(), d.cfg.Port); err != nil {
		return fmt.Errorf("write daemon file: %w", err)
	}
	defer d.layout.RemoveDaemonFile()

	go d.trigSched.Start(ctx)
	go d.taskSched.Start(ctx)
	slog.Info("novad running",
		"workspace", d.layout.Root,
		"port", d.cfg.Port,
		"agents", len(d.agents.List()))

	<-ctx.Done()
	slog.Info("novad shutting down")
	return d.Close()
}

// Close releases everything New opened.
func (d *Daemon) Close() error {
	var errs []error
	if err := d.agents.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := d.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.stopTelemetry(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// seedSystemAgents creates the two protected agents on first start. They are
// plain definition files afterwards; users may edit prompts and capabilities,
// but the ids stay protected from agent-side tools.
func (d *Daemon) seedSystemAgents(defaultTrust trust.Level) error {
	seeds := []*agents.Agent{
		{
			ID:   agents.ChiefOfStaffID,
			Name: "Chief of Staff",
			Identity: "You are the user's chief of staff: the first agent they talk to, and the " +
				"one that keeps the rest of the roster working.",
			Instructions: "Triage incoming requests. Handle what you can directly; delegate " +
				"specialist work to other agents and track it with tasks.",
			Trust:         defaultTrust,
			Capabilities:  []string{"memory", "history", "tasks", "notes", "self", "agents", "triggers", "usage"},
			AllowedAgents: []string{"*"},
		},
		{
			ID:   agents.AgentBuilderID,
			Name: "Agent Builder",
			Identity: "You design and maintain the agents in this workspace: their prompts, " +
				"capabilities, and delegation graphs.",
			Instructions: "When asked for a new agent, propose an id, identity, and minimal " +
				"capability set, then create it. Keep existing agents' definitions tidy.",
			Trust:        defaultTrust,
			Capabilities: []string{"memory", "agent-management", "self"},
		},
	}
	for _, seed := range seeds {
		if _, err := d.agents.Get(seed.ID); err == nil {
			continue
		} else if !errors.Is(err, agents.ErrAgentNotFound) {
			return err
		}
		now := time.Now()
		seed.CreatedAt, seed.UpdatedAt = now, now
		if err := d.agents.Create(seed, agents.SourceUser); err != nil {
			return err
		}
		slog.Info("seeded system agent", "agent", seed.ID)
	}
	return nil
}
