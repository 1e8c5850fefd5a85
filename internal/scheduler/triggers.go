// Package scheduler drives background turns: the trigger scheduler fires
// cron triggers at most once per scheduled instant, and the task scheduler
// periodically nudges agents to work their active tasks. Both funnel through
// the runner like any other turn.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/kjulin/opennova/internal/runner"
	"github.com/kjulin/opennova/internal/store/threads"
	"github.com/kjulin/opennova/internal/store/triggers"
)

// TurnRunner is the slice of the runner the schedulers need.
type TurnRunner interface {
	Run(ctx context.Context, agentID, threadID, message string, opts runner.Options) (string, error)
}

const triggerTickInterval = time.Minute

// TriggerScheduler evaluates all persisted triggers once a minute.
type TriggerScheduler struct {
	store   *triggers.Store
	threads *threads.Store
	run     TurnRunner
	loc     *time.Location
	now     func() time.Time
	gron    *gronx.Gronx
}

func NewTriggerScheduler(store *triggers.Store, th *threads.Store, run TurnRunner, loc *time.Location) *TriggerScheduler {
	if loc == nil {
		loc = time.Local
	}
	return &TriggerScheduler{
		store:   store,
		threads: th,
		run:     run,
		loc:     loc,
		now:     time.Now,
		gron:    gronx.New(),
	}
}

// SetNow overrides the clock (tests).
func (s *TriggerScheduler) SetNow(now func() time.Time) { s.now = now }

// Start ticks until ctx is done. Call from its own goroutine.
func (s *TriggerScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(triggerTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

// Tick evaluates every trigger against now. Fire decisions are persisted
// before the turn launches, so a crash mid-run never double-fires: on
// restart lastRun already reflects the intent.
func (s *TriggerScheduler) Tick(ctx context.Context, now time.Time) {
	for _, t := range s.store.List() {
		if !t.Enabled {
			continue
		}
		if !s.gron.IsValid(t.Cron) {
			// Not silently disabled; the owner can fix the expression.
			slog.Warn("trigger has invalid cron, skipping", "trigger", t.ID, "cron", t.Cron)
			continue
		}

		loc := s.loc
		if t.TZ != "" {
			if l, err := time.LoadLocation(t.TZ); err == nil {
				loc = l
			}
		}
		local := now.In(loc)

		if t.LastRun == nil {
			// First sighting bootstraps the baseline; never fire on it.
			if err := s.store.SetLastRun(t.ID, now); err != nil {
				slog.Warn("trigger lastRun bootstrap failed", "trigger", t.ID, "error", err)
			}
			continue
		}

		prev, err := gronx.PrevTickBefore(t.Cron, local, true)
		if err != nil {
			slog.Warn("trigger cron evaluation failed", "trigger", t.ID, "error", err)
			continue
		}
		if !prev.After(*t.LastRun) {
			continue
		}

		if err := s.store.SetLastRun(t.ID, now); err != nil {
			slog.Warn("trigger lastRun persist failed, not firing", "trigger", t.ID, "error", err)
			continue
		}
		go s.fire(ctx, t)
	}
}

func (s *TriggerScheduler) fire(ctx context.Context, t *triggers.Trigger) {
	threadID, err := s.threads.Create(t.AgentID, threads.CreateOpts{})
	if err != nil {
		slog.Error("trigger thread create failed", "trigger", t.ID, "agent", t.AgentID, "error", err)
		return
	}
	slog.Info("trigger fired", "trigger", t.ID, "agent", t.AgentID, "thread", threadID)

	_, err = s.run.Run(ctx, t.AgentID, threadID, t.Prompt, runner.Options{
		Background: true,
		Source:     "trigger",
	})
	if err != nil {
		slog.Error("trigger turn failed", "trigger", t.ID, "agent", t.AgentID, "error", err)
	}
}
