package scheduler

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/kjulin/opennova/internal/runner"
	"github.com/kjulin/opennova/internal/store/tasks"
	"github.com/kjulin/opennova/internal/store/threads"
)

const taskTickInterval = time.Hour

const taskWorkPrompt = "Work your task. Review the task state above, make real progress on the " +
	"next open step, update the task record to reflect what you did, and mark the task done or " +
	"waiting if that is where it now stands."

// TaskScheduler nudges agent-owned active tasks once an hour. The in-flight
// set is in-memory only: after a daemon restart every task starts
// not-in-flight, which is the intended behavior, not an oversight.
type TaskScheduler struct {
	store   *tasks.Store
	threads *threads.Store
	run     TurnRunner

	mu       sync.Mutex
	inFlight map[int64]bool
}

func NewTaskScheduler(store *tasks.Store, th *threads.Store, run TurnRunner) *TaskScheduler {
	return &TaskScheduler{
		store:    store,
		threads:  th,
		run:      run,
		inFlight: make(map[int64]bool),
	}
}

// Start ticks until ctx is done; the first tick happens a full interval in,
// never at startup.
func (s *TaskScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(taskTickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick launches one background turn per agent-owned active task that is not
// already in flight.
func (s *TaskScheduler) Tick(ctx context.Context) {
	for _, t := range s.store.ListAgentOwned() {
		s.mu.Lock()
		if s.inFlight[t.ID] {
			s.mu.Unlock()
			continue
		}
		s.inFlight[t.ID] = true
		s.mu.Unlock()

		go s.work(ctx, t)
	}
}

// InFlight is a test hook.
func (s *TaskScheduler) InFlight(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight[id]
}

func (s *TaskScheduler) work(ctx context.Context, t *tasks.Task) {
	defer func() {
		s.mu.Lock()
		delete(s.inFlight, t.ID)
		s.mu.Unlock()
	}()

	threadID, err := s.taskThread(t)
	if err != nil {
		slog.Error("task thread resolve failed", "task", t.ID, "agent", t.Owner, "error", err)
		return
	}

	_, err = s.run.Run(ctx, t.Owner, threadID, taskWorkPrompt, runner.Options{
		Background: true,
		Source:     "task",
	})
	if err != nil {
		slog.Error("task turn failed", "task", t.ID, "agent", t.Owner, "error", err)
	}
}

// taskThread returns the task's bound thread, creating and recording one on
// first use.
func (s *TaskScheduler) taskThread(t *tasks.Task) (string, error) {
	if t.ThreadID != "" {
		if _, err := s.threads.Get(t.ThreadID); err == nil {
			return t.ThreadID, nil
		}
		// The recorded thread is gone; bind a fresh one.
	}
	threadID, err := s.threads.Create(t.Owner, threads.CreateOpts{
		TaskID: strconv.FormatInt(t.ID, 10),
	})
	if err != nil {
		return "", err
	}
	_, err = s.store.Update(t.ID, func(t *tasks.Task) { t.ThreadID = threadID })
	if err != nil {
		return "", err
	}
	return threadID, nil
}
