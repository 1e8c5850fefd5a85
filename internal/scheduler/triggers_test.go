package scheduler

import (
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/kjulin/opennova/internal/runner"
	"github.com/kjulin/opennova/internal/store/threads"
	"github.com/kjulin/opennova/internal/store/triggers"
	"github.com/kjulin/opennova/internal/workspace"
)

type recordedRun struct {
	AgentID  string
	ThreadID string
	Message  string
	Opts     runner.Options
}

// fakeRunner records Run calls and signals each one on a channel.
type fakeRunner struct {
	mu    sync.Mutex
	runs  []recordedRun
	fired chan recordedRun
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{fired: make(chan recordedRun, 16)}
}

func (f *fakeRunner) Run(ctx context.Context, agentID, threadID, message string, opts runner.Options) (string, error) {
	rec := recordedRun{AgentID: agentID, ThreadID: threadID, Message: message, Opts: opts}
	f.mu.Lock()
	f.runs = append(f.runs, rec)
	f.mu.Unlock()
	f.fired <- rec
	return "done", nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func (f *fakeRunner) wait(t *testing.T) recordedRun {
	t.Helper()
	select {
	case rec := <-f.fired:
		return rec
	case <-time.After(2 * time.Second):
		t.Fatal("no run launched")
		return recordedRun{}
	}
}

func (f *fakeRunner) expectNone(t *testing.T) {
	t.Helper()
	select {
	case rec := <-f.fired:
		t.Fatalf("unexpected run: %+v", rec)
	case <-time.After(50 * time.Millisecond):
	}
}

func triggerFixture(t *testing.T) (*TriggerScheduler, *triggers.Store, *threads.Store, *fakeRunner) {
	t.Helper()
	layout := workspace.New(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store, err := triggers.Open(layout.TriggersFile())
	if err != nil {
		t.Fatal(err)
	}
	th, err := threads.Open(layout)
	if err != nil {
		t.Fatal(err)
	}
	run := newFakeRunner()
	return NewTriggerScheduler(store, th, run, time.UTC), store, th, run
}

func TestFirstSightingBootstrapsWithoutFiring(t *testing.T) {
	sched, store, _, run := triggerFixture(t)
	tr, err := store.Create("helper", "*/5 * * * *", "", "summarize inbox")
	if err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 10, 0, time.UTC)
	sched.Tick(context.Background(), now)

	got, _ := store.Get(tr.ID)
	if got.LastRun == nil || !got.LastRun.Equal(now) {
		t.Errorf("lastRun = %v, want bootstrap to %v", got.LastRun, now)
	}
	run.expectNone(t)
}

func TestFiresOncePerInstant(t *testing.T) {
	sched, store, th, run := triggerFixture(t)
	tr, _ := store.Create("helper", "*/5 * * * *", "", "summarize inbox")

	sched.Tick(context.Background(), time.Date(2026, 6, 1, 12, 0, 59, 0, time.UTC))
	run.expectNone(t)

	// A tick past the next 12:05:00 instant fires exactly once.
	fireAt := time.Date(2026, 6, 1, 12, 5, 5, 0, time.UTC)
	sched.Tick(context.Background(), fireAt)

	// lastRun is already persisted when Tick returns, before the turn lands.
	got, _ := store.Get(tr.ID)
	if got.LastRun == nil || !got.LastRun.Equal(fireAt) {
		t.Errorf("lastRun = %v, want %v", got.LastRun, fireAt)
	}

	rec := run.wait(t)
	if rec.AgentID != "helper" || rec.Message != "summarize inbox" {
		t.Errorf("run = %+v", rec)
	}
	if !rec.Opts.Background || rec.Opts.Source != "trigger" {
		t.Errorf("opts = %+v", rec.Opts)
	}
	if _, err := th.Get(rec.ThreadID); err != nil {
		t.Errorf("fired turn has no thread: %v", err)
	}

	// Later ticks before the next instant stay quiet, as does a simulated
	// restart re-reading the same state.
	sched.Tick(context.Background(), fireAt.Add(time.Minute))
	sched2 := NewTriggerScheduler(store, th, run, time.UTC)
	sched2.Tick(context.Background(), fireAt.Add(2*time.Minute))
	run.expectNone(t)
	if run.count() != 1 {
		t.Errorf("fired %d times, want 1", run.count())
	}
}

func TestDisabledTriggersSkipped(t *testing.T) {
	sched, store, _, run := triggerFixture(t)
	tr, _ := store.Create("helper", "* * * * *", "", "every minute")
	if _, err := store.Update(tr.ID, func(t *triggers.Trigger) { t.Enabled = false }); err != nil {
		t.Fatal(err)
	}

	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	sched.Tick(context.Background(), now)
	sched.Tick(context.Background(), now.Add(time.Minute))

	run.expectNone(t)
	got, _ := store.Get(tr.ID)
	if got.LastRun != nil {
		t.Errorf("disabled trigger got lastRun = %v", got.LastRun)
	}
}

func TestInvalidCronSkippedNotDisabled(t *testing.T) {
	layout := workspace.New(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	// The store validates on create, so corrupt the file directly the way an
	// external edit would.
	bad := []*triggers.Trigger{{
		ID:        "t1",
		AgentID:   "helper",
		Cron:      "whenever",
		Prompt:    "do things",
		Enabled:   true,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}}
	data, _ := json.Marshal(bad)
	if err := os.WriteFile(layout.TriggersFile(), data, 0644); err != nil {
		t.Fatal(err)
	}
	store, err := triggers.Open(layout.TriggersFile())
	if err != nil {
		t.Fatal(err)
	}
	th, err := threads.Open(layout)
	if err != nil {
		t.Fatal(err)
	}
	run := newFakeRunner()
	sched := NewTriggerScheduler(store, th, run, time.UTC)

	sched.Tick(context.Background(), time.Now())
	run.expectNone(t)

	got, err := store.Get("t1")
	if err != nil {
		t.Fatal(err)
	}
	if !got.Enabled {
		t.Error("invalid cron got the trigger disabled")
	}
}

func TestTriggerTimezone(t *testing.T) {
	sched, store, _, run := triggerFixture(t)
	// 09:00 in Helsinki is 06:00 UTC in June (EEST, UTC+3).
	tr, err := store.Create("helper", "0 9 * * *", "Europe/Helsinki", "morning brief")
	if err != nil {
		t.Fatal(err)
	}

	sched.Tick(context.Background(), time.Date(2026, 6, 1, 5, 0, 0, 0, time.UTC))
	run.expectNone(t)

	// 05:59 UTC = 08:59 Helsinki: before the instant, nothing fires.
	sched.Tick(context.Background(), time.Date(2026, 6, 1, 5, 59, 0, 0, time.UTC))
	run.expectNone(t)

	// 06:00:30 UTC = 09:00:30 Helsinki: past the instant.
	sched.Tick(context.Background(), time.Date(2026, 6, 1, 6, 0, 30, 0, time.UTC))
	rec := run.wait(t)
	if rec.Message != "morning brief" {
		t.Errorf("run = %+v", rec)
	}
	got, _ := store.Get(tr.ID)
	if got.LastRun == nil {
		t.Error("lastRun not persisted")
	}
}
