package tasks

import (
	"errors"
	"path/filepath"
	"testing"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.json"), filepath.Join(dir, "tasks-history.jsonl"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s
}

func TestCreateValidation(t *testing.T) {
	s := newStore(t)
	if _, err := s.Create("", "", OwnerUser, OwnerUser, 0); err == nil {
		t.Error("empty title accepted")
	}
	if _, err := s.Create("plan trip", "", "", OwnerUser, 0); err == nil {
		t.Error("empty owner accepted")
	}
	if _, err := s.Create("plan trip", "", OwnerUser, OwnerUser, 99); err == nil {
		t.Error("dead parent accepted")
	}
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []string
		ok   bool
	}{
		{"active to waiting", []string{StatusWaiting}, true},
		{"waiting back to active", []string{StatusWaiting, StatusActive}, true},
		{"active to done", []string{StatusDone}, true},
		{"waiting to canceled", []string{StatusWaiting, StatusCanceled}, true},
		{"active to active", []string{StatusActive}, false},
		{"unknown status", []string{"paused"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			task, err := s.Create("plan trip", "", OwnerUser, OwnerUser, 0)
			if err != nil {
				t.Fatal(err)
			}
			var last error
			for _, status := range tt.path {
				last = s.SetStatus(task.ID, status)
			}
			if tt.ok && last != nil {
				t.Errorf("transition failed: %v", last)
			}
			if !tt.ok && !errors.Is(last, ErrBadTransition) {
				t.Errorf("err = %v, want ErrBadTransition", last)
			}
		})
	}
}

func TestTerminalTasksArchive(t *testing.T) {
	s := newStore(t)
	task, _ := s.Create("plan trip", "", OwnerUser, OwnerUser, 0)
	if err := s.SetStatus(task.ID, StatusDone); err != nil {
		t.Fatalf("set done: %v", err)
	}

	if _, err := s.Get(task.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("done task still live: %v", err)
	}
	hist, err := s.History()
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(hist) != 1 || hist[0].ID != task.ID || hist[0].Status != StatusDone {
		t.Errorf("history = %+v", hist)
	}

	// A terminal task cannot transition again.
	if err := s.SetStatus(task.ID, StatusActive); !errors.Is(err, ErrTaskNotFound) {
		t.Errorf("err = %v, want ErrTaskNotFound", err)
	}
}

func TestCancelCascadesToSubtasks(t *testing.T) {
	s := newStore(t)
	parent, _ := s.Create("launch project", "", "helper", "helper", 0)
	sub1, _ := s.Create("write announcement", "", "helper", "helper", parent.ID)
	sub2, _ := s.Create("book venue", "", "helper", "helper", parent.ID)
	unrelated, _ := s.Create("water plants", "", "helper", "helper", 0)

	// Only step-linked subtasks cascade.
	if _, err := s.Update(parent.ID, func(task *Task) {
		task.Steps = []Step{
			{Title: "announcement", TaskID: sub1.ID},
			{Title: "venue", TaskID: sub2.ID},
		}
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(sub2.ID, StatusDone); err != nil {
		t.Fatal(err)
	}

	before, _ := s.History()
	if err := s.SetStatus(parent.ID, StatusCanceled); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	if _, err := s.Get(sub1.ID); !errors.Is(err, ErrTaskNotFound) {
		t.Error("linked live subtask survived cancellation")
	}
	if _, err := s.Get(unrelated.ID); err != nil {
		t.Errorf("unlinked task was cascaded: %v", err)
	}
	after, _ := s.History()
	if len(after)-len(before) != 2 {
		t.Errorf("history grew by %d, want 2 (parent + one live subtask)", len(after)-len(before))
	}
	for _, h := range after {
		if h.ID == sub1.ID && h.Status != StatusCanceled {
			t.Errorf("subtask archived as %q, want canceled", h.Status)
		}
	}
}

func TestCreateThenCancelLeavesLiveSetUnchanged(t *testing.T) {
	s := newStore(t)
	liveBefore := len(s.List())
	histBefore, _ := s.History()

	task, err := s.Create("ephemeral", "", OwnerUser, OwnerUser, 0)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SetStatus(task.ID, StatusCanceled); err != nil {
		t.Fatal(err)
	}

	if got := len(s.List()); got != liveBefore {
		t.Errorf("live set = %d, want %d", got, liveBefore)
	}
	histAfter, _ := s.History()
	if len(histAfter)-len(histBefore) != 1 {
		t.Errorf("history grew by %d, want 1", len(histAfter)-len(histBefore))
	}
}

func TestStepLinkMustBeLive(t *testing.T) {
	s := newStore(t)
	task, _ := s.Create("plan trip", "", OwnerUser, OwnerUser, 0)
	other, _ := s.Create("side quest", "", OwnerUser, OwnerUser, 0)
	s.SetStatus(other.ID, StatusDone)

	_, err := s.Update(task.ID, func(task *Task) {
		task.Steps = []Step{{Title: "link dead", TaskID: other.ID}}
	})
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Field != "steps" {
		t.Errorf("err = %v, want steps ValidationError", err)
	}
}

func TestSubtaskArchiveDetachesParentStep(t *testing.T) {
	s := newStore(t)
	parent, _ := s.Create("launch project", "", "helper", "helper", 0)
	sub, _ := s.Create("write announcement", "", "helper", "helper", parent.ID)
	if _, err := s.Update(parent.ID, func(task *Task) {
		task.Steps = []Step{{Title: "announcement", TaskID: sub.ID}}
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus(sub.ID, StatusDone); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(parent.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Steps[0].TaskID != 0 {
		t.Errorf("step still links archived task %d", got.Steps[0].TaskID)
	}
	if !got.Steps[0].Done {
		t.Error("step not marked done after subtask completion")
	}

	// The routine follow-up update on the parent must keep working.
	if _, err := s.Update(parent.ID, func(task *Task) {
		task.Description = "announcement shipped"
	}); err != nil {
		t.Errorf("parent update after subtask completion: %v", err)
	}
}

func TestSubtaskCancelUnlinksWithoutCompleting(t *testing.T) {
	s := newStore(t)
	parent, _ := s.Create("launch project", "", "helper", "helper", 0)
	sub, _ := s.Create("book venue", "", "helper", "helper", parent.ID)
	if _, err := s.Update(parent.ID, func(task *Task) {
		task.Steps = []Step{{Title: "venue", TaskID: sub.ID}}
	}); err != nil {
		t.Fatal(err)
	}

	if err := s.SetStatus(sub.ID, StatusCanceled); err != nil {
		t.Fatal(err)
	}

	got, _ := s.Get(parent.ID)
	if got.Steps[0].TaskID != 0 {
		t.Errorf("step still links canceled task %d", got.Steps[0].TaskID)
	}
	if got.Steps[0].Done {
		t.Error("canceled subtask marked the step done")
	}
	if _, err := s.Update(parent.ID, func(task *Task) {
		task.Steps[0].Done = true
	}); err != nil {
		t.Errorf("parent update after subtask cancel: %v", err)
	}
}

func TestUpdateCannotChangeStatus(t *testing.T) {
	s := newStore(t)
	task, _ := s.Create("plan trip", "", OwnerUser, OwnerUser, 0)
	got, err := s.Update(task.ID, func(task *Task) {
		task.Status = StatusDone
		task.Description = "three days in Kyoto"
	})
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusActive {
		t.Errorf("status changed through Update: %q", got.Status)
	}
	if got.Description != "three days in Kyoto" {
		t.Errorf("description = %q", got.Description)
	}
}

func TestListAgentOwned(t *testing.T) {
	s := newStore(t)
	s.Create("user chore", "", OwnerUser, OwnerUser, 0)
	mine, _ := s.Create("agent work", "", "helper", OwnerUser, 0)
	waiting, _ := s.Create("agent waiting", "", "helper", OwnerUser, 0)
	s.SetStatus(waiting.ID, StatusWaiting)

	got := s.ListAgentOwned()
	if len(got) != 1 || got[0].ID != mine.ID {
		t.Errorf("agent-owned = %+v, want only %d", got, mine.ID)
	}
}

func TestIDsSurviveReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")
	histPath := filepath.Join(dir, "tasks-history.jsonl")
	s, err := Open(path, histPath)
	if err != nil {
		t.Fatal(err)
	}
	first, _ := s.Create("one", "", OwnerUser, OwnerUser, 0)
	s.SetStatus(first.ID, StatusDone)

	s2, err := Open(path, histPath)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	second, err := s2.Create("two", "", OwnerUser, OwnerUser, 0)
	if err != nil {
		t.Fatal(err)
	}
	if second.ID <= first.ID {
		t.Errorf("id %d reused after reopen (first was %d)", second.ID, first.ID)
	}
}
