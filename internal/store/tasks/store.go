// Package tasks persists work items owned by the user or by agents. Live
// tasks sit in one JSON file; terminal tasks (done, canceled) move to an
// append-only history log. Steps may link subtasks, forming a DAG rooted at
// top-level tasks.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Task statuses.
const (
	StatusActive   = "active"
	StatusWaiting  = "waiting"
	StatusDone     = "done"
	StatusCanceled = "canceled"
)

// OwnerUser marks a task owned by the human user rather than an agent.
const OwnerUser = "user"

var (
	// ErrTaskNotFound is returned for ids absent from the live set.
	ErrTaskNotFound = errors.New("task not found")
	// ErrBadTransition is returned for illegal status changes.
	ErrBadTransition = errors.New("illegal task status transition")
)

// ValidationError reports an invalid task field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid task: %s %s", e.Field, e.Reason)
}

// Step is one ordered work item inside a task; TaskID links a subtask.
type Step struct {
	Title  string `json:"title"`
	Done   bool   `json:"done"`
	TaskID int64  `json:"taskId,omitempty"`
}

// Resource is an attachment reference (file path, URL, note id).
type Resource struct {
	Kind string `json:"kind"`
	Ref  string `json:"ref"`
}

// Task is one persistent work item.
type Task struct {
	ID           int64      `json:"id"`
	Title        string     `json:"title"`
	Description  string     `json:"description,omitempty"`
	Owner        string     `json:"owner"` // "user" or an agent id
	CreatedBy    string     `json:"createdBy"`
	Status       string     `json:"status"`
	Steps        []Step     `json:"steps,omitempty"`
	Resources    []Resource `json:"resources,omitempty"`
	ParentTaskID int64      `json:"parentTaskId,omitempty"`
	ThreadID     string     `json:"threadId,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
}

func (t *Task) clone() *Task {
	cp := *t
	cp.Steps = append([]Step(nil), t.Steps...)
	cp.Resources = append([]Resource(nil), t.Resources...)
	return &cp
}

// Terminal reports whether the status leaves the live set.
func Terminal(status string) bool {
	return status == StatusDone || status == StatusCanceled
}

var transitions = map[string]map[string]bool{
	StatusActive:  {StatusWaiting: true, StatusDone: true, StatusCanceled: true},
	StatusWaiting: {StatusActive: true, StatusDone: true, StatusCanceled: true},
}

// fileState is the on-disk shape of the live set.
type fileState struct {
	NextID int64   `json:"nextId"`
	Tasks  []*Task `json:"tasks"`
}

// Store manages the live task set and the history log.
type Store struct {
	path        string
	historyPath string

	mu     sync.RWMutex
	nextID int64
	live   map[int64]*Task
}

// Open loads the live set (absent file = empty store, ids start at 1).
func Open(path, historyPath string) (*Store, error) {
	s := &Store{path: path, historyPath: historyPath, nextID: 1, live: make(map[int64]*Task)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var state fileState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parse tasks file: %w", err)
	}
	if state.NextID > 0 {
		s.nextID = state.NextID
	}
	for _, t := range state.Tasks {
		s.live[t.ID] = t
	}
	return s, nil
}

// Create adds a new active task and returns it.
func (s *Store) Create(title, description, owner, createdBy string, parentTaskID int64) (*Task, error) {
	if title == "" {
		return nil, &ValidationError{Field: "title", Reason: "is required"}
	}
	if owner == "" {
		return nil, &ValidationError{Field: "owner", Reason: "is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if parentTaskID != 0 {
		if _, ok := s.live[parentTaskID]; !ok {
			return nil, &ValidationError{Field: "parentTaskId", Reason: fmt.Sprintf("%d is not a live task", parentTaskID)}
		}
	}
	now := time.Now()
	t := &Task{
		ID:           s.nextID,
		Title:        title,
		Description:  description,
		Owner:        owner,
		CreatedBy:    createdBy,
		Status:       StatusActive,
		ParentTaskID: parentTaskID,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.nextID++
	s.live[t.ID] = t
	if err := s.saveLocked(); err != nil {
		delete(s.live, t.ID)
		s.nextID--
		return nil, err
	}
	return t.clone(), nil
}

// Get returns a live task.
func (s *Store) Get(id int64) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	return t.clone(), nil
}

// List returns all live tasks ordered by id.
func (s *Store) List() []*Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ListAgentOwned returns active tasks owned by agents (not the user); the
// task scheduler drives exactly these.
func (s *Store) ListAgentOwned() []*Task {
	all := s.List()
	out := all[:0]
	for _, t := range all {
		if t.Owner != OwnerUser && t.Status == StatusActive {
			out = append(out, t)
		}
	}
	return out
}

// Update mutates mutable fields (title, description, steps, resources,
// thread binding). Status changes must go through SetStatus.
func (s *Store) Update(id int64, mutate func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	next := cur.clone()
	mutate(next)
	next.ID = cur.ID
	next.Status = cur.Status
	next.CreatedAt = cur.CreatedAt
	// Only links this mutation introduces are checked; links carried over
	// from the current state were validated when they were added.
	existing := make(map[int64]bool, len(cur.Steps))
	for _, step := range cur.Steps {
		if step.TaskID != 0 {
			existing[step.TaskID] = true
		}
	}
	for i, step := range next.Steps {
		if step.TaskID == 0 || existing[step.TaskID] {
			continue
		}
		if _, live := s.live[step.TaskID]; !live {
			return nil, &ValidationError{Field: "steps", Reason: fmt.Sprintf("step %d links task %d which is not live", i, step.TaskID)}
		}
	}
	next.UpdatedAt = time.Now()
	s.live[id] = next
	if err := s.saveLocked(); err != nil {
		s.live[id] = cur
		return nil, err
	}
	return next.clone(), nil
}

// SetStatus transitions a task. Terminal transitions archive the task to the
// history log and leave the live set; cancellation cascades to linked
// subtasks, and steps elsewhere that linked the archived task are detached.
func (s *Store) SetStatus(id int64, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.setStatusLocked(id, status); err != nil {
		return err
	}
	return s.saveLocked()
}

func (s *Store) setStatusLocked(id int64, status string) error {
	t, ok := s.live[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrTaskNotFound, id)
	}
	if !transitions[t.Status][status] {
		return fmt.Errorf("%w: %s → %s", ErrBadTransition, t.Status, status)
	}
	t.Status = status
	t.UpdatedAt = time.Now()

	if !Terminal(status) {
		return nil
	}
	if status == StatusCanceled {
		for _, step := range t.Steps {
			if step.TaskID == 0 {
				continue
			}
			if sub, live := s.live[step.TaskID]; live && !Terminal(sub.Status) {
				if err := s.setStatusLocked(sub.ID, StatusCanceled); err != nil {
					return err
				}
			}
		}
	}
	if err := s.appendHistory(t); err != nil {
		return err
	}
	delete(s.live, id)
	s.detachStepLinks(id, status == StatusDone)
	return nil
}

// detachStepLinks clears live steps that pointed at the just-archived task,
// marking them done when the subtask completed. Step links always point at
// live tasks as a result.
func (s *Store) detachStepLinks(id int64, completed bool) {
	now := time.Now()
	for _, parent := range s.live {
		for i := range parent.Steps {
			if parent.Steps[i].TaskID != id {
				continue
			}
			parent.Steps[i].TaskID = 0
			if completed {
				parent.Steps[i].Done = true
			}
			parent.UpdatedAt = now
		}
	}
}

func (s *Store) appendHistory(t *Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.historyPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// History returns archived terminal tasks, oldest first.
func (s *Store) History() ([]*Task, error) {
	data, err := os.ReadFile(s.historyPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []*Task
	for _, line := range splitLines(data) {
		var t Task
		if err := json.Unmarshal(line, &t); err != nil {
			continue // tolerate a truncated tail
		}
		out = append(out, &t)
	}
	return out, nil
}

func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, data[start:i])
			}
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}

func (s *Store) saveLocked() error {
	list := make([]*Task, 0, len(s.live))
	for _, t := range s.live {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	data, err := json.MarshalIndent(fileState{NextID: s.nextID, Tasks: list}, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "tasks-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, s.path)
}
