// Package triggers persists cron triggers: per-workspace records pairing a
// cron expression with a prompt fired as a background turn.
package triggers

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/google/uuid"
)

// ErrTriggerNotFound is returned for unknown trigger ids.
var ErrTriggerNotFound = errors.New("trigger not found")

// ValidationError reports an invalid trigger field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid trigger: %s %s", e.Field, e.Reason)
}

// Trigger is one persistent cron trigger. LastRun is nil until the scheduler
// first sights the trigger; it then never fires for instants at or before
// LastRun.
type Trigger struct {
	ID        string     `json:"id"`
	AgentID   string     `json:"agentId"`
	Cron      string     `json:"cron"`
	TZ        string     `json:"tz,omitempty"` // defaults to the process timezone
	Prompt    string     `json:"prompt"`
	Enabled   bool       `json:"enabled"`
	LastRun   *time.Time `json:"lastRun,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
}

func (t *Trigger) clone() *Trigger {
	cp := *t
	if t.LastRun != nil {
		lr := *t.LastRun
		cp.LastRun = &lr
	}
	return &cp
}

// Store keeps all triggers in one JSON file, rewritten atomically.
type Store struct {
	path string
	gron *gronx.Gronx

	mu       sync.RWMutex
	triggers map[string]*Trigger
}

// Open loads the trigger file (absent file = empty store).
func Open(path string) (*Store, error) {
	s := &Store{path: path, gron: gronx.New(), triggers: make(map[string]*Trigger)}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, err
	}
	var list []*Trigger
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("parse triggers file: %w", err)
	}
	for _, t := range list {
		s.triggers[t.ID] = t
	}
	return s, nil
}

// Create validates and persists a new trigger. LastRun starts nil so the
// scheduler bootstraps it on first sighting and never fires immediately.
func (s *Store) Create(agentID, cron, tz, prompt string) (*Trigger, error) {
	if agentID == "" {
		return nil, &ValidationError{Field: "agentId", Reason: "is required"}
	}
	if err := s.validateCron(cron); err != nil {
		return nil, err
	}
	if tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, &ValidationError{Field: "tz", Reason: fmt.Sprintf("unknown timezone %q", tz)}
		}
	}
	if prompt == "" {
		return nil, &ValidationError{Field: "prompt", Reason: "is required"}
	}

	now := time.Now()
	t := &Trigger{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Cron:      cron,
		TZ:        tz,
		Prompt:    prompt,
		Enabled:   true,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[t.ID] = t
	if err := s.saveLocked(); err != nil {
		delete(s.triggers, t.ID)
		return nil, err
	}
	return t.clone(), nil
}

// Get returns a copy of one trigger.
func (s *Store) Get(id string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	return t.clone(), nil
}

// List returns all triggers ordered by creation time.
func (s *Store) List() []*Trigger {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// ListByAgent returns the agent's triggers.
func (s *Store) ListByAgent(agentID string) []*Trigger {
	all := s.List()
	out := all[:0]
	for _, t := range all {
		if t.AgentID == agentID {
			out = append(out, t)
		}
	}
	return out
}

// Update mutates trigger fields. Saving a trigger with unchanged fields does
// not advance LastRun: mutations cannot touch it.
func (s *Store) Update(id string, mutate func(*Trigger)) (*Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.triggers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	next := cur.clone()
	mutate(next)
	next.ID = cur.ID
	next.CreatedAt = cur.CreatedAt
	next.LastRun = cur.LastRun
	if err := s.validateCron(next.Cron); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	s.triggers[id] = next
	if err := s.saveLocked(); err != nil {
		s.triggers[id] = cur
		return nil, err
	}
	return next.clone(), nil
}

// validateCron accepts 5-field expressions only. gronx itself also parses
// 6-field (seconds) schedules; triggers run at minute granularity.
func (s *Store) validateCron(cron string) error {
	if len(strings.Fields(cron)) != 5 || !s.gron.IsValid(cron) {
		return &ValidationError{Field: "cron", Reason: fmt.Sprintf("expression %q is not a valid 5-field schedule", cron)}
	}
	return nil
}

// SetLastRun persists the fire decision. The scheduler calls this before
// launching the turn so a crash mid-run can never double-fire.
func (s *Store) SetLastRun(id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.triggers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	t.LastRun = &at
	return s.saveLocked()
}

// Delete removes a trigger.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
	}
	delete(s.triggers, id)
	return s.saveLocked()
}

func (s *Store) saveLocked() error {
	list := make([]*Trigger, 0, len(s.triggers))
	for _, t := range s.triggers {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.Before(list[j].CreatedAt) })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), "triggers-*.tmp")
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
