// Package agents is the validated CRUD layer over agent definitions. One
// definition file per agent id under <workspace>/agents/<id>/agent.json,
// cached in memory and hot-reloaded when edited outside the daemon.
package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kjulin/opennova/internal/trust"
	"github.com/kjulin/opennova/internal/workspace"
)

// Protected system agent ids: cannot be deleted, and cannot be mutated
// through the agent-management tool surface.
const (
	ChiefOfStaffID = "chief-of-staff"
	AgentBuilderID = "agent-builder"
)

// ErrAgentNotFound is returned for unknown agent ids.
var ErrAgentNotFound = errors.New("agent not found")

// ValidationError reports an invalid agent definition field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid agent definition: %s %s", e.Field, e.Reason)
}

// Source identifies who initiated a mutation. Trust changes and protected-id
// mutations are refused when the source is an agent tool.
type Source int

const (
	SourceUser Source = iota
	SourceAgent
)

// Responsibility is one prompt fragment the agent itself may maintain.
type Responsibility struct {
	Title   string `json:"title"`
	Content string `json:"content"`
}

// Subagent is a named sub-persona definition understood by the engine.
type Subagent struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Prompt      string `json:"prompt"`
}

// Agent is a process-wide persistent persona definition.
type Agent struct {
	ID               string           `json:"id"`
	Name             string           `json:"name"`
	Identity         string           `json:"identity,omitempty"`
	Instructions     string           `json:"instructions,omitempty"`
	Role             string           `json:"role,omitempty"` // legacy single-field prompt
	Responsibilities []Responsibility `json:"responsibilities,omitempty"`
	Trust            trust.Level      `json:"trust,omitempty"`
	Model            string           `json:"model,omitempty"`
	Capabilities     []string         `json:"capabilities,omitempty"`
	Directories      []string         `json:"directories,omitempty"`
	AllowedAgents    []string         `json:"allowedAgents,omitempty"`
	Subagents        []Subagent       `json:"subagents,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy so callers cannot mutate cached state.
func (a *Agent) Clone() *Agent {
	cp := *a
	cp.Responsibilities = append([]Responsibility(nil), a.Responsibilities...)
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Directories = append([]string(nil), a.Directories...)
	cp.AllowedAgents = append([]string(nil), a.AllowedAgents...)
	cp.Subagents = append([]Subagent(nil), a.Subagents...)
	return &cp
}

// Protected reports whether the id belongs to a builtin system agent.
func Protected(id string) bool {
	return id == ChiefOfStaffID || id == AgentBuilderID
}

var idPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// KnownModels is the closed set of model tags agent definitions may use.
var KnownModels = []string{
	"claude-opus-4-5-20251101",
	"claude-sonnet-4-5-20250929",
	"claude-haiku-4-5-20251001",
}

// Store is the agent definition store.
type Store struct {
	layout workspace.Layout

	mu     sync.RWMutex
	agents map[string]*Agent

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Open loads all agent definitions from the workspace and starts watching the
// agents directory for external edits.
func Open(layout workspace.Layout) (*Store, error) {
	s := &Store{
		layout: layout,
		agents: make(map[string]*Agent),
		done:   make(chan struct{}),
	}
	if err := os.MkdirAll(layout.AgentsDir(), 0755); err != nil {
		return nil, err
	}
	if err := s.loadAll(); err != nil {
		return nil, err
	}
	if err := s.startWatcher(); err != nil {
		// Hot-reload is a convenience; the store works without it.
		slog.Warn("agent store: file watcher unavailable", "error", err)
	}
	return s, nil
}

// Close stops the file watcher.
func (s *Store) Close() error {
	close(s.done)
	if s.watcher != nil {
		return s.watcher.Close()
	}
	return nil
}

func (s *Store) loadAll() error {
	entries, err := os.ReadDir(s.layout.AgentsDir())
	if err != nil {
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := s.loadOne(e.Name()); err != nil {
			slog.Warn("agent store: skipping unreadable definition", "agent", e.Name(), "error", err)
		}
	}
	return nil
}

func (s *Store) loadOne(id string) error {
	data, err := os.ReadFile(s.layout.AgentFile(id))
	if err != nil {
		return err
	}
	var a Agent
	if err := json.Unmarshal(data, &a); err != nil {
		return fmt.Errorf("parse agent %s: %w", id, err)
	}
	if a.ID == "" {
		a.ID = id
	}
	s.mu.Lock()
	s.agents[a.ID] = &a
	s.mu.Unlock()
	return nil
}

// startWatcher watches agents/ plus every agent directory under it. inotify
// is not recursive, so definition files one level down need their own
// watches; new agent directories are picked up from Create events on agents/.
func (s *Store) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(s.layout.AgentsDir()); err != nil {
		w.Close()
		return err
	}
	entries, err := os.ReadDir(s.layout.AgentsDir())
	if err != nil {
		w.Close()
		return err
	}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if err := w.Add(filepath.Join(s.layout.AgentsDir(), e.Name())); err != nil {
			slog.Warn("agent store: cannot watch agent directory", "agent", e.Name(), "error", err)
		}
	}
	s.watcher = w
	go s.watchLoop()
	return nil
}

// watchLoop reloads definitions edited outside the daemon. Events for files
// the store itself just wrote are harmless: reloading is idempotent.
func (s *Store) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if ev.Op&fsnotify.Create != 0 && filepath.Dir(ev.Name) == s.layout.AgentsDir() {
				if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
					if err := s.watcher.Add(ev.Name); err != nil {
						slog.Warn("agent store: cannot watch agent directory", "path", ev.Name, "error", err)
					}
				}
			}
			id := filepath.Base(ev.Name)
			if owner := filepath.Base(filepath.Dir(ev.Name)); ev.Name == s.layout.AgentFile(owner) {
				// Event on the definition file itself; the id is its directory.
				id = owner
			}
			if _, err := os.Stat(s.layout.AgentFile(id)); err != nil {
				continue
			}
			if err := s.loadOne(id); err != nil {
				slog.Warn("agent store: reload failed", "agent", id, "error", err)
			} else {
				slog.Debug("agent store: reloaded definition", "agent", id)
			}
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			slog.Warn("agent store: watcher error", "error", err)
		}
	}
}

// Get returns a copy of the agent definition.
func (s *Store) Get(id string) (*Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	return a.Clone(), nil
}

// List returns all agent definitions ordered by id.
func (s *Store) List() []*Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, a.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Create validates and persists a new agent definition.
func (s *Store) Create(a *Agent, source Source) error {
	if err := validate(a); err != nil {
		return err
	}
	if source == SourceAgent && Protected(a.ID) {
		return &ValidationError{Field: "id", Reason: "is reserved for a system agent"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[a.ID]; exists {
		return &ValidationError{Field: "id", Reason: "already exists"}
	}
	now := time.Now()
	a.CreatedAt, a.UpdatedAt = now, now
	if err := s.persistLocked(a); err != nil {
		return err
	}
	s.agents[a.ID] = a.Clone()
	return nil
}

// Update applies a mutation function to a copy of the definition and persists
// the result. Agent-sourced updates may not touch protected agents nor the
// trust field.
func (s *Store) Update(id string, source Source, mutate func(*Agent)) (*Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.agents[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if source == SourceAgent && Protected(id) {
		return nil, &ValidationError{Field: "id", Reason: "is a protected system agent"}
	}

	next := cur.Clone()
	mutate(next)
	next.ID = cur.ID // id is immutable
	next.CreatedAt = cur.CreatedAt
	if source == SourceAgent && next.Trust != cur.Trust {
		return nil, &ValidationError{Field: "trust", Reason: "may only be changed by the user"}
	}
	if err := validate(next); err != nil {
		return nil, err
	}
	next.UpdatedAt = time.Now()
	if err := s.persistLocked(next); err != nil {
		return nil, err
	}
	s.agents[id] = next
	return next.Clone(), nil
}

// Delete removes an agent definition. Protected agents cannot be deleted
// regardless of source; their directories (threads, notes) stay on disk.
func (s *Store) Delete(id string, source Source) error {
	if Protected(id) {
		return &ValidationError{Field: "id", Reason: "is a protected system agent"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, id)
	}
	if err := os.Remove(s.layout.AgentFile(id)); err != nil && !os.IsNotExist(err) {
		return err
	}
	delete(s.agents, id)
	return nil
}

// persistLocked writes the definition atomically (temp file + rename).
func (s *Store) persistLocked(a *Agent) error {
	dir := s.layout.AgentDir(a.ID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "agent-*.tmp")
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
	return os.Rename(tmpPath, s.layout.AgentFile(a.ID))
}

func validate(a *Agent) error {
	if !idPattern.MatchString(a.ID) {
		return &ValidationError{Field: "id", Reason: "must be lowercase-kebab"}
	}
	if a.Name == "" {
		return &ValidationError{Field: "name", Reason: "is required"}
	}
	if a.Trust != "" {
		if _, err := trust.Parse(string(a.Trust)); err != nil {
			return &ValidationError{Field: "trust", Reason: fmt.Sprintf("must be one of sandbox, controlled, unrestricted (got %q)", a.Trust)}
		}
	}
	if a.Model != "" && !knownModel(a.Model) {
		return &ValidationError{Field: "model", Reason: fmt.Sprintf("unknown model tag %q", a.Model)}
	}
	for _, sub := range a.Subagents {
		if sub.Name == "" {
			return &ValidationError{Field: "subagents", Reason: "entries need a name"}
		}
	}
	return nil
}

func knownModel(tag string) bool {
	for _, m := range KnownModels {
		if m == tag {
			return true
		}
	}
	return false
}
