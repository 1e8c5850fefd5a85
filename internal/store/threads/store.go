// Package threads is the append-only conversational substrate. Each thread
// is one JSONL file whose first line is the creation manifest; manifest
// updates append fresh manifest records and readers keep the last one seen.
// Appends are O_APPEND single writes so a crash never corrupts earlier
// records, and readers tolerate a truncated trailing line.
package threads

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kjulin/opennova/internal/workspace"
)

var (
	// ErrThreadNotFound is returned for unknown thread ids.
	ErrThreadNotFound = errors.New("thread not found")
	// ErrCorrupt is returned when a thread log's manifest cannot be read.
	// Corruption is surfaced, never silently reset.
	ErrCorrupt = errors.New("thread log corrupt")
)

// CreateOpts are optional fields for new threads.
type CreateOpts struct {
	Channel string // defaults to "internal"
	TaskID  string
}

// Store manages thread logs and the per-thread locks.
type Store struct {
	layout workspace.Layout
	locks  *lockTable
	now    func() time.Time

	mu    sync.RWMutex
	index map[string]string // threadID → agentID
}

// Open scans the workspace for existing thread logs.
func Open(layout workspace.Layout) (*Store, error) {
	s := &Store{
		layout: layout,
		locks:  newLockTable(),
		now:    time.Now,
		index:  make(map[string]string),
	}
	if err := s.scan(); err != nil {
		return nil, err
	}
	return s, nil
}

// SetNow overrides the clock (tests).
func (s *Store) SetNow(now func() time.Time) { s.now = now }

func (s *Store) scan() error {
	agents, err := os.ReadDir(s.layout.AgentsDir())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	for _, a := range agents {
		if !a.IsDir() {
			continue
		}
		dir := s.layout.ThreadsDir(a.Name())
		files, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, f := range files {
			if strings.HasSuffix(f.Name(), ".jsonl") {
				s.index[strings.TrimSuffix(f.Name(), ".jsonl")] = a.Name()
			}
		}
	}
	return nil
}

func (s *Store) path(threadID string) (string, error) {
	s.mu.RLock()
	agentID, ok := s.index[threadID]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrThreadNotFound, threadID)
	}
	return filepath.Join(s.layout.ThreadsDir(agentID), threadID+".jsonl"), nil
}

// Create makes a new thread under the agent and writes its manifest line.
func (s *Store) Create(agentID string, opts CreateOpts) (string, error) {
	channel := opts.Channel
	if channel == "" {
		channel = "internal"
	}
	id := uuid.NewString()
	now := s.now()
	m := &Manifest{
		ID:        id,
		AgentID:   agentID,
		Channel:   channel,
		TaskID:    opts.TaskID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	dir := s.layout.ThreadsDir(agentID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, id+".jsonl")
	if err := appendRecord(path, manifestRecord(m)); err != nil {
		return "", err
	}

	s.mu.Lock()
	s.index[id] = agentID
	s.mu.Unlock()
	return id, nil
}

// Get returns the current manifest (last manifest record in the log).
func (s *Store) Get(threadID string) (*Manifest, error) {
	path, err := s.path(threadID)
	if err != nil {
		return nil, err
	}
	var manifest *Manifest
	err = s.readRecords(path, func(r record) {
		if r.Kind == KindManifest {
			m := r.manifest()
			manifest = &m
		}
	})
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %s has no manifest", ErrCorrupt, threadID)
	}
	return manifest, nil
}

// List returns manifests of all threads belonging to the agent, newest first.
func (s *Store) List(agentID string) ([]*Manifest, error) {
	s.mu.RLock()
	ids := make([]string, 0)
	for id, owner := range s.index {
		if owner == agentID {
			ids = append(ids, id)
		}
	}
	s.mu.RUnlock()

	out := make([]*Manifest, 0, len(ids))
	for _, id := range ids {
		m, err := s.Get(id)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// AppendMessage appends a visible conversation message.
func (s *Store) AppendMessage(threadID, role, text string) error {
	return s.AppendEvent(threadID, Event{Kind: KindMessage, Role: role, Text: text})
}

// AppendEvent appends any event record, stamping the timestamp if unset.
func (s *Store) AppendEvent(threadID string, ev Event) error {
	path, err := s.path(threadID)
	if err != nil {
		return err
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = s.now()
	}
	return appendRecord(path, eventRecord(ev))
}

// LoadMessages returns only the conversation messages, in append order.
func (s *Store) LoadMessages(threadID string) ([]Event, error) {
	events, err := s.LoadEvents(threadID)
	if err != nil {
		return nil, err
	}
	msgs := events[:0:0]
	for _, ev := range events {
		if ev.Kind == KindMessage {
			msgs = append(msgs, ev)
		}
	}
	return msgs, nil
}

// LoadEvents returns every non-manifest record, in append order.
func (s *Store) LoadEvents(threadID string) ([]Event, error) {
	path, err := s.path(threadID)
	if err != nil {
		return nil, err
	}
	var events []Event
	err = s.readRecords(path, func(r record) {
		if r.Kind != KindManifest {
			events = append(events, r.event())
		}
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// UpdateManifest applies a mutation to the manifest and appends the result.
// The session id never downgrades: clearing or replacing it with the value
// already present is a no-op append only when something else changed.
func (s *Store) UpdateManifest(threadID string, mutate func(*Manifest)) (*Manifest, error) {
	m, err := s.Get(threadID)
	if err != nil {
		return nil, err
	}
	prevSession := m.SessionID
	mutate(m)
	if m.SessionID == "" {
		m.SessionID = prevSession
	}
	m.UpdatedAt = s.now()

	path, err := s.path(threadID)
	if err != nil {
		return nil, err
	}
	if err := appendRecord(path, manifestRecord(m)); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete removes a thread log.
func (s *Store) Delete(threadID string) error {
	path, err := s.path(threadID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	s.mu.Lock()
	delete(s.index, threadID)
	s.mu.Unlock()
	return nil
}

// WithLock grants fn exclusive access to the thread, queued FIFO. This is the
// only concurrency primitive thread-mutating operations rely on; reads do not
// take the lock.
func (s *Store) WithLock(ctx context.Context, threadID string, fn func() error) error {
	release, err := s.locks.acquire(ctx, threadID)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// LockTableSize is a test hook exposing the live lock entry count.
func (s *Store) LockTableSize() int { return s.locks.size() }

// appendRecord writes one JSONL line with a single O_APPEND write so partial
// writes never damage earlier records.
func appendRecord(path string, r record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append thread record: %w", err)
	}
	return nil
}

// readRecords streams records to visit. The first line must be a manifest; a
// truncated or unparsable trailing line is tolerated, anything else is
// ErrCorrupt.
func (s *Store) readRecords(path string, visit func(record)) error {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return fmt.Errorf("%w: %s", ErrThreadNotFound, filepath.Base(path))
	}
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	var pendingErr error
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if pendingErr != nil {
			// A bad line followed by more data is real corruption,
			// not a truncated tail.
			return pendingErr
		}
		var r record
		if err := json.Unmarshal(line, &r); err != nil {
			pendingErr = fmt.Errorf("%w: %v", ErrCorrupt, err)
			continue
		}
		if first {
			if r.Kind != KindManifest {
				return fmt.Errorf("%w: first record is %q, want manifest", ErrCorrupt, r.Kind)
			}
			first = false
		}
		visit(r)
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if first {
		return fmt.Errorf("%w: empty log", ErrCorrupt)
	}
	return nil
}
