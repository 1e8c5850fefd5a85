package threads

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kjulin/opennova/internal/workspace"
)

func newStore(t *testing.T) (*Store, workspace.Layout) {
	t.Helper()
	layout := workspace.New(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatalf("ensure layout: %v", err)
	}
	s, err := Open(layout)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return s, layout
}

func TestCreateAndGet(t *testing.T) {
	s, _ := newStore(t)

	id, err := s.Create("helper", CreateOpts{Channel: "telegram", TaskID: "7"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	m, err := s.Get(id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if m.AgentID != "helper" || m.Channel != "telegram" || m.TaskID != "7" {
		t.Errorf("manifest = %+v", m)
	}

	id2, err := s.Create("helper", CreateOpts{})
	if err != nil {
		t.Fatalf("create default: %v", err)
	}
	m2, _ := s.Get(id2)
	if m2.Channel != "internal" {
		t.Errorf("default channel = %q, want internal", m2.Channel)
	}
}

func TestGetUnknownThread(t *testing.T) {
	s, _ := newStore(t)
	if _, err := s.Get("nope"); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("err = %v, want ErrThreadNotFound", err)
	}
}

func TestMessagePairs(t *testing.T) {
	s, _ := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	const turns = 5
	for i := 0; i < turns; i++ {
		if err := s.AppendMessage(id, RoleUser, fmt.Sprintf("question %d", i)); err != nil {
			t.Fatalf("append user: %v", err)
		}
		if err := s.AppendMessage(id, RoleAssistant, fmt.Sprintf("answer %d", i)); err != nil {
			t.Fatalf("append assistant: %v", err)
		}
	}

	msgs, err := s.LoadMessages(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2*turns {
		t.Fatalf("got %d messages, want %d", len(msgs), 2*turns)
	}
	for i, msg := range msgs {
		wantRole := RoleUser
		if i%2 == 1 {
			wantRole = RoleAssistant
		}
		if msg.Role != wantRole {
			t.Errorf("message %d role = %q, want %q", i, msg.Role, wantRole)
		}
	}
}

func TestUnicodeRoundTrip(t *testing.T) {
	s, _ := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	text := "héllo 世界 🎉\nsecond line\ttabbed \"quoted\""
	if err := s.AppendMessage(id, RoleUser, text); err != nil {
		t.Fatalf("append: %v", err)
	}
	msgs, err := s.LoadMessages(id)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != text {
		t.Errorf("round trip lost bytes: got %q", msgs[0].Text)
	}
}

func TestManifestUpdateAppendsLastWins(t *testing.T) {
	s, layout := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	if _, err := s.UpdateManifest(id, func(m *Manifest) { m.Title = "budget review" }); err != nil {
		t.Fatalf("update: %v", err)
	}
	m, _ := s.Get(id)
	if m.Title != "budget review" {
		t.Errorf("title = %q", m.Title)
	}

	// The log must contain both manifest records: append-only, last wins.
	data, err := os.ReadFile(filepath.Join(layout.ThreadsDir("helper"), id+".jsonl"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	lines := 0
	for _, b := range data {
		if b == '\n' {
			lines++
		}
	}
	if lines != 2 {
		t.Errorf("log has %d lines, want 2", lines)
	}
}

func TestSessionIDNeverDowngrades(t *testing.T) {
	s, _ := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	s.UpdateManifest(id, func(m *Manifest) { m.SessionID = "sess-1" })
	s.UpdateManifest(id, func(m *Manifest) { m.SessionID = "" }) // attempted clear
	m, _ := s.Get(id)
	if m.SessionID != "sess-1" {
		t.Errorf("session cleared: %q", m.SessionID)
	}

	s.UpdateManifest(id, func(m *Manifest) { m.SessionID = "sess-2" })
	m, _ = s.Get(id)
	if m.SessionID != "sess-2" {
		t.Errorf("session = %q, want sess-2", m.SessionID)
	}
}

func appendRaw(t *testing.T, layout workspace.Layout, agentID, threadID, line string) {
	t.Helper()
	path := filepath.Join(layout.ThreadsDir(agentID), threadID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestTruncatedTailTolerated(t *testing.T) {
	s, layout := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})
	s.AppendMessage(id, RoleUser, "hello")

	// Simulate a crash mid-append: a partial trailing line.
	appendRaw(t, layout, "helper", id, `{"type":"message","role":"assi`)

	msgs, err := s.LoadMessages(id)
	if err != nil {
		t.Fatalf("load with truncated tail: %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1", len(msgs))
	}
}

func TestCorruptionMidLogFailsRead(t *testing.T) {
	s, layout := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	appendRaw(t, layout, "helper", id, "not json at all\n")
	s.AppendMessage(id, RoleUser, "after the damage")

	if _, err := s.LoadMessages(id); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrCorrupt) {
		t.Errorf("get err = %v, want ErrCorrupt", err)
	}
}

func TestFirstRecordMustBeManifest(t *testing.T) {
	_, layout := newStore(t)
	if err := os.MkdirAll(layout.ThreadsDir("helper"), 0755); err != nil {
		t.Fatal(err)
	}
	appendRaw(t, layout, "helper", "rogue", `{"type":"message","role":"user","text":"hi"}`+"\n")

	s2, err := Open(layout)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if _, err := s2.Get("rogue"); !errors.Is(err, ErrCorrupt) {
		t.Errorf("err = %v, want ErrCorrupt", err)
	}
}

func TestWithLockSerializes(t *testing.T) {
	s, _ := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	var mu sync.Mutex
	var active, maxActive int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.WithLock(context.Background(), id, func() error {
				mu.Lock()
				active++
				if active > maxActive {
					maxActive = active
				}
				mu.Unlock()
				time.Sleep(2 * time.Millisecond)
				mu.Lock()
				active--
				mu.Unlock()
				return nil
			})
		}()
	}
	wg.Wait()

	if maxActive != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxActive)
	}
	if n := s.LockTableSize(); n != 0 {
		t.Errorf("lock table size after release = %d, want 0", n)
	}
}

func TestWithLockCancellation(t *testing.T) {
	s, _ := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})

	held := make(chan struct{})
	release := make(chan struct{})
	go s.WithLock(context.Background(), id, func() error {
		close(held)
		<-release
		return nil
	})
	<-held

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := s.WithLock(ctx, id, func() error { return nil })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	close(release)
}

func TestListOrdersByUpdatedAt(t *testing.T) {
	s, _ := newStore(t)
	clock := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	})

	old, _ := s.Create("helper", CreateOpts{})
	recent, _ := s.Create("helper", CreateOpts{})
	s.UpdateManifest(old, func(m *Manifest) { m.Title = "bumped" })

	list, err := s.List("helper")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != old || list[1].ID != recent {
		t.Errorf("order wrong: %v", []string{list[0].ID, list[1].ID})
	}
}

func TestDelete(t *testing.T) {
	s, _ := newStore(t)
	id, _ := s.Create("helper", CreateOpts{})
	if err := s.Delete(id); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Get(id); !errors.Is(err, ErrThreadNotFound) {
		t.Errorf("err = %v, want ErrThreadNotFound", err)
	}
}
