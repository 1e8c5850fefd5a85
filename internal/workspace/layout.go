// Package workspace defines the on-disk layout of an opennova workspace and
// the daemon file external supervisors read.
//
//	<root>/
//	  agents/<agent-id>/agent.json      agent definition
//	  agents/<agent-id>/threads/*.jsonl thread logs (manifest first line)
//	  agents/<agent-id>/notes/          notes capability storage
//	  agents/<agent-id>/memory/         memory capability storage
//	  triggers.json                     cron triggers
//	  tasks.json                        live tasks
//	  tasks-history.jsonl               terminal task archive
//	  usage.jsonl                       per-turn usage records
//	  engine.db                         engine session transcripts
//	  daemon.json                       pid + port for supervisors
package workspace

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Layout resolves workspace-relative paths.
type Layout struct {
	Root string
}

func New(root string) Layout { return Layout{Root: root} }

func (l Layout) AgentsDir() string           { return filepath.Join(l.Root, "agents") }
func (l Layout) AgentDir(id string) string   { return filepath.Join(l.Root, "agents", id) }
func (l Layout) AgentFile(id string) string  { return filepath.Join(l.AgentDir(id), "agent.json") }
func (l Layout) ThreadsDir(id string) string { return filepath.Join(l.AgentDir(id), "threads") }
func (l Layout) NotesDir(id string) string   { return filepath.Join(l.AgentDir(id), "notes") }
func (l Layout) MemoryDir(id string) string  { return filepath.Join(l.AgentDir(id), "memory") }
func (l Layout) TriggersFile() string        { return filepath.Join(l.Root, "triggers.json") }
func (l Layout) TasksFile() string           { return filepath.Join(l.Root, "tasks.json") }
func (l Layout) TasksHistoryFile() string    { return filepath.Join(l.Root, "tasks-history.jsonl") }
func (l Layout) UsageFile() string           { return filepath.Join(l.Root, "usage.jsonl") }
func (l Layout) EngineDB() string            { return filepath.Join(l.Root, "engine.db") }
func (l Layout) DaemonFile() string          { return filepath.Join(l.Root, "daemon.json") }

// Ensure creates the workspace root and shared directories.
func (l Layout) Ensure() error {
	for _, dir := range []string{l.Root, l.AgentsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("workspace: create %s: %w", dir, err)
		}
	}
	return nil
}

// DaemonInfo is the single file external supervisors read.
type DaemonInfo struct {
	PID  int `json:"pid"`
	Port int `json:"port"`
}

// WriteDaemonFile records the running process's pid and listen port.
func (l Layout) WriteDaemonFile(pid, port int) error {
	data, err := json.Marshal(DaemonInfo{PID: pid, Port: port})
	if err != nil {
		return err
	}
	return os.WriteFile(l.DaemonFile(), data, 0644)
}

// RemoveDaemonFile deletes the daemon file on clean shutdown.
func (l Layout) RemoveDaemonFile() {
	os.Remove(l.DaemonFile())
}

// ReadDaemonFile loads the daemon file, if present.
func (l Layout) ReadDaemonFile() (*DaemonInfo, error) {
	data, err := os.ReadFile(l.DaemonFile())
	if err != nil {
		return nil, err
	}
	var info DaemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
