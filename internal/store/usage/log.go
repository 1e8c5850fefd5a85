// Package usage is the append-only per-turn usage log with aggregation
// queries. Records are immortal; the log is one JSONL file per workspace.
package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"
	"time"
)

// Record is one turn's token and cost accounting.
type Record struct {
	Timestamp           time.Time `json:"timestamp"`
	AgentID             string    `json:"agentId"`
	ThreadID            string    `json:"threadId"`
	InputTokens         int64     `json:"inputTokens"`
	OutputTokens        int64     `json:"outputTokens"`
	CacheReadTokens     int64     `json:"cacheReadTokens,omitempty"`
	CacheCreationTokens int64     `json:"cacheCreationTokens,omitempty"`
	CostUSD             float64   `json:"costUsd,omitempty"`
	DurationMs          int64     `json:"durationMs,omitempty"`
	Turns               int       `json:"turns,omitempty"`
	Model               string    `json:"model,omitempty"`
}

// Aggregate sums a set of records.
type Aggregate struct {
	InputTokens         int64   `json:"inputTokens"`
	OutputTokens        int64   `json:"outputTokens"`
	CacheReadTokens     int64   `json:"cacheReadTokens"`
	CacheCreationTokens int64   `json:"cacheCreationTokens"`
	CostUSD             float64 `json:"costUsd"`
	Turns               int     `json:"turns"`
	Records             int     `json:"records"`
}

func (a *Aggregate) add(r Record) {
	a.InputTokens += r.InputTokens
	a.OutputTokens += r.OutputTokens
	a.CacheReadTokens += r.CacheReadTokens
	a.CacheCreationTokens += r.CacheCreationTokens
	a.CostUSD += r.CostUSD
	a.Turns += r.Turns
	a.Records++
}

// Log appends and aggregates usage records.
type Log struct {
	mu   sync.Mutex
	path string
}

func Open(path string) *Log {
	return &Log{path: path}
}

// Append writes one record, stamping the timestamp if unset.
func (l *Log) Append(r Record) error {
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// Totals aggregates all records at or after since (zero since = everything).
func (l *Log) Totals(since time.Time) (Aggregate, error) {
	var agg Aggregate
	err := l.scan(func(r Record) {
		if since.IsZero() || !r.Timestamp.Before(since) {
			agg.add(r)
		}
	})
	return agg, err
}

// TotalsByAgent aggregates per agent id.
func (l *Log) TotalsByAgent(since time.Time) (map[string]Aggregate, error) {
	out := make(map[string]Aggregate)
	err := l.scan(func(r Record) {
		if since.IsZero() || !r.Timestamp.Before(since) {
			agg := out[r.AgentID]
			agg.add(r)
			out[r.AgentID] = agg
		}
	})
	return out, err
}

func (l *Log) scan(visit func(Record)) error {
	f, err := os.Open(l.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var r Record
		if err := json.Unmarshal(line, &r); err != nil {
			continue // truncated tail
		}
		visit(r)
	}
	return scanner.Err()
}
