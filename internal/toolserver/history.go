package toolserver

import (
	"context"

	"github.com/kjulin/opennova/internal/store/threads"
)

const historyMaxMessages = 50

// NewHistoryServer lets an agent read back its own threads. Access is scoped
// to the calling agent; other agents' threads are invisible.
func NewHistoryServer(store *threads.Store, agentID string) *Server {
	s := NewServer("history")

	s.Add(&Tool{
		Name:        "list_threads",
		Description: "List this agent's conversation threads, newest first.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			manifests, err := store.List(agentID)
			if err != nil {
				return nil, err
			}
			type entry struct {
				ID        string `json:"id"`
				Channel   string `json:"channel"`
				Title     string `json:"title,omitempty"`
				UpdatedAt string `json:"updatedAt"`
			}
			out := make([]entry, 0, len(manifests))
			for _, m := range manifests {
				out = append(out, entry{
					ID:        m.ID,
					Channel:   m.Channel,
					Title:     m.Title,
					UpdatedAt: m.UpdatedAt.Format("2006-01-02T15:04:05Z07:00"),
				})
			}
			return JSON(out), nil
		},
	})

	s.Add(&Tool{
		Name:        "read_thread",
		Description: "Read the messages of one of this agent's threads.",
		Schema: ObjectSchema(map[string]any{
			"thread_id": StringProp("Thread id from list_threads"),
			"limit":     map[string]any{"type": "number", "description": "Max messages, most recent last (default 20)"},
		}, "thread_id"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			threadID, _ := args["thread_id"].(string)
			if threadID == "" {
				return Error("thread_id is required"), nil
			}
			m, err := store.Get(threadID)
			if err != nil {
				return Errorf("thread not found: %s", threadID), nil
			}
			if m.AgentID != agentID {
				return Error("access denied: thread belongs to a different agent"), nil
			}

			limit := 20
			if v, ok := args["limit"].(float64); ok && int(v) > 0 {
				limit = int(v)
			}
			if limit > historyMaxMessages {
				limit = historyMaxMessages
			}

			msgs, err := store.LoadMessages(threadID)
			if err != nil {
				return nil, err
			}
			if len(msgs) > limit {
				msgs = msgs[len(msgs)-limit:]
			}
			type entry struct {
				Role string `json:"role"`
				Text string `json:"text"`
			}
			out := make([]entry, 0, len(msgs))
			for _, msg := range msgs {
				out = append(out, entry{Role: msg.Role, Text: msg.Text})
			}
			return JSON(map[string]any{"threadId": threadID, "messages": out, "count": len(out)}), nil
		},
	})

	return s
}
