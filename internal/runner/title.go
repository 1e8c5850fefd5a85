package runner

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kjulin/opennova/internal/engine"
	"github.com/kjulin/opennova/internal/store/threads"
)

const titleSystemPrompt = "Produce a short title (at most six words) for the conversation excerpt " +
	"the user sends. Reply with the title only: no quotes, no trailing punctuation."

// maybeTitle fires async title generation once a thread has at least two user
// messages and no title yet. It runs outside the thread lock; the benign race
// with further turns is accepted because the title is advisory.
func (r *Runner) maybeTitle(m *threads.Manifest, threadID string) {
	if m.Title != "" {
		return
	}
	msgs, err := r.deps.Threads.LoadMessages(threadID)
	if err != nil {
		return
	}
	users := 0
	for _, msg := range msgs {
		if msg.Role == threads.RoleUser {
			users++
		}
	}
	if users < 2 {
		return
	}
	go r.generateTitle(threadID)
}

func (r *Runner) generateTitle(threadID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	m, err := r.deps.Threads.Get(threadID)
	if err != nil || m.Title != "" {
		return
	}
	msgs, err := r.deps.Threads.LoadMessages(threadID)
	if err != nil {
		return
	}

	excerpt := titleExcerpt(msgs)
	if excerpt == "" {
		return
	}

	res, err := r.deps.Engine.Run(ctx, excerpt, engine.Options{
		SystemPrompt: titleSystemPrompt,
		Model:        r.deps.TitleModel,
		MaxTurns:     1,
	})
	if err != nil {
		slog.Debug("title generation failed", "thread", threadID, "error", err)
		return
	}

	title := cleanTitle(res.Text)
	if title == "" {
		return
	}
	_, err = r.deps.Threads.UpdateManifest(threadID, func(m *threads.Manifest) {
		if m.Title == "" {
			m.Title = title
		}
	})
	if err != nil {
		slog.Debug("title save failed", "thread", threadID, "error", err)
	}
}

// titleExcerpt is the last two user messages plus the final assistant reply.
func titleExcerpt(msgs []threads.Event) string {
	var users []string
	var lastAssistant string
	for _, msg := range msgs {
		switch msg.Role {
		case threads.RoleUser:
			users = append(users, msg.Text)
		case threads.RoleAssistant:
			lastAssistant = msg.Text
		}
	}
	if len(users) > 2 {
		users = users[len(users)-2:]
	}

	var b strings.Builder
	for _, u := range users {
		b.WriteString("User: " + clip(u, 500) + "\n")
	}
	if lastAssistant != "" {
		b.WriteString("Assistant: " + clip(lastAssistant, 500) + "\n")
	}
	return strings.TrimSpace(b.String())
}

func cleanTitle(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, `"'`)
	s = strings.TrimRight(s, ".!")
	if len(s) > 80 {
		s = clip(s, 80)
	}
	return strings.TrimSpace(s)
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "…"
}
