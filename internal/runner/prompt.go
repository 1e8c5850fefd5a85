package runner

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/kjulin/opennova/internal/store/agents"
	"github.com/kjulin/opennova/internal/store/tasks"
	"github.com/kjulin/opennova/internal/store/threads"
	"github.com/kjulin/opennova/internal/trust"
	"github.com/kjulin/opennova/internal/workspace"
)

const memoriesMaxBytes = 16 * 1024

type promptInput struct {
	agent      *agents.Agent
	level      trust.Level
	manifest   *threads.Manifest
	task       *tasks.Task
	now        time.Time
	layout     workspace.Layout
	background bool
	source     string
	suffix     string
}

// buildSystemPrompt assembles the ordered prompt blocks for one turn. Block
// order is part of the contract: identity first, operational constraints
// next, situational context last.
func buildSystemPrompt(in promptInput) string {
	var blocks []string
	add := func(b string) {
		if b = strings.TrimSpace(b); b != "" {
			blocks = append(blocks, b)
		}
	}

	add(identityBlock(in.agent))
	add(trustBlock(in.level))
	if in.level != trust.Sandbox {
		add(directoriesBlock(in.agent, in.layout))
		add(storageBlock(in.agent, in.layout))
	}
	add(formattingBlock(in.manifest.Channel))
	add(communicationBlock())
	add(contextBlock(in.now))
	add(memoriesBlock(in.layout.MemoryDir(in.agent.ID)))
	if in.task != nil {
		add(taskBlock(in.task))
	}
	if in.background {
		add(backgroundBlock(in.source))
	}
	add(in.suffix)

	return strings.Join(blocks, "\n\n")
}

func identityBlock(a *agents.Agent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s.", a.Name)
	if a.Identity != "" {
		b.WriteString("\n\n" + a.Identity)
	}
	if a.Instructions != "" {
		b.WriteString("\n\n" + a.Instructions)
	}
	if a.Identity == "" && a.Instructions == "" && a.Role != "" {
		b.WriteString("\n\n" + a.Role)
	}
	if len(a.Responsibilities) > 0 {
		b.WriteString("\n\nYour responsibilities:")
		for _, r := range a.Responsibilities {
			fmt.Fprintf(&b, "\n- %s: %s", r.Title, r.Content)
		}
	}
	return b.String()
}

func trustBlock(level trust.Level) string {
	switch level {
	case trust.Sandbox:
		return "Trust level: sandbox. You cannot read or write files or run commands. " +
			"Work through your tools and the web only."
	case trust.Controlled:
		return "Trust level: controlled. You may read and write files in your directories " +
			"and use the web, but you cannot run shell commands."
	default:
		return "Trust level: unrestricted. You have full tool access, including the shell. " +
			"Be deliberate with destructive operations."
	}
}

func directoriesBlock(a *agents.Agent, layout workspace.Layout) string {
	var b strings.Builder
	b.WriteString("Your working directories:\n")
	fmt.Fprintf(&b, "- %s (your agent directory)\n", layout.AgentDir(a.ID))
	fmt.Fprintf(&b, "- %s (the shared workspace)", layout.Root)
	for _, d := range a.Directories {
		fmt.Fprintf(&b, "\n- %s", d)
	}
	return b.String()
}

func storageBlock(a *agents.Agent, layout workspace.Layout) string {
	return fmt.Sprintf(
		"Personal storage: long-term memories live in %s, notes for the user in %s. "+
			"Prefer the memory and notes tools over writing these files directly.",
		layout.MemoryDir(a.ID), layout.NotesDir(a.ID))
}

func formattingBlock(channel string) string {
	switch channel {
	case "internal":
		return "Respond in plain text. Your response is consumed by another agent or a scheduler, not rendered for a human."
	default:
		return "Respond in concise markdown. Short paragraphs; use lists only when they genuinely help."
	}
}

func communicationBlock() string {
	return "Be direct and concrete. If you are blocked or uncertain, say so explicitly rather than guessing. " +
		"Never invent file contents, tool results, or facts."
}

func contextBlock(now time.Time) string {
	return fmt.Sprintf("Current time: %s (%s).",
		now.Format("Monday, 2 January 2006 15:04"), now.Format("MST"))
}

// memoriesBlock inlines saved memories, newest content capped to keep the
// prompt bounded.
func memoriesBlock(dir string) string {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var names []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".md") {
			names = append(names, e.Name())
		}
	}
	if len(names) == 0 {
		return ""
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Your memories:")
	total := 0
	for _, name := range names {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if total+len(data) > memoriesMaxBytes {
			fmt.Fprintf(&b, "\n\n[%s omitted: memory budget exceeded]", strings.TrimSuffix(name, ".md"))
			continue
		}
		total += len(data)
		fmt.Fprintf(&b, "\n\n### %s\n%s", strings.TrimSuffix(name, ".md"), strings.TrimSpace(string(data)))
	}
	return b.String()
}

func taskBlock(t *tasks.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "This thread is bound to task #%d: %s (status: %s).", t.ID, t.Title, t.Status)
	if t.Description != "" {
		b.WriteString("\n" + t.Description)
	}
	if len(t.Steps) > 0 {
		b.WriteString("\nSteps:")
		for i, s := range t.Steps {
			mark := " "
			if s.Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "\n%d. [%s] %s", i, mark, s.Title)
			if s.TaskID != 0 {
				fmt.Fprintf(&b, " (subtask #%d)", s.TaskID)
			}
		}
	}
	return b.String()
}

func backgroundBlock(source string) string {
	b := "This is a background turn: no user is present and nobody reads your response directly. " +
		"Do the work, keep your final message to a brief summary, and use notify_user only for " +
		"things that genuinely need the user's attention."
	switch source {
	case "trigger":
		return b + " This turn was started by one of your scheduled triggers."
	case "task":
		return b + " This turn was started by the task scheduler."
	}
	return b
}
