// Package engine abstracts the external generative model behind a single Run
// call: the core supplies a prompt, tool servers, a trust policy, and an
// optional prior session id, and receives back text, a new session id, and
// token usage. Adapters own SDK quirks, in particular the single
// session-resume retry, so the runner stays trivially mockable.
package engine

import (
	"context"
	"errors"

	"github.com/kjulin/opennova/internal/toolserver"
	"github.com/kjulin/opennova/internal/trust"
)

var (
	// ErrSessionNotFound means the engine rejected the supplied session id.
	ErrSessionNotFound = errors.New("engine: session not found")
	// ErrEngineFailure wraps engine errors after the resume retry is
	// exhausted.
	ErrEngineFailure = errors.New("engine failure")
)

// Usage is the token accounting for one engine call.
type Usage struct {
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	CostUSD             float64
	Turns               int
}

// Callbacks surface lifecycle events back to the runner while a call is in
// flight. All fields are optional.
type Callbacks struct {
	OnThinking         func()
	OnAssistantMessage func(text string)
	OnToolUse          func(name string, args map[string]any, summary string)
	OnToolUseSummary   func(summary string)
	OnEvent            func(name string, payload any)
}

func (c *Callbacks) thinking() {
	if c != nil && c.OnThinking != nil {
		c.OnThinking()
	}
}

func (c *Callbacks) assistantMessage(text string) {
	if c != nil && c.OnAssistantMessage != nil {
		c.OnAssistantMessage(text)
	}
}

func (c *Callbacks) toolUse(name string, args map[string]any, summary string) {
	if c != nil && c.OnToolUse != nil {
		c.OnToolUse(name, args, summary)
	}
	if c != nil && c.OnToolUseSummary != nil {
		c.OnToolUseSummary(summary)
	}
}

// Options parameterize one engine call.
type Options struct {
	Cwd             string
	Directories     []string
	SystemPrompt    string
	Model           string
	MaxTurns        int
	Subagents       map[string]string // name → prompt, engine-understood sub-personas
	Servers         map[string]toolserver.Config
	PermissionMode  trust.PermissionMode
	AllowedTools    []string
	DisallowedTools []string
	SessionID       string
	Callbacks       *Callbacks
}

// Result is the outcome of one engine call. Pure-text responses arrive as
// Text; assistant texts that preceded tool calls were surfaced only through
// OnAssistantMessage.
type Result struct {
	Text      string
	SessionID string
	Usage     *Usage
}

// Engine is the adapter interface. Cancellation is cooperative through ctx;
// implementations must stop in-flight streaming promptly when it is done.
type Engine interface {
	Run(ctx context.Context, message string, opts Options) (*Result, error)
}
