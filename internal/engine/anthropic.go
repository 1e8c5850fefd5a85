package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/kjulin/opennova/internal/toolserver"
	"github.com/kjulin/opennova/internal/trust"
)

// MessagesClient is the subset of the Anthropic SDK the adapter uses;
// satisfied by *sdk.MessageService and by test mocks.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// AnthropicConfig configures the adapter.
type AnthropicConfig struct {
	APIKey       string
	DefaultModel string
	MaxTokens    int64
	MaxTurns     int
	RateLimitRPM int
}

// Anthropic drives the Claude Messages API as the engine: it runs the tool
// loop itself, executing in-process tool-server handlers between model calls.
// External stdio servers are not bridged by this adapter and are skipped with
// a warning; Options.Cwd and Options.Directories describe engine-managed
// filesystem access and have no effect here, since in-process tools resolve
// their own paths. Subagent personas are folded into the system prompt.
// Session continuity is emulated with stored transcripts: every call persists
// the full conversation under a fresh session id, dropping the superseded one.
type Anthropic struct {
	messages MessagesClient
	sessions *SessionStore
	limiter  *rate.Limiter
	tracer   trace.Tracer

	defaultModel string
	maxTokens    int64
	maxTurns     int
}

// NewAnthropic builds the production adapter.
func NewAnthropic(cfg AnthropicConfig, sessions *SessionStore) *Anthropic {
	client := sdk.NewClient(option.WithAPIKey(cfg.APIKey))
	return newAnthropic(&client.Messages, cfg, sessions)
}

func newAnthropic(messages MessagesClient, cfg AnthropicConfig, sessions *SessionStore) *Anthropic {
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}
	maxTurns := cfg.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 20
	}
	var limiter *rate.Limiter
	if cfg.RateLimitRPM > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(cfg.RateLimitRPM)), cfg.RateLimitRPM)
	}
	return &Anthropic{
		messages:     messages,
		sessions:     sessions,
		limiter:      limiter,
		tracer:       otel.Tracer("opennova/engine"),
		defaultModel: cfg.DefaultModel,
		maxTokens:    maxTokens,
		maxTurns:     maxTurns,
	}
}

// Run implements Engine. When a supplied session id is rejected, the call is
// retried exactly once without it; further errors propagate.
func (a *Anthropic) Run(ctx context.Context, message string, opts Options) (*Result, error) {
	res, err := a.run(ctx, message, opts)
	if err != nil && opts.SessionID != "" && errors.Is(err, ErrSessionNotFound) {
		slog.Warn("engine: session resume rejected, retrying fresh", "session", opts.SessionID)
		fresh := opts
		fresh.SessionID = ""
		return a.run(ctx, message, fresh)
	}
	return res, err
}

func (a *Anthropic) run(ctx context.Context, message string, opts Options) (*Result, error) {
	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := opts.Model
	if model == "" {
		model = a.defaultModel
	}
	maxTurns := opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = a.maxTurns
	}

	ctx, span := a.tracer.Start(ctx, "engine.run", trace.WithAttributes(
		attribute.String("engine.model", model),
		attribute.Bool("engine.resumed", opts.SessionID != ""),
	))
	defer span.End()

	var transcript []turn
	if opts.SessionID != "" {
		loaded, err := a.sessions.Load(opts.SessionID)
		if err != nil {
			return nil, err
		}
		transcript = loaded
	}
	transcript = append(transcript, turn{Role: "user", Blocks: []block{{Type: "text", Text: message}}})

	handlers, tools := a.collectTools(opts)
	system := systemWithSubagents(opts.SystemPrompt, opts.Subagents)

	usage := &Usage{}
	var finalText string

	for callN := 0; callN < maxTurns; callN++ {
		params := sdk.MessageNewParams{
			Model:     sdk.Model(model),
			MaxTokens: a.maxTokens,
			Messages:  encodeTranscript(transcript),
		}
		if system != "" {
			params.System = []sdk.TextBlockParam{{Text: system}}
		}
		if len(tools) > 0 {
			params.Tools = tools
		}

		msg, err := a.messages.New(ctx, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			span.RecordError(err)
			return nil, fmt.Errorf("%w: %v", ErrEngineFailure, err)
		}

		usage.InputTokens += msg.Usage.InputTokens
		usage.OutputTokens += msg.Usage.OutputTokens
		usage.CacheReadTokens += msg.Usage.CacheReadInputTokens
		usage.CacheCreationTokens += msg.Usage.CacheCreationInputTokens
		usage.Turns++

		var texts []string
		var uses []block
		assistant := turn{Role: "assistant"}
		for _, cb := range msg.Content {
			switch cb.Type {
			case "thinking":
				opts.Callbacks.thinking()
			case "text":
				if cb.Text != "" {
					texts = append(texts, cb.Text)
					assistant.Blocks = append(assistant.Blocks, block{Type: "text", Text: cb.Text})
				}
			case "tool_use":
				b := block{Type: "tool_use", ID: cb.ID, Name: cb.Name, Input: json.RawMessage(cb.Input)}
				uses = append(uses, b)
				assistant.Blocks = append(assistant.Blocks, b)
			}
		}
		transcript = append(transcript, assistant)

		if len(uses) == 0 {
			finalText = strings.Join(texts, "\n")
			break
		}

		// Intermediate assistant text before tool calls is surfaced via
		// callbacks only; it is never the final response.
		for _, t := range texts {
			opts.Callbacks.assistantMessage(t)
		}

		results := turn{Role: "user"}
		for _, use := range uses {
			res := a.execute(ctx, handlers, use, opts.Callbacks)
			results.Blocks = append(results.Blocks, block{
				Type:      "tool_result",
				ToolUseID: use.ID,
				Content:   res.Content,
				IsError:   res.IsError,
			})
		}
		transcript = append(transcript, results)
	}

	usage.CostUSD = estimateCost(model, usage)
	span.SetAttributes(
		attribute.Int64("engine.input_tokens", usage.InputTokens),
		attribute.Int64("engine.output_tokens", usage.OutputTokens),
		attribute.Int("engine.calls", usage.Turns),
	)

	sessionID := uuid.NewString()
	if err := a.sessions.Save(sessionID, transcript); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}
	// The resumed transcript now lives under the new id in full; keeping the
	// old row would grow the database by one copy per turn.
	if opts.SessionID != "" {
		if err := a.sessions.Delete(opts.SessionID); err != nil {
			slog.Warn("engine: superseded session not pruned", "session", opts.SessionID, "error", err)
		}
	}

	return &Result{Text: finalText, SessionID: sessionID, Usage: usage}, nil
}

// systemWithSubagents folds declared sub-personas into the system prompt;
// the Messages API has no native subagent mechanism to hand them to.
func systemWithSubagents(system string, subagents map[string]string) string {
	if len(subagents) == 0 {
		return system
	}
	names := make([]string, 0, len(subagents))
	for name := range subagents {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString(system)
	if system != "" {
		b.WriteString("\n\n")
	}
	b.WriteString("## Personas\n\nAdopt the matching persona when a task calls for it:\n")
	for _, name := range names {
		b.WriteString("\n### " + name + "\n" + subagents[name] + "\n")
	}
	return b.String()
}

type boundTool struct {
	server string
	tool   *toolserver.Tool
}

// collectTools flattens the allowed in-process server tools into SDK tool
// params plus a handler map keyed by model-visible name.
func (a *Anthropic) collectTools(opts Options) (map[string]boundTool, []sdk.ToolUnionParam) {
	policy := trust.Policy{
		Mode:            opts.PermissionMode,
		AllowedTools:    opts.AllowedTools,
		DisallowedTools: opts.DisallowedTools,
	}

	handlers := make(map[string]boundTool)
	var params []sdk.ToolUnionParam
	for _, name := range toolserver.SortedNames(opts.Servers) {
		cfg := opts.Servers[name]
		if cfg.External != nil {
			slog.Warn("engine: external stdio tool server not bridged by this adapter", "server", name)
			continue
		}
		if cfg.InProcess == nil {
			continue
		}
		for _, t := range cfg.InProcess.Tools() {
			if !policy.ToolAllowed(name, t.Name) {
				continue
			}
			full := toolserver.FullToolName(name, t.Name)
			handlers[full] = boundTool{server: name, tool: t}

			schema := sdk.ToolInputSchemaParam{}
			if props, ok := t.Schema["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := t.Schema["required"]; ok {
				schema.ExtraFields = map[string]any{"required": req}
			}
			u := sdk.ToolUnionParamOfTool(schema, full)
			if u.OfTool != nil && t.Description != "" {
				u.OfTool.Description = sdk.String(t.Description)
			}
			params = append(params, u)
		}
	}
	return handlers, params
}

func (a *Anthropic) execute(ctx context.Context, handlers map[string]boundTool, use block, cbs *Callbacks) *toolserver.Result {
	var args map[string]any
	if len(use.Input) > 0 {
		if err := json.Unmarshal(use.Input, &args); err != nil {
			return toolserver.Errorf("invalid arguments for %s: %v", use.Name, err)
		}
	}

	cbs.toolUse(use.Name, args, summarizeToolUse(use.Name, args))

	bound, ok := handlers[use.Name]
	if !ok {
		return toolserver.Errorf("unknown tool %q", use.Name)
	}
	res, err := bound.tool.Handler(ctx, args)
	if err != nil {
		slog.Warn("tool handler failed", "server", bound.server, "tool", bound.tool.Name, "error", err)
		return toolserver.Errorf("%s failed: %v", bound.tool.Name, err)
	}
	if res == nil {
		return toolserver.Text("")
	}
	return res
}

// summarizeToolUse renders a short human-readable line for status surfaces.
func summarizeToolUse(name string, args map[string]any) string {
	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := fmt.Sprintf("%v", args[k])
		if len(v) > 40 {
			v = v[:40] + "…"
		}
		parts = append(parts, k+"="+v)
	}
	if len(parts) == 0 {
		return name
	}
	return name + " " + strings.Join(parts, " ")
}

func encodeTranscript(transcript []turn) []sdk.MessageParam {
	out := make([]sdk.MessageParam, 0, len(transcript))
	for _, t := range transcript {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(t.Blocks))
		for _, b := range t.Blocks {
			switch b.Type {
			case "text":
				blocks = append(blocks, sdk.NewTextBlock(b.Text))
			case "tool_use":
				blocks = append(blocks, sdk.NewToolUseBlock(b.ID, b.Input, b.Name))
			case "tool_result":
				blocks = append(blocks, sdk.NewToolResultBlock(b.ToolUseID, b.Content, b.IsError))
			}
		}
		if len(blocks) == 0 {
			continue
		}
		if t.Role == "assistant" {
			out = append(out, sdk.NewAssistantMessage(blocks...))
		} else {
			out = append(out, sdk.NewUserMessage(blocks...))
		}
	}
	return out
}
