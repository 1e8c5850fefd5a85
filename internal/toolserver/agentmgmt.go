package toolserver

import (
	"context"
	"time"

	"github.com/kjulin/opennova/internal/store/agents"
	"github.com/kjulin/opennova/internal/trust"
)

// NewAgentManagementServer exposes CRUD over agent definitions. Every
// mutation goes through the store as agent-sourced, so protected system
// agents and the trust field stay out of reach regardless of what the model
// asks for.
func NewAgentManagementServer(store *agents.Store, defaultTrust trust.Level) *Server {
	s := NewServer("agents")

	s.Add(&Tool{
		Name:        "create_agent",
		Description: "Create a new agent. New agents start at the workspace default trust level; only the user can raise it.",
		Schema: ObjectSchema(map[string]any{
			"id":           StringProp("Lowercase kebab-case agent id"),
			"name":         StringProp("Display name"),
			"identity":     StringProp("Identity prompt fragment"),
			"instructions": StringProp("Instruction prompt fragment"),
			"model":        StringProp("Model tag (optional, defaults to workspace model)"),
			"capabilities": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Capability names for the new agent",
			},
		}, "id", "name"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			a := &agents.Agent{
				ID:        stringArg(args, "id"),
				Name:      stringArg(args, "name"),
				Identity:  stringArg(args, "identity"),
				Model:     stringArg(args, "model"),
				Trust:     defaultTrust,
				CreatedAt: time.Now(),
				UpdatedAt: time.Now(),
			}
			a.Instructions = stringArg(args, "instructions")
			a.Capabilities = stringSliceArg(args, "capabilities")
			if err := store.Create(a, agents.SourceAgent); err != nil {
				return Error(err.Error()), nil
			}
			return JSON(a), nil
		},
	})

	s.Add(&Tool{
		Name:        "list_agents",
		Description: "List all agents in the workspace.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			type entry struct {
				ID    string      `json:"id"`
				Name  string      `json:"name"`
				Trust trust.Level `json:"trust,omitempty"`
				Model string      `json:"model,omitempty"`
			}
			all := store.List()
			out := make([]entry, 0, len(all))
			for _, a := range all {
				out = append(out, entry{ID: a.ID, Name: a.Name, Trust: a.Trust, Model: a.Model})
			}
			return JSON(out), nil
		},
	})

	s.Add(&Tool{
		Name:        "get_agent",
		Description: "Fetch one agent definition.",
		Schema: ObjectSchema(map[string]any{
			"agent_id": StringProp("Agent id"),
		}, "agent_id"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			a, err := store.Get(stringArg(args, "agent_id"))
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(a), nil
		},
	})

	s.Add(&Tool{
		Name:        "update_agent",
		Description: "Update an agent's prompt fields, model, or capabilities. Trust and protected system agents cannot be changed from here.",
		Schema: ObjectSchema(map[string]any{
			"agent_id":     StringProp("Agent id"),
			"name":         StringProp("New display name (optional)"),
			"identity":     StringProp("New identity fragment (optional)"),
			"instructions": StringProp("New instructions fragment (optional)"),
			"model":        StringProp("New model tag (optional)"),
			"capabilities": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "Replacement capability list (optional)",
			},
		}, "agent_id"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			_, hasCaps := args["capabilities"]
			a, err := store.Update(stringArg(args, "agent_id"), agents.SourceAgent, func(a *agents.Agent) {
				if v := stringArg(args, "name"); v != "" {
					a.Name = v
				}
				if v := stringArg(args, "identity"); v != "" {
					a.Identity = v
				}
				if v := stringArg(args, "instructions"); v != "" {
					a.Instructions = v
				}
				if v := stringArg(args, "model"); v != "" {
					a.Model = v
				}
				if hasCaps {
					a.Capabilities = stringSliceArg(args, "capabilities")
				}
			})
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(a), nil
		},
	})

	s.Add(&Tool{
		Name:        "delete_agent",
		Description: "Delete an agent. Protected system agents cannot be deleted.",
		Schema: ObjectSchema(map[string]any{
			"agent_id": StringProp("Agent id"),
		}, "agent_id"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			if err := store.Delete(stringArg(args, "agent_id"), agents.SourceAgent); err != nil {
				return Error(err.Error()), nil
			}
			return Text("deleted"), nil
		},
	})

	return s
}

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func stringSliceArg(args map[string]any, key string) []string {
	raw, ok := args[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
