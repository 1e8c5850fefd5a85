package toolserver

import (
	"context"

	"github.com/kjulin/opennova/internal/store/triggers"
)

// NewTriggerServer exposes the calling agent's cron triggers. Triggers fire
// background turns; the first eligible instant is the one after creation, a
// new trigger never fires immediately.
func NewTriggerServer(store *triggers.Store, agentID string) *Server {
	s := NewServer("triggers")

	s.Add(&Tool{
		Name:        "create_trigger",
		Description: "Create a cron trigger that runs a prompt on this agent in the background.",
		Schema: ObjectSchema(map[string]any{
			"cron":   StringProp("5-field cron expression, e.g. \"0 9 * * 1-5\""),
			"prompt": StringProp("Prompt to run when the trigger fires"),
			"tz":     StringProp("Optional IANA timezone (default: daemon timezone)"),
		}, "cron", "prompt"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			cron, _ := args["cron"].(string)
			prompt, _ := args["prompt"].(string)
			tz, _ := args["tz"].(string)
			t, err := store.Create(agentID, cron, tz, prompt)
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(t), nil
		},
	})

	s.Add(&Tool{
		Name:        "list_triggers",
		Description: "List this agent's triggers.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			return JSON(store.ListByAgent(agentID)), nil
		},
	})

	s.Add(&Tool{
		Name:        "set_trigger_enabled",
		Description: "Enable or disable one of this agent's triggers.",
		Schema: ObjectSchema(map[string]any{
			"trigger_id": StringProp("Trigger id"),
			"enabled":    map[string]any{"type": "boolean", "description": "true to enable, false to disable"},
		}, "trigger_id", "enabled"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			id, _ := args["trigger_id"].(string)
			enabled, _ := args["enabled"].(bool)
			if res := ownTrigger(store, agentID, id); res != nil {
				return res, nil
			}
			t, err := store.Update(id, func(t *triggers.Trigger) { t.Enabled = enabled })
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(t), nil
		},
	})

	s.Add(&Tool{
		Name:        "delete_trigger",
		Description: "Delete one of this agent's triggers.",
		Schema: ObjectSchema(map[string]any{
			"trigger_id": StringProp("Trigger id"),
		}, "trigger_id"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			id, _ := args["trigger_id"].(string)
			if res := ownTrigger(store, agentID, id); res != nil {
				return res, nil
			}
			if err := store.Delete(id); err != nil {
				return Error(err.Error()), nil
			}
			return Text("deleted"), nil
		},
	})

	return s
}

func ownTrigger(store *triggers.Store, agentID, id string) *Result {
	if id == "" {
		return Error("trigger_id is required")
	}
	t, err := store.Get(id)
	if err != nil {
		return Error(err.Error())
	}
	if t.AgentID != agentID {
		return Error("access denied: trigger belongs to a different agent")
	}
	return nil
}
