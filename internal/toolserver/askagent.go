package toolserver

import (
	"context"

	"github.com/kjulin/opennova/internal/store/agents"
)

// MaxAskDepth caps delegation chains. The check runs against the caller's
// depth, so the chain root is depth 0 and the last legal callee runs at
// depth MaxAskDepth.
const MaxAskDepth = 3

// DelegateFunc runs a delegated message on the target agent and returns the
// target's response text.
type DelegateFunc func(ctx context.Context, targetAgentID, message string) (string, error)

// AskAgentOptions configure the delegation server for one turn.
type AskAgentOptions struct {
	SelfID        string
	AllowedAgents []string // may contain "*"
	AskDepth      int      // caller's own depth in the delegation chain
	Agents        *agents.Store
	Delegate      DelegateFunc
}

// NewAskAgentServer builds the ask-agent server. Rules are evaluated in
// order: self-targeting, depth, allow-list, target existence. All failures
// come back as error tool results so the caller's turn continues.
func NewAskAgentServer(opts AskAgentOptions) *Server {
	s := NewServer("ask-agent")

	s.Add(&Tool{
		Name:        "ask_agent",
		Description: "Delegate a message to another agent and return its response.",
		Schema: ObjectSchema(map[string]any{
			"target_agent_id": StringProp("Id of the agent to ask"),
			"message":         StringProp("Message to deliver"),
		}, "target_agent_id", "message"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			target, _ := args["target_agent_id"].(string)
			message, _ := args["message"].(string)
			if target == "" || message == "" {
				return Error("target_agent_id and message are required"), nil
			}
			if target == opts.SelfID {
				return Error("cannot delegate to yourself"), nil
			}
			if opts.AskDepth >= MaxAskDepth {
				return Errorf("Delegation depth limit reached (max %d). Cannot delegate further.", MaxAskDepth), nil
			}
			if !allowedTarget(opts.AllowedAgents, target) {
				return Errorf("agent %q is not in your delegation allow-list", target), nil
			}
			if _, err := opts.Agents.Get(target); err != nil {
				return Errorf("agent %q does not exist", target), nil
			}

			text, err := opts.Delegate(ctx, target, message)
			if err != nil {
				return Errorf("agent %q failed: %v", target, err), nil
			}
			return Text(text), nil
		},
	})

	s.Add(&Tool{
		Name:        "list_available_agents",
		Description: "List the agents you may delegate to.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			type entry struct {
				ID   string `json:"id"`
				Name string `json:"name"`
			}
			var out []entry
			for _, a := range opts.Agents.List() {
				if a.ID == opts.SelfID || !allowedTarget(opts.AllowedAgents, a.ID) {
					continue
				}
				out = append(out, entry{ID: a.ID, Name: a.Name})
			}
			if out == nil {
				out = []entry{}
			}
			return JSON(out), nil
		},
	})

	return s
}

func allowedTarget(allowed []string, target string) bool {
	for _, a := range allowed {
		if a == "*" || a == target {
			return true
		}
	}
	return false
}
