package toolserver

import (
	"context"

	"github.com/kjulin/opennova/internal/store/agents"
)

// NewSelfServer lets an agent maintain its own responsibilities, the one
// slice of its definition the agent may mutate, protected system agents
// included. The mutation closure touches nothing else, which is why this
// goes through the store as user-sourced rather than the locked-down
// agent-management path.
func NewSelfServer(store *agents.Store, agentID string) *Server {
	s := NewServer("self")

	s.Add(&Tool{
		Name:        "list_responsibilities",
		Description: "List this agent's responsibility prompt fragments.",
		Schema:      ObjectSchema(map[string]any{}),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			a, err := store.Get(agentID)
			if err != nil {
				return nil, err
			}
			return JSON(a.Responsibilities), nil
		},
	})

	s.Add(&Tool{
		Name:        "add_responsibility",
		Description: "Add or replace a responsibility by title.",
		Schema: ObjectSchema(map[string]any{
			"title":   StringProp("Responsibility title"),
			"content": StringProp("Responsibility content"),
		}, "title", "content"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			title, _ := args["title"].(string)
			content, _ := args["content"].(string)
			if title == "" || content == "" {
				return Error("title and content are required"), nil
			}
			a, err := store.Update(agentID, agents.SourceUser, func(a *agents.Agent) {
				for i := range a.Responsibilities {
					if a.Responsibilities[i].Title == title {
						a.Responsibilities[i].Content = content
						return
					}
				}
				a.Responsibilities = append(a.Responsibilities, agents.Responsibility{Title: title, Content: content})
			})
			if err != nil {
				return Error(err.Error()), nil
			}
			return JSON(a.Responsibilities), nil
		},
	})

	s.Add(&Tool{
		Name:        "remove_responsibility",
		Description: "Remove a responsibility by title.",
		Schema: ObjectSchema(map[string]any{
			"title": StringProp("Responsibility title"),
		}, "title"),
		Handler: func(ctx context.Context, args map[string]any) (*Result, error) {
			title, _ := args["title"].(string)
			if title == "" {
				return Error("title is required"), nil
			}
			found := false
			a, err := store.Update(agentID, agents.SourceUser, func(a *agents.Agent) {
				kept := a.Responsibilities[:0]
				for _, r := range a.Responsibilities {
					if r.Title == title {
						found = true
						continue
					}
					kept = append(kept, r)
				}
				a.Responsibilities = kept
			})
			if err != nil {
				return Error(err.Error()), nil
			}
			if !found {
				return Errorf("no responsibility titled %q", title), nil
			}
			return JSON(a.Responsibilities), nil
		},
	})

	return s
}
