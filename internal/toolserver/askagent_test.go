package toolserver

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kjulin/opennova/internal/store/agents"
	"github.com/kjulin/opennova/internal/workspace"
)

func askAgentFixture(t *testing.T, opts AskAgentOptions) HandlerFunc {
	t.Helper()
	layout := workspace.New(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store, err := agents.Open(layout)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	for _, id := range []string{"alpha", "beta", "gamma"} {
		if err := store.Create(&agents.Agent{ID: id, Name: id}, agents.SourceUser); err != nil {
			t.Fatal(err)
		}
	}
	opts.Agents = store
	srv := NewAskAgentServer(opts)
	tool, ok := srv.Tool("ask_agent")
	if !ok {
		t.Fatal("ask_agent tool missing")
	}
	return tool.Handler
}

func TestAskAgentRuleOrder(t *testing.T) {
	recording := func(called *bool) DelegateFunc {
		return func(ctx context.Context, target, message string) (string, error) {
			*called = true
			return "delegated reply", nil
		}
	}

	tests := []struct {
		name       string
		opts       AskAgentOptions
		target     string
		message    string
		wantErr    string
		wantCalled bool
	}{
		{
			name:    "missing arguments",
			opts:    AskAgentOptions{SelfID: "alpha", AllowedAgents: []string{"*"}},
			target:  "beta",
			wantErr: "required",
		},
		{
			name:    "self targeting",
			opts:    AskAgentOptions{SelfID: "alpha", AllowedAgents: []string{"*"}},
			target:  "alpha",
			message: "hi",
			wantErr: "yourself",
		},
		{
			// Depth beats the allow-list: even a self-excluding list reports
			// depth first.
			name:    "depth exhausted",
			opts:    AskAgentOptions{SelfID: "alpha", AllowedAgents: nil, AskDepth: MaxAskDepth},
			target:  "beta",
			message: "hi",
			wantErr: "Delegation depth limit reached (max 3). Cannot delegate further.",
		},
		{
			name:    "not in allow list",
			opts:    AskAgentOptions{SelfID: "alpha", AllowedAgents: []string{"gamma"}},
			target:  "beta",
			message: "hi",
			wantErr: "allow-list",
		},
		{
			name:    "unknown target",
			opts:    AskAgentOptions{SelfID: "alpha", AllowedAgents: []string{"*"}},
			target:  "ghost",
			message: "hi",
			wantErr: "does not exist",
		},
		{
			name:       "happy path",
			opts:       AskAgentOptions{SelfID: "alpha", AllowedAgents: []string{"beta"}, AskDepth: MaxAskDepth - 1},
			target:     "beta",
			message:    "hi",
			wantCalled: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			tt.opts.Delegate = recording(&called)
			handler := askAgentFixture(t, tt.opts)

			args := map[string]any{"target_agent_id": tt.target}
			if tt.message != "" {
				args["message"] = tt.message
			}
			res, err := handler(context.Background(), args)
			if err != nil {
				t.Fatalf("handler error: %v", err)
			}
			if tt.wantErr != "" {
				if !res.IsError || !strings.Contains(res.Content, tt.wantErr) {
					t.Errorf("result = %+v, want error containing %q", res, tt.wantErr)
				}
			} else if res.IsError {
				t.Errorf("unexpected error result: %s", res.Content)
			}
			if called != tt.wantCalled {
				t.Errorf("delegate called = %v, want %v", called, tt.wantCalled)
			}
			if tt.wantCalled && res.Content != "delegated reply" {
				t.Errorf("content = %q", res.Content)
			}
		})
	}
}

func TestAskAgentDelegateFailureBecomesToolError(t *testing.T) {
	handler := askAgentFixture(t, AskAgentOptions{
		SelfID:        "alpha",
		AllowedAgents: []string{"*"},
		Delegate: func(context.Context, string, string) (string, error) {
			return "", errors.New("engine unavailable")
		},
	})
	res, err := handler(context.Background(), map[string]any{"target_agent_id": "beta", "message": "hi"})
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if !res.IsError || !strings.Contains(res.Content, "engine unavailable") {
		t.Errorf("result = %+v", res)
	}
}

func TestListAvailableAgents(t *testing.T) {
	layout := workspace.New(t.TempDir())
	if err := layout.Ensure(); err != nil {
		t.Fatal(err)
	}
	store, err := agents.Open(layout)
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	for _, id := range []string{"alpha", "beta", "gamma"} {
		if err := store.Create(&agents.Agent{ID: id, Name: id}, agents.SourceUser); err != nil {
			t.Fatal(err)
		}
	}

	srv := NewAskAgentServer(AskAgentOptions{
		SelfID:        "alpha",
		AllowedAgents: []string{"beta"},
		Agents:        store,
	})
	tool, _ := srv.Tool("list_available_agents")
	res, err := tool.Handler(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.IsError {
		t.Fatalf("error result: %s", res.Content)
	}
	if !strings.Contains(res.Content, "beta") || strings.Contains(res.Content, "gamma") || strings.Contains(res.Content, "alpha") {
		t.Errorf("listing = %s", res.Content)
	}
}
