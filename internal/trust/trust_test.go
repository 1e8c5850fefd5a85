package trust

import "testing"

func TestParse(t *testing.T) {
	for _, s := range []string{"sandbox", "controlled", "unrestricted"} {
		if _, err := Parse(s); err != nil {
			t.Errorf("Parse(%q) = %v", s, err)
		}
	}
	for _, s := range []string{"", "root", "Sandbox", "trusted"} {
		if _, err := Parse(s); err == nil {
			t.Errorf("Parse(%q) accepted", s)
		}
	}
}

func TestPolicyForSandbox(t *testing.T) {
	p := PolicyFor(Sandbox, []string{"memory", "triggers", "tasks", "ask-agent", "notify"})
	if p.Mode != ModeDontAsk {
		t.Errorf("mode = %q", p.Mode)
	}
	if p.AllowedTools == nil {
		t.Fatal("sandbox policy must carry an explicit allow list")
	}

	// Whitelisted servers pass; everything else is silently absent.
	for _, server := range []string{"memory", "triggers", "notify"} {
		if !p.ServerAllowed(server) {
			t.Errorf("sandbox denies %s", server)
		}
	}
	for _, server := range []string{"tasks", "ask-agent", "notes", "secrets"} {
		if p.ServerAllowed(server) {
			t.Errorf("sandbox admits %s", server)
		}
	}

	// No filesystem or shell access at all.
	for _, tool := range []string{ToolShell, ToolWrite, ToolEdit, ToolRead} {
		if p.ToolAllowed("", tool) {
			t.Errorf("sandbox admits builtin %s", tool)
		}
	}
	if !p.ToolAllowed("", ToolWebSearch) {
		t.Error("sandbox denies WebSearch")
	}
}

func TestPolicyForControlled(t *testing.T) {
	p := PolicyFor(Controlled, []string{"memory", "notes", "ask-agent"})
	if p.Mode != ModeDontAsk {
		t.Errorf("mode = %q", p.Mode)
	}

	// Every resolved server is admitted, whatever its name.
	for _, server := range []string{"memory", "notes", "ask-agent"} {
		if !p.ServerAllowed(server) {
			t.Errorf("controlled denies %s", server)
		}
	}
	// Read/write tools yes, shell no.
	for _, tool := range []string{ToolRead, ToolWrite, ToolEdit, ToolGlob, ToolGrep} {
		if !p.ToolAllowed("", tool) {
			t.Errorf("controlled denies %s", tool)
		}
	}
	if p.ToolAllowed("", ToolShell) {
		t.Error("controlled admits Bash")
	}
}

func TestPolicyForUnrestricted(t *testing.T) {
	p := PolicyFor(Unrestricted, []string{"memory"})
	if p.Mode != ModeBypassPermissions {
		t.Errorf("mode = %q", p.Mode)
	}
	if p.AllowedTools != nil || p.DisallowedTools != nil {
		t.Errorf("unrestricted carries lists: %+v", p)
	}
	if !p.ToolAllowed("", ToolShell) || !p.ServerAllowed("anything") {
		t.Error("unrestricted denied something")
	}
}

func TestPolicyIsPure(t *testing.T) {
	servers := []string{"memory", "notes"}
	a := PolicyFor(Controlled, servers)
	b := PolicyFor(Controlled, servers)
	if len(a.AllowedTools) != len(b.AllowedTools) {
		t.Fatal("same inputs produced different policies")
	}
	for i := range a.AllowedTools {
		if a.AllowedTools[i] != b.AllowedTools[i] {
			t.Fatal("same inputs produced different policies")
		}
	}
}

func TestToolAllowedWildcards(t *testing.T) {
	p := Policy{
		AllowedTools:    []string{"memory:*", "notes:write_note"},
		DisallowedTools: []string{"memory:delete_memory"},
	}
	tests := []struct {
		server, tool string
		want         bool
	}{
		{"memory", "save_memory", true},
		{"memory", "delete_memory", false}, // explicit deny beats the wildcard
		{"notes", "write_note", true},
		{"notes", "read_note", false},
		{"tasks", "create_task", false},
	}
	for _, tt := range tests {
		if got := p.ToolAllowed(tt.server, tt.tool); got != tt.want {
			t.Errorf("ToolAllowed(%s, %s) = %v, want %v", tt.server, tt.tool, got, tt.want)
		}
	}
}
