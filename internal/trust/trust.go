// Package trust defines the three trust levels, the permission modes they
// imply, and the tool allow/deny lists handed to the engine. Trust is
// user-owned: nothing reachable from an agent tool may change it.
package trust

import "fmt"

// Level is an agent's trust level.
type Level string

const (
	Sandbox      Level = "sandbox"
	Controlled   Level = "controlled"
	Unrestricted Level = "unrestricted"
)

// Parse validates a trust level string.
func Parse(s string) (Level, error) {
	switch Level(s) {
	case Sandbox, Controlled, Unrestricted:
		return Level(s), nil
	}
	return "", fmt.Errorf("trust: invalid level %q", s)
}

// PermissionMode is the engine-facing permission posture.
type PermissionMode string

const (
	ModeDontAsk           PermissionMode = "dontAsk"
	ModeBypassPermissions PermissionMode = "bypassPermissions"
)

// Built-in engine tool names referenced by the policy table.
const (
	ToolWebSearch    = "WebSearch"
	ToolWebFetch     = "WebFetch"
	ToolSubTask      = "Task"
	ToolRead         = "Read"
	ToolWrite        = "Write"
	ToolEdit         = "Edit"
	ToolGlob         = "Glob"
	ToolGrep         = "Grep"
	ToolNotebookEdit = "NotebookEdit"
	ToolShell        = "Bash"
)

// sandboxServers are the tool-server namespaces a sandboxed agent may use.
var sandboxServers = map[string]struct{}{
	"memory":       {},
	"triggers":     {},
	"agents":       {},
	"usage":        {},
	"suggest-edit": {},
	// notify is runner-injected for background turns; without it a sandboxed
	// agent on a trigger could never reach the user at all.
	"notify": {},
}

// Policy is the resolved engine-facing permission set for one turn.
// A nil AllowedTools means "all tools permitted" (unrestricted only).
type Policy struct {
	Mode            PermissionMode
	AllowedTools    []string
	DisallowedTools []string
}

// PolicyFor maps a trust level and the set of resolved tool-server names to
// the engine allow/deny lists. The mapping is pure: the same inputs always
// produce the same policy.
func PolicyFor(level Level, serverNames []string) Policy {
	switch level {
	case Sandbox:
		allowed := []string{ToolWebSearch, ToolWebFetch, ToolSubTask}
		for _, name := range serverNames {
			if _, ok := sandboxServers[name]; ok {
				allowed = append(allowed, name+":*")
			}
		}
		return Policy{Mode: ModeDontAsk, AllowedTools: allowed}
	case Controlled:
		allowed := []string{
			ToolRead, ToolWrite, ToolEdit, ToolGlob, ToolGrep,
			ToolWebSearch, ToolWebFetch, ToolSubTask, ToolNotebookEdit,
		}
		for _, name := range serverNames {
			allowed = append(allowed, name+":*")
		}
		return Policy{
			Mode:            ModeDontAsk,
			AllowedTools:    allowed,
			DisallowedTools: []string{ToolShell},
		}
	default: // Unrestricted
		return Policy{Mode: ModeBypassPermissions}
	}
}

// ServerAllowed reports whether the policy admits any tool from the named
// tool server.
func (p Policy) ServerAllowed(server string) bool {
	if p.AllowedTools == nil {
		return true
	}
	for _, entry := range p.AllowedTools {
		if entry == server+":*" || entry == "*" {
			return true
		}
	}
	return false
}

// ToolAllowed reports whether a specific tool on a server passes the policy.
// Entries use the "<server>:*" wildcard form; built-ins match by bare name.
func (p Policy) ToolAllowed(server, tool string) bool {
	full := server + ":" + tool
	for _, entry := range p.DisallowedTools {
		if entry == full || entry == server+":*" || entry == tool {
			return false
		}
	}
	if p.AllowedTools == nil {
		return true
	}
	for _, entry := range p.AllowedTools {
		if entry == "*" || entry == full || entry == server+":*" {
			return true
		}
		if server == "" && entry == tool {
			return true
		}
	}
	return false
}
