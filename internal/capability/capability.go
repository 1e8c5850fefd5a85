// Package capability maps an agent's declared capability names to concrete
// tool servers for one turn. Resolution is pure: the same trust level,
// capability list, and context always produce the same server map and
// allow-lists, so the runner carries no per-capability branches.
package capability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kjulin/opennova/internal/toolserver"
	"github.com/kjulin/opennova/internal/trust"
)

// ErrUnknownCapability means an agent declared a capability name the registry
// has never heard of. The turn fails before the engine is consulted; unknown
// names are never silently dropped.
var ErrUnknownCapability = errors.New("unknown capability")

// DelegateFunc runs a delegated message on a target agent and returns the
// target's response text. Implemented by the runner; nil when delegation is
// unavailable for this turn.
type DelegateFunc func(ctx context.Context, targetAgentID, message string) (string, error)

// Context carries the per-turn collaborators a factory may need. Factories
// take what they use and ignore the rest.
type Context struct {
	AgentID      string
	AgentDir     string
	WorkspaceDir string
	ThreadID     string
	Channel      string
	Directories  []string

	AskDepth      int
	AllowedAgents []string
	// Delegate is nil when delegation is off the table (sandbox trust or an
	// empty allow-list); the agents capability is then omitted from the
	// resolved server map. Depth exhaustion is enforced inside ask_agent so
	// the over-deep call still gets a tool-level error back.
	Delegate DelegateFunc

	Now func() time.Time
}

// Factory builds one capability's tool server. The returned name is the
// model-visible server name, which may differ from the capability name.
type Factory func(Context) (string, toolserver.Config)

// Registry is the fixed capability-name → factory table, assembled once at
// daemon start.
type Registry struct {
	factories map[string]Factory
	order     []string
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register installs a factory under a capability name. Re-registering a name
// replaces the factory.
func (r *Registry) Register(name string, f Factory) {
	if _, exists := r.factories[name]; !exists {
		r.order = append(r.order, name)
	}
	r.factories[name] = f
}

// Known reports whether a capability name is registered.
func (r *Registry) Known(name string) bool {
	_, ok := r.factories[name]
	return ok
}

// Names returns the registered capability names in registration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Validate checks a declared capability list against the registry.
func (r *Registry) Validate(names []string) error {
	for _, name := range names {
		if !r.Known(name) {
			return fmt.Errorf("%w: %q", ErrUnknownCapability, name)
		}
	}
	return nil
}

// Resolution is the outcome of capability resolution for one turn.
type Resolution struct {
	Mode            trust.PermissionMode
	AllowedTools    []string
	DisallowedTools []string
	Servers         map[string]toolserver.Config
}

// AgentsCapability is the delegation capability; it is the one name the
// resolver treats specially (omitted without a Delegate).
const AgentsCapability = "agents"

// Resolve turns (trust, capabilities, context) into a permission mode,
// allow/deny lists, and a server map. Duplicate capability names are a no-op;
// the agents capability is dropped when ctx.Delegate is nil.
func (r *Registry) Resolve(level trust.Level, capabilities []string, ctx Context) (*Resolution, error) {
	if err := r.Validate(capabilities); err != nil {
		return nil, err
	}

	servers := make(map[string]toolserver.Config)
	seen := make(map[string]bool)
	var serverNames []string
	for _, c := range capabilities {
		if seen[c] {
			continue
		}
		seen[c] = true
		if c == AgentsCapability && ctx.Delegate == nil {
			continue
		}
		name, cfg := r.factories[c](ctx)
		if _, dup := servers[name]; !dup {
			serverNames = append(serverNames, name)
		}
		servers[name] = cfg
	}

	policy := trust.PolicyFor(level, serverNames)
	return &Resolution{
		Mode:            policy.Mode,
		AllowedTools:    policy.AllowedTools,
		DisallowedTools: policy.DisallowedTools,
		Servers:         servers,
	}, nil
}
