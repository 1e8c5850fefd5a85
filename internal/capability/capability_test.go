package capability

import (
	"context"
	"errors"
	"testing"

	"github.com/kjulin/opennova/internal/toolserver"
	"github.com/kjulin/opennova/internal/trust"
)

func stubFactory(serverName string) Factory {
	return func(Context) (string, toolserver.Config) {
		srv := toolserver.NewServer(serverName)
		srv.Add(&toolserver.Tool{
			Name:        "ping",
			Description: "responds",
			Schema:      toolserver.ObjectSchema(nil),
			Handler: func(context.Context, map[string]any) (*toolserver.Result, error) {
				return toolserver.Text("pong"), nil
			},
		})
		return serverName, toolserver.InProcessConfig(srv)
	}
}

func newRegistry() *Registry {
	r := NewRegistry()
	r.Register("memory", stubFactory("memory"))
	r.Register("notes", stubFactory("notes"))
	r.Register(AgentsCapability, stubFactory("ask-agent"))
	return r
}

func TestUnknownCapabilityFailsResolution(t *testing.T) {
	r := newRegistry()
	_, err := r.Resolve(trust.Sandbox, []string{"memory", "teleportation"}, Context{})
	if !errors.Is(err, ErrUnknownCapability) {
		t.Fatalf("err = %v, want ErrUnknownCapability", err)
	}
}

func TestDuplicatesAreIdempotent(t *testing.T) {
	r := newRegistry()
	res, err := r.Resolve(trust.Controlled, []string{"memory", "memory", "notes", "memory"}, Context{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(res.Servers) != 2 {
		t.Errorf("got %d servers, want 2", len(res.Servers))
	}
}

func TestAgentsOmittedWithoutDelegate(t *testing.T) {
	r := newRegistry()

	res, err := r.Resolve(trust.Controlled, []string{"memory", AgentsCapability}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Servers["ask-agent"]; ok {
		t.Error("ask-agent server present without a delegate")
	}

	delegate := func(context.Context, string, string) (string, error) { return "", nil }
	res, err = r.Resolve(trust.Controlled, []string{"memory", AgentsCapability}, Context{Delegate: delegate})
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := res.Servers["ask-agent"]; !ok {
		t.Error("ask-agent server missing with a delegate")
	}
}

func TestResolutionCarriesTrustPolicy(t *testing.T) {
	r := newRegistry()

	res, err := r.Resolve(trust.Sandbox, []string{"memory", "notes"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != trust.ModeDontAsk {
		t.Errorf("sandbox mode = %q", res.Mode)
	}
	// Both servers resolve, but only whitelisted ones reach the allow list.
	if len(res.Servers) != 2 {
		t.Errorf("servers = %d, want 2", len(res.Servers))
	}
	allowed := map[string]bool{}
	for _, entry := range res.AllowedTools {
		allowed[entry] = true
	}
	if !allowed["memory:*"] {
		t.Error("memory missing from sandbox allow list")
	}
	if allowed["notes:*"] {
		t.Error("notes leaked into sandbox allow list")
	}

	res, err = r.Resolve(trust.Unrestricted, []string{"memory"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	if res.Mode != trust.ModeBypassPermissions || res.AllowedTools != nil {
		t.Errorf("unrestricted resolution = %+v", res)
	}
}

func TestAddingCapabilityOnlyAdds(t *testing.T) {
	r := newRegistry()
	base, err := r.Resolve(trust.Controlled, []string{"memory"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	wider, err := r.Resolve(trust.Controlled, []string{"memory", "notes"}, Context{})
	if err != nil {
		t.Fatal(err)
	}
	for name := range base.Servers {
		if _, ok := wider.Servers[name]; !ok {
			t.Errorf("server %s vanished when a capability was added", name)
		}
	}
	baseAllowed := map[string]bool{}
	for _, entry := range wider.AllowedTools {
		baseAllowed[entry] = true
	}
	for _, entry := range base.AllowedTools {
		if !baseAllowed[entry] {
			t.Errorf("allow entry %q vanished when a capability was added", entry)
		}
	}
}

func TestNamesInRegistrationOrder(t *testing.T) {
	r := newRegistry()
	names := r.Names()
	want := []string{"memory", "notes", AgentsCapability}
	if len(names) != len(want) {
		t.Fatalf("names = %v", names)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, names[i], want[i])
		}
	}
}
