package daemon

import (
	"path/filepath"

	"github.com/kjulin/opennova/internal/bus"
	"github.com/kjulin/opennova/internal/capability"
	"github.com/kjulin/opennova/internal/toolserver"
	"github.com/kjulin/opennova/internal/trust"
)

// buildRegistry assembles the fixed capability registry. Factories close over
// the daemon's stores; the per-turn context supplies agent, thread, and
// delegation state.
//
// Server names are the model-visible namespaces and may differ from the
// capability name: "agents" (delegation) resolves to the ask-agent server,
// "agent-management" to the agents server.
func (d *Daemon) buildRegistry(defaultTrust trust.Level) *capability.Registry {
	reg := capability.NewRegistry()

	reg.Register("memory", func(c capability.Context) (string, toolserver.Config) {
		return "memory", toolserver.InProcessConfig(toolserver.NewMemoryServer(d.layout.MemoryDir(c.AgentID)))
	})

	reg.Register("history", func(c capability.Context) (string, toolserver.Config) {
		return "history", toolserver.InProcessConfig(toolserver.NewHistoryServer(d.threads, c.AgentID))
	})

	reg.Register("tasks", func(c capability.Context) (string, toolserver.Config) {
		return "tasks", toolserver.InProcessConfig(toolserver.NewTaskServer(d.tasks, c.AgentID))
	})

	reg.Register("notes", func(c capability.Context) (string, toolserver.Config) {
		agentID, threadID, channel := c.AgentID, c.ThreadID, c.Channel
		share := func(title, path string) {
			d.bus.Publish(bus.Event{
				Name:     bus.ThreadNote,
				AgentID:  agentID,
				ThreadID: threadID,
				Channel:  channel,
				Text:     title,
				Payload:  map[string]string{"path": path, "noteId": filepath.Base(path)},
			})
		}
		return "notes", toolserver.InProcessConfig(toolserver.NewNotesServer(d.layout.NotesDir(c.AgentID), share))
	})

	reg.Register("self", func(c capability.Context) (string, toolserver.Config) {
		return "self", toolserver.InProcessConfig(toolserver.NewSelfServer(d.agents, c.AgentID))
	})

	reg.Register("secrets", func(c capability.Context) (string, toolserver.Config) {
		return "secrets", toolserver.InProcessConfig(toolserver.NewSecretsServer())
	})

	reg.Register("usage", func(c capability.Context) (string, toolserver.Config) {
		return "usage", toolserver.InProcessConfig(toolserver.NewUsageServer(d.usage))
	})

	reg.Register("triggers", func(c capability.Context) (string, toolserver.Config) {
		return "triggers", toolserver.InProcessConfig(toolserver.NewTriggerServer(d.triggers, c.AgentID))
	})

	reg.Register("agent-management", func(c capability.Context) (string, toolserver.Config) {
		return "agents", toolserver.InProcessConfig(toolserver.NewAgentManagementServer(d.agents, defaultTrust))
	})

	reg.Register(capability.AgentsCapability, func(c capability.Context) (string, toolserver.Config) {
		return "ask-agent", toolserver.InProcessConfig(toolserver.NewAskAgentServer(toolserver.AskAgentOptions{
			SelfID:        c.AgentID,
			AllowedAgents: c.AllowedAgents,
			AskDepth:      c.AskDepth,
			Agents:        d.agents,
			Delegate:      toolserver.DelegateFunc(c.Delegate),
		}))
	})

	// media and browser run out of process; the engine spawns them on demand.
	reg.Register("media", func(c capability.Context) (string, toolserver.Config) {
		return "media", toolserver.ExternalStdio("opennova-media", "--agent-dir", c.AgentDir)
	})
	reg.Register("browser", func(c capability.Context) (string, toolserver.Config) {
		return "browser", toolserver.ExternalStdio("opennova-browser")
	})

	return reg
}
