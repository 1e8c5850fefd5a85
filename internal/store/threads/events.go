package threads

import "time"

// EventKind is the explicit discriminator written with every log record.
type EventKind string

const (
	KindManifest  EventKind = "manifest"
	KindMessage   EventKind = "message"
	KindToolUse   EventKind = "tool_use"
	KindFileSend  EventKind = "file"
	KindNoteShare EventKind = "note"
	KindPinChange EventKind = "pin"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Event is one record in a thread log. Kind selects which fields are
// meaningful; only Kind == message records are part of the conversation.
type Event struct {
	Kind      EventKind `json:"type"`
	Timestamp time.Time `json:"ts"`

	// message
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// tool_use
	Tool    string `json:"tool,omitempty"`
	Summary string `json:"summary,omitempty"`

	// file / note
	Path    string `json:"path,omitempty"`
	Caption string `json:"caption,omitempty"`
	NoteID  string `json:"note_id,omitempty"`

	// pin
	Pinned bool `json:"pinned,omitempty"`
}

// Manifest is the mutable thread header. The creation manifest is the first
// log line; updates append fresh manifest records and readers keep the last.
type Manifest struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Channel   string    `json:"channel"`
	SessionID string    `json:"sessionId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// record is the on-disk envelope: a manifest or an event, discriminated by
// the shared "type" field.
type record struct {
	Kind EventKind `json:"type"`

	// manifest fields
	ID        string    `json:"id,omitempty"`
	AgentID   string    `json:"agentId,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	SessionID string    `json:"sessionId,omitempty"`
	TaskID    string    `json:"taskId,omitempty"`
	Title     string    `json:"title,omitempty"`
	CreatedAt time.Time `json:"createdAt,omitzero"`
	UpdatedAt time.Time `json:"updatedAt,omitzero"`

	// event fields
	Timestamp time.Time `json:"ts,omitzero"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text,omitempty"`
	Tool      string    `json:"tool,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Path      string    `json:"path,omitempty"`
	Caption   string    `json:"caption,omitempty"`
	NoteID    string    `json:"note_id,omitempty"`
	Pinned    bool      `json:"pinned,omitempty"`
}

func manifestRecord(m *Manifest) record {
	return record{
		Kind:      KindManifest,
		ID:        m.ID,
		AgentID:   m.AgentID,
		Channel:   m.Channel,
		SessionID: m.SessionID,
		TaskID:    m.TaskID,
		Title:     m.Title,
		CreatedAt: m.CreatedAt,
		UpdatedAt: m.UpdatedAt,
	}
}

func (r record) manifest() Manifest {
	return Manifest{
		ID:        r.ID,
		AgentID:   r.AgentID,
		Channel:   r.Channel,
		SessionID: r.SessionID,
		TaskID:    r.TaskID,
		Title:     r.Title,
		CreatedAt: r.CreatedAt,
		UpdatedAt: r.UpdatedAt,
	}
}

func eventRecord(ev Event) record {
	return record{
		Kind:      ev.Kind,
		Timestamp: ev.Timestamp,
		Role:      ev.Role,
		Text:      ev.Text,
		Tool:      ev.Tool,
		Summary:   ev.Summary,
		Path:      ev.Path,
		Caption:   ev.Caption,
		NoteID:    ev.NoteID,
		Pinned:    ev.Pinned,
	}
}

func (r record) event() Event {
	return Event{
		Kind:      r.Kind,
		Timestamp: r.Timestamp,
		Role:      r.Role,
		Text:      r.Text,
		Tool:      r.Tool,
		Summary:   r.Summary,
		Path:      r.Path,
		Caption:   r.Caption,
		NoteID:    r.NoteID,
		Pinned:    r.Pinned,
	}
}
