package domain

import "time"

// Plugin is a stored plugin row. Exactly one of Archive, Source, or URL
// carries the code; Archive wins when several are set.
type Plugin struct {
	ID           int64
	Name         string
	Archive      []byte
	Source       string
	URL          string
	UpdatedAt    time.Time
	ErrorJSON    string
	Capabilities Capabilities
}

// Capabilities summarizes what a compiled plugin exposes: recognized method
// names, recognized scheduled task identifiers, and job names.
type Capabilities struct {
	Methods        []string `json:"methods"`
	ScheduledTasks []string `json:"scheduled_tasks"`
	Jobs           []string `json:"jobs"`
}

// Equal reports whether two capability descriptors carry the same sets, in
// order. Loaders always produce them in enumeration order, so slice equality
// is sufficient.
func (c Capabilities) Equal(o Capabilities) bool {
	return equalStrings(c.Methods, o.Methods) &&
		equalStrings(c.ScheduledTasks, o.ScheduledTasks) &&
		equalStrings(c.Jobs, o.Jobs)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Attachment is an uploaded file bound to a plugin config.
type Attachment struct {
	ContentType string
	FileName    string
	Contents    []byte
}

// PluginConfig binds a plugin to a team at a position in the team's pipeline.
type PluginConfig struct {
	ID          int64
	PluginID    int64
	TeamID      int64
	Order       int
	Enabled     bool
	Config      map[string]any
	Attachments map[string]Attachment
	UpdatedAt   time.Time
	ErrorJSON   string
}

// PluginLogEntry is one captured line of plugin output or lifecycle state.
type PluginLogEntry struct {
	ID             string
	TeamID         int64
	PluginID       int64
	PluginConfigID int64
	Timestamp      time.Time
	Source         string // SYSTEM, PLUGIN, CONSOLE
	Type           string // DEBUG, LOG, INFO, WARN, ERROR
	Message        string
	InstanceID     string
}

// PluginError is recorded against a plugin config when compilation or
// execution fails.
type PluginError struct {
	Message   string         `json:"message"`
	Time      time.Time      `json:"time"`
	Stack     string         `json:"stack,omitempty"`
	Name      string         `json:"name,omitempty"`
	Event     map[string]any `json:"event,omitempty"`
}
