package domain

import (
	"encoding/json"
	"time"
)

// RawEvent is the JSON envelope carried on the ingestion handoff topic.
// Data holds the nested client event exactly as captured.
type RawEvent struct {
	DistinctID string          `json:"distinct_id"`
	IP         string          `json:"ip"`
	SiteURL    string          `json:"site_url"`
	Data       json.RawMessage `json:"data"`
	TeamID     int64           `json:"team_id"`
	Now        time.Time       `json:"now"`
	SentAt     *time.Time      `json:"sent_at,omitempty"`
	UUID       string          `json:"uuid"`
}

// PluginEvent is the normalized event handed to the plugin pipeline and the
// event processor. Properties is an open map; plugins mutate it freely.
type PluginEvent struct {
	DistinctID string         `json:"distinct_id"`
	TeamID     int64          `json:"team_id"`
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	IP         string         `json:"ip"`
	SiteURL    string         `json:"site_url"`
	Timestamp  string         `json:"timestamp,omitempty"`
	Offset     int64          `json:"offset,omitempty"`
	Now        time.Time      `json:"now"`
	SentAt     *time.Time     `json:"sent_at,omitempty"`
	UUID       string         `json:"uuid"`
}

// Copy returns a shallow copy of the event with its own properties map, so a
// plugin throwing mid-mutation cannot corrupt the event seen by the next one.
func (e *PluginEvent) Copy() *PluginEvent {
	dup := *e
	dup.Properties = make(map[string]any, len(e.Properties))
	for k, v := range e.Properties {
		dup.Properties[k] = v
	}
	return &dup
}

// FinishedEvent is the materialized event published to the analytics store.
type FinishedEvent struct {
	UUID          string
	Event         string
	Properties    map[string]any
	Timestamp     time.Time
	TeamID        int64
	DistinctID    string
	ElementsChain string
	CreatedAt     time.Time
}

// SnapshotEvent is the session-recording payload published as JSON.
type SnapshotEvent struct {
	UUID         string    `json:"uuid"`
	TeamID       int64     `json:"team_id"`
	DistinctID   string    `json:"distinct_id"`
	SessionID    string    `json:"session_id"`
	SnapshotData any       `json:"snapshot_data"`
	Timestamp    time.Time `json:"timestamp"`
	CreatedAt    time.Time `json:"created_at"`
}
