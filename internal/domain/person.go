package domain

import "time"

// Person is the canonical identity record a cluster of distinct ids collapses
// into. ID is the team-scoped row identity; UUID is the stable global id.
type Person struct {
	ID           int64
	UUID         string
	TeamID       int64
	CreatedAt    time.Time
	Properties   map[string]any
	IsIdentified bool
}

// PersonDistinctID attaches one distinct id to a person. (team_id,
// distinct_id) is unique at the store level; violations are benign races.
type PersonDistinctID struct {
	ID         int64
	PersonID   int64
	DistinctID string
	TeamID     int64
}

// MergeProperties implements the set_once ∪ existing ∪ set merge, rightmost
// wins: setOnce fills gaps only, set overrides unconditionally.
func MergeProperties(existing, set, setOnce map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(set)+len(setOnce))
	for k, v := range setOnce {
		merged[k] = v
	}
	for k, v := range existing {
		merged[k] = v
	}
	for k, v := range set {
		merged[k] = v
	}
	return merged
}
