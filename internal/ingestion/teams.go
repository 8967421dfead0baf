package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
)

const teamCacheTTL = 2 * time.Minute

// teamCache keeps team rows warm and maintains the additive ingested-names
// lists. Appends are write-through: the database first, then the cached copy,
// so a crash never leaves the cache ahead of the store.
type teamCache struct {
	db Database

	mu      sync.Mutex
	entries map[int64]*teamEntry
	fetches singleflight.Group
}

type teamEntry struct {
	mu        sync.Mutex
	team      *domain.Team
	fetchedAt time.Time
}

func newTeamCache(db Database) *teamCache {
	return &teamCache{db: db, entries: map[int64]*teamEntry{}}
}

func (c *teamCache) fetch(ctx context.Context, teamID int64) (*domain.Team, error) {
	c.mu.Lock()
	entry, ok := c.entries[teamID]
	c.mu.Unlock()
	if ok {
		entry.mu.Lock()
		fresh := time.Since(entry.fetchedAt) < teamCacheTTL
		team := entry.team
		entry.mu.Unlock()
		if fresh {
			return team, nil
		}
	}

	// Coalesce concurrent workers refetching the same team.
	v, err, _ := c.fetches.Do(fmt.Sprintf("team:%d", teamID), func() (any, error) {
		team, err := c.db.FetchTeam(ctx, teamID)
		if err != nil {
			return nil, err
		}
		entry := &teamEntry{team: team, fetchedAt: time.Now()}
		c.mu.Lock()
		c.entries[teamID] = entry
		c.mu.Unlock()
		return team, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*domain.Team), nil
}

// recordIngested appends first-seen event names and property keys to the
// team's lists. Best effort: a failed append only delays the sighting until
// the property shows up again.
func (c *teamCache) recordIngested(ctx context.Context, team *domain.Team, event *domain.PluginEvent) {
	c.mu.Lock()
	entry, ok := c.entries[event.TeamID]
	c.mu.Unlock()
	if !ok {
		return
	}

	entry.mu.Lock()
	var names, props, numerical []string
	if !contains(entry.team.IngestedEventNames, event.Event) {
		names = append(names, event.Event)
	}
	for key, value := range event.Properties {
		if !contains(entry.team.IngestedEventProperties, key) && !contains(props, key) {
			props = append(props, key)
		}
		if isNumerical(value) && !contains(entry.team.IngestedNumericalProperties, key) && !contains(numerical, key) {
			numerical = append(numerical, key)
		}
	}
	entry.mu.Unlock()

	if len(names) == 0 && len(props) == 0 && len(numerical) == 0 {
		return
	}
	if err := c.db.AppendTeamIngestedNames(ctx, event.TeamID, names, props, numerical); err != nil {
		logging.Op().Warn("failed to record ingested names", "team_id", event.TeamID, "error", err)
		return
	}

	entry.mu.Lock()
	entry.team.IngestedEventNames = appendMissing(entry.team.IngestedEventNames, names)
	entry.team.IngestedEventProperties = appendMissing(entry.team.IngestedEventProperties, props)
	entry.team.IngestedNumericalProperties = appendMissing(entry.team.IngestedNumericalProperties, numerical)
	entry.mu.Unlock()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func appendMissing(list, add []string) []string {
	for _, s := range add {
		if !contains(list, s) {
			list = append(list, s)
		}
	}
	return list
}

func isNumerical(v any) bool {
	switch v.(type) {
	case float64, float32, int, int32, int64, json.Number:
		return true
	}
	return false
}
