package actions

import (
	"context"
	"errors"
	"sync"

	"github.com/quasarhq/quasar/internal/domain"
	"github.com/quasarhq/quasar/internal/logging"
	"github.com/quasarhq/quasar/internal/store"
)

// Store is the slice of the relational store the action manager needs.
type Store interface {
	FetchAllActions(ctx context.Context) ([]*domain.Action, error)
	FetchAction(ctx context.Context, actionID int64) (*domain.Action, error)
}

// Manager holds the in-memory action index, keyed by team. Each worker host
// owns one; control broadcasts keep them converged with the database.
type Manager struct {
	store Store

	mu     sync.RWMutex
	byTeam map[int64]map[int64]*domain.Action
}

// NewManager builds an empty index. Call ReloadAll before matching.
func NewManager(s Store) *Manager {
	return &Manager{store: s, byTeam: map[int64]map[int64]*domain.Action{}}
}

// ReloadAll replaces the whole index from the database. Deleted actions are
// excluded.
func (m *Manager) ReloadAll(ctx context.Context) error {
	actions, err := m.store.FetchAllActions(ctx)
	if err != nil {
		return err
	}
	index := map[int64]map[int64]*domain.Action{}
	for _, action := range actions {
		if action.Deleted {
			continue
		}
		team := index[action.TeamID]
		if team == nil {
			team = map[int64]*domain.Action{}
			index[action.TeamID] = team
		}
		team[action.ID] = action
	}
	m.mu.Lock()
	m.byTeam = index
	m.mu.Unlock()
	logging.Op().Info("action index reloaded", "actions", len(actions))
	return nil
}

// Reload refreshes one action from the database. A missing or deleted row
// drops it from the index.
func (m *Manager) Reload(ctx context.Context, teamID, actionID int64) error {
	action, err := m.store.FetchAction(ctx, actionID)
	if errors.Is(err, store.ErrNotFound) {
		m.Drop(teamID, actionID)
		return nil
	}
	if err != nil {
		return err
	}
	if action.Deleted {
		m.Drop(action.TeamID, action.ID)
		return nil
	}
	m.mu.Lock()
	team := m.byTeam[action.TeamID]
	if team == nil {
		team = map[int64]*domain.Action{}
		m.byTeam[action.TeamID] = team
	}
	team[action.ID] = action
	m.mu.Unlock()
	return nil
}

// Drop removes one action from the index.
func (m *Manager) Drop(teamID, actionID int64) {
	m.mu.Lock()
	if team := m.byTeam[teamID]; team != nil {
		delete(team, actionID)
	}
	m.mu.Unlock()
}

// Match returns the team's actions that accept the event, in no particular
// order. An action matches when any of its steps matches; an action with no
// steps never matches.
func (m *Manager) Match(event *domain.PluginEvent, elements []domain.Element) []*domain.Action {
	m.mu.RLock()
	team := m.byTeam[event.TeamID]
	matched := make([]*domain.Action, 0, len(team))
	for _, action := range team {
		for i := range action.Steps {
			if stepMatches(&action.Steps[i], event, elements) {
				matched = append(matched, action)
				break
			}
		}
	}
	m.mu.RUnlock()
	if len(matched) == 0 {
		return nil
	}
	return matched
}
