package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quasarhq/quasar/internal/domain"
)

// FetchAllActions returns every non-deleted action with its steps.
func (s *PostgresStore) FetchAllActions(ctx context.Context) ([]*domain.Action, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, team_id, name, deleted FROM actions WHERE NOT deleted`)
	if err != nil {
		return nil, fmt.Errorf("query actions: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*domain.Action)
	var actions []*domain.Action
	for rows.Next() {
		var a domain.Action
		if err := rows.Scan(&a.ID, &a.TeamID, &a.Name, &a.Deleted); err != nil {
			return nil, fmt.Errorf("scan action: %w", err)
		}
		byID[a.ID] = &a
		actions = append(actions, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if err := s.attachSteps(ctx, byID); err != nil {
		return nil, err
	}
	return actions, nil
}

// FetchAction returns one action with steps, or ErrNotFound.
func (s *PostgresStore) FetchAction(ctx context.Context, actionID int64) (*domain.Action, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, team_id, name, deleted FROM actions WHERE id = $1`, actionID)

	var a domain.Action
	err := row.Scan(&a.ID, &a.TeamID, &a.Name, &a.Deleted)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan action: %w", err)
	}

	if err := s.attachSteps(ctx, map[int64]*domain.Action{a.ID: &a}); err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *PostgresStore) attachSteps(ctx context.Context, actions map[int64]*domain.Action) error {
	if len(actions) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(actions))
	for id := range actions {
		ids = append(ids, id)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, action_id, COALESCE(tag_name, ''), COALESCE(text, ''), COALESCE(href, ''),
		       COALESCE(selector, ''), COALESCE(url, ''), COALESCE(url_matching, ''),
		       COALESCE(event, ''), properties
		FROM action_steps WHERE action_id = ANY($1) ORDER BY id`,
		ids)
	if err != nil {
		return fmt.Errorf("query action steps: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			step  domain.ActionStep
			props []byte
		)
		if err := rows.Scan(&step.ID, &step.ActionID, &step.TagName, &step.Text, &step.Href,
			&step.Selector, &step.URL, &step.URLMatching, &step.EventName, &props); err != nil {
			return fmt.Errorf("scan action step: %w", err)
		}
		if err := json.Unmarshal(props, &step.Properties); err != nil {
			return fmt.Errorf("decode step properties: %w", err)
		}
		if a, ok := actions[step.ActionID]; ok {
			a.Steps = append(a.Steps, step)
		}
	}
	return rows.Err()
}
