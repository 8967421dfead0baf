package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quasarhq/quasar/internal/domain"
)

// FetchTeam returns a team row, or ErrNotFound for unknown teams.
func (s *PostgresStore) FetchTeam(ctx context.Context, teamID int64) (*domain.Team, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, anonymize_ips, session_recording_opt_in,
		       event_names_with_usage, event_properties_with_usage, event_properties_numerical
		FROM teams WHERE id = $1`,
		teamID)

	var (
		t                      domain.Team
		names, props, numProps []byte
	)
	err := row.Scan(&t.ID, &t.Name, &t.AnonymizeIPs, &t.SessionRecordingOptIn, &names, &props, &numProps)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan team: %w", err)
	}
	if err := json.Unmarshal(names, &t.IngestedEventNames); err != nil {
		return nil, fmt.Errorf("decode team event names: %w", err)
	}
	if err := json.Unmarshal(props, &t.IngestedEventProperties); err != nil {
		return nil, fmt.Errorf("decode team event properties: %w", err)
	}
	if err := json.Unmarshal(numProps, &t.IngestedNumericalProperties); err != nil {
		return nil, fmt.Errorf("decode team numerical properties: %w", err)
	}
	return &t, nil
}

// AppendTeamIngestedNames additively merges newly seen event names and
// properties into the team row. The row lock makes concurrent appenders
// serialize; last writer wins, and since both writers only add, the union
// survives either order.
func (s *PostgresStore) AppendTeamIngestedNames(ctx context.Context, teamID int64, eventNames, properties, numerical []string) error {
	if len(eventNames) == 0 && len(properties) == 0 && len(numerical) == 0 {
		return nil
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			SELECT event_names_with_usage, event_properties_with_usage, event_properties_numerical
			FROM teams WHERE id = $1 FOR UPDATE`,
			teamID)

		var namesRaw, propsRaw, numRaw []byte
		if err := row.Scan(&namesRaw, &propsRaw, &numRaw); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("lock team row: %w", err)
		}

		names, err := appendUnique(namesRaw, eventNames)
		if err != nil {
			return err
		}
		props, err := appendUnique(propsRaw, properties)
		if err != nil {
			return err
		}
		nums, err := appendUnique(numRaw, numerical)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			UPDATE teams
			SET event_names_with_usage = $1, event_properties_with_usage = $2, event_properties_numerical = $3
			WHERE id = $4`,
			names, props, nums, teamID)
		if err != nil {
			return fmt.Errorf("update team ingested names: %w", err)
		}
		return nil
	})
}

func appendUnique(raw []byte, add []string) ([]byte, error) {
	var existing []string
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, fmt.Errorf("decode team list: %w", err)
	}
	seen := make(map[string]struct{}, len(existing))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range add {
		if _, ok := seen[v]; !ok {
			existing = append(existing, v)
			seen[v] = struct{}{}
		}
	}
	return json.Marshal(existing)
}
