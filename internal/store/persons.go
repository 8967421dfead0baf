package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/quasarhq/quasar/internal/domain"
)

// mergePersonLockKey serializes person merges process-cluster-wide. Merges
// are rare; the advisory lock keeps concurrent merges of overlapping
// clusters from deadlocking each other on row locks.
const mergePersonLockKey int64 = 0x71737268756d616e // "qsrhuman"

// FetchPerson returns the person a distinct id maps to, or ErrNotFound.
func (s *PostgresStore) FetchPerson(ctx context.Context, teamID int64, distinctID string) (*domain.Person, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT p.id, p.uuid, p.team_id, p.created_at, p.properties, p.is_identified
		FROM persons p
		JOIN person_distinct_ids pdi ON pdi.person_id = p.id
		WHERE pdi.team_id = $1 AND pdi.distinct_id = $2`,
		teamID, distinctID)
	return scanPerson(row)
}

func scanPerson(row pgx.Row) (*domain.Person, error) {
	var (
		p     domain.Person
		props []byte
	)
	err := row.Scan(&p.ID, &p.UUID, &p.TeamID, &p.CreatedAt, &props, &p.IsIdentified)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan person: %w", err)
	}
	if err := json.Unmarshal(props, &p.Properties); err != nil {
		return nil, fmt.Errorf("decode person properties: %w", err)
	}
	return &p, nil
}

// CreatePerson inserts a person and attaches the given distinct ids in one
// transaction. A unique violation on any distinct id rolls the whole insert
// back and surfaces as ErrDuplicateDistinctID.
func (s *PostgresStore) CreatePerson(ctx context.Context, teamID int64, uuid string, createdAt time.Time, properties map[string]any, isIdentified bool, distinctIDs ...string) (*domain.Person, error) {
	if properties == nil {
		properties = map[string]any{}
	}
	props, err := json.Marshal(properties)
	if err != nil {
		return nil, fmt.Errorf("encode person properties: %w", err)
	}

	p := &domain.Person{
		UUID:         uuid,
		TeamID:       teamID,
		CreatedAt:    createdAt,
		Properties:   properties,
		IsIdentified: isIdentified,
	}

	err = s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO persons (uuid, team_id, created_at, properties, is_identified)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			uuid, teamID, createdAt, props, isIdentified)
		if err := row.Scan(&p.ID); err != nil {
			return fmt.Errorf("insert person: %w", err)
		}
		for _, did := range distinctIDs {
			if _, err := tx.Exec(ctx, `
				INSERT INTO person_distinct_ids (person_id, distinct_id, team_id)
				VALUES ($1, $2, $3)`,
				p.ID, did, teamID); err != nil {
				if isUniqueViolation(err) {
					return ErrDuplicateDistinctID
				}
				return fmt.Errorf("insert distinct id: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// AddDistinctID attaches a distinct id to an existing person. Returns
// ErrDuplicateDistinctID when another worker claimed it first.
func (s *PostgresStore) AddDistinctID(ctx context.Context, personID, teamID int64, distinctID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO person_distinct_ids (person_id, distinct_id, team_id)
		VALUES ($1, $2, $3)`,
		personID, distinctID, teamID)
	if isUniqueViolation(err) {
		return ErrDuplicateDistinctID
	}
	if err != nil {
		return fmt.Errorf("insert distinct id: %w", err)
	}
	return nil
}

// UpdatePerson persists properties, identified flag, and created_at.
func (s *PostgresStore) UpdatePerson(ctx context.Context, p *domain.Person) error {
	props, err := json.Marshal(p.Properties)
	if err != nil {
		return fmt.Errorf("encode person properties: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		UPDATE persons SET properties = $1, is_identified = $2, created_at = $3
		WHERE id = $4`,
		props, p.IsIdentified, p.CreatedAt, p.ID)
	if err != nil {
		return fmt.Errorf("update person: %w", err)
	}
	return nil
}

// MergePersons folds source into target: target keeps the merged properties
// and the earlier created_at, source's distinct ids and cohort memberships
// move over, source is deleted. Runs under an advisory lock so overlapping
// merges serialize.
func (s *PostgresStore) MergePersons(ctx context.Context, target, source *domain.Person) error {
	props, err := json.Marshal(target.Properties)
	if err != nil {
		return fmt.Errorf("encode person properties: %w", err)
	}
	createdAt := target.CreatedAt
	if source.CreatedAt.Before(createdAt) {
		createdAt = source.CreatedAt
	}

	return s.withTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, mergePersonLockKey); err != nil {
			return fmt.Errorf("acquire merge lock: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE persons SET properties = $1, is_identified = $2, created_at = $3
			WHERE id = $4`,
			props, target.IsIdentified, createdAt, target.ID); err != nil {
			return fmt.Errorf("update merge target: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE person_distinct_ids SET person_id = $1 WHERE person_id = $2`,
			target.ID, source.ID); err != nil {
			return fmt.Errorf("move distinct ids: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE cohort_people SET person_id = $1 WHERE person_id = $2`,
			target.ID, source.ID); err != nil {
			return fmt.Errorf("repoint cohorts: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM persons WHERE id = $1`, source.ID); err != nil {
			return fmt.Errorf("delete merged person: %w", err)
		}
		return nil
	})
}

// FetchDistinctIDs lists the distinct ids attached to a person.
func (s *PostgresStore) FetchDistinctIDs(ctx context.Context, personID int64) ([]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT distinct_id FROM person_distinct_ids WHERE person_id = $1 ORDER BY id`,
		personID)
	if err != nil {
		return nil, fmt.Errorf("query distinct ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
