package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/quasarhq/quasar/internal/domain"
)

// ElementsHash produces the dedup hash for an elements chain. The unique
// constraint on element_groups.hash is the arbiter under concurrent inserts.
func ElementsHash(teamID int64, elements []domain.Element) string {
	data, _ := json.Marshal(elements)
	h := sha256.Sum256(append([]byte(fmt.Sprintf("%d:", teamID)), data...))
	return hex.EncodeToString(h[:])
}

// UpsertElementGroup stores an elements chain, returning the group id. A
// hash collision with a concurrent writer is a benign race: the existing
// group is returned.
func (s *PostgresStore) UpsertElementGroup(ctx context.Context, teamID int64, elements []domain.Element) (int64, error) {
	hash := ElementsHash(teamID, elements)

	var groupID int64
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		row := tx.QueryRow(ctx, `
			INSERT INTO element_groups (team_id, hash) VALUES ($1, $2) RETURNING id`,
			teamID, hash)
		if err := row.Scan(&groupID); err != nil {
			return err
		}
		for _, el := range elements {
			attrs, err := json.Marshal(el.Attributes)
			if err != nil {
				return fmt.Errorf("encode element attributes: %w", err)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO elements (group_id, tag_name, text, href, attr_id, attr_class, nth_child, nth_of_type, attributes, "order")
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
				groupID, el.TagName, el.Text, el.Href, el.AttrID, el.AttrClass,
				el.NthChild, el.NthOfType, attrs, el.Order); err != nil {
				return fmt.Errorf("insert element: %w", err)
			}
		}
		return nil
	})
	if err == nil {
		return groupID, nil
	}
	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("insert element group: %w", err)
	}

	// Another worker inserted the same chain first.
	row := s.pool.QueryRow(ctx, `SELECT id FROM element_groups WHERE hash = $1`, hash)
	if err := row.Scan(&groupID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lookup element group: %w", err)
	}
	return groupID, nil
}
