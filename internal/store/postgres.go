// Package store implements the relational and cache backends of the plugin
// server: plugins, persons, teams, actions, and plugin log entries on
// Postgres; the plugin cache/storage APIs, the legacy celery queue, and the
// distributed lock on Redis.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateDistinctID is returned when a distinct-id insert loses the race
// against another worker. Callers re-read and retry once.
var ErrDuplicateDistinctID = errors.New("store: distinct id already claimed")

// ErrNotFound is returned for lookups of absent rows.
var ErrNotFound = errors.New("store: not found")

type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore opens a connection pool and ensures the schema exists.
func NewPostgresStore(ctx context.Context, dsn string, minConns, maxConns int) (*PostgresStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &PostgresStore{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return s, nil
}

func (s *PostgresStore) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("postgres not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS teams (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			anonymize_ips BOOLEAN NOT NULL DEFAULT FALSE,
			session_recording_opt_in BOOLEAN NOT NULL DEFAULT FALSE,
			event_names_with_usage JSONB NOT NULL DEFAULT '[]'::jsonb,
			event_properties_with_usage JSONB NOT NULL DEFAULT '[]'::jsonb,
			event_properties_numerical JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS plugins (
			id BIGSERIAL PRIMARY KEY,
			name TEXT NOT NULL,
			archive BYTEA,
			source TEXT,
			url TEXT,
			error JSONB,
			capabilities JSONB NOT NULL DEFAULT '{}'::jsonb,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_attachments (
			id BIGSERIAL PRIMARY KEY,
			plugin_config_id BIGINT NOT NULL,
			team_id BIGINT NOT NULL,
			key TEXT NOT NULL,
			content_type TEXT NOT NULL,
			file_name TEXT NOT NULL,
			contents BYTEA NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS plugin_configs (
			id BIGSERIAL PRIMARY KEY,
			plugin_id BIGINT NOT NULL REFERENCES plugins(id) ON DELETE CASCADE,
			team_id BIGINT NOT NULL,
			enabled BOOLEAN NOT NULL DEFAULT FALSE,
			"order" INTEGER NOT NULL DEFAULT 0,
			config JSONB NOT NULL DEFAULT '{}'::jsonb,
			error JSONB,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_configs_team ON plugin_configs(team_id, "order", id)`,
		`CREATE TABLE IF NOT EXISTS plugin_log_entries (
			id UUID PRIMARY KEY,
			team_id BIGINT NOT NULL,
			plugin_id BIGINT NOT NULL,
			plugin_config_id BIGINT NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			message TEXT NOT NULL,
			instance_id UUID
		)`,
		`CREATE INDEX IF NOT EXISTS idx_plugin_log_entries_config ON plugin_log_entries(plugin_config_id, timestamp DESC)`,
		`CREATE TABLE IF NOT EXISTS persons (
			id BIGSERIAL PRIMARY KEY,
			uuid UUID NOT NULL,
			team_id BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			properties JSONB NOT NULL DEFAULT '{}'::jsonb,
			is_identified BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS person_distinct_ids (
			id BIGSERIAL PRIMARY KEY,
			person_id BIGINT NOT NULL REFERENCES persons(id) ON DELETE CASCADE,
			distinct_id TEXT NOT NULL,
			team_id BIGINT NOT NULL,
			UNIQUE (team_id, distinct_id)
		)`,
		`CREATE TABLE IF NOT EXISTS cohort_people (
			id BIGSERIAL PRIMARY KEY,
			cohort_id BIGINT NOT NULL,
			person_id BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_cohort_people_person ON cohort_people(person_id)`,
		`CREATE TABLE IF NOT EXISTS actions (
			id BIGSERIAL PRIMARY KEY,
			team_id BIGINT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			deleted BOOLEAN NOT NULL DEFAULT FALSE
		)`,
		`CREATE TABLE IF NOT EXISTS action_steps (
			id BIGSERIAL PRIMARY KEY,
			action_id BIGINT NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
			tag_name TEXT,
			text TEXT,
			href TEXT,
			selector TEXT,
			url TEXT,
			url_matching TEXT,
			event TEXT,
			properties JSONB NOT NULL DEFAULT '[]'::jsonb
		)`,
		`CREATE TABLE IF NOT EXISTS element_groups (
			id BIGSERIAL PRIMARY KEY,
			team_id BIGINT NOT NULL,
			hash TEXT NOT NULL,
			UNIQUE (hash)
		)`,
		`CREATE TABLE IF NOT EXISTS elements (
			id BIGSERIAL PRIMARY KEY,
			group_id BIGINT NOT NULL REFERENCES element_groups(id) ON DELETE CASCADE,
			tag_name TEXT,
			text TEXT,
			href TEXT,
			attr_id TEXT,
			attr_class TEXT[],
			nth_child INTEGER,
			nth_of_type INTEGER,
			attributes JSONB NOT NULL DEFAULT '{}'::jsonb,
			"order" INTEGER NOT NULL DEFAULT 0
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique-constraint violation
// (SQLSTATE 23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *PostgresStore) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
