package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quasarhq/quasar/internal/domain"
)

// LoadPlugins returns every plugin row referenced by an enabled config.
func (s *PostgresStore) LoadPlugins(ctx context.Context) (map[int64]*domain.Plugin, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT p.id, p.name, p.archive, p.source, p.url, COALESCE(p.error::text, ''), p.capabilities, p.updated_at
		FROM plugins p
		JOIN plugin_configs pc ON pc.plugin_id = p.id
		WHERE pc.enabled`)
	if err != nil {
		return nil, fmt.Errorf("query plugins: %w", err)
	}
	defer rows.Close()

	plugins := make(map[int64]*domain.Plugin)
	for rows.Next() {
		var (
			p    domain.Plugin
			caps []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.Archive, &p.Source, &p.URL, &p.ErrorJSON, &caps, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin: %w", err)
		}
		if err := json.Unmarshal(caps, &p.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities for plugin %d: %w", p.ID, err)
		}
		plugins[p.ID] = &p
	}
	return plugins, rows.Err()
}

// LoadPluginConfigs returns all enabled plugin configs, attachments not yet
// attached.
func (s *PostgresStore) LoadPluginConfigs(ctx context.Context) ([]*domain.PluginConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, plugin_id, team_id, enabled, "order", config, COALESCE(error::text, ''), updated_at
		FROM plugin_configs
		WHERE enabled`)
	if err != nil {
		return nil, fmt.Errorf("query plugin configs: %w", err)
	}
	defer rows.Close()

	var configs []*domain.PluginConfig
	for rows.Next() {
		var (
			pc  domain.PluginConfig
			cfg []byte
		)
		if err := rows.Scan(&pc.ID, &pc.PluginID, &pc.TeamID, &pc.Enabled, &pc.Order, &cfg, &pc.ErrorJSON, &pc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan plugin config: %w", err)
		}
		if err := json.Unmarshal(cfg, &pc.Config); err != nil {
			return nil, fmt.Errorf("decode config for plugin config %d: %w", pc.ID, err)
		}
		pc.Attachments = make(map[string]domain.Attachment)
		configs = append(configs, &pc)
	}
	return configs, rows.Err()
}

// LoadPluginAttachments returns attachments grouped by plugin config id.
func (s *PostgresStore) LoadPluginAttachments(ctx context.Context) (map[int64]map[string]domain.Attachment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT plugin_config_id, key, content_type, file_name, contents
		FROM plugin_attachments`)
	if err != nil {
		return nil, fmt.Errorf("query plugin attachments: %w", err)
	}
	defer rows.Close()

	attachments := make(map[int64]map[string]domain.Attachment)
	for rows.Next() {
		var (
			configID int64
			key      string
			att      domain.Attachment
		)
		if err := rows.Scan(&configID, &key, &att.ContentType, &att.FileName, &att.Contents); err != nil {
			return nil, fmt.Errorf("scan plugin attachment: %w", err)
		}
		if attachments[configID] == nil {
			attachments[configID] = make(map[string]domain.Attachment)
		}
		attachments[configID][key] = att
	}
	return attachments, rows.Err()
}

// DisablePluginConfig turns a config off after a permanent init failure.
func (s *PostgresStore) DisablePluginConfig(ctx context.Context, configID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE plugin_configs SET enabled = FALSE WHERE id = $1`, configID)
	if err != nil {
		return fmt.Errorf("disable plugin config %d: %w", configID, err)
	}
	return nil
}

// RecordPluginConfigError attaches an error record to a config.
func (s *PostgresStore) RecordPluginConfigError(ctx context.Context, configID int64, pluginErr *domain.PluginError) error {
	data, err := json.Marshal(pluginErr)
	if err != nil {
		return fmt.Errorf("encode plugin error: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE plugin_configs SET error = $1 WHERE id = $2`, data, configID)
	if err != nil {
		return fmt.Errorf("record plugin config error: %w", err)
	}
	return nil
}

// ClearPluginConfigError removes a previously recorded error.
func (s *PostgresStore) ClearPluginConfigError(ctx context.Context, configID int64) error {
	_, err := s.pool.Exec(ctx, `UPDATE plugin_configs SET error = NULL WHERE id = $1`, configID)
	if err != nil {
		return fmt.Errorf("clear plugin config error: %w", err)
	}
	return nil
}

// UpdatePluginCapabilities persists a changed capability descriptor.
func (s *PostgresStore) UpdatePluginCapabilities(ctx context.Context, pluginID int64, caps domain.Capabilities) error {
	data, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("encode capabilities: %w", err)
	}
	_, err = s.pool.Exec(ctx, `UPDATE plugins SET capabilities = $1 WHERE id = $2`, data, pluginID)
	if err != nil {
		return fmt.Errorf("update plugin capabilities: %w", err)
	}
	return nil
}
