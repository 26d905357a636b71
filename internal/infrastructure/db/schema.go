package db

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS stream_messages (
		post_id       TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		received_at   TIMESTAMPTZ NOT NULL,
		matching_tags TEXT[] NOT NULL DEFAULT '{}',
		payload       JSONB NOT NULL,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS stream_messages_received_at_idx
		ON stream_messages (received_at DESC)`,
}

// Migrate creates the archive table. It is idempotent.
func (m *Manager) Migrate(ctx context.Context) error {
	if !m.IsEnabled() {
		return nil
	}
	for i, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement %d: %w", i+1, err)
		}
	}
	return nil
}
