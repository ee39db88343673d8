package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS pulse_conversations (
    id TEXT PRIMARY KEY,
    title TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE TABLE IF NOT EXISTS pulse_conversation_participants (
    conversation_id TEXT NOT NULL REFERENCES pulse_conversations(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    position INT NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS pulse_messages (
    id TEXT PRIMARY KEY,
    conversation_id TEXT NOT NULL REFERENCES pulse_conversations(id) ON DELETE CASCADE,
    author_id TEXT NOT NULL,
    body JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS pulse_messages_conversation_idx ON pulse_messages (conversation_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS pulse_read_markers (
    conversation_id TEXT NOT NULL REFERENCES pulse_conversations(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    read_at TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (conversation_id, user_id)
)`,
	`CREATE TABLE IF NOT EXISTS pulse_notifications (
    id TEXT PRIMARY KEY,
    recipient_id TEXT NOT NULL,
    body JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    read_at TIMESTAMPTZ
)`,
	`CREATE INDEX IF NOT EXISTS pulse_notifications_recipient_idx ON pulse_notifications (recipient_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS pulse_live_sessions (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    snapshot JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL
)`,
}

// EnsureSchema creates the tables this repository needs when they are
// missing. It runs in one transaction.
func (r *PostgresRepository) EnsureSchema(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin schema transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		for _, stmt := range schemaStatements {
			if _, err := tx.Exec(ctx, stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit schema: %w", err)
		}
		return nil
	})
}

func rollbackTx(ctx context.Context, tx pgx.Tx) {
	_ = tx.Rollback(ctx)
}
