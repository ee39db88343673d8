package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"pulse-live/internal/config"
	"pulse-live/internal/storage"
)

// newImportCommand replays a JSON datastore file into Postgres.
func newImportCommand(out io.Writer, configFile *string) *cobra.Command {
	var (
		jsonPath    string
		postgresDSN string
	)
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Copy a JSON datastore snapshot into Postgres",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			dsn := strings.TrimSpace(postgresDSN)
			if dsn == "" {
				cfg, err := config.Load(config.LoadOptions{File: *configFile})
				if err != nil {
					return err
				}
				dsn = cfg.Storage.PostgresDSN
			}
			if dsn == "" {
				return fmt.Errorf("postgres dsn required: set --postgres-dsn or PULSE_STORAGE_POSTGRES_DSN")
			}
			logger := slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: slog.LevelInfo}))
			return importSnapshot(cmd.Context(), logger, jsonPath, dsn)
		},
	}
	cmd.Flags().StringVar(&jsonPath, "json", "data/store.json", "path to the JSON datastore to import")
	cmd.Flags().StringVar(&postgresDSN, "postgres-dsn", "", "Postgres connection string")
	return cmd
}

func importSnapshot(ctx context.Context, logger *slog.Logger, jsonPath, dsn string) error {
	snapshot, err := storage.LoadSnapshotFromJSON(jsonPath)
	if err != nil {
		return fmt.Errorf("load JSON snapshot: %w", err)
	}
	counts := snapshot.Counts()
	logger.Info("loaded JSON snapshot", "path", jsonPath, "conversations", counts.Conversations, "messages", counts.Messages)

	repo, err := storage.NewPostgresRepository(ctx, dsn)
	if err != nil {
		return err
	}
	defer func() { _ = repo.Close(context.Background()) }()
	if err := repo.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}

	if err := storage.ImportSnapshot(ctx, repo, snapshot); err != nil {
		return fmt.Errorf("import snapshot: %w", err)
	}
	if err := verifyCounts(ctx, repo.Pool(), counts); err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}

	logger.Info("import completed",
		"conversations", counts.Conversations,
		"messages", counts.Messages,
		"notifications", counts.Notifications,
		"live_sessions", counts.LiveSessions,
	)
	return nil
}

// verifyCounts checks that every imported row is present. The target may
// already hold rows of its own, so only shortfalls are reported.
func verifyCounts(ctx context.Context, pool *pgxpool.Pool, counts storage.SnapshotCounts) error {
	checks := []struct {
		name     string
		query    string
		expected int
	}{
		{"conversations", "SELECT COUNT(*) FROM pulse_conversations", counts.Conversations},
		{"messages", "SELECT COUNT(*) FROM pulse_messages", counts.Messages},
		{"read_markers", "SELECT COUNT(*) FROM pulse_read_markers", counts.ReadMarkers},
		{"notifications", "SELECT COUNT(*) FROM pulse_notifications", counts.Notifications},
		{"live_sessions", "SELECT COUNT(*) FROM pulse_live_sessions", counts.LiveSessions},
	}
	for _, check := range checks {
		var actual int
		if err := pool.QueryRow(ctx, check.query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", check.name, err)
		}
		if actual < check.expected {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", check.name, check.expected, actual)
		}
	}
	return nil
}
