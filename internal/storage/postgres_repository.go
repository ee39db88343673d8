package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse-live/internal/apperr"
	"pulse-live/internal/models"
)

// PostgresRepository implements Repository on a pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

var _ Repository = (*PostgresRepository)(nil)

// NewPostgresRepository opens the pool. Call EnsureSchema before first use
// against a fresh database.
func NewPostgresRepository(ctx context.Context, dsn string, opts ...Option) (*PostgresRepository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &PostgresRepository{pool: pool, cfg: cfg}, nil
}

func poolConfig(cfg PostgresConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}
	return poolCfg, nil
}

// Pool exposes the pool so the session store can share it.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

func (r *PostgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// withConn acquires a connection under the acquire timeout and runs fn with a
// context carrying the same deadline.
func (r *PostgresRepository) withConn(ctx context.Context, fn func(context.Context, *pgxpool.Conn) error) error {
	if r == nil || r.pool == nil {
		return errors.New("postgres pool not configured")
	}
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire postgres connection: %w", err)
	}
	defer conn.Release()
	return fn(ctx, conn)
}

func (r *PostgresRepository) CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error) {
	conv, err := normalizeConversation(conv, time.Now())
	if err != nil {
		return models.Conversation{}, err
	}
	err = r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin conversation transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		_, err = tx.Exec(ctx, `
INSERT INTO pulse_conversations (id, title, created_at, updated_at)
VALUES ($1, $2, $3, $4)`, conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt)
		if err != nil {
			if isUniqueViolation(err) {
				return apperr.InvalidInput("conversation %s already exists", conv.ID)
			}
			return fmt.Errorf("insert conversation: %w", err)
		}
		for i, userID := range conv.ParticipantIDs {
			if _, err := tx.Exec(ctx, `
INSERT INTO pulse_conversation_participants (conversation_id, user_id, position)
VALUES ($1, $2, $3)`, conv.ID, userID, i); err != nil {
				return fmt.Errorf("insert participant: %w", err)
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (r *PostgresRepository) GetConversation(ctx context.Context, id string) (models.Conversation, error) {
	var conv models.Conversation
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
SELECT id, title, created_at, updated_at FROM pulse_conversations WHERE id = $1`, id)
		if err := row.Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return apperr.NotFound("conversation %s not found", id)
			}
			return fmt.Errorf("load conversation: %w", err)
		}
		participants, err := queryParticipants(ctx, conn, id)
		if err != nil {
			return err
		}
		conv.ParticipantIDs = participants
		return nil
	})
	if err != nil {
		return models.Conversation{}, err
	}
	return conv, nil
}

func (r *PostgresRepository) AddParticipant(ctx context.Context, conversationID, userID string) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
INSERT INTO pulse_conversation_participants (conversation_id, user_id, position)
SELECT c.id, $2, COALESCE((SELECT MAX(position) + 1 FROM pulse_conversation_participants WHERE conversation_id = c.id), 0)
FROM pulse_conversations c WHERE c.id = $1
ON CONFLICT (conversation_id, user_id) DO NOTHING`, conversationID, userID)
		if err != nil {
			return fmt.Errorf("add participant: %w", err)
		}
		if tag.RowsAffected() == 0 {
			if _, err := r.conversationExists(ctx, conn, conversationID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *PostgresRepository) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	var member bool
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := r.conversationExists(ctx, conn, conversationID); err != nil {
			return err
		}
		return conn.QueryRow(ctx, `
SELECT EXISTS (SELECT 1 FROM pulse_conversation_participants WHERE conversation_id = $1 AND user_id = $2)`,
			conversationID, userID).Scan(&member)
	})
	return member, err
}

func (r *PostgresRepository) Participants(ctx context.Context, conversationID string) ([]string, error) {
	var participants []string
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := r.conversationExists(ctx, conn, conversationID); err != nil {
			return err
		}
		var err error
		participants, err = queryParticipants(ctx, conn, conversationID)
		return err
	})
	return participants, err
}

func (r *PostgresRepository) conversationExists(ctx context.Context, conn *pgxpool.Conn, id string) (bool, error) {
	var exists bool
	if err := conn.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pulse_conversations WHERE id = $1)`, id).Scan(&exists); err != nil {
		return false, fmt.Errorf("check conversation: %w", err)
	}
	if !exists {
		return false, apperr.NotFound("conversation %s not found", id)
	}
	return true, nil
}

func queryParticipants(ctx context.Context, conn *pgxpool.Conn, conversationID string) ([]string, error) {
	rows, err := conn.Query(ctx, `
SELECT user_id FROM pulse_conversation_participants WHERE conversation_id = $1 ORDER BY position`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	participants, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("scan participants: %w", err)
	}
	return participants, nil
}

func (r *PostgresRepository) CreateMessage(ctx context.Context, msg models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tx, err := conn.BeginTx(ctx, pgx.TxOptions{})
		if err != nil {
			return fmt.Errorf("begin message transaction: %w", err)
		}
		defer rollbackTx(ctx, tx)
		tag, err := tx.Exec(ctx, `
UPDATE pulse_conversations SET updated_at = $2 WHERE id = $1`, msg.ConversationID, msg.CreatedAt)
		if err != nil {
			return fmt.Errorf("touch conversation: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("conversation %s not found", msg.ConversationID)
		}
		if _, err := tx.Exec(ctx, `
INSERT INTO pulse_messages (id, conversation_id, author_id, body, created_at)
VALUES ($1, $2, $3, $4, $5)`, msg.ID, msg.ConversationID, msg.AuthorID, body, msg.CreatedAt); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return tx.Commit(ctx)
	})
}

func (r *PostgresRepository) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	limit = clampLimit(limit)
	var out []models.Message
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		if _, err := r.conversationExists(ctx, conn, conversationID); err != nil {
			return err
		}
		rows, err := conn.Query(ctx, `
SELECT body FROM (
    SELECT body, created_at FROM pulse_messages
    WHERE conversation_id = $1
    ORDER BY created_at DESC
    LIMIT $2
) recent ORDER BY created_at ASC`, conversationID, limit)
		if err != nil {
			return fmt.Errorf("list messages: %w", err)
		}
		out, err = collectJSON[models.Message](rows)
		return err
	})
	return out, err
}

func (r *PostgresRepository) MarkRead(ctx context.Context, marker models.ReadMarker) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO pulse_read_markers (conversation_id, user_id, read_at)
VALUES ($1, $2, $3)
ON CONFLICT (conversation_id, user_id) DO UPDATE
SET read_at = GREATEST(pulse_read_markers.read_at, EXCLUDED.read_at)`,
			marker.ConversationID, marker.UserID, marker.ReadAt.UTC())
		if err != nil {
			if isForeignKeyViolation(err) {
				return apperr.NotFound("conversation %s not found", marker.ConversationID)
			}
			return fmt.Errorf("store read marker: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ReadMarkers(ctx context.Context, conversationID string) ([]models.ReadMarker, error) {
	var out []models.ReadMarker
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT conversation_id, user_id, read_at FROM pulse_read_markers
WHERE conversation_id = $1 ORDER BY user_id`, conversationID)
		if err != nil {
			return fmt.Errorf("list read markers: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.ReadMarker, error) {
			var m models.ReadMarker
			err := row.Scan(&m.ConversationID, &m.UserID, &m.ReadAt)
			return m, err
		})
		return err
	})
	return out, err
}

func (r *PostgresRepository) SaveNotification(ctx context.Context, n models.Notification) error {
	if n.RecipientID == "" {
		return apperr.InvalidInput("notification recipient is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO pulse_notifications (id, recipient_id, body, created_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (id) DO NOTHING`, n.ID, n.RecipientID, body, n.CreatedAt.UTC())
		if err != nil {
			return fmt.Errorf("insert notification: %w", err)
		}
		return nil
	})
}

func (r *PostgresRepository) ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	limit = clampLimit(limit)
	var out []models.Notification
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `
SELECT body, read_at FROM pulse_notifications
WHERE recipient_id = $1 AND ($2 = FALSE OR read_at IS NULL)
ORDER BY created_at DESC
LIMIT $3`, recipientID, unreadOnly, limit)
		if err != nil {
			return fmt.Errorf("list notifications: %w", err)
		}
		out, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (models.Notification, error) {
			var (
				body   []byte
				readAt *time.Time
				n      models.Notification
			)
			if err := row.Scan(&body, &readAt); err != nil {
				return n, err
			}
			if err := json.Unmarshal(body, &n); err != nil {
				return n, fmt.Errorf("decode notification: %w", err)
			}
			n.ReadAt = readAt
			return n, nil
		})
		return err
	})
	return out, err
}

func (r *PostgresRepository) MarkNotificationRead(ctx context.Context, recipientID, notificationID string, at time.Time) error {
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
UPDATE pulse_notifications SET read_at = COALESCE(read_at, $3)
WHERE id = $1 AND recipient_id = $2`, notificationID, recipientID, at.UTC())
		if err != nil {
			return fmt.Errorf("mark notification read: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apperr.NotFound("notification %s not found", notificationID)
		}
		return nil
	})
}

func (r *PostgresRepository) SaveSession(ctx context.Context, session models.LiveSession) error {
	snapshot, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("encode live session: %w", err)
	}
	return r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO pulse_live_sessions (id, status, snapshot, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (id) DO UPDATE SET
    status = EXCLUDED.status,
    snapshot = EXCLUDED.snapshot,
    updated_at = EXCLUDED.updated_at`,
			session.ID, string(session.Status), snapshot, session.CreatedAt.UTC(), session.UpdatedAt.UTC())
		if err != nil {
			return fmt.Errorf("save live session: %w", err)
		}
		return nil
	})
}

// LoadSessions returns every stored session, oldest first.
func (r *PostgresRepository) LoadSessions(ctx context.Context) ([]models.LiveSession, error) {
	var out []models.LiveSession
	err := r.withConn(ctx, func(ctx context.Context, conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, `SELECT snapshot FROM pulse_live_sessions ORDER BY created_at`)
		if err != nil {
			return fmt.Errorf("load live sessions: %w", err)
		}
		out, err = collectJSON[models.LiveSession](rows)
		return err
	})
	return out, err
}

func collectJSON[T any](rows pgx.Rows) ([]T, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (T, error) {
		var (
			body []byte
			out  T
		)
		if err := row.Scan(&body); err != nil {
			return out, err
		}
		if err := json.Unmarshal(body, &out); err != nil {
			return out, fmt.Errorf("decode row: %w", err)
		}
		return out, nil
	})
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
