// Package storage persists conversations, messages, read markers,
// notifications and live-session snapshots. Storage keeps everything in
// memory with an optional JSON file; the Postgres repository backs multi-node
// deployments.
package storage

import (
	"context"
	"time"

	"pulse-live/internal/models"
)

// Repository is the datastore contract the coordinator depends on.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	CreateConversation(ctx context.Context, conv models.Conversation) (models.Conversation, error)
	GetConversation(ctx context.Context, id string) (models.Conversation, error)
	AddParticipant(ctx context.Context, conversationID, userID string) error
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)

	CreateMessage(ctx context.Context, msg models.Message) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)
	MarkRead(ctx context.Context, marker models.ReadMarker) error
	ReadMarkers(ctx context.Context, conversationID string) ([]models.ReadMarker, error)

	SaveNotification(ctx context.Context, n models.Notification) error
	ListNotifications(ctx context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error)
	MarkNotificationRead(ctx context.Context, recipientID, notificationID string, at time.Time) error

	SaveSession(ctx context.Context, session models.LiveSession) error
	LoadSessions(ctx context.Context) ([]models.LiveSession, error)
}

const defaultListLimit = 50

func clampLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultListLimit
	}
	return limit
}
