// Package messaging handles conversation messages, read markers and typing
// indicators, persisting what must survive and fanning events out to the
// conversation room.
package messaging

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"

	"pulse-live/internal/apperr"
	"pulse-live/internal/events"
	"pulse-live/internal/models"
	"pulse-live/internal/rooms"
)

// MaxTextRunes bounds message text.
const MaxTextRunes = 4000

// MessageStore persists messages and read markers.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg models.Message) error
	MarkRead(ctx context.Context, marker models.ReadMarker) error
}

// Publisher delivers envelopes to a room. Publish falls back to durable
// notifications; Broadcast only reaches current subscribers.
type Publisher interface {
	Publish(ctx context.Context, roomID string, env events.Envelope) (rooms.PublishReport, error)
	Broadcast(ctx context.Context, roomID string, env events.Envelope) (rooms.PublishReport, error)
}

// SendInput is a new message. ClientMessageID is echoed back so clients can
// match the server copy to their optimistic one.
type SendInput struct {
	ConversationID  string                `json:"conversationId" validate:"required"`
	Text            string                `json:"text" validate:"max=16000"`
	Media           []models.MessageMedia `json:"media" validate:"omitempty,max=10,dive"`
	ReplyTo         string                `json:"replyTo,omitempty"`
	ClientMessageID string                `json:"clientMessageId,omitempty"`
}

type Config struct {
	Store     MessageStore
	Directory rooms.Directory
	Publisher Publisher
	Logger    *slog.Logger
	Clock     func() time.Time
}

type Service struct {
	store     MessageStore
	directory rooms.Directory
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:     cfg.Store,
		directory: cfg.Directory,
		publisher: cfg.Publisher,
		logger:    cfg.Logger,
		now:       cfg.Clock,
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Send stores a message from authorID and publishes message.created to the
// conversation room. The message is returned even when fanout fails, since it
// is already durable.
func (s *Service) Send(ctx context.Context, authorID string, in SendInput) (models.Message, error) {
	conversationID := strings.TrimSpace(in.ConversationID)
	if err := s.requireParticipant(ctx, conversationID, authorID); err != nil {
		return models.Message{}, err
	}
	text := norm.NFC.String(strings.TrimSpace(in.Text))
	if text == "" && len(in.Media) == 0 {
		return models.Message{}, apperr.InvalidInput("message needs text or media")
	}
	if utf8.RuneCountInString(text) > MaxTextRunes {
		return models.Message{}, apperr.InvalidInput("message exceeds %d characters", MaxTextRunes)
	}

	msg := models.Message{
		ID:              uuid.NewString(),
		ConversationID:  conversationID,
		AuthorID:        authorID,
		Text:            text,
		Media:           append([]models.MessageMedia(nil), in.Media...),
		ReplyTo:         strings.TrimSpace(in.ReplyTo),
		ClientMessageID: in.ClientMessageID,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return models.Message{}, apperr.Wrap(apperr.KindInternal, err, "store message")
	}

	env, err := events.New(events.TypeMessageCreated, conversationID, authorID, msg)
	if err != nil {
		return msg, err
	}
	env.OccurredAt = msg.CreatedAt
	if _, err := s.publisher.Publish(ctx, conversationID, env); err != nil {
		s.logger.Error("publish message", "conversation_id", conversationID, "message_id", msg.ID, "error", err)
		return msg, err
	}
	return msg, nil
}

// MarkRead records that userID has read conversationID up to now.
func (s *Service) MarkRead(ctx context.Context, userID, conversationID string) (models.ReadMarker, error) {
	conversationID = strings.TrimSpace(conversationID)
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return models.ReadMarker{}, err
	}
	marker := models.ReadMarker{ConversationID: conversationID, UserID: userID, ReadAt: s.now().UTC()}
	if err := s.store.MarkRead(ctx, marker); err != nil {
		return models.ReadMarker{}, apperr.Wrap(apperr.KindInternal, err, "store read marker")
	}
	env, err := events.New(events.TypeMessageRead, conversationID, userID, marker)
	if err != nil {
		return marker, err
	}
	if _, err := s.publisher.Broadcast(ctx, conversationID, env); err != nil {
		s.logger.Warn("publish read marker", "conversation_id", conversationID, "error", err)
	}
	return marker, nil
}

// Typing announces that userID started or stopped typing.
func (s *Service) Typing(ctx context.Context, userID, conversationID string, active bool) error {
	conversationID = strings.TrimSpace(conversationID)
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return err
	}
	eventType := events.TypeTypingStopped
	if active {
		eventType = events.TypeTypingStarted
	}
	env, err := events.New(eventType, conversationID, userID, map[string]string{
		"conversationId": conversationID,
		"userId":         userID,
	})
	if err != nil {
		return err
	}
	_, err = s.publisher.Broadcast(ctx, conversationID, env)
	return err
}

func (s *Service) requireParticipant(ctx context.Context, conversationID, userID string) error {
	if conversationID == "" {
		return apperr.InvalidInput("conversation id is required")
	}
	ok, err := s.directory.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.Forbidden("user %s is not a participant of %s", userID, conversationID)
	}
	return nil
}
