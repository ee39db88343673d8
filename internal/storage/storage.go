package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse-live/internal/apperr"
	"pulse-live/internal/models"
)

type dataset struct {
	Conversations map[string]models.Conversation   `json:"conversations"`
	Messages      map[string][]models.Message      `json:"messages"`
	ReadMarkers   map[string]map[string]time.Time  `json:"readMarkers"`
	Notifications map[string][]models.Notification `json:"notifications"`
	LiveSessions  map[string]models.LiveSession    `json:"liveSessions"`
}

func newDataset() dataset {
	return dataset{
		Conversations: make(map[string]models.Conversation),
		Messages:      make(map[string][]models.Message),
		ReadMarkers:   make(map[string]map[string]time.Time),
		Notifications: make(map[string][]models.Notification),
		LiveSessions:  make(map[string]models.LiveSession),
	}
}

func (d *dataset) ensureInitialized() {
	if d.Conversations == nil {
		d.Conversations = make(map[string]models.Conversation)
	}
	if d.Messages == nil {
		d.Messages = make(map[string][]models.Message)
	}
	if d.ReadMarkers == nil {
		d.ReadMarkers = make(map[string]map[string]time.Time)
	}
	if d.Notifications == nil {
		d.Notifications = make(map[string][]models.Notification)
	}
	if d.LiveSessions == nil {
		d.LiveSessions = make(map[string]models.LiveSession)
	}
}

// Storage is the in-memory repository. With a file path it writes the whole
// dataset atomically after every change.
type Storage struct {
	mu       sync.RWMutex
	filePath string
	data     dataset
	now      func() time.Time
	// persistOverride allows tests to intercept persist operations.
	persistOverride func(dataset) error
}

var _ Repository = (*Storage)(nil)

// MemoryOption configures a Storage.
type MemoryOption func(*Storage)

// WithFile persists the dataset to path.
func WithFile(path string) MemoryOption {
	return func(s *Storage) {
		s.filePath = strings.TrimSpace(path)
	}
}

func WithClock(now func() time.Time) MemoryOption {
	return func(s *Storage) {
		if now != nil {
			s.now = now
		}
	}
}

func NewStorage(opts ...MemoryOption) (*Storage, error) {
	store := &Storage{data: newDataset(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}
	if err := store.load(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *Storage) load() error {
	if s.filePath == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.filePath), 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	file, err := os.Open(s.filePath)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	} else if err != nil {
		return fmt.Errorf("open store file: %w", err)
	}
	defer file.Close()

	var data dataset
	if err := json.NewDecoder(file).Decode(&data); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode store file: %w", err)
	}
	data.ensureInitialized()
	s.data = data
	return nil
}

func (s *Storage) persist() error {
	if s.persistOverride != nil {
		if err := s.persistOverride(s.data); err != nil {
			return err
		}
	}
	if s.filePath == "" {
		return nil
	}

	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	tmpFile, err := os.CreateTemp(dir, "store-*.json")
	if err != nil {
		return fmt.Errorf("create temp store file: %w", err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s.data); err != nil {
		return fmt.Errorf("encode store file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("flush store file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp store file: %w", err)
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return fmt.Errorf("replace store file: %w", err)
	}
	success = true
	return nil
}

func (s *Storage) Ping(context.Context) error {
	return nil
}

func (s *Storage) Close(context.Context) error {
	return nil
}

// CreateConversation stores conv, assigning an id when it has none.
func (s *Storage) CreateConversation(_ context.Context, conv models.Conversation) (models.Conversation, error) {
	conv, err := normalizeConversation(conv, s.now())
	if err != nil {
		return models.Conversation{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.data.Conversations[conv.ID]; exists {
		return models.Conversation{}, apperr.InvalidInput("conversation %s already exists", conv.ID)
	}
	s.data.Conversations[conv.ID] = conv
	if err := s.persist(); err != nil {
		delete(s.data.Conversations, conv.ID)
		return models.Conversation{}, err
	}
	return cloneConversation(conv), nil
}

func (s *Storage) GetConversation(_ context.Context, id string) (models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.data.Conversations[id]
	if !ok {
		return models.Conversation{}, apperr.NotFound("conversation %s not found", id)
	}
	return cloneConversation(conv), nil
}

func (s *Storage) AddParticipant(_ context.Context, conversationID, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return apperr.InvalidInput("participant id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.data.Conversations[conversationID]
	if !ok {
		return apperr.NotFound("conversation %s not found", conversationID)
	}
	if conv.HasParticipant(userID) {
		return nil
	}
	previous := conv
	conv.ParticipantIDs = append(append([]string(nil), conv.ParticipantIDs...), userID)
	conv.UpdatedAt = s.now().UTC()
	s.data.Conversations[conversationID] = conv
	if err := s.persist(); err != nil {
		s.data.Conversations[conversationID] = previous
		return err
	}
	return nil
}

func (s *Storage) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.data.Conversations[conversationID]
	if !ok {
		return false, apperr.NotFound("conversation %s not found", conversationID)
	}
	return conv.HasParticipant(userID), nil
}

func (s *Storage) Participants(_ context.Context, conversationID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	conv, ok := s.data.Conversations[conversationID]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", conversationID)
	}
	return append([]string(nil), conv.ParticipantIDs...), nil
}

func (s *Storage) CreateMessage(_ context.Context, msg models.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return apperr.InvalidInput("message id and conversation id are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	conv, ok := s.data.Conversations[msg.ConversationID]
	if !ok {
		return apperr.NotFound("conversation %s not found", msg.ConversationID)
	}
	previous := s.data.Messages[msg.ConversationID]
	s.data.Messages[msg.ConversationID] = append(previous[:len(previous):len(previous)], msg)
	conv.UpdatedAt = msg.CreatedAt
	s.data.Conversations[msg.ConversationID] = conv
	if err := s.persist(); err != nil {
		s.data.Messages[msg.ConversationID] = previous
		return err
	}
	return nil
}

// ListMessages returns the most recent limit messages, oldest first.
func (s *Storage) ListMessages(_ context.Context, conversationID string, limit int) ([]models.Message, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.data.Conversations[conversationID]; !ok {
		return nil, apperr.NotFound("conversation %s not found", conversationID)
	}
	messages := s.data.Messages[conversationID]
	if len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	return append([]models.Message(nil), messages...), nil
}

func (s *Storage) MarkRead(_ context.Context, marker models.ReadMarker) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data.Conversations[marker.ConversationID]; !ok {
		return apperr.NotFound("conversation %s not found", marker.ConversationID)
	}
	markers := s.data.ReadMarkers[marker.ConversationID]
	if markers == nil {
		markers = make(map[string]time.Time)
		s.data.ReadMarkers[marker.ConversationID] = markers
	}
	previous, had := markers[marker.UserID]
	if had && !marker.ReadAt.After(previous) {
		return nil
	}
	markers[marker.UserID] = marker.ReadAt.UTC()
	if err := s.persist(); err != nil {
		if had {
			markers[marker.UserID] = previous
		} else {
			delete(markers, marker.UserID)
		}
		return err
	}
	return nil
}

func (s *Storage) ReadMarkers(_ context.Context, conversationID string) ([]models.ReadMarker, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.ReadMarker, 0, len(s.data.ReadMarkers[conversationID]))
	for userID, at := range s.data.ReadMarkers[conversationID] {
		out = append(out, models.ReadMarker{ConversationID: conversationID, UserID: userID, ReadAt: at})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

// SaveNotification stores n. Saving the same notification id twice is a
// no-op so redelivered bus events do not duplicate it.
func (s *Storage) SaveNotification(_ context.Context, n models.Notification) error {
	if n.RecipientID == "" {
		return apperr.InvalidInput("notification recipient is required")
	}
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous := s.data.Notifications[n.RecipientID]
	for _, existing := range previous {
		if existing.ID == n.ID {
			return nil
		}
	}
	s.data.Notifications[n.RecipientID] = append(previous[:len(previous):len(previous)], n)
	if err := s.persist(); err != nil {
		s.data.Notifications[n.RecipientID] = previous
		return err
	}
	return nil
}

// ListNotifications returns a recipient's notifications, newest first.
func (s *Storage) ListNotifications(_ context.Context, recipientID string, unreadOnly bool, limit int) ([]models.Notification, error) {
	limit = clampLimit(limit)
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.data.Notifications[recipientID]
	out := make([]models.Notification, 0, len(all))
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		if unreadOnly && all[i].ReadAt != nil {
			continue
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (s *Storage) MarkNotificationRead(_ context.Context, recipientID, notificationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.data.Notifications[recipientID]
	for i := range list {
		if list[i].ID != notificationID {
			continue
		}
		if list[i].ReadAt != nil {
			return nil
		}
		readAt := at.UTC()
		list[i].ReadAt = &readAt
		if err := s.persist(); err != nil {
			list[i].ReadAt = nil
			return err
		}
		return nil
	}
	return apperr.NotFound("notification %s not found", notificationID)
}

func (s *Storage) SaveSession(_ context.Context, session models.LiveSession) error {
	if session.ID == "" {
		return apperr.InvalidInput("live session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	previous, had := s.data.LiveSessions[session.ID]
	s.data.LiveSessions[session.ID] = session.Clone()
	if err := s.persist(); err != nil {
		if had {
			s.data.LiveSessions[session.ID] = previous
		} else {
			delete(s.data.LiveSessions, session.ID)
		}
		return err
	}
	return nil
}

func (s *Storage) LoadSessions(context.Context) ([]models.LiveSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LiveSession, 0, len(s.data.LiveSessions))
	for _, session := range s.data.LiveSessions {
		out = append(out, session.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func normalizeConversation(conv models.Conversation, now time.Time) (models.Conversation, error) {
	conv.ID = strings.TrimSpace(conv.ID)
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if strings.HasPrefix(conv.ID, "livestream:") {
		return models.Conversation{}, apperr.InvalidInput("conversation id %q uses the live room prefix", conv.ID)
	}
	seen := make(map[string]struct{}, len(conv.ParticipantIDs))
	participants := make([]string, 0, len(conv.ParticipantIDs))
	for _, id := range conv.ParticipantIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		participants = append(participants, id)
	}
	if len(participants) == 0 {
		return models.Conversation{}, apperr.InvalidInput("conversation needs at least one participant")
	}
	conv.ParticipantIDs = participants
	conv.Title = strings.TrimSpace(conv.Title)
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now.UTC()
	}
	conv.UpdatedAt = conv.CreatedAt
	return conv, nil
}

func cloneConversation(conv models.Conversation) models.Conversation {
	conv.ParticipantIDs = append([]string(nil), conv.ParticipantIDs...)
	return conv
}
