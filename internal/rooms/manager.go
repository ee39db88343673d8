// Package rooms tracks which connected identities have joined which logical
// rooms and delivers room events to them, falling back to durable
// notifications for conversation participants who are not listening.
package rooms

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"pulse-live/internal/apperr"
)

// LivePrefix marks room ids that refer to live sessions.
const LivePrefix = "livestream:"

type Kind int

const (
	KindConversation Kind = iota
	KindLive
)

func (k Kind) String() string {
	if k == KindLive {
		return "live"
	}
	return "conversation"
}

// Room is a parsed room id. Target is the conversation or session id.
type Room struct {
	ID     string
	Kind   Kind
	Target string
}

// ParseRoom classifies a room id.
func ParseRoom(id string) (Room, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return Room{}, apperr.InvalidInput("room id is required")
	}
	if strings.HasPrefix(id, LivePrefix) {
		target := strings.TrimPrefix(id, LivePrefix)
		if target == "" {
			return Room{}, apperr.InvalidInput("live room %q has no session id", id)
		}
		return Room{ID: id, Kind: KindLive, Target: target}, nil
	}
	return Room{ID: id, Kind: KindConversation, Target: id}, nil
}

// LiveRoom returns the room id for a live session.
func LiveRoom(sessionID string) string {
	return LivePrefix + sessionID
}

// Directory answers conversation membership questions. IsParticipant returns
// a NotFound error when the conversation does not exist.
type Directory interface {
	IsParticipant(ctx context.Context, conversationID, userID string) (bool, error)
	Participants(ctx context.Context, conversationID string) ([]string, error)
}

// LiveAccess applies live-session visibility and ban checks.
type LiveAccess interface {
	CanView(ctx context.Context, sessionID, userID string) error
}

type ManagerConfig struct {
	Directory Directory
	Live      LiveAccess
	Logger    *slog.Logger
}

// Manager holds both directions of the membership index under one lock.
type Manager struct {
	mu     sync.RWMutex
	byUser map[string]map[string]struct{}
	byRoom map[string]map[string]struct{}

	directory Directory
	live      LiveAccess
	logger    *slog.Logger
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		byUser:    make(map[string]map[string]struct{}),
		byRoom:    make(map[string]map[string]struct{}),
		directory: cfg.Directory,
		live:      cfg.Live,
		logger:    cfg.Logger,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Open creates the empty membership set for a newly connected user.
func (m *Manager) Open(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byUser[userID]; !ok {
		m.byUser[userID] = make(map[string]struct{})
	}
}

// Drop removes every membership of userID and returns the rooms it held.
func (m *Manager) Drop(userID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		return nil
	}
	delete(m.byUser, userID)
	rooms := make([]string, 0, len(set))
	for roomID := range set {
		m.removeMemberLocked(roomID, userID)
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

// Join subscribes userID to roomID after the access checks for the room kind.
// Joining a room twice is a no-op.
func (m *Manager) Join(ctx context.Context, userID, roomID string) error {
	room, err := ParseRoom(roomID)
	if err != nil {
		return err
	}
	if !m.connected(userID) {
		return apperr.Authentication("user %s has no open channel", userID)
	}
	if err := m.authorize(ctx, room, userID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		return apperr.Authentication("user %s disconnected", userID)
	}
	set[room.ID] = struct{}{}
	members, ok := m.byRoom[room.ID]
	if !ok {
		members = make(map[string]struct{})
		m.byRoom[room.ID] = members
	}
	members[userID] = struct{}{}
	return nil
}

func (m *Manager) authorize(ctx context.Context, room Room, userID string) error {
	switch room.Kind {
	case KindLive:
		if m.live == nil {
			return apperr.New(apperr.KindInternal, "live access is not configured")
		}
		return m.live.CanView(ctx, room.Target, userID)
	default:
		if m.directory == nil {
			return apperr.New(apperr.KindInternal, "conversation directory is not configured")
		}
		ok, err := m.directory.IsParticipant(ctx, room.Target, userID)
		if err != nil {
			return err
		}
		if !ok {
			return apperr.Forbidden("user %s is not a participant of %s", userID, room.Target)
		}
		return nil
	}
}

// Leave unsubscribes userID from roomID. It reports whether a membership was
// removed; leaving a room one is not in is not an error.
func (m *Manager) Leave(userID, roomID string) bool {
	roomID = strings.TrimSpace(roomID)
	m.mu.Lock()
	defer m.mu.Unlock()
	set, ok := m.byUser[userID]
	if !ok {
		return false
	}
	if _, member := set[roomID]; !member {
		return false
	}
	delete(set, roomID)
	m.removeMemberLocked(roomID, userID)
	return true
}

func (m *Manager) removeMemberLocked(roomID, userID string) {
	members, ok := m.byRoom[roomID]
	if !ok {
		return
	}
	delete(members, userID)
	if len(members) == 0 {
		delete(m.byRoom, roomID)
	}
}

// MembersOf lists the users subscribed to roomID, sorted.
func (m *Manager) MembersOf(roomID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byRoom[roomID])
}

// RoomsOf lists the rooms userID has joined, sorted.
func (m *Manager) RoomsOf(userID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedKeys(m.byUser[userID])
}

func (m *Manager) IsMember(userID, roomID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byRoom[roomID][userID]
	return ok
}

func (m *Manager) connected(userID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byUser[userID]
	return ok
}

func sortedKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
