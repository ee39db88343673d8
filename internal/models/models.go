package models

import (
	"encoding/json"
	"time"
)

// LiveStatus is the lifecycle state of a live session.
type LiveStatus string

const (
	LiveScheduled LiveStatus = "scheduled"
	LiveLive      LiveStatus = "live"
	LiveEnded     LiveStatus = "ended"
	LiveFailed    LiveStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s LiveStatus) Terminal() bool {
	return s == LiveEnded || s == LiveFailed
}

// Valid reports whether s is a known status.
func (s LiveStatus) Valid() bool {
	switch s {
	case LiveScheduled, LiveLive, LiveEnded, LiveFailed:
		return true
	}
	return false
}

type LiveSettings struct {
	AllowComments  bool `json:"allowComments"`
	AllowReactions bool `json:"allowReactions"`
}

// DefaultLiveSettings enables comments and reactions.
func DefaultLiveSettings() LiveSettings {
	return LiveSettings{AllowComments: true, AllowReactions: true}
}

type Viewer struct {
	UserID   string     `json:"userId"`
	JoinedAt time.Time  `json:"joinedAt"`
	LeftAt   *time.Time `json:"leftAt,omitempty"`
}

// Active reports whether the viewer is still watching.
func (v Viewer) Active() bool {
	return v.LeftAt == nil
}

type LiveComment struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

type LiveReaction struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userId"`
	Type      string    `json:"type"`
	CreatedAt time.Time `json:"createdAt"`
}

type LiveSession struct {
	ID                 string         `json:"id"`
	OwnerID            string         `json:"ownerId"`
	Title              string         `json:"title"`
	Status             LiveStatus     `json:"status"`
	ScheduledFor       *time.Time     `json:"scheduledFor,omitempty"`
	StartedAt          *time.Time     `json:"startedAt,omitempty"`
	EndedAt            *time.Time     `json:"endedAt,omitempty"`
	DurationSeconds    int64          `json:"durationSeconds"`
	FailureReason      string         `json:"failureReason,omitempty"`
	IsPrivate          bool           `json:"isPrivate"`
	AllowedViewerIDs   []string       `json:"allowedViewerIds,omitempty"`
	BannedUserIDs      []string       `json:"bannedUserIds,omitempty"`
	Settings           LiveSettings   `json:"settings"`
	Viewers            []Viewer       `json:"viewers"`
	CurrentViewerCount int            `json:"currentViewerCount"`
	PeakViewerCount    int            `json:"peakViewerCount"`
	TotalUniqueViewers int            `json:"totalUniqueViewers"`
	Comments           []LiveComment  `json:"comments"`
	Reactions          []LiveReaction `json:"reactions"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

// Clone returns a deep copy safe to hand outside the owning lock.
func (s LiveSession) Clone() LiveSession {
	out := s
	out.ScheduledFor = cloneTime(s.ScheduledFor)
	out.StartedAt = cloneTime(s.StartedAt)
	out.EndedAt = cloneTime(s.EndedAt)
	out.AllowedViewerIDs = append([]string(nil), s.AllowedViewerIDs...)
	out.BannedUserIDs = append([]string(nil), s.BannedUserIDs...)
	out.Viewers = make([]Viewer, len(s.Viewers))
	for i, v := range s.Viewers {
		v.LeftAt = cloneTime(v.LeftAt)
		out.Viewers[i] = v
	}
	out.Comments = append([]LiveComment(nil), s.Comments...)
	out.Reactions = append([]LiveReaction(nil), s.Reactions...)
	return out
}

// ForViewer returns the copy userID may see: access lists stay with the owner.
func (s LiveSession) ForViewer(userID string) LiveSession {
	out := s.Clone()
	if userID != s.OwnerID {
		out.AllowedViewerIDs = nil
		out.BannedUserIDs = nil
	}
	return out
}

// IsBanned reports whether userID is on the ban list.
func (s LiveSession) IsBanned(userID string) bool {
	return containsString(s.BannedUserIDs, userID)
}

// IsAllowed reports whether userID may see a private session.
func (s LiveSession) IsAllowed(userID string) bool {
	return !s.IsPrivate || userID == s.OwnerID || containsString(s.AllowedViewerIDs, userID)
}

type Conversation struct {
	ID             string    `json:"id"`
	ParticipantIDs []string  `json:"participantIds"`
	Title          string    `json:"title,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// HasParticipant reports whether userID belongs to the conversation.
func (c Conversation) HasParticipant(userID string) bool {
	return containsString(c.ParticipantIDs, userID)
}

type MessageMedia struct {
	URL      string `json:"url" validate:"required,url"`
	Type     string `json:"type" validate:"required,oneof=image video audio file"`
	MimeType string `json:"mimeType,omitempty"`
}

type Message struct {
	ID              string         `json:"id"`
	ConversationID  string         `json:"conversationId"`
	AuthorID        string         `json:"authorId"`
	Text            string         `json:"text,omitempty"`
	Media           []MessageMedia `json:"media,omitempty"`
	ReplyTo         string         `json:"replyTo,omitempty"`
	ClientMessageID string         `json:"clientMessageId,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
}

type ReadMarker struct {
	ConversationID string    `json:"conversationId"`
	UserID         string    `json:"userId"`
	ReadAt         time.Time `json:"readAt"`
}

// Notification is the durable record a participant receives instead of a
// live delivery.
type Notification struct {
	ID          string          `json:"id"`
	RecipientID string          `json:"recipientId"`
	ActorID     string          `json:"actorId,omitempty"`
	RoomID      string          `json:"roomId"`
	EventID     string          `json:"eventId"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	ReadAt      *time.Time      `json:"readAt,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
