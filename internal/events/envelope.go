// Package events defines the versioned envelope carried on the realtime
// channel and the event bus, the bus implementations, and the adapter that
// maps legacy client command names onto the canonical ones.
package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SchemaVersion is stamped on every envelope.
const SchemaVersion = 1

// Type names an event flowing through rooms or the bus.
type Type string

const (
	TypePresenceChanged     Type = "presence.changed"
	TypeMessageCreated      Type = "message.created"
	TypeMessageRead         Type = "message.read"
	TypeTypingStarted       Type = "typing.started"
	TypeTypingStopped       Type = "typing.stopped"
	TypeLiveStarted         Type = "livestream.started"
	TypeLiveEnded           Type = "livestream.ended"
	TypeViewerJoined        Type = "livestream.viewer_joined"
	TypeViewerLeft          Type = "livestream.viewer_left"
	TypeLiveComment         Type = "livestream.comment"
	TypeLiveReaction        Type = "livestream.reaction"
	TypeNotificationCreated Type = "notification.created"
)

// Envelope is the single wire shape for published events.
type Envelope struct {
	V          int             `json:"v"`
	ID         string          `json:"id"`
	Type       Type            `json:"type"`
	Room       string          `json:"room,omitempty"`
	ActorID    string          `json:"actorId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// New builds an envelope with a fresh id and the payload encoded as JSON.
func New(eventType Type, room, actorID string, payload any) (Envelope, error) {
	if eventType == "" {
		return Envelope{}, errors.New("event type is required")
	}
	env := Envelope{
		V:          SchemaVersion,
		ID:         uuid.NewString(),
		Type:       eventType,
		Room:       room,
		ActorID:    actorID,
		OccurredAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
		}
		env.Payload = raw
	}
	return env, nil
}

// MustNew is New for payloads that are known to encode.
func MustNew(eventType Type, room, actorID string, payload any) Envelope {
	env, err := New(eventType, room, actorID, payload)
	if err != nil {
		panic(err)
	}
	return env
}

// Decode unmarshals the payload into dest.
func (e Envelope) Decode(dest any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", e.Type)
	}
	return json.Unmarshal(e.Payload, dest)
}

// Validate rejects envelopes that cannot be routed.
func (e Envelope) Validate() error {
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.V <= 0 || e.V > SchemaVersion {
		return fmt.Errorf("unsupported envelope version %d", e.V)
	}
	return nil
}
