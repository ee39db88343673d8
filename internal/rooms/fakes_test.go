package rooms

import (
	"context"
	"encoding/json"
	"sync"

	"pulse-live/internal/apperr"
	"pulse-live/internal/events"
	"pulse-live/internal/models"
)

type fakeDirectory struct {
	conversations map[string][]string
}

func (d fakeDirectory) IsParticipant(_ context.Context, conversationID, userID string) (bool, error) {
	participants, ok := d.conversations[conversationID]
	if !ok {
		return false, apperr.NotFound("conversation %s not found", conversationID)
	}
	for _, p := range participants {
		if p == userID {
			return true, nil
		}
	}
	return false, nil
}

func (d fakeDirectory) Participants(_ context.Context, conversationID string) ([]string, error) {
	participants, ok := d.conversations[conversationID]
	if !ok {
		return nil, apperr.NotFound("conversation %s not found", conversationID)
	}
	return participants, nil
}

type fakeLiveAccess struct {
	banned map[string]bool
}

func (f fakeLiveAccess) CanView(_ context.Context, sessionID, userID string) error {
	if sessionID == "missing" {
		return apperr.NotFound("live session %s not found", sessionID)
	}
	if f.banned[userID] {
		return apperr.Forbidden("user %s is banned", userID)
	}
	return nil
}

type recordingDeliverer struct {
	mu     sync.Mutex
	frames map[string][]events.Frame
	refuse map[string]bool
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{frames: make(map[string][]events.Frame), refuse: make(map[string]bool)}
}

func (d *recordingDeliverer) Deliver(userID string, frame []byte) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.refuse[userID] {
		return false
	}
	var decoded events.Frame
	if err := json.Unmarshal(frame, &decoded); err != nil {
		return false
	}
	d.frames[userID] = append(d.frames[userID], decoded)
	return true
}

func (d *recordingDeliverer) received(userID string) []events.Frame {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]events.Frame(nil), d.frames[userID]...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	items []models.Notification
	err   error
}

func (n *recordingNotifier) Notify(_ context.Context, item models.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.items = append(n.items, item)
	return nil
}

func (n *recordingNotifier) recipients() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.items))
	for _, item := range n.items {
		out = append(out, item.RecipientID)
	}
	return out
}
