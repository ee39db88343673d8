package rooms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse-live/internal/events"
	"pulse-live/internal/models"
	"pulse-live/internal/observability/metrics"
)

// Deliverer writes an encoded frame to a user's current channel. It returns
// false when the user has no open channel or the channel cannot accept it.
type Deliverer interface {
	Deliver(userID string, frame []byte) bool
}

// Notifier stores a durable notification for a participant who missed the
// live delivery.
type Notifier interface {
	Notify(ctx context.Context, n models.Notification) error
}

type FanoutConfig struct {
	Rooms     *Manager
	Directory Directory
	Deliverer Deliverer
	Notifier  Notifier
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Clock     func() time.Time
}

// PublishReport counts the outcome of one Publish.
type PublishReport struct {
	Delivered int
	Notified  int
	Failed    int
}

// Fanout delivers room events. Publishes to one room are serialised so every
// subscriber observes them in call order.
type Fanout struct {
	rooms     *Manager
	directory Directory
	deliverer Deliverer
	notifier  Notifier
	logger    *slog.Logger
	metrics   *metrics.Recorder
	now       func() time.Time

	mu    sync.Mutex
	locks map[string]*roomLock
}

type roomLock struct {
	mu   sync.Mutex
	refs int
}

func NewFanout(cfg FanoutConfig) *Fanout {
	f := &Fanout{
		rooms:     cfg.Rooms,
		directory: cfg.Directory,
		deliverer: cfg.Deliverer,
		notifier:  cfg.Notifier,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		now:       cfg.Clock,
		locks:     make(map[string]*roomLock),
	}
	if f.logger == nil {
		f.logger = slog.Default()
	}
	if f.now == nil {
		f.now = time.Now
	}
	return f
}

// SetDeliverer wires the transport once it exists.
func (f *Fanout) SetDeliverer(d Deliverer) {
	f.mu.Lock()
	f.deliverer = d
	f.mu.Unlock()
}

// Publish sends env to every subscriber of roomID. For conversation rooms each
// participant other than the actor who did not receive the live frame gets a
// notification instead, so every participant sees the event through exactly
// one path.
func (f *Fanout) Publish(ctx context.Context, roomID string, env events.Envelope) (PublishReport, error) {
	return f.publish(ctx, roomID, env, true)
}

// Broadcast sends env to current subscribers only. Used for ephemeral events
// such as typing indicators that never become notifications.
func (f *Fanout) Broadcast(ctx context.Context, roomID string, env events.Envelope) (PublishReport, error) {
	return f.publish(ctx, roomID, env, false)
}

func (f *Fanout) publish(ctx context.Context, roomID string, env events.Envelope, durable bool) (PublishReport, error) {
	var report PublishReport
	room, err := ParseRoom(roomID)
	if err != nil {
		return report, err
	}
	env.Room = room.ID
	frame, err := events.EncodeEvent(env)
	if err != nil {
		return report, fmt.Errorf("encode %s frame: %w", env.Type, err)
	}

	var participants []string
	if durable && room.Kind == KindConversation && f.directory != nil {
		participants, err = f.directory.Participants(ctx, room.Target)
		if err != nil {
			return report, err
		}
	}

	delivered, missed := f.deliverLive(room.ID, frame)
	report.Delivered = len(delivered)

	if durable && room.Kind == KindConversation {
		f.notifyMissed(ctx, env, participants, delivered, &report)
		for _, userID := range missed {
			if !containsString(participants, userID) {
				report.Failed++
			}
		}
	} else {
		report.Failed = len(missed)
	}

	f.metrics.ObserveFanout("live", report.Delivered)
	f.metrics.ObserveFanout("notification", report.Notified)
	f.metrics.ObserveFanout("failed", report.Failed)
	return report, nil
}

func (f *Fanout) deliverLive(roomID string, frame []byte) (map[string]bool, []string) {
	unlock := f.lockRoom(roomID)
	defer unlock()

	f.mu.Lock()
	deliverer := f.deliverer
	f.mu.Unlock()

	members := f.rooms.MembersOf(roomID)
	delivered := make(map[string]bool, len(members))
	var missed []string
	for _, userID := range members {
		if deliverer != nil && deliverer.Deliver(userID, frame) {
			delivered[userID] = true
			continue
		}
		f.logger.Debug("live delivery failed", "room", roomID, "user_id", userID)
		missed = append(missed, userID)
	}
	return delivered, missed
}

func (f *Fanout) notifyMissed(ctx context.Context, env events.Envelope, participants []string, delivered map[string]bool, report *PublishReport) {
	for _, userID := range participants {
		if userID == env.ActorID || delivered[userID] {
			continue
		}
		if f.notifier == nil {
			report.Failed++
			continue
		}
		n := models.Notification{
			ID:          uuid.NewString(),
			RecipientID: userID,
			ActorID:     env.ActorID,
			RoomID:      env.Room,
			EventID:     env.ID,
			EventType:   string(env.Type),
			Payload:     env.Payload,
			CreatedAt:   f.now().UTC(),
		}
		if err := f.notifier.Notify(ctx, n); err != nil {
			report.Failed++
			f.logger.Error("store notification", "room", env.Room, "recipient_id", userID, "error", err)
			continue
		}
		report.Notified++
	}
}

func (f *Fanout) lockRoom(roomID string) func() {
	f.mu.Lock()
	lock, ok := f.locks[roomID]
	if !ok {
		lock = &roomLock{}
		f.locks[roomID] = lock
	}
	lock.refs++
	f.mu.Unlock()

	lock.mu.Lock()
	return func() {
		lock.mu.Unlock()
		f.mu.Lock()
		lock.refs--
		if lock.refs == 0 {
			delete(f.locks, roomID)
		}
		f.mu.Unlock()
	}
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
