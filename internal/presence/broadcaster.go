package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulse-live/internal/events"
	"pulse-live/internal/observability/metrics"
)

// PresenceChange is a net online/offline transition for one identity.
type PresenceChange struct {
	UserID  string      `json:"userId"`
	Online  bool        `json:"online"`
	Display DisplayInfo `json:"display"`
	At      time.Time   `json:"at"`
}

// BroadcasterConfig wires the optional event bus bridge.
type BroadcasterConfig struct {
	Queue   events.Queue
	Outbox  int
	Logger  *slog.Logger
	Metrics *metrics.Recorder
}

// Broadcaster fans presence changes out to in-process subscribers and, when a
// queue is configured, to the event bus. Announce never blocks: slow
// subscribers and a full outbox drop changes.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[*PresenceSubscription]struct{}

	queue   events.Queue
	outbox  chan PresenceChange
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewBroadcaster(cfg BroadcasterConfig) *Broadcaster {
	b := &Broadcaster{
		subs:    make(map[*PresenceSubscription]struct{}),
		queue:   cfg.Queue,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if b.logger == nil {
		b.logger = slog.Default()
	}
	if b.queue != nil {
		size := cfg.Outbox
		if size <= 0 {
			size = 256
		}
		b.outbox = make(chan PresenceChange, size)
	}
	return b
}

func (b *Broadcaster) Announce(change PresenceChange) {
	b.mu.RLock()
	for sub := range b.subs {
		select {
		case sub.ch <- change:
		default:
			b.logger.Debug("presence subscriber full, dropping change", "user_id", change.UserID)
		}
	}
	b.mu.RUnlock()

	if b.outbox == nil {
		return
	}
	select {
	case b.outbox <- change:
	default:
		b.logger.Warn("presence outbox full, dropping bus publish", "user_id", change.UserID)
	}
}

// Subscribe registers an in-process listener.
func (b *Broadcaster) Subscribe(buffer int) *PresenceSubscription {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &PresenceSubscription{owner: b, ch: make(chan PresenceChange, buffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Run publishes queued changes to the event bus until ctx is done. It returns
// immediately when no queue is configured.
func (b *Broadcaster) Run(ctx context.Context) error {
	if b.outbox == nil {
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case change := <-b.outbox:
			b.publish(ctx, change)
		}
	}
}

func (b *Broadcaster) publish(ctx context.Context, change PresenceChange) {
	env, err := events.New(events.TypePresenceChanged, "", change.UserID, change)
	if err == nil {
		env.OccurredAt = change.At.UTC()
		err = b.queue.Publish(ctx, env)
	}
	b.metrics.ObserveBusEvent(string(events.TypePresenceChanged), err)
	if err != nil && ctx.Err() == nil {
		b.logger.Error("publish presence change", "user_id", change.UserID, "error", err)
	}
}

// PresenceSubscription is one listener's stream of changes.
type PresenceSubscription struct {
	once  sync.Once
	owner *Broadcaster
	ch    chan PresenceChange
}

func (s *PresenceSubscription) Events() <-chan PresenceChange {
	return s.ch
}

func (s *PresenceSubscription) Close() {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.ch)
	})
}
