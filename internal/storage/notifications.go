package storage

import (
	"context"
	"fmt"
	"log/slog"

	"pulse-live/internal/events"
	"pulse-live/internal/models"
	"pulse-live/internal/observability/metrics"
)

// NotificationSink is the part of Repository that stores notifications.
type NotificationSink interface {
	SaveNotification(ctx context.Context, n models.Notification) error
}

// StoreNotifier writes notifications straight to the repository.
type StoreNotifier struct {
	Sink NotificationSink
}

func (n StoreNotifier) Notify(ctx context.Context, notification models.Notification) error {
	return n.Sink.SaveNotification(ctx, notification)
}

// QueueNotifier publishes notification.created envelopes so a
// NotificationWorker can persist them off the delivery path.
type QueueNotifier struct {
	Queue events.Queue
}

func (n QueueNotifier) Notify(ctx context.Context, notification models.Notification) error {
	env, err := events.New(events.TypeNotificationCreated, notification.RoomID, notification.ActorID, notification)
	if err != nil {
		return err
	}
	env.OccurredAt = notification.CreatedAt
	if err := n.Queue.Publish(ctx, env); err != nil {
		return fmt.Errorf("publish notification: %w", err)
	}
	return nil
}

// NotificationWorker consumes notification.created events and persists them.
type NotificationWorker struct {
	queue   events.Queue
	sink    NotificationSink
	logger  *slog.Logger
	metrics *metrics.Recorder
}

func NewNotificationWorker(sink NotificationSink, queue events.Queue, logger *slog.Logger, recorder *metrics.Recorder) *NotificationWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NotificationWorker{queue: queue, sink: sink, logger: logger, metrics: recorder}
}

// Run blocks until ctx is cancelled or the subscription closes. Other event
// types on the bus are ignored.
func (w *NotificationWorker) Run(ctx context.Context) error {
	if w.queue == nil || w.sink == nil {
		return nil
	}
	sub := w.queue.Subscribe()
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if env.Type != events.TypeNotificationCreated {
				continue
			}
			err := w.apply(ctx, env)
			w.metrics.ObserveBusEvent(string(env.Type), err)
			if err != nil {
				w.logger.Error("failed to store notification", "event_id", env.ID, "error", err)
			}
		}
	}
}

func (w *NotificationWorker) apply(ctx context.Context, env events.Envelope) error {
	var n models.Notification
	if err := env.Decode(&n); err != nil {
		return fmt.Errorf("decode notification: %w", err)
	}
	return w.sink.SaveNotification(ctx, n)
}
