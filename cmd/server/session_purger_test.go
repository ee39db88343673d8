package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

type fakeSessionManager struct {
	calls chan struct{}
	err   error
}

func newFakeSessionManager() *fakeSessionManager {
	return &fakeSessionManager{calls: make(chan struct{}, 1)}
}

func (f *fakeSessionManager) PurgeExpired(context.Context) (int, error) {
	select {
	case f.calls <- struct{}{}:
	default:
	}
	return 1, f.err
}

type manualTicker struct {
	c       chan time.Time
	stopped chan struct{}
}

func newManualTicker() *manualTicker {
	return &manualTicker{
		c:       make(chan time.Time, 1),
		stopped: make(chan struct{}),
	}
}

func (m *manualTicker) C() <-chan time.Time {
	return m.c
}

func (m *manualTicker) Stop() {
	select {
	case <-m.stopped:
		return
	default:
		close(m.stopped)
	}
}

func (m *manualTicker) Tick() {
	select {
	case m.c <- time.Now():
	default:
	}
}

func startPurgeTask(t *testing.T, sessions sessionPurger, ticker *manualTicker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	run := sessionPurgeTaskWithTicker(logger, sessions, time.Minute, func(time.Duration) purgeTicker {
		return ticker
	})
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	return cancel, done
}

func TestSessionPurgeTask(t *testing.T) {
	ticker := newManualTicker()
	sessions := newFakeSessionManager()
	cancel, done := startPurgeTask(t, sessions, ticker)
	defer cancel()

	ticker.Tick()
	select {
	case <-sessions.calls:
	case <-time.After(time.Second):
		t.Fatal("expected purge to be invoked")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("purge task returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected purge task to return after cancellation")
	}
	select {
	case <-ticker.stopped:
	default:
		t.Fatal("expected ticker to stop after context cancellation")
	}
}

func TestSessionPurgeTaskSurvivesErrors(t *testing.T) {
	ticker := newManualTicker()
	sessions := newFakeSessionManager()
	sessions.err = errors.New("store unavailable")
	cancel, done := startPurgeTask(t, sessions, ticker)
	defer cancel()

	for i := 0; i < 2; i++ {
		ticker.Tick()
		select {
		case <-sessions.calls:
		case <-time.After(time.Second):
			t.Fatalf("expected purge %d to be invoked", i+1)
		}
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("purge task returned %v", err)
	}
}

func TestSessionPurgeTaskDisabled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	run := sessionPurgeTask(nil, nil, time.Minute)
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("disabled purge task returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected disabled purge task to wait for cancellation")
	}
}
