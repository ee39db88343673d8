package main

import (
	"context"
	"log/slog"
	"time"
)

type sessionPurger interface {
	PurgeExpired(ctx context.Context) (int, error)
}

type purgeTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct {
	ticker *time.Ticker
}

func (t timeTicker) C() <-chan time.Time {
	return t.ticker.C
}

func (t timeTicker) Stop() {
	t.ticker.Stop()
}

type tickerFactory func(time.Duration) purgeTicker

func sessionPurgeTask(logger *slog.Logger, sessions sessionPurger, interval time.Duration) func(context.Context) error {
	return sessionPurgeTaskWithTicker(logger, sessions, interval, func(d time.Duration) purgeTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

// sessionPurgeTaskWithTicker drops expired sessions every interval until ctx
// is done. A failed purge is logged and retried on the next tick.
func sessionPurgeTaskWithTicker(logger *slog.Logger, sessions sessionPurger, interval time.Duration, newTicker tickerFactory) func(context.Context) error {
	return func(ctx context.Context) error {
		if sessions == nil || interval <= 0 {
			<-ctx.Done()
			return nil
		}
		ticker := newTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C():
				purged, err := sessions.PurgeExpired(ctx)
				if err != nil {
					if logger != nil {
						logger.Error("failed to purge expired sessions", "error", err)
					}
					continue
				}
				if purged > 0 && logger != nil {
					logger.Info("purged expired sessions", "count", purged)
				}
			}
		}
	}
}
