package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"pulse-live/internal/observability/metrics"
)

const (
	DefaultReapInterval = 15 * time.Minute
	DefaultStaleAfter   = 15 * time.Minute
)

// ChannelCloser force-closes a transport channel. Closing a channel that no
// longer exists is not an error.
type ChannelCloser interface {
	CloseChannel(handle string) error
}

// OpenChannels reports whether the transport still holds a handle open.
type OpenChannels interface {
	IsOpen(handle string) bool
}

// DepartureHandler runs disconnect side effects for evicted entries.
type DepartureHandler interface {
	Departed(ctx context.Context, dep Departure)
}

// SessionExpirer applies the live-session timeout policy.
type SessionExpirer interface {
	ExpireSessions(ctx context.Context, now time.Time) (int, error)
}

type ReaperConfig struct {
	Interval   time.Duration
	StaleAfter time.Duration
	Closer     ChannelCloser
	Open       OpenChannels
	Departures DepartureHandler
	Sessions   SessionExpirer
	Logger     *slog.Logger
	Metrics    *metrics.Recorder
	Clock      func() time.Time
}

// SweepReport summarises one pass.
type SweepReport struct {
	Scanned         int
	Evicted         int
	CloseErrors     int
	Orphans         int
	SessionsExpired int
}

// Reaper periodically converges the registry back to ground truth by evicting
// entries that have gone silent.
type Reaper struct {
	registry *Registry
	cfg      ReaperConfig
}

func NewReaper(registry *Registry, cfg ReaperConfig) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultReapInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Reaper{registry: registry, cfg: cfg}
}

// Sweep runs one pass at now. The registry lock is taken per entry, never for
// the whole sweep.
func (r *Reaper) Sweep(ctx context.Context, now time.Time) SweepReport {
	var report SweepReport
	logger := r.cfg.Logger

	for _, entry := range r.registry.Snapshot() {
		report.Scanned++
		if !isStale(entry.LastSeenAt, now, r.cfg.StaleAfter) {
			continue
		}
		if r.cfg.Closer != nil {
			if err := r.cfg.Closer.CloseChannel(entry.Handle); err != nil {
				report.CloseErrors++
				logger.Warn("close stale channel failed, continuing cleanup",
					"user_id", entry.UserID, "handle", entry.Handle, "error", err)
			}
		}
		dep, ok := r.registry.Evict(entry.UserID, entry.Handle, r.cfg.StaleAfter, now)
		if !ok {
			continue
		}
		report.Evicted++
		logger.Info("evicted stale connection", "user_id", dep.UserID, "handle", dep.Handle, "rooms", len(dep.Rooms))
		if r.cfg.Departures != nil {
			r.cfg.Departures.Departed(ctx, dep)
		}
	}

	var isOpen func(string) bool
	if r.cfg.Open != nil {
		isOpen = r.cfg.Open.IsOpen
	}
	report.Orphans = r.registry.PurgeOrphans(isOpen)

	if r.cfg.Sessions != nil {
		expired, err := r.cfg.Sessions.ExpireSessions(ctx, now)
		report.SessionsExpired = expired
		if err != nil {
			logger.Error("expire live sessions", "error", err)
		}
	}

	r.cfg.Metrics.ObserveSweep(report.Evicted, report.Orphans)
	if report.Evicted > 0 || report.Orphans > 0 || report.SessionsExpired > 0 {
		logger.Info("reaper sweep complete",
			"scanned", report.Scanned,
			"evicted", report.Evicted,
			"orphans", report.Orphans,
			"sessions_expired", report.SessionsExpired,
			"close_errors", report.CloseErrors)
	}
	return report
}

type sweepTicker interface {
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

type tickerFactory func(time.Duration) sweepTicker

// Start runs Sweep every Interval until ctx is done or the returned stop
// function is called. stop waits for an in-flight sweep to finish.
func (r *Reaper) Start(ctx context.Context) func() {
	return r.startWithTicker(ctx, func(d time.Duration) sweepTicker {
		return timeTicker{ticker: time.NewTicker(d)}
	})
}

func (r *Reaper) startWithTicker(ctx context.Context, newTicker tickerFactory) func() {
	workerCtx, cancel := context.WithCancel(ctx)
	ticker := newTicker(r.cfg.Interval)
	done := make(chan struct{})
	go func() {
		defer func() {
			ticker.Stop()
			close(done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				r.Sweep(workerCtx, r.cfg.Clock())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}
