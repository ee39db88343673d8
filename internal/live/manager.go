// Package live implements the live-session state machine: the scheduled, live,
// ended and failed lifecycle, viewer accounting, moderation and comment and
// reaction intake.
package live

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"pulse-live/internal/apperr"
	"pulse-live/internal/events"
	"pulse-live/internal/models"
	"pulse-live/internal/observability/metrics"
	"pulse-live/internal/rooms"
)

const (
	DefaultMaxLiveDuration = 12 * time.Hour
	DefaultScheduledGrace  = 24 * time.Hour
)

// Store persists session snapshots. LoadSessions returns the sessions that
// are not yet terminal.
type Store interface {
	SaveSession(ctx context.Context, session models.LiveSession) error
	LoadSessions(ctx context.Context) ([]models.LiveSession, error)
}

// Publisher fans live events out to the session room.
type Publisher interface {
	Publish(ctx context.Context, roomID string, env events.Envelope) (rooms.PublishReport, error)
}

type ManagerConfig struct {
	Store           Store
	Publisher       Publisher
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
	Clock           func() time.Time
	MaxLiveDuration time.Duration
	ScheduledGrace  time.Duration
}

// Manager owns every session. Each session has its own lock; the manager lock
// only guards the index.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*slot

	store           Store
	publisher       Publisher
	logger          *slog.Logger
	metrics         *metrics.Recorder
	now             func() time.Time
	maxLiveDuration time.Duration
	scheduledGrace  time.Duration
}

type slot struct {
	mu      sync.Mutex
	session models.LiveSession
}

func NewManager(cfg ManagerConfig) *Manager {
	m := &Manager{
		sessions:        make(map[string]*slot),
		store:           cfg.Store,
		publisher:       cfg.Publisher,
		logger:          cfg.Logger,
		metrics:         cfg.Metrics,
		now:             cfg.Clock,
		maxLiveDuration: cfg.MaxLiveDuration,
		scheduledGrace:  cfg.ScheduledGrace,
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.maxLiveDuration <= 0 {
		m.maxLiveDuration = DefaultMaxLiveDuration
	}
	if m.scheduledGrace <= 0 {
		m.scheduledGrace = DefaultScheduledGrace
	}
	return m
}

// SetPublisher wires the fanout after construction.
func (m *Manager) SetPublisher(p Publisher) {
	m.mu.Lock()
	m.publisher = p
	m.mu.Unlock()
}

// Load restores persisted non-terminal sessions. Viewer entries left open by
// the previous process have no channel behind them, so they are closed and
// the current count reset; peak and unique counts are kept.
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	sessions, err := m.store.LoadSessions(ctx)
	if err != nil {
		return 0, apperr.Wrap(apperr.KindInternal, err, "load live sessions")
	}
	now := m.now().UTC()
	var closed []models.LiveSession
	m.mu.Lock()
	restored := 0
	for _, s := range sessions {
		if s.Status.Terminal() || !s.Status.Valid() {
			continue
		}
		if _, exists := m.sessions[s.ID]; exists {
			continue
		}
		restoredSession := s.Clone()
		if hasOpenViewers(&restoredSession) {
			closeViewers(&restoredSession, now)
			closed = append(closed, restoredSession.Clone())
		}
		m.sessions[s.ID] = &slot{session: restoredSession}
		m.metrics.LiveSessionTransition("", string(s.Status))
		restored++
	}
	m.mu.Unlock()

	for i := range closed {
		if err := m.persist(ctx, &closed[i]); err != nil {
			return restored, err
		}
	}
	if len(closed) > 0 {
		m.logger.Info("closed viewers left open before restart", "sessions", len(closed))
	}
	return restored, nil
}

func (m *Manager) Create(ctx context.Context, ownerID string, cfg Config) (models.LiveSession, error) {
	ownerID = strings.TrimSpace(ownerID)
	if ownerID == "" {
		return models.LiveSession{}, apperr.InvalidInput("owner id is required")
	}
	title, err := cleanTitle(cfg.Title)
	if err != nil {
		return models.LiveSession{}, err
	}
	settings := models.DefaultLiveSettings()
	if cfg.Settings != nil {
		settings = *cfg.Settings
	}
	now := m.now().UTC()
	s := models.LiveSession{
		ID:               uuid.NewString(),
		OwnerID:          ownerID,
		Title:            title,
		Status:           models.LiveScheduled,
		IsPrivate:        cfg.IsPrivate,
		AllowedViewerIDs: dedupe(cfg.AllowedViewerIDs),
		BannedUserIDs:    []string{},
		Settings:         settings,
		Viewers:          []models.Viewer{},
		Comments:         []models.LiveComment{},
		Reactions:        []models.LiveReaction{},
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if cfg.ScheduledFor != nil {
		at := cfg.ScheduledFor.UTC()
		s.ScheduledFor = &at
	}

	sl := &slot{session: s}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	m.mu.Lock()
	m.sessions[s.ID] = sl
	m.mu.Unlock()

	m.metrics.LiveSessionTransition("", string(s.Status))
	if err := m.persist(ctx, &sl.session); err != nil {
		return sl.session.Clone(), err
	}
	return sl.session.Clone(), nil
}

func (m *Manager) Get(sessionID string) (models.LiveSession, error) {
	sl, err := m.slot(sessionID)
	if err != nil {
		return models.LiveSession{}, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return sl.session.Clone(), nil
}

// List returns sessions with the given status, or all when status is empty,
// newest first.
func (m *Manager) List(status models.LiveStatus) []models.LiveSession {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.sessions))
	for _, sl := range m.sessions {
		slots = append(slots, sl)
	}
	m.mu.RUnlock()

	out := make([]models.LiveSession, 0, len(slots))
	for _, sl := range slots {
		sl.mu.Lock()
		if status == "" || sl.session.Status == status {
			out = append(out, sl.session.Clone())
		}
		sl.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (m *Manager) Start(ctx context.Context, sessionID, callerID string) (models.LiveSession, error) {
	var snapshot models.LiveSession
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := requireOwner(s, callerID); err != nil {
			return err
		}
		if err := start(s, now); err != nil {
			return err
		}
		m.metrics.LiveSessionTransition(string(models.LiveScheduled), string(models.LiveLive))
		snapshot = s.Clone()
		return nil
	})
	if !applied {
		return models.LiveSession{}, err
	}
	m.emit(ctx, snapshot.ID, events.TypeLiveStarted, callerID, map[string]any{
		"sessionId": snapshot.ID,
		"startedAt": snapshot.StartedAt,
	})
	return snapshot, err
}

func (m *Manager) End(ctx context.Context, sessionID, callerID string) (models.LiveSession, error) {
	return m.finish(ctx, sessionID, callerID, models.LiveEnded, "")
}

// Fail moves a scheduled or live session to failed.
func (m *Manager) Fail(ctx context.Context, sessionID, callerID, reason string) (models.LiveSession, error) {
	return m.finish(ctx, sessionID, callerID, models.LiveFailed, strings.TrimSpace(reason))
}

func (m *Manager) finish(ctx context.Context, sessionID, callerID string, to models.LiveStatus, reason string) (models.LiveSession, error) {
	var snapshot models.LiveSession
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := requireOwner(s, callerID); err != nil {
			return err
		}
		from := s.Status
		if err := finish(s, to, reason, now); err != nil {
			return err
		}
		m.metrics.LiveSessionTransition(string(from), string(to))
		snapshot = s.Clone()
		return nil
	})
	if !applied {
		return models.LiveSession{}, err
	}
	m.emitEnded(ctx, snapshot, callerID)
	return snapshot, err
}

func (m *Manager) emitEnded(ctx context.Context, s models.LiveSession, actorID string) {
	m.emit(ctx, s.ID, events.TypeLiveEnded, actorID, map[string]any{
		"sessionId":          s.ID,
		"status":             s.Status,
		"endedAt":            s.EndedAt,
		"durationSeconds":    s.DurationSeconds,
		"peakViewerCount":    s.PeakViewerCount,
		"totalUniqueViewers": s.TotalUniqueViewers,
		"reason":             s.FailureReason,
	})
}

// Join records userID as a viewer. Rejoining after a leave reuses the viewer
// entry without counting a new unique viewer.
func (m *Manager) Join(ctx context.Context, sessionID, userID string) (ViewerCounts, error) {
	var counts ViewerCounts
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		changed, err := join(s, userID, now)
		if err != nil {
			return err
		}
		counts = countsOf(s)
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if applied {
		m.metrics.ObserveLiveEvent("viewer_joined")
		m.emitViewers(ctx, sessionID, events.TypeViewerJoined, userID, counts)
	}
	return counts, err
}

// Leave closes userID's open viewer entry. Leaving without an open entry is a
// no-op.
func (m *Manager) Leave(ctx context.Context, sessionID, userID string) (ViewerCounts, error) {
	var counts ViewerCounts
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		changed := leave(s, userID, now)
		counts = countsOf(s)
		if !changed {
			return errUnchanged
		}
		return nil
	})
	if applied {
		m.metrics.ObserveLiveEvent("viewer_left")
		m.emitViewers(ctx, sessionID, events.TypeViewerLeft, userID, counts)
	}
	return counts, err
}

func (m *Manager) emitViewers(ctx context.Context, sessionID string, eventType events.Type, userID string, counts ViewerCounts) {
	m.emit(ctx, sessionID, eventType, userID, struct {
		SessionID string `json:"sessionId"`
		UserID    string `json:"userId"`
		ViewerCounts
	}{SessionID: sessionID, UserID: userID, ViewerCounts: counts})
}

func (m *Manager) AddComment(ctx context.Context, sessionID, userID, text string) (models.LiveComment, error) {
	clean, err := cleanComment(text)
	if err != nil {
		return models.LiveComment{}, err
	}
	var comment models.LiveComment
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := checkAccess(s, userID); err != nil {
			return err
		}
		if err := requireOpen(s); err != nil {
			return err
		}
		if !s.Settings.AllowComments {
			return apperr.Forbidden("comments are disabled for live session %s", s.ID)
		}
		comment = models.LiveComment{ID: uuid.NewString(), UserID: userID, Text: clean, CreatedAt: now}
		s.Comments = append(s.Comments, comment)
		s.UpdatedAt = now
		return nil
	})
	if !applied {
		return models.LiveComment{}, err
	}
	m.metrics.ObserveLiveEvent("comment")
	m.emit(ctx, sessionID, events.TypeLiveComment, userID, struct {
		SessionID string `json:"sessionId"`
		models.LiveComment
	}{SessionID: sessionID, LiveComment: comment})
	return comment, err
}

func (m *Manager) AddReaction(ctx context.Context, sessionID, userID, kind string) (models.LiveReaction, error) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	if !ValidReaction(kind) {
		return models.LiveReaction{}, apperr.InvalidInput("unknown reaction type %q", kind)
	}
	var reaction models.LiveReaction
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := checkAccess(s, userID); err != nil {
			return err
		}
		if err := requireOpen(s); err != nil {
			return err
		}
		if !s.Settings.AllowReactions {
			return apperr.Forbidden("reactions are disabled for live session %s", s.ID)
		}
		reaction = models.LiveReaction{ID: uuid.NewString(), UserID: userID, Type: kind, CreatedAt: now}
		s.Reactions = append(s.Reactions, reaction)
		s.UpdatedAt = now
		return nil
	})
	if !applied {
		return models.LiveReaction{}, err
	}
	m.metrics.ObserveLiveEvent("reaction")
	m.emit(ctx, sessionID, events.TypeLiveReaction, userID, struct {
		SessionID string `json:"sessionId"`
		models.LiveReaction
	}{SessionID: sessionID, LiveReaction: reaction})
	return reaction, err
}

// Ban adds targetID to the ban list and closes their viewer entry if they are
// watching.
func (m *Manager) Ban(ctx context.Context, sessionID, callerID, targetID string) (ViewerCounts, error) {
	targetID = strings.TrimSpace(targetID)
	var counts ViewerCounts
	kicked := false
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := requireOwner(s, callerID); err != nil {
			return err
		}
		if targetID == "" || targetID == s.OwnerID {
			return apperr.InvalidInput("cannot ban %q from live session %s", targetID, s.ID)
		}
		if !s.IsBanned(targetID) {
			s.BannedUserIDs = append(s.BannedUserIDs, targetID)
		}
		kicked = leave(s, targetID, now)
		s.UpdatedAt = now
		counts = countsOf(s)
		return nil
	})
	if !applied {
		return ViewerCounts{}, err
	}
	m.metrics.ObserveLiveEvent("ban")
	if kicked {
		m.emitViewers(ctx, sessionID, events.TypeViewerLeft, targetID, counts)
	}
	return counts, err
}

func (m *Manager) Unban(ctx context.Context, sessionID, callerID, targetID string) error {
	_, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := requireOwner(s, callerID); err != nil {
			return err
		}
		var removed bool
		s.BannedUserIDs, removed = removeString(s.BannedUserIDs, strings.TrimSpace(targetID))
		if !removed {
			return errUnchanged
		}
		s.UpdatedAt = now
		return nil
	})
	return err
}

func (m *Manager) UpdateSettings(ctx context.Context, sessionID, callerID string, settings models.LiveSettings) (models.LiveSession, error) {
	var snapshot models.LiveSession
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := requireOwner(s, callerID); err != nil {
			return err
		}
		if err := requireOpen(s); err != nil {
			return err
		}
		s.Settings = settings
		s.UpdatedAt = now
		snapshot = s.Clone()
		return nil
	})
	if !applied {
		return models.LiveSession{}, err
	}
	return snapshot, err
}

// SetAllowedViewers changes privacy and the private allow list. Viewers who
// lose access are not removed until they leave.
func (m *Manager) SetAllowedViewers(ctx context.Context, sessionID, callerID string, isPrivate bool, allowed []string) (models.LiveSession, error) {
	var snapshot models.LiveSession
	applied, err := m.mutate(ctx, sessionID, func(s *models.LiveSession, now time.Time) error {
		if err := requireOwner(s, callerID); err != nil {
			return err
		}
		s.IsPrivate = isPrivate
		s.AllowedViewerIDs = dedupe(allowed)
		s.UpdatedAt = now
		snapshot = s.Clone()
		return nil
	})
	if !applied {
		return models.LiveSession{}, err
	}
	return snapshot, err
}

// CanView applies the ban and privacy checks without mutating anything.
func (m *Manager) CanView(_ context.Context, sessionID, userID string) error {
	sl, err := m.slot(sessionID)
	if err != nil {
		return err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	return checkAccess(&sl.session, userID)
}

// Viewers lists viewer entries, only open ones when activeOnly is set.
func (m *Manager) Viewers(sessionID string, activeOnly bool) ([]models.Viewer, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if !activeOnly {
		return s.Viewers, nil
	}
	out := make([]models.Viewer, 0, s.CurrentViewerCount)
	for _, v := range s.Viewers {
		if v.Active() {
			out = append(out, v)
		}
	}
	return out, nil
}

// Comments returns the most recent limit comments, oldest first. A
// non-positive limit returns all of them.
func (m *Manager) Comments(sessionID string, limit int) ([]models.LiveComment, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(s.Comments) > limit {
		return s.Comments[len(s.Comments)-limit:], nil
	}
	return s.Comments, nil
}

// Reactions tallies reactions by type.
func (m *Manager) Reactions(sessionID string) (map[string]int, error) {
	s, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]int)
	for _, r := range s.Reactions {
		out[r.Type]++
	}
	return out, nil
}

// ExpireSessions ends live sessions that ran past the maximum duration and
// fails scheduled sessions never started within the grace period.
func (m *Manager) ExpireSessions(ctx context.Context, now time.Time) (int, error) {
	m.mu.RLock()
	slots := make([]*slot, 0, len(m.sessions))
	for _, sl := range m.sessions {
		slots = append(slots, sl)
	}
	m.mu.RUnlock()

	expired := 0
	var firstErr error
	for _, sl := range slots {
		sl.mu.Lock()
		s := &sl.session
		from := s.Status
		var err error
		switch {
		case s.Status == models.LiveLive && s.StartedAt != nil && now.Sub(*s.StartedAt) > m.maxLiveDuration:
			err = finish(s, models.LiveEnded, "exceeded maximum duration", now)
		case s.Status == models.LiveScheduled && s.ScheduledFor != nil && now.Sub(*s.ScheduledFor) > m.scheduledGrace:
			err = finish(s, models.LiveFailed, "never started", now)
		default:
			sl.mu.Unlock()
			continue
		}
		if err == nil {
			m.metrics.LiveSessionTransition(string(from), string(s.Status))
			err = m.persist(ctx, s)
		}
		snapshot := s.Clone()
		sl.mu.Unlock()

		if err != nil && firstErr == nil {
			firstErr = err
		}
		expired++
		m.logger.Info("live session expired", "session_id", snapshot.ID, "status", snapshot.Status, "reason", snapshot.FailureReason)
		m.emitEnded(ctx, snapshot, "")
	}
	return expired, firstErr
}

// errUnchanged lets a mutation report that nothing needs saving.
var errUnchanged = errors.New("unchanged")

// mutate runs fn under the session lock and persists the result. applied
// reports whether fn changed the session, even when saving it then failed.
func (m *Manager) mutate(ctx context.Context, sessionID string, fn func(*models.LiveSession, time.Time) error) (bool, error) {
	sl, err := m.slot(sessionID)
	if err != nil {
		return false, err
	}
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if err := fn(&sl.session, m.now().UTC()); err != nil {
		if err == errUnchanged {
			return false, nil
		}
		return false, err
	}
	return true, m.persist(ctx, &sl.session)
}

func (m *Manager) persist(ctx context.Context, s *models.LiveSession) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveSession(ctx, s.Clone()); err != nil {
		m.logger.Error("persist live session", "session_id", s.ID, "error", err)
		return apperr.Wrap(apperr.KindInternal, err, "persist live session")
	}
	return nil
}

func (m *Manager) slot(sessionID string) (*slot, error) {
	sessionID = strings.TrimSpace(sessionID)
	m.mu.RLock()
	sl, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, apperr.NotFound("live session %s not found", sessionID)
	}
	return sl, nil
}

func (m *Manager) emit(ctx context.Context, sessionID string, eventType events.Type, actorID string, payload any) {
	m.mu.RLock()
	publisher := m.publisher
	m.mu.RUnlock()
	if publisher == nil || sessionID == "" {
		return
	}
	env, err := events.New(eventType, rooms.LiveRoom(sessionID), actorID, payload)
	if err == nil {
		_, err = publisher.Publish(ctx, rooms.LiveRoom(sessionID), env)
	}
	if err != nil {
		m.logger.Warn("publish live event", "session_id", sessionID, "type", eventType, "error", err)
	}
}
