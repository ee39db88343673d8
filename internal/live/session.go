package live

import (
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"

	"pulse-live/internal/apperr"
	"pulse-live/internal/models"
)

const (
	MaxCommentRunes = 500
	MaxTitleRunes   = 140
)

var reactionTypes = map[string]struct{}{
	"like":  {},
	"love":  {},
	"haha":  {},
	"wow":   {},
	"sad":   {},
	"angry": {},
	"fire":  {},
	"clap":  {},
}

// ValidReaction reports whether kind is an accepted reaction type.
func ValidReaction(kind string) bool {
	_, ok := reactionTypes[kind]
	return ok
}

// Config describes a new session.
type Config struct {
	Title            string
	ScheduledFor     *time.Time
	IsPrivate        bool
	AllowedViewerIDs []string
	Settings         *models.LiveSettings
}

// ViewerCounts is the counter triple broadcast with viewer changes.
type ViewerCounts struct {
	Current int `json:"currentViewerCount"`
	Peak    int `json:"peakViewerCount"`
	Unique  int `json:"totalUniqueViewers"`
}

func countsOf(s *models.LiveSession) ViewerCounts {
	return ViewerCounts{Current: s.CurrentViewerCount, Peak: s.PeakViewerCount, Unique: s.TotalUniqueViewers}
}

// The functions below mutate a session held under its lock. They keep
// currentViewerCount equal to the number of open viewer entries and never
// lower peakViewerCount.

func requireOwner(s *models.LiveSession, callerID string) error {
	if callerID != s.OwnerID {
		return apperr.Forbidden("only the owner can manage live session %s", s.ID)
	}
	return nil
}

func start(s *models.LiveSession, now time.Time) error {
	if s.Status != models.LiveScheduled {
		return apperr.InvalidTransition("cannot start live session %s from %s", s.ID, s.Status)
	}
	s.Status = models.LiveLive
	s.StartedAt = &now
	s.UpdatedAt = now
	return nil
}

func finish(s *models.LiveSession, to models.LiveStatus, reason string, now time.Time) error {
	if s.Status.Terminal() {
		return apperr.InvalidTransition("live session %s is already %s", s.ID, s.Status)
	}
	s.Status = to
	s.EndedAt = &now
	s.DurationSeconds = 0
	if s.StartedAt != nil {
		s.DurationSeconds = int64(now.Sub(*s.StartedAt) / time.Second)
	}
	s.FailureReason = reason
	s.UpdatedAt = now
	closeViewers(s, now)
	return nil
}

func hasOpenViewers(s *models.LiveSession) bool {
	if s.CurrentViewerCount != 0 {
		return true
	}
	for _, v := range s.Viewers {
		if v.LeftAt == nil {
			return true
		}
	}
	return false
}

func closeViewers(s *models.LiveSession, now time.Time) {
	for i := range s.Viewers {
		if s.Viewers[i].LeftAt == nil {
			left := now
			s.Viewers[i].LeftAt = &left
		}
	}
	s.CurrentViewerCount = 0
}

func checkAccess(s *models.LiveSession, userID string) error {
	if s.IsBanned(userID) {
		return apperr.Forbidden("user %s is banned from live session %s", userID, s.ID)
	}
	if !s.IsAllowed(userID) {
		return apperr.Forbidden("live session %s is private", s.ID)
	}
	return nil
}

func requireOpen(s *models.LiveSession) error {
	if s.Status.Terminal() {
		return apperr.InvalidTransition("live session %s is %s", s.ID, s.Status)
	}
	return nil
}

// join reports whether the counters changed. The owner is never counted and
// a viewer who is already watching is left as is.
func join(s *models.LiveSession, userID string, now time.Time) (bool, error) {
	if err := checkAccess(s, userID); err != nil {
		return false, err
	}
	if err := requireOpen(s); err != nil {
		return false, err
	}
	if userID == s.OwnerID {
		return false, nil
	}
	idx := viewerIndex(s, userID)
	switch {
	case idx < 0:
		s.Viewers = append(s.Viewers, models.Viewer{UserID: userID, JoinedAt: now})
		s.TotalUniqueViewers++
	case s.Viewers[idx].LeftAt == nil:
		return false, nil
	default:
		s.Viewers[idx].LeftAt = nil
		s.Viewers[idx].JoinedAt = now
	}
	s.CurrentViewerCount++
	if s.CurrentViewerCount > s.PeakViewerCount {
		s.PeakViewerCount = s.CurrentViewerCount
	}
	s.UpdatedAt = now
	return true, nil
}

// leave reports whether an open viewer entry was closed.
func leave(s *models.LiveSession, userID string, now time.Time) bool {
	idx := viewerIndex(s, userID)
	if idx < 0 || s.Viewers[idx].LeftAt != nil {
		return false
	}
	s.Viewers[idx].LeftAt = &now
	if s.CurrentViewerCount > 0 {
		s.CurrentViewerCount--
	}
	s.UpdatedAt = now
	return true
}

func viewerIndex(s *models.LiveSession, userID string) int {
	for i := range s.Viewers {
		if s.Viewers[i].UserID == userID {
			return i
		}
	}
	return -1
}

func cleanComment(text string) (string, error) {
	text = norm.NFC.String(strings.TrimSpace(text))
	count := utf8.RuneCountInString(text)
	if count == 0 {
		return "", apperr.InvalidInput("comment text is required")
	}
	if count > MaxCommentRunes {
		return "", apperr.InvalidInput("comment exceeds %d characters", MaxCommentRunes)
	}
	return text, nil
}

func cleanTitle(title string) (string, error) {
	title = norm.NFC.String(strings.TrimSpace(title))
	if utf8.RuneCountInString(title) > MaxTitleRunes {
		return "", apperr.InvalidInput("title exceeds %d characters", MaxTitleRunes)
	}
	return title, nil
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func removeString(values []string, target string) ([]string, bool) {
	for i, v := range values {
		if v == target {
			return append(values[:i:i], values[i+1:]...), true
		}
	}
	return values, false
}
