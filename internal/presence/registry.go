// Package presence tracks which identities hold an open realtime channel. It
// owns the connection registry, the connect-attempt limiter, the stale
// connection reaper and the broadcaster that announces online/offline
// transitions.
package presence

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"pulse-live/internal/observability/metrics"
)

// Departure reasons.
const (
	ReasonDisconnect = "disconnect"
	ReasonStale      = "stale"
)

// DisplayInfo is the profile snapshot broadcast with presence changes.
type DisplayInfo struct {
	Username  string `json:"username,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// Entry is one connected identity.
type Entry struct {
	UserID      string
	Handle      string
	ConnectedAt time.Time
	LastSeenAt  time.Time
	Display     DisplayInfo
}

// Departure describes a removed entry so the disconnect handler can run its
// side effects. Rooms lists the memberships that were dropped with it.
type Departure struct {
	UserID string
	Handle string
	Rooms  []string
	Reason string
}

// Memberships is the room index the registry keeps in step with connections.
type Memberships interface {
	Open(userID string)
	Drop(userID string) []string
}

// Announcer receives net presence transitions. Announce is called with the
// registry lock held and must not block.
type Announcer interface {
	Announce(change PresenceChange)
}

// RegistryConfig wires the registry collaborators. Every field is optional.
type RegistryConfig struct {
	Memberships Memberships
	Announcer   Announcer
	Logger      *slog.Logger
	Metrics     *metrics.Recorder
	Clock       func() time.Time
}

// Registry is the authoritative map of connected identities. It holds at most
// one entry per user; a second Register for the same user takes over the
// existing entry.
type Registry struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	channels map[string]string

	memberships Memberships
	announcer   Announcer
	logger      *slog.Logger
	metrics     *metrics.Recorder
	now         func() time.Time
}

func NewRegistry(cfg RegistryConfig) *Registry {
	r := &Registry{
		entries:     make(map[string]*Entry),
		channels:    make(map[string]string),
		memberships: cfg.Memberships,
		announcer:   cfg.Announcer,
		logger:      cfg.Logger,
		metrics:     cfg.Metrics,
		now:         cfg.Clock,
	}
	if r.logger == nil {
		r.logger = slog.Default()
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Register records handle as the current channel for userID. It reports true
// when the user was offline before the call. A takeover replaces the handle
// in place and announces nothing.
func (r *Registry) Register(userID, handle string, info DisplayInfo) bool {
	info.Username = norm.NFC.String(strings.TrimSpace(info.Username))
	info.AvatarURL = strings.TrimSpace(info.AvatarURL)
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[userID]; ok {
		if entry.Handle != handle {
			delete(r.channels, entry.Handle)
		}
		previous := entry.Handle
		entry.Handle = handle
		entry.ConnectedAt = now
		entry.LastSeenAt = now
		entry.Display = info
		r.channels[handle] = userID
		r.logger.Debug("channel takeover", "user_id", userID, "previous_handle", previous, "handle", handle)
		return false
	}

	r.entries[userID] = &Entry{
		UserID:      userID,
		Handle:      handle,
		ConnectedAt: now,
		LastSeenAt:  now,
		Display:     info,
	}
	r.channels[handle] = userID
	if r.memberships != nil {
		r.memberships.Open(userID)
	}
	r.announceLocked(PresenceChange{UserID: userID, Online: true, Display: info, At: now})
	return true
}

// Unregister removes the channel mapping for handle. When handle is still the
// user's current channel the entry and its memberships are deleted too and
// the departure is returned; a superseded handle changes nothing else.
func (r *Registry) Unregister(handle string) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.channels[handle]
	if !ok {
		return Departure{}, false
	}
	delete(r.channels, handle)
	entry, ok := r.entries[userID]
	if !ok || entry.Handle != handle {
		return Departure{}, false
	}
	return r.removeLocked(entry, ReasonDisconnect), true
}

// Evict removes userID's entry only if it still points at handle and is still
// stale at now. The recheck lets a takeover that raced the reaper's snapshot
// win.
func (r *Registry) Evict(userID, handle string, staleAfter time.Duration, now time.Time) (Departure, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[userID]
	if !ok || entry.Handle != handle || !isStale(entry.LastSeenAt, now, staleAfter) {
		return Departure{}, false
	}
	delete(r.channels, handle)
	return r.removeLocked(entry, ReasonStale), true
}

func (r *Registry) removeLocked(entry *Entry, reason string) Departure {
	delete(r.entries, entry.UserID)
	var rooms []string
	if r.memberships != nil {
		rooms = r.memberships.Drop(entry.UserID)
	}
	r.announceLocked(PresenceChange{UserID: entry.UserID, Online: false, Display: entry.Display, At: r.now()})
	return Departure{UserID: entry.UserID, Handle: entry.Handle, Rooms: rooms, Reason: reason}
}

func (r *Registry) announceLocked(change PresenceChange) {
	r.metrics.SetOnline(len(r.entries))
	if r.announcer != nil {
		r.announcer.Announce(change)
	}
}

// Touch refreshes lastSeenAt when handle is the user's current channel.
func (r *Registry) Touch(handle string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.channels[handle]
	if !ok {
		return false
	}
	entry, ok := r.entries[userID]
	if !ok || entry.Handle != handle {
		return false
	}
	entry.LastSeenAt = now
	return true
}

// PurgeOrphans drops channel mappings whose user no longer has an entry, or
// whose entry moved to another handle, provided isOpen does not report the
// channel as still open. A nil isOpen treats every orphan as closed.
func (r *Registry) PurgeOrphans(isOpen func(handle string) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	purged := 0
	for handle, userID := range r.channels {
		entry, ok := r.entries[userID]
		if ok && entry.Handle == handle {
			continue
		}
		if isOpen != nil && isOpen(handle) {
			continue
		}
		delete(r.channels, handle)
		purged++
	}
	return purged
}

func (r *Registry) IsOnline(userID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.entries[userID]
	return ok
}

// Lookup returns a copy of userID's entry.
func (r *Registry) Lookup(userID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[userID]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// UserFor resolves the identity behind a channel handle.
func (r *Registry) UserFor(handle string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	userID, ok := r.channels[handle]
	return userID, ok
}

// Snapshot copies every entry, ordered by user id.
func (r *Registry) Snapshot() []Entry {
	r.mu.Lock()
	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (r *Registry) OnlineCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// isStale treats a missing timestamp as immediately stale, and so is one
// further ahead of now than the stale window. A touch racing a sweep lands
// only slightly after the sweep's now and is not stale.
func isStale(lastSeen, now time.Time, staleAfter time.Duration) bool {
	if lastSeen.IsZero() {
		return true
	}
	if lastSeen.After(now) {
		return lastSeen.Sub(now) > staleAfter
	}
	return now.Sub(lastSeen) > staleAfter
}
