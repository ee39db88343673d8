package presence

import (
	"context"
	"sort"
	"sync"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock(start time.Time) *fakeClock {
	return &fakeClock{now: start}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeMemberships struct {
	mu    sync.Mutex
	rooms map[string]map[string]struct{}
}

func newFakeMemberships() *fakeMemberships {
	return &fakeMemberships{rooms: make(map[string]map[string]struct{})}
}

func (f *fakeMemberships) Open(userID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.rooms[userID]; !ok {
		f.rooms[userID] = make(map[string]struct{})
	}
}

func (f *fakeMemberships) Join(userID, room string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[userID][room] = struct{}{}
}

func (f *fakeMemberships) Drop(userID string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	set := f.rooms[userID]
	delete(f.rooms, userID)
	out := make([]string, 0, len(set))
	for room := range set {
		out = append(out, room)
	}
	sort.Strings(out)
	return out
}

func (f *fakeMemberships) has(userID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.rooms[userID]
	return ok
}

type recordingAnnouncer struct {
	mu      sync.Mutex
	changes []PresenceChange
}

func (a *recordingAnnouncer) Announce(change PresenceChange) {
	a.mu.Lock()
	a.changes = append(a.changes, change)
	a.mu.Unlock()
}

func (a *recordingAnnouncer) all() []PresenceChange {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]PresenceChange(nil), a.changes...)
}

func (a *recordingAnnouncer) offlineCount(userID string) int {
	count := 0
	for _, change := range a.all() {
		if change.UserID == userID && !change.Online {
			count++
		}
	}
	return count
}

type fakeDepartures struct {
	mu   sync.Mutex
	deps []Departure
}

func (f *fakeDepartures) Departed(_ context.Context, dep Departure) {
	f.mu.Lock()
	f.deps = append(f.deps, dep)
	f.mu.Unlock()
}

func (f *fakeDepartures) all() []Departure {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Departure(nil), f.deps...)
}
