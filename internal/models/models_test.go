package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLiveSessionCloneIsDeep(t *testing.T) {
	left := time.Now()
	original := LiveSession{
		ID:            "s1",
		BannedUserIDs: []string{"mallory"},
		Viewers:       []Viewer{{UserID: "bob", LeftAt: &left}},
	}
	clone := original.Clone()
	clone.BannedUserIDs[0] = "eve"
	*clone.Viewers[0].LeftAt = left.Add(time.Hour)

	assert.Equal(t, "mallory", original.BannedUserIDs[0])
	assert.Equal(t, left, *original.Viewers[0].LeftAt)
}

func TestLiveSessionAccess(t *testing.T) {
	s := LiveSession{OwnerID: "alice", IsPrivate: true, AllowedViewerIDs: []string{"bob"}, BannedUserIDs: []string{"carol"}}

	assert.True(t, s.IsAllowed("alice"))
	assert.True(t, s.IsAllowed("bob"))
	assert.False(t, s.IsAllowed("dave"))
	assert.True(t, s.IsBanned("carol"))

	s.IsPrivate = false
	assert.True(t, s.IsAllowed("dave"))
}

func TestForViewerHidesAccessLists(t *testing.T) {
	s := LiveSession{OwnerID: "alice", IsPrivate: true, AllowedViewerIDs: []string{"bob"}, BannedUserIDs: []string{"carol"}}

	owner := s.ForViewer("alice")
	assert.Equal(t, []string{"bob"}, owner.AllowedViewerIDs)
	assert.Equal(t, []string{"carol"}, owner.BannedUserIDs)

	viewer := s.ForViewer("bob")
	assert.Nil(t, viewer.AllowedViewerIDs)
	assert.Nil(t, viewer.BannedUserIDs)
	assert.True(t, viewer.IsPrivate)
	assert.Equal(t, []string{"carol"}, s.BannedUserIDs)
}

func TestLiveStatus(t *testing.T) {
	assert.True(t, LiveEnded.Terminal())
	assert.True(t, LiveFailed.Terminal())
	assert.False(t, LiveLive.Terminal())
	assert.False(t, LiveStatus("paused").Valid())
}
