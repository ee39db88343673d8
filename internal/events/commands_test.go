package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeCommand(t *testing.T) {
	cases := []struct {
		in   string
		want string
		ok   bool
	}{
		{in: "join-room", want: CommandJoinRoom, ok: true},
		{in: " JOIN_ROOM ", want: CommandJoinRoom, ok: true},
		{in: "joinRoom", want: CommandJoinRoom, ok: true},
		{in: "livestream:viewer-join", want: CommandLiveJoin, ok: true},
		{in: "viewer_joined", want: CommandLiveJoin, ok: true},
		{in: "viewer_left", want: CommandLiveLeave, ok: true},
		{in: "chat:message", want: CommandMessageSend, ok: true},
		{in: "heartbeat", want: CommandPing, ok: true},
		{in: "livestream:end", want: CommandLiveEnd, ok: true},
		{in: "drop-tables", ok: false},
		{in: "", ok: false},
	}
	for _, tc := range cases {
		got, ok := NormalizeCommand(tc.in)
		assert.Equal(t, tc.ok, ok, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestLegacyAliasesResolveToCanonicalNames(t *testing.T) {
	for alias, target := range legacyCommands {
		_, ok := canonicalCommands[target]
		assert.True(t, ok, "alias %q points at unknown command %q", alias, target)
	}
}
