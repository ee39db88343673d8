package events

import "strings"

// Command names accepted on the realtime channel.
const (
	CommandJoinRoom    = "join-room"
	CommandLeaveRoom   = "leave-room"
	CommandMessageSend = "message:send"
	CommandMessageRead = "message:read"
	CommandLiveJoin    = "livestream:join"
	CommandLiveLeave   = "livestream:leave"
	CommandLiveComment = "livestream:comment"
	CommandLiveReact   = "livestream:react"
	CommandLiveEnd     = "livestream:end"
	CommandTypingStart = "typing:start"
	CommandTypingStop  = "typing:stop"
	CommandPing        = "ping"
)

var canonicalCommands = map[string]struct{}{
	CommandJoinRoom:    {},
	CommandLeaveRoom:   {},
	CommandMessageSend: {},
	CommandMessageRead: {},
	CommandLiveJoin:    {},
	CommandLiveLeave:   {},
	CommandLiveComment: {},
	CommandLiveReact:   {},
	CommandLiveEnd:     {},
	CommandTypingStart: {},
	CommandTypingStop:  {},
	CommandPing:        {},
}

// legacyCommands lists spellings older clients still send. Keys are compared
// after lower-casing.
var legacyCommands = map[string]string{
	"join_room":               CommandJoinRoom,
	"joinroom":                CommandJoinRoom,
	"room:join":               CommandJoinRoom,
	"join-conversation":       CommandJoinRoom,
	"leave_room":              CommandLeaveRoom,
	"leaveroom":               CommandLeaveRoom,
	"room:leave":              CommandLeaveRoom,
	"leave-conversation":      CommandLeaveRoom,
	"send_message":            CommandMessageSend,
	"sendmessage":             CommandMessageSend,
	"chat:message":            CommandMessageSend,
	"message:new":             CommandMessageSend,
	"mark_read":               CommandMessageRead,
	"messages:read":           CommandMessageRead,
	"livestream:viewer-join":  CommandLiveJoin,
	"livestream:join-viewer":  CommandLiveJoin,
	"viewer_joined":           CommandLiveJoin,
	"viewer:join":             CommandLiveJoin,
	"join-livestream":         CommandLiveJoin,
	"livestream:viewer-leave": CommandLiveLeave,
	"viewer_left":             CommandLiveLeave,
	"viewer:leave":            CommandLiveLeave,
	"leave-livestream":        CommandLiveLeave,
	"livestream:new-comment":  CommandLiveComment,
	"livestream:reaction":     CommandLiveReact,
	"livestream:stop":         CommandLiveEnd,
	"typing":                  CommandTypingStart,
	"typing_start":            CommandTypingStart,
	"stop_typing":             CommandTypingStop,
	"typing_stop":             CommandTypingStop,
	"heartbeat":               CommandPing,
}

// NormalizeCommand maps a client-supplied command name onto its canonical
// spelling. It reports false for names that are neither canonical nor a known
// legacy alias.
func NormalizeCommand(name string) (string, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	if _, ok := canonicalCommands[key]; ok {
		return key, true
	}
	if canonical, ok := legacyCommands[key]; ok {
		return canonical, true
	}
	return "", false
}
