package realtime

import (
	"encoding/json"
	"strings"

	"pulse-live/internal/apperr"
	"pulse-live/internal/events"
	"pulse-live/internal/messaging"
	"pulse-live/internal/models"
	"pulse-live/internal/rooms"
)

var (
	errMalformedFrame  = apperr.InvalidInput("frame is not valid JSON")
	errUnknownCommand  = apperr.InvalidInput("unknown command")
	errServiceDisabled = apperr.New(apperr.KindInternal, "command is not available")
)

// commandFields are the payload keys clients send, under every spelling in
// use. They may sit at the top level of the frame or under payload or data.
type commandFields struct {
	Room            string                `json:"room"`
	RoomID          string                `json:"roomId"`
	ConversationID  string                `json:"conversationId"`
	SessionID       string                `json:"sessionId"`
	LivestreamID    string                `json:"livestreamId"`
	Text            string                `json:"text"`
	Content         string                `json:"content"`
	Message         string                `json:"message"`
	Type            string                `json:"type"`
	Reaction        string                `json:"reaction"`
	ReactionType    string                `json:"reactionType"`
	Media           []models.MessageMedia `json:"media"`
	ReplyTo         string                `json:"replyTo"`
	ClientMessageID string                `json:"clientMessageId"`
}

type commandBody struct {
	commandFields
	Payload *commandFields `json:"payload"`
	Data    *commandFields `json:"data"`
}

// nested returns the payload object if the client sent one.
func (b commandBody) nested() commandFields {
	if b.Payload != nil {
		return *b.Payload
	}
	if b.Data != nil {
		return *b.Data
	}
	return commandFields{}
}

func (b commandBody) room() string {
	n := b.nested()
	return firstNonEmpty(b.Room, b.RoomID, b.ConversationID, n.Room, n.RoomID, n.ConversationID)
}

func (b commandBody) session() string {
	n := b.nested()
	id := firstNonEmpty(b.SessionID, b.LivestreamID, n.SessionID, n.LivestreamID)
	if id == "" {
		if room, err := rooms.ParseRoom(b.room()); err == nil && room.Kind == rooms.KindLive {
			id = room.Target
		}
	}
	return id
}

func (b commandBody) text() string {
	n := b.nested()
	return firstNonEmpty(b.Text, b.Content, b.Message, n.Text, n.Content, n.Message)
}

// reaction ignores the top-level type, which names the command.
func (b commandBody) reaction() string {
	n := b.nested()
	return firstNonEmpty(b.Reaction, b.ReactionType, n.Type, n.Reaction, n.ReactionType)
}

func (b commandBody) sendInput() messaging.SendInput {
	n := b.nested()
	media := b.Media
	if len(media) == 0 {
		media = n.Media
	}
	return messaging.SendInput{
		ConversationID:  b.room(),
		Text:            b.text(),
		Media:           media,
		ReplyTo:         firstNonEmpty(b.ReplyTo, n.ReplyTo),
		ClientMessageID: firstNonEmpty(b.ClientMessageID, n.ClientMessageID),
	}
}

type reply struct {
	frameType string
	data      any
}

func ack(data any) reply {
	return reply{frameType: events.FrameAck, data: data}
}

func (g *Gateway) dispatch(c *client, in events.Inbound) (reply, error) {
	name, ok := events.NormalizeCommand(in.Type)
	if !ok {
		return reply{}, errUnknownCommand
	}
	var body commandBody
	if err := json.Unmarshal(in.Raw, &body); err != nil {
		return reply{}, errMalformedFrame
	}
	ctx := c.ctx

	switch name {
	case events.CommandPing:
		return reply{frameType: events.FramePong}, nil

	case events.CommandJoinRoom:
		roomID := body.room()
		if roomID == "" {
			roomID = liveRoomOf(body.session())
		}
		if err := g.rooms.Join(ctx, c.userID, roomID); err != nil {
			return reply{}, err
		}
		return ack(map[string]string{"room": roomID}), nil

	case events.CommandLeaveRoom:
		roomID := firstNonEmpty(body.room(), liveRoomOf(body.session()))
		if roomID == "" {
			return reply{}, apperr.InvalidInput("room id is required")
		}
		if room, err := rooms.ParseRoom(roomID); err == nil && room.Kind == rooms.KindLive && g.live != nil {
			return g.liveLeave(c, room.Target)
		}
		left := g.rooms.Leave(c.userID, roomID)
		return ack(map[string]any{"room": roomID, "left": left}), nil

	case events.CommandMessageSend:
		if g.messaging == nil {
			return reply{}, errServiceDisabled
		}
		msg, err := g.messaging.Send(ctx, c.userID, body.sendInput())
		if err != nil && msg.ID == "" {
			return reply{}, err
		}
		if err != nil {
			c.logger.Warn("message stored but fanout failed", "message_id", msg.ID, "error", err)
		}
		return ack(msg), nil

	case events.CommandMessageRead:
		if g.messaging == nil {
			return reply{}, errServiceDisabled
		}
		marker, err := g.messaging.MarkRead(ctx, c.userID, body.room())
		if err != nil {
			return reply{}, err
		}
		return ack(marker), nil

	case events.CommandTypingStart, events.CommandTypingStop:
		if g.messaging == nil {
			return reply{}, errServiceDisabled
		}
		if err := g.messaging.Typing(ctx, c.userID, body.room(), name == events.CommandTypingStart); err != nil {
			return reply{}, err
		}
		// Typing indicators are fire and forget.
		return reply{}, nil

	case events.CommandLiveJoin:
		return g.liveJoin(c, body.session())

	case events.CommandLiveLeave:
		return g.liveLeave(c, body.session())

	case events.CommandLiveComment:
		sessionID, err := requireSession(body.session())
		if err != nil {
			return reply{}, err
		}
		if g.live == nil {
			return reply{}, errServiceDisabled
		}
		comment, err := g.live.AddComment(ctx, sessionID, c.userID, body.text())
		if err != nil {
			return reply{}, err
		}
		return ack(comment), nil

	case events.CommandLiveReact:
		sessionID, err := requireSession(body.session())
		if err != nil {
			return reply{}, err
		}
		if g.live == nil {
			return reply{}, errServiceDisabled
		}
		reaction, err := g.live.AddReaction(ctx, sessionID, c.userID, body.reaction())
		if err != nil {
			return reply{}, err
		}
		return ack(reaction), nil

	case events.CommandLiveEnd:
		sessionID, err := requireSession(body.session())
		if err != nil {
			return reply{}, err
		}
		if g.live == nil {
			return reply{}, errServiceDisabled
		}
		session, err := g.live.End(ctx, sessionID, c.userID)
		if err != nil {
			return reply{}, err
		}
		return ack(session), nil
	}
	return reply{}, errUnknownCommand
}

// liveLeave stops counting the viewer and drops the session room, even when
// the count update fails.
func (g *Gateway) liveLeave(c *client, rawID string) (reply, error) {
	sessionID, err := requireSession(rawID)
	if err != nil {
		return reply{}, err
	}
	if g.live == nil {
		return reply{}, errServiceDisabled
	}
	counts, err := g.live.Leave(c.ctx, sessionID, c.userID)
	g.rooms.Leave(c.userID, rooms.LiveRoom(sessionID))
	if err != nil {
		return reply{}, err
	}
	return ack(counts), nil
}

// liveJoin subscribes to the session room before counting the viewer, and
// backs the subscription out if the count is refused.
func (g *Gateway) liveJoin(c *client, rawID string) (reply, error) {
	sessionID, err := requireSession(rawID)
	if err != nil {
		return reply{}, err
	}
	if g.live == nil {
		return reply{}, errServiceDisabled
	}
	roomID := rooms.LiveRoom(sessionID)
	wasMember := g.rooms.IsMember(c.userID, roomID)
	if err := g.rooms.Join(c.ctx, c.userID, roomID); err != nil {
		return reply{}, err
	}
	counts, err := g.live.Join(c.ctx, sessionID, c.userID)
	if err != nil {
		if !wasMember {
			g.rooms.Leave(c.userID, roomID)
		}
		return reply{}, err
	}
	return ack(counts), nil
}

func requireSession(id string) (string, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return "", apperr.InvalidInput("session id is required")
	}
	return id, nil
}

func liveRoomOf(sessionID string) string {
	if sessionID == "" {
		return ""
	}
	return rooms.LiveRoom(sessionID)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
