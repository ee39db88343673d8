package events

import "encoding/json"

// Outbound frame types.
const (
	FrameAck       = "ack"
	FrameError     = "error"
	FrameEvent     = "event"
	FramePresence  = "presence"
	FrameConnected = "connected"
	FramePong      = "pong"
)

// ErrorBody is the structured failure carried on error frames.
type ErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Frame is the single outbound shape on the realtime channel.
type Frame struct {
	V         int        `json:"v"`
	Type      string     `json:"type"`
	RequestID string     `json:"requestId,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Event     *Envelope  `json:"event,omitempty"`
	Data      any        `json:"data,omitempty"`
}

// EncodeFrame marshals f, stamping the schema version.
func EncodeFrame(f Frame) ([]byte, error) {
	f.V = SchemaVersion
	return json.Marshal(f)
}

// EncodeEvent wraps env in an event frame.
func EncodeEvent(env Envelope) ([]byte, error) {
	return EncodeFrame(Frame{Type: FrameEvent, Event: &env})
}

// Inbound is a client command frame. Fields beyond the header are decoded per
// command from Raw.
type Inbound struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	RequestID string          `json:"requestId,omitempty"`
	Raw       json.RawMessage `json:"-"`
}

// DecodeInbound parses the header of a client frame and keeps the full body
// for per-command decoding. A missing version is treated as the current one.
func DecodeInbound(data []byte) (Inbound, error) {
	var in Inbound
	if err := json.Unmarshal(data, &in); err != nil {
		return Inbound{}, err
	}
	if in.V == 0 {
		in.V = SchemaVersion
	}
	in.Raw = append(json.RawMessage(nil), data...)
	return in, nil
}
