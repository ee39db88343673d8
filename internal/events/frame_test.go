package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeEventFrame(t *testing.T) {
	env := MustNew(TypeLiveReaction, "livestream:s1", "u1", map[string]string{"type": "fire"})
	raw, err := EncodeEvent(env)
	require.NoError(t, err)

	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, SchemaVersion, frame.V)
	assert.Equal(t, FrameEvent, frame.Type)
	require.NotNil(t, frame.Event)
	assert.Equal(t, env.ID, frame.Event.ID)
	assert.Nil(t, frame.Error)
}

func TestDecodeInbound(t *testing.T) {
	in, err := DecodeInbound([]byte(`{"type":"join_room","requestId":"r1","roomId":"c1"}`))
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, in.V)
	assert.Equal(t, "join_room", in.Type)
	assert.Equal(t, "r1", in.RequestID)

	var body struct {
		RoomID string `json:"roomId"`
	}
	require.NoError(t, json.Unmarshal(in.Raw, &body))
	assert.Equal(t, "c1", body.RoomID)

	_, err = DecodeInbound([]byte(`not json`))
	assert.Error(t, err)
}
