package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(MessageTask, "agent-1")
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, MessageTask, env.Type)
	assert.Equal(t, "agent-1", env.AgentID)
	assert.False(t, env.Timestamp.IsZero())
}

func TestDecodeEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()
	env := NewEnvelope(MessageResult, "agent-1")
	env.TaskID = "e1:step"
	env.Payload = map[string]any{"k": "v"}

	data, err := env.Encode()
	require.NoError(t, err)

	decoded, err := DecodeEnvelope(data)
	require.NoError(t, err)
	assert.Equal(t, env.ID, decoded.ID)
	assert.Equal(t, env.TaskID, decoded.TaskID)
	assert.Equal(t, "v", decoded.Payload["k"])
}

func TestDecodeEnvelope_Malformed(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		data string
	}{
		{"not json", "{broken"},
		{"missing id", `{"type":"task","agent_id":"a"}`},
		{"unknown type", `{"id":"x","type":"gossip","agent_id":"a"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := DecodeEnvelope([]byte(tc.data))
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestEncode_NilEnvelope(t *testing.T) {
	t.Parallel()
	var env *Envelope
	_, err := env.Encode()
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestMessageType_Valid(t *testing.T) {
	t.Parallel()
	for _, mt := range []MessageType{MessageTask, MessageStatus, MessageResult, MessageHeartbeat, MessageCommand, MessageResponse} {
		assert.True(t, mt.Valid())
	}
	assert.False(t, MessageType("gossip").Valid())
	assert.False(t, MessageType("").Valid())
}
