package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mkoval/huddle/internal/domain"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	env, err := NewEnvelope(TypeMute, "peer-2", MutePayload{Muted: true})
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)

	var decoded Envelope
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, TypeMute, decoded.Type)
	assert.Equal(t, domain.PeerID("peer-2"), decoded.Target)

	var p MutePayload
	require.NoError(t, decoded.Decode(&p))
	assert.True(t, p.Muted)
}

func TestEnvelopeOmitsEmptyFields(t *testing.T) {
	env, err := NewEnvelope(TypeLeave, "", nil)
	require.NoError(t, err)

	data, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"leave"}`, string(data))
}

func TestDecodeEmptyPayload(t *testing.T) {
	env := Envelope{Type: TypeJoined}
	var p JoinedPayload
	assert.Error(t, env.Decode(&p))
}

func TestErrorPayloadFatal(t *testing.T) {
	assert.True(t, ErrorPayload{Code: ErrCodeRoomFull}.Fatal())
	assert.True(t, ErrorPayload{Code: ErrCodeUnauthorized}.Fatal())
	assert.False(t, ErrorPayload{Code: ErrCodeBadPayload}.Fatal())
	assert.False(t, ErrorPayload{Code: "something-else"}.Fatal())
}
