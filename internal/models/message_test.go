package models

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignalingMessage_WireShape(t *testing.T) {
	msg, err := NewOffer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "v=0"})
	require.NoError(t, err)

	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var generic map[string]interface{}
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Equal(t, "offer", generic["type"])
	assert.NotContains(t, generic, "from")
	data := generic["data"].(map[string]interface{})
	assert.Equal(t, "offer", data["type"])
	assert.Equal(t, "v=0", data["sdp"])
}

func TestSignalingMessage_DecodesBrowserCandidate(t *testing.T) {
	raw := `{"type":"ice-candidate","data":{"candidate":"candidate:1 1 udp 2122260223 10.0.0.2 54321 typ host","sdpMid":"0","sdpMLineIndex":0}}`
	var msg SignalingMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &msg))

	c, err := msg.Candidate()
	require.NoError(t, err)
	assert.Contains(t, c.Candidate, "typ host")
	require.NotNil(t, c.SDPMid)
	assert.Equal(t, "0", *c.SDPMid)
}

func TestSignalingMessage_AccessorsCheckKind(t *testing.T) {
	msg := NewRoomInfo(1, "p1")

	_, err := msg.SessionDescription()
	assert.True(t, errors.Is(err, ErrPayloadKind))
	_, err = msg.Candidate()
	assert.True(t, errors.Is(err, ErrPayloadKind))

	occ, err := msg.Occupancy()
	require.NoError(t, err)
	assert.Equal(t, 1, occ.UserCount)
	assert.Equal(t, "p1", occ.PeerID)

	_, err = NewPing().Occupancy()
	assert.True(t, errors.Is(err, ErrPayloadKind))
}

func TestSignalingMessage_EmptySDPRejected(t *testing.T) {
	msg := SignalingMessage{Type: SignalTypeAnswer, Data: json.RawMessage(`{"type":"answer","sdp":""}`)}
	_, err := msg.SessionDescription()
	assert.Error(t, err)
}

func TestSignalingMessage_OccupancyWithoutPayload(t *testing.T) {
	occ, err := SignalingMessage{Type: SignalTypeUserLeft}.Occupancy()
	require.NoError(t, err)
	assert.Equal(t, 0, occ.UserCount)
}

func TestSignalingMessage_IsControl(t *testing.T) {
	assert.True(t, NewPing().IsControl())
	assert.True(t, NewPong().IsControl())
	assert.False(t, NewUserJoined(2, "p2").IsControl())
}
