package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer      SignalType = "offer"
	SignalTypeAnswer     SignalType = "answer"
	SignalTypeCandidate  SignalType = "ice-candidate"
	SignalTypeUserJoined SignalType = "user-joined"
	SignalTypeUserLeft   SignalType = "user-left"
	SignalTypeRoomInfo   SignalType = "room-info"
	SignalTypePing       SignalType = "ping"
	SignalTypePong       SignalType = "pong"
)

// ErrPayloadKind is returned when a payload accessor does not match the message type.
var ErrPayloadKind = errors.New("payload does not match message type")

// SignalingMessage is the envelope exchanged over the relay: {"type", "data"?, "from"?}.
// The shape of Data is determined by Type; use the typed accessors below.
type SignalingMessage struct {
	Type SignalType      `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	From string          `json:"from,omitempty"`
}

// Occupancy is the payload of room-info, user-joined and user-left.
type Occupancy struct {
	UserCount int    `json:"user_count"`
	PeerID    string `json:"peer_id,omitempty"`
}

// IsControl reports whether the message is a transport-level keep-alive.
func (m SignalingMessage) IsControl() bool {
	return m.Type == SignalTypePing || m.Type == SignalTypePong
}

// SessionDescription decodes the payload of an offer or answer.
func (m SignalingMessage) SessionDescription() (webrtc.SessionDescription, error) {
	var sd webrtc.SessionDescription
	if m.Type != SignalTypeOffer && m.Type != SignalTypeAnswer {
		return sd, fmt.Errorf("%w: %s carries no session description", ErrPayloadKind, m.Type)
	}
	if err := json.Unmarshal(m.Data, &sd); err != nil {
		return sd, fmt.Errorf("decode %s: %w", m.Type, err)
	}
	if sd.SDP == "" {
		return sd, fmt.Errorf("decode %s: empty sdp", m.Type)
	}
	return sd, nil
}

// Candidate decodes the payload of an ice-candidate message.
func (m SignalingMessage) Candidate() (webrtc.ICECandidateInit, error) {
	var c webrtc.ICECandidateInit
	if m.Type != SignalTypeCandidate {
		return c, fmt.Errorf("%w: %s carries no candidate", ErrPayloadKind, m.Type)
	}
	if err := json.Unmarshal(m.Data, &c); err != nil {
		return c, fmt.Errorf("decode candidate: %w", err)
	}
	return c, nil
}

// Occupancy decodes the payload of room-info, user-joined and user-left.
// A missing payload decodes to a zero count.
func (m SignalingMessage) Occupancy() (Occupancy, error) {
	var o Occupancy
	switch m.Type {
	case SignalTypeRoomInfo, SignalTypeUserJoined, SignalTypeUserLeft:
	default:
		return o, fmt.Errorf("%w: %s carries no occupancy", ErrPayloadKind, m.Type)
	}
	if len(m.Data) == 0 {
		return o, nil
	}
	if err := json.Unmarshal(m.Data, &o); err != nil {
		return o, fmt.Errorf("decode occupancy: %w", err)
	}
	return o, nil
}

func newMessage(t SignalType, payload interface{}) (SignalingMessage, error) {
	msg := SignalingMessage{Type: t}
	if payload == nil {
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("encode %s: %w", t, err)
	}
	msg.Data = data
	return msg, nil
}

// NewOffer wraps a local offer.
func NewOffer(sd webrtc.SessionDescription) (SignalingMessage, error) {
	return newMessage(SignalTypeOffer, sd)
}

// NewAnswer wraps a local answer.
func NewAnswer(sd webrtc.SessionDescription) (SignalingMessage, error) {
	return newMessage(SignalTypeAnswer, sd)
}

// NewCandidate wraps a locally gathered candidate.
func NewCandidate(c webrtc.ICECandidateInit) (SignalingMessage, error) {
	return newMessage(SignalTypeCandidate, c)
}

func NewRoomInfo(count int, peerID string) SignalingMessage {
	msg, _ := newMessage(SignalTypeRoomInfo, Occupancy{UserCount: count, PeerID: peerID})
	return msg
}

func NewUserJoined(count int, peerID string) SignalingMessage {
	msg, _ := newMessage(SignalTypeUserJoined, Occupancy{UserCount: count, PeerID: peerID})
	msg.From = peerID
	return msg
}

func NewUserLeft(count int, peerID string) SignalingMessage {
	msg, _ := newMessage(SignalTypeUserLeft, Occupancy{UserCount: count, PeerID: peerID})
	msg.From = peerID
	return msg
}

func NewPing() SignalingMessage { return SignalingMessage{Type: SignalTypePing} }

func NewPong() SignalingMessage { return SignalingMessage{Type: SignalTypePong} }
