package negotiation

import (
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/interview-call/internal/models"
)

// Event is an input to Step.
type Event interface {
	event()
}

// Started is emitted once local media is attached to the peer connection.
type Started struct{}

type RoomInfo struct {
	Count  int
	PeerID string
}

type PeerJoined struct {
	Count  int
	PeerID string
}

type PeerLeft struct {
	Count  int
	PeerID string
}

type OfferReceived struct {
	Description webrtc.SessionDescription
	From        string
}

type AnswerReceived struct {
	Description webrtc.SessionDescription
	From        string
}

type CandidateReceived struct {
	Candidate webrtc.ICECandidateInit
}

// LocalCandidate carries a gathered candidate; a nil Candidate marks the end
// of gathering.
type LocalCandidate struct {
	Candidate *webrtc.ICECandidateInit
	Type      string
}

// LocalDescriptionReady follows a successful offer or answer creation.
type LocalDescriptionReady struct {
	Description webrtc.SessionDescription
}

type RemoteDescriptionApplied struct{}

type Operation string

const (
	OpCreateOffer Operation = "create-offer"
	OpAcceptOffer Operation = "accept-offer"
	OpApplyAnswer Operation = "apply-answer"
)

type NegotiationFailed struct {
	Op  Operation
	Err error
}

type ConnectionStateChanged struct {
	State webrtc.PeerConnectionState
}

type TimerFired struct {
	Kind  TimerKind
	Token uint64
}

type TrackArrived struct {
	TrackID  string
	StreamID string
	Kind     webrtc.RTPCodecType
	Track    RemoteTrack
}

// FeedEnded reports that the transcript feed for a track has finished.
type FeedEnded struct {
	TrackID string
}

// SignalingLost follows an exhausted reconnect budget.
type SignalingLost struct{}

// Closed tears the session down.
type Closed struct{}

func (Started) event()                  {}
func (RoomInfo) event()                 {}
func (PeerJoined) event()               {}
func (PeerLeft) event()                 {}
func (OfferReceived) event()            {}
func (AnswerReceived) event()           {}
func (CandidateReceived) event()        {}
func (LocalCandidate) event()           {}
func (LocalDescriptionReady) event()    {}
func (RemoteDescriptionApplied) event() {}
func (NegotiationFailed) event()        {}
func (ConnectionStateChanged) event()   {}
func (TimerFired) event()               {}
func (TrackArrived) event()             {}
func (FeedEnded) event()                {}
func (SignalingLost) event()            {}
func (Closed) event()                   {}

// EventFromMessage translates an inbound signaling message. Keep-alives and
// unknown kinds yield a nil event.
func EventFromMessage(msg models.SignalingMessage) (Event, error) {
	switch msg.Type {
	case models.SignalTypeRoomInfo, models.SignalTypeUserJoined, models.SignalTypeUserLeft:
		occ, err := msg.Occupancy()
		if err != nil {
			return nil, err
		}
		peerID := occ.PeerID
		if msg.From != "" {
			peerID = msg.From
		}
		switch msg.Type {
		case models.SignalTypeRoomInfo:
			// room-info names the receiver, never the sender
			return RoomInfo{Count: occ.UserCount, PeerID: occ.PeerID}, nil
		case models.SignalTypeUserJoined:
			return PeerJoined{Count: occ.UserCount, PeerID: peerID}, nil
		default:
			return PeerLeft{Count: occ.UserCount, PeerID: peerID}, nil
		}

	case models.SignalTypeOffer:
		sd, err := msg.SessionDescription()
		if err != nil {
			return nil, err
		}
		return OfferReceived{Description: sd, From: msg.From}, nil

	case models.SignalTypeAnswer:
		sd, err := msg.SessionDescription()
		if err != nil {
			return nil, err
		}
		return AnswerReceived{Description: sd, From: msg.From}, nil

	case models.SignalTypeCandidate:
		c, err := msg.Candidate()
		if err != nil {
			return nil, err
		}
		return CandidateReceived{Candidate: c}, nil

	case models.SignalTypePing, models.SignalTypePong:
		return nil, nil

	default:
		return nil, fmt.Errorf("unknown signaling message type %q", msg.Type)
	}
}
