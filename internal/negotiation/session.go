// Package negotiation drives one peer connection through initiator election
// and the offer/answer/candidate exchange.
//
// The transition logic is the pure function Step over an immutable-shape
// Session. Machine feeds it events from the signaling channel, the peer
// connection and timers, and executes the effects it returns.
package negotiation

import (
	"errors"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/interview-call/internal/models"
)

// User-visible conditions surfaced through Snapshot.Error.
var (
	ErrConnectionLost    = errors.New("connection lost")
	ErrPeerLeft          = errors.New("peer disconnected")
	ErrRoomFull          = errors.New("room is full")
	ErrSignalingLost     = errors.New("signaling connection lost")
	ErrNegotiationFailed = errors.New("negotiation failed")
)

type Role int

const (
	RoleUndetermined Role = iota
	RoleInitiator
	RoleResponder
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleResponder:
		return "responder"
	default:
		return "undetermined"
	}
}

// ElectRole maps an occupancy count observed on join to a role: alone in the
// room means initiator, second in means responder.
func ElectRole(occupancy int) Role {
	switch occupancy {
	case 1:
		return RoleInitiator
	case models.MaxParticipants:
		return RoleResponder
	default:
		return RoleUndetermined
	}
}

type Phase string

const (
	PhaseNew                Phase = "new"
	PhaseCheckingOccupancy  Phase = "checking-occupancy"
	PhaseInitiatorOffering  Phase = "initiator-offering"
	PhaseResponderAnswering Phase = "responder-answering"
	PhaseConnected          Phase = "connected"
	PhaseDegraded           Phase = "degraded"
	PhaseClosed             Phase = "closed"
)

type TimerKind int

const (
	TimerFallback TimerKind = iota
	TimerOfferDelay
	TimerCandidateRetry
	timerKinds
)

func (k TimerKind) String() string {
	switch k {
	case TimerFallback:
		return "fallback"
	case TimerOfferDelay:
		return "offer-delay"
	case TimerCandidateRetry:
		return "candidate-retry"
	default:
		return "unknown"
	}
}

// Timing holds the negotiation delays.
type Timing struct {
	Fallback       time.Duration
	OfferDelay     time.Duration
	CandidateRetry time.Duration
}

func DefaultTiming() Timing {
	return Timing{
		Fallback:       10 * time.Second,
		OfferDelay:     500 * time.Millisecond,
		CandidateRetry: 100 * time.Millisecond,
	}
}

func (t Timing) delay(k TimerKind) time.Duration {
	switch k {
	case TimerFallback:
		return t.Fallback
	case TimerOfferDelay:
		return t.OfferDelay
	default:
		return t.CandidateRetry
	}
}

// Session is the per-peer-connection negotiation state. Step never mutates a
// Session in place; slices are copied before they change.
type Session struct {
	Phase Phase
	// Role is settled only when an offer is sent or accepted.
	Role Role
	// Tentative is the occupancy based guess made before settling.
	Tentative Role

	SelfID    string
	PeerID    string
	Occupancy int

	OfferSent      bool
	OfferReceived  bool
	AnswerSent     bool
	AnswerReceived bool

	RemoteDescriptionSet bool
	Pending              []webrtc.ICECandidateInit

	// Timers holds the live token per timer kind, zero when disarmed.
	Timers [timerKinds]uint64
	Seq    uint64
	Timing Timing

	Connection webrtc.PeerConnectionState
	Error      string

	StreamPublished   bool
	TranscriptEnabled bool
	TranscriptActive  bool
	TranscriptTrack   string
}

func NewSession(timing Timing, transcriptEnabled bool) Session {
	return Session{
		Phase:             PhaseNew,
		Timing:            timing,
		Connection:        webrtc.PeerConnectionStateNew,
		TranscriptEnabled: transcriptEnabled,
	}
}

// HasSentOrReceivedOffer reports whether this session has handled an offer.
func (s Session) HasSentOrReceivedOffer() bool {
	return s.OfferSent || s.OfferReceived
}

func (s Session) HasSentOrReceivedAnswer() bool {
	return s.AnswerSent || s.AnswerReceived
}

func (s Session) exchanged() bool {
	return s.HasSentOrReceivedOffer() || s.HasSentOrReceivedAnswer()
}

// polite reports whether this side yields when offers collide. The side with
// the lower relay id yields; without both ids it yields.
func (s Session) polite(remoteID string) bool {
	if s.SelfID == "" || remoteID == "" {
		return true
	}
	return s.SelfID < remoteID
}

// Snapshot is the externally observable view of a session.
type Snapshot struct {
	Phase           Phase
	Role            Role
	ConnectionState webrtc.PeerConnectionState
	Error           string
	Occupancy       int
}

func (s Session) Snapshot() Snapshot {
	return Snapshot{
		Phase:           s.Phase,
		Role:            s.Role,
		ConnectionState: s.Connection,
		Error:           s.Error,
		Occupancy:       s.Occupancy,
	}
}
