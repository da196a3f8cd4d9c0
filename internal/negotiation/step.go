package negotiation

import (
	"slices"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zapcore"

	"github.com/mossy-p/interview-call/internal/models"
)

// Step is the negotiation transition function. It is pure: the returned
// Session is a new value and all side effects are described by the returned
// effects, to be executed in order.
func Step(s Session, ev Event) (Session, []Effect) {
	if s.Phase == PhaseClosed {
		return s, nil
	}

	switch e := ev.(type) {
	case Started:
		return s.onStarted()
	case RoomInfo:
		return s.onRoomInfo(e)
	case PeerJoined:
		return s.onPeerJoined(e)
	case PeerLeft:
		return s.onPeerLeft(e)
	case OfferReceived:
		return s.onOffer(e)
	case AnswerReceived:
		return s.onAnswer(e)
	case CandidateReceived:
		return s.onRemoteCandidate(e)
	case LocalCandidate:
		return s.onLocalCandidate(e)
	case LocalDescriptionReady:
		return s.onLocalDescription(e)
	case RemoteDescriptionApplied:
		return s.onRemoteDescriptionApplied()
	case NegotiationFailed:
		return s.onNegotiationFailed(e)
	case ConnectionStateChanged:
		return s.onConnectionState(e)
	case TimerFired:
		return s.onTimer(e)
	case TrackArrived:
		return s.onTrack(e)
	case FeedEnded:
		return s.onFeedEnded(e)
	case SignalingLost:
		s.Error = ErrSignalingLost.Error()
		s.Phase = PhaseDegraded
		return s, nil
	case Closed:
		return s.onClosed()
	default:
		return s, nil
	}
}

func (s Session) onStarted() (Session, []Effect) {
	if s.Phase != PhaseNew {
		return s, nil
	}
	s.Phase = PhaseCheckingOccupancy
	arm := s.arm(TimerFallback)
	return s, []Effect{arm}
}

func (s Session) onRoomInfo(e RoomInfo) (Session, []Effect) {
	if e.Count > models.MaxParticipants {
		return s.roomFull(e.Count)
	}
	if e.PeerID != "" {
		s.SelfID = e.PeerID
	}
	s.Occupancy = e.Count
	if role := ElectRole(e.Count); role != RoleUndetermined && s.Role == RoleUndetermined {
		s.Tentative = role
	}
	return s, []Effect{debug("occupancy observed", "count", e.Count, "tentative", s.Tentative.String())}
}

func (s Session) onPeerJoined(e PeerJoined) (Session, []Effect) {
	if e.Count > models.MaxParticipants {
		return s.roomFull(e.Count)
	}
	s.Occupancy = e.Count
	if e.PeerID != "" {
		s.PeerID = e.PeerID
	}
	if e.Count < models.MaxParticipants || s.Tentative != RoleInitiator || s.exchanged() ||
		s.Timers[TimerOfferDelay] != 0 {
		return s, nil
	}
	arm := s.arm(TimerOfferDelay)
	return s, []Effect{arm}
}

func (s Session) onPeerLeft(e PeerLeft) (Session, []Effect) {
	s.Occupancy = e.Count
	s.Error = ErrPeerLeft.Error()
	s.Phase = PhaseDegraded
	return s, []Effect{info("peer left the room", "peer", e.PeerID, "count", e.Count)}
}

func (s Session) roomFull(count int) (Session, []Effect) {
	s.Error = ErrRoomFull.Error()
	return s, []Effect{warn("ignoring occupancy beyond two participants", "count", count)}
}

func (s Session) onOffer(e OfferReceived) (Session, []Effect) {
	if e.From != "" {
		s.PeerID = e.From
	}

	rollback := false
	switch {
	case s.OfferReceived:
		return s, []Effect{info("ignoring duplicate offer", "from", e.From)}
	case s.OfferSent && s.AnswerReceived:
		return s, []Effect{info("ignoring offer after completed negotiation", "from", e.From)}
	case s.OfferSent:
		if !s.polite(e.From) {
			return s, []Effect{info("offer collision, keeping local offer", "self", s.SelfID, "from", e.From)}
		}
		rollback = true
	}

	s.Role = RoleResponder
	s.Tentative = RoleResponder
	s.OfferSent = false
	s.OfferReceived = true
	s.Phase = PhaseResponderAnswering

	effects := s.disarm(TimerFallback)
	effects = append(effects, s.disarm(TimerOfferDelay)...)
	effects = append(effects, AcceptOffer{Description: e.Description, Rollback: rollback})
	return s, effects
}

func (s Session) onAnswer(e AnswerReceived) (Session, []Effect) {
	switch {
	case s.Role != RoleInitiator || !s.OfferSent:
		return s, []Effect{info("ignoring answer, no local offer outstanding", "role", s.Role.String())}
	case s.AnswerReceived:
		return s, []Effect{info("ignoring duplicate answer", "from", e.From)}
	}
	s.AnswerReceived = true
	return s, []Effect{ApplyAnswer{Description: e.Description}}
}

func (s Session) onRemoteCandidate(e CandidateReceived) (Session, []Effect) {
	if s.RemoteDescriptionSet {
		return s, []Effect{ApplyCandidates{Candidates: []webrtc.ICECandidateInit{e.Candidate}}}
	}
	s.Pending = append(slices.Clip(s.Pending), e.Candidate)
	if s.Timers[TimerCandidateRetry] != 0 {
		return s, nil
	}
	arm := s.arm(TimerCandidateRetry)
	return s, []Effect{arm}
}

func (s Session) onRemoteDescriptionApplied() (Session, []Effect) {
	s.RemoteDescriptionSet = true
	return s.flushPending()
}

func (s Session) flushPending() (Session, []Effect) {
	effects := s.disarm(TimerCandidateRetry)
	if len(s.Pending) == 0 {
		return s, effects
	}
	effects = append(effects, ApplyCandidates{Candidates: s.Pending})
	s.Pending = nil
	return s, effects
}

func (s Session) onLocalCandidate(e LocalCandidate) (Session, []Effect) {
	if e.Candidate == nil {
		return s, []Effect{debug("local candidate gathering complete")}
	}
	msg, err := models.NewCandidate(*e.Candidate)
	if err != nil {
		return s, []Effect{warn("failed to encode local candidate", "error", err)}
	}
	return s, []Effect{
		debug("local candidate", "type", e.Type),
		Transmit{Message: msg},
	}
}

func (s Session) onLocalDescription(e LocalDescriptionReady) (Session, []Effect) {
	var (
		msg models.SignalingMessage
		err error
	)
	switch e.Description.Type {
	case webrtc.SDPTypeOffer:
		msg, err = models.NewOffer(e.Description)
	case webrtc.SDPTypeAnswer:
		s.AnswerSent = true
		msg, err = models.NewAnswer(e.Description)
	default:
		return s, nil
	}
	if err != nil {
		return s, []Effect{warn("failed to encode local description", "error", err)}
	}
	return s, []Effect{Transmit{Message: msg}}
}

func (s Session) onNegotiationFailed(e NegotiationFailed) (Session, []Effect) {
	switch e.Op {
	case OpCreateOffer:
		s.OfferSent = false
	case OpAcceptOffer:
		s.OfferReceived = false
	case OpApplyAnswer:
		s.AnswerReceived = false
	}
	s.Error = ErrNegotiationFailed.Error()
	s.Phase = PhaseDegraded
	effects := []Effect{Log{
		Level:   zapcore.ErrorLevel,
		Message: "negotiation step failed",
		Fields:  []any{"op", string(e.Op), "error", e.Err},
	}}
	// with nothing exchanged no timer is left to drive progress
	if !s.exchanged() && s.Timers[TimerFallback] == 0 {
		effects = append(effects, s.arm(TimerFallback))
	}
	return s, effects
}

func (s Session) onConnectionState(e ConnectionStateChanged) (Session, []Effect) {
	s.Connection = e.State
	switch e.State {
	case webrtc.PeerConnectionStateConnected:
		s.Error = ""
		s.Phase = PhaseConnected
	case webrtc.PeerConnectionStateDisconnected:
		s.Error = ErrConnectionLost.Error()
		s.Phase = PhaseDegraded
	case webrtc.PeerConnectionStateFailed:
		s.Error = ErrConnectionLost.Error()
		s.Phase = PhaseDegraded
		return s, []Effect{InvalidateCredentials{}}
	}
	return s, nil
}

func (s Session) onTimer(e TimerFired) (Session, []Effect) {
	if e.Token == 0 || s.Timers[e.Kind] != e.Token {
		return s, nil
	}
	s.Timers[e.Kind] = 0

	switch e.Kind {
	case TimerFallback:
		if s.exchanged() {
			return s, nil
		}
		next, effects := s.sendOffer()
		return next, append([]Effect{info("no offer exchanged in time, promoting to initiator")}, effects...)
	case TimerOfferDelay:
		if s.exchanged() {
			return s, nil
		}
		return s.sendOffer()
	case TimerCandidateRetry:
		if len(s.Pending) == 0 {
			return s, nil
		}
		if s.RemoteDescriptionSet {
			return s.flushPending()
		}
		arm := s.arm(TimerCandidateRetry)
		return s, []Effect{arm}
	}
	return s, nil
}

func (s Session) sendOffer() (Session, []Effect) {
	s.Role = RoleInitiator
	s.Tentative = RoleInitiator
	s.OfferSent = true
	s.Phase = PhaseInitiatorOffering
	effects := s.disarm(TimerFallback)
	effects = append(effects, s.disarm(TimerOfferDelay)...)
	return s, append(effects, SendOffer{})
}

func (s Session) onTrack(e TrackArrived) (Session, []Effect) {
	if e.StreamID == "" {
		return s, []Effect{warn("remote track without stream", "track", e.TrackID)}
	}
	var effects []Effect
	if !s.StreamPublished {
		s.StreamPublished = true
		effects = append(effects, PublishStream{StreamID: e.StreamID})
	}
	if e.Kind == webrtc.RTPCodecTypeAudio && s.TranscriptEnabled && !s.TranscriptActive {
		s.TranscriptActive = true
		s.TranscriptTrack = e.TrackID
		effects = append(effects, StartTranscript{TrackID: e.TrackID})
	}
	return s, effects
}

func (s Session) onFeedEnded(e FeedEnded) (Session, []Effect) {
	if !s.TranscriptActive || e.TrackID != s.TranscriptTrack {
		return s, nil
	}
	s.TranscriptActive = false
	s.TranscriptTrack = ""
	return s, []Effect{StopTranscript{}}
}

func (s Session) onClosed() (Session, []Effect) {
	var effects []Effect
	for k := TimerKind(0); k < timerKinds; k++ {
		effects = append(effects, s.disarm(k)...)
	}
	if s.TranscriptActive {
		s.TranscriptActive = false
		s.TranscriptTrack = ""
		effects = append(effects, StopTranscript{})
	}
	s.Pending = nil
	s.Phase = PhaseClosed
	return s, effects
}

// arm issues a fresh token for kind; any earlier token becomes stale.
func (s *Session) arm(kind TimerKind) Effect {
	s.Seq++
	s.Timers[kind] = s.Seq
	return ArmTimer{Kind: kind, Token: s.Seq, After: s.Timing.delay(kind)}
}

func (s *Session) disarm(kind TimerKind) []Effect {
	if s.Timers[kind] == 0 {
		return nil
	}
	s.Timers[kind] = 0
	return []Effect{CancelTimer{Kind: kind}}
}

func debug(msg string, fields ...any) Effect {
	return Log{Level: zapcore.DebugLevel, Message: msg, Fields: fields}
}

func info(msg string, fields ...any) Effect {
	return Log{Level: zapcore.InfoLevel, Message: msg, Fields: fields}
}

func warn(msg string, fields ...any) Effect {
	return Log{Level: zapcore.WarnLevel, Message: msg, Fields: fields}
}
