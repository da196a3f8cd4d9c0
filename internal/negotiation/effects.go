package negotiation

import (
	"time"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap/zapcore"

	"github.com/mossy-p/interview-call/internal/models"
)

// Effect is an output of Step, executed by the Machine in order.
type Effect interface {
	effect()
}

// SendOffer creates a local offer and applies it as the local description.
type SendOffer struct{}

// AcceptOffer applies a remote offer and creates and applies an answer. When
// Rollback is set a local offer is outstanding and must be discarded first;
// the machine does so by replacing the peer connection.
type AcceptOffer struct {
	Description webrtc.SessionDescription
	Rollback    bool
}

type ApplyAnswer struct {
	Description webrtc.SessionDescription
}

type ApplyCandidates struct {
	Candidates []webrtc.ICECandidateInit
}

type Transmit struct {
	Message models.SignalingMessage
}

type ArmTimer struct {
	Kind  TimerKind
	Token uint64
	After time.Duration
}

type CancelTimer struct {
	Kind TimerKind
}

// PublishStream hands the remote stream to subscribers.
type PublishStream struct {
	StreamID string
}

type StartTranscript struct {
	TrackID string
}

type StopTranscript struct{}

// InvalidateCredentials drops cached traversal credentials.
type InvalidateCredentials struct{}

// Log records a decision that has no other observable effect.
type Log struct {
	Level   zapcore.Level
	Message string
	Fields  []any
}

func (SendOffer) effect()             {}
func (AcceptOffer) effect()           {}
func (ApplyAnswer) effect()           {}
func (ApplyCandidates) effect()       {}
func (Transmit) effect()              {}
func (ArmTimer) effect()              {}
func (CancelTimer) effect()           {}
func (PublishStream) effect()         {}
func (StartTranscript) effect()       {}
func (StopTranscript) effect()        {}
func (InvalidateCredentials) effect() {}
func (Log) effect()                   {}
