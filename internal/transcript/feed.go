// Package transcript bridges remote call audio to the speech-to-text relay
// endpoints and delivers the resulting live transcript.
package transcript

import (
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// Speaker roles understood by the STT endpoint.
const (
	RoleCandidate   = "candidate"
	RoleInterviewer = "interviewer"
)

// Track is the audio-only view of a remote track the feed consumes.
// *webrtc.TrackRemote satisfies it.
type Track interface {
	ID() string
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// Handle controls one running feed. Stop is idempotent; Done is closed once
// the feed has fully stopped, either because Stop was called or the track ended.
type Handle interface {
	Stop()
	Done() <-chan struct{}
}

// Feed starts forwarding a track to transcription.
type Feed interface {
	Start(track Track, sessionID, role string) (Handle, error)
}
