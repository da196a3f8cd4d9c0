package negotiation

import (
	"fmt"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/samber/lo"

	"github.com/mossy-p/interview-call/internal/transcript"
)

// PeerConnection is the subset of a WebRTC peer connection the machine drives.
// Implementations report asynchronous activity through the emit function
// handed to their PeerFactory.
type PeerConnection interface {
	AddTrack(track webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(sd webrtc.SessionDescription) error
	SetRemoteDescription(sd webrtc.SessionDescription) error
	AddICECandidate(c webrtc.ICECandidateInit) error
	Close() error
}

// PeerFactory builds a peer connection whose callbacks are delivered as events.
type PeerFactory func(cfg webrtc.Configuration, emit func(Event)) (PeerConnection, error)

// RemoteTrack is an inbound media track. *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	transcript.Track
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// LocalStream is the captured media attached to a call. It may hold zero,
// one or several tracks.
type LocalStream struct {
	ID     string
	Tracks []webrtc.TrackLocal
}

// RemoteStream collects the remote peer's tracks. It is published once per
// session; tracks arriving later are added to the same stream.
type RemoteStream struct {
	ID string

	mu     sync.RWMutex
	tracks []RemoteTrack
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{ID: id}
}

func (s *RemoteStream) add(t RemoteTrack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks = append(s.tracks, t)
}

func (s *RemoteStream) Tracks() []RemoteTrack {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]RemoteTrack(nil), s.tracks...)
}

func (s *RemoteStream) AudioTracks() []RemoteTrack {
	return lo.Filter(s.Tracks(), func(t RemoteTrack, _ int) bool {
		return t.Kind() == webrtc.RTPCodecTypeAudio
	})
}

func (s *RemoteStream) track(id string) (RemoteTrack, bool) {
	return lo.Find(s.Tracks(), func(t RemoteTrack) bool { return t.ID() == id })
}

// PionPeer adapts a pion PeerConnection to PeerConnection.
type PionPeer struct {
	pc *webrtc.PeerConnection
}

// NewPionPeer builds a pion peer connection with the default codecs and
// interceptors and routes its callbacks to emit.
func NewPionPeer(cfg webrtc.Configuration, emit func(Event)) (*PionPeer, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("failed to register codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("failed to register interceptors: %w", err)
	}
	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)

	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			emit(LocalCandidate{})
			return
		}
		init := c.ToJSON()
		emit(LocalCandidate{Candidate: &init, Type: c.Typ.String()})
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		emit(TrackArrived{
			TrackID:  track.ID(),
			StreamID: track.StreamID(),
			Kind:     track.Kind(),
			Track:    track,
		})
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		emit(ConnectionStateChanged{State: state})
	})
	return &PionPeer{pc: pc}, nil
}

// PionFactory is the PeerFactory backed by NewPionPeer.
func PionFactory(cfg webrtc.Configuration, emit func(Event)) (PeerConnection, error) {
	p, err := NewPionPeer(cfg, emit)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *PionPeer) AddTrack(track webrtc.TrackLocal) error {
	sender, err := p.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("failed to add track: %w", err)
	}
	// RTCP must be drained for interceptors such as NACK to run.
	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

func (p *PionPeer) CreateOffer() (webrtc.SessionDescription, error) {
	return p.pc.CreateOffer(nil)
}

func (p *PionPeer) CreateAnswer() (webrtc.SessionDescription, error) {
	return p.pc.CreateAnswer(nil)
}

func (p *PionPeer) SetLocalDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetLocalDescription(sd)
}

func (p *PionPeer) SetRemoteDescription(sd webrtc.SessionDescription) error {
	return p.pc.SetRemoteDescription(sd)
}

func (p *PionPeer) AddICECandidate(c webrtc.ICECandidateInit) error {
	return p.pc.AddICECandidate(c)
}

func (p *PionPeer) Close() error {
	return p.pc.Close()
}
