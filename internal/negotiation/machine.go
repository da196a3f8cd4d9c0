package negotiation

import (
	"context"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mossy-p/interview-call/internal/iceservers"
	"github.com/mossy-p/interview-call/internal/models"
	"github.com/mossy-p/interview-call/internal/signaling"
	"github.com/mossy-p/interview-call/internal/transcript"
)

const eventBuffer = 128

// Signaler is the signaling channel as seen by the machine.
// *signaling.Channel satisfies it.
type Signaler interface {
	Connect(ctx context.Context, roomID string) error
	Send(msg models.SignalingMessage)
	OnMessage(h signaling.Handler)
	OnExhausted(fn func())
	Disconnect()
}

// CredentialSource supplies the peer connection configuration.
// *iceservers.Provider satisfies it.
type CredentialSource interface {
	Configuration(ctx context.Context) webrtc.Configuration
	ClearCache()
}

type Config struct {
	RoomID string
	// SessionID enables the transcript feed when set together with Deps.Feed.
	SessionID string
	// SpeakerRole tags the remote audio sent to transcription.
	SpeakerRole string
	Timing      Timing
}

type Deps struct {
	Logger      *zap.SugaredLogger
	Signaler    Signaler
	Credentials CredentialSource
	NewPeer     PeerFactory
	Feed        transcript.Feed
	Clock       Clock
}

// Machine owns one peer connection and runs its negotiation on a single
// event loop goroutine. Callbacks registered with OnStateChange and
// OnRemoteStream run on that goroutine and must not call Close.
type Machine struct {
	logger *zap.SugaredLogger
	cfg    Config
	deps   Deps
	local  LocalStream

	pcConfig webrtc.Configuration
	peer     PeerConnection
	// peerGen counts peer connections; events from replaced ones are dropped
	peerGen uint64

	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	done   chan struct{}

	// owned by the loop goroutine, then by Close once the loop has exited
	session Session
	timers  map[TimerKind]Timer
	remote  *RemoteStream
	feed    transcript.Handle

	mu             sync.Mutex
	snapshot       Snapshot
	onStateChange  func(Snapshot)
	onRemoteStream func(*RemoteStream)

	startOnce sync.Once
	closeOnce sync.Once
}

// NewMachine builds the peer connection from current credentials, attaches
// the local tracks and starts the event loop. Call Start to join the room.
func NewMachine(ctx context.Context, cfg Config, deps Deps, local LocalStream) (*Machine, error) {
	if deps.Clock == nil {
		deps.Clock = realClock{}
	}
	if deps.NewPeer == nil {
		deps.NewPeer = PionFactory
	}
	if cfg.Timing == (Timing{}) {
		cfg.Timing = DefaultTiming()
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		logger:  deps.Logger.With("room", cfg.RoomID),
		cfg:     cfg,
		deps:    deps,
		local:   local,
		ctx:     loopCtx,
		cancel:  cancel,
		events:  make(chan Event, eventBuffer),
		done:    make(chan struct{}),
		session: NewSession(cfg.Timing, cfg.SessionID != "" && deps.Feed != nil),
		timers:  make(map[TimerKind]Timer),
	}
	m.snapshot = m.session.Snapshot()

	m.pcConfig = deps.Credentials.Configuration(ctx)
	if err := m.replacePeer(); err != nil {
		cancel()
		return nil, err
	}
	m.logger.Infow("peer connection created",
		"localStream", local.ID, "localTracks", len(local.Tracks),
		"iceServers", len(m.pcConfig.ICEServers), "policy", m.pcConfig.ICETransportPolicy.String())

	deps.Signaler.OnMessage(m.onSignal)
	deps.Signaler.OnExhausted(func() { m.Dispatch(SignalingLost{}) })

	go m.run()
	return m, nil
}

// OnStateChange registers the snapshot observer. Register before Start.
func (m *Machine) OnStateChange(fn func(Snapshot)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onStateChange = fn
}

// OnRemoteStream registers the remote stream observer. Register before Start.
func (m *Machine) OnRemoteStream(fn func(*RemoteStream)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRemoteStream = fn
}

// Start arms the initiator fallback and connects the signaling channel.
func (m *Machine) Start(ctx context.Context) error {
	var err error
	m.startOnce.Do(func() {
		m.Dispatch(Started{})
		if err = m.deps.Signaler.Connect(ctx, m.cfg.RoomID); err != nil {
			err = fmt.Errorf("connect signaling: %w", err)
		}
	})
	return err
}

// Dispatch queues an event for the loop. It is safe from any goroutine and
// drops the event once the machine is closed.
func (m *Machine) Dispatch(ev Event) {
	select {
	case m.events <- ev:
	case <-m.ctx.Done():
	}
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshot
}

// Close tears down timers, the transcript feed, the peer connection and the
// signaling channel together. It is idempotent.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.cancel()
		<-m.done

		m.process(Closed{})
		for kind, t := range m.timers {
			t.Stop()
			delete(m.timers, kind)
		}
		m.stopFeed()
		if err := m.peer.Close(); err != nil {
			m.logger.Warnw("failed to close peer connection", "error", err)
		}
		m.deps.Signaler.Disconnect()
		m.logger.Infow("negotiation closed")
	})
}

// peerEvent tags an event with the peer connection generation that emitted it.
type peerEvent struct {
	gen uint64
	Event
}

// replacePeer builds a peer connection for the next generation, attaches the
// local tracks and swaps it in, closing the previous one. On error the current
// peer connection stays in place.
func (m *Machine) replacePeer() error {
	gen := m.peerGen + 1
	peer, err := m.deps.NewPeer(m.pcConfig, func(ev Event) {
		m.Dispatch(peerEvent{gen: gen, Event: ev})
	})
	if err != nil {
		return err
	}
	for _, track := range m.local.Tracks {
		if err := peer.AddTrack(track); err != nil {
			_ = peer.Close()
			return fmt.Errorf("attach %s track %s: %w", track.Kind(), track.ID(), err)
		}
	}

	old := m.peer
	m.peer, m.peerGen = peer, gen
	if old != nil {
		if err := old.Close(); err != nil {
			m.logger.Warnw("failed to close replaced peer connection", "error", err)
		}
	}
	return nil
}

func (m *Machine) run() {
	defer close(m.done)
	for {
		select {
		case <-m.ctx.Done():
			return
		case ev := <-m.events:
			m.process(ev)
		}
	}
}

// process steps ev and every follow-up event its effects produce before
// returning, so follow-ups are never reordered behind queued events.
func (m *Machine) process(ev Event) {
	queue := []Event{ev}
	for len(queue) > 0 {
		ev, queue = queue[0], queue[1:]
		if pe, ok := ev.(peerEvent); ok {
			if pe.gen != m.peerGen {
				continue
			}
			ev = pe.Event
		}
		if t, ok := ev.(TrackArrived); ok {
			m.collectTrack(t)
		}

		next, effects := Step(m.session, ev)
		m.session = next
		for _, eff := range effects {
			queue = append(queue, m.execute(eff)...)
		}
		m.publishSnapshot()
	}
}

func (m *Machine) execute(eff Effect) []Event {
	switch e := eff.(type) {
	case SendOffer:
		offer, err := m.peer.CreateOffer()
		if err == nil {
			err = m.peer.SetLocalDescription(offer)
		}
		if err != nil {
			return []Event{NegotiationFailed{Op: OpCreateOffer, Err: err}}
		}
		m.logger.Infow("local offer created")
		return []Event{LocalDescriptionReady{Description: offer}}

	case AcceptOffer:
		return m.acceptOffer(e)

	case ApplyAnswer:
		if err := m.peer.SetRemoteDescription(e.Description); err != nil {
			return []Event{NegotiationFailed{Op: OpApplyAnswer, Err: err}}
		}
		m.logger.Infow("remote answer applied")
		return []Event{RemoteDescriptionApplied{}}

	case ApplyCandidates:
		for _, c := range e.Candidates {
			m.applyCandidate(c)
		}

	case Transmit:
		m.deps.Signaler.Send(e.Message)

	case ArmTimer:
		if t, ok := m.timers[e.Kind]; ok {
			t.Stop()
		}
		kind, token := e.Kind, e.Token
		m.timers[e.Kind] = m.deps.Clock.AfterFunc(e.After, func() {
			m.Dispatch(TimerFired{Kind: kind, Token: token})
		})

	case CancelTimer:
		if t, ok := m.timers[e.Kind]; ok {
			t.Stop()
			delete(m.timers, e.Kind)
		}

	case PublishStream:
		m.mu.Lock()
		fn := m.onRemoteStream
		m.mu.Unlock()
		m.logger.Infow("remote stream published", "stream", e.StreamID)
		if fn != nil && m.remote != nil {
			fn(m.remote)
		}

	case StartTranscript:
		return m.startFeed(e.TrackID)

	case StopTranscript:
		m.stopFeed()

	case InvalidateCredentials:
		m.deps.Credentials.ClearCache()

	case Log:
		m.log(e)
	}
	return nil
}

func (m *Machine) log(e Log) {
	switch e.Level {
	case zapcore.DebugLevel:
		m.logger.Debugw(e.Message, e.Fields...)
	case zapcore.InfoLevel:
		m.logger.Infow(e.Message, e.Fields...)
	case zapcore.WarnLevel:
		m.logger.Warnw(e.Message, e.Fields...)
	default:
		m.logger.Errorw(e.Message, e.Fields...)
	}
}

func (m *Machine) acceptOffer(e AcceptOffer) []Event {
	if e.Rollback {
		// pion rejects an SDP rollback, so the offering connection is replaced
		m.logger.Infow("offer collision, replacing peer connection to accept remote offer")
		if err := m.replacePeer(); err != nil {
			return []Event{NegotiationFailed{Op: OpAcceptOffer, Err: fmt.Errorf("replace peer connection: %w", err)}}
		}
	}
	if err := m.peer.SetRemoteDescription(e.Description); err != nil {
		return []Event{NegotiationFailed{Op: OpAcceptOffer, Err: err}}
	}
	events := []Event{RemoteDescriptionApplied{}}

	answer, err := m.peer.CreateAnswer()
	if err == nil {
		err = m.peer.SetLocalDescription(answer)
	}
	if err != nil {
		return append(events, NegotiationFailed{Op: OpAcceptOffer, Err: fmt.Errorf("answer: %w", err)})
	}
	m.logger.Infow("remote offer accepted, answer created")
	return append(events, LocalDescriptionReady{Description: answer})
}

func (m *Machine) applyCandidate(c webrtc.ICECandidateInit) {
	// pion ignores candidates it already holds
	if err := m.peer.AddICECandidate(c); err != nil {
		m.logger.Warnw("failed to apply remote candidate", "error", err)
		return
	}
	m.logger.Debugw("remote candidate applied", "type", iceservers.CandidateType(c.Candidate))
}

func (m *Machine) collectTrack(t TrackArrived) {
	if t.Track == nil || t.StreamID == "" {
		return
	}
	if m.remote == nil {
		m.remote = newRemoteStream(t.StreamID)
	}
	m.remote.add(t.Track)
	m.logger.Infow("remote track arrived", "track", t.TrackID, "kind", t.Kind.String(), "stream", t.StreamID)
}

func (m *Machine) startFeed(trackID string) []Event {
	ended := []Event{FeedEnded{TrackID: trackID}}
	if m.remote == nil {
		return ended
	}
	track, ok := m.remote.track(trackID)
	if !ok {
		return ended
	}
	handle, err := m.deps.Feed.Start(track, m.cfg.SessionID, m.cfg.SpeakerRole)
	if err != nil {
		m.logger.Warnw("failed to start transcript feed", "track", trackID, "error", err)
		return ended
	}
	m.feed = handle
	go func() {
		<-handle.Done()
		m.Dispatch(FeedEnded{TrackID: trackID})
	}()
	return nil
}

// stopFeed stops the active handle exactly once.
func (m *Machine) stopFeed() {
	if m.feed == nil {
		return
	}
	m.feed.Stop()
	m.feed = nil
}

func (m *Machine) publishSnapshot() {
	snap := m.session.Snapshot()
	m.mu.Lock()
	changed := snap != m.snapshot
	m.snapshot = snap
	fn := m.onStateChange
	m.mu.Unlock()
	if changed && fn != nil {
		fn(snap)
	}
}

func (m *Machine) onSignal(msg models.SignalingMessage) {
	ev, err := EventFromMessage(msg)
	if err != nil {
		m.logger.Warnw("dropping signaling message", "type", msg.Type, "error", err)
		return
	}
	if ev == nil {
		return
	}
	if c, ok := ev.(CandidateReceived); ok {
		m.logger.Debugw("remote candidate received", "type", iceservers.CandidateType(c.Candidate.Candidate))
	}
	m.Dispatch(ev)
}
