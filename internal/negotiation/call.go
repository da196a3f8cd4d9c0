package negotiation

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/mossy-p/interview-call/internal/transcript"
)

var ErrCallClosed = errors.New("call closed")

// CallOptions configures every machine a Call builds.
type CallOptions struct {
	Config      Config
	Logger      *zap.SugaredLogger
	Credentials CredentialSource
	// NewSignaler returns a fresh signaling channel per machine; a channel is
	// not reusable after Disconnect.
	NewSignaler    func() Signaler
	NewPeer        PeerFactory
	Feed           transcript.Feed
	Clock          Clock
	OnStateChange  func(Snapshot)
	OnRemoteStream func(*RemoteStream)
}

// Call is one logical call. It holds at most one Machine so that two peer
// connections never exist for the same call.
type Call struct {
	opts CallOptions

	mu      sync.Mutex
	current *Machine
	closed  bool
}

func NewCall(opts CallOptions) *Call {
	return &Call{opts: opts}
}

// Attach tears down any previous machine and negotiates anew with local.
// It is called whenever the local media changes identity.
func (c *Call) Attach(ctx context.Context, local LocalStream) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrCallClosed
	}
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}

	m, err := NewMachine(ctx, c.opts.Config, Deps{
		Logger:      c.opts.Logger,
		Signaler:    c.opts.NewSignaler(),
		Credentials: c.opts.Credentials,
		NewPeer:     c.opts.NewPeer,
		Feed:        c.opts.Feed,
		Clock:       c.opts.Clock,
	}, local)
	if err != nil {
		return err
	}
	m.OnStateChange(c.opts.OnStateChange)
	m.OnRemoteStream(c.opts.OnRemoteStream)

	if err := m.Start(ctx); err != nil {
		m.Close()
		return err
	}
	c.current = m
	return nil
}

// Snapshot of the current machine, or the zero value when none is attached.
func (c *Call) Snapshot() Snapshot {
	c.mu.Lock()
	m := c.current
	c.mu.Unlock()
	if m == nil {
		return Snapshot{}
	}
	return m.Snapshot()
}

// Close tears down the current machine. It is idempotent.
func (c *Call) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	if c.current != nil {
		c.current.Close()
		c.current = nil
	}
}
