package provider

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
)

// Compile-time interface checks.
var (
	_ Provider  = (*MemoryProvider)(nil)
	_ DataConn  = (*MemoryConn)(nil)
	_ MediaCall = (*MemoryCall)(nil)
)

// MemoryNetwork is an in-process stand-in for the relay and the WebRTC
// transport. Providers created from the same network can reach each other
// by identifier without any sockets.
type MemoryNetwork struct {
	// SuppressConnOpen drops EventConnOpen notifications, mimicking a
	// transport that never reports a channel as open even though data flows.
	SuppressConnOpen bool

	mu    sync.Mutex
	peers map[string]*MemoryProvider
}

func NewMemoryNetwork() *MemoryNetwork {
	return &MemoryNetwork{peers: make(map[string]*MemoryProvider)}
}

// NewProvider creates a provider attached to this network.
func (n *MemoryNetwork) NewProvider() *MemoryProvider {
	return &MemoryProvider{
		network: n,
		queue:   newEventQueue(),
	}
}

// Online reports whether id currently has an open presence.
func (n *MemoryNetwork) Online(id string) bool {
	return n.lookup(id) != nil
}

func (n *MemoryNetwork) claim(id string, p *MemoryProvider) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, taken := n.peers[id]; taken {
		return false
	}
	n.peers[id] = p
	return true
}

func (n *MemoryNetwork) release(id string, p *MemoryProvider) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if current, ok := n.peers[id]; ok && current == p {
		delete(n.peers, id)
	}
}

func (n *MemoryNetwork) lookup(id string) *MemoryProvider {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.peers[id]
}

// MemoryProvider is a Provider on a MemoryNetwork. Events are queued without
// bound so callers never block, and delivered in order.
type MemoryProvider struct {
	network *MemoryNetwork

	queue     *eventQueue
	closeOnce sync.Once

	mu           sync.Mutex
	localID      string
	open         bool
	destroyCalls int
	conns        []*MemoryConn
	calls        []*MemoryCall
}

func (p *MemoryProvider) Open(_ context.Context, localID string) error {
	if p.queue.stopped() {
		return ErrDestroyed
	}

	if !p.network.claim(localID, p) {
		p.emit(Event{Kind: EventError, Err: &Error{
			Type:    ErrorUnavailableID,
			Message: fmt.Sprintf("ID %q is taken", localID),
		}})
		return nil
	}

	p.mu.Lock()
	p.localID = localID
	p.open = true
	p.mu.Unlock()

	p.emit(Event{Kind: EventOpen})
	return nil
}

func (p *MemoryProvider) Connect(remoteID string, _ ConnectOptions) (DataConn, error) {
	localID, err := p.requireOpen()
	if err != nil {
		return nil, err
	}

	local := &MemoryConn{id: uuid.NewString(), peer: remoteID, owner: p}
	target := p.network.lookup(remoteID)
	if target == nil || target == p {
		p.track(local)
		p.emit(peerUnavailable(remoteID))
		return local, nil
	}

	remote := &MemoryConn{id: local.id, peer: localID, owner: target}
	local.other, remote.other = remote, local
	local.open, remote.open = true, true
	p.track(local)
	target.mu.Lock()
	target.conns = append(target.conns, remote)
	target.mu.Unlock()

	target.emit(Event{Kind: EventIncomingConnection, Conn: remote})
	if !p.network.SuppressConnOpen {
		target.emit(Event{Kind: EventConnOpen, Conn: remote})
		p.emit(Event{Kind: EventConnOpen, Conn: local})
	}
	return local, nil
}

func (p *MemoryProvider) Call(remoteID string, stream media.Stream) (MediaCall, error) {
	localID, err := p.requireOpen()
	if err != nil {
		return nil, err
	}

	local := &MemoryCall{id: uuid.NewString(), peer: remoteID, owner: p, stream: stream}
	target := p.network.lookup(remoteID)
	if target == nil || target == p {
		p.trackCall(local)
		p.emit(peerUnavailable(remoteID))
		return local, nil
	}

	remote := &MemoryCall{id: local.id, peer: localID, owner: target, incoming: true}
	local.other, remote.other = remote, local
	p.trackCall(local)
	target.mu.Lock()
	target.calls = append(target.calls, remote)
	target.mu.Unlock()

	target.emit(Event{Kind: EventIncomingCall, Call: remote})
	return local, nil
}

func (p *MemoryProvider) Events() <-chan Event {
	return p.queue.events
}

func (p *MemoryProvider) Destroy() error {
	p.mu.Lock()
	p.destroyCalls++
	p.mu.Unlock()

	p.closeOnce.Do(func() {
		p.mu.Lock()
		localID := p.localID
		p.open = false
		conns := append([]*MemoryConn(nil), p.conns...)
		calls := append([]*MemoryCall(nil), p.calls...)
		p.mu.Unlock()

		p.network.release(localID, p)
		for _, conn := range conns {
			conn.shutdown()
		}
		for _, call := range calls {
			call.shutdown()
		}
		p.queue.stop()
	})
	return nil
}

// InjectError reports a provider error of the given type, as a transport
// would on a network fault.
func (p *MemoryProvider) InjectError(errType ErrorType, message string) {
	p.emit(Event{Kind: EventError, Err: &Error{Type: errType, Message: message}})
}

func (p *MemoryProvider) LocalID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localID
}

// DestroyCalls returns how many times Destroy was invoked.
func (p *MemoryProvider) DestroyCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.destroyCalls
}

// Conns returns every connection this provider took part in, in creation order.
func (p *MemoryProvider) Conns() []*MemoryConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MemoryConn(nil), p.conns...)
}

// Calls returns every call this provider took part in, in creation order.
func (p *MemoryProvider) Calls() []*MemoryCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*MemoryCall(nil), p.calls...)
}

func (p *MemoryProvider) track(conn *MemoryConn) {
	p.mu.Lock()
	p.conns = append(p.conns, conn)
	p.mu.Unlock()
}

func (p *MemoryProvider) trackCall(call *MemoryCall) {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
}

func (p *MemoryProvider) requireOpen() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.open {
		return "", ErrNotOpen
	}
	return p.localID, nil
}

func (p *MemoryProvider) emit(ev Event) {
	p.queue.emit(ev)
}

func peerUnavailable(remoteID string) Event {
	return Event{Kind: EventError, Err: &Error{
		Type:    ErrorPeerUnavailable,
		Peer:    remoteID,
		Message: "Could not connect to peer " + remoteID,
	}}
}

// MemoryConn is one end of an in-process signaling channel.
type MemoryConn struct {
	id    string
	peer  string
	owner *MemoryProvider
	other *MemoryConn

	mu         sync.Mutex
	open       bool
	closed     bool
	closeCalls int
	sent       [][]byte
}

func (c *MemoryConn) ID() string   { return c.id }
func (c *MemoryConn) Peer() string { return c.peer }

func (c *MemoryConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *MemoryConn) Send(data []byte) error {
	c.mu.Lock()
	if !c.open || c.other == nil {
		c.mu.Unlock()
		return ErrConnClosed
	}
	buf := append([]byte(nil), data...)
	c.sent = append(c.sent, buf)
	other := c.other
	c.mu.Unlock()

	other.owner.emit(Event{Kind: EventConnData, Conn: other, Data: buf})
	return nil
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.shutdown()
	return nil
}

// CloseCalls returns how many times Close was invoked on this end.
func (c *MemoryConn) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

// Sent returns a copy of every payload sent from this end.
func (c *MemoryConn) Sent() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.sent...)
}

func (c *MemoryConn) shutdown() {
	if !c.markClosed() {
		return
	}
	c.owner.emit(Event{Kind: EventConnClose, Conn: c})
	if c.other != nil && c.other.markClosed() {
		c.other.owner.emit(Event{Kind: EventConnClose, Conn: c.other})
	}
}

func (c *MemoryConn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	c.open = false
	return true
}

// MemoryCall is one end of an in-process media call.
type MemoryCall struct {
	id       string
	peer     string
	owner    *MemoryProvider
	other    *MemoryCall
	incoming bool

	mu         sync.Mutex
	stream     media.Stream
	answered   bool
	closed     bool
	closeCalls int
}

func (c *MemoryCall) ID() string   { return c.id }
func (c *MemoryCall) Peer() string { return c.peer }

func (c *MemoryCall) Answer(stream media.Stream) error {
	c.mu.Lock()
	switch {
	case !c.incoming:
		c.mu.Unlock()
		return fmt.Errorf("call %s was placed locally and cannot be answered", c.id)
	case c.closed:
		c.mu.Unlock()
		return ErrConnClosed
	case c.answered:
		c.mu.Unlock()
		return fmt.Errorf("call %s already answered", c.id)
	}
	c.answered = true
	c.stream = stream
	other := c.other
	c.mu.Unlock()

	if stream != nil {
		other.owner.emit(Event{Kind: EventCallStream, Call: other, Stream: &media.RemoteStream{ID: stream.ID()}})
	}
	if callerStream := other.Stream(); callerStream != nil {
		c.owner.emit(Event{Kind: EventCallStream, Call: c, Stream: &media.RemoteStream{ID: callerStream.ID()}})
	}
	return nil
}

func (c *MemoryCall) Close() error {
	c.mu.Lock()
	c.closeCalls++
	c.mu.Unlock()
	c.shutdown()
	return nil
}

// Stream returns the stream this end sends, if any.
func (c *MemoryCall) Stream() media.Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stream
}

// Incoming reports whether this end received the call.
func (c *MemoryCall) Incoming() bool { return c.incoming }

// Answered reports whether an incoming call has been answered.
func (c *MemoryCall) Answered() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.answered
}

// CloseCalls returns how many times Close was invoked on this end.
func (c *MemoryCall) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}

func (c *MemoryCall) shutdown() {
	if !c.markClosed() {
		return
	}
	c.owner.emit(Event{Kind: EventCallClose, Call: c})
	if c.other != nil && c.other.markClosed() {
		c.other.owner.emit(Event{Kind: EventCallClose, Call: c.other})
	}
}

func (c *MemoryCall) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}
