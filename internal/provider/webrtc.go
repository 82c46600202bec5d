package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v3"
	"github.com/sirupsen/logrus"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/logger"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/models"
)

const (
	iceGatherTimeout = 15 * time.Second
	relayWriteWait   = 10 * time.Second
	dataChannelLabel = "assist"
)

var (
	_ Provider  = (*WebRTCProvider)(nil)
	_ DataConn  = (*rtcConn)(nil)
	_ MediaCall = (*rtcCall)(nil)
)

type WebRTCOptions struct {
	// RelayURL is the signaling relay's websocket endpoint, e.g.
	// ws://relay.example.com/ws. The local identifier is added as ?id=.
	RelayURL   string
	ICEServers []string
}

// WebRTCProvider is a Provider that negotiates pion peer connections through
// the signaling relay. Each data channel and each media call gets its own
// peer connection. ICE is gathered completely before an offer or answer is
// sent, so the relay never carries trickled candidates.
type WebRTCProvider struct {
	relayURL   string
	iceServers []webrtc.ICEServer
	api        *webrtc.API
	log        logrus.FieldLogger
	queue      *eventQueue

	writeMu sync.Mutex
	ws      *websocket.Conn

	mu          sync.Mutex
	localID     string
	open        bool
	rejected    bool
	destroyed   bool
	conns       map[string]*rtcConn
	calls       map[string]*rtcCall
	destroyOnce sync.Once
}

func NewWebRTCProvider(opts WebRTCOptions, log logrus.FieldLogger) (*WebRTCProvider, error) {
	if _, err := url.Parse(opts.RelayURL); err != nil {
		return nil, fmt.Errorf("invalid relay url: %w", err)
	}

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("registering codecs: %w", err)
	}
	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, fmt.Errorf("registering interceptors: %w", err)
	}

	settingEngine := webrtc.SettingEngine{
		LoggerFactory: logger.PionFactory{Logger: log},
	}
	// Loopback candidates let two endpoints on one machine reach each other.
	settingEngine.SetIncludeLoopbackCandidate(true)

	var servers []webrtc.ICEServer
	if len(opts.ICEServers) > 0 {
		servers = []webrtc.ICEServer{{URLs: opts.ICEServers}}
	}

	return &WebRTCProvider{
		relayURL:   opts.RelayURL,
		iceServers: servers,
		api: webrtc.NewAPI(
			webrtc.WithMediaEngine(mediaEngine),
			webrtc.WithInterceptorRegistry(registry),
			webrtc.WithSettingEngine(settingEngine),
		),
		log:   log.WithField("component", "webrtc"),
		queue: newEventQueue(),
		conns: make(map[string]*rtcConn),
		calls: make(map[string]*rtcCall),
	}, nil
}

// Open dials the relay under localID. A failed dial is returned as a
// network Error; the relay's verdict on the identifier arrives as an event.
func (p *WebRTCProvider) Open(ctx context.Context, localID string) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	p.localID = localID
	p.mu.Unlock()

	target, err := url.Parse(p.relayURL)
	if err != nil {
		return &Error{Type: ErrorNetwork, Message: err.Error()}
	}
	query := target.Query()
	query.Set("id", localID)
	target.RawQuery = query.Encode()

	ws, _, err := websocket.DefaultDialer.DialContext(ctx, target.String(), nil)
	if err != nil {
		return &Error{Type: ErrorNetwork, Message: fmt.Sprintf("dialing relay: %v", err)}
	}

	p.writeMu.Lock()
	p.ws = ws
	p.writeMu.Unlock()

	go p.readLoop(ws)
	return nil
}

func (p *WebRTCProvider) Connect(remoteID string, opts ConnectOptions) (DataConn, error) {
	if err := p.requireOpen(); err != nil {
		return nil, err
	}

	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, err
	}
	conn := &rtcConn{id: "dc_" + uuid.NewString(), peer: remoteID, owner: p, pc: pc}

	ordered := true
	dcInit := &webrtc.DataChannelInit{Ordered: &ordered}
	if !opts.Reliable {
		var retransmits uint16
		dcInit.MaxRetransmits = &retransmits
	}
	dc, err := pc.CreateDataChannel(dataChannelLabel, dcInit)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("creating data channel: %w", err)
	}
	conn.attach(dc)
	p.watchConnState(pc, conn.fail)

	p.mu.Lock()
	p.conns[conn.id] = conn
	p.mu.Unlock()

	go p.offer(pc, remoteID, conn.id, models.ConnectionData, conn.fail)
	return conn, nil
}

func (p *WebRTCProvider) Call(remoteID string, stream media.Stream) (MediaCall, error) {
	if err := p.requireOpen(); err != nil {
		return nil, err
	}

	pc, err := p.newPeerConnection()
	if err != nil {
		return nil, err
	}
	call := &rtcCall{id: "mc_" + uuid.NewString(), peer: remoteID, owner: p, pc: pc, stream: stream}

	if err := addStream(pc, stream); err != nil {
		pc.Close()
		return nil, err
	}
	call.watchTracks()
	p.watchConnState(pc, call.fail)

	p.mu.Lock()
	p.calls[call.id] = call
	p.mu.Unlock()

	go p.offer(pc, remoteID, call.id, models.ConnectionMedia, call.fail)
	return call, nil
}

func (p *WebRTCProvider) Events() <-chan Event {
	return p.queue.events
}

func (p *WebRTCProvider) Destroy() error {
	p.destroyOnce.Do(func() {
		p.mu.Lock()
		p.destroyed = true
		p.open = false
		conns := make([]*rtcConn, 0, len(p.conns))
		for _, conn := range p.conns {
			conns = append(conns, conn)
		}
		calls := make([]*rtcCall, 0, len(p.calls))
		for _, call := range p.calls {
			calls = append(calls, call)
		}
		p.mu.Unlock()

		for _, conn := range conns {
			conn.Close()
		}
		for _, call := range calls {
			call.Close()
		}

		p.writeMu.Lock()
		if p.ws != nil {
			p.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			p.ws.Close()
		}
		p.writeMu.Unlock()

		p.queue.stop()
	})
	return nil
}

func (p *WebRTCProvider) readLoop(ws *websocket.Conn) {
	for {
		var msg models.SignalMessage
		if err := ws.ReadJSON(&msg); err != nil {
			p.mu.Lock()
			quiet := p.destroyed || p.rejected
			p.open = false
			p.mu.Unlock()
			if !quiet {
				p.log.WithError(err).Warn("relay connection lost")
				p.queue.emit(Event{Kind: EventError, Err: &Error{
					Type:    ErrorNetwork,
					Message: "lost connection to relay",
				}})
			}
			return
		}
		p.handleSignal(msg)
	}
}

func (p *WebRTCProvider) handleSignal(msg models.SignalMessage) {
	log := p.log.WithFields(logrus.Fields{"type": msg.Type, "src": msg.Src, "connection_id": msg.ConnectionID})

	switch msg.Type {
	case models.TypeOpen:
		p.mu.Lock()
		p.open = true
		p.mu.Unlock()
		p.queue.emit(Event{Kind: EventOpen})

	case models.TypeIDTaken:
		// The relay hangs up next; that is not a network failure.
		p.mu.Lock()
		localID := p.localID
		p.rejected = true
		p.mu.Unlock()
		p.queue.emit(Event{Kind: EventError, Err: &Error{
			Type:    ErrorUnavailableID,
			Message: fmt.Sprintf("ID %q is taken", localID),
		}})

	case models.TypeOffer:
		desc, err := decodeDescription(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping offer")
			return
		}
		switch msg.ConnectionType {
		case models.ConnectionMedia:
			p.acceptCall(msg.Src, msg.ConnectionID, desc)
		default:
			p.acceptConn(msg.Src, msg.ConnectionID, desc)
		}

	case models.TypeAnswer:
		desc, err := decodeDescription(msg.Payload)
		if err != nil {
			log.WithError(err).Warn("dropping answer")
			return
		}
		pc, fail := p.lookup(msg.ConnectionID)
		if pc == nil {
			log.Debug("answer for unknown connection")
			return
		}
		if err := pc.SetRemoteDescription(desc); err != nil {
			fail(fmt.Errorf("setting remote description: %w", err))
		}

	case models.TypeCandidate:
		// Candidates travel inside the SDP.
		log.Debug("ignoring trickled candidate")

	case models.TypeLeave:
		p.mu.Lock()
		conn := p.conns[msg.ConnectionID]
		call := p.calls[msg.ConnectionID]
		p.mu.Unlock()
		if conn != nil {
			conn.shutdown(true)
		}
		if call != nil {
			call.shutdown(true)
		}

	case models.TypeExpire:
		p.mu.Lock()
		conn := p.conns[msg.ConnectionID]
		call := p.calls[msg.ConnectionID]
		p.mu.Unlock()
		// The offer never reached anyone; the error event is the only report.
		if conn != nil {
			conn.shutdown(false)
		}
		if call != nil {
			call.shutdown(false)
		}
		p.queue.emit(Event{Kind: EventError, Err: &Error{
			Type:    ErrorPeerUnavailable,
			Peer:    msg.Src,
			Message: "Could not connect to peer " + msg.Src,
		}})

	case models.TypeError:
		var payload models.ErrorPayload
		if len(msg.Payload) > 0 {
			json.Unmarshal(msg.Payload, &payload)
		}
		p.queue.emit(Event{Kind: EventError, Err: &Error{Type: ErrorServer, Message: payload.Message}})

	default:
		log.Debug("unknown relay message")
	}
}

func (p *WebRTCProvider) acceptConn(remoteID, id string, offer webrtc.SessionDescription) {
	pc, err := p.newPeerConnection()
	if err != nil {
		p.log.WithError(err).Error("creating peer connection for incoming channel")
		p.sendSignal(models.SignalMessage{Type: models.TypeLeave, Dst: remoteID, ConnectionID: id})
		return
	}
	conn := &rtcConn{id: id, peer: remoteID, owner: p, pc: pc}
	pc.OnDataChannel(conn.attach)
	p.watchConnState(pc, conn.fail)

	p.mu.Lock()
	p.conns[id] = conn
	p.mu.Unlock()

	p.queue.emit(Event{Kind: EventIncomingConnection, Conn: conn})
	go p.answer(pc, offer, remoteID, id, models.ConnectionData, conn.fail)
}

func (p *WebRTCProvider) acceptCall(remoteID, id string, offer webrtc.SessionDescription) {
	call := &rtcCall{id: id, peer: remoteID, owner: p, incoming: true, offer: &offer}

	p.mu.Lock()
	p.calls[id] = call
	p.mu.Unlock()

	p.queue.emit(Event{Kind: EventIncomingCall, Call: call})
}

// offer creates the local offer, waits for ICE gathering and sends it.
func (p *WebRTCProvider) offer(pc *webrtc.PeerConnection, remoteID, id, kind string, fail func(error)) {
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		fail(fmt.Errorf("creating offer: %w", err))
		return
	}
	p.sendDescription(pc, offer, models.TypeOffer, remoteID, id, kind, fail)
}

func (p *WebRTCProvider) answer(pc *webrtc.PeerConnection, offer webrtc.SessionDescription, remoteID, id, kind string, fail func(error)) {
	if err := pc.SetRemoteDescription(offer); err != nil {
		fail(fmt.Errorf("setting remote description: %w", err))
		return
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail(fmt.Errorf("creating answer: %w", err))
		return
	}
	p.sendDescription(pc, answer, models.TypeAnswer, remoteID, id, kind, fail)
}

func (p *WebRTCProvider) sendDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription, msgType, remoteID, id, kind string, fail func(error)) {
	gatherComplete := webrtc.GatheringCompletePromise(pc)
	if err := pc.SetLocalDescription(desc); err != nil {
		fail(fmt.Errorf("setting local description: %w", err))
		return
	}

	select {
	case <-gatherComplete:
	case <-time.After(iceGatherTimeout):
		fail(fmt.Errorf("ICE gathering timed out after %s", iceGatherTimeout))
		return
	}

	payload, err := json.Marshal(pc.LocalDescription())
	if err != nil {
		fail(fmt.Errorf("encoding %s: %w", msgType, err))
		return
	}
	err = p.sendSignal(models.SignalMessage{
		Type:           msgType,
		Dst:            remoteID,
		ConnectionID:   id,
		ConnectionType: kind,
		Payload:        payload,
	})
	if err != nil {
		fail(err)
	}
}

// watchConnState reports a peer connection that failed after negotiation.
func (p *WebRTCProvider) watchConnState(pc *webrtc.PeerConnection, fail func(error)) {
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		p.log.WithField("state", state.String()).Debug("peer connection state changed")
		if state == webrtc.PeerConnectionStateFailed {
			fail(errors.New("peer connection failed"))
		}
	})
}

func (p *WebRTCProvider) newPeerConnection() (*webrtc.PeerConnection, error) {
	pc, err := p.api.NewPeerConnection(webrtc.Configuration{ICEServers: p.iceServers})
	if err != nil {
		return nil, fmt.Errorf("creating peer connection: %w", err)
	}
	return pc, nil
}

func (p *WebRTCProvider) sendSignal(msg models.SignalMessage) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if p.ws == nil {
		return ErrNotOpen
	}
	p.ws.SetWriteDeadline(time.Now().Add(relayWriteWait))
	if err := p.ws.WriteJSON(msg); err != nil {
		return &Error{Type: ErrorNetwork, Message: fmt.Sprintf("writing to relay: %v", err)}
	}
	return nil
}

// lookup returns the peer connection negotiating id and the failure hook of
// its owner.
func (p *WebRTCProvider) lookup(id string) (*webrtc.PeerConnection, func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[id]; ok {
		return conn.pc, conn.fail
	}
	if call, ok := p.calls[id]; ok {
		call.mu.Lock()
		defer call.mu.Unlock()
		if call.pc != nil {
			return call.pc, call.fail
		}
	}
	return nil, nil
}

func (p *WebRTCProvider) forget(id string) {
	p.mu.Lock()
	delete(p.conns, id)
	delete(p.calls, id)
	p.mu.Unlock()
}

func (p *WebRTCProvider) requireOpen() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.destroyed:
		return ErrDestroyed
	case !p.open:
		return ErrNotOpen
	}
	return nil
}

func decodeDescription(raw json.RawMessage) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if len(raw) == 0 {
		return desc, errors.New("missing session description")
	}
	if err := json.Unmarshal(raw, &desc); err != nil {
		return desc, fmt.Errorf("decoding session description: %w", err)
	}
	return desc, nil
}

func addStream(pc *webrtc.PeerConnection, stream media.Stream) error {
	if stream == nil {
		return nil
	}
	for _, track := range stream.Tracks() {
		sender, err := pc.AddTrack(track)
		if err != nil {
			return fmt.Errorf("adding track %s: %w", track.ID(), err)
		}
		// RTCP must be read for interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

// rtcConn is a data channel on its own peer connection.
type rtcConn struct {
	id    string
	peer  string
	owner *WebRTCProvider
	pc    *webrtc.PeerConnection

	mu     sync.Mutex
	dc     *webrtc.DataChannel
	open   bool
	closed bool
}

func (c *rtcConn) ID() string   { return c.id }
func (c *rtcConn) Peer() string { return c.peer }

func (c *rtcConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *rtcConn) Send(data []byte) error {
	c.mu.Lock()
	dc, open := c.dc, c.open
	c.mu.Unlock()
	if !open || dc == nil {
		return ErrConnClosed
	}
	return dc.Send(data)
}

// Close tells the peer and releases the peer connection.
func (c *rtcConn) Close() error {
	c.owner.sendSignal(models.SignalMessage{Type: models.TypeLeave, Dst: c.peer, ConnectionID: c.id})
	c.shutdown(true)
	return nil
}

func (c *rtcConn) attach(dc *webrtc.DataChannel) {
	c.mu.Lock()
	c.dc = dc
	c.mu.Unlock()

	dc.OnOpen(func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.open = true
		c.mu.Unlock()
		c.owner.queue.emit(Event{Kind: EventConnOpen, Conn: c})
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		data := append([]byte(nil), msg.Data...)
		c.owner.queue.emit(Event{Kind: EventConnData, Conn: c, Data: data})
	})
	dc.OnClose(func() {
		c.shutdown(true)
	})
}

func (c *rtcConn) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.owner.log.WithError(err).WithField("connection_id", c.id).Warn("data channel failed")
	c.owner.queue.emit(Event{Kind: EventConnError, Conn: c, Err: &Error{Type: ErrorWebRTC, Peer: c.peer, Message: err.Error()}})
	c.shutdown(true)
}

func (c *rtcConn) shutdown(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.open = false
	c.mu.Unlock()

	c.owner.forget(c.id)
	if err := c.pc.Close(); err != nil {
		c.owner.log.WithError(err).Debug("closing peer connection")
	}
	if notify {
		c.owner.queue.emit(Event{Kind: EventConnClose, Conn: c})
	}
}

// rtcCall is a media call on its own peer connection. Incoming calls hold
// the remote offer until answered.
type rtcCall struct {
	id       string
	peer     string
	owner    *WebRTCProvider
	incoming bool

	mu       sync.Mutex
	pc       *webrtc.PeerConnection
	offer    *webrtc.SessionDescription
	stream   media.Stream
	answered bool
	gotTrack bool
	closed   bool
}

func (c *rtcCall) ID() string   { return c.id }
func (c *rtcCall) Peer() string { return c.peer }

func (c *rtcCall) Answer(stream media.Stream) error {
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
	offer := *c.offer
	c.mu.Unlock()

	pc, err := c.owner.newPeerConnection()
	if err != nil {
		return err
	}
	if err := addStream(pc, stream); err != nil {
		pc.Close()
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		pc.Close()
		return ErrConnClosed
	}
	c.pc = pc
	c.stream = stream
	c.mu.Unlock()

	c.watchTracks()
	c.owner.watchConnState(pc, c.fail)
	go c.owner.answer(pc, offer, c.peer, c.id, models.ConnectionMedia, c.fail)
	return nil
}

func (c *rtcCall) Close() error {
	c.owner.sendSignal(models.SignalMessage{Type: models.TypeLeave, Dst: c.peer, ConnectionID: c.id})
	c.shutdown(true)
	return nil
}

// watchTracks reports the first remote track as the call's stream. Later
// tracks are drained so their buffers never fill.
func (c *rtcCall) watchTracks() {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		c.mu.Lock()
		first := !c.gotTrack
		c.gotTrack = true
		c.mu.Unlock()

		if !first {
			go drain(track)
			return
		}
		c.owner.queue.emit(Event{
			Kind:   EventCallStream,
			Call:   c,
			Stream: &media.RemoteStream{ID: track.StreamID(), Tracks: []*webrtc.TrackRemote{track}},
		})
	})
}

func (c *rtcCall) fail(err error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return
	}
	c.owner.log.WithError(err).WithField("connection_id", c.id).Warn("media call failed")
	c.owner.queue.emit(Event{Kind: EventCallError, Call: c, Err: &Error{Type: ErrorWebRTC, Peer: c.peer, Message: err.Error()}})
	c.shutdown(true)
}

func (c *rtcCall) shutdown(notify bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	pc := c.pc
	c.mu.Unlock()

	c.owner.forget(c.id)
	if pc != nil {
		if err := pc.Close(); err != nil {
			c.owner.log.WithError(err).Debug("closing peer connection")
		}
	}
	if notify {
		c.owner.queue.emit(Event{Kind: EventCallClose, Call: c})
	}
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
