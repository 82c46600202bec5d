// Package session runs one remote-support session: it drives the connection
// handshake for its role, carries chat and commands over the data channel,
// gates screen sharing behind the client's consent and reports a single
// connection status to the UI.
//
// All state changes happen on one goroutine started by Run. Provider events,
// user actions and the results of asynchronous work are funnelled into it
// through channels.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/logger"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/protocol"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/provider"
)

const (
	denialText  = "System: User denied screen sharing request."
	playbackMsg = "Remote screen is ready. Use play to start it."
)

type Config struct {
	Role     Role
	LocalID  string
	RemoteID string // technician only
	// SettleDelay is how long the technician waits after its presence opens
	// before dialing the client. Zero dials immediately.
	SettleDelay time.Duration
	// SendAck makes the client acknowledge a newly opened data channel.
	SendAck bool
	Codec   protocol.Codec
	Capture media.CaptureOptions
}

type Deps struct {
	Provider provider.Provider
	Capturer media.Capturer
	Player   media.Player
	Sink     Sink
	Log      logrus.FieldLogger
}

type action struct {
	fn     func() error
	result chan error
}

// Session is the state of one support session. Create it with New and
// drive it with Run.
type Session struct {
	cfg      Config
	provider provider.Provider
	capturer media.Capturer
	player   media.Player
	sink     Sink
	log      logrus.FieldLogger

	running  atomic.Bool
	actions  chan action
	internal chan func()
	done     chan struct{}

	// Owned by the loop goroutine.
	ctx           context.Context
	ended         bool
	localOpen     bool
	conn          provider.DataConn
	connOpened    bool
	retired       []provider.DataConn
	call          provider.MediaCall
	local         media.Stream
	consent       consentGate
	initGen       uint64
	settle        *time.Timer
	captureCancel context.CancelFunc
	nextEntryID   uint64

	// Snapshot read by the getters, written only by the loop.
	mu         sync.RWMutex
	status     Status
	detail     string
	remote     string
	transcript []ChatEntry
	handle     *MediaHandle
	requester  string
}

func New(cfg Config, deps Deps) (*Session, error) {
	if !cfg.Role.Valid() {
		return nil, fmt.Errorf("invalid role %q", cfg.Role)
	}
	cfg.LocalID = strings.TrimSpace(cfg.LocalID)
	cfg.RemoteID = strings.TrimSpace(cfg.RemoteID)
	if cfg.LocalID == "" {
		return nil, errors.New("local id is required")
	}
	if cfg.Role == RoleTechnician {
		if cfg.RemoteID == "" {
			return nil, errors.New("remote id is required for the technician role")
		}
		if cfg.RemoteID == cfg.LocalID {
			return nil, errors.New("remote id must differ from local id")
		}
	}
	if cfg.SettleDelay < 0 {
		return nil, errors.New("settle delay must not be negative")
	}
	if deps.Provider == nil {
		return nil, errors.New("provider is required")
	}
	if cfg.Codec == nil {
		cfg.Codec = protocol.JSON
	}
	if deps.Capturer == nil {
		deps.Capturer = media.Unavailable{}
	}
	if deps.Player == nil {
		deps.Player = media.DiscardPlayer{}
	}
	if deps.Sink == nil {
		deps.Sink = NopSink{}
	}
	if deps.Log == nil {
		deps.Log = logger.Discard()
	}

	return &Session{
		cfg:      cfg,
		provider: deps.Provider,
		capturer: deps.Capturer,
		player:   deps.Player,
		sink:     deps.Sink,
		log: deps.Log.WithFields(logrus.Fields{
			"role":  string(cfg.Role),
			"local": cfg.LocalID,
		}),
		actions:  make(chan action),
		internal: make(chan func()),
		done:     make(chan struct{}),
		status:   StatusDisconnected,
		remote:   cfg.RemoteID,
	}, nil
}

// Run opens the local presence and processes events until the session ends.
// Cancelling ctx ends the session. Run may be called once.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session is already running")
	}
	defer close(s.done)

	s.ctx = ctx
	s.setStatus(StatusConnecting, "Going online...")

	if err := s.provider.Open(ctx, s.cfg.LocalID); err != nil {
		s.onProviderError(err)
		s.teardown()
		return nil
	}

	events := s.provider.Events()
	for !s.ended {
		select {
		case <-ctx.Done():
			s.teardown()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			s.handleEvent(ev)
		case a := <-s.actions:
			a.result <- a.fn()
		case fn := <-s.internal:
			fn()
		}
	}
	return nil
}

// Done is closed once Run has returned.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) Role() Role      { return s.cfg.Role }
func (s *Session) LocalID() string { return s.cfg.LocalID }

// do runs fn on the loop and waits for its result.
func (s *Session) do(fn func() error) error {
	a := action{fn: fn, result: make(chan error, 1)}
	select {
	case s.actions <- a:
	case <-s.done:
		return ErrEnded
	}
	select {
	case err := <-a.result:
		return err
	case <-s.done:
		select {
		case err := <-a.result:
			return err
		default:
			return ErrEnded
		}
	}
}

// post schedules fn on the loop from another goroutine. It reports false if
// the loop has already exited.
func (s *Session) post(fn func()) bool {
	select {
	case s.internal <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) handleEvent(ev provider.Event) {
	s.log.WithField("event", ev.Kind.String()).Debug("provider event")

	switch ev.Kind {
	case provider.EventOpen:
		s.onLocalOpen()
	case provider.EventError:
		s.onProviderError(ev.Err)
	case provider.EventIncomingConnection:
		s.onIncomingConnection(ev.Conn)
	case provider.EventIncomingCall:
		s.onIncomingCall(ev.Call)
	case provider.EventConnOpen:
		if s.isCurrentConn(ev.Conn) {
			s.onConnOpen()
		}
	case provider.EventConnData:
		if s.isCurrentConn(ev.Conn) {
			s.onData(ev.Data)
		}
	case provider.EventConnClose:
		if s.isCurrentConn(ev.Conn) {
			s.onConnClose()
		}
	case provider.EventConnError:
		if s.isCurrentConn(ev.Conn) {
			s.onConnError(ev.Err)
		}
	case provider.EventCallStream:
		if s.isCurrentCall(ev.Call) {
			s.onCallStream(ev.Stream)
		}
	case provider.EventCallClose:
		if s.isCurrentCall(ev.Call) {
			s.onCallClose()
		}
	case provider.EventCallError:
		if s.isCurrentCall(ev.Call) {
			s.log.WithError(ev.Err).Warn("media call failed")
			s.sink.Notify(DescribeError(ev.Err, s.remote))
			s.closeCall()
		}
	}
}

func (s *Session) isCurrentConn(conn provider.DataConn) bool {
	return s.conn != nil && conn == s.conn
}

func (s *Session) isCurrentCall(call provider.MediaCall) bool {
	return s.call != nil && call == s.call
}

func (s *Session) onLocalOpen() {
	if s.localOpen {
		return
	}
	s.localOpen = true

	if s.cfg.Role == RoleClient {
		text := fmt.Sprintf("Waiting for technician (ID: %s)...", s.cfg.LocalID)
		s.setStatus(StatusConnecting, text)
		s.appendEntry(SenderSystem, text)
		return
	}

	if s.cfg.SettleDelay <= 0 {
		s.initiate()
		return
	}
	s.setStatus(StatusConnecting, fmt.Sprintf("Online. Connecting to %s...", s.remote))
	gen := s.initGen
	s.settle = time.AfterFunc(s.cfg.SettleDelay, func() {
		s.post(func() {
			if s.ended || gen != s.initGen {
				return
			}
			s.settle = nil
			s.initiate()
		})
	})
}

// initiate dials the client over the open presence. An earlier channel is
// retired and stays open until the new one opens, so the client never sees
// its current channel close.
func (s *Session) initiate() {
	s.initGen++
	s.stopSettle()
	s.closeCall()
	if s.conn != nil {
		s.retired = append(s.retired, s.conn)
		s.conn = nil
		s.connOpened = false
	}

	text := fmt.Sprintf("Connecting to %s...", s.remote)
	s.setStatus(StatusConnecting, text)
	s.appendEntry(SenderSystem, text)

	conn, err := s.provider.Connect(s.remote, provider.ConnectOptions{Reliable: true})
	if err != nil {
		s.onProviderError(err)
		return
	}
	s.conn = conn
	s.connOpened = false
}

func (s *Session) onIncomingConnection(conn provider.DataConn) {
	if s.cfg.Role == RoleTechnician {
		s.log.WithField("peer", conn.Peer()).Warn("rejecting unexpected incoming connection")
		conn.Close()
		return
	}
	if s.conn != nil && s.conn != conn {
		s.closeConn()
	}
	s.conn = conn
	s.connOpened = false
	s.mu.Lock()
	s.remote = conn.Peer()
	s.mu.Unlock()

	s.setStatus(StatusConnected, "Technician connected.")
	s.appendEntry(SenderSystem, "Technician connected.")
	s.sink.Notify("Technician Connected")
}

// onConnOpen runs once per data channel, when it is first known to be
// usable.
func (s *Session) onConnOpen() {
	if s.connOpened {
		return
	}
	s.connOpened = true

	switch s.cfg.Role {
	case RoleTechnician:
		s.closeRetired()
		s.setStatus(StatusConnected, "Connected. Requesting screen...")
		s.appendEntry(SenderSystem, "Connected. Requesting screen...")
		if err := s.sendRequest(); err != nil {
			s.log.WithError(err).Warn("sending screen request")
		}
	case RoleClient:
		if s.status == StatusConnecting {
			s.setStatus(StatusConnected, "Technician connected.")
		}
		if s.cfg.SendAck {
			if err := s.send(protocol.Ack{From: s.cfg.LocalID}); err != nil {
				s.log.WithError(err).Warn("sending ack")
			}
		}
	}
}

func (s *Session) onData(data []byte) {
	// Data only arrives over a usable channel, whatever the open
	// notification said.
	if !s.connOpened {
		s.onConnOpen()
	}

	msg, err := s.cfg.Codec.Unmarshal(data)
	if err != nil {
		s.log.WithError(err).Debug("dropping message")
		return
	}

	switch m := msg.(type) {
	case protocol.Chat:
		sender := SenderTechnician
		if s.cfg.Role == RoleTechnician {
			sender = SenderClient
		}
		if m.IsSystem() {
			sender = SenderSystem
		}
		s.appendEntry(sender, m.Text)
		s.sink.Notify("New chat message")
	case protocol.Command:
		s.log.WithField("action", m.Action).Info("remote command received")
		s.sink.Notify("Remote Command: " + m.Action)
	case protocol.RequestStream:
		s.onRequestStream(m)
	case protocol.Ack:
		s.log.WithField("from", m.From).Debug("peer acknowledged channel")
	default:
		s.log.WithField("type", msg.Type()).Debug("ignoring message")
	}
}

func (s *Session) onConnClose() {
	s.conn = nil
	s.connOpened = false
	s.appendEntry(SenderSystem, "Peer disconnected.")
	s.teardown()
}

func (s *Session) onConnError(err error) {
	detail := "Failed to connect to client data channel."
	if provider.ErrorTypeOf(err) != "" {
		detail = DescribeError(err, s.remote)
	}
	s.log.WithError(err).Warn("data channel error")
	s.reportError(detail)
}

func (s *Session) onProviderError(err error) {
	s.log.WithError(err).Warn("provider error")
	s.reportError(DescribeError(err, s.remote))
}

// reportError fails a session that has not connected yet and only notifies
// for one that has. A technician whose presence is open stays alive so it
// can retry; anything else is torn down.
func (s *Session) reportError(detail string) {
	if s.ended {
		return
	}
	if s.status == StatusConnected {
		s.sink.Notify(detail)
		return
	}

	s.setStatus(StatusFailed, detail)
	s.appendEntry(SenderSystem, detail)
	if s.cfg.Role == RoleTechnician && s.localOpen {
		s.stopSettle()
		s.initGen++
		s.closeConn()
		s.closeRetired()
		return
	}
	s.teardown()
}

func (s *Session) onRequestStream(m protocol.RequestStream) {
	if s.cfg.Role != RoleClient {
		s.log.Debug("ignoring screen request sent to technician")
		return
	}
	requester := m.RequesterID
	if requester == "" && s.conn != nil {
		requester = s.conn.Peer()
	}
	if !s.consent.request(requester, s.local != nil) {
		s.log.WithField("requester", requester).Debug("screen request already being handled")
		return
	}
	s.setRequester(requester)
	s.sink.ConsentRequested(requester)
}

func (s *Session) onIncomingCall(call provider.MediaCall) {
	if s.call != nil && s.call != call {
		s.closeCall()
	}
	s.call = call
	if err := call.Answer(nil); err != nil {
		s.log.WithError(err).Warn("answering call")
		s.sink.Notify(DescribeError(err, s.remote))
		s.call = nil
		call.Close()
	}
}

func (s *Session) onCallStream(stream *media.RemoteStream) {
	if stream == nil {
		return
	}
	if s.status == StatusConnecting {
		s.setStatus(StatusConnected, "Connected.")
	}
	handle := MediaHandle{
		CallID:    s.call.ID(),
		PeerID:    s.call.Peer(),
		Direction: Inbound,
		Remote:    stream,
	}
	s.appendEntry(SenderSystem, "Receiving remote screen.")

	if err := s.player.Play(s.ctx, stream, media.PlayOptions{Muted: true}); err != nil {
		s.log.WithError(err).Warn("muted playback did not start")
		handle.PlaybackBlocked = true
		s.sink.Notify(playbackMsg)
	} else {
		handle.Playing = true
	}
	s.setMedia(&handle)
}

func (s *Session) onCallClose() {
	s.call = nil
	s.releaseMedia()
}

func (s *Session) startCapture() {
	requester, gen, ok := s.consent.approve()
	if !ok {
		return
	}
	s.setRequester("")

	ctx, cancel := context.WithCancel(s.ctx)
	s.captureCancel = cancel
	go func() {
		stream, err := s.capturer.RequestCapture(ctx, s.cfg.Capture)
		delivered := s.post(func() {
			s.onCaptured(gen, requester, stream, err)
		})
		if !delivered && stream != nil {
			stream.Stop()
		}
	}()
}

func (s *Session) onCaptured(gen uint64, requester string, stream media.Stream, err error) {
	if s.ended || !s.consent.claim(gen) {
		if stream != nil {
			stream.Stop()
		}
		return
	}
	if s.captureCancel != nil {
		s.captureCancel()
		s.captureCancel = nil
	}

	if err != nil {
		s.log.WithError(err).Info("screen capture refused")
		s.sink.ConsentResolved(false)
		s.sendDenial()
		return
	}
	s.sink.ConsentResolved(true)

	call, err := s.provider.Call(requester, stream)
	if err != nil {
		stream.Stop()
		s.log.WithError(err).Warn("calling technician")
		s.sink.Notify(DescribeError(err, requester))
		return
	}

	s.closeCall()
	s.call = call
	s.local = stream
	s.setMedia(&MediaHandle{
		CallID:    call.ID(),
		PeerID:    requester,
		Direction: Outbound,
		Local:     stream,
		Playing:   true,
	})
	s.appendEntry(SenderSystem, "Sharing screen with technician.")

	go func() {
		select {
		case <-stream.Ended():
			s.post(func() {
				if s.local != stream {
					return
				}
				s.appendEntry(SenderSystem, "Screen sharing stopped.")
				s.teardown()
			})
		case <-s.done:
		}
	}()
}

func (s *Session) sendDenial() {
	if err := s.send(protocol.Chat{Kind: protocol.KindSystem, Text: denialText}); err != nil {
		s.log.WithError(err).Warn("sending denial")
	}
	s.setDetail("Screen sharing denied.")
	s.appendEntry(SenderSystem, "Screen sharing denied.")
}

func (s *Session) sendRequest() error {
	return s.send(protocol.RequestStream{RequesterID: s.cfg.LocalID})
}

func (s *Session) send(msg protocol.Message) error {
	if !s.connUsable() {
		return ErrNotConnected
	}
	data, err := s.cfg.Codec.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", msg.Type(), err)
	}
	if err := s.conn.Send(data); err != nil {
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

func (s *Session) connUsable() bool {
	return s.conn != nil && (s.connOpened || s.conn.Open())
}

// teardown releases the call, the data channel, the local stream and the
// provider, each at most once. It is a no-op after the first call.
func (s *Session) teardown() {
	if s.ended {
		return
	}
	s.ended = true
	s.initGen++
	s.stopSettle()
	s.consent.reset()
	s.setRequester("")
	if s.captureCancel != nil {
		s.captureCancel()
		s.captureCancel = nil
	}

	s.closeCall()
	s.closeConn()
	s.closeRetired()
	if err := s.provider.Destroy(); err != nil {
		s.log.WithError(err).Warn("destroying provider")
	}

	if s.status != StatusFailed {
		s.setStatus(StatusDisconnected, "Session ended.")
	}
	s.log.Info("session ended")
}

func (s *Session) stopSettle() {
	if s.settle != nil {
		s.settle.Stop()
		s.settle = nil
	}
}

func (s *Session) closeCall() {
	call := s.call
	s.call = nil
	if call != nil {
		if err := call.Close(); err != nil {
			s.log.WithError(err).Debug("closing call")
		}
	}
	s.releaseMedia()
}

func (s *Session) closeConn() {
	conn := s.conn
	s.conn = nil
	s.connOpened = false
	if conn != nil {
		if err := conn.Close(); err != nil {
			s.log.WithError(err).Debug("closing data channel")
		}
	}
}

func (s *Session) closeRetired() {
	retired := s.retired
	s.retired = nil
	for _, conn := range retired {
		if err := conn.Close(); err != nil {
			s.log.WithError(err).Debug("closing retired data channel")
		}
	}
}

// releaseMedia drops the media handle and stops the local capture.
func (s *Session) releaseMedia() {
	if stream := s.local; stream != nil {
		s.local = nil
		stream.Stop()
	}

	s.mu.Lock()
	had := s.handle != nil
	s.handle = nil
	s.mu.Unlock()
	if had {
		s.sink.MediaReleased()
	}
}

func (s *Session) setStatus(status Status, detail string) {
	s.mu.Lock()
	if s.status == status && s.detail == detail {
		s.mu.Unlock()
		return
	}
	s.status = status
	s.detail = detail
	s.mu.Unlock()
	s.log.WithFields(logrus.Fields{"status": status.String(), "detail": detail}).Debug("status changed")
	s.sink.StatusChanged(status, detail)
}

func (s *Session) setDetail(detail string) {
	s.mu.RLock()
	status := s.status
	s.mu.RUnlock()
	s.setStatus(status, detail)
}

func (s *Session) appendEntry(sender Sender, text string) ChatEntry {
	s.nextEntryID++
	entry := ChatEntry{
		ID:        s.nextEntryID,
		Sender:    sender,
		Text:      text,
		Timestamp: time.Now(),
	}
	s.mu.Lock()
	s.transcript = append(s.transcript, entry)
	s.mu.Unlock()
	s.sink.EntryAppended(entry)
	return entry
}

func (s *Session) setMedia(handle *MediaHandle) {
	s.mu.Lock()
	s.handle = handle
	s.mu.Unlock()
	s.sink.MediaAttached(*handle)
}

func (s *Session) setRequester(requester string) {
	s.mu.Lock()
	s.requester = requester
	s.mu.Unlock()
}
