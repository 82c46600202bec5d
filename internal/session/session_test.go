package session

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/protocol"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/provider"
)

const (
	clientID = "111-222-333"
	techID   = "444-555-666"
	waitFor  = 2 * time.Second
	tick     = 5 * time.Millisecond
)

type recorder struct {
	mu       sync.Mutex
	statuses []Status
	consents []string
	resolved []bool
	notices  []string
	attached []MediaHandle
	released int
}

func (r *recorder) StatusChanged(status Status, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.statuses); n == 0 || r.statuses[n-1] != status {
		r.statuses = append(r.statuses, status)
	}
}

func (r *recorder) EntryAppended(ChatEntry) {}

func (r *recorder) ConsentRequested(requesterID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consents = append(r.consents, requesterID)
}

func (r *recorder) ConsentResolved(approved bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolved = append(r.resolved, approved)
}

func (r *recorder) MediaAttached(handle MediaHandle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attached = append(r.attached, handle)
}

func (r *recorder) MediaReleased() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released++
}

func (r *recorder) Notify(text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notices = append(r.notices, text)
}

func (r *recorder) statusSeq() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Status(nil), r.statuses...)
}

func (r *recorder) resolvedSeq() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.resolved...)
}

func (r *recorder) consentCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.consents)
}

func (r *recorder) noticed(text string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, n := range r.notices {
		if n == text {
			return true
		}
	}
	return false
}

type fakeCapturer struct {
	stream  media.Stream
	err     error
	release chan struct{}

	mu    sync.Mutex
	calls int
}

func (c *fakeCapturer) RequestCapture(context.Context, media.CaptureOptions) (media.Stream, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	if c.release != nil {
		<-c.release
	}
	if c.err != nil {
		return nil, c.err
	}
	return c.stream, nil
}

func (c *fakeCapturer) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type fakePlayer struct {
	blockMuted bool

	mu    sync.Mutex
	plays []media.PlayOptions
}

func (p *fakePlayer) Play(_ context.Context, _ *media.RemoteStream, opts media.PlayOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.plays = append(p.plays, opts)
	if opts.Muted && p.blockMuted {
		return media.ErrPlaybackBlocked
	}
	return nil
}

type endpoint struct {
	session  *Session
	provider *provider.MemoryProvider
	sink     *recorder
}

func start(t *testing.T, network *provider.MemoryNetwork, cfg Config, deps Deps) *endpoint {
	t.Helper()
	ep := &endpoint{provider: network.NewProvider(), sink: &recorder{}}
	deps.Provider = ep.provider
	deps.Sink = ep.sink

	s, err := New(cfg, deps)
	require.NoError(t, err)
	ep.session = s

	go s.Run(context.Background())
	t.Cleanup(func() {
		s.End()
		<-s.Done()
	})
	return ep
}

func startClient(t *testing.T, network *provider.MemoryNetwork, deps Deps) *endpoint {
	t.Helper()
	ep := start(t, network, Config{Role: RoleClient, LocalID: clientID, SendAck: true}, deps)
	require.Eventually(t, func() bool { return network.Online(clientID) }, waitFor, tick)
	return ep
}

func startTechnician(t *testing.T, network *provider.MemoryNetwork, remote string, deps Deps) *endpoint {
	t.Helper()
	return start(t, network, Config{Role: RoleTechnician, LocalID: techID, RemoteID: remote}, deps)
}

func waitStatus(t *testing.T, ep *endpoint, want Status) {
	t.Helper()
	require.Eventually(t, func() bool { return ep.session.Status() == want }, waitFor, tick,
		"status is %s, want %s", ep.session.Status(), want)
}

func hasEntry(s *Session, sender Sender, text string) bool {
	for _, e := range s.Transcript() {
		if e.Sender == sender && e.Text == text {
			return true
		}
	}
	return false
}

func waitEntry(t *testing.T, s *Session, sender Sender, text string) {
	t.Helper()
	require.Eventually(t, func() bool { return hasEntry(s, sender, text) }, waitFor, tick,
		"no %s entry %q", sender, text)
}

func lastConn(t *testing.T, p *provider.MemoryProvider) *provider.MemoryConn {
	t.Helper()
	conns := p.Conns()
	require.NotEmpty(t, conns)
	return conns[len(conns)-1]
}

func requestsSent(t *testing.T, conn *provider.MemoryConn) int {
	t.Helper()
	n := 0
	for _, data := range conn.Sent() {
		msg, err := protocol.JSON.Unmarshal(data)
		require.NoError(t, err)
		if _, ok := msg.(protocol.RequestStream); ok {
			n++
		}
	}
	return n
}

// connect brings up a client and a technician and waits for the client's
// consent prompt.
func connect(t *testing.T, clientDeps, techDeps Deps) (client, tech *endpoint) {
	t.Helper()
	network := provider.NewMemoryNetwork()
	client = startClient(t, network, clientDeps)
	tech = startTechnician(t, network, clientID, techDeps)

	waitStatus(t, tech, StatusConnected)
	waitStatus(t, client, StatusConnected)
	require.Eventually(t, func() bool {
		_, pending := client.session.PendingConsent()
		return pending
	}, waitFor, tick)
	return client, tech
}

func TestNew(t *testing.T) {
	network := provider.NewMemoryNetwork()
	p := network.NewProvider()

	tests := []struct {
		name string
		cfg  Config
		deps Deps
	}{
		{"bad role", Config{Role: "observer", LocalID: clientID}, Deps{Provider: p}},
		{"no local id", Config{Role: RoleClient}, Deps{Provider: p}},
		{"technician without remote", Config{Role: RoleTechnician, LocalID: techID}, Deps{Provider: p}},
		{"technician dialing itself", Config{Role: RoleTechnician, LocalID: techID, RemoteID: techID}, Deps{Provider: p}},
		{"negative settle delay", Config{Role: RoleClient, LocalID: clientID, SettleDelay: -time.Second}, Deps{Provider: p}},
		{"no provider", Config{Role: RoleClient, LocalID: clientID}, Deps{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg, tt.deps)
			assert.Error(t, err)
		})
	}

	s, err := New(Config{Role: RoleClient, LocalID: " 111-222-333 "}, Deps{Provider: p})
	require.NoError(t, err)
	assert.Equal(t, clientID, s.LocalID())
	assert.Equal(t, StatusDisconnected, s.Status())
}

func TestTechnicianRequestsScreenOnce(t *testing.T) {
	client, tech := connect(t, Deps{}, Deps{})

	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, tech.sink.statusSeq())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, client.sink.statusSeq())

	conn := lastConn(t, tech.provider)
	assert.Equal(t, 1, requestsSent(t, conn))
	requester, _ := client.session.PendingConsent()
	assert.Equal(t, techID, requester)

	require.NoError(t, tech.session.ResendRequest())
	assert.Equal(t, 2, requestsSent(t, conn))

	// Chat is ordered behind the resent request; once it lands, the request
	// has been handled and must not have opened a second prompt.
	require.NoError(t, tech.session.SendChat("still there?"))
	waitEntry(t, client.session, SenderTechnician, "still there?")
	assert.Equal(t, 1, client.sink.consentCount())
	assert.Equal(t, 2, requestsSent(t, conn))
	assert.True(t, hasEntry(tech.session, SenderSystem, "Connected. Requesting screen..."))
}

func TestClientAcknowledgesChannel(t *testing.T) {
	client, _ := connect(t, Deps{}, Deps{})

	conns := client.provider.Conns()
	require.Len(t, conns, 1)
	require.Eventually(t, func() bool {
		for _, data := range conns[0].Sent() {
			msg, err := protocol.JSON.Unmarshal(data)
			if err == nil {
				if ack, ok := msg.(protocol.Ack); ok && ack.From == clientID {
					return true
				}
			}
		}
		return false
	}, waitFor, tick)
	assert.True(t, client.sink.noticed("Technician Connected"))
	assert.True(t, hasEntry(client.session, SenderSystem, "Waiting for technician (ID: 111-222-333)..."))
}

func TestApproveSharesScreenAndTechnicianEnds(t *testing.T) {
	stream := media.NewTrackStream("screen-1")
	player := &fakePlayer{}
	client, tech := connect(t, Deps{Capturer: &fakeCapturer{stream: stream}}, Deps{Player: player})

	assert.Empty(t, client.provider.Calls(), "no call before approval")
	require.NoError(t, client.session.RespondConsent(true))

	require.Eventually(t, func() bool {
		h, ok := tech.session.Media()
		return ok && h.Remote != nil
	}, waitFor, tick)
	handle, _ := tech.session.Media()
	assert.Equal(t, Inbound, handle.Direction)
	assert.Equal(t, "screen-1", handle.Remote.ID)
	assert.Equal(t, clientID, handle.PeerID)
	assert.True(t, handle.Playing)
	assert.Equal(t, StatusConnected, tech.session.Status())
	waitEntry(t, tech.session, SenderSystem, "Receiving remote screen.")

	require.Eventually(t, func() bool {
		_, ok := client.session.Media()
		return ok
	}, waitFor, tick)
	outbound, _ := client.session.Media()
	assert.Equal(t, Outbound, outbound.Direction)
	assert.Equal(t, techID, outbound.PeerID)
	assert.True(t, hasEntry(client.session, SenderSystem, "Sharing screen with technician."))
	assert.Equal(t, []bool{true}, client.sink.resolvedSeq())
	_, pending := client.session.PendingConsent()
	assert.False(t, pending)

	player.mu.Lock()
	require.Len(t, player.plays, 1)
	assert.True(t, player.plays[0].Muted)
	player.mu.Unlock()

	require.NoError(t, tech.session.End())
	assert.Equal(t, StatusDisconnected, tech.session.Status())
	_, ok := tech.session.Media()
	assert.False(t, ok)

	waitStatus(t, client, StatusDisconnected)
	_, ok = client.session.Media()
	assert.False(t, ok)
	waitEntry(t, client.session, SenderSystem, "Peer disconnected.")
	select {
	case <-stream.Ended():
	case <-time.After(waitFor):
		t.Fatal("local capture was not stopped")
	}
}

func TestDeclineSendsSystemNotice(t *testing.T) {
	capturer := &fakeCapturer{stream: media.NewTrackStream("screen-1")}
	client, tech := connect(t, Deps{Capturer: capturer}, Deps{})

	require.NoError(t, client.session.RespondConsent(false))

	waitEntry(t, tech.session, SenderSystem, "System: User denied screen sharing request.")
	assert.Empty(t, client.provider.Calls())
	assert.Empty(t, tech.provider.Calls())
	assert.Equal(t, 0, capturer.count())
	_, pending := client.session.PendingConsent()
	assert.False(t, pending)
	assert.Equal(t, "Screen sharing denied.", client.session.Detail())
	assert.Equal(t, StatusConnected, client.session.Status())

	client.sink.mu.Lock()
	assert.Equal(t, []bool{false}, client.sink.resolved)
	client.sink.mu.Unlock()

	// A fresh request prompts again after a decline.
	require.NoError(t, tech.session.ResendRequest())
	require.Eventually(t, func() bool { return client.sink.consentCount() == 2 }, waitFor, tick)
}

func TestCaptureRefusalIsADecline(t *testing.T) {
	capturer := &fakeCapturer{err: media.ErrCaptureDenied}
	client, tech := connect(t, Deps{Capturer: capturer}, Deps{})

	require.NoError(t, client.session.RespondConsent(true))

	waitEntry(t, tech.session, SenderSystem, "System: User denied screen sharing request.")
	assert.Empty(t, client.provider.Calls())
	assert.Equal(t, []bool{false}, client.sink.resolvedSeq(), "refused capture is never reported as approved")
	assert.Equal(t, StatusConnected, client.session.Status())
}

func TestCaptureAfterTeardownIsReleased(t *testing.T) {
	stream := media.NewTrackStream("late")
	capturer := &fakeCapturer{stream: stream, release: make(chan struct{})}
	client, _ := connect(t, Deps{Capturer: capturer}, Deps{})

	require.NoError(t, client.session.RespondConsent(true))
	require.Eventually(t, func() bool { return capturer.count() == 1 }, waitFor, tick)

	require.NoError(t, client.session.End())
	close(capturer.release)

	select {
	case <-stream.Ended():
	case <-time.After(waitFor):
		t.Fatal("late capture was not released")
	}
	assert.Empty(t, client.provider.Calls())
	assert.Equal(t, StatusDisconnected, client.session.Status())
	_, ok := client.session.Media()
	assert.False(t, ok)
}

func TestStoppingShareEndsSession(t *testing.T) {
	stream := media.NewTrackStream("screen-1")
	client, tech := connect(t, Deps{Capturer: &fakeCapturer{stream: stream}}, Deps{})

	require.NoError(t, client.session.RespondConsent(true))
	require.Eventually(t, func() bool {
		_, ok := tech.session.Media()
		return ok
	}, waitFor, tick)

	stream.Stop()

	waitStatus(t, client, StatusDisconnected)
	waitStatus(t, tech, StatusDisconnected)
	assert.True(t, hasEntry(client.session, SenderSystem, "Screen sharing stopped."))
	assert.Equal(t, 1, client.provider.DestroyCalls())
}

func TestPeerUnavailableFailsThenRetry(t *testing.T) {
	network := provider.NewMemoryNetwork()
	tech := startTechnician(t, network, clientID, Deps{})

	waitStatus(t, tech, StatusFailed)
	assert.Contains(t, tech.session.Detail(), clientID)
	assert.Equal(t, "Partner (111-222-333) is not online. Please ask them to click 'Go Online' on their screen.", tech.session.Detail())
	assert.Equal(t, []Status{StatusConnecting, StatusFailed}, tech.sink.statusSeq())

	client := startClient(t, network, Deps{})
	require.NoError(t, tech.session.Retry())

	waitStatus(t, tech, StatusConnected)
	waitStatus(t, client, StatusConnected)
	assert.Equal(t, []Status{StatusConnecting, StatusFailed, StatusConnecting, StatusConnected}, tech.sink.statusSeq())
	assert.Equal(t, techID, tech.session.LocalID(), "retry keeps the local identity")
	assert.Equal(t, 0, tech.provider.DestroyCalls())
	assert.Equal(t, 1, requestsSent(t, lastConn(t, tech.provider)))
}

func TestRetryWhileConnected(t *testing.T) {
	client, tech := connect(t, Deps{}, Deps{})
	old := lastConn(t, tech.provider)
	require.Equal(t, 1, requestsSent(t, old))

	require.NoError(t, tech.session.Retry())

	require.Eventually(t, func() bool { return len(tech.provider.Conns()) == 2 }, waitFor, tick)
	fresh := lastConn(t, tech.provider)
	require.NotSame(t, old, fresh)

	require.Eventually(t, func() bool {
		return len(tech.sink.statusSeq()) == 4
	}, waitFor, tick, "statuses %v", tech.sink.statusSeq())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected, StatusConnecting, StatusConnected}, tech.sink.statusSeq())
	require.Eventually(t, func() bool { return requestsSent(t, fresh) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool { return !old.Open() }, waitFor, tick, "retired channel is closed")

	assert.Never(t, func() bool {
		select {
		case <-client.session.Done():
			return true
		case <-tech.session.Done():
			return true
		default:
			return false
		}
	}, 200*time.Millisecond, tick)
	assert.Equal(t, StatusConnected, client.session.Status())
	assert.Equal(t, StatusConnected, tech.session.Status())
	assert.Equal(t, 1, requestsSent(t, old), "no request on the retired channel")
	assert.Equal(t, 0, tech.provider.DestroyCalls())
	assert.Equal(t, 0, client.provider.DestroyCalls())
}

func TestErrorAfterConnectedDoesNotRegress(t *testing.T) {
	_, tech := connect(t, Deps{}, Deps{})

	tech.provider.InjectError(provider.ErrorNetwork, "socket reset")

	require.Eventually(t, func() bool {
		return tech.sink.noticed("Network connection lost. Please check your internet.")
	}, waitFor, tick)
	assert.Equal(t, StatusConnected, tech.session.Status())
	assert.Equal(t, []Status{StatusConnecting, StatusConnected}, tech.sink.statusSeq())
}

func TestErrorBeforeConnectedFailsClient(t *testing.T) {
	network := provider.NewMemoryNetwork()
	client := startClient(t, network, Deps{})

	client.provider.InjectError(provider.ErrorServer, "relay restarting")

	waitStatus(t, client, StatusFailed)
	assert.Equal(t, "Connection Error: server-error", client.session.Detail())
	<-client.session.Done()
	assert.Equal(t, 1, client.provider.DestroyCalls())
	assert.Equal(t, StatusFailed, client.session.Status(), "teardown keeps the failure")
}

func TestTakenIDFails(t *testing.T) {
	network := provider.NewMemoryNetwork()
	startClient(t, network, Deps{})

	second := start(t, network, Config{Role: RoleClient, LocalID: clientID}, Deps{})
	waitStatus(t, second, StatusFailed)
	assert.Equal(t, "Connection Error: unavailable-id", second.session.Detail())
}

func TestDataForcesConnected(t *testing.T) {
	network := provider.NewMemoryNetwork()
	network.SuppressConnOpen = true
	client := startClient(t, network, Deps{})
	tech := startTechnician(t, network, clientID, Deps{})

	waitStatus(t, client, StatusConnected)
	assert.Equal(t, StatusConnecting, tech.session.Status())

	require.NoError(t, client.session.SendChat("hello?"))

	waitStatus(t, tech, StatusConnected)
	waitEntry(t, tech.session, SenderClient, "hello?")
	conn := lastConn(t, tech.provider)
	require.Eventually(t, func() bool { return requestsSent(t, conn) == 1 }, waitFor, tick)
	require.Eventually(t, func() bool {
		_, pending := client.session.PendingConsent()
		return pending
	}, waitFor, tick)
	assert.Equal(t, 1, requestsSent(t, conn))
}

func TestChatEchoesLocallyWhenUndelivered(t *testing.T) {
	network := provider.NewMemoryNetwork()
	client := startClient(t, network, Deps{})
	waitEntry(t, client.session, SenderSystem, "Waiting for technician (ID: 111-222-333)...")

	err := client.session.SendChat("anyone?")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.True(t, hasEntry(client.session, SenderClient, "anyone?"))
	assert.True(t, client.sink.noticed("Not connected. Message not sent."))

	assert.ErrorIs(t, client.session.SendCommand(protocol.ActionLock), ErrNotConnected)
	assert.True(t, client.sink.noticed("Not connected"))
}

func TestChatAndCommands(t *testing.T) {
	client, tech := connect(t, Deps{}, Deps{})

	require.NoError(t, client.session.SendChat("  my screen froze  "))
	waitEntry(t, tech.session, SenderClient, "my screen froze")
	assert.True(t, hasEntry(client.session, SenderClient, "my screen froze"))
	require.Eventually(t, func() bool { return tech.sink.noticed("New chat message") }, waitFor, tick)

	require.NoError(t, tech.session.SendCommand(protocol.ActionCtrlAltDel))
	assert.True(t, tech.sink.noticed("Sent Ctrl+Alt+Del"))
	require.Eventually(t, func() bool { return client.sink.noticed("Remote Command: Ctrl+Alt+Del") }, waitFor, tick)

	require.NoError(t, client.session.SendChat("   "))

	ids := map[uint64]bool{}
	var last uint64
	for _, e := range client.session.Transcript() {
		assert.False(t, ids[e.ID])
		ids[e.ID] = true
		assert.Greater(t, e.ID, last)
		last = e.ID
	}
}

func TestMalformedMessagesAreIgnored(t *testing.T) {
	client, tech := connect(t, Deps{}, Deps{})

	conn := lastConn(t, tech.provider)
	require.NoError(t, conn.Send([]byte(`{"type":"screenshot","data":"..."}`)))
	require.NoError(t, conn.Send([]byte(`not json`)))
	require.NoError(t, tech.session.SendChat("after garbage"))

	waitEntry(t, client.session, SenderTechnician, "after garbage")
	assert.Equal(t, StatusConnected, client.session.Status())
}

func TestPlaybackBlockedKeepsStream(t *testing.T) {
	player := &fakePlayer{blockMuted: true}
	client, tech := connect(t, Deps{Capturer: &fakeCapturer{stream: media.NewTrackStream("screen-1")}}, Deps{Player: player})

	require.NoError(t, client.session.RespondConsent(true))
	require.Eventually(t, func() bool {
		h, ok := tech.session.Media()
		return ok && h.PlaybackBlocked
	}, waitFor, tick)
	handle, _ := tech.session.Media()
	assert.False(t, handle.Playing)
	assert.NotNil(t, handle.Remote)

	require.NoError(t, tech.session.ForcePlay())
	handle, ok := tech.session.Media()
	require.True(t, ok)
	assert.True(t, handle.Playing)
	assert.False(t, handle.PlaybackBlocked)

	require.NoError(t, tech.session.ForcePlay(), "already playing")

	player.mu.Lock()
	require.Len(t, player.plays, 2)
	assert.False(t, player.plays[1].Muted)
	player.mu.Unlock()
}

func TestForcePlayWhilePlayingStartsNoSecondReader(t *testing.T) {
	player := &fakePlayer{}
	client, tech := connect(t, Deps{Capturer: &fakeCapturer{stream: media.NewTrackStream("screen-1")}}, Deps{Player: player})

	require.NoError(t, client.session.RespondConsent(true))
	require.Eventually(t, func() bool {
		h, ok := tech.session.Media()
		return ok && h.Playing
	}, waitFor, tick)

	require.NoError(t, tech.session.ForcePlay())

	player.mu.Lock()
	defer player.mu.Unlock()
	require.Len(t, player.plays, 1)
	assert.True(t, player.plays[0].Muted)
}

func TestEndReleasesEverythingOnce(t *testing.T) {
	client, tech := connect(t, Deps{Capturer: &fakeCapturer{stream: media.NewTrackStream("screen-1")}}, Deps{})
	require.NoError(t, client.session.RespondConsent(true))
	require.Eventually(t, func() bool {
		_, ok := tech.session.Media()
		return ok
	}, waitFor, tick)

	require.NoError(t, tech.session.End())
	require.NoError(t, tech.session.End())
	<-tech.session.Done()

	conn := lastConn(t, tech.provider)
	assert.Equal(t, 1, conn.CloseCalls())
	calls := tech.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, 1, calls[0].CloseCalls())
	assert.Equal(t, 1, tech.provider.DestroyCalls())

	tech.sink.mu.Lock()
	assert.Equal(t, 1, tech.sink.released)
	tech.sink.mu.Unlock()

	assert.ErrorIs(t, tech.session.SendChat("hello"), ErrEnded)
	assert.ErrorIs(t, tech.session.Retry(), ErrEnded)
}

func TestEndWithNothingEstablished(t *testing.T) {
	network := provider.NewMemoryNetwork()
	client := startClient(t, network, Deps{})

	require.NoError(t, client.session.End())
	<-client.session.Done()

	assert.Equal(t, StatusDisconnected, client.session.Status())
	assert.Equal(t, 1, client.provider.DestroyCalls())
	assert.Empty(t, client.provider.Conns())
	assert.False(t, network.Online(clientID))
}

func TestCancelEndsSession(t *testing.T) {
	network := provider.NewMemoryNetwork()
	p := network.NewProvider()
	s, err := New(Config{Role: RoleClient, LocalID: clientID}, Deps{Provider: p})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return network.Online(clientID) }, waitFor, tick)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(waitFor):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StatusDisconnected, s.Status())
	assert.Equal(t, 1, p.DestroyCalls())
	assert.Error(t, s.Run(context.Background()), "Run may only be called once")
}

func TestRoleRestrictedActions(t *testing.T) {
	client, tech := connect(t, Deps{}, Deps{})

	assert.ErrorIs(t, client.session.Retry(), ErrWrongRole)
	assert.ErrorIs(t, client.session.ResendRequest(), ErrWrongRole)
	assert.ErrorIs(t, tech.session.RespondConsent(true), ErrWrongRole)
	assert.ErrorIs(t, tech.session.ForcePlay(), ErrNoMedia)

	require.NoError(t, client.session.RespondConsent(false))
	assert.ErrorIs(t, client.session.RespondConsent(true), ErrNoPendingConsent)
}

func TestSettleDelayDefersDial(t *testing.T) {
	network := provider.NewMemoryNetwork()
	startClient(t, network, Deps{})
	tech := start(t, network, Config{
		Role:        RoleTechnician,
		LocalID:     techID,
		RemoteID:    clientID,
		SettleDelay: 500 * time.Millisecond,
	}, Deps{})

	require.Eventually(t, func() bool {
		return strings.HasPrefix(tech.session.Detail(), "Online.")
	}, waitFor, tick)
	assert.Empty(t, tech.provider.Conns())

	waitStatus(t, tech, StatusConnected)
}

func TestCBORSessions(t *testing.T) {
	network := provider.NewMemoryNetwork()
	client := start(t, network, Config{Role: RoleClient, LocalID: clientID, Codec: protocol.CBOR}, Deps{})
	require.Eventually(t, func() bool { return network.Online(clientID) }, waitFor, tick)
	tech := start(t, network, Config{Role: RoleTechnician, LocalID: techID, RemoteID: clientID, Codec: protocol.CBOR}, Deps{})

	require.Eventually(t, func() bool {
		_, pending := client.session.PendingConsent()
		return pending
	}, waitFor, tick)
	require.NoError(t, client.session.SendChat("cbor works"))
	waitEntry(t, tech.session, SenderClient, "cbor works")
}

func TestRunReportsOpenFailure(t *testing.T) {
	p := &failingProvider{MemoryProvider: provider.NewMemoryNetwork().NewProvider()}
	s, err := New(Config{Role: RoleClient, LocalID: clientID}, Deps{Provider: p})
	require.NoError(t, err)

	require.NoError(t, s.Run(context.Background()))
	assert.Equal(t, StatusFailed, s.Status())
	assert.Equal(t, "Network connection lost. Please check your internet.", s.Detail())
	assert.Equal(t, 1, p.DestroyCalls())
	assert.ErrorIs(t, s.SendChat("hi"), ErrEnded)
}

type failingProvider struct {
	*provider.MemoryProvider
}

func (p *failingProvider) Open(context.Context, string) error {
	return &provider.Error{Type: provider.ErrorNetwork, Message: "dial tcp: connection refused"}
}
