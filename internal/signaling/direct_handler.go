package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/models"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/peer"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/presence"
)

const (
	defaultPingInterval = 20 * time.Second
	maxMessageSize      = 64 * 1024
)

type Options struct {
	// PingInterval is how often connected endpoints are pinged. An endpoint
	// that misses two pongs is dropped.
	PingInterval   time.Duration
	AllowedOrigins []string
}

// DirectSignalingServer relays offers, answers and teardown notices between
// endpoints addressed by identifier. It never inspects SDP.
type DirectSignalingServer struct {
	hub            presence.Hub
	log            logrus.FieldLogger
	pingInterval   time.Duration
	allowedOrigins map[string]bool
	upgrader       websocket.Upgrader
}

func NewDirectSignalingServer(hub presence.Hub, opts Options, log logrus.FieldLogger) *DirectSignalingServer {
	s := &DirectSignalingServer{
		hub:            hub,
		log:            log.WithField("component", "relay"),
		pingInterval:   opts.PingInterval,
		allowedOrigins: make(map[string]bool),
	}
	if s.pingInterval <= 0 {
		s.pingInterval = defaultPingInterval
	}
	for _, origin := range opts.AllowedOrigins {
		s.allowedOrigins[origin] = true
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

// Handler returns the relay's HTTP routes.
func (s *DirectSignalingServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.ServeWS)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})
	return mux
}

func (s *DirectSignalingServer) checkOrigin(r *http.Request) bool {
	if len(s.allowedOrigins) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	return s.allowedOrigins[origin]
}

// ServeWS upgrades the request and relays for the identifier in ?id=.
func (s *DirectSignalingServer) ServeWS(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.URL.Query().Get("id"))
	if id == "" {
		http.Error(w, "missing id", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	s.HandleWebSocket(r.Context(), conn, id)
}

func (s *DirectSignalingServer) HandleWebSocket(ctx context.Context, conn *websocket.Conn, id string) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	p := peer.New(id, conn, s.log)

	if err := s.hub.Register(ctx, id, p.SendRaw); err != nil {
		if errors.Is(err, presence.ErrIDTaken) {
			p.SendMessage(models.SignalMessage{Type: models.TypeIDTaken})
		} else {
			p.Log.WithError(err).Error("registering presence")
			s.sendError(p, "relay unavailable")
		}
		return
	}
	defer func() {
		if err := s.hub.Unregister(context.Background(), id); err != nil {
			p.Log.WithError(err).Warn("unregistering presence")
		}
		p.Log.Info("endpoint left")
	}()

	p.Log.Info("endpoint joined")
	p.SendMessage(models.SignalMessage{Type: models.TypeOpen})

	pongWait := 2 * s.pingInterval
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		if err := s.hub.Refresh(ctx, id); err != nil {
			p.Log.WithError(err).Warn("refreshing presence")
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.keepAlive(ctx, p)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				p.Log.WithError(err).Warn("read error")
			}
			return
		}

		var msg models.SignalMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			p.Log.WithError(err).Debug("dropping malformed message")
			continue
		}

		if !msg.Routed() {
			p.Log.WithField("type", msg.Type).Debug("unknown message type")
			continue
		}
		s.routeMessage(ctx, p, msg)
	}
}

func (s *DirectSignalingServer) routeMessage(ctx context.Context, sender *peer.Peer, msg models.SignalMessage) {
	if msg.Dst == "" {
		s.sendError(sender, "message has no destination")
		return
	}
	msg.Src = sender.ID

	data, err := json.Marshal(msg)
	if err != nil {
		sender.Log.WithError(err).Error("marshaling routed message")
		return
	}

	err = s.hub.Send(ctx, msg.Dst, data)
	switch {
	case err == nil:
	case errors.Is(err, presence.ErrPeerUnavailable):
		// Only an unanswered offer matters to the sender; late answers and
		// leaves for a departed peer are dropped.
		if msg.Type == models.TypeOffer {
			sender.SendMessage(models.SignalMessage{
				Type:         models.TypeExpire,
				Src:          msg.Dst,
				ConnectionID: msg.ConnectionID,
			})
		}
	default:
		sender.Log.WithError(err).WithField("dst", msg.Dst).Error("routing message")
		s.sendError(sender, "could not route message")
	}
}

func (s *DirectSignalingServer) keepAlive(ctx context.Context, p *peer.Peer) {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.Ping(); err != nil {
				return
			}
		}
	}
}

func (s *DirectSignalingServer) sendError(p *peer.Peer, message string) {
	payload, _ := json.Marshal(models.ErrorPayload{Message: message})
	p.SendMessage(models.SignalMessage{Type: models.TypeError, Payload: payload})
}
