package peer

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/models"
)

const writeWait = 10 * time.Second

// Peer is one endpoint connected to the relay under ID.
type Peer struct {
	ID        string
	Conn      *websocket.Conn
	Log       logrus.FieldLogger
	SendMutex sync.Mutex
}

func New(id string, conn *websocket.Conn, log logrus.FieldLogger) *Peer {
	return &Peer{
		ID:   id,
		Conn: conn,
		Log:  log.WithField("peer", id),
	}
}

func (p *Peer) SendMessage(msg models.SignalMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		p.Log.WithError(err).Error("marshaling message")
		return
	}
	p.SendRaw(data)
}

// SendRaw writes an already encoded message.
func (p *Peer) SendRaw(data []byte) {
	p.SendMutex.Lock()
	defer p.SendMutex.Unlock()

	p.Conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := p.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		p.Log.WithError(err).Warn("sending message")
	}
}

// Ping sends a websocket ping control frame.
func (p *Peer) Ping() error {
	return p.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}
