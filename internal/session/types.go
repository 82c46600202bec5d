package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
)

var (
	ErrEnded            = errors.New("session: ended")
	ErrNotConnected     = errors.New("session: not connected")
	ErrNotReady         = errors.New("session: local presence is not open yet")
	ErrWrongRole        = errors.New("session: action not available for this role")
	ErrNoPendingConsent = errors.New("session: no screen-sharing request is pending")
	ErrNoMedia          = errors.New("session: no remote stream to play")
)

type Role string

const (
	RoleTechnician Role = "technician"
	RoleClient     Role = "client"
)

func (r Role) Valid() bool {
	return r == RoleTechnician || r == RoleClient
}

// Status is the session's connection status as shown to the user.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "DISCONNECTED"
	case StatusConnecting:
		return "CONNECTING"
	case StatusConnected:
		return "CONNECTED"
	case StatusFailed:
		return "FAILED"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

type Sender string

const (
	SenderTechnician Sender = "technician"
	SenderClient     Sender = "client"
	SenderSystem     Sender = "system"
)

// ChatEntry is one line of the session transcript. IDs start at 1 and
// increase in append order.
type ChatEntry struct {
	ID        uint64
	Sender    Sender
	Text      string
	Timestamp time.Time
}

type Direction int

const (
	// Inbound media is received from the peer and played locally.
	Inbound Direction = iota + 1
	// Outbound media is the local screen sent to the peer.
	Outbound
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "inbound"
	case Outbound:
		return "outbound"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// MediaHandle describes the session's live media call.
type MediaHandle struct {
	CallID    string
	PeerID    string
	Direction Direction
	// Remote is set for inbound media, Local for outbound.
	Remote *media.RemoteStream
	Local  media.Stream
	// PlaybackBlocked is set when muted playback of Remote could not start.
	// The stream is kept; ForcePlay retries.
	Playing         bool
	PlaybackBlocked bool
}

func senderFor(role Role) Sender {
	if role == RoleTechnician {
		return SenderTechnician
	}
	return SenderClient
}
