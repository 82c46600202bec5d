// Package provider defines the connection capability the session orchestrator
// builds on: presence under a local identifier, reliable data channels and
// media calls to a remote identifier, and a single ordered stream of
// lifecycle events.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
)

var (
	ErrNotOpen    = errors.New("provider: local presence is not open")
	ErrDestroyed  = errors.New("provider: destroyed")
	ErrConnClosed = errors.New("provider: connection is not open")
)

// ErrorType classifies provider failures.
type ErrorType string

const (
	ErrorPeerUnavailable ErrorType = "peer-unavailable"
	ErrorNetwork         ErrorType = "network"
	ErrorUnavailableID   ErrorType = "unavailable-id"
	ErrorWebRTC          ErrorType = "webrtc"
	ErrorServer          ErrorType = "server-error"
)

// Error is a classified provider failure.
type Error struct {
	Type    ErrorType
	Peer    string
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Type)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// ErrorTypeOf extracts the classification of err, or "" when err is not a
// provider error.
func ErrorTypeOf(err error) ErrorType {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Type
	}
	return ""
}

type ConnectOptions struct {
	Reliable bool
}

// Provider is the connection capability. All asynchronous outcomes are
// reported on Events in the order they happened.
type Provider interface {
	// Open establishes presence under localID. Completion is reported as
	// EventOpen or EventError.
	Open(ctx context.Context, localID string) error
	// Connect starts a signaling channel to remoteID. The returned
	// connection reports EventConnOpen once usable.
	Connect(remoteID string, opts ConnectOptions) (DataConn, error)
	// Call places a media call carrying stream to remoteID.
	Call(remoteID string, stream media.Stream) (MediaCall, error)
	Events() <-chan Event
	// Destroy releases the presence and every connection and call. Safe to
	// call more than once.
	Destroy() error
}

// DataConn is a reliable, ordered signaling channel to one peer.
type DataConn interface {
	ID() string
	Peer() string
	Open() bool
	Send(data []byte) error
	Close() error
}

// MediaCall is a media session with one peer. Incoming calls deliver no
// stream until answered.
type MediaCall interface {
	ID() string
	Peer() string
	// Answer accepts an incoming call, sending stream or, when stream is
	// nil, receiving only.
	Answer(stream media.Stream) error
	Close() error
}

type EventKind int

const (
	EventOpen EventKind = iota + 1
	EventError
	EventIncomingConnection
	EventIncomingCall
	EventConnOpen
	EventConnData
	EventConnClose
	EventConnError
	EventCallStream
	EventCallClose
	EventCallError
)

var eventNames = map[EventKind]string{
	EventOpen:               "open",
	EventError:              "error",
	EventIncomingConnection: "incoming-connection",
	EventIncomingCall:       "incoming-call",
	EventConnOpen:           "conn-open",
	EventConnData:           "conn-data",
	EventConnClose:          "conn-close",
	EventConnError:          "conn-error",
	EventCallStream:         "call-stream",
	EventCallClose:          "call-close",
	EventCallError:          "call-error",
}

func (k EventKind) String() string {
	if name, ok := eventNames[k]; ok {
		return name
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// Event is one provider lifecycle notification. Conn is set for connection
// events, Call for call events.
type Event struct {
	Kind   EventKind
	Conn   DataConn
	Call   MediaCall
	Data   []byte
	Stream *media.RemoteStream
	Err    error
}
