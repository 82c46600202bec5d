package protocol

import "errors"

// Message types carried over the signaling data channel.
const (
	TypeChat          = "chat"
	TypeCommand       = "command"
	TypeRequestStream = "request_stream"
	TypeAck           = "ack"
)

// KindSystem marks a chat message as a system notice rather than user text.
const KindSystem = "system"

// Remote-control actions offered by the technician toolbar. Any string is
// a valid action on the wire.
const (
	ActionCtrlAltDel   = "Ctrl+Alt+Del"
	ActionLock         = "Lock"
	ActionReboot       = "Reboot"
	ActionFileTransfer = "Open File Transfer"
)

var (
	ErrUnknownTag = errors.New("protocol: unknown message type")
	ErrMalformed  = errors.New("protocol: malformed message")
)

// Message is one of Chat, Command, RequestStream or Ack. The set is closed:
// only types in this package implement it.
type Message interface {
	Type() string
	isMessage()
}

type Chat struct {
	Text string
	Kind string
}

type Command struct {
	Action string
}

// RequestStream asks the client to share its screen with RequesterID.
type RequestStream struct {
	RequesterID string
}

// Ack tells the technician the client is ready for further requests.
type Ack struct {
	From string
}

func (Chat) Type() string          { return TypeChat }
func (Command) Type() string       { return TypeCommand }
func (RequestStream) Type() string { return TypeRequestStream }
func (Ack) Type() string           { return TypeAck }

func (Chat) isMessage()          {}
func (Command) isMessage()       {}
func (RequestStream) isMessage() {}
func (Ack) isMessage()           {}

// IsSystem reports whether the chat message is a system notice.
func (c Chat) IsSystem() bool {
	return c.Kind == KindSystem
}

// envelope is the flat wire shape shared by every codec.
type envelope struct {
	Type        string `json:"type" cbor:"type"`
	Text        string `json:"text,omitempty" cbor:"text,omitempty"`
	Kind        string `json:"kind,omitempty" cbor:"kind,omitempty"`
	Action      string `json:"action,omitempty" cbor:"action,omitempty"`
	RequesterID string `json:"requesterId,omitempty" cbor:"requesterId,omitempty"`
	From        string `json:"from,omitempty" cbor:"from,omitempty"`
}

func toEnvelope(msg Message) (envelope, error) {
	switch m := msg.(type) {
	case Chat:
		return envelope{Type: TypeChat, Text: m.Text, Kind: m.Kind}, nil
	case Command:
		return envelope{Type: TypeCommand, Action: m.Action}, nil
	case RequestStream:
		return envelope{Type: TypeRequestStream, RequesterID: m.RequesterID}, nil
	case Ack:
		return envelope{Type: TypeAck, From: m.From}, nil
	default:
		return envelope{}, ErrUnknownTag
	}
}

func (e envelope) message() (Message, error) {
	switch e.Type {
	case TypeChat:
		return Chat{Text: e.Text, Kind: e.Kind}, nil
	case TypeCommand:
		if e.Action == "" {
			return nil, ErrMalformed
		}
		return Command{Action: e.Action}, nil
	case TypeRequestStream:
		return RequestStream{RequesterID: e.RequesterID}, nil
	case TypeAck:
		return Ack{From: e.From}, nil
	case "":
		return nil, ErrMalformed
	default:
		return nil, ErrUnknownTag
	}
}
