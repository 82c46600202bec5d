package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/protocol"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/session"
)

const helpText = `Commands:
  <text>            send a chat message
  /cmd <action>     send a remote command (ctrl-alt-del, lock, reboot, files)
  /approve          share your screen with the technician (client)
  /decline          refuse the screen-sharing request (client)
  /retry            reconnect to the client (technician)
  /resend           ask the client for the screen again (technician)
  /play             start playback of the received screen
  /status           show the connection status
  /end              end the session
`

// controller is the part of *session.Session the console drives.
type controller interface {
	SendChat(text string) error
	SendCommand(action string) error
	Retry() error
	ResendRequest() error
	RespondConsent(approve bool) error
	ForcePlay() error
	End() error
	Status() session.Status
	Detail() string
}

var commandAliases = map[string]string{
	"ctrl-alt-del": protocol.ActionCtrlAltDel,
	"cad":          protocol.ActionCtrlAltDel,
	"lock":         protocol.ActionLock,
	"reboot":       protocol.ActionReboot,
	"files":        protocol.ActionFileTransfer,
}

// console is a line-oriented front end: it prints session output and turns
// typed lines into session actions.
type console struct {
	mu  sync.Mutex
	out io.Writer
}

var _ session.Sink = (*console)(nil)

func newConsole(out io.Writer) *console {
	return &console{out: out}
}

func (c *console) Printf(format string, args ...interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.out, format, args...)
}

func (c *console) StatusChanged(status session.Status, detail string) {
	c.Printf("* %s: %s\n", status, detail)
}

func (c *console) EntryAppended(entry session.ChatEntry) {
	c.Printf("[%s] %s: %s\n", entry.Timestamp.Format("15:04:05"), entry.Sender, entry.Text)
}

func (c *console) ConsentRequested(requesterID string) {
	c.Printf("! Technician %s wants to see your screen. Type /approve or /decline.\n", requesterID)
}

func (c *console) ConsentResolved(approved bool) {
	if approved {
		c.Printf("* Starting screen share...\n")
	}
}

func (c *console) MediaAttached(handle session.MediaHandle) {
	switch {
	case handle.Direction == session.Outbound:
		c.Printf("* Sharing screen with %s.\n", handle.PeerID)
	case handle.PlaybackBlocked:
		c.Printf("* Screen from %s received. Type /play to start playback.\n", handle.PeerID)
	default:
		c.Printf("* Showing screen from %s.\n", handle.PeerID)
	}
}

func (c *console) MediaReleased() {
	c.Printf("* Screen sharing ended.\n")
}

func (c *console) Notify(text string) {
	c.Printf("> %s\n", text)
}

// ReadCommands feeds lines from in to ctl until in is exhausted or the
// session ends.
func (c *console) ReadCommands(in io.Reader, ctl controller) {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		quit, err := c.dispatch(scanner.Text(), ctl)
		if errors.Is(err, session.ErrEnded) {
			return
		}
		if err != nil {
			c.Printf("! %v\n", err)
		}
		if quit {
			return
		}
	}
}

func (c *console) dispatch(line string, ctl controller) (quit bool, err error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return false, nil
	}
	if !strings.HasPrefix(line, "/") {
		err := ctl.SendChat(line)
		if errors.Is(err, session.ErrNotConnected) {
			// Already reported through the sink.
			return false, nil
		}
		return false, err
	}

	name, arg, _ := strings.Cut(line[1:], " ")
	arg = strings.TrimSpace(arg)

	switch strings.ToLower(name) {
	case "help":
		c.Printf("%s", helpText)
		return false, nil
	case "cmd":
		if arg == "" {
			return false, errors.New("usage: /cmd <action>")
		}
		if action, ok := commandAliases[strings.ToLower(arg)]; ok {
			arg = action
		}
		err := ctl.SendCommand(arg)
		if errors.Is(err, session.ErrNotConnected) {
			return false, nil
		}
		return false, err
	case "approve":
		return false, ctl.RespondConsent(true)
	case "decline":
		return false, ctl.RespondConsent(false)
	case "retry":
		return false, ctl.Retry()
	case "resend":
		return false, ctl.ResendRequest()
	case "play":
		return false, ctl.ForcePlay()
	case "status":
		c.Printf("* %s: %s\n", ctl.Status(), ctl.Detail())
		return false, nil
	case "end", "quit", "exit":
		return true, ctl.End()
	}
	return false, fmt.Errorf("unknown command /%s, type /help", name)
}
