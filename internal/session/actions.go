package session

import (
	"errors"
	"strings"

	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/media"
	"github.com/narenbhoom1975-cloud/Remote-Support-Software/internal/protocol"
)

// The actions below block until the session loop has applied them and
// return ErrEnded once the session is over.

// End tears the session down. Calling it again, or after the session ended
// on its own, is a no-op.
func (s *Session) End() error {
	err := s.do(func() error {
		s.teardown()
		return nil
	})
	if errors.Is(err, ErrEnded) {
		return nil
	}
	return err
}

// SendChat appends text to the local transcript and sends it to the peer.
// The transcript keeps the line even when it could not be delivered, in
// which case ErrNotConnected is returned.
func (s *Session) SendChat(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	return s.do(func() error {
		s.appendEntry(senderFor(s.cfg.Role), text)
		if err := s.send(protocol.Chat{Text: text}); err != nil {
			s.log.WithError(err).Debug("chat not delivered")
			s.sink.Notify("Not connected. Message not sent.")
			return ErrNotConnected
		}
		return nil
	})
}

// SendCommand sends a remote-control signal. Delivery is all that is
// confirmed; the peer may ignore it.
func (s *Session) SendCommand(action string) error {
	action = strings.TrimSpace(action)
	if action == "" {
		return errors.New("session: empty command")
	}
	return s.do(func() error {
		if err := s.send(protocol.Command{Action: action}); err != nil {
			s.log.WithError(err).Debug("command not delivered")
			s.sink.Notify("Not connected")
			return ErrNotConnected
		}
		s.sink.Notify("Sent " + action)
		return nil
	})
}

// Retry re-dials the client over the already open presence and requests
// the screen again. Technician only.
func (s *Session) Retry() error {
	if s.cfg.Role != RoleTechnician {
		return ErrWrongRole
	}
	return s.do(func() error {
		if !s.localOpen {
			return ErrNotReady
		}
		s.initiate()
		return nil
	})
}

// ResendRequest sends one more screen request over the open channel.
// Technician only.
func (s *Session) ResendRequest() error {
	if s.cfg.Role != RoleTechnician {
		return ErrWrongRole
	}
	return s.do(func() error {
		if err := s.sendRequest(); err != nil {
			s.sink.Notify("Not connected")
			return err
		}
		s.appendEntry(SenderSystem, "Screen request sent again.")
		return nil
	})
}

// RespondConsent resolves the pending screen-sharing request. Approving
// starts the capture; its outcome is reported asynchronously. Client only.
func (s *Session) RespondConsent(approve bool) error {
	if s.cfg.Role != RoleClient {
		return ErrWrongRole
	}
	return s.do(func() error {
		if !s.consent.pending {
			return ErrNoPendingConsent
		}
		if approve {
			s.startCapture()
			return nil
		}
		s.consent.decline()
		s.setRequester("")
		s.sink.ConsentResolved(false)
		s.sendDenial()
		return nil
	})
}

// ForcePlay retries playback of the received stream without muting, for
// when muted autoplay was blocked. It does nothing while playback runs.
func (s *Session) ForcePlay() error {
	return s.do(func() error {
		s.mu.RLock()
		handle := s.handle
		s.mu.RUnlock()
		if handle == nil || handle.Remote == nil {
			return ErrNoMedia
		}
		if handle.Playing && !handle.PlaybackBlocked {
			return nil
		}
		if err := s.player.Play(s.ctx, handle.Remote, media.PlayOptions{Muted: false}); err != nil {
			return err
		}
		updated := *handle
		updated.Playing = true
		updated.PlaybackBlocked = false
		s.setMedia(&updated)
		return nil
	})
}

func (s *Session) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Detail is the human-readable line that accompanies Status.
func (s *Session) Detail() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detail
}

func (s *Session) RemoteID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.remote
}

// Transcript returns a copy of the chat transcript.
func (s *Session) Transcript() []ChatEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ChatEntry(nil), s.transcript...)
}

// Media returns the live media handle, if any.
func (s *Session) Media() (MediaHandle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.handle == nil {
		return MediaHandle{}, false
	}
	return *s.handle, true
}

// PendingConsent returns the identifier waiting for screen-sharing approval.
func (s *Session) PendingConsent() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.requester, s.requester != ""
}
