package session

import "github.com/sirupsen/logrus"

// Sink receives the session's user-facing output. Methods are called from
// the session's event loop, one at a time, and must not call back into the
// session's blocking actions.
type Sink interface {
	StatusChanged(status Status, detail string)
	EntryAppended(entry ChatEntry)
	ConsentRequested(requesterID string)
	// ConsentResolved reports the outcome once it is final: approved is
	// false for a decline and for a capture the environment refused.
	ConsentResolved(approved bool)
	MediaAttached(handle MediaHandle)
	MediaReleased()
	// Notify shows a short transient notice.
	Notify(text string)
}

// NopSink discards everything.
type NopSink struct{}

func (NopSink) StatusChanged(Status, string) {}
func (NopSink) EntryAppended(ChatEntry)      {}
func (NopSink) ConsentRequested(string)      {}
func (NopSink) ConsentResolved(bool)         {}
func (NopSink) MediaAttached(MediaHandle)    {}
func (NopSink) MediaReleased()               {}
func (NopSink) Notify(string)                {}

// LogSink writes session output to a logrus logger at debug level.
type LogSink struct {
	Log logrus.FieldLogger
}

func (s LogSink) StatusChanged(status Status, detail string) {
	s.Log.WithFields(logrus.Fields{
		"status": status.String(),
		"detail": detail,
	}).Debug("status changed")
}

func (s LogSink) EntryAppended(entry ChatEntry) {
	s.Log.WithFields(logrus.Fields{
		"id":     entry.ID,
		"sender": string(entry.Sender),
	}).Debug(entry.Text)
}

func (s LogSink) ConsentRequested(requesterID string) {
	s.Log.WithField("requester", requesterID).Debug("screen sharing requested")
}

func (s LogSink) ConsentResolved(approved bool) {
	s.Log.WithField("approved", approved).Debug("screen sharing request resolved")
}

func (s LogSink) MediaAttached(handle MediaHandle) {
	s.Log.WithFields(logrus.Fields{
		"call":      handle.CallID,
		"peer":      handle.PeerID,
		"direction": handle.Direction.String(),
		"blocked":   handle.PlaybackBlocked,
	}).Debug("media attached")
}

func (s LogSink) MediaReleased() {
	s.Log.Debug("media released")
}

func (s LogSink) Notify(text string) {
	s.Log.Debug(text)
}

type teeSink []Sink

// Tee returns a Sink that forwards every call to each of sinks in order.
func Tee(sinks ...Sink) Sink {
	return teeSink(sinks)
}

func (t teeSink) StatusChanged(status Status, detail string) {
	for _, s := range t {
		s.StatusChanged(status, detail)
	}
}

func (t teeSink) EntryAppended(entry ChatEntry) {
	for _, s := range t {
		s.EntryAppended(entry)
	}
}

func (t teeSink) ConsentRequested(requesterID string) {
	for _, s := range t {
		s.ConsentRequested(requesterID)
	}
}

func (t teeSink) ConsentResolved(approved bool) {
	for _, s := range t {
		s.ConsentResolved(approved)
	}
}

func (t teeSink) MediaAttached(handle MediaHandle) {
	for _, s := range t {
		s.MediaAttached(handle)
	}
}

func (t teeSink) MediaReleased() {
	for _, s := range t {
		s.MediaReleased()
	}
}

func (t teeSink) Notify(text string) {
	for _, s := range t {
		s.Notify(text)
	}
}
