// Package media holds the stream types exchanged between the session
// orchestrator and its environment: locally captured screens going out, and
// remote streams coming in to be played.
package media

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v3"
)

var (
	// ErrCaptureDenied is returned when the user refuses to share the screen.
	// It is a normal outcome, not a failure.
	ErrCaptureDenied = errors.New("screen capture denied")

	// ErrPlaybackBlocked is returned by a Player that was not allowed to
	// start playback without further user action.
	ErrPlaybackBlocked = errors.New("playback blocked")
)

// Stream is a locally produced media stream.
type Stream interface {
	ID() string
	Tracks() []webrtc.TrackLocal
	// Ended is closed once the stream stops producing media, either because
	// Stop was called or because the source went away on its own.
	Ended() <-chan struct{}
	Stop()
}

// RemoteStream is a stream received over a media call.
type RemoteStream struct {
	ID     string
	Tracks []*webrtc.TrackRemote
}

type CaptureOptions struct {
	Cursor bool
	Audio  bool
}

// Capturer acquires a screen-capture stream from the local environment.
type Capturer interface {
	RequestCapture(ctx context.Context, opts CaptureOptions) (Stream, error)
}

type PlayOptions struct {
	Muted bool
}

// Player renders a received stream. Play must not block on the media itself.
type Player interface {
	Play(ctx context.Context, stream *RemoteStream, opts PlayOptions) error
}

// TrackStream is a Stream over a fixed set of local tracks.
type TrackStream struct {
	id     string
	tracks []webrtc.TrackLocal

	ended    chan struct{}
	stopOnce sync.Once
	onStop   func()
}

func NewTrackStream(id string, tracks ...webrtc.TrackLocal) *TrackStream {
	return &TrackStream{
		id:     id,
		tracks: tracks,
		ended:  make(chan struct{}),
	}
}

func (s *TrackStream) ID() string                  { return s.id }
func (s *TrackStream) Tracks() []webrtc.TrackLocal { return s.tracks }
func (s *TrackStream) Ended() <-chan struct{}      { return s.ended }

// Stop ends the stream. Safe to call more than once.
func (s *TrackStream) Stop() {
	s.stopOnce.Do(func() {
		if s.onStop != nil {
			s.onStop()
		}
		close(s.ended)
	})
}

// Unavailable is a Capturer for hosts without a capture source; every
// request is treated as a refusal.
type Unavailable struct{}

func (Unavailable) RequestCapture(context.Context, CaptureOptions) (Stream, error) {
	return nil, ErrCaptureDenied
}
