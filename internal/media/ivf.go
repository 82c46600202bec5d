package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	pionmedia "github.com/pion/webrtc/v3/pkg/media"
	"github.com/pion/webrtc/v3/pkg/media/ivfreader"
	"github.com/pion/webrtc/v3/pkg/media/ivfwriter"
	"github.com/sirupsen/logrus"
)

// IVFCapturer stands in for a screen grabber by replaying a VP8 IVF file.
// With Loop unset, reaching the end of the file ends the stream the same
// way a user stopping the share from the system UI would.
type IVFCapturer struct {
	Path string
	Loop bool
	Log  logrus.FieldLogger
}

func (c *IVFCapturer) RequestCapture(ctx context.Context, _ CaptureOptions) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(c.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureDenied, err)
	}

	streamID := uuid.NewString()
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
		"screen",
		streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("creating screen track: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	stream := NewTrackStream(streamID, track)
	stream.onStop = cancel

	go func() {
		defer stream.Stop()
		if err := c.replay(runCtx, track); err != nil {
			c.Log.WithError(err).WithField("stream", streamID).Warn("screen replay ended")
		}
	}()
	return stream, nil
}

func (c *IVFCapturer) replay(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	for {
		if err := c.replayOnce(ctx, track); err != nil {
			return err
		}
		if !c.Loop {
			return nil
		}
	}
}

func (c *IVFCapturer) replayOnce(ctx context.Context, track *webrtc.TrackLocalStaticSample) error {
	file, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("reading IVF header: %w", err)
	}

	frameDuration := 33 * time.Millisecond
	if header.TimebaseDenominator > 0 {
		frameDuration = time.Duration(float64(header.TimebaseNumerator) / float64(header.TimebaseDenominator) * float64(time.Second))
	}

	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading IVF frame: %w", err)
		}
		if err := track.WriteSample(pionmedia.Sample{Data: frame, Duration: frameDuration}); err != nil {
			return fmt.Errorf("writing sample: %w", err)
		}
	}
}

// IVFRecorder "plays" a remote stream by writing its VP8 tracks to IVF
// files under Dir. Other tracks are drained and discarded.
type IVFRecorder struct {
	Dir string
	Log logrus.FieldLogger

	mu      sync.Mutex
	started map[string]bool
}

func (r *IVFRecorder) Play(_ context.Context, stream *RemoteStream, _ PlayOptions) error {
	if stream == nil {
		return fmt.Errorf("no stream to play")
	}
	if err := os.MkdirAll(r.Dir, 0o755); err != nil {
		return fmt.Errorf("%w: %v", ErrPlaybackBlocked, err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started == nil {
		r.started = make(map[string]bool)
	}

	for _, track := range stream.Tracks {
		key := stream.ID + "/" + track.ID()
		if r.started[key] {
			continue
		}
		if track.Codec().MimeType != webrtc.MimeTypeVP8 {
			r.started[key] = true
			go drain(track)
			continue
		}

		path := filepath.Join(r.Dir, fmt.Sprintf("%s-%s.ivf", stream.ID, track.ID()))
		writer, err := ivfwriter.New(path)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrPlaybackBlocked, err)
		}
		r.started[key] = true

		log := r.Log.WithField("file", path)
		log.Info("recording remote screen")
		go func(track *webrtc.TrackRemote) {
			defer writer.Close()
			for {
				packet, _, err := track.ReadRTP()
				if err != nil {
					log.WithError(err).Debug("remote track ended")
					return
				}
				if err := writer.WriteRTP(packet); err != nil {
					log.WithError(err).Warn("writing IVF frame failed")
					return
				}
			}
		}(track)
	}
	return nil
}

// DiscardPlayer drains remote tracks without rendering them.
type DiscardPlayer struct{}

func (DiscardPlayer) Play(_ context.Context, stream *RemoteStream, _ PlayOptions) error {
	if stream == nil {
		return fmt.Errorf("no stream to play")
	}
	for _, track := range stream.Tracks {
		go drain(track)
	}
	return nil
}

func drain(track *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := track.Read(buf); err != nil {
			return
		}
	}
}
