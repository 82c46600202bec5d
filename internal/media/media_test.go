package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTrackStreamStopIsIdempotent(t *testing.T) {
	stopped := 0
	stream := NewTrackStream("screen-1")
	stream.onStop = func() { stopped++ }

	stream.Stop()
	stream.Stop()

	select {
	case <-stream.Ended():
	default:
		t.Fatal("ended channel not closed after Stop")
	}
	assert.Equal(t, 1, stopped)
	assert.Equal(t, "screen-1", stream.ID())
	assert.Empty(t, stream.Tracks())
}

func TestUnavailableDenies(t *testing.T) {
	stream, err := Unavailable{}.RequestCapture(context.Background(), CaptureOptions{Cursor: true})
	assert.Nil(t, stream)
	assert.ErrorIs(t, err, ErrCaptureDenied)
}

func TestIVFCapturerMissingFileIsDenial(t *testing.T) {
	capturer := &IVFCapturer{
		Path: filepath.Join(t.TempDir(), "missing.ivf"),
		Log:  logrus.New(),
	}
	_, err := capturer.RequestCapture(context.Background(), CaptureOptions{})
	assert.ErrorIs(t, err, ErrCaptureDenied)
}

func TestIVFCapturerBadFileEndsStream(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.ivf")
	require.NoError(t, os.WriteFile(path, []byte("not an ivf file"), 0o600))

	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	capturer := &IVFCapturer{Path: path, Log: log}

	stream, err := capturer.RequestCapture(context.Background(), CaptureOptions{})
	require.NoError(t, err)
	require.Len(t, stream.Tracks(), 1)

	select {
	case <-stream.Ended():
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not end after unreadable source")
	}
}

func TestPlayersRejectNilStream(t *testing.T) {
	assert.Error(t, DiscardPlayer{}.Play(context.Background(), nil, PlayOptions{}))
	recorder := &IVFRecorder{Dir: t.TempDir(), Log: logrus.New()}
	assert.Error(t, recorder.Play(context.Background(), nil, PlayOptions{}))
	assert.NoError(t, recorder.Play(context.Background(), &RemoteStream{ID: "s"}, PlayOptions{Muted: true}))
}
