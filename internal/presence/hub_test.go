package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryHub(t *testing.T) {
	hub := NewMemoryHub()
	exerciseHub(t, hub)
	assert.Equal(t, 0, hub.Count())
}

// TestRedisHub runs against a real server when ASSIST_TEST_REDIS_URL is set.
func TestRedisHub(t *testing.T) {
	url := os.Getenv("ASSIST_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ASSIST_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opts)
	defer rdb.Close()

	exerciseHub(t, NewRedisHub(rdb, 5*time.Second, logrus.New()))
}

func exerciseHub(t *testing.T, hub Hub) {
	t.Helper()
	ctx := context.Background()

	received := make(chan string, 1)
	require.NoError(t, hub.Register(ctx, "111-222-333", func(data []byte) {
		received <- string(data)
	}))
	assert.ErrorIs(t, hub.Register(ctx, "111-222-333", func([]byte) {}), ErrIDTaken)
	require.NoError(t, hub.Refresh(ctx, "111-222-333"))

	require.NoError(t, hub.Send(ctx, "111-222-333", []byte(`{"type":"offer"}`)))
	select {
	case got := <-received:
		assert.Equal(t, `{"type":"offer"}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	assert.ErrorIs(t, hub.Send(ctx, "999-999-999", []byte("x")), ErrPeerUnavailable)

	require.NoError(t, hub.Unregister(ctx, "111-222-333"))
	assert.ErrorIs(t, hub.Send(ctx, "111-222-333", []byte("x")), ErrPeerUnavailable)
	require.NoError(t, hub.Register(ctx, "111-222-333", func([]byte) {}))
	require.NoError(t, hub.Unregister(ctx, "111-222-333"))
}
