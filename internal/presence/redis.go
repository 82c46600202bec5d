package presence

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	presencePrefix = "assist:presence:"
	inboxPrefix    = "assist:inbox:"
)

// releaseScript deletes a presence key only if this relay instance owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

var _ Hub = (*RedisHub)(nil)

// RedisHub shares presence between relay instances. Claims are keys with a
// TTL that the owning instance refreshes; delivery goes through one pub/sub
// channel per identifier, so a sender may sit on any instance.
type RedisHub struct {
	rdb      *redis.Client
	ttl      time.Duration
	instance string
	log      logrus.FieldLogger

	mu   sync.Mutex
	subs map[string]*redis.PubSub
}

func NewRedisHub(rdb *redis.Client, ttl time.Duration, log logrus.FieldLogger) *RedisHub {
	return &RedisHub{
		rdb:      rdb,
		ttl:      ttl,
		instance: uuid.NewString(),
		log:      log.WithField("component", "redis-hub"),
		subs:     make(map[string]*redis.PubSub),
	}
}

func (h *RedisHub) Register(ctx context.Context, id string, deliver func([]byte)) error {
	claimed, err := h.rdb.SetNX(ctx, presencePrefix+id, h.instance, h.ttl).Result()
	if err != nil {
		return fmt.Errorf("claiming presence: %w", err)
	}
	if !claimed {
		return ErrIDTaken
	}

	pubsub := h.rdb.Subscribe(ctx, inboxPrefix+id)
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		h.release(ctx, id)
		return fmt.Errorf("subscribing to inbox: %w", err)
	}

	h.mu.Lock()
	h.subs[id] = pubsub
	h.mu.Unlock()

	go func() {
		for msg := range pubsub.Channel() {
			deliver([]byte(msg.Payload))
		}
	}()
	return nil
}

func (h *RedisHub) Unregister(ctx context.Context, id string) error {
	h.mu.Lock()
	pubsub, ok := h.subs[id]
	delete(h.subs, id)
	h.mu.Unlock()

	if ok {
		if err := pubsub.Close(); err != nil {
			h.log.WithError(err).WithField("id", id).Warn("closing inbox subscription")
		}
	}
	return h.release(ctx, id)
}

func (h *RedisHub) Refresh(ctx context.Context, id string) error {
	if err := h.rdb.Expire(ctx, presencePrefix+id, h.ttl).Err(); err != nil {
		return fmt.Errorf("refreshing presence: %w", err)
	}
	return nil
}

func (h *RedisHub) Send(ctx context.Context, dst string, data []byte) error {
	online, err := h.rdb.Exists(ctx, presencePrefix+dst).Result()
	if err != nil {
		return fmt.Errorf("checking presence: %w", err)
	}
	if online == 0 {
		return ErrPeerUnavailable
	}

	receivers, err := h.rdb.Publish(ctx, inboxPrefix+dst, data).Result()
	if err != nil {
		return fmt.Errorf("publishing to inbox: %w", err)
	}
	if receivers == 0 {
		return ErrPeerUnavailable
	}
	return nil
}

func (h *RedisHub) release(ctx context.Context, id string) error {
	if err := releaseScript.Run(ctx, h.rdb, []string{presencePrefix + id}, h.instance).Err(); err != nil {
		return fmt.Errorf("releasing presence: %w", err)
	}
	return nil
}
