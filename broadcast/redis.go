package broadcast

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/reactivedoc/core/reactivelog"
)

// RedisFactory opens channels backed by Redis PUB/SUB, grounded on
// crdtpubsub.RedisPubSub: a single *redis.Client shared across channels,
// each channel mapping to one Redis topic. This lets election, lock and
// cross-tab sync run across OS processes that only share Redis, instead
// of being confined to browser tabs sharing a BroadcastChannel.
type RedisFactory struct {
	client *redis.Client
	prefix string
}

// NewRedisFactory wraps an existing Redis client. prefix namespaces
// topics, e.g. one prefix per deployment or tenant.
func NewRedisFactory(client *redis.Client, prefix string) *RedisFactory {
	return &RedisFactory{client: client, prefix: prefix}
}

func (f *RedisFactory) Open(name string) (Channel, error) {
	topic := name
	if f.prefix != "" {
		topic = f.prefix + ":" + name
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := f.client.Subscribe(ctx, topic)

	ch := &redisChannel{
		client:  f.client,
		topic:   topic,
		pubsub:  pubsub,
		cancel:  cancel,
		handler: make(map[int]Handler),
		logger:  reactivelog.New("broadcast.redis"),
	}
	go ch.loop()
	return ch, nil
}

type redisChannel struct {
	client *redis.Client
	topic  string
	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu      sync.RWMutex
	handler map[int]Handler
	nextID  int
	closed  bool

	logger *zap.Logger
}

func (c *redisChannel) Send(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "broadcast: encode message")
	}
	if err := c.client.Publish(ctx, c.topic, data).Err(); err != nil {
		return errors.Wrap(err, "broadcast: publish")
	}
	return nil
}

func (c *redisChannel) Subscribe(handler Handler) func() {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.handler[id] = handler
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handler, id)
		c.mu.Unlock()
	}
}

func (c *redisChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	return c.pubsub.Close()
}

func (c *redisChannel) loop() {
	ch := c.pubsub.Channel()
	for m := range ch {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			// Protocol errors are logged and absorbed (spec §7):
			// correctness is restored by subsequent messages.
			c.logger.Warn("broadcast: dropping malformed message", zap.String("topic", c.topic), zap.Error(err))
			continue
		}

		c.mu.RLock()
		handlers := make([]Handler, 0, len(c.handler))
		for _, h := range c.handler {
			handlers = append(handlers, h)
		}
		c.mu.RUnlock()

		for _, h := range handlers {
			func(h Handler) {
				defer func() { _ = recover() }()
				h(context.Background(), msg)
			}(h)
		}
	}
}
