package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// RedisBus 基于 Redis Pub/Sub 的跨进程消息总线。
// Redis Pub/Sub 本身即 fire-and-forget：无订阅者时消息直接丢失，
// 与总线契约一致。损坏的消息被记录并丢弃，接收循环不会崩溃。
type RedisBus struct {
	client *redis.Client
	logger *zap.Logger

	mu     sync.Mutex
	subs   map[string]*redisSubscriber
	closed bool
	wg     sync.WaitGroup
}

type redisSubscriber struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
}

// NewRedisBus 创建 Redis 总线并验证连接
func NewRedisBus(client *redis.Client, logger *zap.Logger) (*RedisBus, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisBus{
		client: client,
		logger: logger.With(zap.String("component", "redis_bus")),
		subs:   make(map[string]*redisSubscriber),
	}, nil
}

// Publish 发布消息
func (b *RedisBus) Publish(ctx context.Context, channel string, env *types.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe 订阅频道，每个订阅有独立的接收协程
func (b *RedisBus) Subscribe(channel string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	pubsub := b.client.Subscribe(ctx, channel)

	// 等待订阅确认，保证返回后发布的消息可见
	if _, err := pubsub.Receive(ctx); err != nil {
		cancel()
		pubsub.Close() //nolint:errcheck
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}

	id := fmt.Sprintf("%s-%d", channel, atomic.AddInt64(&subscriptionCounter, 1))
	b.subs[id] = &redisSubscriber{pubsub: pubsub, cancel: cancel}

	b.wg.Add(1)
	go b.receiveLoop(ctx, channel, pubsub, handler)

	return &Subscription{id: id, channel: channel}, nil
}

// receiveLoop 接收并分发消息，解析失败只记录不中断
func (b *RedisBus) receiveLoop(ctx context.Context, channel string, pubsub *redis.PubSub, handler Handler) {
	defer b.wg.Done()
	ch := pubsub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			env, err := types.DecodeEnvelope([]byte(msg.Payload))
			if err != nil {
				if errors.Is(err, types.ErrMalformedMessage) {
					b.logger.Warn("dropping malformed bus message",
						zap.String("channel", channel),
						zap.Error(err))
					continue
				}
				b.logger.Error("decode bus message", zap.String("channel", channel), zap.Error(err))
				continue
			}
			b.deliver(ctx, handler, env)
		case <-ctx.Done():
			return
		}
	}
}

// deliver 调用 handler，捕获 panic
func (b *RedisBus) deliver(ctx context.Context, handler Handler, env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.Any("recover", r),
				zap.String("message_id", env.ID))
		}
	}()
	handler(ctx, env)
}

// Unsubscribe 取消订阅并关闭底层 PubSub 连接
func (b *RedisBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	s, ok := b.subs[sub.id]
	if ok {
		delete(b.subs, sub.id)
	}
	b.mu.Unlock()
	if !ok {
		return nil
	}
	s.cancel()
	return s.pubsub.Close()
}

// Request 关联的请求/响应调用
func (b *RedisBus) Request(ctx context.Context, target string, env *types.Envelope, timeout time.Duration) (*types.Envelope, error) {
	return doRequest(ctx, b, target, env, timeout)
}

// Close 关闭总线与所有订阅（不关闭外部传入的 redis client）
func (b *RedisBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*redisSubscriber)
	b.mu.Unlock()

	var errs []error
	for _, s := range subs {
		s.cancel()
		if err := s.pubsub.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	b.wg.Wait()
	return errors.Join(errs...)
}
