package bus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// subscriptionCounter 用于生成唯一订阅 ID，避免并发碰撞
var subscriptionCounter int64

// memorySubscriber 单个订阅者：独立缓冲 + 投递协程
type memorySubscriber struct {
	handler Handler
	queue   chan *types.Envelope
	done    chan struct{}
}

// MemoryBus 进程内消息总线实现。
// 每个订阅者有独立的有界缓冲，缓冲满时消息被丢弃（总线层面不提供
// 投递保证）。handler panic 被捕获，不会影响其他订阅者。
type MemoryBus struct {
	mu       sync.RWMutex
	channels map[string]map[string]*memorySubscriber
	closed   bool
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// subscriberBuffer 每个订阅者的缓冲大小
const subscriberBuffer = 64

// NewMemoryBus 创建进程内总线
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryBus{
		channels: make(map[string]map[string]*memorySubscriber),
		logger:   logger.With(zap.String("component", "memory_bus")),
	}
}

// Publish 发布消息到频道的所有订阅者
func (b *MemoryBus) Publish(ctx context.Context, channel string, env *types.Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", types.ErrMalformedMessage)
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return fmt.Errorf("bus closed")
	}
	for _, sub := range b.channels[channel] {
		select {
		case sub.queue <- env:
		default:
			// 缓冲满，丢弃
			b.logger.Warn("subscriber buffer full, dropping message",
				zap.String("channel", channel),
				zap.String("message_id", env.ID))
		}
	}
	return nil
}

// Subscribe 订阅频道
func (b *MemoryBus) Subscribe(channel string, handler Handler) (*Subscription, error) {
	if handler == nil {
		return nil, fmt.Errorf("nil handler")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, fmt.Errorf("bus closed")
	}

	id := fmt.Sprintf("%s-%d", channel, atomic.AddInt64(&subscriptionCounter, 1))
	sub := &memorySubscriber{
		handler: handler,
		queue:   make(chan *types.Envelope, subscriberBuffer),
		done:    make(chan struct{}),
	}
	if b.channels[channel] == nil {
		b.channels[channel] = make(map[string]*memorySubscriber)
	}
	b.channels[channel][id] = sub

	b.wg.Add(1)
	go b.pump(sub)

	return &Subscription{id: id, channel: channel}, nil
}

// pump 投递循环，按到达顺序依次调用 handler
func (b *MemoryBus) pump(sub *memorySubscriber) {
	defer b.wg.Done()
	for {
		select {
		case env := <-sub.queue:
			b.deliver(sub.handler, env)
		case <-sub.done:
			return
		}
	}
}

// deliver 调用 handler，捕获 panic
func (b *MemoryBus) deliver(handler Handler, env *types.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("bus handler panicked",
				zap.Any("recover", r),
				zap.String("message_id", env.ID))
		}
	}()
	handler(context.Background(), env)
}

// Unsubscribe 取消订阅并停止其投递协程
func (b *MemoryBus) Unsubscribe(sub *Subscription) error {
	if sub == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	subs, ok := b.channels[sub.channel]
	if !ok {
		return nil
	}
	if s, ok := subs[sub.id]; ok {
		close(s.done)
		delete(subs, sub.id)
		if len(subs) == 0 {
			delete(b.channels, sub.channel)
		}
	}
	return nil
}

// Request 关联的请求/响应调用
func (b *MemoryBus) Request(ctx context.Context, target string, env *types.Envelope, timeout time.Duration) (*types.Envelope, error) {
	return doRequest(ctx, b, target, env, timeout)
}

// Close 关闭总线，释放所有订阅
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for _, subs := range b.channels {
		for _, s := range subs {
			close(s.done)
		}
	}
	b.channels = make(map[string]map[string]*memorySubscriber)
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

// SubscriberCount 返回频道当前订阅者数量（测试用）
func (b *MemoryBus) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.channels[channel])
}
