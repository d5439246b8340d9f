package gateway

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/bus"
	"github.com/BaSui01/flowmesh/types"
)

// ErrGatewayClosed 网关已关闭，不再接受订阅
var ErrGatewayClosed = errors.New("gateway: closed")

// EventSink 事件投递通道。满时丢弃，慢观察者不会阻塞转发。
type EventSink chan *types.Envelope

// subscriptionManager 按执行维护总线订阅与观察者集合。
// 每个执行至多一条总线订阅，最后一个观察者离开时回收。
type subscriptionManager struct {
	bus    bus.Bus
	logger *zap.Logger

	mu     sync.Mutex
	relays map[string]*relay
	closed bool
}

type relay struct {
	sub   *bus.Subscription
	sinks map[EventSink]struct{}
}

func newSubscriptionManager(b bus.Bus, logger *zap.Logger) *subscriptionManager {
	return &subscriptionManager{
		bus:    b,
		logger: logger,
		relays: make(map[string]*relay),
	}
}

// Subscribe 注册观察者，首个观察者触发总线订阅
func (m *subscriptionManager) Subscribe(executionID string, sink EventSink) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrGatewayClosed
	}

	r, ok := m.relays[executionID]
	if !ok {
		r = &relay{sinks: make(map[EventSink]struct{})}
		sub, err := m.bus.Subscribe(bus.EventsChannel(executionID), func(_ context.Context, env *types.Envelope) {
			m.deliver(executionID, env)
		})
		if err != nil {
			return err
		}
		r.sub = sub
		m.relays[executionID] = r
	}
	r.sinks[sink] = struct{}{}
	return nil
}

// Unsubscribe 移除观察者，空 relay 连同总线订阅一并回收
func (m *subscriptionManager) Unsubscribe(executionID string, sink EventSink) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.relays[executionID]
	if !ok {
		return
	}
	delete(r.sinks, sink)
	if len(r.sinks) > 0 {
		return
	}
	delete(m.relays, executionID)
	if err := m.bus.Unsubscribe(r.sub); err != nil {
		m.logger.Warn("event relay unsubscribe failed",
			zap.String("execution_id", executionID),
			zap.Error(err))
	}
}

// deliver 将事件非阻塞地扇出给该执行的全部观察者
func (m *subscriptionManager) deliver(executionID string, env *types.Envelope) {
	m.mu.Lock()
	r, ok := m.relays[executionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sinks := make([]EventSink, 0, len(r.sinks))
	for s := range r.sinks {
		sinks = append(sinks, s)
	}
	m.mu.Unlock()

	for _, s := range sinks {
		select {
		case s <- env:
		default:
			m.logger.Warn("event sink full, dropping event",
				zap.String("execution_id", executionID))
		}
	}
}

// Close 回收全部 relay 与总线订阅
func (m *subscriptionManager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for id, r := range m.relays {
		if err := m.bus.Unsubscribe(r.sub); err != nil {
			m.logger.Warn("event relay unsubscribe failed",
				zap.String("execution_id", id),
				zap.Error(err))
		}
		delete(m.relays, id)
	}
	return nil
}
