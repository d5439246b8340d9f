package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/flowmesh/types"
)

// Handler 处理投递到订阅频道的消息
type Handler func(ctx context.Context, env *types.Envelope)

// Subscription 订阅句柄，用于显式取消订阅
type Subscription struct {
	id      string
	channel string
}

// ID 返回订阅唯一标识
func (s *Subscription) ID() string { return s.id }

// Channel 返回订阅的频道名
func (s *Subscription) Channel() string { return s.channel }

// Bus 消息总线接口
type Bus interface {
	// Publish 向频道发布一条消息（fire-and-forget）
	Publish(ctx context.Context, channel string, env *types.Envelope) error

	// Subscribe 订阅频道，返回用于取消订阅的句柄
	Subscribe(channel string, handler Handler) (*Subscription, error)

	// Unsubscribe 取消订阅
	Unsubscribe(sub *Subscription) error

	// Request 向目标 Agent 发送任务并等待关联回复，超时返回 types.ErrTimeout
	Request(ctx context.Context, target string, env *types.Envelope, timeout time.Duration) (*types.Envelope, error)

	// Close 关闭总线并释放所有订阅
	Close() error
}

// Channel naming convention helpers.

// TaskChannel 返回 Agent 任务频道名
func TaskChannel(agentID string) string { return "agent." + agentID + ".tasks" }

// StatusChannel 返回 Agent 状态/心跳频道名
func StatusChannel(agentID string) string { return "agent." + agentID + ".status" }

// ResultsChannel 返回 Agent 结果频道名
func ResultsChannel(agentID string) string { return "agent." + agentID + ".results" }

// EventsChannel 返回执行事件频道名
func EventsChannel(executionID string) string { return "workflow." + executionID + ".events" }

// ReplyChannel 返回请求/响应的临时回复频道名
func ReplyChannel(agentID, requestID string) string {
	return "agent." + agentID + ".reply." + requestID
}

// doRequest 在 Publish/Subscribe 之上实现关联的请求/响应。
// 临时回复订阅在所有退出路径（首个回复、超时、ctx 取消）上都被释放。
func doRequest(ctx context.Context, b Bus, target string, env *types.Envelope, timeout time.Duration) (*types.Envelope, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil request envelope", types.ErrMalformedMessage)
	}
	requestID := uuid.New().String()
	reply := ReplyChannel(target, requestID)

	replyCh := make(chan *types.Envelope, 1)
	sub, err := b.Subscribe(reply, func(_ context.Context, resp *types.Envelope) {
		// 只取首个回复，后续回复丢弃
		select {
		case replyCh <- resp:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe reply channel: %w", err)
	}
	defer b.Unsubscribe(sub) //nolint:errcheck // 清理路径

	req := *env
	req.ReplyTo = reply
	if req.ID == "" {
		req.ID = requestID
	}
	if req.Timestamp.IsZero() {
		req.Timestamp = time.Now().UTC()
	}
	if err := b.Publish(ctx, TaskChannel(target), &req); err != nil {
		return nil, fmt.Errorf("publish request to %s: %w", target, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-replyCh:
		return resp, nil
	case <-timer.C:
		return nil, fmt.Errorf("request %s to agent %s after %v: %w", req.ID, target, timeout, types.ErrTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
