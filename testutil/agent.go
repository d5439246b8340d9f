// =============================================================================
// 🤖 脚本化测试 Agent
// =============================================================================
// ScriptedAgent 在总线上扮演真实 Agent：订阅自己的任务频道，按脚本
// 对每个步骤返回成功、带错误的响应或保持沉默（触发调用方超时）。
// 用于编排端到端测试，无需任何真实 Agent 进程。
// =============================================================================
package testutil

import (
	"context"
	"sync"

	"github.com/BaSui01/flowmesh/bus"
	"github.com/BaSui01/flowmesh/types"
)

// ScriptedAgent 按脚本响应任务的假 Agent
type ScriptedAgent struct {
	bus          bus.Bus
	id           string
	capabilities []string

	mu       sync.Mutex
	failures map[string]int // step_id → 剩余失败次数
	silent   map[string]int // step_id → 剩余沉默次数
	results  map[string]map[string]any
	received []*types.Envelope
	sub      *bus.Subscription
}

// NewScriptedAgent 构造脚本化 Agent，默认对所有任务返回成功
func NewScriptedAgent(b bus.Bus, id string, capabilities []string) *ScriptedAgent {
	return &ScriptedAgent{
		bus:          b,
		id:           id,
		capabilities: capabilities,
		failures:     make(map[string]int),
		silent:       make(map[string]int),
		results:      make(map[string]map[string]any),
	}
}

// Descriptor 返回可直接注册到目录的描述符
func (a *ScriptedAgent) Descriptor() *types.AgentDescriptor {
	return &types.AgentDescriptor{
		ID:           a.id,
		Capabilities: append([]string(nil), a.capabilities...),
		Health:       types.HealthHealthy,
	}
}

// FailTimes 指定步骤的前 n 次任务返回带错误的低质量响应
func (a *ScriptedAgent) FailTimes(stepID string, n int) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures[stepID] = n
	return a
}

// SilentTimes 指定步骤的前 n 次任务不作任何响应，调用方将超时
func (a *ScriptedAgent) SilentTimes(stepID string, n int) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.silent[stepID] = n
	return a
}

// RespondWith 指定步骤成功时附带的负载
func (a *ScriptedAgent) RespondWith(stepID string, payload map[string]any) *ScriptedAgent {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.results[stepID] = payload
	return a
}

// Start 订阅任务频道，开始按脚本响应
func (a *ScriptedAgent) Start() error {
	sub, err := a.bus.Subscribe(bus.TaskChannel(a.id), a.handleTask)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.sub = sub
	a.mu.Unlock()
	return nil
}

// Stop 取消任务订阅
func (a *ScriptedAgent) Stop() {
	a.mu.Lock()
	sub := a.sub
	a.sub = nil
	a.mu.Unlock()
	if sub != nil {
		a.bus.Unsubscribe(sub) //nolint:errcheck
	}
}

// Received 返回已收到任务信封的副本
func (a *ScriptedAgent) Received() []*types.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*types.Envelope(nil), a.received...)
}

// ReceivedCount 返回指定步骤收到的任务次数
func (a *ScriptedAgent) ReceivedCount(stepID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, env := range a.received {
		if id, _ := env.Payload["step_id"].(string); id == stepID {
			n++
		}
	}
	return n
}

// SendHeartbeat 在状态频道上发布一次心跳
func (a *ScriptedAgent) SendHeartbeat(ctx context.Context, health types.HealthState, load float64) error {
	env := types.NewEnvelope(types.MessageHeartbeat, a.id)
	env.Payload = map[string]any{
		"health": string(health),
		"load":   load,
	}
	return a.bus.Publish(ctx, bus.StatusChannel(a.id), env)
}

func (a *ScriptedAgent) handleTask(ctx context.Context, env *types.Envelope) {
	a.mu.Lock()
	a.received = append(a.received, env)
	stepID, _ := env.Payload["step_id"].(string)

	if a.silent[stepID] > 0 {
		a.silent[stepID]--
		a.mu.Unlock()
		return
	}
	fail := false
	if a.failures[stepID] > 0 {
		a.failures[stepID]--
		fail = true
	}
	result := a.results[stepID]
	a.mu.Unlock()

	resp := types.NewEnvelope(types.MessageResult, a.id)
	resp.TaskID = env.TaskID
	if fail {
		resp.Payload = map[string]any{
			"step_id":       stepID,
			"error":         "scripted failure",
			"quality_score": 0,
		}
	} else {
		resp.Payload = map[string]any{"step_id": stepID}
		for k, v := range result {
			resp.Payload[k] = v
		}
	}
	if env.ReplyTo != "" {
		a.bus.Publish(ctx, env.ReplyTo, resp) //nolint:errcheck
	}
}
