package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/types"
)

// State 熔断器状态
type State int

const (
	// StateClosed 正常状态，允许请求通过
	StateClosed State = iota
	// StateOpen 熔断状态，拒绝所有请求
	StateOpen
	// StateHalfOpen 半开状态，允许探测请求
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值，达到后触发熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// ResetTimeout 熔断后等待进入半开的时间
	ResetTimeout time.Duration `json:"reset_timeout" yaml:"reset_timeout"`
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
	// HalfOpenMaxProbes 半开状态同时在途的探测请求数上限
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// CallTimeout 被包装调用的超时，0 表示由调用方的 ctx 控制
	CallTimeout time.Duration `json:"call_timeout" yaml:"call_timeout"`
}

// DefaultConfig 默认熔断器配置
func DefaultConfig() Config {
	return Config{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
	}
}

// Event 熔断器状态变更事件
type Event struct {
	Name      string    `json:"name"`
	OldState  State     `json:"old_state"`
	NewState  State     `json:"new_state"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
	Failures  int       `json:"failures"`
}

// StateChangeFunc 状态变更回调
type StateChangeFunc func(Event)

// Breaker 熔断器。每个被保护的依赖（通常是一类 Agent 能力）持有独立
// 实例，计数互不共享。状态转换在下一次调用时惰性求值，不使用定时器。
// 进程重启后熔断状态丢失，冷启动默认 closed。
type Breaker struct {
	name            string
	config          Config
	state           State
	failures        int       // 连续失败次数
	successes       int       // 半开状态下连续成功次数
	inFlightProbes  int       // 半开状态在途探测数
	lastFailureTime time.Time // 最后一次失败时间
	onStateChange   StateChangeFunc
	logger          *zap.Logger
	mu              sync.Mutex
}

// New 创建熔断器
func New(name string, config Config, onStateChange StateChangeFunc, logger *zap.Logger) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:          name,
		config:        config,
		state:         StateClosed,
		onStateChange: onStateChange,
		logger:        logger.With(zap.String("breaker", name)),
	}
}

// Execute 在熔断保护下执行 fn。熔断打开且未到恢复时间时快速失败，
// 返回包装了 types.ErrCircuitOpen 的错误而不调用 fn。
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) (any, error)) (any, error) {
	if err := b.allow(); err != nil {
		return nil, err
	}

	callCtx := ctx
	if b.config.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, b.config.CallTimeout)
		defer cancel()
	}

	result, err := fn(callCtx)
	if err != nil {
		b.RecordFailure()
		return nil, err
	}
	b.RecordSuccess()
	return result, nil
}

// allow 检查是否允许请求通过
func (b *Breaker) allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		// 恢复时间到达后惰性转入半开
		if time.Since(b.lastFailureTime) >= b.config.ResetTimeout {
			b.transitionTo(StateHalfOpen, "reset timeout elapsed")
			b.successes = 0
			b.inFlightProbes = 1
			return nil
		}
		return fmt.Errorf("%w: %s has %d consecutive failures, retry in %v",
			types.ErrCircuitOpen, b.name, b.failures,
			b.config.ResetTimeout-time.Since(b.lastFailureTime))

	case StateHalfOpen:
		if b.inFlightProbes < b.maxProbes() {
			b.inFlightProbes++
			return nil
		}
		return fmt.Errorf("%w: %s half-open, max in-flight probes (%d) reached",
			types.ErrCircuitOpen, b.name, b.maxProbes())

	default:
		return fmt.Errorf("unknown circuit breaker state: %d", b.state)
	}
}

func (b *Breaker) maxProbes() int {
	if b.config.HalfOpenMaxProbes <= 0 {
		return 1
	}
	return b.config.HalfOpenMaxProbes
}

// RecordSuccess 记录成功
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		if b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed, fmt.Sprintf("%d consecutive successes in half-open", b.successes))
			b.failures = 0
			b.successes = 0
			b.inFlightProbes = 0
		}
	}
}

// RecordFailure 记录失败
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}

	case StateHalfOpen:
		// 半开状态下任何失败都重新熔断，恢复计时重新开始
		if b.inFlightProbes > 0 {
			b.inFlightProbes--
		}
		b.successes = 0
		b.transitionTo(StateOpen, "failure in half-open state")
	}
}

// GetState 获取当前状态
func (b *Breaker) GetState() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetFailures 获取当前连续失败次数
func (b *Breaker) GetFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// NextRetryAt 返回打开状态下一次允许探测的时间
func (b *Breaker) NextRetryAt() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFailureTime.Add(b.config.ResetTimeout)
}

// Reset 重置熔断器
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	oldState := b.state
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.inFlightProbes = 0
	if oldState != StateClosed {
		b.emitEvent(oldState, StateClosed, "manual reset")
	}
}

// transitionTo 状态转换（必须在锁内调用）
func (b *Breaker) transitionTo(newState State, reason string) {
	oldState := b.state
	b.state = newState

	b.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	b.emitEvent(oldState, newState, reason)
}

// emitEvent 发送事件（必须在锁内调用）
func (b *Breaker) emitEvent(oldState, newState State, reason string) {
	if b.onStateChange != nil {
		event := Event{
			Name:      b.name,
			OldState:  oldState,
			NewState:  newState,
			Timestamp: time.Now(),
			Reason:    reason,
			Failures:  b.failures,
		}
		// 异步发送避免死锁
		go b.onStateChange(event)
	}
}

// Registry 熔断器注册表，按名称管理所有被保护依赖的熔断器
type Registry struct {
	breakers      map[string]*Breaker
	config        Config
	onStateChange StateChangeFunc
	logger        *zap.Logger
	mu            sync.RWMutex
}

// NewRegistry 创建熔断器注册表
func NewRegistry(config Config, onStateChange StateChangeFunc, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		breakers:      make(map[string]*Breaker),
		config:        config,
		onStateChange: onStateChange,
		logger:        logger,
	}
}

// GetOrCreate 获取或创建命名熔断器
func (r *Registry) GetOrCreate(name string) *Breaker {
	r.mu.RLock()
	if b, ok := r.breakers[name]; ok {
		r.mu.RUnlock()
		return b
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// 双重检查
	if b, ok := r.breakers[name]; ok {
		return b
	}

	b := New(name, r.config, r.onStateChange, r.logger)
	r.breakers[name] = b
	return b
}

// States 获取所有熔断器状态
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, b := range r.breakers {
		states[name] = b.GetState()
	}
	return states
}

// ResetAll 重置所有熔断器
func (r *Registry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, b := range r.breakers {
		b.Reset()
	}
}
