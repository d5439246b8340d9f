package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/bus"
	"github.com/BaSui01/flowmesh/directory"
	"github.com/BaSui01/flowmesh/internal/metrics"
	"github.com/BaSui01/flowmesh/store"
	"github.com/BaSui01/flowmesh/types"
)

// 执行事件，推送到 workflow.<executionId>.events 频道
const (
	EventStarted   = "execution.started"
	EventProgress  = "execution.progress"
	EventCompleted = "execution.completed"
	EventFailed    = "execution.failed"
)

// Config 编排器配置
type Config struct {
	// OwnerID 锁持有者标识，默认生成 UUID
	OwnerID string `json:"owner_id" yaml:"owner_id"`

	// MaxConcurrent 同时驱动的执行数上限
	MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent"`

	// StepTimeout 步骤默认超时（StepSpec.Timeout 为零时生效）
	StepTimeout time.Duration `json:"step_timeout" yaml:"step_timeout"`

	// LockTTL 租约锁 TTL，必须显著大于预期的单步耗时
	LockTTL time.Duration `json:"lock_ttl" yaml:"lock_ttl"`

	// QualityThresholds 每个能力要求的最低质量分（0-100）
	QualityThresholds map[string]float64 `json:"quality_thresholds" yaml:"quality_thresholds"`
}

// DefaultConfig 默认编排器配置
func DefaultConfig() Config {
	return Config{
		MaxConcurrent: 16,
		StepTimeout:   30 * time.Second,
		LockTTL:       60 * time.Second,
	}
}

// Option 编排器可选依赖
type Option func(*Orchestrator)

// WithMetrics 注入指标收集器
func WithMetrics(c *metrics.Collector) Option {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithValidator 为指定能力注册质量校验器
func WithValidator(capability string, v QualityValidator) Option {
	return func(o *Orchestrator) { o.validators[capability] = v }
}

// WithDefaultValidator 替换默认质量校验器
func WithDefaultValidator(v QualityValidator) Option {
	return func(o *Orchestrator) { o.defaultValidator = v }
}

// Orchestrator 工作流编排引擎。所有依赖显式注入，测试可以用内存实现
// 替换总线与状态存储。
type Orchestrator struct {
	cfg       Config
	bus       bus.Bus
	breakers  *breaker.Registry
	directory *directory.Directory
	store     store.ExecutionStore

	workflows        map[string]*types.WorkflowDefinition
	validators       map[string]QualityValidator
	defaultValidator QualityValidator
	agentSubs        map[string]*bus.Subscription

	metrics *metrics.Collector
	tracer  trace.Tracer
	logger  *zap.Logger

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	mu      sync.RWMutex
	runCtx  context.Context
	cancel  context.CancelFunc
}

// New 创建编排器
func New(
	cfg Config,
	b bus.Bus,
	dir *directory.Directory,
	st store.ExecutionStore,
	breakers *breaker.Registry,
	logger *zap.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.OwnerID == "" {
		cfg.OwnerID = uuid.New().String()
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultConfig().StepTimeout
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultConfig().LockTTL
	}

	runCtx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		cfg:              cfg,
		bus:              b,
		breakers:         breakers,
		directory:        dir,
		store:            st,
		workflows:        make(map[string]*types.WorkflowDefinition),
		validators:       make(map[string]QualityValidator),
		defaultValidator: DefaultValidator(),
		agentSubs:        make(map[string]*bus.Subscription),
		tracer:           otel.Tracer("github.com/BaSui01/flowmesh/orchestrator"),
		logger:           logger.With(zap.String("component", "orchestrator"), zap.String("owner_id", cfg.OwnerID)),
		sem:              semaphore.NewWeighted(cfg.MaxConcurrent),
		runCtx:           runCtx,
		cancel:           cancel,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// RegisterWorkflow 注册工作流定义
func (o *Orchestrator) RegisterWorkflow(def *types.WorkflowDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	o.mu.Lock()
	o.workflows[def.ID] = def
	o.mu.Unlock()
	o.logger.Info("registered workflow",
		zap.String("workflow_id", def.ID),
		zap.Int("steps", len(def.Steps)))
	return nil
}

// Workflow 按 ID 查找工作流定义
func (o *Orchestrator) Workflow(workflowID string) (*types.WorkflowDefinition, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	def, ok := o.workflows[workflowID]
	return def, ok
}

// RegisterAgent 注册 Agent 并订阅其心跳频道
func (o *Orchestrator) RegisterAgent(desc *types.AgentDescriptor) error {
	if err := o.directory.Register(desc); err != nil {
		return err
	}
	sub, err := o.bus.Subscribe(bus.StatusChannel(desc.ID), o.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat for agent %s: %w", desc.ID, err)
	}
	o.mu.Lock()
	if old, ok := o.agentSubs[desc.ID]; ok {
		o.bus.Unsubscribe(old) //nolint:errcheck
	}
	o.agentSubs[desc.ID] = sub
	o.mu.Unlock()
	return nil
}

// handleHeartbeat 将心跳消息转入 directory
func (o *Orchestrator) handleHeartbeat(_ context.Context, env *types.Envelope) {
	if env.Type != types.MessageHeartbeat && env.Type != types.MessageStatus {
		return
	}
	health := types.HealthState("")
	if h, ok := env.Payload["health"].(string); ok {
		health = types.HealthState(h)
	}
	load := 0.0
	if l, ok := env.Payload["load"].(float64); ok {
		load = l
	}
	o.directory.Heartbeat(env.AgentID, health, load)
}

// StartWorkflow 启动已注册工作流的新执行
func (o *Orchestrator) StartWorkflow(ctx context.Context, workflowID string, initialData map[string]any) (*types.WorkflowExecution, error) {
	def, ok := o.Workflow(workflowID)
	if !ok {
		return nil, fmt.Errorf("workflow %s is not registered: %w", workflowID, types.ErrExecutionNotFound)
	}
	return o.StartExecution(ctx, def, initialData)
}

// StartExecution 创建执行并异步开始驱动
func (o *Orchestrator) StartExecution(ctx context.Context, def *types.WorkflowDefinition, initialData map[string]any) (*types.WorkflowExecution, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}
	exec, err := o.store.CreateExecution(ctx, def, initialData)
	if err != nil {
		return nil, fmt.Errorf("create execution for workflow %s: %w", def.ID, err)
	}
	o.launch(def, exec.ID)
	return exec, nil
}

// launch 在工作池中启动 driver
func (o *Orchestrator) launch(def *types.WorkflowDefinition, executionID string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.sem.Acquire(o.runCtx, 1); err != nil {
			return
		}
		defer o.sem.Release(1)
		o.drive(o.runCtx, def, executionID)
	}()
}

// Status 返回执行的当前持久化状态
func (o *Orchestrator) Status(ctx context.Context, executionID string) (*types.WorkflowExecution, error) {
	exec, err := o.store.Load(ctx, executionID)
	if err != nil {
		return nil, err
	}
	return exec, nil
}

// Pause 请求暂停执行，在下一个步骤边界生效
func (o *Orchestrator) Pause(ctx context.Context, executionID string) error {
	exec, err := o.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != types.ExecutionRunning && exec.Status != types.ExecutionPending {
		return fmt.Errorf("pause execution %s in status %s: %w", executionID, exec.Status, types.ErrInvalidTransition)
	}
	exec.Status = types.ExecutionPaused
	return o.store.Save(ctx, exec)
}

// Resume 恢复已暂停的执行，从持久化的步骤索引继续
func (o *Orchestrator) Resume(ctx context.Context, executionID string) error {
	exec, err := o.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.Status != types.ExecutionPaused {
		return fmt.Errorf("resume execution %s in status %s: %w", executionID, exec.Status, types.ErrInvalidTransition)
	}
	def, ok := o.Workflow(exec.WorkflowID)
	if !ok {
		return fmt.Errorf("workflow %s for execution %s is not registered: %w", exec.WorkflowID, executionID, types.ErrExecutionNotFound)
	}
	exec.Status = types.ExecutionRunning
	if err := o.store.Save(ctx, exec); err != nil {
		return err
	}
	o.launch(def, executionID)
	return nil
}

// Cancel 请求取消执行（协作式：在途步骤不会被中断）
func (o *Orchestrator) Cancel(ctx context.Context, executionID string) error {
	exec, err := o.store.Load(ctx, executionID)
	if err != nil {
		return err
	}
	if exec.IsTerminal() {
		return fmt.Errorf("cancel execution %s in status %s: %w", executionID, exec.Status, types.ErrInvalidTransition)
	}
	now := time.Now().UTC()
	exec.Status = types.ExecutionCancelled
	exec.EndedAt = &now
	return o.store.Save(ctx, exec)
}

// Recover 扫描状态存储，接管锁已过期或缺失的活跃执行。
// 已记录的交接不会重放：driver 从持久化的 CurrentStepIndex 继续。
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	ids, err := o.store.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active executions: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		exec, err := o.store.Load(ctx, id)
		if err != nil {
			o.logger.Warn("recovery load failed", zap.String("execution_id", id), zap.Error(err))
			continue
		}
		if exec.Status != types.ExecutionRunning && exec.Status != types.ExecutionPending {
			continue
		}
		def, ok := o.Workflow(exec.WorkflowID)
		if !ok {
			o.logger.Warn("recovery skipped, workflow not registered",
				zap.String("execution_id", id),
				zap.String("workflow_id", exec.WorkflowID))
			continue
		}
		o.launch(def, id)
		recovered++
	}
	if recovered > 0 {
		o.logger.Info("recovery scan complete", zap.Int("executions", recovered))
	}
	return recovered, nil
}

// Agents 返回目录中所有 Agent 的描述符快照
func (o *Orchestrator) Agents() []*types.AgentDescriptor {
	return o.directory.List()
}

// ActiveExecutions 列出所有非终态执行的当前快照
func (o *Orchestrator) ActiveExecutions(ctx context.Context) ([]*types.WorkflowExecution, error) {
	ids, err := o.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	execs := make([]*types.WorkflowExecution, 0, len(ids))
	for _, id := range ids {
		exec, err := o.store.Load(ctx, id)
		if err != nil {
			o.logger.Warn("load active execution failed", zap.String("execution_id", id), zap.Error(err))
			continue
		}
		execs = append(execs, exec)
	}
	return execs, nil
}

// Stats 编排器统计
type Stats struct {
	ActiveExecutions int                           `json:"active_executions"`
	StatusCounts     map[types.ExecutionStatus]int `json:"status_counts"`
	Agents           map[types.HealthState]int     `json:"agents"`
	Breakers         map[string]string             `json:"breakers"`
}

// GetStats 汇总执行、Agent 与熔断器状态
func (o *Orchestrator) GetStats(ctx context.Context) (*Stats, error) {
	ids, err := o.store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{
		ActiveExecutions: len(ids),
		StatusCounts:     make(map[types.ExecutionStatus]int),
		Agents:           o.directory.Stats(),
		Breakers:         make(map[string]string),
	}
	for _, id := range ids {
		exec, err := o.store.Load(ctx, id)
		if err != nil {
			continue
		}
		stats.StatusCounts[exec.Status]++
	}
	for name, state := range o.breakers.States() {
		stats.Breakers[name] = state.String()
	}
	return stats, nil
}

// Wait 等待所有在途 driver 退出（测试用）
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

// Close 停止接收新执行并等待在途 driver 退出
func (o *Orchestrator) Close() error {
	o.cancel()
	o.wg.Wait()
	o.mu.Lock()
	for id, sub := range o.agentSubs {
		o.bus.Unsubscribe(sub) //nolint:errcheck
		delete(o.agentSubs, id)
	}
	o.mu.Unlock()
	return nil
}

// emitEvent 发布执行事件，投递失败只记录
func (o *Orchestrator) emitEvent(ctx context.Context, executionID, event string, fields map[string]any) {
	env := types.NewEnvelope(types.MessageStatus, o.cfg.OwnerID)
	env.Payload = map[string]any{
		"event":        event,
		"execution_id": executionID,
	}
	for k, v := range fields {
		env.Payload[k] = v
	}
	if err := o.bus.Publish(ctx, bus.EventsChannel(executionID), env); err != nil {
		o.logger.Warn("publish execution event failed",
			zap.String("execution_id", executionID),
			zap.String("event", event),
			zap.Error(err))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordBusPublished("event")
	}
}

// validatorFor 返回能力的质量校验器
func (o *Orchestrator) validatorFor(capability string) QualityValidator {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if v, ok := o.validators[capability]; ok {
		return v
	}
	return o.defaultValidator
}
