package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/flowmesh/types"
)

// drive 驱动单个执行直到终态、暂停或锁丢失。
// 同一执行同一时刻至多一个 driver：租约锁是唯一的跨进程互斥手段。
func (o *Orchestrator) drive(ctx context.Context, def *types.WorkflowDefinition, executionID string) {
	logger := o.logger.With(
		zap.String("execution_id", executionID),
		zap.String("workflow_id", def.ID))

	acquired, err := o.store.TryAcquireLock(ctx, executionID, o.cfg.OwnerID, o.cfg.LockTTL)
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordLockAcquire("error")
		}
		logger.Error("lock acquisition failed", zap.Error(err))
		return
	}
	if !acquired {
		// 另一个 owner 持有有效租约：执行已在别处运行，不是错误
		if o.metrics != nil {
			o.metrics.RecordLockAcquire("contended")
		}
		logger.Info("execution lock held by another owner, skipping",
			zap.Error(types.ErrLockContention))
		return
	}
	if o.metrics != nil {
		o.metrics.RecordLockAcquire("acquired")
		o.metrics.ExecutionStarted()
		defer o.metrics.ExecutionFinished()
	}
	defer func() {
		if err := o.store.ReleaseLock(context.Background(), executionID, o.cfg.OwnerID); err != nil {
			logger.Warn("lock release failed", zap.Error(err))
		}
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go o.renewLoop(renewCtx, executionID, logger)

	exec, err := o.store.Load(ctx, executionID)
	if err != nil {
		logger.Error("load execution failed", zap.Error(err))
		return
	}
	if exec.IsTerminal() || exec.Status == types.ExecutionPaused {
		return
	}

	if def.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, def.Timeout)
		defer cancel()
	}

	ctx, span := o.tracer.Start(ctx, "workflow.execute")
	span.SetAttributes(
		attribute.String("workflow.id", def.ID),
		attribute.String("execution.id", executionID),
	)
	defer span.End()

	if exec.Status == types.ExecutionPending {
		exec.Status = types.ExecutionRunning
		exec.StartedAt = time.Now().UTC()
		if err := o.store.Save(ctx, exec); err != nil {
			logger.Error("persist execution start failed", zap.Error(err))
			return
		}
		o.emitEvent(ctx, executionID, EventStarted, map[string]any{
			"workflow_id": def.ID,
			"total_steps": len(def.Steps),
		})
	} else {
		logger.Info("resuming execution",
			zap.Int("current_step_index", exec.CurrentStepIndex))
	}

	totalSteps := len(def.Steps)
	idx := 0
	for _, group := range def.StepGroups() {
		groupSize := len(group)
		if idx+groupSize <= exec.CurrentStepIndex {
			// 该组已在之前的运行中完成并持久化，不重放
			idx += groupSize
			continue
		}
		idx += groupSize

		// 步骤边界：观察外部的取消/暂停请求
		switch o.boundaryStatus(ctx, exec) {
		case types.ExecutionCancelled:
			logger.Info("execution cancelled, stopping at step boundary")
			o.finalize(exec, types.ExecutionCancelled, "", logger)
			return
		case types.ExecutionPaused:
			logger.Info("execution paused, releasing driver")
			return
		}
		if ctx.Err() != nil {
			o.finalize(exec, types.ExecutionFailed, fmt.Sprintf("workflow timed out: %v", ctx.Err()), logger)
			return
		}

		var groupErr error
		if groupSize == 1 {
			step := group[0]
			rec, data, err := o.runStep(ctx, def, exec, step, logger)
			if err != nil {
				groupErr = err
			} else {
				exec.AppendHandoff(rec)
				exec.MergeData(data)
			}
		} else {
			groupErr = o.runGroup(ctx, def, exec, group, logger)
		}

		if groupErr != nil {
			logger.Warn("step group failed", zap.Error(groupErr))
			o.finalize(exec, types.ExecutionFailed, groupErr.Error(), logger)
			return
		}

		// 合并步骤执行期间写入的外部取消/暂停，进度保存不能覆盖它们
		if st := o.boundaryStatus(ctx, exec); st != exec.Status {
			exec.Status = st
		}
		if err := o.persistProgress(ctx, exec, totalSteps); err != nil {
			// 持久化失败时终止本次驱动；锁释放后恢复扫描会重试该执行
			logger.Error("persist progress failed", zap.Error(err))
			return
		}
	}

	o.finalize(exec, types.ExecutionCompleted, "", logger)
}

// runGroup 并行组：fan-out 所有成员，join 后统一记录交接与合并数据。
// 重试策略按成员应用；任一成员失败则整组失败，但先等全部成员结束。
func (o *Orchestrator) runGroup(ctx context.Context, def *types.WorkflowDefinition, exec *types.WorkflowExecution, group []types.StepSpec, logger *zap.Logger) error {
	type memberResult struct {
		rec  types.HandoffRecord
		data map[string]any
		err  error
	}
	results := make([]memberResult, len(group))

	g := new(errgroup.Group)
	for i, step := range group {
		g.Go(func() error {
			rec, data, err := o.runStep(ctx, def, exec, step, logger)
			results[i] = memberResult{rec: rec, data: data, err: err}
			return nil
		})
	}
	g.Wait() //nolint:errcheck // 成员错误通过 results 收集

	var groupErr error
	for _, r := range results {
		if r.err != nil {
			if groupErr == nil {
				groupErr = r.err
			}
			continue
		}
		exec.AppendHandoff(r.rec)
		exec.MergeData(r.data)
	}
	return groupErr
}

// boundaryStatus 在步骤边界重新读取持久化状态，观察协作式取消/暂停
func (o *Orchestrator) boundaryStatus(ctx context.Context, exec *types.WorkflowExecution) types.ExecutionStatus {
	latest, err := o.store.Load(ctx, exec.ID)
	if err != nil {
		return exec.Status
	}
	switch latest.Status {
	case types.ExecutionCancelled, types.ExecutionPaused:
		return latest.Status
	default:
		return exec.Status
	}
}

// persistProgress 持久化执行并推送进度事件
func (o *Orchestrator) persistProgress(ctx context.Context, exec *types.WorkflowExecution, totalSteps int) error {
	if err := o.store.Save(ctx, exec); err != nil {
		return err
	}
	o.emitEvent(ctx, exec.ID, EventProgress, map[string]any{
		"completed_steps": exec.CurrentStepIndex,
		"total_steps":     totalSteps,
	})
	return nil
}

// finalize 写入终态并发出终止事件。使用独立 ctx，保证超时/取消后
// 终态仍能持久化。
func (o *Orchestrator) finalize(exec *types.WorkflowExecution, status types.ExecutionStatus, errMsg string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	exec.Status = status
	exec.Error = errMsg
	exec.EndedAt = &now
	if err := o.store.Save(ctx, exec); err != nil {
		logger.Error("persist terminal state failed",
			zap.String("status", string(status)),
			zap.Error(err))
	}

	switch status {
	case types.ExecutionCompleted:
		o.emitEvent(ctx, exec.ID, EventCompleted, map[string]any{
			"result": exec.AccumulatedData,
		})
	case types.ExecutionFailed:
		o.emitEvent(ctx, exec.ID, EventFailed, map[string]any{
			"error": errMsg,
		})
	}

	if o.metrics != nil {
		duration := time.Duration(0)
		if !exec.StartedAt.IsZero() {
			duration = now.Sub(exec.StartedAt)
		}
		o.metrics.RecordExecution(exec.WorkflowID, string(status), duration)
	}
	logger.Info("execution finished",
		zap.String("status", string(status)),
		zap.Int("handoffs", len(exec.Handoffs)))
}

// renewLoop 以半 TTL 周期续约锁，防止长执行期间租约过期
func (o *Orchestrator) renewLoop(ctx context.Context, executionID string, logger *zap.Logger) {
	interval := o.cfg.LockTTL / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := o.store.RenewLock(ctx, executionID, o.cfg.OwnerID, o.cfg.LockTTL); err != nil {
				logger.Warn("lock renewal failed", zap.Error(err))
				if errors.Is(err, types.ErrLockContention) {
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

// stepOutcome 单次分发的结果：响应与质量评估一起通过熔断器返回
type stepOutcome struct {
	resp   *types.Envelope
	score  float64
	passed []string
}

// runStep 执行单个步骤，应用重试/退避、熔断与质量校验。
// 返回成功的交接记录与待合并数据，或重试耗尽后的终止错误。
func (o *Orchestrator) runStep(ctx context.Context, def *types.WorkflowDefinition, exec *types.WorkflowExecution, step types.StepSpec, logger *zap.Logger) (types.HandoffRecord, map[string]any, error) {
	policy := def.Retry
	if policy.MaxAttempts <= 0 {
		policy = types.DefaultRetryPolicy()
	}
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = o.cfg.StepTimeout
	}
	threshold := o.cfg.QualityThresholds[step.TargetCapability]
	validator := o.validatorFor(step.TargetCapability)

	ctx, span := o.tracer.Start(ctx, "workflow.step")
	span.SetAttributes(
		attribute.String("step.id", step.StepID),
		attribute.String("step.capability", step.TargetCapability),
	)
	defer span.End()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Backoff(attempt - 1)
			if o.metrics != nil {
				o.metrics.RecordStepRetry(step.TargetCapability)
			}
			logger.Info("retrying step",
				zap.String("step_id", step.StepID),
				zap.Int("attempt", attempt),
				zap.Duration("backoff", delay))
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return types.HandoffRecord{}, nil, ctx.Err()
			}
		}

		start := time.Now()
		agent, err := o.directory.Select(step.TargetCapability)
		if err != nil {
			// 无可用 Agent 属致命错误：立即上浮，不产生任何总线流量
			return types.HandoffRecord{}, nil, err
		}

		br := o.breakers.GetOrCreate(step.TargetCapability)
		result, err := br.Execute(ctx, func(callCtx context.Context) (any, error) {
			env := types.NewEnvelope(types.MessageTask, agent.ID)
			env.TaskID = exec.ID + ":" + step.StepID
			env.Payload = map[string]any{
				"execution_id": exec.ID,
				"step_id":      step.StepID,
				"capability":   step.TargetCapability,
				"parameters":   step.Parameters,
				"data":         exec.AccumulatedData,
			}
			resp, err := o.bus.Request(callCtx, agent.ID, env, timeout)
			if err != nil {
				return nil, err
			}
			// 质量校验在熔断器内完成：低于阈值和传输失败同样计为
			// 依赖失败
			score, passed := validator.Score(resp)
			if score < threshold {
				return nil, fmt.Errorf("step %s scored %.1f below required %.1f: %w",
					step.StepID, score, threshold, types.ErrQualityBelowThreshold)
			}
			return stepOutcome{resp: resp, score: score, passed: passed}, nil
		})
		if err != nil {
			o.directory.MarkOutcome(agent.ID, false)
			if o.metrics != nil {
				o.metrics.RecordStepDispatch(step.TargetCapability, "error", time.Since(start))
			}
			logger.Warn("step attempt failed",
				zap.String("step_id", step.StepID),
				zap.String("agent_id", agent.ID),
				zap.Int("attempt", attempt),
				zap.Error(err))
			// 只重试瞬时错误类（熔断打开、超时、质量不达标），
			// 其余错误立即上浮
			if !types.IsTransient(err) {
				return types.HandoffRecord{}, nil, err
			}
			lastErr = err
			continue
		}

		outcome := result.(stepOutcome)
		o.directory.MarkOutcome(agent.ID, true)
		if o.metrics != nil {
			o.metrics.RecordStepDispatch(step.TargetCapability, "ok", time.Since(start))
		}
		rec := types.HandoffRecord{
			FromStep:     step.StepID,
			ToStep:       nextStepID(def, step.StepID),
			Timestamp:    time.Now().UTC(),
			Payload:      outcome.resp.Payload,
			QualityScore: outcome.score,
			Validators:   outcome.passed,
		}
		return rec, outcome.resp.Payload, nil
	}

	return types.HandoffRecord{}, nil, &types.RetryExhaustedError{
		StepID:   step.StepID,
		Attempts: policy.MaxAttempts,
		Err:      lastErr,
	}
}

// nextStepID 返回定义顺序中紧随其后的步骤 ID，末步返回空
func nextStepID(def *types.WorkflowDefinition, stepID string) string {
	for i, s := range def.Steps {
		if s.StepID == stepID && i+1 < len(def.Steps) {
			return def.Steps[i+1].StepID
		}
	}
	return ""
}
