// Copyright (c) FlowMesh Authors.
// Licensed under the MIT License.

/*
Package orchestrator 实现工作流编排引擎：驱动工作流定义逐步执行，
将每个步骤通过消息总线分发给具备目标能力的 Agent，应用重试/退避与
熔断保护，校验交接质量，并在每步之后持久化执行状态。

# 执行模型

每个执行由一个逻辑 driver 循环驱动，多个 driver 在有界工作池中并行。
driver 在开始前获取执行的租约锁（expiry 是过期的唯一依据），并以
半 TTL 周期续约；崩溃后锁过期，任何 worker 都可以通过 Recover 接管，
从持久化的 CurrentStepIndex 继续，已记录的交接不会重放。

# 步骤算法

 1. 通过 directory 解析目标 Agent（healthy 优先，其次低负载）
 2. 将分发包在该能力的熔断器中
 3. 通过总线 Request 发送任务并等待关联回复（步骤超时）
 4. 用该能力的质量校验器给响应打分，低于阈值视为失败
 5. 失败时按策略指数退避重试；耗尽后执行转入 failed
 6. 成功时追加 HandoffRecord、合并数据、持久化、推进索引

并行组内所有成员并发执行（fan-out），全部结束后统一合并与持久化
（join 是同步屏障）；重试策略按成员应用，任一成员最终失败则整组失败。

# 取消与暂停

取消/暂停通过状态存储协作生效：driver 在每个步骤边界重新读取状态，
在途的 Agent 调用不会被中断，只是后续步骤不再执行。
*/
package orchestrator
