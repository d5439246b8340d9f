// Copyright (c) FlowMesh Authors.
// Licensed under the MIT License.

/*
Package types 提供 FlowMesh 编排层的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 bus、breaker、directory、
store、orchestrator、gateway 等上层模块提供统一的类型契约。所有跨包共享
的结构体、枚举和错误都集中在这里。

# 核心类型

  - Envelope            — 总线消息信封（统一 wire 格式）
  - WorkflowDefinition  — 工作流定义（不可变的步骤序列 + 重试策略）
  - WorkflowExecution   — 工作流执行记录（状态机 + 累积数据 + 交接记录）
  - HandoffRecord       — 步骤间交接记录（仅追加）
  - AgentDescriptor     — Agent 描述（能力集合 + 健康状态 + 负载）
  - Error / ErrorCode   — 结构化错误与错误码

# 错误分类

包级哨兵错误承载错误分类语义：瞬态错误（熔断打开、超时、质量不达标）
由编排器按策略重试，致命错误（无可用 Agent、锁竞争、消息损坏）立即
上浮。RetryExhaustedError 在重试耗尽后包装最后一次底层错误。
*/
package types
