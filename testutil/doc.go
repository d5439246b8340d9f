// Copyright (c) 2025 FlowMesh Authors.
// Licensed under the MIT License.

/*
Package testutil 提供 FlowMesh 测试的共享工具和辅助函数。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 异步断言: AssertEventuallyTrue，支持超时轮询等待条件满足
  - 脚本化 Agent: ScriptedAgent 在总线上扮演真实 Agent，按脚本
    对每个步骤返回成功、失败或沉默，用于端到端编排测试

# 使用示例

	ctx := testutil.TestContext(t)
	agent := testutil.NewScriptedAgent(b, "agent-1", []string{"review"})
	agent.FailTimes("step-2", 2)
	agent.Start()
*/
package testutil
