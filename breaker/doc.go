// Copyright (c) 2025 FlowMesh Authors.
// Licensed under the MIT License.

// Package breaker 实现按依赖命名的熔断器。
//
// 状态机: closed --(连续失败达到阈值)--> open --(冷却时间到，惰性)-->
// half_open --(连续成功达到阈值)--> closed；half_open 下任何失败立即
// 回到 open 并重新计时。open 状态下的调用快速失败，不触达依赖。
//
// Registry 按名称管理熔断器，同名调用共享状态，不同名互不影响。
package breaker
