// Copyright (c) FlowMesh Authors.
// Licensed under the MIT License.

/*
Package bus 提供发布/订阅消息总线与相关的请求/响应协议。

# 概述

bus 是编排层与 Agent 之间唯一的通信通道。消息以 types.Envelope 为统一
wire 格式在命名频道上传递：

	agent.<agentId>.tasks              — 任务下发
	agent.<agentId>.status             — Agent 心跳/状态
	agent.<agentId>.results            — 任务结果
	agent.<agentId>.reply.<requestId>  — 请求/响应的临时回复频道
	workflow.<executionId>.events      — 执行事件（网关转发给观察者）

# 投递语义

总线层面 fire-and-forget：订阅者缓冲已满或已离线时消息被静默丢弃，
调用方不能假设同步投递保证。Request 在此之上实现关联的请求/响应：
每次调用创建临时回复频道并订阅，将回复频道嵌入消息后发布，收到首个
回复或超时后解析，所有退出路径都会释放临时订阅。

# 实现

  - MemoryBus — 进程内 channel 扇出，用于测试与单机部署
  - RedisBus  — Redis Pub/Sub，用于跨进程部署
*/
package bus
