// Copyright (c) 2025 FlowMesh Authors.
// Licensed under the MIT License.

// FlowMesh 服务入口：加载配置，装配消息总线、状态存储、Agent 目录、
// 熔断器与编排器，并通过 WebSocket 网关对外提供服务。
package main
