// Copyright (c) 2025 FlowMesh Authors.
// Licensed under the MIT License.

// Package gateway 对外暴露编排器操作的协议网关。
//
// 请求/响应采用 JSON-RPC 风格的封装：{id, method, params} 进，
// {id, result} 或 {id, error:{code, message, data?}} 出，错误永远
// 不会以 panic 形式越过网关边界。支持的方法是封闭集合，未知方法
// 返回 -32601。
//
// 订阅管理器将 workflow.<executionId>.events 总线流量转发给该执行
// 的观察者，最后一个观察者离开时回收总线订阅。WebSocket 前端承载
// 请求帧与事件推送帧，每连接限速。
package gateway
