// Package server 提供 HTTP 服务器生命周期管理。
//
// Manager 封装 net/http.Server 的启动、优雅关闭与信号监听，
// 供 WebSocket 网关与 Metrics 端点复用同一套生命周期逻辑。
package server
