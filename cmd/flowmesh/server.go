package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/bus"
	"github.com/BaSui01/flowmesh/config"
	"github.com/BaSui01/flowmesh/directory"
	"github.com/BaSui01/flowmesh/gateway"
	"github.com/BaSui01/flowmesh/internal/metrics"
	"github.com/BaSui01/flowmesh/internal/server"
	"github.com/BaSui01/flowmesh/internal/telemetry"
	"github.com/BaSui01/flowmesh/orchestrator"
	"github.com/BaSui01/flowmesh/store"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 装配并管理全部 FlowMesh 组件的生命周期
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	msgBus    bus.Bus
	execStore store.ExecutionStore
	dir       *directory.Directory
	breakers  *breaker.Registry
	orch      *orchestrator.Orchestrator
	gw        *gateway.Gateway

	wsManager      *server.Manager
	metricsManager *server.Manager

	collector     *metrics.Collector
	otelProviders *telemetry.Providers

	dirCancel context.CancelFunc
}

// NewServer 装配全部组件，失败时返回首个装配错误
func NewServer(cfg *config.Config, logger *zap.Logger, otelProviders *telemetry.Providers) (*Server, error) {
	s := &Server{
		cfg:           cfg,
		logger:        logger,
		otelProviders: otelProviders,
	}

	s.collector = metrics.NewCollector("flowmesh", logger)

	execStore, err := store.New(cfg.Store.Build(), logger)
	if err != nil {
		return nil, fmt.Errorf("build execution store: %w", err)
	}
	s.execStore = execStore

	msgBus, err := buildBus(cfg.Bus, logger)
	if err != nil {
		return nil, fmt.Errorf("build message bus: %w", err)
	}
	s.msgBus = msgBus

	s.dir = directory.New(cfg.Directory.Build(), logger)

	collector := s.collector
	s.breakers = breaker.NewRegistry(cfg.Breaker.Build(), func(ev breaker.Event) {
		collector.RecordBreakerTransition(ev.Name, ev.OldState.String(), ev.NewState.String())
	}, logger)

	s.orch = orchestrator.New(
		cfg.Orchestrator.Build(),
		s.msgBus,
		s.dir,
		s.execStore,
		s.breakers,
		logger,
		orchestrator.WithMetrics(s.collector),
	)

	// 预注册配置中的工作流定义，之后网关的 workflow.register 仍可追加
	for _, def := range cfg.Workflows {
		if err := s.orch.RegisterWorkflow(def); err != nil {
			return nil, fmt.Errorf("register workflow from config: %w", err)
		}
	}

	s.gw = gateway.New(s.orch, s.msgBus, logger)
	return s, nil
}

// buildBus 按配置构造消息总线
func buildBus(cfg config.BusConfig, logger *zap.Logger) (bus.Bus, error) {
	switch cfg.Type {
	case "memory", "":
		return bus.NewMemoryBus(logger), nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		return bus.NewRedisBus(client, logger)
	default:
		return nil, fmt.Errorf("unknown bus type %q", cfg.Type)
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 启动所有服务
func (s *Server) Start() error {
	// 1. 目录心跳清扫
	dirCtx, cancel := context.WithCancel(context.Background())
	s.dirCancel = cancel
	s.dir.Start(dirCtx)

	// 2. 接管崩溃前遗留的活跃执行
	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer recoverCancel()
	if n, err := s.orch.Recover(recoverCtx); err != nil {
		s.logger.Warn("recovery scan failed", zap.Error(err))
	} else if n > 0 {
		s.logger.Info("recovered executions", zap.Int("count", n))
	}

	// 3. WebSocket 网关服务器
	if err := s.startWSServer(); err != nil {
		return fmt.Errorf("failed to start websocket server: %w", err)
	}

	// 4. Metrics 服务器
	if err := s.startMetricsServer(); err != nil {
		return fmt.Errorf("failed to start metrics server: %w", err)
	}

	s.logger.Info("All servers started",
		zap.Int("ws_port", s.cfg.Server.WSPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
	)
	return nil
}

// startWSServer 启动 WebSocket 网关服务器
func (s *Server) startWSServer() error {
	wsServer := gateway.NewWSServer(s.gw, s.cfg.Gateway.Build(), s.logger)

	mux := http.NewServeMux()
	mux.Handle("/ws", wsServer)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/version", s.handleVersion)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.WSPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.wsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.wsManager.Start()
}

// startMetricsServer 启动 Metrics 服务器
func (s *Server) startMetricsServer() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.MetricsPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.metricsManager = server.NewManager(mux, serverConfig, s.logger)
	return s.metricsManager.Start()
}

// =============================================================================
// 🏥 健康与版本端点
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	status := "ok"
	code := http.StatusOK
	if err := s.execStore.Ping(ctx); err != nil {
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"status": status}) //nolint:errcheck
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{ //nolint:errcheck
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.wsManager != nil {
		s.wsManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有服务，顺序：入口 → 编排器 → 基础设施
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")
	ctx := context.Background()

	if s.wsManager != nil {
		if err := s.wsManager.Shutdown(ctx); err != nil {
			s.logger.Error("WebSocket server shutdown error", zap.Error(err))
		}
	}
	if s.gw != nil {
		if err := s.gw.Close(); err != nil {
			s.logger.Error("Gateway shutdown error", zap.Error(err))
		}
	}
	if s.orch != nil {
		if err := s.orch.Close(); err != nil {
			s.logger.Error("Orchestrator shutdown error", zap.Error(err))
		}
	}
	if s.dirCancel != nil {
		s.dirCancel()
	}
	if s.msgBus != nil {
		if err := s.msgBus.Close(); err != nil {
			s.logger.Error("Message bus shutdown error", zap.Error(err))
		}
	}
	if s.execStore != nil {
		if err := s.execStore.Close(); err != nil {
			s.logger.Error("Execution store shutdown error", zap.Error(err))
		}
	}
	if s.metricsManager != nil {
		if err := s.metricsManager.Shutdown(ctx); err != nil {
			s.logger.Error("Metrics server shutdown error", zap.Error(err))
		}
	}
	if s.otelProviders != nil {
		shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := s.otelProviders.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("Telemetry shutdown error", zap.Error(err))
		}
	}

	s.logger.Info("Graceful shutdown completed")
}
