package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Config 服务器配置
type Config struct {
	// 监听地址
	Addr string `yaml:"addr" json:"addr"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	// 空闲超时
	IdleTimeout time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig 返回默认服务器配置
func DefaultConfig() Config {
	return Config{
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     120 * time.Second,
		ShutdownTimeout: 30 * time.Second,
	}
}

type lifecycle int

const (
	lifecycleIdle lifecycle = iota
	lifecycleServing
	lifecycleClosed
)

// Manager 管理单个 HTTP 监听器的生命周期：启动、异常上报、优雅关闭。
// 生命周期单向推进，关闭后的实例不能再启动。
type Manager struct {
	cfg     Config
	handler http.Handler
	logger  *zap.Logger
	errCh   chan error

	mu       sync.Mutex
	state    lifecycle
	srv      *http.Server
	listener net.Listener
}

// NewManager 创建服务器管理器，监听器在 Start 时才绑定
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	return &Manager{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With(zap.String("component", "http_server")),
		errCh:   make(chan error, 1),
	}
}

// Start 绑定监听地址并在后台开始服务
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state {
	case lifecycleServing:
		return fmt.Errorf("server already started")
	case lifecycleClosed:
		return fmt.Errorf("server is closed")
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", m.cfg.Addr, err)
	}
	m.listener = ln
	m.srv = &http.Server{
		Handler:      m.handler,
		ReadTimeout:  m.cfg.ReadTimeout,
		WriteTimeout: m.cfg.WriteTimeout,
		IdleTimeout:  m.cfg.IdleTimeout,
	}
	m.state = lifecycleServing
	m.logger.Info("http server listening", zap.String("addr", ln.Addr().String()))

	go m.serveLoop(m.srv, ln)
	return nil
}

func (m *Manager) serveLoop(srv *http.Server, ln net.Listener) {
	err := srv.Serve(ln)
	if err == nil || errors.Is(err, http.ErrServerClosed) {
		return
	}
	m.logger.Error("http server exited", zap.Error(err))
	select {
	case m.errCh <- err:
	default:
	}
}

// Shutdown 优雅关闭，排空在途连接。重复调用是空操作。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.state == lifecycleClosed {
		m.mu.Unlock()
		return nil
	}
	m.state = lifecycleClosed
	srv := m.srv
	m.mu.Unlock()

	if srv == nil {
		return nil
	}

	drainCtx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		m.logger.Error("http server drain failed", zap.Error(err))
		return err
	}
	m.logger.Info("http server stopped")
	return nil
}

// WaitForShutdown 阻塞直到收到终止信号或服务异常退出，然后关闭
func (m *Manager) WaitForShutdown() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		m.logger.Info("shutdown signal received")
	case err := <-m.errCh:
		if err != nil {
			m.logger.Error("server exited unexpectedly", zap.Error(err))
		}
	}

	if err := m.Shutdown(context.Background()); err != nil {
		m.logger.Error("shutdown error", zap.Error(err))
	}
}

// Errors 返回异步服务器错误
func (m *Manager) Errors() <-chan error {
	return m.errCh
}

// Addr 返回配置的监听地址
func (m *Manager) Addr() string {
	return m.cfg.Addr
}

// BoundAddr 返回监听器实际绑定的地址，未启动时为空串。
// Addr 配置为 ":0" 时用它取回内核分配的端口。
func (m *Manager) BoundAddr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listener == nil {
		return ""
	}
	return m.listener.Addr().String()
}

// IsRunning 检查服务器是否运行中
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == lifecycleServing
}
