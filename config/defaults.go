// =============================================================================
// 📦 FlowMesh 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Log:          DefaultLogConfig(),
		Bus:          DefaultBusConfig(),
		Store:        DefaultStoreConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Directory:    DefaultDirectoryConfig(),
		Breaker:      DefaultBreakerConfig(),
		Gateway:      DefaultGatewayConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WSPort:          8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		EnableCaller: true,
	}
}

// DefaultBusConfig 返回默认消息总线配置
func DefaultBusConfig() BusConfig {
	return BusConfig{
		Type:  "memory",
		Redis: DefaultRedisConfig(),
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:      "localhost:6379",
		Password:  "",
		DB:        0,
		PoolSize:  10,
		KeyPrefix: "flowmesh:",
	}
}

// DefaultStoreConfig 返回默认存储配置
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       "memory",
		Redis:      DefaultRedisConfig(),
		SQLitePath: "./data/flowmesh.db",
	}
}

// DefaultOrchestratorConfig 返回默认编排器配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		MaxConcurrent: 16,
		StepTimeout:   30 * time.Second,
		LockTTL:       60 * time.Second,
	}
}

// DefaultDirectoryConfig 返回默认 Agent 目录配置
func DefaultDirectoryConfig() DirectoryConfig {
	return DirectoryConfig{
		StaleAfter:    90 * time.Second,
		SweepInterval: 30 * time.Second,
	}
}

// DefaultBreakerConfig 返回默认熔断器配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		ResetTimeout:      30 * time.Second,
		SuccessThreshold:  2,
		HalfOpenMaxProbes: 1,
		CallTimeout:       30 * time.Second,
	}
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		RequestsPerSecond: 20,
		Burst:             40,
		WriteTimeout:      10 * time.Second,
		EventBuffer:       64,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "flowmesh",
		SampleRate:   1.0,
	}
}
