package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/BaSui01/flowmesh/breaker"
	"github.com/BaSui01/flowmesh/directory"
	"github.com/BaSui01/flowmesh/gateway"
	"github.com/BaSui01/flowmesh/orchestrator"
	"github.com/BaSui01/flowmesh/store"
	"github.com/BaSui01/flowmesh/types"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 FlowMesh 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Bus 消息总线配置
	Bus BusConfig `yaml:"bus" env:"BUS"`

	// Store 执行状态存储配置
	Store StoreConfig `yaml:"store" env:"STORE"`

	// Orchestrator 编排器配置
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`

	// Directory Agent 目录配置
	Directory DirectoryConfig `yaml:"directory" env:"DIRECTORY"`

	// Breaker 熔断器配置
	Breaker BreakerConfig `yaml:"breaker" env:"BREAKER"`

	// Gateway 协议网关配置
	Gateway GatewayConfig `yaml:"gateway" env:"GATEWAY"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`

	// Workflows 启动时预注册的工作流定义，YAML 专用。
	// 运行期还可以通过网关的 workflow.register 动态注册。
	Workflows []*types.WorkflowDefinition `yaml:"workflows" env:"-"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// WebSocket 端口
	WSPort int `yaml:"ws_port" env:"WS_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
}

// BusConfig 消息总线配置
type BusConfig struct {
	// 类型: memory, redis
	Type string `yaml:"type" env:"TYPE"`
	// Redis 连接配置（Type 为 redis 时生效）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 键前缀
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
}

// StoreConfig 执行状态存储配置
type StoreConfig struct {
	// 类型: memory, redis, gorm
	Type string `yaml:"type" env:"TYPE"`
	// Redis 连接配置（Type 为 redis 时生效）
	Redis RedisConfig `yaml:"redis" env:"REDIS"`
	// SQLite 数据库文件（Type 为 gorm 时生效）
	SQLitePath string `yaml:"sqlite_path" env:"SQLITE_PATH"`
}

// OrchestratorConfig 编排器配置
type OrchestratorConfig struct {
	// 锁持有者标识，为空时自动生成
	OwnerID string `yaml:"owner_id" env:"OWNER_ID"`
	// 并发 driver 上限
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	// 步骤默认超时
	StepTimeout time.Duration `yaml:"step_timeout" env:"STEP_TIMEOUT"`
	// 租约锁 TTL
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`
	// 每能力的最低质量分，YAML 专用
	QualityThresholds map[string]float64 `yaml:"quality_thresholds" env:"-"`
}

// DirectoryConfig Agent 目录配置
type DirectoryConfig struct {
	// 心跳过期阈值
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`
	// 清扫周期
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
}

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// 连续失败阈值
	FailureThreshold int `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	// open → half_open 冷却时间
	ResetTimeout time.Duration `yaml:"reset_timeout" env:"RESET_TIMEOUT"`
	// half_open → closed 连续成功阈值
	SuccessThreshold int `yaml:"success_threshold" env:"SUCCESS_THRESHOLD"`
	// half_open 并发探测上限
	HalfOpenMaxProbes int `yaml:"half_open_max_probes" env:"HALF_OPEN_MAX_PROBES"`
	// 单次调用超时
	CallTimeout time.Duration `yaml:"call_timeout" env:"CALL_TIMEOUT"`
}

// GatewayConfig 协议网关配置
type GatewayConfig struct {
	// 每连接入站请求限速
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	// 限速桶容量
	Burst int `yaml:"burst" env:"BURST"`
	// 单帧写超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 每连接事件缓冲
	EventBuffer int `yaml:"event_buffer" env:"EVENT_BUFFER"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔄 组件配置转换
// =============================================================================

// Build 转换为 store 包配置
func (s *StoreConfig) Build() store.Config {
	return store.Config{
		Type: store.BackendType(s.Type),
		Redis: store.RedisConfig{
			Addr:      s.Redis.Addr,
			Password:  s.Redis.Password,
			DB:        s.Redis.DB,
			PoolSize:  s.Redis.PoolSize,
			KeyPrefix: s.Redis.KeyPrefix,
		},
		SQLitePath: s.SQLitePath,
	}
}

// Build 转换为 orchestrator 包配置
func (o *OrchestratorConfig) Build() orchestrator.Config {
	return orchestrator.Config{
		OwnerID:           o.OwnerID,
		MaxConcurrent:     int64(o.MaxConcurrent),
		StepTimeout:       o.StepTimeout,
		LockTTL:           o.LockTTL,
		QualityThresholds: o.QualityThresholds,
	}
}

// Build 转换为 directory 包配置
func (d *DirectoryConfig) Build() directory.Config {
	return directory.Config{
		StaleAfter:    d.StaleAfter,
		SweepInterval: d.SweepInterval,
	}
}

// Build 转换为 breaker 包配置
func (b *BreakerConfig) Build() breaker.Config {
	return breaker.Config{
		FailureThreshold:  b.FailureThreshold,
		ResetTimeout:      b.ResetTimeout,
		SuccessThreshold:  b.SuccessThreshold,
		HalfOpenMaxProbes: b.HalfOpenMaxProbes,
		CallTimeout:       b.CallTimeout,
	}
}

// Build 转换为 gateway 包 WebSocket 配置
func (g *GatewayConfig) Build() gateway.WSConfig {
	return gateway.WSConfig{
		RequestsPerSecond: g.RequestsPerSecond,
		Burst:             g.Burst,
		WriteTimeout:      g.WriteTimeout,
		EventBuffer:       g.EventBuffer,
	}
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "FLOWMESH",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.WSPort <= 0 || c.Server.WSPort > 65535 {
		errs = append(errs, "invalid ws port")
	}
	if c.Server.MetricsPort < 0 || c.Server.MetricsPort > 65535 {
		errs = append(errs, "invalid metrics port")
	}
	switch c.Bus.Type {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Sprintf("unknown bus type %q", c.Bus.Type))
	}
	switch c.Store.Type {
	case "memory", "redis", "gorm":
	default:
		errs = append(errs, fmt.Sprintf("unknown store type %q", c.Store.Type))
	}
	if c.Orchestrator.MaxConcurrent <= 0 {
		errs = append(errs, "max_concurrent must be positive")
	}
	if c.Orchestrator.LockTTL > 0 && c.Orchestrator.StepTimeout >= c.Orchestrator.LockTTL {
		errs = append(errs, "lock_ttl must exceed step_timeout")
	}
	for capability, threshold := range c.Orchestrator.QualityThresholds {
		if threshold < 0 || threshold > 100 {
			errs = append(errs, fmt.Sprintf("quality threshold for %s out of range", capability))
		}
	}
	for i, def := range c.Workflows {
		if def == nil {
			errs = append(errs, fmt.Sprintf("workflow %d is empty", i))
			continue
		}
		if err := def.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
