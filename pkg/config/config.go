// Package config 提供 TOML 配置加载与环境变量覆盖
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/wyfcoding/margintrading/pkg/logger"
)

// Config 服务配置
type Config struct {
	// 服务名称
	ServiceName string `mapstructure:"service_name"`
	// 服务版本
	Version string `mapstructure:"version"`
	// 环境：dev, staging, prod
	Environment string `mapstructure:"environment"`
	// HTTP 服务配置
	HTTP HTTPConfig `mapstructure:"http"`
	// gRPC 服务配置
	GRPC GRPCConfig `mapstructure:"grpc"`
	// 数据库配置
	Database DatabaseConfig `mapstructure:"database"`
	// Redis 配置
	Redis RedisConfig `mapstructure:"redis"`
	// Kafka 配置
	Kafka KafkaConfig `mapstructure:"kafka"`
	// 日志配置
	Logger LoggerConfig `mapstructure:"logger"`
	// 指标配置
	Metrics MetricsConfig `mapstructure:"metrics"`
	// 撮合配置
	Matching MatchingConfig `mapstructure:"matching"`
	// 风控/保证金配置
	Risk RiskConfig `mapstructure:"risk"`
	// 强平流程配置
	Liquidation LiquidationConfig `mapstructure:"liquidation"`
	// 隔夜利息配置
	Swap SwapConfig `mapstructure:"swap"`
	// DTM 分布式事务配置
	DTM DTMConfig `mapstructure:"dtm"`
}

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Host         string `mapstructure:"host" default:"0.0.0.0"`
	Port         int    `mapstructure:"port" default:"8080"`
	ReadTimeout  int    `mapstructure:"read_timeout" default:"30"`
	WriteTimeout int    `mapstructure:"write_timeout" default:"30"`
	// 每客户端每秒请求上限
	RateLimitRPS int `mapstructure:"rate_limit_rps" default:"100"`
}

// GRPCConfig gRPC 服务配置
type GRPCConfig struct {
	Host string `mapstructure:"host" default:"0.0.0.0"`
	Port int    `mapstructure:"port" default:"50051"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动：当前仅支持 mysql
	Driver string `mapstructure:"driver" default:"mysql"`
	// 数据源名称
	DSN string `mapstructure:"dsn"`
	// 最大连接数
	MaxOpenConns int `mapstructure:"max_open_conns" default:"25"`
	// 最大空闲连接数
	MaxIdleConns int `mapstructure:"max_idle_conns" default:"5"`
	// 连接最大生命周期（秒）
	ConnMaxLifetime int `mapstructure:"conn_max_lifetime" default:"300"`
	// 是否启用 SQL 日志
	LogEnabled bool `mapstructure:"log_enabled" default:"false"`
	// 慢查询阈值（毫秒）
	SlowQueryThreshold int `mapstructure:"slow_query_threshold" default:"1000"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	Host         string `mapstructure:"host" default:"localhost"`
	Port         int    `mapstructure:"port" default:"6379"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db" default:"0"`
	MaxPoolSize  int    `mapstructure:"max_pool_size" default:"10"`
	ConnTimeout  int    `mapstructure:"conn_timeout" default:"5"`
	ReadTimeout  int    `mapstructure:"read_timeout" default:"3"`
	WriteTimeout int    `mapstructure:"write_timeout" default:"3"`
}

// KafkaConfig Kafka 配置
type KafkaConfig struct {
	// Broker 地址列表
	Brokers []string `mapstructure:"brokers"`
	// Consumer Group ID
	GroupID string `mapstructure:"group_id"`
	// 消费者会话超时（秒）
	SessionTimeout int `mapstructure:"session_timeout" default:"10"`
	// 生产者最大重试次数
	MaxRetries int `mapstructure:"max_retries" default:"3"`
	// 重试退避（毫秒）
	RetryBackoff int `mapstructure:"retry_backoff" default:"100"`
	// 死信队列主题
	DeadLetterTopic string `mapstructure:"dead_letter_topic" default:"margind.dlq"`
}

// LoggerConfig 日志配置
type LoggerConfig struct {
	Level      string `mapstructure:"level" default:"info"`
	Format     string `mapstructure:"format" default:"json"`
	Output     string `mapstructure:"output" default:"stdout"`
	FilePath   string `mapstructure:"file_path" default:"logs/margind.log"`
	MaxSize    int    `mapstructure:"max_size" default:"100"`
	MaxBackups int    `mapstructure:"max_backups" default:"10"`
	MaxAge     int    `mapstructure:"max_age" default:"30"`
	Compress   bool   `mapstructure:"compress" default:"true"`
	WithCaller bool   `mapstructure:"with_caller" default:"true"`
}

// ToLoggerConfig 转换为 logger 包的配置结构
func (c LoggerConfig) ToLoggerConfig() logger.Config {
	return logger.Config{
		Level:      c.Level,
		Format:     c.Format,
		Output:     c.Output,
		FilePath:   c.FilePath,
		MaxSize:    c.MaxSize,
		MaxBackups: c.MaxBackups,
		MaxAge:     c.MaxAge,
		Compress:   c.Compress,
		WithCaller: c.WithCaller,
	}
}

// MetricsConfig 指标配置
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" default:"true"`
	Port    int    `mapstructure:"port" default:"9090"`
	Path    string `mapstructure:"path" default:"/metrics"`
}

// MatchingConfig 撮合配置
type MatchingConfig struct {
	// 订单簿快照周期（秒）
	SnapshotInterval int `mapstructure:"snapshot_interval" default:"60"`
}

// RiskConfig 保证金监控配置
type RiskConfig struct {
	// 扫描周期（秒）
	CheckInterval int `mapstructure:"check_interval" default:"10"`
	// 追加保证金通知阈值（保证金占用水平，如 0.8）
	MarginCallLevel float64 `mapstructure:"margin_call_level" default:"0.8"`
	// 强制平仓阈值（如 0.95）
	StopOutLevel float64 `mapstructure:"stop_out_level" default:"0.95"`
}

// LiquidationConfig 强平流程配置
type LiquidationConfig struct {
	// 特殊强平询价超时（秒）
	PriceRequestTimeout int `mapstructure:"price_request_timeout" default:"30"`
	// 询价最大重试次数
	PriceRequestRetries int `mapstructure:"price_request_retries" default:"5"`
	// 默认外部报价方
	DefaultPriceProvider string `mapstructure:"default_price_provider" default:"manual"`
}

// SwapConfig 隔夜利息配置
type SwapConfig struct {
	// 日利率（如 0.0001）
	DailyRate string `mapstructure:"daily_rate" default:"0.0001"`
	// 每日结算时刻（UTC 小时，0-23）
	RunHour int `mapstructure:"run_hour" default:"21"`
}

// DTMConfig 分布式事务协调器配置
type DTMConfig struct {
	// DTM 服务端地址
	Server string `mapstructure:"server" default:"http://localhost:36789/api/dtmsvr"`
	// 当前服务对外回调基地址
	CallbackBase string `mapstructure:"callback_base" default:"http://localhost:8080"`
}

// Load 从 TOML 文件加载配置，缺省值兜底，支持环境变量覆盖
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("toml")
	// 配置文件缺失时使用默认值启动
	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("MARGIND")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate 验证配置的有效性
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		c.ServiceName = "margind"
	}
	if c.Environment == "" {
		c.Environment = "dev"
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTP.Port)
	}
	if c.GRPC.Port <= 0 || c.GRPC.Port > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPC.Port)
	}
	if c.Risk.StopOutLevel <= c.Risk.MarginCallLevel {
		return fmt.Errorf("stop_out_level %.2f must be above margin_call_level %.2f",
			c.Risk.StopOutLevel, c.Risk.MarginCallLevel)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "margind")
	v.SetDefault("environment", "dev")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", 30)
	v.SetDefault("http.write_timeout", 30)
	v.SetDefault("http.rate_limit_rps", 100)

	v.SetDefault("grpc.host", "0.0.0.0")
	v.SetDefault("grpc.port", 50051)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 300)
	v.SetDefault("database.log_enabled", false)
	v.SetDefault("database.slow_query_threshold", 1000)

	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.max_pool_size", 10)
	v.SetDefault("redis.conn_timeout", 5)
	v.SetDefault("redis.read_timeout", 3)
	v.SetDefault("redis.write_timeout", 3)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.group_id", "margind")
	v.SetDefault("kafka.session_timeout", 10)
	v.SetDefault("kafka.max_retries", 3)
	v.SetDefault("kafka.retry_backoff", 100)
	v.SetDefault("kafka.dead_letter_topic", "margind.dlq")

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output", "stdout")
	v.SetDefault("logger.file_path", "logs/margind.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 10)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.with_caller", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.port", 9090)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("matching.snapshot_interval", 60)

	v.SetDefault("risk.check_interval", 10)
	v.SetDefault("risk.margin_call_level", 0.8)
	v.SetDefault("risk.stop_out_level", 0.95)

	v.SetDefault("liquidation.price_request_timeout", 30)
	v.SetDefault("liquidation.price_request_retries", 5)
	v.SetDefault("liquidation.default_price_provider", "manual")

	v.SetDefault("swap.daily_rate", "0.0001")
	v.SetDefault("swap.run_hour", 21)

	v.SetDefault("dtm.server", "http://localhost:36789/api/dtmsvr")
	v.SetDefault("dtm.callback_base", "http://localhost:8080")
}
