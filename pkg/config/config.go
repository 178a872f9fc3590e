package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// DBConfig 数据库配置
type DBConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	User               string        `yaml:"user"`
	Password           string        `yaml:"password"`
	Name               string        `yaml:"name"`
	SSLMode            string        `yaml:"ssl_mode"`
	MaxConns           int32         `yaml:"max_conns"`
	SlowQueryThreshold time.Duration `yaml:"slow_query_threshold"`
}

// MQConfig 消息队列配置，URL 为空时使用进程内总线
type MQConfig struct {
	URL string `yaml:"url"`
}

// RedisConfig Redis配置，Addr 为空时关闭去重/重试计数/通知推送
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	DedupTTL time.Duration `yaml:"dedup_ttl"`
}

// JWTConfig JWT配置
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	TTL    time.Duration `yaml:"ttl"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// StoreConfig 选择存储实现：memory 或 postgres
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

type StorageConfig struct {
	Root string `yaml:"root"`
}

// CollaboratorConfig 外部 HTTP 协作方配置
type CollaboratorConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type OutboxConfig struct {
	Interval   time.Duration `yaml:"interval"`
	BatchSize  int           `yaml:"batch_size"`
	MaxRetries int           `yaml:"max_retries"`
}

type CircuitBreakerConfig struct {
	FailureThreshold    int           `yaml:"failure_threshold"`
	SuccessThreshold    int           `yaml:"success_threshold"`
	Timeout             time.Duration `yaml:"timeout"`
	HalfOpenMaxRequests int           `yaml:"half_open_max_requests"`
}

type VerificationConfig struct {
	Timeout     time.Duration `yaml:"timeout"`
	Attempts    int           `yaml:"attempts"`
	BaseBackoff time.Duration `yaml:"base_backoff"`
	MaxBackoff  time.Duration `yaml:"max_backoff"`
	StuckAfter  time.Duration `yaml:"stuck_after"`
}

type ReleaseConfig struct {
	Attempts        int           `yaml:"attempts"`
	BaseBackoff     time.Duration `yaml:"base_backoff"`
	MaxBackoff      time.Duration `yaml:"max_backoff"`
	MaxRedeliveries int64         `yaml:"max_redeliveries"`
}

// EngineConfig 里程碑引擎的业务参数
type EngineConfig struct {
	ApprovalThreshold     int                `yaml:"approval_threshold"`
	MaxSubmissionAttempts int                `yaml:"max_submission_attempts"`
	SweepInterval         time.Duration      `yaml:"sweep_interval"`
	Verification          VerificationConfig `yaml:"verification"`
	Release               ReleaseConfig      `yaml:"release"`
}

// AppConfig 是 server / worker / escrowctl 共用的完整配置
type AppConfig struct {
	Env            string               `yaml:"env"`
	Server         ServerConfig         `yaml:"server"`
	Log            LogConfig            `yaml:"log"`
	Store          StoreConfig          `yaml:"store"`
	DB             DBConfig             `yaml:"db"`
	MQ             MQConfig             `yaml:"mq"`
	Redis          RedisConfig          `yaml:"redis"`
	JWT            JWTConfig            `yaml:"jwt"`
	Otel           OtelConfig           `yaml:"otel"`
	Storage        StorageConfig        `yaml:"storage"`
	Analysis       CollaboratorConfig   `yaml:"analysis"`
	Payments       CollaboratorConfig   `yaml:"payments"`
	Outbox         OutboxConfig         `yaml:"outbox"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Engine         EngineConfig         `yaml:"engine"`
}

// Default 返回默认配置，yaml 中缺失的字段保持默认值
func Default() AppConfig {
	return AppConfig{
		Env:    "local",
		Server: ServerConfig{Port: ":8080", ShutdownTimeout: 30 * time.Second},
		Log:    LogConfig{Level: "info"},
		Store:  StoreConfig{Driver: "memory"},
		DB: DBConfig{
			Host:               "localhost",
			Port:               5432,
			User:               "postgres",
			Name:               "escrowflow",
			SSLMode:            "disable",
			MaxConns:           10,
			SlowQueryThreshold: 100 * time.Millisecond,
		},
		Redis:    RedisConfig{DedupTTL: 10 * time.Minute},
		JWT:      JWTConfig{TTL: 24 * time.Hour},
		Otel:     OtelConfig{ServiceName: "escrowflow", SampleRatio: 0.2},
		Storage:  StorageConfig{Root: "data/blobs"},
		Analysis: CollaboratorConfig{Timeout: 60 * time.Second},
		Payments: CollaboratorConfig{Timeout: 15 * time.Second},
		Outbox:   OutboxConfig{Interval: time.Second, BatchSize: 100, MaxRetries: 5},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold:    5,
			SuccessThreshold:    2,
			Timeout:             30 * time.Second,
			HalfOpenMaxRequests: 3,
		},
		Engine: EngineConfig{
			ApprovalThreshold:     80,
			MaxSubmissionAttempts: 3,
			SweepInterval:         time.Minute,
			Verification: VerificationConfig{
				Timeout:     90 * time.Second,
				Attempts:    3,
				BaseBackoff: 500 * time.Millisecond,
				MaxBackoff:  10 * time.Second,
				StuckAfter:  5 * time.Minute,
			},
			Release: ReleaseConfig{
				Attempts:        3,
				BaseBackoff:     500 * time.Millisecond,
				MaxBackoff:      10 * time.Second,
				MaxRedeliveries: 10,
			},
		},
	}
}

// Validate 检查配置是否自洽
func (c *AppConfig) Validate() error {
	switch c.Store.Driver {
	case "memory", "postgres":
	default:
		return fmt.Errorf("store.driver must be memory or postgres, got %q", c.Store.Driver)
	}
	if c.Engine.ApprovalThreshold < 0 || c.Engine.ApprovalThreshold > 100 {
		return fmt.Errorf("engine.approval_threshold must be within 0-100, got %d", c.Engine.ApprovalThreshold)
	}
	if c.Engine.MaxSubmissionAttempts < 1 {
		return fmt.Errorf("engine.max_submission_attempts must be >= 1")
	}
	if c.Engine.Verification.Timeout <= 0 {
		return fmt.Errorf("engine.verification.timeout must be positive")
	}
	if c.Engine.Verification.Attempts < 1 || c.Engine.Release.Attempts < 1 {
		return fmt.Errorf("verification/release attempts must be >= 1")
	}
	if c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required")
	}
	return nil
}

// OverrideDBFromEnv 从环境变量覆盖数据库配置
func OverrideDBFromEnv(cfg *DBConfig) {
	if host := os.Getenv("DB_HOST"); host != "" {
		cfg.Host = host
	}
	if port := os.Getenv("DB_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Port = p
		}
	}
	if user := os.Getenv("DB_USER"); user != "" {
		cfg.User = user
	}
	if password := os.Getenv("DB_PASSWORD"); password != "" {
		cfg.Password = password
	}
	if name := os.Getenv("DB_NAME"); name != "" {
		cfg.Name = name
	}
}

// OverrideMQFromEnv 从环境变量覆盖MQ配置
func OverrideMQFromEnv(cfg *MQConfig) {
	if url := os.Getenv("MQ_URL"); url != "" {
		cfg.URL = url
	}
}

// OverrideRedisFromEnv 从环境变量覆盖Redis配置
func OverrideRedisFromEnv(cfg *RedisConfig) {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		cfg.Addr = addr
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		cfg.Password = password
	}
}

// OverrideJWTFromEnv 从环境变量覆盖JWT配置
func OverrideJWTFromEnv(cfg *JWTConfig) {
	if secret := os.Getenv("JWT_SECRET"); secret != "" {
		cfg.Secret = secret
	}
}

// OverrideServerFromEnv 从环境变量覆盖服务器配置
func OverrideServerFromEnv(cfg *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		cfg.Port = port
	}
}

// OverrideStoreFromEnv 从环境变量覆盖存储驱动
func OverrideStoreFromEnv(cfg *StoreConfig) {
	if driver := os.Getenv("STORE_DRIVER"); driver != "" {
		cfg.Driver = driver
	}
}
