package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config 全局配置结构
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Kafka     KafkaConfig     `mapstructure:"kafka"`
	Lock      LockConfig      `mapstructure:"lock"`
	Business  BusinessConfig  `mapstructure:"business"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	Mode   string `mapstructure:"mode"`
	NodeID int64  `mapstructure:"node_id"` // 雪花算法 workerID，多实例部署时各不相同
}

// DatabaseConfig 支持 mysql / postgres / sqlite，DSN 非空时优先使用
type DatabaseConfig struct {
	Driver       string `mapstructure:"driver"`
	DSN          string `mapstructure:"dsn"`
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	User         string `mapstructure:"user"`
	Password     string `mapstructure:"password"`
	Database     string `mapstructure:"database"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	LogLevel     string `mapstructure:"log_level"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled Redis 未配置主机时按单机模式运行
func (c RedisConfig) Enabled() bool {
	return c.Host != ""
}

type KafkaConfig struct {
	Brokers []string         `mapstructure:"brokers"`
	Topic   KafkaTopicConfig `mapstructure:"topic"`
}

type KafkaTopicConfig struct {
	Notification string `mapstructure:"notification"`
	Audit        string `mapstructure:"audit"`
}

type LockConfig struct {
	Backend       string        `mapstructure:"backend"` // redis | memory
	TTL           time.Duration `mapstructure:"ttl"`
	RetryInterval time.Duration `mapstructure:"retry_interval"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type BusinessConfig struct {
	Currency              string        `mapstructure:"currency"`
	Workers               int           `mapstructure:"workers"`
	QueueSize             int           `mapstructure:"queue_size"`
	MaxRetryCount         int           `mapstructure:"max_retry_count"`
	RetryBaseDelay        time.Duration `mapstructure:"retry_base_delay"`
	PendingHorizon        time.Duration `mapstructure:"pending_horizon"`
	SweepInterval         time.Duration `mapstructure:"sweep_interval"`
	SweepBatchSize        int           `mapstructure:"sweep_batch_size"`
	ExpiryInterval        time.Duration `mapstructure:"expiry_interval"`
	EnforceBalanceCeiling bool          `mapstructure:"enforce_balance_ceiling"`
	OutboxMaxRetry        int           `mapstructure:"outbox_max_retry"`
	CardValidityYears     int           `mapstructure:"card_validity_years"`
}

type RateLimitConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

var GlobalConfig *Config

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.node_id", 1)

	v.SetDefault("database.driver", "mysql")
	v.SetDefault("database.max_open_conns", 50)
	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("kafka.topic.notification", "rfid.notification")
	v.SetDefault("kafka.topic.audit", "rfid.audit")

	v.SetDefault("lock.backend", "redis")
	v.SetDefault("lock.ttl", 30*time.Second)
	v.SetDefault("lock.retry_interval", 100*time.Millisecond)
	v.SetDefault("lock.max_retries", 30)

	v.SetDefault("business.currency", "MGA")
	v.SetDefault("business.workers", 8)
	v.SetDefault("business.queue_size", 1024)
	v.SetDefault("business.max_retry_count", 3)
	v.SetDefault("business.retry_base_delay", 60*time.Second)
	v.SetDefault("business.pending_horizon", time.Hour)
	v.SetDefault("business.sweep_interval", time.Minute)
	v.SetDefault("business.sweep_batch_size", 50)
	v.SetDefault("business.expiry_interval", time.Hour)
	v.SetDefault("business.enforce_balance_ceiling", true)
	v.SetDefault("business.outbox_max_retry", 5)
	v.SetDefault("business.card_validity_years", 3)

	v.SetDefault("rate_limit.enabled", true)
	v.SetDefault("rate_limit.requests_per_minute", 100)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 7)
	v.SetDefault("log.max_age_days", 30)
}

// Load 加载配置文件
// 先加载可选的 .env，再读取 YAML，环境变量 RFIDPAY_* 覆盖同名配置项
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("RFIDPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	GlobalConfig = cfg
	return cfg, nil
}

// Default 返回只包含默认值的配置，测试和命令行工具使用
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{}
	_ = v.Unmarshal(cfg)
	return cfg
}
