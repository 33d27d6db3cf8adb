package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"SafeHerHub/pkg/cache"
	"SafeHerHub/pkg/logger"
	"SafeHerHub/pkg/storage"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// config/config.go
type Config struct {
	DBDriver  string `env:"DB_DRIVER"`
	DSN       string `env:"DSN"`
	Log       logger.LogConfig
	Cache     cache.Config
	Addr      string `env:"ADDR"`
	Mode      string `env:"MODE"`
	APIPrefix string `env:"API_PREFIX"`

	JWTSecret string        `env:"JWT_SECRET"`
	JWTExpire time.Duration `env:"JWT_EXPIRE"`

	RateLimitRequests int64         `env:"RATE_LIMIT_REQUESTS"`
	RateLimitPeriod   time.Duration `env:"RATE_LIMIT_PERIOD"`
	RateLimitStore    string        `env:"RATE_LIMIT_STORE"`

	AlertTTL               time.Duration `env:"ALERT_TTL"`
	DefaultEscalateAfter   int           `env:"ALERT_ESCALATE_AFTER"`
	EscalationReconcile    time.Duration `env:"ESCALATION_RECONCILE_INTERVAL"`
	ExpirySchedule         string        `env:"EXPIRY_SCHEDULE"`
	StatsCacheTTL          time.Duration `env:"STATS_CACHE_TTL"`
	IdempotencyTTL         time.Duration `env:"IDEMPOTENCY_TTL"`
	MetricsEnabled         bool          `env:"METRICS_ENABLED"`
	WebSocketAllowedOrigin string        `env:"WS_ALLOWED_ORIGIN"`

	BackupSchedule string `env:"BACKUP_SCHEDULE"` // 为空时不备份
	BackupPath     string `env:"BACKUP_PATH"`
	BackupKeep     int    `env:"BACKUP_KEEP"`
	BackupStore    storage.MinioConfig

	JPushAppKey       string `env:"JPUSH_APP_KEY"`
	JPushMasterSecret string `env:"JPUSH_MASTER_SECRET"`
	SMSAccessKeyID    string `env:"ALIYUN_ACCESS_KEY_ID"`
	SMSAccessSecret   string `env:"ALIYUN_ACCESS_KEY_SECRET"`
	SMSSignName       string `env:"ALIYUN_SMS_SIGN_NAME"`
	SMSTemplateCode   string `env:"ALIYUN_SMS_TEMPLATE_CODE"`
	SMSRegion         string `env:"ALIYUN_SMS_REGION"`
}

// PushEnabled 配置了极光推送凭据
func (c *Config) PushEnabled() bool { return c.JPushAppKey != "" && c.JPushMasterSecret != "" }

// SMSEnabled 配置了阿里云短信凭据与模板
func (c *Config) SMSEnabled() bool {
	return c.SMSAccessKeyID != "" && c.SMSAccessSecret != "" && c.SMSTemplateCode != ""
}

var GlobalConfig *Config

var defaults = map[string]any{
	"DB_DRIVER":                      "sqlite",
	"DSN":                            "file:safeherhub.db?cache=shared",
	"ADDR":                           ":8080",
	"MODE":                           "debug",
	"API_PREFIX":                     "/api",
	"JWT_EXPIRE":                     "168h",
	"LOG_LEVEL":                      "info",
	"LOG_FORMAT":                     "json",
	"CACHE_TYPE":                     "local",
	"REDIS_ADDR":                     "localhost:6379",
	"REDIS_POOL_SIZE":                10,
	"REDIS_MIN_IDLE_CONNS":           5,
	"REDIS_DIAL_TIMEOUT":             "5s",
	"REDIS_READ_TIMEOUT":             "3s",
	"REDIS_WRITE_TIMEOUT":            "3s",
	"LOCAL_CACHE_MAX_SIZE":           1000,
	"LOCAL_CACHE_DEFAULT_EXPIRATION": "5m",
	"LOCAL_CACHE_CLEANUP_INTERVAL":   "10m",
	"RATE_LIMIT_REQUESTS":            100,
	"RATE_LIMIT_PERIOD":              "15m",
	"RATE_LIMIT_STORE":               "memory",
	"ALERT_TTL":                      "24h",
	"ALERT_ESCALATE_AFTER":           30,
	"ESCALATION_RECONCILE_INTERVAL":  "1m",
	"EXPIRY_SCHEDULE":                "@every 5m",
	"STATS_CACHE_TTL":                "1m",
	"IDEMPOTENCY_TTL":                "24h",
	"METRICS_ENABLED":                true,
	"ALIYUN_SMS_REGION":              "cn-hangzhou",
	"BACKUP_PATH":                    "./backups",
	"BACKUP_KEEP":                    7,
	"MINIO_PREFIX":                   "backups",
}

// Load 加载全局配置: 环境变量优先，其次 .env.<APP_ENV> 文件，最后是默认值
func Load() error {
	cfg, err := LoadFrom(viper.New(), ".")
	if err != nil {
		return err
	}
	GlobalConfig = cfg
	return nil
}

// LoadFrom reads configuration into a fresh Config using v. dir is searched
// for an optional .env.<APP_ENV> file.
func LoadFrom(v *viper.Viper, dir string) (*Config, error) {
	for k, def := range defaults {
		v.SetDefault(k, def)
	}
	v.AutomaticEnv()

	env := os.Getenv("APP_ENV")
	if env == "" {
		env = "development" // 默认使用开发环境
	}
	v.SetConfigFile(fmt.Sprintf("%s/.env.%s", strings.TrimRight(dir, "/"), env))
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		// .env 文件可选
		if !isMissingFile(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	cfg := &Config{
		DBDriver:  v.GetString("DB_DRIVER"),
		DSN:       v.GetString("DSN"),
		Addr:      v.GetString("ADDR"),
		Mode:      v.GetString("MODE"),
		APIPrefix: v.GetString("API_PREFIX"),
		JWTSecret: v.GetString("JWT_SECRET"),
		JWTExpire: cast.ToDuration(v.Get("JWT_EXPIRE")),
		Log: logger.LogConfig{
			Level:      v.GetString("LOG_LEVEL"),
			Format:     v.GetString("LOG_FORMAT"),
			Filename:   v.GetString("LOG_FILENAME"),
			MaxSize:    cast.ToInt(v.Get("LOG_MAX_SIZE")),
			MaxAge:     cast.ToInt(v.Get("LOG_MAX_AGE")),
			MaxBackups: cast.ToInt(v.Get("LOG_MAX_BACKUPS")),
		},
		Cache: cache.Config{
			Type: v.GetString("CACHE_TYPE"),
			Redis: cache.RedisConfig{
				Addr:         v.GetString("REDIS_ADDR"),
				Password:     v.GetString("REDIS_PASSWORD"),
				DB:           cast.ToInt(v.Get("REDIS_DB")),
				PoolSize:     cast.ToInt(v.Get("REDIS_POOL_SIZE")),
				MinIdleConns: cast.ToInt(v.Get("REDIS_MIN_IDLE_CONNS")),
				DialTimeout:  cast.ToDuration(v.Get("REDIS_DIAL_TIMEOUT")),
				ReadTimeout:  cast.ToDuration(v.Get("REDIS_READ_TIMEOUT")),
				WriteTimeout: cast.ToDuration(v.Get("REDIS_WRITE_TIMEOUT")),
			},
			Local: cache.LocalConfig{
				MaxSize:           cast.ToInt(v.Get("LOCAL_CACHE_MAX_SIZE")),
				DefaultExpiration: cast.ToDuration(v.Get("LOCAL_CACHE_DEFAULT_EXPIRATION")),
				CleanupInterval:   cast.ToDuration(v.Get("LOCAL_CACHE_CLEANUP_INTERVAL")),
			},
		},
		RateLimitRequests:      cast.ToInt64(v.Get("RATE_LIMIT_REQUESTS")),
		RateLimitPeriod:        cast.ToDuration(v.Get("RATE_LIMIT_PERIOD")),
		RateLimitStore:         v.GetString("RATE_LIMIT_STORE"),
		AlertTTL:               cast.ToDuration(v.Get("ALERT_TTL")),
		DefaultEscalateAfter:   cast.ToInt(v.Get("ALERT_ESCALATE_AFTER")),
		EscalationReconcile:    cast.ToDuration(v.Get("ESCALATION_RECONCILE_INTERVAL")),
		ExpirySchedule:         v.GetString("EXPIRY_SCHEDULE"),
		StatsCacheTTL:          cast.ToDuration(v.Get("STATS_CACHE_TTL")),
		IdempotencyTTL:         cast.ToDuration(v.Get("IDEMPOTENCY_TTL")),
		MetricsEnabled:         cast.ToBool(v.Get("METRICS_ENABLED")),
		WebSocketAllowedOrigin: v.GetString("WS_ALLOWED_ORIGIN"),
		JPushAppKey:            v.GetString("JPUSH_APP_KEY"),
		JPushMasterSecret:      v.GetString("JPUSH_MASTER_SECRET"),
		SMSAccessKeyID:         v.GetString("ALIYUN_ACCESS_KEY_ID"),
		SMSAccessSecret:        v.GetString("ALIYUN_ACCESS_KEY_SECRET"),
		SMSSignName:            v.GetString("ALIYUN_SMS_SIGN_NAME"),
		SMSTemplateCode:        v.GetString("ALIYUN_SMS_TEMPLATE_CODE"),
		SMSRegion:              v.GetString("ALIYUN_SMS_REGION"),
		BackupSchedule:         v.GetString("BACKUP_SCHEDULE"),
		BackupPath:             v.GetString("BACKUP_PATH"),
		BackupKeep:             cast.ToInt(v.Get("BACKUP_KEEP")),
		BackupStore: storage.MinioConfig{
			Endpoint:  v.GetString("MINIO_ENDPOINT"),
			AccessKey: v.GetString("MINIO_ACCESS_KEY"),
			SecretKey: v.GetString("MINIO_SECRET_KEY"),
			Bucket:    v.GetString("MINIO_BUCKET"),
			Region:    v.GetString("MINIO_REGION"),
			UseSSL:    cast.ToBool(v.Get("MINIO_USE_SSL")),
			Prefix:    v.GetString("MINIO_PREFIX"),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		if c.Mode == "release" {
			return errors.New("JWT_SECRET is required in release mode")
		}
		c.JWTSecret = "safeherhub-dev-secret"
	}
	if c.RateLimitRequests <= 0 || c.RateLimitPeriod <= 0 {
		return fmt.Errorf("invalid rate limit %d per %s", c.RateLimitRequests, c.RateLimitPeriod)
	}
	if c.DefaultEscalateAfter < 5 || c.DefaultEscalateAfter > 120 {
		return fmt.Errorf("ALERT_ESCALATE_AFTER must be within 5..120, got %d", c.DefaultEscalateAfter)
	}
	if c.AlertTTL <= 0 {
		return errors.New("ALERT_TTL must be positive")
	}
	if c.BackupSchedule != "" && c.DBDriver != "sqlite" {
		return fmt.Errorf("BACKUP_SCHEDULE is only supported with sqlite, got %s", c.DBDriver)
	}
	return nil
}
