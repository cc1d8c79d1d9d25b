package config

import (
	"fmt"
	"os"
	"strconv"
)

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
	MaxConns int
	MaxIdle  int
}

// GetDSN 获取数据库连接字符串
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// RedisConfig Redis配置
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Config 报警评估服务配置
type Config struct {
	Database DatabaseConfig
	Redis    RedisConfig

	// 报警服务特定配置
	Alert struct {
		// Redis 缓存配置
		Cache struct {
			MetricsKeyPrefix string // 实时指标快照键前缀，如 "visionpulse:session:"
			MetricsSuffix    string // 实时指标快照键后缀，如 ":metrics"
			AlertKeyPrefix   string // 待播报报警键前缀，如 "visionpulse:session:"
			AlertSuffix      string // 待播报报警键后缀，如 ":alerts"
			AlertTTL         int    // 报警缓存 TTL（秒）

			CommandsKey       string // 会话控制命令队列
			CurrentSessionKey string // 当前会话状态键（感知管线据此定位快照写入）
		}

		// 评估节拍
		PollIntervalMs    int // 评估间隔（毫秒），默认 500
		SnapshotMaxAgeSec int // 快照过期阈值（秒），超过按信号缺失处理
		BreakIntervalSec  int // 休息提醒间隔（秒），默认 1200
		StaleSessionHours int // 超过此时长未结束的会话按中断清理
	}

	Metrics struct {
		Addr string // 指标/健康检查监听地址
	}

	Log struct {
		Level  string
		Format string
	}
}

// Load 加载配置
func Load() (*Config, error) {
	cfg := &Config{}

	// 从环境变量加载（默认值）
	cfg.Database.Host = getEnv("DB_HOST", "localhost")
	cfg.Database.Port = getEnvInt("DB_PORT", 5432)
	cfg.Database.User = getEnv("DB_USER", "postgres")
	cfg.Database.Password = getEnv("DB_PASSWORD", "postgres")
	cfg.Database.Database = getEnv("DB_NAME", "visionpulse")
	cfg.Database.SSLMode = getEnv("DB_SSLMODE", "disable")
	cfg.Database.MaxConns = getEnvInt("DB_MAX_CONNS", 10)
	cfg.Database.MaxIdle = getEnvInt("DB_MAX_IDLE", 5)

	cfg.Redis.Addr = getEnv("REDIS_ADDR", "localhost:6379")
	cfg.Redis.Password = getEnv("REDIS_PASSWORD", "")
	cfg.Redis.DB = getEnvInt("REDIS_DB", 0)

	// 报警服务配置
	cfg.Alert.Cache.MetricsKeyPrefix = getEnv("CACHE_METRICS_PREFIX", "visionpulse:session:")
	cfg.Alert.Cache.MetricsSuffix = ":metrics"
	cfg.Alert.Cache.AlertKeyPrefix = getEnv("CACHE_ALERT_PREFIX", "visionpulse:session:")
	cfg.Alert.Cache.AlertSuffix = ":alerts"
	cfg.Alert.Cache.AlertTTL = getEnvInt("CACHE_ALERT_TTL", 30)
	cfg.Alert.Cache.CommandsKey = getEnv("CACHE_COMMANDS_KEY", "visionpulse:commands")
	cfg.Alert.Cache.CurrentSessionKey = getEnv("CACHE_CURRENT_SESSION_KEY", "visionpulse:session:current")

	cfg.Alert.PollIntervalMs = getEnvInt("POLL_INTERVAL_MS", 500)
	cfg.Alert.SnapshotMaxAgeSec = getEnvInt("SNAPSHOT_MAX_AGE_SEC", 5)
	cfg.Alert.BreakIntervalSec = getEnvInt("BREAK_INTERVAL_SEC", 1200)
	cfg.Alert.StaleSessionHours = getEnvInt("STALE_SESSION_HOURS", 24)

	cfg.Metrics.Addr = getEnv("METRICS_ADDR", ":9108")

	cfg.Log.Level = getEnv("LOG_LEVEL", "info")
	cfg.Log.Format = getEnv("LOG_FORMAT", "json")

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}
