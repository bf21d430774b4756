package bootstrap

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"soundboard-collab/internal/infra/setup"
)

// Config 结构体用于存储从环境变量或文件加载的配置
type Config struct {
	DB            setup.DBConfig
	DBAutoMigrate bool // 本地开发时创建 soundboards 和 board_collaborators 表
	Redis         setup.RedisConfig

	KeyPrefix        string // Redis Key 前缀，状态、Pub/Sub 和限流共用
	JWTSecret        string
	InternalAPIToken string
	ServerPort       string
	LogLevel         string
	AppEnv           string // development/production
	CORSOrigin       string

	LockTTL           time.Duration
	LockSweepInterval time.Duration
	ReactionCooldown  time.Duration
	ReactionQueueSize int
	ConnStaleAfter    time.Duration
	HeartbeatInterval time.Duration
	RoomIdleTTL       time.Duration

	RateLimitMax    int
	RateLimitWindow time.Duration
}

// LoadConfig 从 .env 文件（如果存在）和环境变量加载配置
func LoadConfig() (*Config, error) {
	// 忽略错误，允许只使用环境变量
	_ = godotenv.Load()

	cfg := &Config{
		DB: setup.DBConfig{
			User:     os.Getenv("DB_USER"),
			Password: os.Getenv("DB_PASSWORD"),
			Host:     os.Getenv("DB_HOST"),
			Port:     os.Getenv("DB_PORT"),
			Name:     os.Getenv("DB_NAME"),
		},
		DBAutoMigrate: os.Getenv("DB_AUTO_MIGRATE") == "true",
		Redis: setup.RedisConfig{
			Addr:     os.Getenv("REDIS_ADDR"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       intEnv("REDIS_DB", 0),
		},
		KeyPrefix:        stringEnv("REDIS_KEY_PREFIX", "sbc:"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		InternalAPIToken: os.Getenv("INTERNAL_API_TOKEN"),
		ServerPort:       stringEnv("SERVER_PORT", "8080"),
		LogLevel:         stringEnv("LOG_LEVEL", "info"),
		AppEnv:           stringEnv("APP_ENV", "development"),
		CORSOrigin:       os.Getenv("CORS_ALLOWED_ORIGIN"),

		LockTTL:           durationEnv("LOCK_TTL", 2*time.Minute),
		LockSweepInterval: durationEnv("LOCK_SWEEP_INTERVAL", 10*time.Second),
		ReactionCooldown:  durationEnv("REACTION_COOLDOWN", 500*time.Millisecond),
		ReactionQueueSize: intEnv("REACTION_QUEUE_SIZE", 256),
		ConnStaleAfter:    durationEnv("CONN_STALE_AFTER", 90*time.Second),
		HeartbeatInterval: durationEnv("HEARTBEAT_INTERVAL", 30*time.Second),
		RoomIdleTTL:       durationEnv("ROOM_IDLE_TTL", 24*time.Hour),

		RateLimitMax:    intEnv("RATE_LIMIT_MAX", 100),
		RateLimitWindow: durationEnv("RATE_LIMIT_WINDOW", time.Second),
	}

	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("environment variable REDIS_ADDR must be set")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("environment variable JWT_SECRET must be set")
	}
	if cfg.InternalAPIToken == "" {
		return nil, fmt.Errorf("environment variable INTERNAL_API_TOKEN must be set")
	}

	if _, err := logrus.ParseLevel(cfg.LogLevel); err != nil {
		logrus.Warnf("Invalid LOG_LEVEL '%s', using default 'info'", cfg.LogLevel)
		cfg.LogLevel = "info"
	}
	if cfg.HeartbeatInterval >= cfg.ConnStaleAfter {
		logrus.Warnf("HEARTBEAT_INTERVAL (%s) must be shorter than CONN_STALE_AFTER (%s), using %s",
			cfg.HeartbeatInterval, cfg.ConnStaleAfter, cfg.ConnStaleAfter/3)
		cfg.HeartbeatInterval = cfg.ConnStaleAfter / 3
	}

	return cfg, nil
}

func stringEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func intEnv(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logrus.Warnf("Invalid %s '%s', using default %d", key, v, def)
		return def
	}
	return n
}

func durationEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		logrus.Warnf("Invalid %s '%s', using default %s", key, v, def)
		return def
	}
	return d
}
