// Package config loads lobby server settings from the environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	ListenAddr     string `envconfig:"LISTEN_ADDR" default:":8080" validate:"required"`
	WorkerPoolSize int    `envconfig:"WORKER_POOL_SIZE" default:"256" validate:"gt=0"`
	MaxConnections int    `envconfig:"MAX_CONNECTIONS" default:"100000" validate:"gt=0"`

	ReadTimeout       time.Duration `envconfig:"READ_TIMEOUT" default:"10s" validate:"gt=0"`
	WriteTimeout      time.Duration `envconfig:"WRITE_TIMEOUT" default:"10s" validate:"gt=0"`
	HeartbeatInterval time.Duration `envconfig:"HEARTBEAT_INTERVAL" default:"30s" validate:"gt=0"`
	HeartbeatTimeout  time.Duration `envconfig:"HEARTBEAT_TIMEOUT" default:"10s" validate:"gt=0"`

	HistoryCapacity int           `envconfig:"HISTORY_CAPACITY" default:"100" validate:"gt=0"`
	TypingIdle      time.Duration `envconfig:"TYPING_IDLE" default:"1s" validate:"gt=0"`
	OutboxSize      int           `envconfig:"OUTBOX_SIZE" default:"256" validate:"gt=0"`
	RecentLimit     int           `envconfig:"RECENT_LIMIT" default:"10" validate:"gt=0"`

	// Rate limiting is disabled when RedisAddr is empty.
	RedisAddr         string        `envconfig:"REDIS_ADDR"`
	RateLimitMessages int           `envconfig:"RATE_LIMIT_MESSAGES" default:"5" validate:"gt=0"`
	RateLimitWindow   time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"10s" validate:"gt=0"`

	// Event mirroring is disabled when NATSURL is empty.
	NATSURL           string `envconfig:"NATS_URL"`
	NATSSubjectPrefix string `envconfig:"NATS_SUBJECT_PREFIX" default:"lobby.events" validate:"required"`

	// Content moderation of chat sends; blocklist entries are comma separated.
	ModerationEnabled   bool     `envconfig:"MODERATION_ENABLED" default:"false"`
	ModerationBlocklist []string `envconfig:"MODERATION_BLOCKLIST"`

	ServerName string `envconfig:"SERVER_NAME"`
	LogLevel   string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`
}

var validate = validator.New()

// Load reads envFiles (missing files are ignored) and then the process
// environment. Variables already set in the environment win over file values.
func Load(envFiles ...string) (Config, error) {
	for _, f := range envFiles {
		if f == "" {
			continue
		}
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return Config{}, fmt.Errorf("parse environment: %w", err)
	}
	if cfg.ServerName == "" {
		cfg.ServerName, _ = os.Hostname()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = "lobby-1"
	}
	if err := validate.Struct(cfg); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
