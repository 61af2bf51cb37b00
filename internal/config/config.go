package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const envPrefix = "CHAT"

type Config struct {
	Mode     string         `mapstructure:"mode"`
	Port     int            `mapstructure:"port"`
	Secret   string         `mapstructure:"secret"`
	Log      LogConfig      `mapstructure:"log"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Room     RoomConfig     `mapstructure:"room"`
	Pool     PoolConfig     `mapstructure:"pool"`
	WS       WSConfig       `mapstructure:"ws"`
	LongPoll LongPollConfig `mapstructure:"longpoll"`
	Presence PresenceConfig `mapstructure:"presence"`
	Rate     RateConfig     `mapstructure:"ratelimit"`
	Storage  StorageConfig  `mapstructure:"storage"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type AuthConfig struct {
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type RoomConfig struct {
	BacklogSize  int           `mapstructure:"backlog_size"`
	QueueSize    int           `mapstructure:"queue_size"`
	GracePeriod  time.Duration `mapstructure:"grace_period"`
	Backpressure string        `mapstructure:"backpressure"`
}

type PoolConfig struct {
	PersistQueue int `mapstructure:"persist_queue"`
}

type WSConfig struct {
	ReadLimit    int64         `mapstructure:"read_limit"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LongPollConfig struct {
	DefaultListen time.Duration `mapstructure:"default_listen"`
	MaxListen     time.Duration `mapstructure:"max_listen"`
}

type PresenceConfig struct {
	LeaveDelay time.Duration `mapstructure:"leave_delay"`
}

type RateConfig struct {
	Messages int           `mapstructure:"messages"`
	Interval time.Duration `mapstructure:"interval"`
}

type StorageConfig struct {
	Driver      string `mapstructure:"driver"`
	BadgerPath  string `mapstructure:"badger_path"`
	PostgresURL string `mapstructure:"postgres_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	// keys without a default must still be known for env overrides to apply
	v.SetDefault("secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("room.backlog_size", 10)
	v.SetDefault("room.queue_size", 64)
	v.SetDefault("room.grace_period", "5s")
	v.SetDefault("room.backpressure", "kick")
	v.SetDefault("pool.persist_queue", 256)
	v.SetDefault("ws.read_limit", 32768)
	v.SetDefault("ws.ping_period", "54s")
	v.SetDefault("ws.write_timeout", "5s")
	v.SetDefault("longpoll.default_listen", "30s")
	v.SetDefault("longpoll.max_listen", "5m")
	v.SetDefault("presence.leave_delay", "10s")
	v.SetDefault("ratelimit.messages", 20)
	v.SetDefault("ratelimit.interval", "10s")
	v.SetDefault("storage.driver", "nop")
	v.SetDefault("storage.badger_path", "./data/badger")
	v.SetDefault("storage.postgres_url", "")
}

// Load reads file, or config/config.<CONFIG_ENV>.yaml when file is empty.
// A .env file in the working directory is loaded first; CHAT_* variables
// override file values.
func Load(file string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file == "" {
		env := os.Getenv("CONFIG_ENV")
		if env == "" {
			env = "dev"
		}
		file = fmt.Sprintf("config/config.%s.yaml", env)
	}
	v.SetConfigFile(file)

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", file).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", file).Msg("loaded config")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log.Info().Str("module", "config").Str("mode", cfg.Mode).Int("port", cfg.Port).Str("storage", cfg.Storage.Driver).Msg("config ready")
	return &cfg, nil
}

func (c Config) Validate() error {
	switch c.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("mode must be debug, release or test, got %q", c.Mode)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port out of range: %d", c.Port)
	}
	if c.Secret == "" {
		return errors.New("secret is required")
	}
	if c.Room.BacklogSize < 1 {
		return errors.New("room.backlog_size must be at least 1")
	}
	if c.Room.QueueSize < 1 {
		return errors.New("room.queue_size must be at least 1")
	}
	switch c.Room.Backpressure {
	case "kick", "drop":
	default:
		return fmt.Errorf("room.backpressure must be kick or drop, got %q", c.Room.Backpressure)
	}
	if c.LongPoll.DefaultListen > c.LongPoll.MaxListen {
		return errors.New("longpoll.default_listen exceeds longpoll.max_listen")
	}
	if c.Rate.Messages < 1 || c.Rate.Interval <= 0 {
		return errors.New("ratelimit needs positive messages and interval")
	}
	switch c.Storage.Driver {
	case "nop":
	case "badger":
		if c.Storage.BadgerPath == "" {
			return errors.New("storage.badger_path is required for badger")
		}
	case "postgres":
		if c.Storage.PostgresURL == "" {
			return errors.New("storage.postgres_url is required for postgres")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}
