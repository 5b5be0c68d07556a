// Package config loads the server configuration from an optional YAML file
// and environment variables, applying defaults and sanitising values.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/spf13/viper"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// Config holds the server configuration.
type Config struct {
	Server    ServerConfig
	WebSocket WebSocketConfig
	RateLimit RateLimitConfig `mapstructure:"rate_limit"`
	Chat      ChatConfig
	Store     StoreConfig
	Log       logging.Config
}

// ServerConfig holds HTTP listener settings and the WebSocket origin
// allow-list. "*" allows any origin.
type ServerConfig struct {
	Port           string
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// WebSocketConfig holds per-connection transport limits and heartbeat
// timing.
type WebSocketConfig struct {
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	SendBuffer     int           `mapstructure:"send_buffer"`
	PingInterval   time.Duration `mapstructure:"-"`
	PongWait       time.Duration `mapstructure:"-"`
	WriteWait      time.Duration `mapstructure:"-"`
}

// RateLimitConfig defines per-connection inbound frame rate limiting.
type RateLimitConfig struct {
	Burst          int
	RefillInterval time.Duration `mapstructure:"-"`
}

// ChatConfig holds room behaviour.
type ChatConfig struct {
	GracePeriod     time.Duration `mapstructure:"-"`
	HistoryLimit    int           `mapstructure:"history_limit"`
	AutoCreateRooms bool          `mapstructure:"auto_create_rooms"`
	Rooms           []chat.Room
}

// StoreConfig selects and configures the Room Store backend.
type StoreConfig struct {
	Backend string
	Redis   RedisConfig
	SQLite  SQLiteConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
	Prefix   string
}

// SQLiteConfig holds the SQLite database location.
type SQLiteConfig struct {
	Path  string
	Debug bool
}

// DefaultRooms are created at startup when no rooms are configured.
func DefaultRooms() []chat.Room {
	return []chat.Room{
		{ID: "general", Name: "General Chat"},
		{ID: "tech", Name: "Tech Discussion"},
		{ID: "random", Name: "Random Thoughts"},
	}
}

// Default returns a Config populated with default values for all settings.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:           ":8080",
			AllowedOrigins: []string{"http://localhost:8080"},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8 << 20,
			SendBuffer:     256,
			PingInterval:   30 * time.Second,
			PongWait:       120 * time.Second,
			WriteWait:      10 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Burst:          20,
			RefillInterval: time.Second,
		},
		Chat: ChatConfig{
			GracePeriod: 30 * time.Second,
			Rooms:       DefaultRooms(),
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Redis: RedisConfig{
				Address: "localhost:6379",
				Prefix:  "roomchat",
			},
			SQLite: SQLiteConfig{Path: "roomchat.db"},
		},
		Log: logging.Config{
			Level:       "info",
			ServiceName: "roomchat",
		},
	}
}

var envBindings = map[string]string{
	"server.port":                "SERVER_PORT",
	"server.allowed_origins":     "ALLOWED_ORIGINS",
	"websocket.max_message_size": "MAX_MESSAGE_SIZE",
	"websocket.send_buffer":      "SEND_BUFFER",
	"websocket.ping_interval":    "PING_INTERVAL",
	"websocket.pong_wait":        "PONG_WAIT",
	"websocket.write_wait":       "WRITE_WAIT",
	"rate_limit.burst":           "RATE_LIMIT_BURST",
	"rate_limit.refill_interval": "RATE_LIMIT_REFILL_INTERVAL",
	"chat.grace_period":          "GRACE_PERIOD",
	"chat.history_limit":         "HISTORY_LIMIT",
	"chat.auto_create_rooms":     "AUTO_CREATE_ROOMS",
	"store.backend":              "STORE_BACKEND",
	"store.redis.address":        "REDIS_ADDRESS",
	"store.redis.password":       "REDIS_PASSWORD",
	"store.redis.db":             "REDIS_DB",
	"store.redis.prefix":         "REDIS_PREFIX",
	"store.sqlite.path":          "SQLITE_PATH",
	"store.sqlite.debug":         "DB_DEBUG",
	"log.level":                  "LOG_LEVEL",
	"log.pretty":                 "LOG_PRETTY",
}

// Load reads configuration from configPath/config.yaml (if present) and the
// environment. An empty configPath searches "." and "./config".
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v, Default())
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg.Server.AllowedOrigins = parseOrigins(v.GetStringSlice("server.allowed_origins"))
	cfg.WebSocket.PingInterval = parseDuration(v.GetString("websocket.ping_interval"), cfg.WebSocket.PingInterval)
	cfg.WebSocket.PongWait = parseDuration(v.GetString("websocket.pong_wait"), cfg.WebSocket.PongWait)
	cfg.WebSocket.WriteWait = parseDuration(v.GetString("websocket.write_wait"), cfg.WebSocket.WriteWait)
	cfg.RateLimit.RefillInterval = parseDuration(v.GetString("rate_limit.refill_interval"), cfg.RateLimit.RefillInterval)
	cfg.Chat.GracePeriod = parseDuration(v.GetString("chat.grace_period"), cfg.Chat.GracePeriod)

	cfg.Sanitize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d Config) {
	v.SetDefault("server.port", d.Server.Port)
	v.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	v.SetDefault("websocket.max_message_size", d.WebSocket.MaxMessageSize)
	v.SetDefault("websocket.send_buffer", d.WebSocket.SendBuffer)
	v.SetDefault("websocket.ping_interval", d.WebSocket.PingInterval.String())
	v.SetDefault("websocket.pong_wait", d.WebSocket.PongWait.String())
	v.SetDefault("websocket.write_wait", d.WebSocket.WriteWait.String())
	v.SetDefault("rate_limit.burst", d.RateLimit.Burst)
	v.SetDefault("rate_limit.refill_interval", d.RateLimit.RefillInterval.String())
	v.SetDefault("chat.grace_period", d.Chat.GracePeriod.String())
	v.SetDefault("chat.history_limit", d.Chat.HistoryLimit)
	v.SetDefault("chat.auto_create_rooms", d.Chat.AutoCreateRooms)
	v.SetDefault("store.backend", d.Store.Backend)
	v.SetDefault("store.redis.address", d.Store.Redis.Address)
	v.SetDefault("store.redis.password", d.Store.Redis.Password)
	v.SetDefault("store.redis.db", d.Store.Redis.DB)
	v.SetDefault("store.redis.prefix", d.Store.Redis.Prefix)
	v.SetDefault("store.sqlite.path", d.Store.SQLite.Path)
	v.SetDefault("store.sqlite.debug", d.Store.SQLite.Debug)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.pretty", d.Log.Pretty)
	v.SetDefault("log.service_name", d.Log.ServiceName)
}

// Sanitize replaces missing or non-positive values with defaults.
func (c *Config) Sanitize() {
	d := Default()

	if c.Server.Port == "" {
		c.Server.Port = d.Server.Port
	}
	if c.WebSocket.MaxMessageSize <= 0 {
		c.WebSocket.MaxMessageSize = d.WebSocket.MaxMessageSize
	}
	if c.WebSocket.SendBuffer <= 0 {
		c.WebSocket.SendBuffer = d.WebSocket.SendBuffer
	}
	if c.WebSocket.PingInterval <= 0 {
		c.WebSocket.PingInterval = d.WebSocket.PingInterval
	}
	if c.WebSocket.PongWait <= 0 {
		c.WebSocket.PongWait = d.WebSocket.PongWait
	}
	if c.WebSocket.WriteWait <= 0 {
		c.WebSocket.WriteWait = d.WebSocket.WriteWait
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = d.RateLimit.Burst
	}
	if c.RateLimit.RefillInterval <= 0 {
		c.RateLimit.RefillInterval = d.RateLimit.RefillInterval
	}
	if c.Chat.GracePeriod <= 0 {
		c.Chat.GracePeriod = d.Chat.GracePeriod
	}
	if c.Chat.HistoryLimit < 0 {
		c.Chat.HistoryLimit = 0
	}
	if len(c.Chat.Rooms) == 0 {
		c.Chat.Rooms = d.Chat.Rooms
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = d.Store.Backend
	}
}

// Validate reports settings that cannot be defaulted.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	for _, room := range c.Chat.Rooms {
		if strings.TrimSpace(room.ID) == "" {
			return fmt.Errorf("configured room %q has an empty id", room.Name)
		}
	}
	if c.WebSocket.PongWait <= c.WebSocket.PingInterval {
		return fmt.Errorf("pong wait (%s) must exceed ping interval (%s)", c.WebSocket.PongWait, c.WebSocket.PingInterval)
	}
	return nil
}

// parseOrigins accepts either a list or a single comma separated value.
func parseOrigins(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

// parseDuration accepts Go duration strings or a bare number of seconds.
func parseDuration(value string, defaultValue time.Duration) time.Duration {
	value = strings.TrimSpace(value)
	if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil && d > 0 {
		return d
	}
	return defaultValue
}
