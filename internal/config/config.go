// Package config reads the demo's settings from the environment.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Config struct {
	Provider string // memory | ristretto | bigcache | redis | valkey
	Codec    string // cbor | msgpack | json
	Log      string // zap | logrus | slog
	LogDebug bool

	RedisAddr        string
	RedisGenStore    bool
	ValkeyAddress    string
	ValkeyTLSEnabled bool

	TTL              time.Duration
	PostsPageSize    int
	CommentsPageSize int
	NestedPageSize   int

	// HTTP puts the in-memory server behind a loopback listener and talks to
	// it through the REST transport.
	HTTP bool
}

func New(l *zap.Logger) (Config, error) {
	result := Config{
		Provider: strings.ToLower(GetEnvStr("THREADCACHE_PROVIDER", "memory")),
		Codec:    strings.ToLower(GetEnvStr("THREADCACHE_CODEC", "cbor")),
		Log:      strings.ToLower(GetEnvStr("THREADCACHE_LOG", "zap")),
		LogDebug: GetEnvBool("THREADCACHE_DEBUG", false),

		RedisAddr:        GetEnvStr("REDIS_ADDR", "127.0.0.1:6379"),
		RedisGenStore:    GetEnvBool("THREADCACHE_REDIS_GENSTORE", false),
		ValkeyAddress:    GetEnvStr("VALKEY_ADDRESS", "127.0.0.1:6379"),
		ValkeyTLSEnabled: GetEnvBool("VALKEY_TLS_ENABLED", false),

		TTL:              GetEnvDuration("THREADCACHE_TTL", 0),
		PostsPageSize:    GetEnvInt("THREADCACHE_POSTS_PAGE_SIZE", 10),
		CommentsPageSize: GetEnvInt("THREADCACHE_COMMENTS_PAGE_SIZE", 10),
		NestedPageSize:   GetEnvInt("THREADCACHE_NESTED_PAGE_SIZE", 2),

		HTTP: GetEnvBool("THREADCACHE_HTTP", false),
	}
	if err := result.validate(); err != nil {
		return Config{}, err
	}

	data, err := json.Marshal(result)
	if err != nil {
		l.Warn("failed to marshal config", zap.Error(err))
	}
	l.Debug("generated config", zap.ByteString("config", data))

	return result, nil
}

func (c Config) validate() error {
	switch c.Provider {
	case "memory", "ristretto", "bigcache", "redis", "valkey":
	default:
		return fmt.Errorf("config: unknown provider %q", c.Provider)
	}
	switch c.Codec {
	case "cbor", "msgpack", "json":
	default:
		return fmt.Errorf("config: unknown codec %q", c.Codec)
	}
	switch c.Log {
	case "zap", "logrus", "slog":
	default:
		return fmt.Errorf("config: unknown logger %q", c.Log)
	}
	if c.RedisGenStore && c.Provider != "redis" {
		return fmt.Errorf("config: redis genstore needs the redis provider, have %q", c.Provider)
	}
	if c.PostsPageSize <= 0 || c.CommentsPageSize <= 0 || c.NestedPageSize <= 0 {
		return fmt.Errorf("config: page sizes must be positive")
	}
	return nil
}

func GetEnvStr(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func GetEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value == "true"
}

// GetEnvInt falls back to defaultValue when the variable is unset or not a number.
func GetEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return d
}
