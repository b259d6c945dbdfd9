// Package config loads service configuration from the environment.
package config

import (
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds all runtime configuration. DATABASE_URL empty means the
// in-memory store (development only); REDIS_URL empty disables the cache.
type Config struct {
	Port        string        `env:"PORT" envDefault:"8080"`
	DatabaseURL string        `env:"DATABASE_URL"`
	RedisURL    string        `env:"REDIS_URL"`
	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"3s"`
	JWTSecret   string        `env:"JWT_SECRET,required"`
	CORSOrigin  string        `env:"CORS_ORIGIN" envDefault:"*"`
}

// Load parses the environment into a Config.
func Load() (Config, error) {
	var cfg Config
	return cfg, env.Parse(&cfg)
}
