// Package config loads the polycache CLI configuration from an optional YAML
// file, an optional .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"github.com/joho/godotenv"
	"github.com/xhit/go-str2duration/v2"
)

// Duration accepts Go durations plus days and weeks ("1d12h", "2w").
type Duration time.Duration

func (d Duration) D() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return str2duration.String(time.Duration(d)) }

// SetValue implements cleanenv.Setter.
func (d *Duration) SetValue(s string) error {
	v, err := str2duration.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d *Duration) UnmarshalText(b []byte) error { return d.SetValue(string(b)) }

type Memory struct {
	// Backend is one of memory, ristretto or bigcache.
	Backend    string   `yaml:"backend" env:"POLYCACHE_L1_BACKEND" env-default:"memory" env-description:"L1 backend: memory, ristretto or bigcache"`
	MaxEntries int      `yaml:"max_entries" env:"POLYCACHE_L1_MAX_ENTRIES" env-default:"10000" env-description:"L1 capacity in entries"`
	TTL        Duration `yaml:"ttl" env:"POLYCACHE_L1_TTL" env-default:"5m" env-description:"L1 default TTL"`
}

type Redis struct {
	Addr     string   `yaml:"addr" env:"REDIS_ADDR" env-description:"Redis address; empty disables the Redis tier"`
	Password string   `yaml:"password" env:"REDIS_PASSWORD" env-description:"Redis password"`
	DB       int      `yaml:"db" env:"REDIS_DB" env-default:"0" env-description:"Redis database"`
	GenTTL   Duration `yaml:"gen_ttl" env:"POLYCACHE_REDIS_GEN_TTL" env-default:"24h" env-description:"expiry of shared generation counters"`
}

type Mongo struct {
	URI        string `yaml:"uri" env:"MONGO_URI" env-description:"MongoDB URI; empty disables the Mongo tier"`
	Database   string `yaml:"database" env:"MONGO_DATABASE" env-default:"polycache" env-description:"MongoDB database"`
	Collection string `yaml:"collection" env:"MONGO_COLLECTION" env-default:"entries" env-description:"MongoDB collection"`
}

type Config struct {
	Name             string   `yaml:"name" env:"POLYCACHE_NAME" env-default:"polycache" env-description:"cache name used in logs and hooks"`
	Namespace        string   `yaml:"namespace" env:"POLYCACHE_NAMESPACE" env-default:"polycache" env-description:"key namespace in shared backends"`
	LogLevel         string   `yaml:"log_level" env:"POLYCACHE_LOG_LEVEL" env-default:"info" env-description:"debug, info, warn or error"`
	TTL              Duration `yaml:"ttl" env:"POLYCACHE_TTL" env-default:"1h" env-description:"default TTL for shared tiers"`
	RefreshThreshold Duration `yaml:"refresh_threshold" env:"POLYCACHE_REFRESH_THRESHOLD" env-default:"0s" env-description:"refresh-ahead threshold; 0 disables"`
	PromoteTTL       Duration `yaml:"promote_ttl" env:"POLYCACHE_PROMOTE_TTL" env-default:"0s" env-description:"TTL for values promoted into faster tiers; 0 uses each tier's default"`

	Memory Memory `yaml:"memory"`
	Redis  Redis  `yaml:"redis"`
	Mongo  Mongo  `yaml:"mongo"`
}

// Load reads dotenv files (missing ones are skipped, ".env" when none are
// given), then path if set, then the environment. Values already in the
// environment win over dotenv files.
func Load(path string, dotenv ...string) (Config, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, f := range dotenv {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("config: dotenv %s: %w", f, err)
		}
	}

	var cfg Config
	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	switch {
	case c.TTL < 0:
		return fmt.Errorf("config: negative ttl %s", c.TTL)
	case c.RefreshThreshold < 0:
		return fmt.Errorf("config: negative refresh_threshold %s", c.RefreshThreshold)
	case c.Memory.MaxEntries < 0:
		return fmt.Errorf("config: negative memory.max_entries %d", c.Memory.MaxEntries)
	}
	switch c.Memory.Backend {
	case "memory", "ristretto", "bigcache":
	default:
		return fmt.Errorf("config: unknown memory.backend %q", c.Memory.Backend)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log_level %q", c.LogLevel)
	}
	return nil
}

// Usage describes every environment variable Load understands.
func Usage() string {
	var cfg Config
	s, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return err.Error()
	}
	return s
}
