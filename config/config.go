// Package config holds the server configuration, loaded from a yaml
// file and overridable by command-line flags.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Default configuration values.
const (
	DefaultAddr     = ":8080"
	DefaultLogLevel = "info"
	DefaultBackend  = "memory"

	DefaultStaleSessionThreshold = "5m"
	DefaultSweepInterval         = "1m"
	DefaultCacheFlushInterval    = "5s"

	DefaultMongoConnectionURI = "mongodb://localhost:27017"
	DefaultMongoDatabase      = "docsync"

	DefaultRedisAddr = "localhost:6379"
)

// MongoConfig configures the MongoDB store backend.
type MongoConfig struct {
	ConnectionURI string `yaml:"connectionUri"`
	Database      string `yaml:"database"`
}

// RedisConfig configures the cross-instance fan-out bus.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// FirestoreConfig configures the optional Firestore snapshot backend.
type FirestoreConfig struct {
	Project string `yaml:"project" validate:"required"`
}

// Config is the root server configuration.
type Config struct {
	Addr      string `yaml:"addr" validate:"required"`
	LogLevel  string `yaml:"logLevel"`
	JWTSecret string `yaml:"jwtSecret" validate:"required"`

	// Backend selects where sessions, users, grants and (unless
	// Firestore is set) documents live.
	Backend string `yaml:"backend" validate:"oneof=memory mongo"`

	StaleSessionThreshold string `yaml:"staleSessionThreshold"`
	SweepInterval         string `yaml:"sweepInterval"`

	// SnapshotCache puts a write-through cache with background flush
	// in front of the document store.
	SnapshotCache      bool   `yaml:"snapshotCache"`
	CacheFlushInterval string `yaml:"cacheFlushInterval"`

	Mongo     *MongoConfig     `yaml:"mongo"`
	Redis     *RedisConfig     `yaml:"redis"`
	Firestore *FirestoreConfig `yaml:"firestore"`
}

// New returns a Config populated with defaults. The JWT secret has no
// default; it must be provided.
func New() *Config {
	return &Config{
		Addr:                  DefaultAddr,
		LogLevel:              DefaultLogLevel,
		Backend:               DefaultBackend,
		StaleSessionThreshold: DefaultStaleSessionThreshold,
		SweepInterval:         DefaultSweepInterval,
		CacheFlushInterval:    DefaultCacheFlushInterval,
	}
}

// NewFromFile loads a Config from a yaml file, filling in defaults for
// anything the file omits.
func NewFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	conf := New()
	if err := yaml.Unmarshal(data, conf); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	conf.EnsureDefaultValue()
	return conf, nil
}

// EnsureDefaultValue fills empty fields with their defaults.
func (c *Config) EnsureDefaultValue() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = DefaultLogLevel
	}
	if c.Backend == "" {
		c.Backend = DefaultBackend
	}
	if c.StaleSessionThreshold == "" {
		c.StaleSessionThreshold = DefaultStaleSessionThreshold
	}
	if c.SweepInterval == "" {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.CacheFlushInterval == "" {
		c.CacheFlushInterval = DefaultCacheFlushInterval
	}
	if c.Mongo != nil {
		if c.Mongo.ConnectionURI == "" {
			c.Mongo.ConnectionURI = DefaultMongoConnectionURI
		}
		if c.Mongo.Database == "" {
			c.Mongo.Database = DefaultMongoDatabase
		}
	}
	if c.Redis != nil && c.Redis.Addr == "" {
		c.Redis.Addr = DefaultRedisAddr
	}
}

// Validate checks field constraints and duration formats.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	for name, value := range map[string]string{
		"staleSessionThreshold": c.StaleSessionThreshold,
		"sweepInterval":         c.SweepInterval,
		"cacheFlushInterval":    c.CacheFlushInterval,
	} {
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, value, err)
		}
	}
	if c.Backend == "mongo" && c.Mongo == nil {
		return fmt.Errorf("backend is mongo but no mongo section is configured")
	}
	return nil
}

// ParseStaleSessionThreshold returns the parsed threshold. Call
// Validate first.
func (c *Config) ParseStaleSessionThreshold() time.Duration {
	d, _ := time.ParseDuration(c.StaleSessionThreshold)
	return d
}

// ParseSweepInterval returns the parsed sweep interval.
func (c *Config) ParseSweepInterval() time.Duration {
	d, _ := time.ParseDuration(c.SweepInterval)
	return d
}

// ParseCacheFlushInterval returns the parsed cache flush interval.
func (c *Config) ParseCacheFlushInterval() time.Duration {
	d, _ := time.ParseDuration(c.CacheFlushInterval)
	return d
}
