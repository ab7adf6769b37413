package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	conf := New()
	assert.Equal(t, DefaultAddr, conf.Addr)
	assert.Equal(t, DefaultLogLevel, conf.LogLevel)
	assert.Equal(t, DefaultBackend, conf.Backend)
	assert.Equal(t, DefaultStaleSessionThreshold, conf.StaleSessionThreshold)
	assert.Equal(t, DefaultSweepInterval, conf.SweepInterval)
	assert.Equal(t, DefaultCacheFlushInterval, conf.CacheFlushInterval)
	assert.Nil(t, conf.Mongo)
	assert.Nil(t, conf.Redis)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		c := New()
		c.JWTSecret = "secret"
		return c
	}

	require.NoError(t, valid().Validate())

	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing jwt secret", func(c *Config) { c.JWTSecret = "" }},
		{"missing addr", func(c *Config) { c.Addr = "" }},
		{"unknown backend", func(c *Config) { c.Backend = "dynamo" }},
		{"bad stale threshold", func(c *Config) { c.StaleSessionThreshold = "five minutes" }},
		{"bad sweep interval", func(c *Config) { c.SweepInterval = "1x" }},
		{"bad flush interval", func(c *Config) { c.CacheFlushInterval = "" }},
		{"mongo backend without section", func(c *Config) { c.Backend = "mongo" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := valid()
			tc.mutate(c)
			assert.Error(t, c.Validate())
		})
	}

	c := valid()
	c.Backend = "mongo"
	c.Mongo = &MongoConfig{}
	c.EnsureDefaultValue()
	assert.NoError(t, c.Validate())
}

func TestEnsureDefaultValue(t *testing.T) {
	conf := &Config{
		JWTSecret: "secret",
		Mongo:     &MongoConfig{},
		Redis:     &RedisConfig{},
	}
	conf.EnsureDefaultValue()

	assert.Equal(t, DefaultAddr, conf.Addr)
	assert.Equal(t, DefaultBackend, conf.Backend)
	assert.Equal(t, DefaultMongoConnectionURI, conf.Mongo.ConnectionURI)
	assert.Equal(t, DefaultMongoDatabase, conf.Mongo.Database)
	assert.Equal(t, DefaultRedisAddr, conf.Redis.Addr)
}

func TestNewFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := `
addr: ":9090"
jwtSecret: file-secret
backend: mongo
staleSessionThreshold: 10m
mongo:
  database: collab
redis:
  addr: redis:6379
  db: 2
`
	require.NoError(t, os.WriteFile(path, []byte(data), 0o600))

	conf, err := NewFromFile(path)
	require.NoError(t, err)
	require.NoError(t, conf.Validate())

	assert.Equal(t, ":9090", conf.Addr)
	assert.Equal(t, "file-secret", conf.JWTSecret)
	assert.Equal(t, "mongo", conf.Backend)
	assert.Equal(t, 10*time.Minute, conf.ParseStaleSessionThreshold())

	// Omitted fields are filled with defaults.
	assert.Equal(t, DefaultSweepInterval, conf.SweepInterval)
	assert.Equal(t, DefaultMongoConnectionURI, conf.Mongo.ConnectionURI)
	assert.Equal(t, "collab", conf.Mongo.Database)
	assert.Equal(t, "redis:6379", conf.Redis.Addr)
	assert.Equal(t, 2, conf.Redis.DB)
}

func TestNewFromFileErrors(t *testing.T) {
	_, err := NewFromFile(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("addr: [:::"), 0o600))
	_, err = NewFromFile(path)
	assert.Error(t, err)
}

func TestParseDurations(t *testing.T) {
	conf := New()
	assert.Equal(t, 5*time.Minute, conf.ParseStaleSessionThreshold())
	assert.Equal(t, time.Minute, conf.ParseSweepInterval())
	assert.Equal(t, 5*time.Second, conf.ParseCacheFlushInterval())
}
