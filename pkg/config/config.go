// Package config loads forumcache settings from FORUMCACHE_* environment
// variables, with per-class TTLs optionally overridden by a YAML file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/daviddao/forumcache/pkg/cache"
)

// Config holds all forumcache settings.
type Config struct {
	DB        string        `env:"FORUMCACHE_DB" envDefault:"forumcache.db"`
	APIURL    string        `env:"FORUMCACHE_API_URL" envDefault:"http://localhost:8080"`
	Token     string        `env:"FORUMCACHE_TOKEN"`
	KeyPrefix string        `env:"FORUMCACHE_KEY_PREFIX" envDefault:"community_cache_"`
	TTLFile   string        `env:"FORUMCACHE_TTL_FILE"`
	LogLevel  string        `env:"FORUMCACHE_LOG_LEVEL" envDefault:"warn"`
	Timeout   time.Duration `env:"FORUMCACHE_TIMEOUT" envDefault:"10s"`
	MaxAge    time.Duration `env:"FORUMCACHE_MAX_AGE" envDefault:"24h"`

	// TTLs starts at cache.DefaultTTLs and is overridden by TTLFile.
	TTLs cache.TTLs `env:"-"`
}

// ttlFile is the YAML layout of TTLFile. Pointers tell unset from zero.
type ttlFile struct {
	TTL *struct {
		Entity       *time.Duration `yaml:"entity"`
		Collection   *time.Duration `yaml:"collection"`
		Conversation *time.Duration `yaml:"conversation"`
		Notification *time.Duration `yaml:"notification"`
	} `yaml:"ttl"`
}

// Load reads the process environment.
func Load() (*Config, error) {
	return LoadFrom(nil)
}

// LoadFrom reads settings from environ, or from the process environment
// when environ is nil.
func LoadFrom(environ map[string]string) (*Config, error) {
	cfg := Config{TTLs: cache.DefaultTTLs()}
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}
	if cfg.TTLFile != "" {
		if err := cfg.loadTTLFile(cfg.TTLFile); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// loadTTLFile overlays the TTLs set in path. A missing or empty file
// changes nothing. Unknown fields are rejected.
func (c *Config) loadTTLFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: reading %s: %w", path, err)
	}
	var raw ttlFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&raw); err != nil {
		// Empty and comment-only files decode to EOF.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("config: parsing %s: %w", path, err)
	}
	if raw.TTL == nil {
		return nil
	}
	set := func(dst *time.Duration, v *time.Duration) {
		if v != nil {
			*dst = *v
		}
	}
	set(&c.TTLs.Entity, raw.TTL.Entity)
	set(&c.TTLs.Collection, raw.TTL.Collection)
	set(&c.TTLs.Conversation, raw.TTL.Conversation)
	set(&c.TTLs.Notification, raw.TTL.Notification)
	return nil
}

// Validate checks that values are usable.
func (c *Config) Validate() error {
	if c.DB == "" {
		return errors.New("config: FORUMCACHE_DB cannot be empty")
	}
	if !strings.HasPrefix(c.APIURL, "http://") && !strings.HasPrefix(c.APIURL, "https://") {
		return fmt.Errorf("config: FORUMCACHE_API_URL must be an http(s) URL, got %q", c.APIURL)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("config: FORUMCACHE_TIMEOUT must be positive, got %v", c.Timeout)
	}
	if c.MaxAge < 0 {
		return fmt.Errorf("config: FORUMCACHE_MAX_AGE must be non-negative, got %v", c.MaxAge)
	}
	for name, d := range map[string]time.Duration{
		"entity":       c.TTLs.Entity,
		"collection":   c.TTLs.Collection,
		"conversation": c.TTLs.Conversation,
		"notification": c.TTLs.Notification,
	} {
		if d <= 0 {
			return fmt.Errorf("config: ttl.%s must be positive, got %v", name, d)
		}
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: FORUMCACHE_LOG_LEVEL: %w", err)
	}
	return l, nil
}

// Logger returns a text logger writing to w at the configured level.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	l, err := c.Level()
	if err != nil {
		l = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: l}))
}
