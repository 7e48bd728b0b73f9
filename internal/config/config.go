package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const DefaultPath = "config.json"

// Config is the JSON settings file, keyed by vendor. Environment variables
// override file values: OpenAI.api_key <- OPENAI_API_KEY.
type Config struct {
	mu    sync.Mutex
	v     *viper.Viper
	path  string
	dirty bool
}

// Load reads envFile (when present) and the JSON file at path. A missing
// config file is not an error; every value then comes from the environment.
func Load(path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	if path == "" {
		path = DefaultPath
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("json")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		slog.Warn("Config file not found, using environment only", "path", path)
	}

	return &Config{v: v, path: path}, nil
}

// FromMap builds an in-memory config, used by tests and embedded servers.
func FromMap(values map[string]any) *Config {
	v := viper.New()
	for k, val := range values {
		v.Set(k, val)
	}
	return &Config{v: v}
}

func (c *Config) Path() string { return c.path }

func (c *Config) Section(vendor string) Section {
	return Section{cfg: c, prefix: strings.ToLower(vendor)}
}

// Set stores a value and marks the config for rewriting on Save.
func (c *Config) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.v.Set(key, value)
	c.dirty = true
}

func (c *Config) Dirty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty
}

// Save rewrites the config file when something changed since Load.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.dirty || c.path == "" {
		return nil
	}
	if err := c.v.WriteConfigAs(c.path); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	c.dirty = false
	return nil
}

func (c *Config) get(key string) any {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.Get(key)
}

func (c *Config) isSet(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.IsSet(key)
}

func (c *Config) getString(key string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetString(key)
}

func (c *Config) getInt(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetInt(key)
}

func (c *Config) getFloat(key string) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetFloat64(key)
}

func (c *Config) getBool(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetBool(key)
}

func (c *Config) getDuration(key string) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.v.GetDuration(key)
}
