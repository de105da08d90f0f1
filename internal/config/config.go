// Package config loads application configuration from a file and the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config holds runtime parameters. Zero values are replaced by Defaults.
type Config struct {
	HubURL               string   `json:"hub_url" yaml:"hub_url" toml:"hub_url"`
	HubToken             string   `json:"hub_token" yaml:"hub_token" toml:"hub_token"`
	CacheDir             string   `json:"cache_dir" yaml:"cache_dir" toml:"cache_dir"`
	LogLevel             string   `json:"log_level" yaml:"log_level" toml:"log_level"`
	LogFile              string   `json:"log_file" yaml:"log_file" toml:"log_file"`
	LogJSON              bool     `json:"log_json" yaml:"log_json" toml:"log_json"`
	ActivationOverheadMB int      `json:"activation_overhead_mb" yaml:"activation_overhead_mb" toml:"activation_overhead_mb"`
	MaxShardMB           int      `json:"max_shard_mb" yaml:"max_shard_mb" toml:"max_shard_mb"`
	DownloadRetries      int      `json:"download_retries" yaml:"download_retries" toml:"download_retries"`
	HTTPAddr             string   `json:"http_addr" yaml:"http_addr" toml:"http_addr"`
	CORSOrigins          []string `json:"cors_origins" yaml:"cors_origins" toml:"cors_origins"`
	StrictResolve        bool     `json:"strict_resolve" yaml:"strict_resolve" toml:"strict_resolve"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	cache := filepath.Join(os.TempDir(), "llmshrink-cache")
	if dir, err := os.UserCacheDir(); err == nil {
		cache = filepath.Join(dir, "llmshrink")
	}
	return Config{
		HubURL:               "https://huggingface.co",
		CacheDir:             cache,
		LogLevel:             "info",
		ActivationOverheadMB: 512,
		MaxShardMB:           2048,
		DownloadRetries:      4,
		HTTPAddr:             "127.0.0.1:8089",
	}
}

// DefaultPath is <UserConfigDir>/llmshrink/config.toml.
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "llmshrink", "config.toml"), nil
}

// Load reads a configuration file based on its extension.
// Supports: .yaml/.yml, .json, .toml
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, fmt.Errorf("empty config path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &cfg)
	case ".json":
		err = json.Unmarshal(b, &cfg)
	case ".toml":
		err = toml.Unmarshal(b, &cfg)
	default:
		return cfg, fmt.Errorf("unsupported config extension: %s", ext)
	}
	if err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Resolve builds the effective config: defaults, then the file at path (or
// LLMSHRINK_CONFIG, or the default path when it exists), then the environment.
func Resolve(path string, getenv func(string) string) (Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Defaults()
	explicit := path != ""
	if path == "" {
		path = getenv("LLMSHRINK_CONFIG")
		explicit = path != ""
	}
	if path == "" {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		fileCfg, err := Load(path)
		switch {
		case err == nil:
			cfg.merge(fileCfg)
		case explicit || !errors.Is(err, os.ErrNotExist):
			return cfg, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) merge(o Config) {
	if o.HubURL != "" {
		c.HubURL = o.HubURL
	}
	if o.HubToken != "" {
		c.HubToken = o.HubToken
	}
	if o.CacheDir != "" {
		c.CacheDir = o.CacheDir
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
	if o.LogFile != "" {
		c.LogFile = o.LogFile
	}
	c.LogJSON = c.LogJSON || o.LogJSON
	if o.ActivationOverheadMB > 0 {
		c.ActivationOverheadMB = o.ActivationOverheadMB
	}
	if o.MaxShardMB > 0 {
		c.MaxShardMB = o.MaxShardMB
	}
	if o.DownloadRetries > 0 {
		c.DownloadRetries = o.DownloadRetries
	}
	if o.HTTPAddr != "" {
		c.HTTPAddr = o.HTTPAddr
	}
	if len(o.CORSOrigins) > 0 {
		c.CORSOrigins = o.CORSOrigins
	}
	c.StrictResolve = c.StrictResolve || o.StrictResolve
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("%s: want a positive integer, got %q", key, v)
		}
		*dst = n
		return nil
	}
	flag := func(key string, dst *bool) error {
		v := getenv(key)
		if v == "" {
			return nil
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = b
		return nil
	}

	str("HF_TOKEN", &c.HubToken)
	str("LLMSHRINK_HUB_TOKEN", &c.HubToken)
	str("HF_ENDPOINT", &c.HubURL)
	str("LLMSHRINK_HUB_URL", &c.HubURL)
	str("LLMSHRINK_CACHE_DIR", &c.CacheDir)
	str("LLMSHRINK_LOG_LEVEL", &c.LogLevel)
	str("LLMSHRINK_LOG_FILE", &c.LogFile)
	str("LLMSHRINK_HTTP_ADDR", &c.HTTPAddr)
	if v := getenv("LLMSHRINK_CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitCSV(v)
	}
	for _, err := range []error{
		flag("LLMSHRINK_LOG_JSON", &c.LogJSON),
		flag("LLMSHRINK_STRICT_RESOLVE", &c.StrictResolve),
		num("LLMSHRINK_ACTIVATION_OVERHEAD_MB", &c.ActivationOverheadMB),
		num("LLMSHRINK_MAX_SHARD_MB", &c.MaxShardMB),
		num("LLMSHRINK_DOWNLOAD_RETRIES", &c.DownloadRetries),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}

func splitCSV(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ActivationOverheadBytes converts ActivationOverheadMB.
func (c Config) ActivationOverheadBytes() int64 { return int64(c.ActivationOverheadMB) << 20 }

// MaxShardBytes converts MaxShardMB.
func (c Config) MaxShardBytes() int64 { return int64(c.MaxShardMB) << 20 }
