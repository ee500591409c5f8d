// Package config loads and validates the Caravel configuration snapshot.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/caravel-registry/caravel/pkg/bytesize"
)

// Config is the full configuration snapshot the process is built from.
type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Log       LogConfig        `mapstructure:"log"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Upload    UploadConfig     `mapstructure:"upload"`
	Push      PushConfig       `mapstructure:"push"`
	Manifest  ManifestConfig   `mapstructure:"manifest"`
	Auth      AuthConfig       `mapstructure:"auth"`
	Upstreams []UpstreamConfig `mapstructure:"upstreams"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Database  DatabaseConfig   `mapstructure:"database"`
	TLS       TLSConfig        `mapstructure:"tls"`
}

type ServerConfig struct {
	BindAddress    string        `mapstructure:"bind_address"`
	Port           int           `mapstructure:"port"`
	MaxInflight    int           `mapstructure:"max_inflight"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Addr returns the listen address in host:port form.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.BindAddress, s.Port)
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type CacheConfig struct {
	MaxSize          string        `mapstructure:"max_size"`
	RetentionDays    int           `mapstructure:"retention_days"`
	EvictionPolicy   string        `mapstructure:"eviction_policy"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`

	// MaxSizeBytes is derived from MaxSize during Load.
	MaxSizeBytes int64 `mapstructure:"-"`
}

type UploadConfig struct {
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type PushConfig struct {
	// Mode selects whether pushes are mirrored to the upstream
	// synchronously (failures fail the client request) or in the
	// background.
	Mode string `mapstructure:"mode"`
}

type ManifestConfig struct {
	MaxSize string `mapstructure:"max_size"`

	MaxSizeBytes int64 `mapstructure:"-"`
}

type AuthConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type ProjectConfig struct {
	Name      string `mapstructure:"name"`
	Pattern   string `mapstructure:"pattern"`
	Priority  int    `mapstructure:"priority"`
	IsDefault bool   `mapstructure:"is_default"`
}

type UpstreamConfig struct {
	Name           string          `mapstructure:"name"`
	DisplayName    string          `mapstructure:"display_name"`
	URL            string          `mapstructure:"url"`
	Registry       string          `mapstructure:"registry"`
	Projects       []ProjectConfig `mapstructure:"projects"`
	Username       string          `mapstructure:"username"`
	Password       string          `mapstructure:"password"`
	SkipTLSVerify  bool            `mapstructure:"skip_tls_verify"`
	Priority       int             `mapstructure:"priority"`
	Enabled        bool            `mapstructure:"enabled"`
	CacheIsolation string          `mapstructure:"cache_isolation"`
	IsDefault      bool            `mapstructure:"is_default"`
}

type StorageConfig struct {
	Backend string             `mapstructure:"backend"`
	Local   LocalStorageConfig `mapstructure:"local"`
	S3      S3StorageConfig    `mapstructure:"s3"`
}

type LocalStorageConfig struct {
	Path string `mapstructure:"path"`
}

type S3StorageConfig struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Prefix    string `mapstructure:"prefix"`
	AllowHTTP bool   `mapstructure:"allow_http"`
}

type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertPath string `mapstructure:"cert_path"`
	KeyPath  string `mapstructure:"key_path"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.bind_address", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.max_inflight", 1024)
	v.SetDefault("server.request_timeout", "300s")

	v.SetDefault("log.level", "info")

	v.SetDefault("cache.max_size", "10GB")
	v.SetDefault("cache.retention_days", 30)
	v.SetDefault("cache.eviction_policy", "lru")
	v.SetDefault("cache.eviction_interval", "60s")

	v.SetDefault("upload.session_ttl", "1h")
	v.SetDefault("push.mode", "sync")
	v.SetDefault("manifest.max_size", "4MB")

	v.SetDefault("auth.enabled", false)

	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local.path", "./data/storage")
	v.SetDefault("storage.s3.region", "us-east-1")

	v.SetDefault("database.path", "./data/caravel.db")

	v.SetDefault("tls.enabled", false)
}

// Load reads the configuration from the given viper instance, applies
// defaults and validates the result.
func Load(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks invariants across the whole snapshot and derives
// computed fields (byte sizes).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.MaxInflight <= 0 {
		return fmt.Errorf("server.max_inflight must be positive")
	}

	maxSize, err := bytesize.Parse(c.Cache.MaxSize)
	if err != nil {
		return fmt.Errorf("cache.max_size: %w", err)
	}
	c.Cache.MaxSizeBytes = maxSize

	switch strings.ToLower(c.Cache.EvictionPolicy) {
	case "lru", "lfu", "fifo":
		c.Cache.EvictionPolicy = strings.ToLower(c.Cache.EvictionPolicy)
	default:
		return fmt.Errorf("cache.eviction_policy must be one of: lru, lfu, fifo")
	}
	if c.Cache.RetentionDays < 0 {
		return fmt.Errorf("cache.retention_days must not be negative")
	}

	manifestMax, err := bytesize.Parse(c.Manifest.MaxSize)
	if err != nil {
		return fmt.Errorf("manifest.max_size: %w", err)
	}
	c.Manifest.MaxSizeBytes = manifestMax

	switch c.Push.Mode {
	case "sync", "async":
	default:
		return fmt.Errorf("push.mode must be sync or async")
	}

	if c.Auth.Enabled && (c.Auth.Username == "" || c.Auth.Password == "") {
		return fmt.Errorf("auth enabled but username/password not provided")
	}

	switch c.Storage.Backend {
	case "local":
		if c.Storage.Local.Path == "" {
			return fmt.Errorf("storage.local.path is required for the local backend")
		}
	case "s3":
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("storage.backend must be local or s3")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.TLS.Enabled && (c.TLS.CertPath == "" || c.TLS.KeyPath == "") {
		return fmt.Errorf("tls enabled but cert_path/key_path not provided")
	}

	return c.validateUpstreams()
}

func (c *Config) validateUpstreams() error {
	seen := make(map[string]bool, len(c.Upstreams))
	defaults := 0

	for i := range c.Upstreams {
		u := &c.Upstreams[i]
		if u.Name == "" {
			return fmt.Errorf("upstreams[%d].name is required", i)
		}
		if seen[u.Name] {
			return fmt.Errorf("duplicate upstream name %q", u.Name)
		}
		seen[u.Name] = true

		parsed, err := url.Parse(u.URL)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("upstream %q: url %q is not a valid absolute URL", u.Name, u.URL)
		}

		if u.Registry == "" && len(u.Projects) == 0 {
			return fmt.Errorf("upstream %q: either registry or projects must be set", u.Name)
		}
		if u.Registry != "" && len(u.Projects) > 0 {
			return fmt.Errorf("upstream %q: registry and projects are mutually exclusive", u.Name)
		}

		projectDefaults := 0
		projectNames := make(map[string]bool, len(u.Projects))
		for j := range u.Projects {
			p := &u.Projects[j]
			if p.Name == "" {
				return fmt.Errorf("upstream %q: projects[%d].name is required", u.Name, j)
			}
			if projectNames[p.Name] {
				return fmt.Errorf("upstream %q: duplicate project %q", u.Name, p.Name)
			}
			projectNames[p.Name] = true
			if p.Pattern == "" {
				p.Pattern = p.Name + "/*"
			}
			if p.IsDefault {
				projectDefaults++
			}
		}
		if projectDefaults > 1 {
			return fmt.Errorf("upstream %q: at most one project may be the default", u.Name)
		}

		switch u.CacheIsolation {
		case "":
			u.CacheIsolation = "shared"
		case "shared", "isolated":
		default:
			return fmt.Errorf("upstream %q: cache_isolation must be shared or isolated", u.Name)
		}

		if u.IsDefault {
			defaults++
		}
	}

	if defaults > 1 {
		return fmt.Errorf("at most one upstream may be the default")
	}
	return nil
}

// DefaultUpstream returns the configured default upstream, or nil.
func (c *Config) DefaultUpstream() *UpstreamConfig {
	for i := range c.Upstreams {
		if c.Upstreams[i].IsDefault {
			return &c.Upstreams[i]
		}
	}
	return nil
}
