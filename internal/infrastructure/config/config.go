package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `toml:"server" yaml:"server"`
	Downloader DownloaderConfig `toml:"downloader" yaml:"downloader"`
	Transport  TransportConfig  `toml:"transport" yaml:"transport"`
	Logging    LogConfig        `toml:"logging" yaml:"logging"`
	RateLimit  RateLimitConfig  `toml:"rate_limit" yaml:"rate_limit"`
}

// ServerConfig holds the status API configuration.
type ServerConfig struct {
	Port    string `envconfig:"PAKSYNC_PORT" default:"8090" toml:"port" yaml:"port"`
	Host    string `envconfig:"PAKSYNC_HOST" default:"127.0.0.1" toml:"host" yaml:"host"`
	Enabled bool   `envconfig:"PAKSYNC_API_ENABLED" default:"true" toml:"enabled" yaml:"enabled"`

	// CORSOrigins limits browser access. Empty allows any origin.
	CORSOrigins []string `envconfig:"PAKSYNC_CORS_ORIGINS" toml:"cors_origins" yaml:"cors_origins"`
}

// DeploymentSet names a group of CDN hosts serving the same content.
type DeploymentSet struct {
	Name  string   `toml:"name" yaml:"name"`
	Hosts []string `toml:"hosts" yaml:"hosts"`
}

// DownloaderConfig holds content sync configuration.
type DownloaderConfig struct {
	Platform    string          `envconfig:"PAKSYNC_PLATFORM" toml:"platform" yaml:"platform"`
	CacheDir    string          `envconfig:"PAKSYNC_CACHE_DIR" default:"paksync/cache" toml:"cache_dir" yaml:"cache_dir"`
	EmbeddedDir string          `envconfig:"PAKSYNC_EMBEDDED_DIR" default:"paksync/embedded" toml:"embedded_dir" yaml:"embedded_dir"`
	Deployment  string          `envconfig:"PAKSYNC_DEPLOYMENT" default:"default" toml:"deployment" yaml:"deployment"`
	Hosts       []string        `envconfig:"PAKSYNC_HOSTS" toml:"hosts" yaml:"hosts"`
	Deployments []DeploymentSet `ignored:"true" toml:"deployments" yaml:"deployments"`
	BuildID     string          `envconfig:"PAKSYNC_BUILD_ID" default:"0.0.1" toml:"build_id" yaml:"build_id"`
	Chunks      []int32         `envconfig:"PAKSYNC_CHUNKS" toml:"chunks" yaml:"chunks"`

	RemoteChunkList bool `envconfig:"PAKSYNC_REMOTE_CHUNK_LIST" default:"false" toml:"remote_chunk_list" yaml:"remote_chunk_list"`
	RemoteBuildID   bool `envconfig:"PAKSYNC_REMOTE_BUILD_ID" default:"false" toml:"remote_build_id" yaml:"remote_build_id"`

	MaxDownloads     int      `envconfig:"PAKSYNC_MAX_DOWNLOADS" default:"2" toml:"max_downloads" yaml:"max_downloads"`
	MountWorkers     int      `envconfig:"PAKSYNC_MOUNT_WORKERS" default:"2" toml:"mount_workers" yaml:"mount_workers"`
	LoadingPoll      Duration `envconfig:"PAKSYNC_LOADING_POLL" default:"100ms" toml:"loading_poll" yaml:"loading_poll"`
	LoadingIdlePolls int      `envconfig:"PAKSYNC_LOADING_IDLE_POLLS" default:"5" toml:"loading_idle_polls" yaml:"loading_idle_polls"`
	ManifestRetries  int      `envconfig:"PAKSYNC_MANIFEST_RETRIES" default:"10" toml:"manifest_retries" yaml:"manifest_retries"`

	LocalManifestFile       string `envconfig:"PAKSYNC_LOCAL_MANIFEST" default:"LocalManifest.json" toml:"local_manifest" yaml:"local_manifest"`
	CachedBuildManifestFile string `envconfig:"PAKSYNC_CACHED_MANIFEST" default:"CachedBuildManifest.json" toml:"cached_manifest" yaml:"cached_manifest"`
	EmbeddedManifestFile    string `envconfig:"PAKSYNC_EMBEDDED_MANIFEST" default:"EmbeddedManifest.json" toml:"embedded_manifest" yaml:"embedded_manifest"`
	PakPattern              string `envconfig:"PAKSYNC_PAK_PATTERN" default:"*.pak" toml:"pak_pattern" yaml:"pak_pattern"`
}

// TransportConfig holds CDN client configuration.
type TransportConfig struct {
	Timeout           Duration `envconfig:"PAKSYNC_TRANSFER_TIMEOUT" default:"0s" toml:"timeout" yaml:"timeout"`
	ManifestTimeout   Duration `envconfig:"PAKSYNC_MANIFEST_TIMEOUT" default:"30s" toml:"manifest_timeout" yaml:"manifest_timeout"`
	RequestsPerSecond float64  `envconfig:"PAKSYNC_CDN_RPS" default:"20" toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int      `envconfig:"PAKSYNC_CDN_BURST" default:"40" toml:"burst" yaml:"burst"`
	UserAgent         string   `envconfig:"PAKSYNC_USER_AGENT" default:"paksync/1.0" toml:"user_agent" yaml:"user_agent"`

	// HostFailures consecutive failures take a host out of rotation for
	// HostCooldown. Zero disables the breaker.
	HostFailures int      `envconfig:"PAKSYNC_HOST_FAILURES" default:"5" toml:"host_failures" yaml:"host_failures"`
	HostCooldown Duration `envconfig:"PAKSYNC_HOST_COOLDOWN" default:"30s" toml:"host_cooldown" yaml:"host_cooldown"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info" toml:"level" yaml:"level"`
	Development bool   `envconfig:"LOG_DEV" default:"false" toml:"development" yaml:"development"`
}

// RateLimitConfig holds API rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50" toml:"requests_per_second" yaml:"requests_per_second"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100" toml:"burst" yaml:"burst"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true" toml:"enabled" yaml:"enabled"`
}

// Duration is a time.Duration that decodes from strings such as "250ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile loads configuration from the environment, then overlays the TOML
// or YAML file at path. Keys present in the file win.
func LoadFile(path string) (*Config, error) {
	cfg, err := Load()
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("unsupported config file type %q", filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:    "8090",
			Host:    "127.0.0.1",
			Enabled: true,
		},
		Downloader: DownloaderConfig{
			CacheDir:                "paksync/cache",
			EmbeddedDir:             "paksync/embedded",
			Deployment:              "default",
			BuildID:                 "0.0.1",
			MaxDownloads:            2,
			MountWorkers:            2,
			LoadingPoll:             Duration(100 * time.Millisecond),
			LoadingIdlePolls:        5,
			ManifestRetries:         10,
			LocalManifestFile:       "LocalManifest.json",
			CachedBuildManifestFile: "CachedBuildManifest.json",
			EmbeddedManifestFile:    "EmbeddedManifest.json",
			PakPattern:              "*.pak",
		},
		Transport: TransportConfig{
			ManifestTimeout:   Duration(30 * time.Second),
			RequestsPerSecond: 20,
			Burst:             40,
			UserAgent:         "paksync/1.0",
			HostFailures:      5,
			HostCooldown:      Duration(30 * time.Second),
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// DeploymentHosts returns every configured deployment keyed by name. Hosts
// given directly through PAKSYNC_HOSTS belong to the active deployment unless
// the file declares it explicitly.
func (d DownloaderConfig) DeploymentHosts() map[string][]string {
	out := make(map[string][]string, len(d.Deployments)+1)
	for _, set := range d.Deployments {
		out[set.Name] = append([]string(nil), set.Hosts...)
	}
	if _, ok := out[d.Deployment]; !ok && len(d.Hosts) > 0 {
		out[d.Deployment] = append([]string(nil), d.Hosts...)
	}
	return out
}
