// Package config holds the storesync settings, read by viper from a config
// file, STORESYNC_* environment variables and command line flags.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/openmined/storesync/internal/storepath"
	"github.com/openmined/storesync/internal/transport"
	"github.com/openmined/storesync/internal/transport/miniotransport"
	"github.com/openmined/storesync/internal/transport/s3transport"
	"github.com/openmined/storesync/internal/utils"
	"github.com/spf13/viper"
)

const (
	BackendLocal = "local"
	BackendS3    = "s3"
	BackendMinio = "minio"

	EnvPrefix = "STORESYNC"
)

var (
	home, _           = os.UserHomeDir()
	DefaultStateDir   = filepath.Join(home, ".storesync")
	DefaultConfigPath = filepath.Join(DefaultStateDir, "config.json")
)

type Config struct {
	Path      string        `mapstructure:"-" yaml:"-"`
	StateDir  string        `mapstructure:"state_dir" yaml:"state_dir"`
	LogLevel  string        `mapstructure:"log_level" yaml:"log_level"`
	Workers   int           `mapstructure:"workers" yaml:"workers"`
	Extension string        `mapstructure:"extension" yaml:"extension"`
	Backend   BackendConfig `mapstructure:"backend" yaml:"backend"`
}

type BackendConfig struct {
	Type  string                `mapstructure:"type" yaml:"type"`
	Local LocalConfig           `mapstructure:"local" yaml:"local,omitempty"`
	S3    s3transport.Config    `mapstructure:"s3" yaml:"s3,omitempty"`
	Minio miniotransport.Config `mapstructure:"minio" yaml:"minio,omitempty"`
}

// LocalConfig points at a shared folder, e.g. a network mount, that plays
// the remote store.
type LocalConfig struct {
	Root string `mapstructure:"root" yaml:"root"`
}

// SetDefaults registers every key, so environment variables such as
// STORESYNC_BACKEND_S3_BUCKET_NAME are seen by Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("log_level", "info")
	v.SetDefault("workers", transport.DefaultWorkers)
	v.SetDefault("extension", storepath.DefaultExtension)

	v.SetDefault("backend.type", BackendLocal)
	v.SetDefault("backend.local.root", "")

	for _, key := range []string{"bucket_name", "region", "access_key", "secret_key", "endpoint"} {
		v.SetDefault("backend.s3."+key, "")
	}
	v.SetDefault("backend.s3.use_accelerate", false)

	for _, key := range []string{"endpoint", "bucket_name", "access_key", "secret_key", "region"} {
		v.SetDefault("backend.minio."+key, "")
	}
	v.SetDefault("backend.minio.use_ssl", false)
}

// BindEnv makes v read STORESYNC_* variables, nested keys joined by "_".
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load decodes and validates the settings v has collected.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config decode: %w", err)
	}
	cfg.Path = v.ConfigFileUsed()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the settings and normalizes paths to absolute ones.
// The backend is left to BackendConfig.NewAdapter, so commands that never
// reach the remote work without one.
func (c *Config) Validate() error {
	var err error

	c.StateDir, err = utils.ResolvePath(c.StateDir)
	if err != nil {
		return fmt.Errorf("state dir: %w", err)
	}

	if c.Path != "" {
		c.Path, err = utils.ResolvePath(c.Path)
		if err != nil {
			return fmt.Errorf("config path: %w", err)
		}
	}

	if _, err := utils.ParseLogLevel(c.LogLevel); err != nil {
		return fmt.Errorf("log level %q: %w", c.LogLevel, err)
	}

	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}

	ext := strings.TrimPrefix(c.Extension, ".")
	if ext != "" && strings.ContainsAny(ext, `/\.`) {
		return fmt.Errorf("invalid extension %q", c.Extension)
	}

	return nil
}

// Validate checks the settings of the selected backend.
func (b *BackendConfig) Validate() error {
	switch b.Type {
	case BackendLocal:
		if b.Local.Root == "" {
			return fmt.Errorf("backend.local.root required")
		}
		root, err := utils.ResolvePath(b.Local.Root)
		if err != nil {
			return fmt.Errorf("backend.local.root: %w", err)
		}
		b.Local.Root = root
	case BackendS3:
		if err := b.S3.Validate(); err != nil {
			return fmt.Errorf("backend.s3: %w", err)
		}
	case BackendMinio:
		if err := b.Minio.Validate(); err != nil {
			return fmt.Errorf("backend.minio: %w", err)
		}
	default:
		return fmt.Errorf("unknown backend type %q, want %s, %s or %s", b.Type, BackendLocal, BackendS3, BackendMinio)
	}
	return nil
}

// Redacted is a copy of c safe to print: secrets are masked and only the
// active backend is kept.
func (c *Config) Redacted() Config {
	out := *c
	out.Backend.S3.AccessKey = utils.MaskSecret(c.Backend.S3.AccessKey)
	out.Backend.S3.SecretKey = utils.MaskSecret(c.Backend.S3.SecretKey)
	out.Backend.Minio.AccessKey = utils.MaskSecret(c.Backend.Minio.AccessKey)
	out.Backend.Minio.SecretKey = utils.MaskSecret(c.Backend.Minio.SecretKey)

	if c.Backend.Type != BackendLocal {
		out.Backend.Local = LocalConfig{}
	}
	if c.Backend.Type != BackendS3 {
		out.Backend.S3 = s3transport.Config{}
	}
	if c.Backend.Type != BackendMinio {
		out.Backend.Minio = miniotransport.Config{}
	}
	return out
}

func (c *Config) Layout() storepath.Layout {
	return storepath.Layout{Extension: c.Extension}
}

func (c *Config) Level() slog.Level {
	level, _ := utils.ParseLogLevel(c.LogLevel)
	return level
}
