// Package config loads tool and array defaults from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/deploymenttheory/go-mdraid/internal/bitmap"
	"github.com/deploymenttheory/go-mdraid/internal/md"
	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// Config holds every tunable understood by the tool.
type Config struct {
	Metadata      string        `mapstructure:"metadata"`
	SafemodeDelay time.Duration `mapstructure:"safemode_delay"`
	Bitmap        BitmapConfig  `mapstructure:"bitmap"`
	Sync          SyncConfig    `mapstructure:"sync"`
	Log           LogConfig     `mapstructure:"log"`
	Metrics       MetricsConfig `mapstructure:"metrics"`
}

// BitmapConfig configures the write-intent bitmap of newly created arrays
type BitmapConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	ChunkSize      string        `mapstructure:"chunk_size"`
	DaemonSleep    time.Duration `mapstructure:"daemon_sleep"`
	MaxWriteBehind int           `mapstructure:"max_write_behind"`
}

// SyncConfig bounds resync speed in KiB/s
type SyncConfig struct {
	SpeedMin int  `mapstructure:"speed_min"`
	SpeedMax int  `mapstructure:"speed_max"`
	Parallel bool `mapstructure:"parallel"`
}

// LogConfig selects the logrus level and formatter
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig holds the prometheus listener address
type MetricsConfig struct {
	Listen string `mapstructure:"listen"`
}

// SetDefaults registers default values on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("metadata", "1.2")
	v.SetDefault("safemode_delay", 200*time.Millisecond)

	v.SetDefault("bitmap.enabled", true)
	v.SetDefault("bitmap.chunk_size", "64MiB")
	v.SetDefault("bitmap.daemon_sleep", types.BitmapDefaultDaemonSleep)
	v.SetDefault("bitmap.max_write_behind", types.BitmapDefaultWriteBehind)

	v.SetDefault("sync.speed_min", 1000)
	v.SetDefault("sync.speed_max", 200000)
	v.SetDefault("sync.parallel", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("metrics.listen", ":9185")
}

// Load reads configuration using v. An explicit path must exist; otherwise the usual
// locations are searched and a missing file means defaults.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("mdraid")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("$HOME/.mdraid")
		v.AddConfigPath("/etc/mdraid")
	}

	v.SetEnvPrefix("MDRAID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if _, _, err := ParseMetadata(c.Metadata); err != nil {
		return err
	}
	if c.Sync.SpeedMin <= 0 || c.Sync.SpeedMax < c.Sync.SpeedMin {
		return fmt.Errorf("sync speed range %d..%d: %w", c.Sync.SpeedMin, c.Sync.SpeedMax, types.ErrInvalidArgument)
	}
	if c.Bitmap.MaxWriteBehind < 0 || c.Bitmap.MaxWriteBehind > int(types.CounterMax) {
		return fmt.Errorf("bitmap max_write_behind %d: %w", c.Bitmap.MaxWriteBehind, types.ErrInvalidArgument)
	}
	if _, err := c.Bitmap.ChunkBytes(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log level %q: %w", c.Log.Level, types.ErrInvalidArgument)
	}
	return nil
}

// ChunkBytes parses the configured chunk size.
func (b BitmapConfig) ChunkBytes() (uint32, error) {
	n, err := ParseSize(b.ChunkSize)
	if err != nil {
		return 0, err
	}
	if n < types.BitmapMinChunk || n&(n-1) != 0 || n > 1<<31 {
		return 0, fmt.Errorf("bitmap chunk size %q is not a power of two of at least %d bytes: %w",
			b.ChunkSize, types.BitmapMinChunk, types.ErrInvalidArgument)
	}
	return uint32(n), nil
}

// ArrayDefaults converts the configuration into registry tunables.
func (c *Config) ArrayDefaults() (md.Defaults, error) {
	chunk, err := c.Bitmap.ChunkBytes()
	if err != nil {
		return md.Defaults{}, err
	}
	return md.Defaults{
		SpeedMin:       c.Sync.SpeedMin,
		SpeedMax:       c.Sync.SpeedMax,
		ParallelResync: c.Sync.Parallel,
		SafemodeDelay:  c.SafemodeDelay,
		Bitmap: bitmap.Config{
			ChunkSize:      chunk,
			DaemonSleep:    c.Bitmap.DaemonSleep,
			MaxWriteBehind: c.Bitmap.MaxWriteBehind,
		},
	}, nil
}

// ParseMetadata splits a "1.x" metadata version into major and minor.
func ParseMetadata(s string) (major, minor int, err error) {
	switch s {
	case "1", "1.0":
		return 1, 0, nil
	case "1.1":
		return 1, 1, nil
	case "1.2", "default":
		return 1, 2, nil
	}
	return 0, 0, fmt.Errorf("unsupported metadata version %q: %w", s, types.ErrInvalidArgument)
}

// NewLogger builds a logger from the log section.
func (c LogConfig) NewLogger(out io.Writer) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(c.Level)
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", c.Level, types.ErrInvalidArgument)
	}
	if out == nil {
		out = os.Stderr
	}

	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(level)
	switch c.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("log format %q: %w", c.Format, types.ErrInvalidArgument)
	}
	return logger, nil
}
