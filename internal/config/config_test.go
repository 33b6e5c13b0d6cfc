package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deploymenttheory/go-mdraid/internal/types"
)

// chdir moves into dir for the duration of the test so no stray config file is found.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(old) })
}

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "1.2", cfg.Metadata)
	assert.Equal(t, 200*time.Millisecond, cfg.SafemodeDelay)
	assert.True(t, cfg.Bitmap.Enabled)
	assert.Equal(t, types.BitmapDefaultDaemonSleep, cfg.Bitmap.DaemonSleep)
	assert.Equal(t, 1000, cfg.Sync.SpeedMin)
	assert.Equal(t, 200000, cfg.Sync.SpeedMax)

	chunk, err := cfg.Bitmap.ChunkBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(64<<20), chunk)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mdraid.yaml")
	data := []byte(`
metadata: "1.0"
bitmap:
  chunk_size: 4K
  daemon_sleep: 1s
sync:
  speed_min: 50
  speed_max: 100
log:
  level: debug
  format: json
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "1.0", cfg.Metadata)
	assert.Equal(t, time.Second, cfg.Bitmap.DaemonSleep)
	assert.Equal(t, 50, cfg.Sync.SpeedMin)

	chunk, err := cfg.Bitmap.ChunkBytes()
	require.NoError(t, err)
	assert.Equal(t, uint32(4096), chunk)

	d, err := cfg.ArrayDefaults()
	require.NoError(t, err)
	assert.Equal(t, 50, d.SpeedMin)
	assert.Equal(t, 100, d.SpeedMax)
	assert.Equal(t, uint32(4096), d.Bitmap.ChunkSize)
	assert.Equal(t, time.Second, d.Bitmap.DaemonSleep)
	assert.Equal(t, types.BitmapDefaultWriteBehind, d.Bitmap.MaxWriteBehind)
}

func TestLoadEnvironment(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("MDRAID_SYNC_SPEED_MAX", "5000")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Sync.SpeedMax)
}

func TestLoadRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"metadata", "metadata: \"0.90\"\n"},
		{"speed range", "sync:\n  speed_min: 100\n  speed_max: 10\n"},
		{"chunk size", "bitmap:\n  chunk_size: 3000\n"},
		{"log level", "log:\n  level: loud\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "mdraid.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(viper.New(), path)
			assert.ErrorIs(t, err, types.ErrInvalidArgument)
		})
	}

	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"65536", 65536, false},
		{"64K", 64 << 10, false},
		{"64KiB", 64 << 10, false},
		{"1M", 1 << 20, false},
		{"2g", 2 << 30, false},
		{"", 0, true},
		{"lots", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, types.ErrInvalidArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := LogConfig{Level: "warn", Format: "json"}.NewLogger(&buf)
	require.NoError(t, err)
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	logger.Info("hidden")
	logger.WithField("array", "md0").Warn("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"array":"md0"`)

	_, err = LogConfig{Level: "info", Format: "xml"}.NewLogger(nil)
	assert.ErrorIs(t, err, types.ErrInvalidArgument)
}
