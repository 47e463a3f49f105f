package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noEnvFile(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "missing.env")
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.Equal(t, ":8080", cfg.HTTP.Addr)
	assert.Equal(t, int64(32<<20), cfg.Cache.MemoryBytes())
	assert.Equal(t, int64(256<<20), cfg.Cache.DiskBytes())
	assert.Equal(t, int64(64<<20), cfg.GPU.SoftLimitBytes())
	assert.Equal(t, 2, cfg.Fetch.Workers)
	assert.Equal(t, 10*time.Millisecond, cfg.Render.SoftDeadline)
	assert.Equal(t, 200*time.Millisecond, cfg.Render.HardDeadline)
	assert.Equal(t, 4, cfg.Render.AsyncFetches)
	assert.Equal(t, 1, cfg.Render.SyncFetches)
	assert.Equal(t, 400*time.Millisecond, cfg.Render.FadeDuration)
	assert.Equal(t, 24*time.Hour, cfg.Sources.Redis.TTL)
	assert.Equal(t, int64(4<<20), cfg.Sources.Web.MaxTileBytes())
	assert.False(t, cfg.Sources.Redis.Enabled)
	assert.False(t, cfg.Telemetry.Enabled)
	assert.Len(t, cfg.Layers, 11)
	assert.Equal(t, "SV", cfg.Layers[0])
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("FETCH_WORKERS", "8")
	t.Setenv("RENDER_FADE_DURATION", "1s")
	t.Setenv("SOURCE_WEB_PRODUCTS", "50K,250K")
	t.Setenv("LAYERS", "50K,250K")
	t.Setenv("VIEW_METRES_PER_PIXEL", "2.5")

	cfg, err := Load(noEnvFile(t))
	require.NoError(t, err)
	assert.Equal(t, 8, cfg.Fetch.Workers)
	assert.Equal(t, time.Second, cfg.Render.FadeDuration)
	assert.Equal(t, []string{"50K", "250K"}, cfg.Sources.Web.Products)
	assert.Equal(t, []string{"50K", "250K"}, cfg.Layers)
	assert.Equal(t, 2.5, cfg.View.MetresPerPixel)
}

func TestLoadEnvFileDoesNotOverrideEnvironment(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("SOURCE_REDIS_ENABLED=true\nSOURCE_REDIS_ADDR=redis:6379\n"), 0o644))
	t.Setenv("SOURCE_REDIS_ADDR", "override:6380")
	t.Cleanup(func() { os.Unsetenv("SOURCE_REDIS_ENABLED") })

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Sources.Redis.Enabled)
	assert.Equal(t, "override:6380", cfg.Sources.Redis.Addr)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"unknown log level", "LOGGER_LEVEL", "loud"},
		{"soft deadline after hard", "RENDER_SOFT_DEADLINE", "1s"},
		{"no workers", "FETCH_WORKERS", "0"},
		{"sample ratio above one", "TELEMETRY_SAMPLE_RATIO", "2"},
		{"negative cache", "CACHE_MEMORY_MB", "-1"},
		{"zero scale", "VIEW_METRES_PER_PIXEL", "0"},
		{"zero tile size limit", "SOURCE_WEB_MAX_TILE_KB", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load(noEnvFile(t))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "invalid config")
		})
	}
}

func TestLoadParseError(t *testing.T) {
	t.Setenv("FETCH_WORKERS", "many")
	_, err := Load(noEnvFile(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}
