package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, dir, contents string) string {
	path := filepath.Join(dir, FileName)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, filepath.Join(os.TempDir(), "server-control"), cfg.BaseDir)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.False(t, cfg.HTTPGateway)

	l, err := cfg.Level()
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, l)
}

func TestLoad(t *testing.T) {
	cases := []struct {
		name     string
		contents string
		expCfg   func() Config
		expErr   string
	}{
		{
			name:     "empty file keeps defaults",
			contents: "",
			expCfg:   Default,
		},
		{
			name: "overrides",
			contents: `
base_dir: /run/seco
poll_interval: 100ms
client_timeout: 0s
log_level: debug
http_gateway: true
`,
			expCfg: func() Config {
				cfg := Default()
				cfg.BaseDir = "/run/seco"
				cfg.PollInterval = 100 * time.Millisecond
				cfg.ClientTimeout = 0
				cfg.LogLevel = "debug"
				cfg.HTTPGateway = true
				return cfg
			},
		},
		{
			name:     "unknown field",
			contents: "base_dri: /run/seco\n",
			expErr:   "field base_dri not found",
		},
		{
			name:     "bad duration",
			contents: "read_timeout: soon\n",
			expErr:   "parsing config file",
		},
		{
			name:     "non-positive interval",
			contents: "poll_interval: 0s\n",
			expErr:   "poll_interval must be positive",
		},
		{
			name:     "unknown log level",
			contents: "log_level: loud\n",
			expErr:   "log_level",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeConfig(t, t.TempDir(), c.contents)
			cfg, err := Load(path)
			if c.expErr != "" {
				assert.ErrorContains(t, err, c.expErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c.expCfg(), cfg)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))

	cfg, path, err := Discover(nested)
	require.NoError(t, err)
	if path == "" {
		assert.Equal(t, Default(), cfg)
	}

	expPath := writeConfig(t, root, "log_level: warn\n")
	cfg, path, err = Discover(nested)
	require.NoError(t, err)
	assert.Equal(t, expPath, path)
	assert.Equal(t, "warn", cfg.LogLevel)
}
