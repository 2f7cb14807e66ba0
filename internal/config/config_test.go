package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/punchd/punchd/internal/punch"
)

func writeTempConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoadServerConfigAppliesDefaults(t *testing.T) {
	path := writeTempConfig(t, "listen: 0.0.0.0:9500\n")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9500", cfg.Listen)
	assert.Equal(t, "2m", cfg.SweepInterval)
	assert.Equal(t, "5m", cfg.IdleTimeout)
	assert.Equal(t, "127.0.0.1:9001", cfg.Admin.Listen)
}

func TestLoadServerConfigValidateRequiresAdminAuth(t *testing.T) {
	path := writeTempConfig(t, "listen: 0.0.0.0:9500\nadmin:\n  enabled: true\n")

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)
	assert.Error(t, cfg.Validate())

	cfg.Admin.Token = "shared-secret"
	assert.NoError(t, cfg.Validate())
}

func TestLoadPeerConfigDefaultsMatchPunchDefaults(t *testing.T) {
	path := writeTempConfig(t, "server: 203.0.113.1:9000\n")

	cfg, err := LoadPeerConfig(path)
	require.NoError(t, err)

	pc, err := cfg.Session.ToPunchConfig()
	require.NoError(t, err)
	assert.Equal(t, punch.DefaultConfig(), pc)
}

func TestSessionConfigParsesDurations(t *testing.T) {
	sc := SessionConfig{
		PortPredictions:           4,
		MaxPunchAttempts:          3,
		RetryDelay:                "250ms",
		MaxResponseWaitTime:       "1500ms",
		MaxServerResponseAttempts: 10,
	}

	pc, err := sc.ToPunchConfig()
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, pc.RetryDelay)
	assert.Equal(t, 1500*time.Millisecond, pc.MaxResponseWaitTime)
}

func TestLoadPeerConfigReadsMetricsListen(t *testing.T) {
	path := writeTempConfig(t, "server: 203.0.113.1:9000\nmetrics_listen: 127.0.0.1:9100\n")

	cfg, err := LoadPeerConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9100", cfg.MetricsListen)
}

func TestPeerConfigValidateRequiresServer(t *testing.T) {
	cfg := &PeerConfig{}
	assert.Error(t, cfg.Validate())

	cfg.Server = "not-a-host-port"
	assert.Error(t, cfg.Validate())

	cfg.Server = "203.0.113.1:9000"
	assert.NoError(t, cfg.Validate())
}
