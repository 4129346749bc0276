package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadConfigCreatesDefaults(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CONFIG_FILE", file)

	cfg, err := ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, 5050, cfg.PubSub.Port)
	assert.Equal(t, "45s", cfg.Gateway.HeartbeatInterval)

	_, err = os.Stat(file)
	assert.NoError(t, err, "default config should be written")
}

func TestReadConfigEnvOverrides(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"pubsub":{"address":"10.0.0.1","port":6000},"gateway_host":"gw.local"}`), 0644))
	t.Setenv("CONFIG_FILE", file)
	t.Setenv("PS_ADDRESS", "broker.internal")
	t.Setenv("KEY", "MDEyMzQ1Njc4OWFiY2RlZg==")

	cfg, err := ReadConfig()
	require.NoError(t, err)
	assert.Equal(t, "broker.internal", cfg.PubSub.Address)
	assert.Equal(t, 6000, cfg.PubSub.Port)
	assert.Equal(t, "gw.local", cfg.GatewayHost)
	assert.Equal(t, "MDEyMzQ1Njc4OWFiY2RlZg==", cfg.Key)
	assert.Equal(t, "ws://broker.internal:6000/", cfg.PubSubURL())
}

func TestReadConfigRejectsInvalidJSON(t *testing.T) {
	file := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(file, []byte(`{`), 0644))
	t.Setenv("CONFIG_FILE", file)

	_, err := ReadConfig()
	assert.Error(t, err)
}
