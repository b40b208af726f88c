package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadJSON(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{
		"server": {
			"port": 5353,
			"enableWhitelist": true,
			"secondaryDns": "opendns",
			"nextdnsConfigId": "abc123"
		},
		"drivers": {
			"logs": {"type": "memory"},
			"cache": {"type": "sql", "options": {"dsn": "test.db"}},
			"blacklist": {"type": "file", "options": {"path": "data/blacklist"}},
			"whitelist": {"type": "memory"}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5353, cfg.Server.Port)
	assert.True(t, cfg.Server.EnableWhitelist)
	assert.Equal(t, "opendns", cfg.Server.SecondaryDNS)
	assert.Equal(t, "abc123", cfg.Server.NextDNSConfigID)
	assert.Equal(t, "sql", cfg.Drivers.Cache.Type)
	assert.Equal(t, "test.db", cfg.Drivers.Cache.Options["dsn"])

	// Defaults applied to fields the file omits
	assert.Equal(t, "nxdomain", cfg.Server.BlockResponse)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadYAML(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
server:
  port: 8053
  secondaryDns: system
drivers:
  logs:
    type: console
  cache:
    type: memory
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 8053, cfg.Server.Port)
	assert.Equal(t, "system", cfg.Server.SecondaryDNS)
	assert.Equal(t, "memory", cfg.Drivers.Blacklist.Type, "omitted driver gets the default")
}

func TestLoadDefaults(t *testing.T) {
	path := writeTempConfig(t, "config.json", `{}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 53, cfg.Server.Port)
	assert.Equal(t, "google", cfg.Server.SecondaryDNS)
	assert.Equal(t, "console", cfg.Drivers.Logs.Type)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
	}{
		{"malformed json", "config.json", `{not json`},
		{"bad port", "config.json", `{"server": {"port": 70000}}`},
		{"bad secondary", "config.json", `{"server": {"secondaryDns": "quad9"}}`},
		{"bad logs driver", "config.json", `{"drivers": {"logs": {"type": "redis"}}}`},
		{"bad cache driver", "config.json", `{"drivers": {"cache": {"type": "console"}}}`},
		{"bad block response", "config.json", `{"server": {"blockResponse": "refused"}}`},
		{"rule without action", "config.json", `{"rules": [{"name": "r", "expression": "true"}]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeTempConfig(t, tt.file, tt.content)
			_, err := Load(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestSaveRefreshesLastUpdated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.LastUpdated = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	before := time.Now().UTC().Add(-time.Second)
	require.NoError(t, Save(cfg, path))
	assert.True(t, cfg.LastUpdated.After(before), "LastUpdated not refreshed: %v", cfg.LastUpdated)

	// Saved document must be valid JSON and round-trip
	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var loaded Config
	require.NoError(t, json.Unmarshal(data, &loaded))
	assert.Equal(t, cfg.Server.Port, loaded.Server.Port)
	assert.True(t, loaded.LastUpdated.Equal(cfg.LastUpdated))
}

func TestSaveLoadRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")

	cfg := Default()
	cfg.Server.Port = 5300
	cfg.Server.EnableWhitelist = true
	cfg.Drivers.Cache.Type = "sql"
	cfg.Drivers.Cache.Options = map[string]any{"dsn": "x.db"}

	require.NoError(t, Save(cfg, path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5300, loaded.Server.Port)
	assert.True(t, loaded.Server.EnableWhitelist)
	assert.Equal(t, "sql", loaded.Drivers.Cache.Type)
}
