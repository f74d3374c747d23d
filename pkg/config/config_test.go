package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

const minimalConfig = `
[storage]
data_dir = "/var/lib/cc-server"

[defaults.data_container_description]
image = "example/data-container"
entry_point = "/usr/bin/cc-data-worker"
container_ram = 512
`

func TestLoadMinimalConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/cc-server", cfg.Storage.DataDir)
	assert.Equal(t, "example/data-container", cfg.Defaults.DataContainerDescription.Image)

	// Unset sections fall back to defaults.
	assert.Equal(t, int64(6), cfg.Docker.ThreadLimit)
	assert.Equal(t, 30*time.Second, cfg.Docker.APITimeout())
	assert.Equal(t, "spread", cfg.Defaults.Scheduling.Strategy)
	assert.Equal(t, 3, cfg.Defaults.ErrorHandling.MaxTaskTrials)
	assert.Equal(t, 3, cfg.Defaults.Authorization.NumLoginAttempts)
	assert.Equal(t, 120, cfg.Defaults.Authorization.BlockForSeconds)
	assert.Equal(t, 86400, cfg.Defaults.Authorization.TokensValidForSeconds)
	assert.Equal(t, 64, cfg.ServerLog.MaxFileSizeMB)
	assert.Equal(t, ":8083", cfg.Storage.BindAddr())
	assert.Equal(t, "127.0.0.1:8083", cfg.Storage.ExternalAddr)

	// The inspection container falls back to the data container image.
	assert.Equal(t, "example/data-container", cfg.Defaults.InspectionContainerDescription.Image)
	assert.Equal(t, "/usr/bin/cc-data-worker", cfg.Defaults.InspectionContainerDescription.EntryPoint)
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
[server_web]
bind_host = "0.0.0.0"
bind_port = 8080
external_url = "https://cc.example.com"

[server_master]
bind_host = "127.0.0.1"
bind_port = 8081
scheduling_interval_seconds = 60

[storage]
data_dir = "/var/lib/cc-server"
bind_port = 9000

[docker]
thread_limit = 12
net = "cc-overlay"

[docker.nodes.node-a]
base_url = "tcp://10.0.0.1:2376"

[docker.nodes.node-a.tls]
ca_cert = "/etc/cc/ca.pem"
client_cert = "/etc/cc/cert.pem"
client_key = "/etc/cc/key.pem"

[defaults.data_container_description]
image = "example/data-container"
container_ram = 512

[defaults.scheduling]
strategy = "binpack"
`))
	require.NoError(t, err)

	assert.Equal(t, "https://cc.example.com", cfg.ServerWeb.ExternalURL)
	assert.Equal(t, 60, cfg.ServerMaster.SchedulingIntervalSeconds)
	assert.Equal(t, "127.0.0.1:9000", cfg.Storage.ExternalAddr)
	assert.Equal(t, int64(12), cfg.Docker.ThreadLimit)
	assert.Equal(t, "binpack", cfg.Defaults.Scheduling.Strategy)

	node := cfg.Docker.Nodes["node-a"]
	require.NotNil(t, node)
	assert.Equal(t, "tcp://10.0.0.1:2376", node.BaseURL)
	require.NotNil(t, node.TLS)
	assert.Equal(t, "/etc/cc/ca.pem", node.TLS.CACert)
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing data dir", `
[defaults.data_container_description]
image = "example/data-container"
container_ram = 512
`},
		{"missing data container image", `
[storage]
data_dir = "/var/lib/cc-server"
`},
		{"missing data container ram", `
[storage]
data_dir = "/var/lib/cc-server"

[defaults.data_container_description]
image = "example/data-container"
`},
		{"node without base url", `
[storage]
data_dir = "/var/lib/cc-server"

[docker.nodes.node-a]

[defaults.data_container_description]
image = "example/data-container"
container_ram = 512
`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tc.content))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
