package config

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/curious-containers/cc-server/pkg/types"
)

// Config is the parsed content of config.toml. One file configures all four
// processes; each process reads the sections it needs.
type Config struct {
	ServerWeb    ServerWeb    `toml:"server_web"`
	ServerMaster ServerMaster `toml:"server_master"`
	ServerLog    ServerLog    `toml:"server_log"`
	ServerFiles  ServerFiles  `toml:"server_files"`
	Storage      Storage      `toml:"storage"`
	Docker       Docker       `toml:"docker"`
	Defaults     Defaults     `toml:"defaults"`
}

// ServerWeb configures the user-facing HTTP API process.
type ServerWeb struct {
	BindHost    string `toml:"bind_host"`
	BindPort    int    `toml:"bind_port"`
	ExternalURL string `toml:"external_url"`
}

// ServerMaster configures the scheduling process and its inbox socket.
type ServerMaster struct {
	BindHost                      string `toml:"bind_host"`
	BindPort                      int    `toml:"bind_port"`
	ExternalURL                   string `toml:"external_url"`
	SchedulingIntervalSeconds     int    `toml:"scheduling_interval_seconds"`
	NodeInspectionIntervalSeconds int    `toml:"node_inspection_interval_seconds"`
	MetricsAddr                   string `toml:"metrics_addr"`
}

// ServerLog configures the log process.
type ServerLog struct {
	BindHost       string `toml:"bind_host"`
	BindPort       int    `toml:"bind_port"`
	ExternalURL    string `toml:"external_url"`
	LogDir         string `toml:"log_dir"`
	SuppressStdout bool   `toml:"suppress_stdout"`
	MaxFileSizeMB  int    `toml:"max_file_size_mb"`
}

// ServerFiles configures the static input/result file server process.
type ServerFiles struct {
	BindHost       string `toml:"bind_host"`
	BindPort       int    `toml:"bind_port"`
	ExternalURL    string `toml:"external_url"`
	InputFilesDir  string `toml:"input_files_dir"`
	ResultFilesDir string `toml:"result_files_dir"`
}

// Storage locates the document store. The master process opens the database
// under data_dir and serves the store protocol on bind_host:bind_port; the
// other processes connect to external_addr.
type Storage struct {
	DataDir      string `toml:"data_dir"`
	BindHost     string `toml:"bind_host"`
	BindPort     int    `toml:"bind_port"`
	ExternalAddr string `toml:"external_addr"`
}

// BindAddr returns the listen address of the store socket.
func (s Storage) BindAddr() string {
	return fmt.Sprintf("%s:%d", s.BindHost, s.BindPort)
}

// Docker configures engine access: a global thread limit and timeout plus the
// two node sources (docker-machine directory and explicit node map).
type Docker struct {
	ThreadLimit       int64                        `toml:"thread_limit"`
	APITimeoutSeconds int                          `toml:"api_timeout_seconds"`
	Net               string                       `toml:"net"`
	MachineDir        string                       `toml:"machine_dir"`
	Nodes             map[string]*types.NodeConfig `toml:"nodes"`
}

// APITimeout returns the engine client timeout.
func (d Docker) APITimeout() time.Duration {
	return time.Duration(d.APITimeoutSeconds) * time.Second
}

// ContainerDescription describes a server-provided container image.
type ContainerDescription struct {
	Image        string              `toml:"image"`
	EntryPoint   string              `toml:"entry_point"`
	ContainerRAM int64               `toml:"container_ram"`
	NumWorkers   int                 `toml:"num_workers"`
	RegistryAuth *types.RegistryAuth `toml:"registry_auth"`
}

// Scheduling selects the pluggable strategies.
type Scheduling struct {
	Strategy string `toml:"strategy"` // binpack or spread
}

// ErrorHandling configures retries and node invalidation.
type ErrorHandling struct {
	MaxTaskTrials        int               `toml:"max_task_trials"`
	DeadNodeInvalidation bool              `toml:"dead_node_invalidation"`
	DeadNodeNotification []types.Connector `toml:"dead_node_notification"`
}

// Authorization configures token and login-blocking behavior.
type Authorization struct {
	NumLoginAttempts      int `toml:"num_login_attempts"`
	BlockForSeconds       int `toml:"block_for_seconds"`
	TokensValidForSeconds int `toml:"tokens_valid_for_seconds"`
}

// Defaults collects server-side container descriptions and policies.
type Defaults struct {
	ApplicationContainerDescription ContainerDescription `toml:"application_container_description"`
	DataContainerDescription        ContainerDescription `toml:"data_container_description"`
	InspectionContainerDescription  ContainerDescription `toml:"inspection_container_description"`
	Scheduling                      Scheduling           `toml:"scheduling"`
	ErrorHandling                   ErrorHandling        `toml:"error_handling"`
	Authorization                   Authorization        `toml:"authorization"`
}

// Load reads, parses and validates the TOML file at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := toml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Docker.ThreadLimit == 0 {
		c.Docker.ThreadLimit = 6
	}
	if c.Docker.APITimeoutSeconds == 0 {
		c.Docker.APITimeoutSeconds = 30
	}
	if c.Defaults.Scheduling.Strategy == "" {
		c.Defaults.Scheduling.Strategy = "spread"
	}
	if c.Defaults.ErrorHandling.MaxTaskTrials == 0 {
		c.Defaults.ErrorHandling.MaxTaskTrials = 3
	}
	if c.Defaults.Authorization.NumLoginAttempts == 0 {
		c.Defaults.Authorization.NumLoginAttempts = 3
	}
	if c.Defaults.Authorization.BlockForSeconds == 0 {
		c.Defaults.Authorization.BlockForSeconds = 120
	}
	if c.Defaults.Authorization.TokensValidForSeconds == 0 {
		c.Defaults.Authorization.TokensValidForSeconds = 86400
	}
	if c.ServerLog.MaxFileSizeMB == 0 {
		c.ServerLog.MaxFileSizeMB = 64
	}
	if c.Storage.BindPort == 0 {
		c.Storage.BindPort = 8083
	}
	if c.Storage.ExternalAddr == "" {
		c.Storage.ExternalAddr = fmt.Sprintf("127.0.0.1:%d", c.Storage.BindPort)
	}
	// The inspection container defaults to the data container image.
	if c.Defaults.InspectionContainerDescription.Image == "" {
		c.Defaults.InspectionContainerDescription.Image = c.Defaults.DataContainerDescription.Image
		if c.Defaults.InspectionContainerDescription.EntryPoint == "" {
			c.Defaults.InspectionContainerDescription.EntryPoint = c.Defaults.DataContainerDescription.EntryPoint
		}
	}
}

func (c *Config) validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Defaults.DataContainerDescription.Image == "" {
		return fmt.Errorf("defaults.data_container_description.image is required")
	}
	if c.Defaults.DataContainerDescription.ContainerRAM <= 0 {
		return fmt.Errorf("defaults.data_container_description.container_ram must be positive")
	}
	if c.Docker.ThreadLimit < 1 {
		return fmt.Errorf("docker.thread_limit must be positive")
	}
	for name, nc := range c.Docker.Nodes {
		if nc == nil || nc.BaseURL == "" {
			return fmt.Errorf("docker.nodes.%s.base_url is required", name)
		}
	}
	return nil
}
