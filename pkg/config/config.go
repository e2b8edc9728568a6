package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultListenAddr        = "127.0.0.1:4480"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "json"
	DefaultMaxConcurrent     = 8
	DefaultCancelGrace       = 10 * time.Second
	DefaultWorkspaceTimeout  = 10 * time.Minute
	DefaultBridgeMaxRetries  = 5
	DefaultBackoffInitial    = 250 * time.Millisecond
	DefaultBackoffMax        = 10 * time.Second
	DefaultHubBufferSize     = 256
	DefaultCreateRate        = 5.0
	DefaultCreateBurst       = 10
	DefaultMaxStreams        = 512
	DefaultMinFreeBytes      = int64(512 << 20)
	DefaultPackageInstallCmd = "apk add --no-cache {{package}}"
	DefaultBusSubjectPrefix  = "missions"
)

// Config is the complete missionctl configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Log        LogConfig        `yaml:"log"`
	Missions   MissionsConfig   `yaml:"missions"`
	Workspaces WorkspacesConfig `yaml:"workspaces"`
	Bridge     BridgeConfig     `yaml:"bridge"`
	Hub        HubConfig        `yaml:"hub"`
	API        APIConfig        `yaml:"api"`
	Telemetry  TelemetryConfig  `yaml:"telemetry"`
	Bus        BusConfig        `yaml:"bus"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowRemote must be set to bind a non-loopback address.
	AllowRemote bool `yaml:"allow_remote"`
}

// StorageConfig locates the SQLite database.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Dir additionally writes logs to daily files in this directory.
	Dir string `yaml:"dir"`
}

// MissionsConfig tunes the mission orchestrator.
type MissionsConfig struct {
	MaxConcurrent    int           `yaml:"max_concurrent"`
	CancelGrace      time.Duration `yaml:"cancel_grace"`
	WaitForWorkspace bool          `yaml:"wait_for_workspace"`
	WorkspaceTimeout time.Duration `yaml:"workspace_timeout"`
}

// WorkspacesConfig controls workspace provisioning.
type WorkspacesConfig struct {
	Root         string          `yaml:"root"`
	MinFreeBytes int64           `yaml:"min_free_bytes"`
	Container    ContainerConfig `yaml:"container"`
}

// ContainerConfig holds defaults for container workspaces.
type ContainerConfig struct {
	// Enabled registers the container provisioner. Without it only host
	// workspaces can be created.
	Enabled           bool   `yaml:"enabled"`
	BwrapPath         string `yaml:"bwrap_path"`
	BaseImage         string `yaml:"base_image"`
	BaseImageDigest   string `yaml:"base_image_digest"`
	PackageInstallCmd string `yaml:"package_install_cmd"`
	ShareNetwork      bool   `yaml:"share_network"`
}

// BridgeConfig points at the delegate runtime.
type BridgeConfig struct {
	BaseURL        string        `yaml:"base_url"`
	Token          string        `yaml:"token"`
	MaxRetries     int           `yaml:"max_retries"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// HubConfig tunes live fan-out.
type HubConfig struct {
	BufferSize int `yaml:"buffer_size"`
}

// APIConfig controls the public HTTP surface.
type APIConfig struct {
	AuthToken   string  `yaml:"auth_token"`
	CreateRate  float64 `yaml:"create_rate"`
	CreateBurst int     `yaml:"create_burst"`
	MaxBodySize int64   `yaml:"max_body_size"`
	// MaxStreams caps concurrent live streams; 0 disables the cap.
	MaxStreams int `yaml:"max_streams"`
}

// TelemetryConfig toggles metrics and tracing.
type TelemetryConfig struct {
	Metrics        bool   `yaml:"metrics"`
	Tracing        bool   `yaml:"tracing"`
	ServiceName    string `yaml:"service_name"`
	TraceStdout    bool   `yaml:"trace_stdout"`
	TracePrettyOut bool   `yaml:"trace_pretty"`
}

// BusConfig configures the optional NATS mirror of mission events.
type BusConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return filepath.Join(".", ".missionctl")
	}
	return filepath.Join(home, ".missionctl")
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Server: ServerConfig{
			Listen:          DefaultListenAddr,
			ShutdownTimeout: 5 * time.Second,
		},
		Storage: StorageConfig{
			Path: filepath.Join(dataDir, "missionctl.db"),
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Missions: MissionsConfig{
			MaxConcurrent:    DefaultMaxConcurrent,
			CancelGrace:      DefaultCancelGrace,
			WaitForWorkspace: false,
			WorkspaceTimeout: DefaultWorkspaceTimeout,
		},
		Workspaces: WorkspacesConfig{
			Root:         filepath.Join(dataDir, "workspaces"),
			MinFreeBytes: DefaultMinFreeBytes,
			Container: ContainerConfig{
				BwrapPath:         "bwrap",
				PackageInstallCmd: DefaultPackageInstallCmd,
				ShareNetwork:      true,
			},
		},
		Bridge: BridgeConfig{
			BaseURL:        "http://127.0.0.1:4490",
			MaxRetries:     DefaultBridgeMaxRetries,
			BackoffInitial: DefaultBackoffInitial,
			BackoffMax:     DefaultBackoffMax,
			RequestTimeout: 30 * time.Second,
		},
		Hub: HubConfig{
			BufferSize: DefaultHubBufferSize,
		},
		API: APIConfig{
			CreateRate:  DefaultCreateRate,
			CreateBurst: DefaultCreateBurst,
			MaxBodySize: 1 << 20,
			MaxStreams:  DefaultMaxStreams,
		},
		Telemetry: TelemetryConfig{
			Metrics:     true,
			ServiceName: "missionctl",
		},
		Bus: BusConfig{
			URL:           "nats://127.0.0.1:4222",
			SubjectPrefix: DefaultBusSubjectPrefix,
			ReconnectWait: 2 * time.Second,
		},
	}
}

// Load loads configuration from default locations with proper precedence
func Load() (*Config, error) {
	cfg := DefaultConfig()

	// Load user config (~/.missionctl/config.yaml)
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userConfigPath := filepath.Join(home, ".missionctl", "config.yaml")
		if err := loadAndMerge(cfg, userConfigPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	// Load project config (./.missionctl/config.yaml)
	projectConfigPath := filepath.Join(".", ".missionctl", "config.yaml")
	if err := loadAndMerge(cfg, projectConfigPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// applyEnvOverrides applies MISSIONCTL_* environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MISSIONCTL_LISTEN"); v != "" {
		cfg.Server.Listen = v
	}
	if val, ok := envBool("MISSIONCTL_ALLOW_REMOTE"); ok {
		cfg.Server.AllowRemote = val
	}
	if v := os.Getenv("MISSIONCTL_DB_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("MISSIONCTL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("MISSIONCTL_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("MISSIONCTL_LOG_DIR"); v != "" {
		cfg.Log.Dir = v
	}

	if n, ok := envInt("MISSIONCTL_MAX_CONCURRENT"); ok {
		cfg.Missions.MaxConcurrent = n
	}
	if d, ok := envDuration("MISSIONCTL_CANCEL_GRACE"); ok {
		cfg.Missions.CancelGrace = d
	}
	if val, ok := envBool("MISSIONCTL_WAIT_FOR_WORKSPACE"); ok {
		cfg.Missions.WaitForWorkspace = val
	}
	if d, ok := envDuration("MISSIONCTL_WORKSPACE_TIMEOUT"); ok {
		cfg.Missions.WorkspaceTimeout = d
	}

	if v := os.Getenv("MISSIONCTL_WORKSPACES_ROOT"); v != "" {
		cfg.Workspaces.Root = v
	}
	if val, ok := envBool("MISSIONCTL_CONTAINERS"); ok {
		cfg.Workspaces.Container.Enabled = val
	}
	if v := os.Getenv("MISSIONCTL_BWRAP_PATH"); v != "" {
		cfg.Workspaces.Container.BwrapPath = v
	}
	if v := os.Getenv("MISSIONCTL_BASE_IMAGE"); v != "" {
		cfg.Workspaces.Container.BaseImage = v
	}

	if v := os.Getenv("MISSIONCTL_BRIDGE_URL"); v != "" {
		cfg.Bridge.BaseURL = v
	}
	if v := os.Getenv("MISSIONCTL_BRIDGE_TOKEN"); v != "" {
		cfg.Bridge.Token = v
	}
	if n, ok := envInt("MISSIONCTL_BRIDGE_MAX_RETRIES"); ok {
		cfg.Bridge.MaxRetries = n
	}

	if n, ok := envInt("MISSIONCTL_HUB_BUFFER_SIZE"); ok {
		cfg.Hub.BufferSize = n
	}

	if v := os.Getenv("MISSIONCTL_AUTH_TOKEN"); v != "" {
		cfg.API.AuthToken = v
	}

	if val, ok := envBool("MISSIONCTL_TRACING"); ok {
		cfg.Telemetry.Tracing = val
	}
	if val, ok := envBool("MISSIONCTL_METRICS"); ok {
		cfg.Telemetry.Metrics = val
	}

	if val, ok := envBool("MISSIONCTL_BUS_ENABLED"); ok {
		cfg.Bus.Enabled = val
	}
	if v := os.Getenv("MISSIONCTL_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("MISSIONCTL_NATS_TOKEN"); v != "" {
		cfg.Bus.Token = v
	}
}

func envBool(key string) (bool, bool) {
	val := os.Getenv(key)
	if val == "" {
		return false, false
	}
	switch strings.ToLower(val) {
	case "1", "true", "yes", "on":
		return true, true
	case "0", "false", "no", "off":
		return false, true
	default:
		return false, false
	}
}

func envInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func envDuration(key string) (time.Duration, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}

// Validate checks configuration validity
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Listen) == "" {
		return fmt.Errorf("server.listen is required")
	}
	if !c.Server.AllowRemote && !isLoopbackBindAddress(c.Server.Listen) {
		return fmt.Errorf("server.listen %q is not a loopback address (set server.allow_remote to expose it)", c.Server.Listen)
	}
	if c.Server.AllowRemote && strings.TrimSpace(c.API.AuthToken) == "" {
		return fmt.Errorf("api.auth_token is required when server.allow_remote is set")
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Log.Format)
	}

	if c.Missions.MaxConcurrent <= 0 {
		return fmt.Errorf("missions.max_concurrent must be positive")
	}
	if c.Missions.CancelGrace <= 0 {
		return fmt.Errorf("missions.cancel_grace must be positive")
	}
	if c.Missions.WorkspaceTimeout <= 0 {
		return fmt.Errorf("missions.workspace_timeout must be positive")
	}

	if strings.TrimSpace(c.Workspaces.Root) == "" {
		return fmt.Errorf("workspaces.root is required")
	}
	if c.Workspaces.MinFreeBytes < 0 {
		return fmt.Errorf("workspaces.min_free_bytes cannot be negative")
	}
	if !strings.Contains(c.Workspaces.Container.PackageInstallCmd, "{{package}}") {
		return fmt.Errorf("workspaces.container.package_install_cmd must contain {{package}}")
	}

	if strings.TrimSpace(c.Bridge.BaseURL) == "" {
		return fmt.Errorf("bridge.base_url is required")
	}
	if c.Bridge.MaxRetries < 0 {
		return fmt.Errorf("bridge.max_retries cannot be negative")
	}
	if c.Bridge.BackoffInitial <= 0 || c.Bridge.BackoffMax < c.Bridge.BackoffInitial {
		return fmt.Errorf("bridge backoff must satisfy 0 < backoff_initial <= backoff_max")
	}

	if c.Hub.BufferSize <= 0 {
		return fmt.Errorf("hub.buffer_size must be positive")
	}

	if c.API.MaxStreams < 0 {
		return fmt.Errorf("api.max_streams cannot be negative")
	}
	if c.API.CreateRate <= 0 || c.API.CreateBurst <= 0 {
		return fmt.Errorf("api.create_rate and api.create_burst must be positive")
	}

	if c.Bus.Enabled && strings.TrimSpace(c.Bus.URL) == "" {
		return fmt.Errorf("bus.url is required when the bus is enabled")
	}

	return nil
}
