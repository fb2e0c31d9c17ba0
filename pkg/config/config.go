package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dCache/dcache-sub032/pkg/checkpoint"
	"github.com/dCache/dcache-sub032/pkg/fileops"
	"github.com/dCache/dcache-sub032/pkg/namespace"
	"github.com/dCache/dcache-sub032/pkg/poolops"
	"github.com/dCache/dcache-sub032/pkg/utils"
)

type Config struct {
	Admin      AdminConfig      `json:"admin"`
	Metrics    MetricsConfig    `json:"metrics"`
	Topology   TopologyConfig   `json:"topology"`
	Namespace  NamespaceConfig  `json:"namespace"`
	Checkpoint CheckpointConfig `json:"checkpoint"`
	Files      FilesConfig      `json:"files"`
	Pools      PoolsConfig      `json:"pools"`
	Mover      MoverConfig      `json:"mover"`
}

type AdminConfig struct {
	Address string `json:"address"`
}

// MetricsConfig configures the /metrics and /health listener. An empty
// address disables it.
type MetricsConfig struct {
	Address string `json:"address"`
}

type TopologyConfig struct {
	Path            string   `json:"path"`
	RefreshInterval Duration `json:"refresh_interval"`
	Watch           bool     `json:"watch"`
	WatchDebounce   Duration `json:"watch_debounce"`
}

type NamespaceConfig struct {
	DataDir          string `json:"data_dir"`
	InMemory         bool   `json:"in_memory"`
	ValueLogFileSize Size   `json:"value_log_file_size"`
}

// CheckpointConfig configures the operation checkpoint. An empty path
// disables checkpointing.
type CheckpointConfig struct {
	Path     string   `json:"path"`
	Interval Duration `json:"interval"`
}

type FilesConfig struct {
	MaxRunning    int      `json:"max_running"`
	MaxRetries    int      `json:"max_retries"`
	MaxAllocation float64  `json:"max_allocation"`
	Timeout       Duration `json:"timeout"`
	Workers       int      `json:"workers"`
	QueueSize     int      `json:"queue_size"`
}

type PoolsConfig struct {
	MaxRunning         int      `json:"max_running"`
	DownGracePeriod    Duration `json:"down_grace_period"`
	RestartGracePeriod Duration `json:"restart_grace_period"`
	RescanWindow       Duration `json:"rescan_window"`
	WatchdogPeriod     Duration `json:"watchdog_period"`
	Timeout            Duration `json:"timeout"`
}

// MoverConfig tunes the built-in mover, which records replica changes in
// the namespace.
type MoverConfig struct {
	Delay Duration `json:"delay"`
}

// Duration reads either a Go duration string ("90s", "6h") or a number of
// seconds.
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		d.Duration = time.Duration(v * float64(time.Second))
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid duration format: %w", err)
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("duration must be a number or string, got %T", v)
	}
	return nil
}

// Size reads either a byte count or a human-friendly size ("64MiB").
type Size int64

func (s Size) MarshalJSON() ([]byte, error) {
	return json.Marshal(utils.FormatDataSize(int64(s)))
}

func (s *Size) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case float64:
		*s = Size(v)
	case string:
		n, err := utils.ParseDataSize(v)
		if err != nil {
			return fmt.Errorf("invalid size format: %w", err)
		}
		*s = Size(n)
	default:
		return fmt.Errorf("size must be a number or string, got %T", v)
	}
	return nil
}

func Default() *Config {
	files := fileops.DefaultConfig()
	pools := poolops.DefaultConfig()
	return &Config{
		Admin:   AdminConfig{Address: "localhost:9090"},
		Metrics: MetricsConfig{Address: ":9091"},
		Topology: TopologyConfig{
			Path:            "./topology.yaml",
			RefreshInterval: Duration{time.Minute},
			Watch:           true,
			WatchDebounce:   Duration{time.Second},
		},
		Namespace: NamespaceConfig{
			DataDir:          "./data/namespace",
			ValueLogFileSize: Size(64 * utils.MiB),
		},
		Checkpoint: CheckpointConfig{
			Path:     "./data/checkpoint",
			Interval: Duration{time.Minute},
		},
		Files: FilesConfig{
			MaxRunning:    files.MaxRunning,
			MaxRetries:    files.MaxRetries,
			MaxAllocation: files.MaxAllocation,
			Timeout:       Duration{files.Timeout},
			Workers:       files.MaxRunning,
			QueueSize:     1000,
		},
		Pools: PoolsConfig{
			MaxRunning:         pools.MaxRunning,
			DownGracePeriod:    Duration{pools.DownGracePeriod},
			RestartGracePeriod: Duration{pools.RestartGracePeriod},
			RescanWindow:       Duration{pools.RescanWindow},
			WatchdogPeriod:     Duration{pools.WatchdogPeriod},
			Timeout:            Duration{pools.Timeout},
		},
	}
}

// LoadConfig reads a JSON config file over the defaults, then applies
// environment overrides.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv builds a config from the defaults and the environment only.
func LoadFromEnv() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	c.Admin.Address = getEnv("RESILIENCE_ADMIN_ADDRESS", c.Admin.Address)
	c.Metrics.Address = getEnv("RESILIENCE_METRICS_ADDRESS", c.Metrics.Address)
	c.Topology.Path = getEnv("RESILIENCE_TOPOLOGY_PATH", c.Topology.Path)
	c.Namespace.DataDir = getEnv("RESILIENCE_NAMESPACE_DIR", c.Namespace.DataDir)
	c.Checkpoint.Path = getEnv("RESILIENCE_CHECKPOINT_PATH", c.Checkpoint.Path)

	if v := os.Getenv("RESILIENCE_NAMESPACE_IN_MEMORY"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("invalid RESILIENCE_NAMESPACE_IN_MEMORY: %w", err)
		}
		c.Namespace.InMemory = b
	}
	if v := os.Getenv("RESILIENCE_FILES_MAX_RUNNING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RESILIENCE_FILES_MAX_RUNNING: %w", err)
		}
		c.Files.MaxRunning = n
	}
	if v := os.Getenv("RESILIENCE_POOLS_MAX_RUNNING"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid RESILIENCE_POOLS_MAX_RUNNING: %w", err)
		}
		c.Pools.MaxRunning = n
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.Admin.Address == "" {
		errs = append(errs, errors.New("admin.address is required"))
	}
	if c.Topology.Path == "" {
		errs = append(errs, errors.New("topology.path is required"))
	}
	if c.Topology.RefreshInterval.Duration < 0 {
		errs = append(errs, errors.New("topology.refresh_interval must not be negative"))
	}
	if !c.Namespace.InMemory && c.Namespace.DataDir == "" {
		errs = append(errs, errors.New("namespace.data_dir is required unless in_memory is set"))
	}
	if c.Checkpoint.Path != "" && c.Checkpoint.Interval.Duration <= 0 {
		errs = append(errs, errors.New("checkpoint.interval must be positive"))
	}
	if c.Files.MaxRunning <= 0 {
		errs = append(errs, errors.New("files.max_running must be positive"))
	}
	if c.Files.MaxRetries < 0 {
		errs = append(errs, errors.New("files.max_retries must not be negative"))
	}
	if c.Files.MaxAllocation < 0 || c.Files.MaxAllocation > 1 {
		errs = append(errs, fmt.Errorf("files.max_allocation must be within [0, 1], got %v", c.Files.MaxAllocation))
	}
	if c.Files.Workers <= 0 {
		errs = append(errs, errors.New("files.workers must be positive"))
	}
	if c.Pools.MaxRunning <= 0 {
		errs = append(errs, errors.New("pools.max_running must be positive"))
	}
	if c.Pools.DownGracePeriod.Duration < 0 || c.Pools.RestartGracePeriod.Duration < 0 {
		errs = append(errs, errors.New("pool grace periods must not be negative"))
	}
	if c.Pools.RescanWindow.Duration < 0 {
		errs = append(errs, errors.New("pools.rescan_window must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) FileOps() fileops.Config {
	return fileops.Config{
		MaxRunning:    c.Files.MaxRunning,
		MaxRetries:    c.Files.MaxRetries,
		MaxAllocation: c.Files.MaxAllocation,
		Timeout:       c.Files.Timeout.Duration,
	}
}

func (c *Config) PoolOps() poolops.Config {
	return poolops.Config{
		MaxRunning:         c.Pools.MaxRunning,
		DownGracePeriod:    c.Pools.DownGracePeriod.Duration,
		RestartGracePeriod: c.Pools.RestartGracePeriod.Duration,
		RescanWindow:       c.Pools.RescanWindow.Duration,
		WatchdogPeriod:     c.Pools.WatchdogPeriod.Duration,
		Timeout:            c.Pools.Timeout.Duration,
	}
}

func (c *Config) Store() namespace.StoreConfig {
	return namespace.StoreConfig{
		Dir:              c.Namespace.DataDir,
		InMemory:         c.Namespace.InMemory,
		ValueLogFileSize: int64(c.Namespace.ValueLogFileSize),
	}
}

func (c *Config) Checkpointing() checkpoint.Config {
	return checkpoint.Config{
		Path:     c.Checkpoint.Path,
		Interval: c.Checkpoint.Interval.Duration,
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
