package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cuemby/berth/pkg/types"
	"github.com/spf13/viper"
)

// Config is the control plane configuration
type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	Log        LogConfig        `mapstructure:"log"`
	Store      StoreConfig      `mapstructure:"store"`
	Engines    EnginesConfig    `mapstructure:"engines"`
	Network    NetworkConfig    `mapstructure:"network"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Lifecycle  LifecycleConfig  `mapstructure:"lifecycle"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	API        APIConfig        `mapstructure:"api"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

type StoreConfig struct {
	Driver string `mapstructure:"driver"` // "bolt" or "sqlite"
}

type EnginesConfig struct {
	Enabled     []string      `mapstructure:"enabled"`
	Default     string        `mapstructure:"default"`
	CallTimeout time.Duration `mapstructure:"call_timeout"`
	Docker      HostConfig    `mapstructure:"docker"`
	Podman      HostConfig    `mapstructure:"podman"`
	LXC         LXCConfig     `mapstructure:"lxc"`
}

type HostConfig struct {
	Host string `mapstructure:"host"`
}

type LXCConfig struct {
	Binary string `mapstructure:"binary"`
	Remote string `mapstructure:"remote"` // Optional "remote:" prefix for lxc commands
}

type NetworkConfig struct {
	SubnetBase string `mapstructure:"subnet_base"`
	PrefixLen  int    `mapstructure:"prefix_len"`
}

// QuotaConfig holds the limits given to owners with no provisioned profile
type QuotaConfig struct {
	MaxContainers int     `mapstructure:"max_containers"`
	MaxPorts      int     `mapstructure:"max_ports"`
	MaxStorageGB  int64   `mapstructure:"max_storage_gb"`
	MaxCPU        float64 `mapstructure:"max_cpu"`
	MaxMemoryMB   int64   `mapstructure:"max_memory_mb"`
}

// Limits converts the defaults to a quota vector
func (q QuotaConfig) Limits() types.QuotaVector {
	return types.QuotaVector{
		Containers: q.MaxContainers,
		Ports:      q.MaxPorts,
		StorageGB:  q.MaxStorageGB,
		CPU:        q.MaxCPU,
		MemoryMB:   q.MaxMemoryMB,
	}
}

type LifecycleConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
}

type ReconcilerConfig struct {
	Interval       time.Duration `mapstructure:"interval"`
	AdoptUnmanaged bool          `mapstructure:"adopt_unmanaged"`
	UnmanagedOwner string        `mapstructure:"unmanaged_owner"`
	AdoptGrace     time.Duration `mapstructure:"adopt_grace"`
}

type APIConfig struct {
	Address       string `mapstructure:"address"`
	HealthAddress string `mapstructure:"health_address"`
}

// Environment variables recognized without the BERTH_ prefix
var envAliases = map[string]string{
	"engines.docker.host":  "DOCKER_HOST",
	"engines.podman.host":  "PODMAN_HOST",
	"network.subnet_base":  "NETWORK_SUBNET_BASE",
	"quota.max_containers": "DEFAULT_MAX_CONTAINERS",
	"quota.max_ports":      "DEFAULT_MAX_PORTS",
	"quota.max_storage_gb": "DEFAULT_MAX_STORAGE",
	"quota.max_cpu":        "DEFAULT_MAX_CPU",
	"quota.max_memory_mb":  "DEFAULT_MAX_MEMORY",
}

// DefaultDataDir returns the directory used when data_dir is unset
func DefaultDataDir() string {
	if os.Geteuid() == 0 {
		return "/var/lib/berth"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".berth"
	}
	return filepath.Join(home, ".berth")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("store.driver", "bolt")
	v.SetDefault("engines.enabled", []string{"docker", "podman", "lxc"})
	v.SetDefault("engines.default", "docker")
	v.SetDefault("engines.call_timeout", 30*time.Second)
	v.SetDefault("engines.docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("engines.podman.host", "unix:///run/podman/podman.sock")
	v.SetDefault("engines.lxc.binary", "lxc")
	v.SetDefault("engines.lxc.remote", "")
	v.SetDefault("network.subnet_base", "172.20.0.0/16")
	v.SetDefault("network.prefix_len", 24)
	v.SetDefault("quota.max_containers", 10)
	v.SetDefault("quota.max_ports", 20)
	v.SetDefault("quota.max_storage_gb", 10)
	v.SetDefault("quota.max_cpu", 2.0)
	v.SetDefault("quota.max_memory_mb", 4096)
	v.SetDefault("lifecycle.max_attempts", 3)
	v.SetDefault("lifecycle.backoff", 500*time.Millisecond)
	v.SetDefault("lifecycle.stop_timeout", 10*time.Second)
	v.SetDefault("reconciler.interval", 10*time.Second)
	v.SetDefault("reconciler.adopt_unmanaged", true)
	v.SetDefault("reconciler.unmanaged_owner", "unmanaged")
	v.SetDefault("reconciler.adopt_grace", 30*time.Second)
	v.SetDefault("api.address", "127.0.0.1:7420")
	v.SetDefault("api.health_address", "127.0.0.1:7421")
}

// Default returns the configuration with no file and no environment applied
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return &cfg
}

// Load reads configuration from defaults, an optional YAML file and the environment.
// Environment variables win over the file.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("BERTH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envAliases {
		if err := v.BindEnv(key, "BERTH_"+strings.ToUpper(strings.ReplaceAll(key, ".", "_")), env); err != nil {
			return nil, fmt.Errorf("bind %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would only fail later at runtime
func (c *Config) Validate() error {
	var errs []error

	prefix, err := netip.ParsePrefix(c.Network.SubnetBase)
	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("network.subnet_base: %w", err))
	case !prefix.Addr().Is4():
		errs = append(errs, fmt.Errorf("network.subnet_base: %s is not IPv4", c.Network.SubnetBase))
	case c.Network.PrefixLen < prefix.Bits() || c.Network.PrefixLen > 30:
		errs = append(errs, fmt.Errorf("network.prefix_len: /%d does not fit in %s", c.Network.PrefixLen, prefix))
	}

	q := c.Quota
	if q.MaxContainers < 0 || q.MaxPorts < 0 || q.MaxStorageGB < 0 || q.MaxCPU < 0 || q.MaxMemoryMB < 0 {
		errs = append(errs, errors.New("quota: default limits must not be negative"))
	}

	if len(c.Engines.Enabled) == 0 {
		errs = append(errs, errors.New("engines.enabled: at least one engine is required"))
	}
	for _, name := range c.Engines.Enabled {
		if _, err := types.ParseEngine(name); err != nil {
			errs = append(errs, fmt.Errorf("engines.enabled: %w", err))
		}
	}
	if _, err := types.ParseEngine(c.Engines.Default); err != nil {
		errs = append(errs, fmt.Errorf("engines.default: %w", err))
	}
	if c.Engines.CallTimeout <= 0 {
		errs = append(errs, errors.New("engines.call_timeout must be positive"))
	}

	switch c.Store.Driver {
	case "bolt", "boltdb", "sqlite":
	default:
		errs = append(errs, fmt.Errorf("store.driver: unknown driver %q", c.Store.Driver))
	}

	if c.Lifecycle.MaxAttempts < 1 {
		errs = append(errs, errors.New("lifecycle.max_attempts must be at least 1"))
	}
	if c.Reconciler.Interval <= 0 {
		errs = append(errs, errors.New("reconciler.interval must be positive"))
	}
	if c.Reconciler.UnmanagedOwner == "" {
		errs = append(errs, errors.New("reconciler.unmanaged_owner must not be empty"))
	}

	return errors.Join(errs...)
}

// EnabledEngines returns the parsed engine list, skipping duplicates
func (c *Config) EnabledEngines() []types.Engine {
	seen := make(map[types.Engine]bool)
	var out []types.Engine
	for _, name := range c.Engines.Enabled {
		e, err := types.ParseEngine(name)
		if err != nil || seen[e] {
			continue
		}
		seen[e] = true
		out = append(out, e)
	}
	return out
}
