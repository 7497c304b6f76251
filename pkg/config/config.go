// Package config loads the YAML-driven configuration for a driver shell
// instance, grounded on the teacher's pkg/config/config.go: a Load(path)
// entry point that unmarshals YAML, fills in defaults, and validates the
// result before handing back a usable *Config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration for a shadowmesh-core driver
// instance, whether run as a client or a server.
type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Driver      DriverConfig      `yaml:"driver"`
	Pool        PoolConfig        `yaml:"pool"`
	ReplayCache ReplayCacheConfig `yaml:"replay_cache"`
	StatusAPI   StatusAPIConfig   `yaml:"status_api"`
	Tunnel      TunnelConfig      `yaml:"tunnel"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// TransportConfig holds the wire-identity and socket-family knobs from
// spec §6. app_id/app_version are loaded, defaulted and validated here, but
// nothing else reads them: the codec stamps its fixed codec.AppID and
// codec.AppVersion on every packet, and no receive path compares a
// datagram's app id or version against any value.
type TransportConfig struct {
	AppID      uint16 `yaml:"app_id"`
	AppVersion uint16 `yaml:"app_version"`
	// Protocol is "udp", "udp4", or "udp6" (dual-stack via "udp" with an
	// unspecified bind address).
	Protocol string `yaml:"protocol"`
	// BindAddress is where a server listens; ignored by a client.
	BindAddress string `yaml:"bind_address"`
	// ServerAddress is the endpoint a client connects to; ignored by a
	// server.
	ServerAddress string `yaml:"server_address"`
}

// DriverConfig holds the driver-shell knobs enumerated in spec §6:
// dispatcher_size, num_worker_threads, the heartbeat period, and the
// liveness timeout.
type DriverConfig struct {
	DispatcherSize   int           `yaml:"dispatcher_size"`
	NumWorkerThreads int           `yaml:"num_worker_threads"`
	HeartbeatPeriod  time.Duration `yaml:"heartbeat_period"`
	LivenessTimeout  time.Duration `yaml:"liveness_timeout"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
	MaxConnections   int           `yaml:"max_connections"`
}

// PoolConfig holds the packet-object pool sizing knobs from spec §6:
// pool_object_count, pool_max_heaps, pool_detect_double_free.
type PoolConfig struct {
	ObjectCount int  `yaml:"pool_object_count"`
	MaxHeaps    int  `yaml:"pool_max_heaps"`
	DoubleFree  bool `yaml:"pool_detect_double_free"`
}

// ReplayCacheConfig selects the server's cluster-coordination backend (see
// pkg/server's ReplayCache): "memory" (the default, single-instance) or
// "redis" (shared across server instances).
type ReplayCacheConfig struct {
	Backend string      `yaml:"backend"`
	Redis   RedisConfig `yaml:"redis"`
}

// RedisConfig is the connection info for a shared ReplayCache backend.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// StatusAPIConfig enables the optional read-only WebSocket status surface
// (pkg/statusapi), layered above the wire protocol for observability.
type StatusAPIConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddress string        `yaml:"listen_address"`
	PushInterval  time.Duration `yaml:"push_interval"`
}

// TunnelConfig enables the optional TUN-backed MESSAGE payload source/sink
// (pkg/tunnel).
type TunnelConfig struct {
	Enabled    bool   `yaml:"enabled"`
	DeviceName string `yaml:"device_name"`
	MTU        int    `yaml:"mtu"`
}

// LoggingConfig controls the structured logger (pkg/logging).
type LoggingConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	OutputFile string `yaml:"output_file"` // empty = stdout
}

// Load reads, parses, defaults, and validates a Config from path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Default returns a Config with every field at its default value, suitable
// as a starting point for Write or for in-process use without a file.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Transport.AppID == 0 {
		c.Transport.AppID = 0x0001
	}
	if c.Transport.AppVersion == 0 {
		c.Transport.AppVersion = 0x0001
	}
	if c.Transport.Protocol == "" {
		c.Transport.Protocol = "udp"
	}
	if c.Transport.BindAddress == "" {
		c.Transport.BindAddress = ":27015"
	}

	if c.Driver.DispatcherSize == 0 {
		c.Driver.DispatcherSize = 20
	}
	if c.Driver.NumWorkerThreads == 0 {
		c.Driver.NumWorkerThreads = 2
	}
	if c.Driver.HeartbeatPeriod == 0 {
		c.Driver.HeartbeatPeriod = 100 * time.Millisecond
	}
	if c.Driver.LivenessTimeout == 0 {
		c.Driver.LivenessTimeout = 500 * time.Millisecond
	}
	if c.Driver.ConnectTimeout == 0 {
		c.Driver.ConnectTimeout = 2 * time.Second
	}
	if c.Driver.SweepInterval == 0 {
		c.Driver.SweepInterval = c.Driver.LivenessTimeout
	}

	if c.Pool.ObjectCount == 0 {
		c.Pool.ObjectCount = 64
	}
	if c.Pool.MaxHeaps == 0 {
		c.Pool.MaxHeaps = 3
	}

	if c.ReplayCache.Backend == "" {
		c.ReplayCache.Backend = "memory"
	}
	if c.ReplayCache.Redis.KeyPrefix == "" {
		c.ReplayCache.Redis.KeyPrefix = "shadowmesh:replay:"
	}

	if c.StatusAPI.ListenAddress == "" {
		c.StatusAPI.ListenAddress = ":8090"
	}
	if c.StatusAPI.PushInterval == 0 {
		c.StatusAPI.PushInterval = 5 * time.Second
	}

	if c.Tunnel.MTU == 0 {
		c.Tunnel.MTU = 2048
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c *Config) validate() error {
	if c.Transport.Protocol != "udp" && c.Transport.Protocol != "udp4" && c.Transport.Protocol != "udp6" {
		return fmt.Errorf("transport.protocol must be udp, udp4, or udp6, got %q", c.Transport.Protocol)
	}
	if c.Driver.DispatcherSize <= 0 {
		return fmt.Errorf("driver.dispatcher_size must be positive")
	}
	if c.Driver.NumWorkerThreads <= 0 {
		return fmt.Errorf("driver.num_worker_threads must be positive")
	}
	if c.Driver.HeartbeatPeriod <= 0 {
		return fmt.Errorf("driver.heartbeat_period must be positive")
	}
	if c.Driver.LivenessTimeout <= 0 {
		return fmt.Errorf("driver.liveness_timeout must be positive")
	}
	if c.Pool.ObjectCount <= 0 {
		return fmt.Errorf("pool.pool_object_count must be positive")
	}
	if c.Pool.MaxHeaps <= 0 {
		return fmt.Errorf("pool.pool_max_heaps must be positive")
	}
	switch c.ReplayCache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("replay_cache.backend must be memory or redis, got %q", c.ReplayCache.Backend)
	}
	if c.ReplayCache.Backend == "redis" && c.ReplayCache.Redis.Addr == "" {
		return fmt.Errorf("replay_cache.redis.addr is required when backend is redis")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of debug/info/warn/error, got %q", c.Logging.Level)
	}
	return nil
}

// Write serializes cfg as YAML to path, e.g. to seed a new deployment's
// config file from Default().
func Write(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
