package config

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the process-wide configuration, assembled from cluster.yaml (if
// present) and then overridden by environment variables, env always
// winning.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Cluster ClusterConfig `yaml:"cluster"`
	Session SessionConfig `yaml:"session"`
	Redis   RedisConfig   `yaml:"redis"`
	Etcd    EtcdConfig    `yaml:"etcd"`
}

type ServerConfig struct {
	Port            string `yaml:"port"`
	Env             string `yaml:"env"`
	ShutdownTimeout int    `yaml:"shutdown_timeout_sec"`
}

// ClusterConfig identifies this node and its peers. SelfAddress is the
// address other nodes dial to reach this one; PartnerAddresses lists the
// rest of the cluster. An empty PartnerAddresses, with no etcd endpoints
// configured either, puts the node in single-node fallback mode.
type ClusterConfig struct {
	SelfAddress      string   `yaml:"self_address"`
	PartnerAddresses []string `yaml:"partner_addresses"`
}

type SessionConfig struct {
	MinTimeoutSec      int `yaml:"min_timeout_sec"`
	MaxTimeoutSec      int `yaml:"max_timeout_sec"`
	CleanupIntervalSec int `yaml:"cleanup_interval_sec"`
}

type RedisConfig struct {
	Addr            string `yaml:"addr"`
	SnapshotEnabled bool   `yaml:"snapshot_enabled"`
	SnapshotKey     string `yaml:"snapshot_key"`
}

type EtcdConfig struct {
	Endpoints []string `yaml:"endpoints"`
	KeyPrefix string   `yaml:"key_prefix"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "5000",
			Env:             "development",
			ShutdownTimeout: 10,
		},
		Session: SessionConfig{
			MinTimeoutSec:      5,
			MaxTimeoutSec:      3600,
			CleanupIntervalSec: 1,
		},
		Redis: RedisConfig{
			SnapshotKey: "lockd:snapshot",
		},
		Etcd: EtcdConfig{
			KeyPrefix: "/lockd",
		},
	}
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide Config singleton, loading it on first use.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CLUSTER_CONFIG_PATH", "cluster.yaml"))
		if err != nil {
			slog.Warn("config: failed to load cluster.yaml, using defaults and env", "error", err)
		}
		if cfg == nil {
			cfg = defaults()
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

func LoadConfig(path string) (*Config, error) {
	cfg := defaults()
	f, err := os.Open(path)
	if err != nil {
		return cfg, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("API_PORT", c.Server.Port)
	c.Server.Env = getEnv("LOCKD_ENV", c.Server.Env)
	if v := getEnvInt("SERVER_SHUTDOWN_TIMEOUT_SEC", 0); v > 0 {
		c.Server.ShutdownTimeout = v
	}

	c.Cluster.SelfAddress = getEnv("SELF_ADDRESS", c.Cluster.SelfAddress)
	if partners := getEnv("PARTNER_ADDRESSES", ""); partners != "" {
		c.Cluster.PartnerAddresses = splitCSV(partners)
	}

	if v := getEnvInt("SESSION_MIN_TIMEOUT_SEC", 0); v > 0 {
		c.Session.MinTimeoutSec = v
	}
	if v := getEnvInt("SESSION_MAX_TIMEOUT_SEC", 0); v > 0 {
		c.Session.MaxTimeoutSec = v
	}
	if v := getEnvInt("CLEANUP_INTERVAL_SEC", -1); v >= 0 {
		c.Session.CleanupIntervalSec = v
	}

	c.Redis.Addr = getEnv("REDIS_ADDR", c.Redis.Addr)
	c.Redis.SnapshotEnabled = getEnvBool("REDIS_SNAPSHOT_ENABLED", c.Redis.SnapshotEnabled)
	c.Redis.SnapshotKey = getEnv("REDIS_SNAPSHOT_KEY", c.Redis.SnapshotKey)

	if endpoints := getEnv("ETCD_ENDPOINTS", ""); endpoints != "" {
		c.Etcd.Endpoints = splitCSV(endpoints)
	}
	c.Etcd.KeyPrefix = getEnv("ETCD_KEY_PREFIX", c.Etcd.KeyPrefix)
}

// Validate checks the invariants the HTTP and replication layers assume
// hold once config is loaded: a well-formed self address, well-formed peer
// addresses, and a session timeout window sane enough to never outright
// forbid every request.
func (c *Config) Validate() error {
	if c.Cluster.SelfAddress == "" {
		return fmt.Errorf("config: SELF_ADDRESS must be set")
	}
	if err := validateHostPort(c.Cluster.SelfAddress); err != nil {
		return fmt.Errorf("config: SELF_ADDRESS %q: %w", c.Cluster.SelfAddress, err)
	}
	for _, peer := range c.Cluster.PartnerAddresses {
		if err := validateHostPort(peer); err != nil {
			return fmt.Errorf("config: PARTNER_ADDRESSES entry %q: %w", peer, err)
		}
	}
	if c.Session.MinTimeoutSec <= 0 || c.Session.MaxTimeoutSec < c.Session.MinTimeoutSec {
		return fmt.Errorf("config: invalid session timeout bounds [%d, %d]", c.Session.MinTimeoutSec, c.Session.MaxTimeoutSec)
	}
	return nil
}

// validateHostPort requires addr to split into a non-empty host and a port
// in [1, 65535]. Applied to every cluster address before startup proceeds.
func validateHostPort(addr string) error {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("not a valid host:port: %w", err)
	}
	if host == "" {
		return fmt.Errorf("host must not be empty")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("port %q is not an integer", portStr)
	}
	if port < 1 || port > 65535 {
		return fmt.Errorf("port %d out of range [1, 65535]", port)
	}
	return nil
}

// SingleNode reports whether this node has neither configured peers nor
// configured etcd endpoints, meaning
// the local fallback Replicator should be used instead of etcd.
func (c *Config) SingleNode() bool {
	return len(c.Cluster.PartnerAddresses) == 0 && len(c.Etcd.Endpoints) == 0
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}
