package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig holds all configuration settings for the server
type ServerConfig struct {
	// Server settings
	Port           int    `yaml:"port"`
	Host           string `yaml:"host"`
	MaxPayloadSize int64  `yaml:"max_payload_size"`

	// Own node identity
	NodeID  string `yaml:"node_id"`
	NodeURL string `yaml:"node_url"`

	Cluster  ClusterConfig  `yaml:"cluster"`
	LogStore LogStoreConfig `yaml:"log_store"`
	Tenant   TenantSettings `yaml:"tenant"`
	Tenants  []TenantConfig `yaml:"tenants"`
	Log      LogConfig      `yaml:"log"`
}

// ClusterConfig controls the heartbeat replication engine.
type ClusterConfig struct {
	HeartbeatInterval      time.Duration   `yaml:"heartbeat_interval"`
	MaxAttempts            int             `yaml:"max_attempts"`
	SkipAttemptsOnFail     int             `yaml:"skip_attempts_on_fail"`
	NodeLife               int             `yaml:"node_life"`
	RequestTimeout         time.Duration   `yaml:"request_timeout"`
	MaxConcurrentExchanges int             `yaml:"max_concurrent_exchanges"`
	Nodes                  []NodeConfig    `yaml:"nodes"`
	Security               SecurityConfig  `yaml:"security"`
	NodeStore              NodeStoreConfig `yaml:"node_store"`
}

// NodeConfig describes a statically configured peer.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
	Enabled bool   `yaml:"enabled"`
	URI     string `yaml:"uri"`
	WANURI  string `yaml:"wan_uri"`
}

// SecurityConfig enables signed cluster requests when Secret is set.
type SecurityConfig struct {
	Secret   string        `yaml:"secret"`
	TokenTTL time.Duration `yaml:"token_ttl"`
}

// NodeStoreConfig selects where discovered and disabled nodes are persisted.
type NodeStoreConfig struct {
	Driver    string   `yaml:"driver"` // file | etcd | none
	Path      string   `yaml:"path"`
	Endpoints []string `yaml:"endpoints"`
	Prefix    string   `yaml:"prefix"`
}

// LogStoreConfig selects the self node log persistence.
type LogStoreConfig struct {
	Driver string `yaml:"driver"` // memory | bolt
	Path   string `yaml:"path"`
}

// TenantSettings are shared by every tenant.
type TenantSettings struct {
	HashCacheTTL time.Duration `yaml:"hash_cache_ttl"`
	PollInterval time.Duration `yaml:"poll_interval"`
	EventBuffer  int           `yaml:"event_buffer"`
}

// TenantConfig declares one tenant and its backing store.
type TenantConfig struct {
	ID          string      `yaml:"id"`
	Enabled     bool        `yaml:"enabled"`
	StartEntity string      `yaml:"start_entity"`
	Store       StoreConfig `yaml:"store"`
}

// StoreConfig selects a storage provider for a tenant.
type StoreConfig struct {
	Provider   string `yaml:"provider"` // memory | file | redis | postgres
	Connection string `yaml:"connection"`
	Prefix     string `yaml:"prefix"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level string `yaml:"level"`
}

// DefaultConfig returns a ServerConfig with default values
func DefaultConfig() *ServerConfig {
	return &ServerConfig{
		Port:           8080,
		Host:           "0.0.0.0",
		MaxPayloadSize: 1024 * 1024, // 1MB
		Cluster: ClusterConfig{
			HeartbeatInterval:      2 * time.Second,
			MaxAttempts:            3,
			SkipAttemptsOnFail:     3,
			NodeLife:               2,
			RequestTimeout:         5 * time.Second,
			MaxConcurrentExchanges: 8,
			Security: SecurityConfig{
				TokenTTL: time.Minute,
			},
			NodeStore: NodeStoreConfig{
				Driver: "none",
				Prefix: "/configserver/nodes/",
			},
		},
		LogStore: LogStoreConfig{
			Driver: "memory",
		},
		Tenant: TenantSettings{
			HashCacheTTL: 30 * time.Second,
			EventBuffer:  256,
		},
		Log: LogConfig{Level: "info"},
	}
}

// LoadConfig loads configuration from environment variables
func LoadConfig() *ServerConfig {
	config := DefaultConfig()
	applyEnv(config)
	return config
}

// LoadFile reads a YAML configuration file, loads an optional .env file and
// applies environment overrides on top. An empty path yields the defaults.
func LoadFile(path, envFile string) (*ServerConfig, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	config := DefaultConfig()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, config); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(config)
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func applyEnv(config *ServerConfig) {
	if port := os.Getenv("SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Port = p
		}
	}

	if host := os.Getenv("SERVER_HOST"); host != "" {
		config.Host = host
	}

	if maxSize := os.Getenv("MAX_PAYLOAD_SIZE"); maxSize != "" {
		if size, err := strconv.ParseInt(maxSize, 10, 64); err == nil {
			config.MaxPayloadSize = size
		}
	}

	if nodeID := os.Getenv("NODE_ID"); nodeID != "" {
		config.NodeID = nodeID
	}

	if nodeURL := os.Getenv("NODE_URL"); nodeURL != "" {
		config.NodeURL = nodeURL
	}

	if heartbeatInterval := os.Getenv("HEARTBEAT_INTERVAL"); heartbeatInterval != "" {
		if duration, err := time.ParseDuration(heartbeatInterval); err == nil {
			config.Cluster.HeartbeatInterval = duration
		}
	}

	if attempts := os.Getenv("MAX_ATTEMPTS"); attempts != "" {
		if n, err := strconv.Atoi(attempts); err == nil {
			config.Cluster.MaxAttempts = n
		}
	}

	if skip := os.Getenv("SKIP_ATTEMPTS_ON_FAIL"); skip != "" {
		if n, err := strconv.Atoi(skip); err == nil {
			config.Cluster.SkipAttemptsOnFail = n
		}
	}

	if secret := os.Getenv("CLUSTER_SECRET"); secret != "" {
		config.Cluster.Security.Secret = secret
	}

	if level := os.Getenv("LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
}

// Validate checks if the configuration is valid
func (c *ServerConfig) Validate() error {
	if c.NodeID == "" {
		return errors.New("node_id is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.Cluster.HeartbeatInterval <= 0 {
		return errors.New("cluster.heartbeat_interval must be positive")
	}
	if c.Cluster.MaxAttempts < 1 {
		c.Cluster.MaxAttempts = 1
	}
	if c.Cluster.SkipAttemptsOnFail < 0 {
		c.Cluster.SkipAttemptsOnFail = 0
	}
	if c.Cluster.NodeLife < 0 {
		c.Cluster.NodeLife = 0
	}
	if c.Cluster.MaxConcurrentExchanges < 1 {
		c.Cluster.MaxConcurrentExchanges = 1
	}

	switch strings.ToLower(c.Cluster.NodeStore.Driver) {
	case "", "none", "file", "etcd":
	default:
		return fmt.Errorf("unknown node_store driver %q", c.Cluster.NodeStore.Driver)
	}
	switch strings.ToLower(c.LogStore.Driver) {
	case "", "memory", "bolt":
	default:
		return fmt.Errorf("unknown log_store driver %q", c.LogStore.Driver)
	}

	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID == "" {
			return errors.New("tenant id is required")
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant %q", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// Address returns the listen address of the HTTP server.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
