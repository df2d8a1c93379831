// Package config loads swarmshare's configuration. One YAML file drives
// both roles: a registry ignores the peer section and a peer ignores the
// registry section. Environment variables override file values so a baked
// container image can still be reshaped at deploy time.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"swarmshare/pkg/utils"
)

type Config struct {
	UserID   string `yaml:"user_id"`
	DeviceID string `yaml:"device_id"`
	DataDir  string `yaml:"data_dir"`

	Registry RegistryConfig `yaml:"registry"`
	Peer     PeerConfig     `yaml:"peer"`
	Log      LogConfig      `yaml:"log"`
}

type RegistryConfig struct {
	ListenAddr         string   `yaml:"listen_addr"`
	MaxAuthorizedUsers int      `yaml:"max_authorized_users"`
	RateBurst          int      `yaml:"rate_burst"`
	RateWindow         Duration `yaml:"rate_window"`
	StaleSeederAfter   Duration `yaml:"stale_seeder_after"`
	EvictSeederAfter   Duration `yaml:"evict_seeder_after"`
	RecordTTL          Duration `yaml:"record_ttl"`
	SweepInterval      Duration `yaml:"sweep_interval"`
}

type PeerConfig struct {
	RegistryURL    string   `yaml:"registry_url"`
	ListenAddr     string   `yaml:"listen_addr"`
	AdvertiseAddr  string   `yaml:"advertise_addr"`
	ChunkSize      string   `yaml:"chunk_size"`
	MaxPeers       int      `yaml:"max_peers"`
	MaxConnections int      `yaml:"max_connections"`
	ChunkRetries   int      `yaml:"chunk_retries"`
	RequestTimeout Duration `yaml:"request_timeout"`
	ReconcileEvery Duration `yaml:"reconcile_every"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

func Default() *Config {
	return &Config{
		DeviceID: defaultDeviceID(),
		DataDir:  defaultDataDir(),
		Registry: RegistryConfig{
			ListenAddr:         ":8100",
			MaxAuthorizedUsers: 1000,
			RateBurst:          30,
			RateWindow:         Duration(time.Minute),
			StaleSeederAfter:   Duration(2 * time.Minute),
			EvictSeederAfter:   Duration(10 * time.Minute),
			RecordTTL:          Duration(24 * time.Hour),
			SweepInterval:      Duration(5 * time.Minute),
		},
		Peer: PeerConfig{
			RegistryURL:    "http://localhost:8100",
			ListenAddr:     ":7400",
			ChunkSize:      "1MiB",
			MaxPeers:       4,
			MaxConnections: 16,
			ChunkRetries:   3,
			RequestTimeout: Duration(10 * time.Second),
			ReconcileEvery: Duration(5 * time.Minute),
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path over the defaults. A missing file is not an error: envs
// and defaults alone can run a peer.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if cfg.Peer.AdvertiseAddr == "" {
		cfg.Peer.AdvertiseAddr = cfg.Peer.ListenAddr
	}
	if _, err := cfg.ChunkSizeBytes(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultPath is where Load looks when no --config flag is given.
func DefaultPath() string {
	return filepath.Join(defaultDataDir(), "config.yaml")
}

// ChunkSizeBytes parses the peer's chunk_size setting.
func (c *Config) ChunkSizeBytes() (int, error) {
	n, err := utils.ParseDataSize(c.Peer.ChunkSize)
	if err != nil {
		return 0, fmt.Errorf("peer.chunk_size: %w", err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("peer.chunk_size must be positive, got %q", c.Peer.ChunkSize)
	}
	return int(n), nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SWARMSHARE_USER_ID"); v != "" {
		c.UserID = v
	}
	if v := os.Getenv("SWARMSHARE_DEVICE_ID"); v != "" {
		c.DeviceID = v
	}
	if v := os.Getenv("SWARMSHARE_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("SWARMSHARE_REGISTRY_URL"); v != "" {
		c.Peer.RegistryURL = v
	}
	if v := os.Getenv("SWARMSHARE_REGISTRY_LISTEN"); v != "" {
		c.Registry.ListenAddr = v
	}
	if v := os.Getenv("SWARMSHARE_PEER_LISTEN"); v != "" {
		c.Peer.ListenAddr = v
	}
	if v := os.Getenv("SWARMSHARE_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
}

func defaultDeviceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return "device"
	}
	return host
}

func defaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "swarmshare")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".swarmshare"
	}
	return filepath.Join(home, ".swarmshare")
}

// Duration accepts human-friendly YAML values like "90s" or "5m".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}
