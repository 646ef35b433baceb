package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"quantrelay/internal/crypto"
)

// Config holds all relay configuration
type Config struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Delivery protocol configuration
	Delivery DeliveryConfig `yaml:"delivery"`

	// Cryptography configuration
	Crypto CryptoConfig `yaml:"crypto"`

	// Storage configuration
	Storage StorageConfig `yaml:"storage"`

	// Discovery configuration
	Discovery DiscoveryConfig `yaml:"discovery"`

	// Logging configuration
	Log LogConfig `yaml:"log"`
}

// ServerConfig holds transport settings
type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
	Path       string `yaml:"path"`

	// largest frame we accept from a client
	ReadLimit int64 `yaml:"read_limit"`

	// connection timeouts
	AuthTimeout  time.Duration `yaml:"auth_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DeliveryConfig holds protocol settings
type DeliveryConfig struct {
	// how long an identity stays online after its last connection drops
	PresenceGrace time.Duration `yaml:"presence_grace"`

	// frames buffered per connection before it is treated as stalled
	OutboundQueue int `yaml:"outbound_queue"`

	// ended calls remembered so late operations stay no-ops
	EndedCallHistory int `yaml:"ended_call_history"`

	// undelivered messages replayed on authentication
	ReplayLimit int `yaml:"replay_limit"`

	// unanswered calls end with reason "timeout" after this long, 0 disables
	RingTimeout time.Duration `yaml:"ring_timeout"`

	// how often the membership index is reloaded from storage
	MembershipRefresh time.Duration `yaml:"membership_refresh"`
}

// CryptoConfig holds crypto settings
type CryptoConfig struct {
	// KEM for keys generated by keygen when --kem is not given
	KEMAlgorithm string `yaml:"kem_algorithm"`

	// channel secrets kept in the LRU
	ChannelCacheSize int `yaml:"channel_cache_size"`
}

// StorageConfig holds database settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DiscoveryConfig holds relay discovery settings
type DiscoveryConfig struct {
	// mDNS settings
	EnableMDNS   bool   `yaml:"enable_mdns"`
	InstanceName string `yaml:"instance_name"`

	// STUN settings
	EnableSTUN  bool     `yaml:"enable_stun"`
	STUNServers []string `yaml:"stun_servers"`

	// how long to wait for discovery
	DiscoveryTimeout time.Duration `yaml:"discovery_timeout"`
}

// LogConfig holds logging settings
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8443",
			Path:         "/ws",
			ReadLimit:    1 << 20,
			AuthTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Delivery: DeliveryConfig{
			PresenceGrace:     15 * time.Second,
			OutboundQueue:     256,
			EndedCallHistory:  4096,
			ReplayLimit:       500,
			RingTimeout:       45 * time.Second,
			MembershipRefresh: 30 * time.Second,
		},
		Crypto: CryptoConfig{
			KEMAlgorithm:     crypto.DefaultKEM,
			ChannelCacheSize: crypto.DefaultChannelCacheSize,
		},
		Storage: StorageConfig{
			Path: "quantrelay.db",
		},
		Discovery: DiscoveryConfig{
			EnableMDNS:   false,
			InstanceName: "quantrelay",
			EnableSTUN:   false,
			STUNServers: []string{
				"stun.l.google.com:19302",
				"stun1.l.google.com:19302",
			},
			DiscoveryTimeout: 5 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML file over the defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the relay cannot run with
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Server.ReadLimit <= 0 {
		errs = append(errs, errors.New("server.read_limit must be positive"))
	}
	if c.Delivery.PresenceGrace < 0 {
		errs = append(errs, errors.New("delivery.presence_grace must not be negative"))
	}
	if c.Delivery.OutboundQueue <= 0 {
		errs = append(errs, errors.New("delivery.outbound_queue must be positive"))
	}
	if c.Delivery.RingTimeout < 0 {
		errs = append(errs, errors.New("delivery.ring_timeout must not be negative"))
	}
	if c.Delivery.MembershipRefresh <= 0 {
		errs = append(errs, errors.New("delivery.membership_refresh must be positive"))
	}
	if c.Delivery.EndedCallHistory <= 0 {
		errs = append(errs, errors.New("delivery.ended_call_history must be positive"))
	}
	if _, err := crypto.KEMByID(c.Crypto.KEMAlgorithm); err != nil {
		errs = append(errs, fmt.Errorf("crypto.kem_algorithm: %w", err))
	}
	if c.Crypto.ChannelCacheSize <= 0 {
		errs = append(errs, errors.New("crypto.channel_cache_size must be positive"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}
