// Package config provides YAML-based configuration loading for unitcast.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	MinConnectTimeout = time.Second
	MinRetryDelay     = time.Second
	MinFeedbackTTL    = 10 * time.Millisecond
)

var ErrInvalid = errors.New("config: invalid")

// Config is the root application configuration.
type Config struct {
	// Network is the channel all units of a deployment share.
	Network string `mapstructure:"network"`

	// Unit identifies this process inside the network.
	Unit string `mapstructure:"unit"`

	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	FeedbackTTL    time.Duration `mapstructure:"feedback_ttl"`

	// Codec: json or cbor.
	Codec string `mapstructure:"codec"`
	// WireFormat: json or legacy.
	WireFormat string `mapstructure:"wire_format"`

	Transport TransportConfig `mapstructure:"transport"`
	Presence  PresenceConfig  `mapstructure:"presence"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
}

// TransportConfig selects and configures the pub/sub transport.
type TransportConfig struct {
	// Kind: memory, redis or libp2p.
	Kind   string       `mapstructure:"kind"`
	Redis  RedisConfig  `mapstructure:"redis"`
	Libp2p Libp2pConfig `mapstructure:"libp2p"`
}

type RedisConfig struct {
	URL string `mapstructure:"url"`
}

type Libp2pConfig struct {
	ListenAddrs     []string `mapstructure:"listen_addrs"`
	Bootstrap       []string `mapstructure:"bootstrap"`
	Rendezvous      string   `mapstructure:"rendezvous"`
	EnableMDNS      bool     `mapstructure:"enable_mdns"`
	IdentityKeyFile string   `mapstructure:"identity_key_file"`
}

type PresenceConfig struct {
	Version          string        `mapstructure:"version"`
	AnnounceInterval time.Duration `mapstructure:"announce_interval"`
	StaleAfter       time.Duration `mapstructure:"stale_after"`
}

type HTTPConfig struct {
	// Addr for the admin API; empty disables it.
	Addr string `mapstructure:"addr"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: list of outputs: stdout, stderr, or file paths
	Outputs []string `mapstructure:"outputs"`

	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Default returns a Config populated with sensible defaults.
func Default() *Config {
	host, _ := os.Hostname()
	if host == "" {
		host = "unit-1"
	}
	return &Config{
		Network:        "unitcast",
		Unit:           host,
		ConnectTimeout: 5 * time.Second,
		RetryDelay:     10 * time.Second,
		FeedbackTTL:    5 * time.Second,
		Codec:          "json",
		WireFormat:     "json",
		Transport: TransportConfig{
			Kind:  "memory",
			Redis: RedisConfig{URL: "redis://127.0.0.1:6379/0"},
			Libp2p: Libp2pConfig{
				ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
				Rendezvous:  "unitcast",
				EnableMDNS:  true,
			},
		},
		Presence: PresenceConfig{
			Version:          "dev",
			AnnounceInterval: 30 * time.Second,
			StaleAfter:       2 * time.Minute,
		},
		HTTP: HTTPConfig{Addr: ":8090"},
		Log: LogConfig{
			Level:       "info",
			Format:      "console",
			Outputs:     []string{"stdout"},
			Development: true,
			Rotation: RotationConfig{
				Enable:     false,
				Filename:   "logs/unitcast.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise it searches
// common locations. Environment variables use the prefix UNITCAST and `.`/`-`
// are replaced with `_`, e.g. UNITCAST_TRANSPORT_KIND=redis.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("UNITCAST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// seed defaults so env-only configs work
	v.SetDefault("network", cfg.Network)
	v.SetDefault("unit", cfg.Unit)
	v.SetDefault("connect_timeout", cfg.ConnectTimeout)
	v.SetDefault("retry_delay", cfg.RetryDelay)
	v.SetDefault("feedback_ttl", cfg.FeedbackTTL)
	v.SetDefault("codec", cfg.Codec)
	v.SetDefault("wire_format", cfg.WireFormat)
	v.SetDefault("transport.kind", cfg.Transport.Kind)
	v.SetDefault("transport.redis.url", cfg.Transport.Redis.URL)
	v.SetDefault("transport.libp2p.listen_addrs", cfg.Transport.Libp2p.ListenAddrs)
	v.SetDefault("transport.libp2p.bootstrap", cfg.Transport.Libp2p.Bootstrap)
	v.SetDefault("transport.libp2p.rendezvous", cfg.Transport.Libp2p.Rendezvous)
	v.SetDefault("transport.libp2p.enable_mdns", cfg.Transport.Libp2p.EnableMDNS)
	v.SetDefault("transport.libp2p.identity_key_file", cfg.Transport.Libp2p.IdentityKeyFile)
	v.SetDefault("presence.version", cfg.Presence.Version)
	v.SetDefault("presence.announce_interval", cfg.Presence.AnnounceInterval)
	v.SetDefault("presence.stale_after", cfg.Presence.StaleAfter)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	if path == "" {
		if envPath := os.Getenv("UNITCAST_CONFIG"); envPath != "" {
			path = envPath
		}
	}

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("unitcast")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".unitcast"))
		}
	}

	// Read config file if present; if not found, continue with defaults/env
	if err := v.ReadInConfig(); err != nil {
		var viperConfigFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &viperConfigFileNotFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalizes the config in place and enforces floors.
func (c *Config) Validate() error {
	c.Network = strings.TrimSpace(c.Network)
	c.Unit = strings.TrimSpace(c.Unit)
	if c.Network == "" {
		return fmt.Errorf("%w: network is required", ErrInvalid)
	}
	if c.Unit == "" {
		return fmt.Errorf("%w: unit is required", ErrInvalid)
	}
	if c.ConnectTimeout < MinConnectTimeout {
		c.ConnectTimeout = MinConnectTimeout
	}
	if c.RetryDelay < MinRetryDelay {
		c.RetryDelay = MinRetryDelay
	}
	if c.FeedbackTTL < MinFeedbackTTL {
		c.FeedbackTTL = MinFeedbackTTL
	}

	c.Codec = strings.ToLower(strings.TrimSpace(c.Codec))
	switch c.Codec {
	case "":
		c.Codec = "json"
	case "json", "cbor":
	case "proto":
		// Presence payloads are plain Go structs, not generated messages.
		return fmt.Errorf("%w: codec proto needs proto-generated payloads and cannot carry presence traffic", ErrInvalid)
	default:
		return fmt.Errorf("%w: codec %q", ErrInvalid, c.Codec)
	}

	c.WireFormat = strings.ToLower(strings.TrimSpace(c.WireFormat))
	switch c.WireFormat {
	case "":
		c.WireFormat = "json"
	case "json":
	case "legacy":
		if c.Codec != "json" {
			return fmt.Errorf("%w: legacy wire format requires the json codec", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: wire_format %q", ErrInvalid, c.WireFormat)
	}

	c.Transport.Kind = strings.ToLower(strings.TrimSpace(c.Transport.Kind))
	switch c.Transport.Kind {
	case "memory", "libp2p":
	case "redis":
		if strings.TrimSpace(c.Transport.Redis.URL) == "" {
			return fmt.Errorf("%w: transport.redis.url is required", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalid, c.Transport.Kind)
	}

	lvl := strings.ToLower(strings.TrimSpace(c.Log.Level))
	switch lvl {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("%w: log.level %q", ErrInvalid, c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}
	return nil
}
