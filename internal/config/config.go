// Package config loads node and client settings from an optional YAML file
// and KEYLOBBY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"keylobby/internal/debuglog"
)

const envPrefix = "KEYLOBBY"

var log = debuglog.Component("config")

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Routing   RoutingConfig   `mapstructure:"routing"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Client    ClientConfig    `mapstructure:"client"`
}

type ServerConfig struct {
	QUICAddr         string        `mapstructure:"quic_addr"`
	WSAddr           string        `mapstructure:"ws_addr"`
	WSPath           string        `mapstructure:"ws_path"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	MaxConnsPerIP    int           `mapstructure:"max_conns_per_ip"`
	SendQueue        int           `mapstructure:"send_queue"`
	DevTLS           bool          `mapstructure:"devtls"`
	CertFile         string        `mapstructure:"cert_file"`
	KeyFile          string        `mapstructure:"key_file"`
}

type RegistryConfig struct {
	MaxEntries int `mapstructure:"max_entries"`
}

type BroadcastConfig struct {
	Policy      string `mapstructure:"policy"`
	Concurrency int    `mapstructure:"concurrency"`
}

type RoutingConfig struct {
	QueueOffline bool          `mapstructure:"queue_offline"`
	MaxPending   int           `mapstructure:"max_pending"`
	MaxClockSkew time.Duration `mapstructure:"max_clock_skew"`
	SeenTTL      time.Duration `mapstructure:"seen_ttl"`
}

type MetricsConfig struct {
	SnapshotPath string        `mapstructure:"snapshot_path"`
	Interval     time.Duration `mapstructure:"interval"`
}

type ClientConfig struct {
	BackoffBase      time.Duration `mapstructure:"backoff_base"`
	BackoffMax       time.Duration `mapstructure:"backoff_max"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	QueueCap         int           `mapstructure:"queue_cap"`
	KeyDir           string        `mapstructure:"key_dir"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.quic_addr", "127.0.0.1:7400")
	v.SetDefault("server.ws_addr", "")
	v.SetDefault("server.ws_path", "/ws")
	v.SetDefault("server.handshake_timeout", "10s")
	v.SetDefault("server.idle_timeout", "60s")
	v.SetDefault("server.write_timeout", "5s")
	v.SetDefault("server.max_conns_per_ip", 16)
	v.SetDefault("server.send_queue", 256)
	v.SetDefault("server.devtls", false)
	v.SetDefault("server.cert_file", "")
	v.SetDefault("server.key_file", "")

	v.SetDefault("registry.max_entries", 0)

	v.SetDefault("broadcast.policy", "per_departure")
	v.SetDefault("broadcast.concurrency", 32)

	v.SetDefault("routing.queue_offline", true)
	v.SetDefault("routing.max_pending", 256)
	v.SetDefault("routing.max_clock_skew", "5m")
	v.SetDefault("routing.seen_ttl", "10m")

	v.SetDefault("metrics.snapshot_path", "")
	v.SetDefault("metrics.interval", "10s")

	v.SetDefault("client.backoff_base", "1s")
	v.SetDefault("client.backoff_max", "30s")
	v.SetDefault("client.max_attempts", 8)
	v.SetDefault("client.handshake_timeout", "10s")
	v.SetDefault("client.queue_cap", 1024)
	v.SetDefault("client.key_dir", "")
}

// Load reads path when given, otherwise an optional keylobby.yaml in the
// working directory. Environment variables override the file, e.g.
// KEYLOBBY_SERVER_QUIC_ADDR.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("keylobby")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: %w", err)
		}
		log.Debugf("no config file, using defaults and env")
	} else {
		log.Debugf("loaded %s", v.ConfigFileUsed())
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.QUICAddr == "" && c.Server.WSAddr == "" {
		return errors.New("config: no listen address")
	}
	if c.Server.SendQueue <= 0 {
		return fmt.Errorf("config: server.send_queue must be positive, got %d", c.Server.SendQueue)
	}
	if c.Broadcast.Concurrency <= 0 {
		return fmt.Errorf("config: broadcast.concurrency must be positive, got %d", c.Broadcast.Concurrency)
	}
	switch c.Broadcast.Policy {
	case "per_departure", "batched":
	default:
		return fmt.Errorf("config: unknown broadcast.policy %q", c.Broadcast.Policy)
	}
	if c.Client.BackoffBase <= 0 || c.Client.BackoffMax < c.Client.BackoffBase {
		return fmt.Errorf("config: client backoff base %s max %s", c.Client.BackoffBase, c.Client.BackoffMax)
	}
	if c.Client.MaxAttempts <= 0 {
		return fmt.Errorf("config: client.max_attempts must be positive, got %d", c.Client.MaxAttempts)
	}
	return nil
}
