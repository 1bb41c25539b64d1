// Package config loads daemon configuration from file and environment.
// Library constructors take functional options; this package exists for
// the cmd binaries, which need the same knobs from the outside world.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every tunable the daemon exposes.
type Config struct {
	SocketPath        string        `mapstructure:"socket_path"`
	ServerName        string        `mapstructure:"server_name"`
	HandshakeTimeout  time.Duration `mapstructure:"handshake_timeout"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	MaxQueueSize      int           `mapstructure:"max_queue_size"`
	MaxFrameSize      uint32        `mapstructure:"max_frame_size"`
	DedupWindow       time.Duration `mapstructure:"dedup_window"`
	AMQPURL           string        `mapstructure:"amqp_url"`
	HTTPAddr          string        `mapstructure:"http_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		SocketPath:        "/tmp/agentwire.sock",
		ServerName:        "router",
		HandshakeTimeout:  3 * time.Second,
		HeartbeatInterval: 10 * time.Second,
		MaxQueueSize:      128,
		MaxFrameSize:      1 << 20,
		DedupWindow:       5 * time.Minute,
		HTTPAddr:          "",
	}
}

// Load reads configuration from the given file (optional) and the
// AGENTWIRE_ environment, on top of the defaults.
func Load(path string) (Config, error) {
	v := viper.New()

	def := Default()
	v.SetDefault("socket_path", def.SocketPath)
	v.SetDefault("server_name", def.ServerName)
	v.SetDefault("handshake_timeout", def.HandshakeTimeout)
	v.SetDefault("heartbeat_interval", def.HeartbeatInterval)
	v.SetDefault("max_queue_size", def.MaxQueueSize)
	v.SetDefault("max_frame_size", def.MaxFrameSize)
	v.SetDefault("dedup_window", def.DedupWindow)
	v.SetDefault("amqp_url", def.AMQPURL)
	v.SetDefault("http_addr", def.HTTPAddr)

	v.SetEnvPrefix("AGENTWIRE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.MaxQueueSize <= 0 {
		return Config{}, fmt.Errorf("max_queue_size must be positive, got %d", cfg.MaxQueueSize)
	}
	return cfg, nil
}
