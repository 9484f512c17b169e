// Package config loads server settings from flags, CHATD_* environment
// variables and an optional YAML file.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errorString("invalid configuration")

type errorString string

func (e errorString) Error() string { return string(e) }

const envPrefix = "CHATD"

type Config struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	TimeoutMS       int      `mapstructure:"timeout"`
	Retransmissions int      `mapstructure:"retransmissions"`
	Transports      []string `mapstructure:"transports"`

	LogLevel    string `mapstructure:"log-level"`
	MetricsAddr string `mapstructure:"metrics-addr"`

	AcceptRate   int     `mapstructure:"accept-rate"`
	AdmitRate    float64 `mapstructure:"admit-rate"`
	AdmitBurst   int     `mapstructure:"admit-burst"`
	SessionRate  float64 `mapstructure:"session-rate"`
	SessionBurst int     `mapstructure:"session-burst"`

	OutboxSize  int `mapstructure:"outbox-size"`
	HistorySize int `mapstructure:"history-size"`
	MaxFrame    int `mapstructure:"max-frame"`

	ShutdownTimeout time.Duration `mapstructure:"shutdown-timeout"`
}

func flagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("chatd", pflag.ContinueOnError)
	fs.StringP("host", "s", "0.0.0.0", "listen address")
	fs.IntP("port", "p", 4567, "listen port (tcp and udp)")
	fs.IntP("timeout", "d", 250, "udp confirmation timeout in milliseconds")
	fs.IntP("retransmissions", "r", 3, "udp retransmissions per message")
	fs.StringSlice("transports", []string{"tcp", "udp"}, "transports to serve")
	fs.String("log-level", "info", "debug, info, warn or error")
	fs.String("metrics-addr", "", "prometheus listen address, empty disables")
	fs.Int("accept-rate", 0, "tcp connections accepted per second, 0 is unlimited")
	fs.Float64("admit-rate", 0, "new udp endpoints per second, 0 is unlimited")
	fs.Int("admit-burst", 16, "udp endpoint admission burst")
	fs.Float64("session-rate", 0, "inbound messages per second per session, 0 is unlimited")
	fs.Int("session-burst", 32, "per-session inbound burst")
	fs.Int("outbox-size", 256, "queued outbound messages per session")
	fs.Int("history-size", 200, "udp message ids remembered for duplicate detection")
	fs.Int("max-frame", 4096, "largest tcp frame in bytes")
	fs.Duration("shutdown-timeout", 5*time.Second, "time allowed for a graceful stop")
	fs.String("config", "", "optional YAML config file")
	return fs
}

// Load parses args (without the program name). Explicit flags win over the
// environment, which wins over the config file.
func Load(args []string) (*Config, error) {
	fs := flagSet()
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(fs); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Usage renders the flag help text.
func Usage() string {
	return flagSet().FlagUsages()
}

func (c *Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Port)
	}
	if c.TimeoutMS <= 0 {
		return fmt.Errorf("%w: timeout must be positive", ErrInvalid)
	}
	if c.Retransmissions < 0 {
		return fmt.Errorf("%w: retransmissions must not be negative", ErrInvalid)
	}
	if len(c.Transports) == 0 {
		return fmt.Errorf("%w: no transports enabled", ErrInvalid)
	}
	for _, t := range c.Transports {
		if t != "tcp" && t != "udp" {
			return fmt.Errorf("%w: unknown transport %q", ErrInvalid, t)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if c.OutboxSize <= 0 || c.HistorySize <= 0 || c.MaxFrame <= 0 {
		return fmt.Errorf("%w: outbox-size, history-size and max-frame must be positive", ErrInvalid)
	}
	if c.AcceptRate < 0 || c.AdmitRate < 0 || c.SessionRate < 0 {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown-timeout must be positive", ErrInvalid)
	}
	return nil
}

func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c *Config) Enabled(transport string) bool {
	return slices.Contains(c.Transports, transport)
}

func (c *Config) SlogLevel() (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(c.LogLevel))
	return l, err
}
