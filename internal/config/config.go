// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads and validates the typed record the reactor
// consumes (spec.md §6, SPEC_FULL.md §6.1), populated from environment
// variables the way the teacher's mproxy.NewConfig populates its
// per-listener configs.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"

	"github.com/x1t/tinyPortMapper-rust/internal/address"
	"github.com/x1t/tinyPortMapper-rust/internal/errs"
)

// EnvPrefix is the prefix applied to every environment variable this
// package reads, mirroring the teacher's MPROXY_* per-listener prefixes.
const EnvPrefix = "TPM_"

// Config is the forwarder's full external configuration surface.
type Config struct {
	ListenAddr string `env:"LISTEN_ADDR" envDefault:"0.0.0.0:8080"`
	RemoteAddr string `env:"REMOTE_ADDR" envDefault:"127.0.0.1:80"`

	EnableTCP bool `env:"ENABLE_TCP" envDefault:"true"`
	EnableUDP bool `env:"ENABLE_UDP" envDefault:"false"`

	FwdType string `env:"FWD_TYPE" envDefault:"normal"`

	SocketBufSizeKB int    `env:"SOCKET_BUF_SIZE_KB" envDefault:"16"`
	BindInterface   string `env:"BIND_INTERFACE" envDefault:""`

	TCPTimeoutSeconds int64 `env:"TCP_TIMEOUT_SECONDS" envDefault:"360"`
	UDPTimeoutSeconds int64 `env:"UDP_TIMEOUT_SECONDS" envDefault:"180"`

	MaxConnections int `env:"MAX_CONNECTIONS" envDefault:"20000"`
	ConnClearRatio int `env:"CONN_CLEAR_RATIO" envDefault:"30"`
	ConnClearMin   int `env:"CONN_CLEAR_MIN" envDefault:"1"`

	UDPFragment bool `env:"UDP_FRAGMENT" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"true"`

	MetricsAddr string `env:"METRICS_ADDR" envDefault:""`

	BreakerMaxFailures  int `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerResetSeconds int `env:"BREAKER_RESET_SECONDS" envDefault:"60"`
}

// Load reads environment variables (optionally pre-populated from a .env
// file by the caller, per the teacher's godotenv.Load convention) into a
// Config and validates it.
func Load() (Config, error) {
	cfg := Config{}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, errs.Wrap(err, "config: failed to parse environment")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects configuration-fatal values (spec.md §7) before the
// reactor starts: unparsable endpoints, an out-of-range socket buffer
// size, an unknown FwdType, or a non-positive connection cap.
func (c Config) Validate() error {
	if _, err := address.Parse(c.ListenAddr, address.FamilyV4); err != nil {
		return fmt.Errorf("config: invalid listen_addr %q: %w", c.ListenAddr, err)
	}
	if _, err := address.Parse(c.RemoteAddr, address.FamilyV4); err != nil {
		return fmt.Errorf("config: invalid remote_addr %q: %w", c.RemoteAddr, err)
	}
	if _, err := address.ParseFwdType(c.FwdType); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.SocketBufSizeKB < 10 || c.SocketBufSizeKB > 10240 {
		return fmt.Errorf("config: socket_buf_size_kb %d out of range [10, 10240]", c.SocketBufSizeKB)
	}
	if c.MaxConnections <= 0 {
		return fmt.Errorf("config: max_connections must be positive, got %d", c.MaxConnections)
	}
	if !c.EnableTCP && !c.EnableUDP {
		return fmt.Errorf("config: at least one of enable_tcp/enable_udp must be true")
	}
	return nil
}

// SocketBufSizeBytes returns the configured per-connection socket buffer
// size in bytes.
func (c Config) SocketBufSizeBytes() int {
	return c.SocketBufSizeKB * 1024
}
