// Package config parses and validates the proxy's YAML configuration and
// exposes a hot-reloadable snapshot of it (§4.K).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ProxyConfig mirrors the field layout of original_source's ProxyConfig:
// general/access/server/censorship/network sections.
type ProxyConfig struct {
	General    GeneralConfig    `yaml:"general"`
	Access     AccessConfig     `yaml:"access"`
	Server     ServerConfig     `yaml:"server"`
	Censorship CensorshipConfig `yaml:"censorship"`
	Network    NetworkConfig    `yaml:"network"`
}

// GeneralConfig holds the fields the hot-reload watcher treats as
// swappable without restarting listeners.
type GeneralConfig struct {
	LogLevel                 string     `yaml:"log_level"`
	AdTag                    string     `yaml:"ad_tag"`
	MiddleProxyPoolSize      int        `yaml:"middle_proxy_pool_size"`
	UseMiddleProxy           bool       `yaml:"use_middle_proxy"`
	KeepaliveEnabled         bool       `yaml:"me_keepalive_enabled"`
	KeepaliveIntervalSecs    uint64     `yaml:"me_keepalive_interval_secs"`
	KeepaliveJitterSecs      uint64     `yaml:"me_keepalive_jitter_secs"`
	KeepalivePayloadRandom   bool       `yaml:"me_keepalive_payload_random"`
	Modes                    ModesConfig `yaml:"modes"`
	Links                    LinksConfig `yaml:"links"`
}

// ModesConfig selects which tg://proxy link flavors get logged for newly
// added users.
type ModesConfig struct {
	Classic bool `yaml:"classic"`
	Secure  bool `yaml:"secure"`
	TLS     bool `yaml:"tls"`
}

// LinksConfig provides the host/port used to render proxy links; both are
// optional and fall back to server.port / a placeholder.
type LinksConfig struct {
	PublicHost string `yaml:"public_host"`
	PublicPort int    `yaml:"public_port"`
}

// AccessConfig is the per-user access map, carried as config data only
// (quota enforcement itself is out of scope, per spec.md §1).
type AccessConfig struct {
	Users              map[string]string `yaml:"users"` // username -> secret (hex)
	UserMaxTCPConns    map[string]int    `yaml:"user_max_tcp_conns"`
	UserExpirations    map[string]string `yaml:"user_expirations"`
	UserDataQuota      map[string]int64  `yaml:"user_data_quota"`
	UserMaxUniqueIPs   map[string]int    `yaml:"user_max_unique_ips"`
}

// ServerConfig holds the listener bind point; port changes require a
// restart.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// CensorshipConfig holds the TLS-faking front's domain list; changes
// require a restart.
type CensorshipConfig struct {
	TLSDomain  string   `yaml:"tls_domain"`
	TLSDomains []string `yaml:"tls_domains"`
}

// NetworkConfig holds the outbound bind addresses; changes require a
// restart.
type NetworkConfig struct {
	IPv4 string `yaml:"ipv4"`
	IPv6 string `yaml:"ipv6"`
	// MiddleProxies overrides the built-in TG_MIDDLE_PROXIES_FLAT_V4 table
	// (spec §6) with a caller-supplied "ip:port" list, e.g. for staging
	// middle-proxies. Empty means use the built-in default table.
	MiddleProxies []string `yaml:"middle_proxies"`
}

// Load reads and parses a YAML config file at path.
func Load(path string) (*ProxyConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var cfg ProxyConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the invariants the pool and handshake layers rely on.
func (c *ProxyConfig) Validate() error {
	if c.General.MiddleProxyPoolSize <= 0 {
		return fmt.Errorf("config: general.middle_proxy_pool_size must be positive, got %d", c.General.MiddleProxyPoolSize)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port out of range: %d", c.Server.Port)
	}
	for user, secret := range c.Access.Users {
		if len(secret) < 32 {
			return fmt.Errorf("config: access.users[%s]: secret too short", user)
		}
	}
	return nil
}

// KeepaliveInterval returns the configured keepalive interval as a
// time.Duration, for components that don't want to re-derive it from the
// raw seconds field.
func (g GeneralConfig) KeepaliveInterval() time.Duration {
	return time.Duration(g.KeepaliveIntervalSecs) * time.Second
}
