package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all bot configuration. Values are validated and
// defaulted by Load; the rest of the program treats them as final.
type Config struct {
	Nick     string `yaml:"nick"`
	Username string `yaml:"username"`
	RealName string `yaml:"real_name"`

	Server     string `yaml:"server"`
	Port       int    `yaml:"port"`
	ServerPass string `yaml:"server_pass"`
	UseTLS     bool   `yaml:"use_tls"`
	VerifyTLS  bool   `yaml:"verify_tls"`

	// Timeout drives the liveness watchdog: no inbound traffic for
	// this long closes the connection, and an unsolicited PING goes
	// out after half of it passes with nothing written.
	Timeout time.Duration `yaml:"timeout"`

	// CapDeadline bounds capability negotiation; CAP END is forced
	// when it expires.
	CapDeadline time.Duration `yaml:"cap_deadline"`

	Channels []string `yaml:"channels"`
	Prefix   string   `yaml:"prefix"`
	Modes    string   `yaml:"modes"`

	// Admins are nicknames exempt from blocklists and rate limits.
	Admins []string `yaml:"admins"`

	// NickBlocks and HostBlocks are regular expressions matched
	// against case-folded nicks and lowercased hosts.
	NickBlocks []string `yaml:"nick_blocks"`
	HostBlocks []string `yaml:"host_blocks"`

	// ChannelModules restricts a channel to the listed modules; a
	// channel with no entry allows everything.
	ChannelModules map[string][]string `yaml:"channel_modules"`

	NickServPass string `yaml:"nickserv_pass"`
	SASLUsername string `yaml:"sasl_username"`
	SASLPassword string `yaml:"sasl_password"`

	DBPath     string `yaml:"db_path"`
	MaxWorkers int    `yaml:"max_workers"`

	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Nick == "" {
		return nil, fmt.Errorf("config: nick is required")
	}
	if cfg.Server == "" {
		return nil, fmt.Errorf("config: server is required")
	}
	if cfg.SASLPassword != "" && cfg.SASLUsername == "" {
		cfg.SASLUsername = cfg.Nick
	}

	// Set defaults
	if cfg.Port == 0 {
		cfg.Port = 6667
	}
	if cfg.Username == "" {
		cfg.Username = cfg.Nick
	}
	if cfg.RealName == "" {
		cfg.RealName = cfg.Nick
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.CapDeadline == 0 {
		cfg.CapDeadline = 30 * time.Second
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "."
	}
	if cfg.Modes == "" {
		cfg.Modes = "B"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "./gopel.db"
	}
	if cfg.MaxWorkers == 0 {
		cfg.MaxWorkers = 16
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	return &cfg, nil
}

// Addr returns the host:port dial address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server, c.Port)
}
