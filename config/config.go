package config

import (
	stderrors "errors"
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"
	"unicode"

	"github.com/nats-io/nats.go"
	"gopkg.in/yaml.v3"
)

// Config is the complete server configuration. Zero values are filled in by
// ApplyDefaults; Validate rejects anything the server cannot run with.
type Config struct {
	Endpoint EndpointConfig `yaml:"endpoint"`
	NATS     NATSConfig     `yaml:"nats"`
	Server   ServerConfig   `yaml:"server"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Log      LogConfig      `yaml:"log"`
}

// EndpointConfig names the server's transport endpoint: the subject prefix
// all channels live under and the address clients are told to dial.
type EndpointConfig struct {
	Prefix  string `yaml:"prefix"`
	Address string `yaml:"address"`
}

// NATSConfig defines the NATS connection settings.
type NATSConfig struct {
	URLs          []string      `yaml:"urls,omitempty"`
	MaxReconnects int           `yaml:"max_reconnects,omitempty"`
	ReconnectWait time.Duration `yaml:"reconnect_wait,omitempty"`
	Username      string        `yaml:"username,omitempty"`
	Password      string        `yaml:"password,omitempty"`
	Token         string        `yaml:"token,omitempty"`
}

// ServerConfig tunes the session pool and the accept loop.
type ServerConfig struct {
	SessionBase   int           `yaml:"session_base,omitempty"`
	SessionCount  int           `yaml:"session_count,omitempty"`
	PortBase      int           `yaml:"port_base,omitempty"`
	PortCount     int           `yaml:"port_count,omitempty"`
	OwnerQuota    int           `yaml:"owner_quota,omitempty"`
	PollInterval  time.Duration `yaml:"poll_interval,omitempty"`
	HandshakeRate float64       `yaml:"handshake_rate,omitempty"`
	QueueSize     int           `yaml:"queue_size,omitempty"` // executor task queue
}

// GatewayConfig configures the ops HTTP listener.
type GatewayConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen,omitempty"`
}

// LogConfig configures structured logging.
type LogConfig struct {
	Level  string `yaml:"level,omitempty"`  // debug, info, warn, error
	Format string `yaml:"format,omitempty"` // text, json
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{
		Endpoint: EndpointConfig{
			Prefix:  "echomux",
			Address: "127.0.0.1",
		},
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills in zero-valued tuning fields.
func (c *Config) ApplyDefaults() {
	if len(c.NATS.URLs) == 0 {
		c.NATS.URLs = []string{nats.DefaultURL}
	}
	if c.NATS.MaxReconnects == 0 {
		c.NATS.MaxReconnects = 60
	}
	if c.NATS.ReconnectWait == 0 {
		c.NATS.ReconnectWait = 2 * time.Second
	}
	if c.Server.SessionBase == 0 {
		c.Server.SessionBase = 1
	}
	if c.Server.SessionCount == 0 {
		c.Server.SessionCount = 256
	}
	if c.Server.PortBase == 0 {
		c.Server.PortBase = 9000
	}
	if c.Server.PortCount == 0 {
		c.Server.PortCount = 2 * c.Server.SessionCount
	}
	if c.Server.OwnerQuota == 0 {
		c.Server.OwnerQuota = 4
	}
	if c.Server.PollInterval == 0 {
		c.Server.PollInterval = 100 * time.Millisecond
	}
	if c.Server.HandshakeRate == 0 {
		c.Server.HandshakeRate = 100
	}
	if c.Server.QueueSize == 0 {
		c.Server.QueueSize = 1024
	}
	if c.Gateway.Listen == "" {
		c.Gateway.Listen = "127.0.0.1:8080"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks the configuration, normalizing where it can.
func (c *Config) Validate() error {
	c.Endpoint.Prefix = strings.ToLower(c.Endpoint.Prefix)
	if c.Endpoint.Prefix == "" {
		return stderrors.New("endpoint.prefix is required")
	}
	if !isValidSubjectPart(c.Endpoint.Prefix) {
		return fmt.Errorf(
			"endpoint.prefix %q is not valid for NATS subjects (must be alphanumeric with dots, dashes, underscores)",
			c.Endpoint.Prefix)
	}

	if c.Endpoint.Address == "" {
		return stderrors.New("endpoint.address is required")
	}
	if _, err := netip.ParseAddr(c.Endpoint.Address); err != nil {
		return fmt.Errorf("endpoint.address: %w", err)
	}

	if len(c.NATS.URLs) == 0 {
		return stderrors.New("nats.urls is required")
	}

	if c.Server.SessionCount < 1 {
		return stderrors.New("server.session_count must be at least 1")
	}
	if c.Server.PortCount < 2*c.Server.SessionCount {
		return fmt.Errorf("server.port_count %d cannot cover %d sessions (two ports each)",
			c.Server.PortCount, c.Server.SessionCount)
	}
	if c.Server.OwnerQuota < 1 {
		return stderrors.New("server.owner_quota must be at least 1")
	}
	if c.Server.PollInterval < time.Millisecond {
		return stderrors.New("server.poll_interval must be at least 1ms")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}

	return nil
}

// LocalEndpoint returns the validated transport endpoint.
func (c *Config) LocalEndpoint() (string, netip.Addr, error) {
	addr, err := netip.ParseAddr(c.Endpoint.Address)
	if err != nil {
		return "", netip.Addr{}, fmt.Errorf("endpoint.address: %w", err)
	}
	return c.Endpoint.Prefix, addr, nil
}

// NATSOptions translates the connection settings into nats.go options.
func (c *Config) NATSOptions() []nats.Option {
	opts := []nats.Option{
		nats.Name("echomux"),
		nats.MaxReconnects(c.NATS.MaxReconnects),
		nats.ReconnectWait(c.NATS.ReconnectWait),
	}
	if c.NATS.Username != "" {
		opts = append(opts, nats.UserInfo(c.NATS.Username, c.NATS.Password))
	}
	if c.NATS.Token != "" {
		opts = append(opts, nats.Token(c.NATS.Token))
	}
	return opts
}

// Load reads a YAML config file, expanding ${VAR} environment references,
// then applies defaults and validates.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse([]byte(os.ExpandEnv(string(data))))
}

// Parse decodes YAML config bytes, applies defaults and validates. Unknown
// keys are rejected so typos fail loudly instead of silently falling back to
// defaults.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(string(data)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// isValidSubjectPart checks if a string is valid for use in NATS subjects.
func isValidSubjectPart(s string) bool {
	if len(s) == 0 {
		return false
	}
	for _, r := range s {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) &&
			r != '-' && r != '_' && r != '.' {
			return false
		}
	}
	return true
}
