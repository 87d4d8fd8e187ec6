// Copyright 2024-2026 Aiku AI

package supervisor

import (
	_ "embed"
	"fmt"
	"strings"
	"time"

	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/msgsupervisor/pkg/transport/gateway"
	"github.com/aiku/msgsupervisor/pkg/transport/matrix"
	"github.com/aiku/msgsupervisor/pkg/transport/mattermost"
)

//go:embed example-config.yaml
var ExampleConfig string

// Config is the full process configuration.
type Config struct {
	Logging     zeroconfig.Config  `yaml:"logging"`
	Database    DatabaseConfig     `yaml:"database"`
	Console     ConsoleConfig      `yaml:"console"`
	Supervisor  TimingConfig       `yaml:"supervisor"`
	Callbacks   CallbackConfig     `yaml:"callbacks"`
	Connections []ConnectionConfig `yaml:"connections"`
}

// DatabaseConfig selects where session credentials are persisted. Type is
// "sqlite3", "postgres" or "memory".
type DatabaseConfig struct {
	Type string `yaml:"type"`
	URI  string `yaml:"uri"`
}

// ConsoleConfig configures the HTTP status and control surface.
type ConsoleConfig struct {
	// Address is the listen address. Empty disables the console.
	Address string `yaml:"address"`
	// Token, if set, must be sent as a bearer token on every request.
	Token          string   `yaml:"token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TimingConfig holds the supervisor's timing and sizing knobs.
type TimingConfig struct {
	ReconnectDelay    time.Duration `yaml:"reconnect_delay"`
	StaleConnectAfter time.Duration `yaml:"stale_connect_after"`
	PairingCodeTTL    time.Duration `yaml:"pairing_code_ttl"`
	DialTimeout       time.Duration `yaml:"dial_timeout"`

	CorrelationTTL        time.Duration `yaml:"correlation_ttl"`
	CorrelationMaxEntries int           `yaml:"correlation_max_entries"`
	RecentReplies         int           `yaml:"recent_replies"`
	// TagKey is the correlation-context key used to filter reply events
	// for subscribers, e.g. the name of the agent that sent the message.
	TagKey string `yaml:"tag_key"`
}

// CallbackConfig configures the outbound HTTP callbacks.
type CallbackConfig struct {
	ReactionURL     string        `yaml:"reaction_url"`
	ReplyURL        string        `yaml:"reply_url"`
	BypassHeader    string        `yaml:"bypass_header"`
	BypassSecret    string        `yaml:"bypass_secret"`
	Timeout         time.Duration `yaml:"timeout"`
	ReplyRetryDelay time.Duration `yaml:"reply_retry_delay"`
}

// ConnectionConfig describes one named connection.
type ConnectionConfig struct {
	Name string `yaml:"name"`
	// Transport is "gateway", "mattermost" or "matrix".
	Transport string `yaml:"transport"`
	// AllowedReactors limits whose reactions are forwarded. Empty accepts
	// everyone.
	AllowedReactors []string `yaml:"allowed_reactors"`

	Gateway    gateway.Config    `yaml:"gateway"`
	Mattermost mattermost.Config `yaml:"mattermost"`
	Matrix     matrix.Config     `yaml:"matrix"`
}

const (
	DefaultReconnectDelay        = 5 * time.Second
	DefaultStaleConnectAfter     = 10 * time.Second
	DefaultPairingCodeTTL        = 60 * time.Second
	DefaultDialTimeout           = 30 * time.Second
	DefaultCorrelationTTL        = 24 * time.Hour
	DefaultCorrelationMaxEntries = 10000
	DefaultRecentReplies         = 200
	DefaultTagKey                = "agent"
	DefaultCallbackTimeout       = 10 * time.Second
	DefaultReplyRetryDelay       = 500 * time.Millisecond
	DefaultBypassHeader          = "x-vercel-protection-bypass"
)

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// PostProcess fills in defaults and validates the connection list.
func (c *Config) PostProcess() error {
	c.Supervisor.applyDefaults()
	c.Callbacks.applyDefaults()
	if c.Database.Type == "" {
		c.Database.Type = "memory"
	}
	switch c.Database.Type {
	case "memory", "sqlite3", "postgres":
	default:
		return fmt.Errorf("unsupported database type %q", c.Database.Type)
	}

	seen := make(map[string]struct{}, len(c.Connections))
	for i := range c.Connections {
		conn := &c.Connections[i]
		conn.Name = strings.TrimSpace(conn.Name)
		if conn.Name == "" {
			return fmt.Errorf("connection #%d has no name", i+1)
		}
		if _, dup := seen[conn.Name]; dup {
			return fmt.Errorf("connection %q is configured more than once", conn.Name)
		}
		seen[conn.Name] = struct{}{}
		conn.Transport = strings.ToLower(strings.TrimSpace(conn.Transport))
		if conn.Transport == "" {
			conn.Transport = "gateway"
		}
	}
	return nil
}

func (t *TimingConfig) applyDefaults() {
	if t.ReconnectDelay <= 0 {
		t.ReconnectDelay = DefaultReconnectDelay
	}
	if t.StaleConnectAfter <= 0 {
		t.StaleConnectAfter = DefaultStaleConnectAfter
	}
	if t.PairingCodeTTL <= 0 {
		t.PairingCodeTTL = DefaultPairingCodeTTL
	}
	if t.DialTimeout <= 0 {
		t.DialTimeout = DefaultDialTimeout
	}
	if t.CorrelationTTL <= 0 {
		t.CorrelationTTL = DefaultCorrelationTTL
	}
	if t.CorrelationMaxEntries <= 0 {
		t.CorrelationMaxEntries = DefaultCorrelationMaxEntries
	}
	if t.RecentReplies <= 0 {
		t.RecentReplies = DefaultRecentReplies
	}
	if t.TagKey == "" {
		t.TagKey = DefaultTagKey
	}
}

func (c *CallbackConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = DefaultCallbackTimeout
	}
	if c.ReplyRetryDelay <= 0 {
		c.ReplyRetryDelay = DefaultReplyRetryDelay
	}
	if c.BypassHeader == "" {
		c.BypassHeader = DefaultBypassHeader
	}
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Map, "logging")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")

	helper.Copy(up.Str, "console", "address")
	helper.Copy(up.Str|up.Null, "console", "token")
	helper.Copy(up.List, "console", "allowed_origins")

	helper.Copy(up.Str, "supervisor", "reconnect_delay")
	helper.Copy(up.Str, "supervisor", "stale_connect_after")
	helper.Copy(up.Str, "supervisor", "pairing_code_ttl")
	helper.Copy(up.Str, "supervisor", "dial_timeout")
	helper.Copy(up.Str, "supervisor", "correlation_ttl")
	helper.Copy(up.Int, "supervisor", "correlation_max_entries")
	helper.Copy(up.Int, "supervisor", "recent_replies")
	helper.Copy(up.Str, "supervisor", "tag_key")

	helper.Copy(up.Str|up.Null, "callbacks", "reaction_url")
	helper.Copy(up.Str|up.Null, "callbacks", "reply_url")
	helper.Copy(up.Str, "callbacks", "bypass_header")
	helper.Copy(up.Str|up.Null, "callbacks", "bypass_secret")
	helper.Copy(up.Str, "callbacks", "timeout")
	helper.Copy(up.Str, "callbacks", "reply_retry_delay")

	helper.Copy(up.List, "connections")
}

// Upgrader returns the config upgrader that merges an on-disk config with
// the embedded example.
func Upgrader() *up.StructUpgrader {
	return &up.StructUpgrader{
		SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
		Blocks:         nil,
		Base:           ExampleConfig,
	}
}

// ParseConfig decodes and post-processes a YAML config document.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
