// Package config loads the node's configuration the way the original
// server-farm ConfigManager does: built-in defaults, overridden by a YAML
// file, overridden by environment variables, overridden by CLI flags —
// merged with viper the way the teacher's sibling examples
// (orbas1-Synnergy's pkg/config and cmd/config) use it.
package config

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// App is the `app` section.
type App struct {
	Name    string `mapstructure:"name" yaml:"name"`
	Version string `mapstructure:"version" yaml:"version"`
	Env     string `mapstructure:"env" yaml:"env"`
	Debug   bool   `mapstructure:"debug" yaml:"debug"`
}

// Server is the `server` section: the local HTTP/WS listen address.
type Server struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`
}

// Node is the `node` section.
type Node struct {
	ID            string `mapstructure:"id" yaml:"id"`
	Name          string `mapstructure:"name" yaml:"name"`
	Mode          string `mapstructure:"mode" yaml:"mode"` // full | relay | auto
	PrimaryServer string `mapstructure:"primary_server" yaml:"primary_server"`
	PublicURL     string `mapstructure:"public_url" yaml:"public_url"`
	Connectable   bool   `mapstructure:"connectable" yaml:"connectable"`
}

// Peer is the `peer` section (spec §4.6's tunables).
type Peer struct {
	SyncIntervalSeconds      int `mapstructure:"sync_interval" yaml:"sync_interval"`
	HeartbeatIntervalSeconds int `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	TimeoutSeconds           int `mapstructure:"timeout" yaml:"timeout"`
	MaxFanout                int `mapstructure:"max_fanout" yaml:"max_fanout"`
	MaxHeartbeatFailures     int `mapstructure:"max_heartbeat_failures" yaml:"max_heartbeat_failures"`
}

// Security is the `security` section.
type Security struct {
	NodeKey          string   `mapstructure:"node_key" yaml:"node_key"`
	AdminUser        string   `mapstructure:"admin_user" yaml:"admin_user"`
	AdminPassword    string   `mapstructure:"admin_password" yaml:"admin_password"`
	ChatToken        string   `mapstructure:"chat_token" yaml:"chat_token"`
	CommandBlacklist []string `mapstructure:"command_blacklist" yaml:"command_blacklist"`
}

// LoggingFile is the `logging.file` sub-section.
type LoggingFile struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	Directory   string `mapstructure:"directory" yaml:"directory"`
	MaxSizeMB   int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	BackupCount int    `mapstructure:"backup_count" yaml:"backup_count"`
	AppLog      string `mapstructure:"app_log" yaml:"app_log"`
	ErrorLog    string `mapstructure:"error_log" yaml:"error_log"`
}

// Logging is the `logging` section.
type Logging struct {
	Level  string      `mapstructure:"level" yaml:"level"`
	File   LoggingFile `mapstructure:"file" yaml:"file"`
	Format string      `mapstructure:"format" yaml:"format"`
}

// Config is the unified configuration tree, mirroring the original
// ConfigManager's built-in defaults dict section for section.
type Config struct {
	App      App      `mapstructure:"app" yaml:"app"`
	Server   Server   `mapstructure:"server" yaml:"server"`
	Node     Node     `mapstructure:"node" yaml:"node"`
	Peer     Peer     `mapstructure:"peer" yaml:"peer"`
	Security Security `mapstructure:"security" yaml:"security"`
	Logging  Logging  `mapstructure:"logging" yaml:"logging"`

	mu     sync.Mutex `yaml:"-"`
	frozen bool       `yaml:"-"`
}

const (
	envPrefix = "MESHNODE"
	envSep    = "__"
)

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "meshnode")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.debug", true)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8300)

	v.SetDefault("node.id", "")
	v.SetDefault("node.name", "")
	v.SetDefault("node.mode", "auto")
	v.SetDefault("node.primary_server", "")
	v.SetDefault("node.public_url", "")
	v.SetDefault("node.connectable", false)

	v.SetDefault("peer.sync_interval", 30)
	v.SetDefault("peer.heartbeat_interval", 10)
	v.SetDefault("peer.timeout", 10)
	v.SetDefault("peer.max_fanout", 3)
	v.SetDefault("peer.max_heartbeat_failures", 3)

	v.SetDefault("security.node_key", "")
	v.SetDefault("security.admin_user", "admin")
	v.SetDefault("security.admin_password", "")
	v.SetDefault("security.chat_token", "")
	v.SetDefault("security.command_blacklist", []string{"rm -rf /", "mkfs", "dd if=/dev/zero"})

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file.enabled", true)
	v.SetDefault("logging.file.directory", "logs")
	v.SetDefault("logging.file.max_size_mb", 10)
	v.SetDefault("logging.file.backup_count", 5)
	v.SetDefault("logging.file.app_log", "app.log")
	v.SetDefault("logging.file.error_log", "error.log")
	v.SetDefault("logging.format", "")
}

// Load builds a Config from, in increasing priority order: built-in
// defaults, the YAML file at path (if it exists — a missing file is not an
// error, matching the original's "generate a default on first run" intent
// minus the side-effecting file write), MESHNODE_-prefixed environment
// variables (double underscore = nesting separator, e.g.
// MESHNODE_PEER__SYNC_INTERVAL=15), and finally flags, if given.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", envSep, "-", "_"))
	v.AutomaticEnv()

	if flags != nil {
		if err := v.BindPFlags(flags); err != nil {
			return nil, fmt.Errorf("config: bind flags: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

// SaveToYAML writes the current, fully-resolved configuration to path —
// the Go analogue of the original ConfigManager.save_to_yaml, used by
// cmd/node to lay down a config.yaml on a node's very first run so a
// restart and an operator inspecting the file both see what was actually
// applied, not just the built-in defaults.
func (c *Config) SaveToYAML(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Freeze marks the config immutable; subsequent Set calls return an error
// instead of silently mutating shared state out from under a running
// SyncEngine — the Go analogue of the original ConfigManager.freeze().
func (c *Config) Freeze() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frozen = true
}

// IsFrozen reports whether Freeze has been called.
func (c *Config) IsFrozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// ErrFrozen is returned by any attempted mutation after Freeze.
var ErrFrozen = fmt.Errorf("config: frozen, cannot modify")

// SetNodeMode updates node.mode at runtime (e.g. from an admin API call),
// refusing once frozen.
func (c *Config) SetNodeMode(mode string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return ErrFrozen
	}
	c.Node.Mode = mode
	return nil
}
