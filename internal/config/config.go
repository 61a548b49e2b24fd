// Package config loads the broker's YAML configuration file with
// gopkg.in/yaml.v3, covering the full set of runtime tuning knobs.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Listener is one bind point the TCP transport accepts connections on.
type Listener struct {
	BindAddress    string `yaml:"bind_address"`
	Port           string `yaml:"port"`
	MaxConnections int    `yaml:"max_connections"`
	IPv6           bool   `yaml:"ipv6"`
}

// TopicMapping configures one local/remote topic translation for a
// bridge connection.
type TopicMapping struct {
	LocalFilter  string `yaml:"local_filter"`
	RemoteFilter string `yaml:"remote_filter"`
	Direction    string `yaml:"direction"` // "in", "out", "both"
}

// Bridge configures one outbound connection to a remote broker.
type Bridge struct {
	Name        string         `yaml:"name"`
	Addresses   []string       `yaml:"addresses"` // failover order, host:port
	ClientID    string         `yaml:"client_id"`
	CleanSession bool          `yaml:"clean_session"`
	KeepAlive   uint16         `yaml:"keepalive"`
	TryPrivate  bool           `yaml:"try_private"`
	Topics      []TopicMapping `yaml:"topics"`
	ReconnectMinBackoffSec int `yaml:"reconnect_min_backoff_seconds"`
	ReconnectMaxBackoffSec int `yaml:"reconnect_max_backoff_seconds"`
	Username    string         `yaml:"username"`
	Password    string         `yaml:"password"`
}

// Config is the top-level broker configuration document.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	Listeners []Listener `yaml:"listeners"`

	MaxInflightMessages int  `yaml:"max_inflight_messages"`
	MaxQueuedMessages   int  `yaml:"max_queued_messages"`
	RetryIntervalSec    int  `yaml:"retry_interval"`
	ConnectionMessages  bool `yaml:"connection_messages"`

	PersistenceLocation     string `yaml:"persistence_location"`
	Persistence             bool   `yaml:"persistence"`
	AutosaveOnChanges       bool   `yaml:"autosave_on_changes"`
	AutosaveChangeThreshold int    `yaml:"autosave_change_threshold"`
	AutosaveIntervalSec     int    `yaml:"autosave_interval"`

	ClientIDPrefixes []string `yaml:"clientid_prefixes"`

	PasswordFile    string `yaml:"password_file"`
	ACLFile         string `yaml:"acl_file"`
	AllowAnonymous  bool   `yaml:"allow_anonymous"`
	UsersDBPath     string `yaml:"users_db_path"`

	Bridges []Bridge `yaml:"bridges"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	MetricsListenAddress string `yaml:"metrics_listen_address"`
}

// Defaults mirrors the broker's built-in tuning when a config field is
// left unset at zero value.
func Defaults() Config {
	return Config{
		Name:                    "sablemq",
		Version:                 "dev",
		Listeners:               []Listener{{BindAddress: "0.0.0.0", Port: "1883", MaxConnections: 1000}},
		MaxInflightMessages:     20,
		MaxQueuedMessages:       1000,
		RetryIntervalSec:        20,
		ConnectionMessages:      true,
		PersistenceLocation:     "./store",
		Persistence:             true,
		AutosaveOnChanges:       true,
		AutosaveChangeThreshold: 64,
		AutosaveIntervalSec:     60,
		UsersDBPath:             "./store/store.db",
		LogLevel:                "info",
		LogFormat:               "text",
		MetricsListenAddress:    "127.0.0.1:9883",
	}
}

// Load reads and parses the YAML file at path, applying Defaults()
// first so omitted fields keep sane values.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	return &cfg, nil
}

// AllowsClientID reports whether id is permitted by ClientIDPrefixes.
// An empty prefix list allows any client id.
func (c *Config) AllowsClientID(id string) bool {
	if len(c.ClientIDPrefixes) == 0 {
		return true
	}
	for _, prefix := range c.ClientIDPrefixes {
		if strings.HasPrefix(id, prefix) {
			return true
		}
	}
	return false
}
