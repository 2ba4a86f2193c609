// Package config handles Mnemon configuration loading.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mnemon/config.yaml, /etc/mnemon/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mnemon", "config.yaml"))
	}

	paths = append(paths, "/etc/mnemon/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Mnemon configuration.
type Config struct {
	// Password is the shared secret a new session must present before
	// anything else is accepted. PasswordHash, a bcrypt hash, takes
	// precedence when both are set.
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text or json
	LogFile   string `yaml:"log_file"`

	// TurnTimeoutSec bounds one whole conversation turn, including a
	// confirmed shell command.
	TurnTimeoutSec int `yaml:"turn_timeout_sec"`

	Completion  CompletionConfig  `yaml:"completion"`
	Embeddings  EmbeddingsConfig  `yaml:"embeddings"`
	VectorStore VectorStoreConfig `yaml:"vectorstore"`
	Shell       ShellConfig       `yaml:"shell"`
	Listen      ListenConfig      `yaml:"listen"`
	Signal      SignalConfig      `yaml:"signal"`
	MQTT        MQTTConfig        `yaml:"mqtt"`
	WebSocket   WebSocketConfig   `yaml:"websocket"`
}

// CompletionConfig selects the text-completion service.
type CompletionConfig struct {
	Provider   string `yaml:"provider"` // openai, anthropic, ollama
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-request timeout.
func (c CompletionConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// EmbeddingsConfig selects the embedding service.
type EmbeddingsConfig struct {
	Provider   string `yaml:"provider"` // openai, ollama
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
	TimeoutSec int    `yaml:"timeout_sec"`
	// CacheTTLSec keeps recent query embeddings in memory. Zero disables
	// the cache.
	CacheTTLSec int `yaml:"cache_ttl_sec"`
}

// Timeout returns the per-request timeout.
func (c EmbeddingsConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// VectorStoreConfig selects the vector index backend.
type VectorStoreConfig struct {
	Provider   string `yaml:"provider"` // qdrant, sqlite, memory
	URL        string `yaml:"url"`
	APIKey     string `yaml:"api_key"`
	Collection string `yaml:"collection"`
	Path       string `yaml:"path"` // sqlite only
	TimeoutSec int    `yaml:"timeout_sec"`
}

// Timeout returns the per-request timeout.
func (c VectorStoreConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ShellConfig configures execution of confirmed commands.
type ShellConfig struct {
	TimeoutSec int    `yaml:"timeout_sec"`
	WorkingDir string `yaml:"working_dir"`
}

// Timeout returns the command timeout.
func (c ShellConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// ListenConfig defines the HTTP server settings (health, metrics, websocket).
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// SignalConfig enables the signal-cli transport.
type SignalConfig struct {
	Enabled bool   `yaml:"enabled"`
	Command string `yaml:"command"`
	Account string `yaml:"account"`
	// Args are extra arguments passed before jsonRpc, e.g. a config dir.
	Args []string `yaml:"args"`
	// RateLimit caps messages per sender per minute. Zero is unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// MQTTConfig enables the MQTT transport.
type MQTTConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Broker      string `yaml:"broker"`
	TopicPrefix string `yaml:"topic_prefix"`
	ClientID    string `yaml:"client_id"`
	Username    string `yaml:"username"`
	Password    string `yaml:"password"`
	// RateLimit caps inbound messages per minute across all chats.
	// Zero is unlimited.
	RateLimit int `yaml:"rate_limit"`
}

// WebSocketConfig enables the /ws transport on the HTTP listener.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TurnTimeout returns the bound on a single conversation turn.
func (c *Config) TurnTimeout() time.Duration {
	return time.Duration(c.TurnTimeoutSec) * time.Second
}

// Load reads configuration from a YAML file. A .env file in the working
// directory or next to the config file is loaded into the environment
// first; variables already set are not overridden. ${VAR} references in
// the YAML are then expanded.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(filepath.Join(filepath.Dir(path), ".env"), ".env"); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	return cfg, nil
}

func loadDotEnv(paths ...string) error {
	seen := make(map[string]bool)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Default returns a configuration with every optional field filled in.
func Default() *Config {
	return &Config{
		LogLevel:       "info",
		LogFormat:      "text",
		TurnTimeoutSec: 300,
		Completion: CompletionConfig{
			Provider:   "openai",
			TimeoutSec: 60,
		},
		Embeddings: EmbeddingsConfig{
			Provider:    "openai",
			TimeoutSec:  60,
			CacheTTLSec: 600,
		},
		VectorStore: VectorStoreConfig{
			Provider:   "qdrant",
			URL:        "http://localhost:6333",
			TimeoutSec: 60,
		},
		Shell:     ShellConfig{TimeoutSec: 60},
		Listen:    ListenConfig{Port: 8090},
		Signal:    SignalConfig{Command: "signal-cli"},
		MQTT:      MQTTConfig{TopicPrefix: "mnemon"},
		WebSocket: WebSocketConfig{Enabled: true},
	}
}

// applyDefaults fills zero values that YAML may have cleared explicitly.
func (c *Config) applyDefaults() {
	d := Default()
	if c.TurnTimeoutSec <= 0 {
		c.TurnTimeoutSec = d.TurnTimeoutSec
	}
	if c.Completion.TimeoutSec <= 0 {
		c.Completion.TimeoutSec = d.Completion.TimeoutSec
	}
	if c.Embeddings.TimeoutSec <= 0 {
		c.Embeddings.TimeoutSec = d.Embeddings.TimeoutSec
	}
	if c.VectorStore.TimeoutSec <= 0 {
		c.VectorStore.TimeoutSec = d.VectorStore.TimeoutSec
	}
	if c.Shell.TimeoutSec <= 0 {
		c.Shell.TimeoutSec = d.Shell.TimeoutSec
	}
	if c.Listen.Port == 0 {
		c.Listen.Port = d.Listen.Port
	}
	if c.Signal.Command == "" {
		c.Signal.Command = d.Signal.Command
	}
	if c.MQTT.TopicPrefix == "" {
		c.MQTT.TopicPrefix = d.MQTT.TopicPrefix
	}
	if c.Completion.BaseURL == "" {
		switch c.Completion.Provider {
		case "ollama":
			c.Completion.BaseURL = "http://localhost:11434"
		case "openai":
			c.Completion.BaseURL = "https://api.openai.com/v1"
		}
	}
	if c.Embeddings.BaseURL == "" {
		switch c.Embeddings.Provider {
		case "ollama":
			c.Embeddings.BaseURL = "http://localhost:11434"
		case "openai":
			c.Embeddings.BaseURL = "https://api.openai.com/v1"
		}
	}
}

// Error reports every problem found in a configuration. It is fatal at
// startup.
type Error struct {
	Problems []string
}

func (e *Error) Error() string {
	return "invalid configuration: " + strings.Join(e.Problems, "; ")
}

// Validate checks that everything required to start is present.
func (c *Config) Validate() error {
	var p []string

	if c.Password == "" && c.PasswordHash == "" {
		p = append(p, "password or password_hash is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		p = append(p, err.Error())
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		p = append(p, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}

	switch c.Completion.Provider {
	case "openai", "anthropic", "ollama":
	default:
		p = append(p, fmt.Sprintf("completion.provider %q must be openai, anthropic or ollama", c.Completion.Provider))
	}
	if c.Completion.Model == "" {
		p = append(p, "completion.model is required")
	}

	switch c.Embeddings.Provider {
	case "openai", "ollama":
	default:
		p = append(p, fmt.Sprintf("embeddings.provider %q must be openai or ollama", c.Embeddings.Provider))
	}
	if c.Embeddings.Model == "" {
		p = append(p, "embeddings.model is required")
	}
	if c.Embeddings.Dimensions <= 0 {
		p = append(p, "embeddings.dimensions must be positive")
	}

	switch c.VectorStore.Provider {
	case "qdrant":
		if c.VectorStore.URL == "" {
			p = append(p, "vectorstore.url is required for qdrant")
		}
	case "sqlite":
		if c.VectorStore.Path == "" {
			p = append(p, "vectorstore.path is required for sqlite")
		}
	case "memory":
	default:
		p = append(p, fmt.Sprintf("vectorstore.provider %q must be qdrant, sqlite or memory", c.VectorStore.Provider))
	}
	if c.VectorStore.Collection == "" {
		p = append(p, "vectorstore.collection is required")
	}

	if !c.Signal.Enabled && !c.MQTT.Enabled && !c.WebSocket.Enabled {
		p = append(p, "at least one of signal, mqtt or websocket must be enabled")
	}
	if c.Signal.Enabled && c.Signal.Account == "" {
		p = append(p, "signal.account is required when signal is enabled")
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		p = append(p, "mqtt.broker is required when mqtt is enabled")
	}

	if len(p) > 0 {
		return &Error{Problems: p}
	}
	return nil
}
