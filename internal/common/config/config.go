// Package config provides configuration management for Taskforge.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Taskforge.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	NATS    NATSConfig    `mapstructure:"nats"`
	Logging LoggingConfig `mapstructure:"logging"`
	Runtime RuntimeConfig `mapstructure:"runtime"`
	LLM     LLMConfig     `mapstructure:"llm"`
	MCP     MCPConfig     `mapstructure:"mcp"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	MaxBodyBytes int64  `mapstructure:"maxBodyBytes"`
	AuthToken    string `mapstructure:"authToken"` // empty disables auth for non-localhost clients
}

// StorageConfig holds durable state configuration.
// The event log, audit log, conversation log and projection cursors are
// newline-delimited JSON files under DataDir. The task view read model can
// additionally be kept in SQLite for querying.
type StorageConfig struct {
	DataDir          string `mapstructure:"dataDir"`
	EventsFile       string `mapstructure:"eventsFile"`
	AuditFile        string `mapstructure:"auditFile"`
	ConversationFile string `mapstructure:"conversationFile"`
	ProjectionsFile  string `mapstructure:"projectionsFile"`
	TaskViewBackend  string `mapstructure:"taskViewBackend"` // memory, sqlite
	SQLitePath       string `mapstructure:"sqlitePath"`
}

// NATSConfig holds NATS messaging configuration for the UI event bus.
// An empty URL selects the in-memory bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// RuntimeConfig holds agent runtime configuration.
type RuntimeConfig struct {
	// ChildWaitTimeout bounds how long the subtask tool waits for a child
	// task to reach a terminal state, in seconds.
	ChildWaitTimeout int `mapstructure:"childWaitTimeout"`

	// AgentOutputBuffer is the channel capacity between an agent and its runtime.
	AgentOutputBuffer int `mapstructure:"agentOutputBuffer"`

	// GapFillLimit caps how many missed events are replayed to a WebSocket
	// client that reconnects with a last_event_id.
	GapFillLimit int `mapstructure:"gapFillLimit"`

	// WorkspaceDir is the root directory for workspace file tools.
	WorkspaceDir string `mapstructure:"workspaceDir"`

	// PresetsFile is an optional YAML file with agent preset definitions.
	PresetsFile string `mapstructure:"presetsFile"`
}

// LLMConfig holds the connection settings for the OpenAI-compatible chat
// completion provider. The model is chosen per agent preset.
type LLMConfig struct {
	BaseURL string `mapstructure:"baseUrl"`
	APIKey  string `mapstructure:"apiKey"`
	Timeout int    `mapstructure:"timeout"` // in seconds
}

// MCPConfig holds the embedded MCP server configuration.
type MCPConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// ChildWaitTimeoutDuration returns the subtask wait timeout as a time.Duration.
func (r *RuntimeConfig) ChildWaitTimeoutDuration() time.Duration {
	return time.Duration(r.ChildWaitTimeout) * time.Second
}

// EventsPath returns the absolute path of the events log file.
func (s *StorageConfig) EventsPath() string { return filepath.Join(s.DataDir, s.EventsFile) }

// AuditPath returns the absolute path of the audit log file.
func (s *StorageConfig) AuditPath() string { return filepath.Join(s.DataDir, s.AuditFile) }

// ConversationPath returns the absolute path of the conversation log file.
func (s *StorageConfig) ConversationPath() string {
	return filepath.Join(s.DataDir, s.ConversationFile)
}

// ProjectionsPath returns the absolute path of the projections file.
func (s *StorageConfig) ProjectionsPath() string {
	return filepath.Join(s.DataDir, s.ProjectionsFile)
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TASKFORGE_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.maxBodyBytes", 1<<20) // 1MB
	v.SetDefault("server.authToken", "")

	// Storage defaults
	v.SetDefault("storage.dataDir", "~/.taskforge/data")
	v.SetDefault("storage.eventsFile", "events.jsonl")
	v.SetDefault("storage.auditFile", "audit.jsonl")
	v.SetDefault("storage.conversationFile", "conversations.jsonl")
	v.SetDefault("storage.projectionsFile", "projections.jsonl")
	v.SetDefault("storage.taskViewBackend", "memory")
	v.SetDefault("storage.sqlitePath", "~/.taskforge/data/taskviews.db")

	// NATS defaults - empty URL means use in-memory UI bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "taskforge")
	v.SetDefault("nats.maxReconnects", 10)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	// Runtime defaults
	v.SetDefault("runtime.childWaitTimeout", 300)
	v.SetDefault("runtime.agentOutputBuffer", 64)
	v.SetDefault("runtime.gapFillLimit", 500)
	v.SetDefault("runtime.workspaceDir", ".")
	v.SetDefault("runtime.presetsFile", "")

	// LLM defaults
	v.SetDefault("llm.baseUrl", "https://api.openai.com/v1")
	v.SetDefault("llm.apiKey", "")
	v.SetDefault("llm.timeout", 120)

	// MCP defaults
	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.port", 9090)
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TASKFORGE_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/taskforge/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("TASKFORGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so bind
	// keys where env var naming differs from config key naming.
	_ = v.BindEnv("storage.dataDir", "TASKFORGE_STORAGE_DATA_DIR")
	_ = v.BindEnv("server.authToken", "TASKFORGE_SERVER_AUTH_TOKEN")
	_ = v.BindEnv("runtime.childWaitTimeout", "TASKFORGE_RUNTIME_CHILD_WAIT_TIMEOUT")
	_ = v.BindEnv("runtime.workspaceDir", "TASKFORGE_RUNTIME_WORKSPACE_DIR")
	_ = v.BindEnv("llm.baseUrl", "TASKFORGE_LLM_BASE_URL")
	_ = v.BindEnv("llm.apiKey", "TASKFORGE_LLM_API_KEY")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/taskforge/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	expandPaths(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandPaths resolves a leading "~/" in configured paths against the user home.
func expandPaths(cfg *Config) {
	home, err := os.UserHomeDir()
	if err != nil {
		return
	}
	expand := func(p string) string {
		if strings.HasPrefix(p, "~/") {
			return filepath.Join(home, p[2:])
		}
		return p
	}
	cfg.Storage.DataDir = expand(cfg.Storage.DataDir)
	cfg.Storage.SQLitePath = expand(cfg.Storage.SQLitePath)
	cfg.Runtime.WorkspaceDir = expand(cfg.Runtime.WorkspaceDir)
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		errs = append(errs, "server.maxBodyBytes must be positive")
	}

	if cfg.Storage.DataDir == "" {
		errs = append(errs, "storage.dataDir is required")
	}
	switch cfg.Storage.TaskViewBackend {
	case "memory", "sqlite":
	default:
		errs = append(errs, "storage.taskViewBackend must be one of: memory, sqlite")
	}
	if cfg.Storage.TaskViewBackend == "sqlite" && cfg.Storage.SQLitePath == "" {
		errs = append(errs, "storage.sqlitePath is required when storage.taskViewBackend is sqlite")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true, "console": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if cfg.Runtime.ChildWaitTimeout <= 0 {
		errs = append(errs, "runtime.childWaitTimeout must be positive")
	}
	if cfg.Runtime.AgentOutputBuffer <= 0 {
		errs = append(errs, "runtime.agentOutputBuffer must be positive")
	}
	if cfg.Runtime.GapFillLimit <= 0 {
		errs = append(errs, "runtime.gapFillLimit must be positive")
	}

	if cfg.MCP.Enabled && (cfg.MCP.Port <= 0 || cfg.MCP.Port > 65535) {
		errs = append(errs, "mcp.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
