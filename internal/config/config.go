// Package config provides YAML-based configuration for the console backend.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AppConfig represents the root configuration structure
type AppConfig struct {
	// Server configuration
	Server ServerConfig `yaml:"server"`

	// Device backend endpoints
	Backend BackendConfig `yaml:"backend"`

	// Session persistence and timeout
	Session SessionConfig `yaml:"session"`

	// Security configuration
	Security SecurityConfig `yaml:"security"`

	// Audit sinks
	Audit AuditConfig `yaml:"audit"`

	// Advanced options
	Advanced AdvancedConfig `yaml:"advanced"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Port         int    `yaml:"port" validate:"required,min=1,max=65535"`
	BindAddress  string `yaml:"bindAddress"`
	EnableCORS   bool   `yaml:"enableCors"`
	AllowOrigins string `yaml:"allowOrigins"`
	ReadTimeout  int    `yaml:"readTimeoutSeconds" validate:"min=0"`
	WriteTimeout int    `yaml:"writeTimeoutSeconds" validate:"min=0"`
	IdleTimeout  int    `yaml:"idleTimeoutSeconds" validate:"min=0"`
	BodyLimit    string `yaml:"bodyLimit"`
}

// BackendConfig locates the device-communication backend
type BackendConfig struct {
	RealtimeURL           string `yaml:"realtimeUrl" validate:"required,url"`
	DeviceOperationURL    string `yaml:"deviceOperationUrl" validate:"required,url"`
	RequestTimeoutSeconds int    `yaml:"requestTimeoutSeconds" validate:"min=1"`
}

// SessionConfig contains session persistence settings
type SessionConfig struct {
	DataDirectory  string `yaml:"dataDirectory" validate:"required"`
	StoreFile      string `yaml:"storeFile" validate:"required"`
	TimeoutMinutes int    `yaml:"timeoutMinutes" validate:"min=1"`
}

// SecurityConfig contains lockout settings
type SecurityConfig struct {
	MaxFailedAttempts      int `yaml:"maxFailedAttempts" validate:"min=1"`
	LockoutDurationMinutes int `yaml:"lockoutDurationMinutes" validate:"min=1"`
}

// AuditConfig contains audit sink settings
type AuditConfig struct {
	SinkURL     string `yaml:"sinkUrl" validate:"omitempty,url"`
	JournalFile string `yaml:"journalFile"`
	QueueSize   int    `yaml:"queueSize" validate:"min=1"`
}

// AdvancedConfig contains advanced/tuning options
type AdvancedConfig struct {
	LogLevel                  string `yaml:"logLevel" validate:"oneof=debug info warn error"`
	LogEncoding               string `yaml:"logEncoding" validate:"oneof=json console"`
	EnableRequestLogging      bool   `yaml:"enableRequestLogging"`
	HeartbeatSeconds          int    `yaml:"heartbeatSeconds" validate:"min=1"`
	ReconnectDelaySeconds     int    `yaml:"reconnectDelaySeconds" validate:"min=1"`
	OperationTimeoutSeconds   int    `yaml:"operationTimeoutSeconds" validate:"min=1"`
	WebSocketMaxMessageSizeKB int    `yaml:"webSocketMaxMessageSizeKB" validate:"min=1"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *AppConfig {
	return &AppConfig{
		Server: ServerConfig{
			Port:         8089,
			BindAddress:  "0.0.0.0",
			EnableCORS:   true,
			AllowOrigins: "*",
			ReadTimeout:  30,
			WriteTimeout: 30,
			IdleTimeout:  120,
			BodyLimit:    "1M",
		},
		Backend: BackendConfig{
			RealtimeURL:           "ws://localhost:8080/ws",
			DeviceOperationURL:    "http://localhost:8080/api/device/operation",
			RequestTimeoutSeconds: 10,
		},
		Session: SessionConfig{
			DataDirectory:  "./data",
			StoreFile:      "session.msgpack",
			TimeoutMinutes: 30,
		},
		Security: SecurityConfig{
			MaxFailedAttempts:      5,
			LockoutDurationMinutes: 5,
		},
		Audit: AuditConfig{
			SinkURL:     "",
			JournalFile: "audit.duckdb",
			QueueSize:   256,
		},
		Advanced: AdvancedConfig{
			LogLevel:                  "info",
			LogEncoding:               "json",
			EnableRequestLogging:      true,
			HeartbeatSeconds:          30,
			ReconnectDelaySeconds:     3,
			OperationTimeoutSeconds:   10,
			WebSocketMaxMessageSizeKB: 64,
		},
	}
}

// LoadConfig loads configuration from a YAML file, creating the
// default file when it does not exist.
func LoadConfig(configPath string) (*AppConfig, error) {
	config := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := config.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Apply environment variable overrides
	config.applyEnvironmentOverrides()

	if err := config.Validate(); err != nil {
		return nil, err
	}

	// Resolve relative paths
	config.resolvePaths(filepath.Dir(configPath))

	return config, nil
}

var validate = validator.New()

// Validate checks field constraints.
func (c *AppConfig) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Save saves the configuration to a YAML file
func (c *AppConfig) Save(configPath string) error {
	output, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Workstation console backend configuration\n# This file is auto-generated on first run\n\n")
	content := append(header, output...)

	if dir := filepath.Dir(configPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(configPath, content, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// applyEnvironmentOverrides allows environment variables to override config values
func (c *AppConfig) applyEnvironmentOverrides() {
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if dataDir := os.Getenv("DATA_DIR"); dataDir != "" {
		c.Session.DataDirectory = dataDir
	}
	if url := os.Getenv("REALTIME_URL"); url != "" {
		c.Backend.RealtimeURL = url
	}
	if url := os.Getenv("DEVICE_API_URL"); url != "" {
		c.Backend.DeviceOperationURL = url
	}
	if url := os.Getenv("AUDIT_SINK_URL"); url != "" {
		c.Audit.SinkURL = url
	}
	if level := os.Getenv("LOG_LEVEL"); level != "" {
		c.Advanced.LogLevel = level
	}
}

// resolvePaths converts relative paths to absolute based on config file location
func (c *AppConfig) resolvePaths(configDir string) {
	if !filepath.IsAbs(c.Session.DataDirectory) {
		c.Session.DataDirectory = filepath.Join(configDir, c.Session.DataDirectory)
	}
}

// GetDataDir returns the absolute data directory path
func (c *AppConfig) GetDataDir() string {
	return c.Session.DataDirectory
}

// GetSessionPath returns the session store file path
func (c *AppConfig) GetSessionPath() string {
	return c.inDataDir(c.Session.StoreFile)
}

// GetJournalPath returns the audit journal path, or "" when journaling is off
func (c *AppConfig) GetJournalPath() string {
	if c.Audit.JournalFile == "" {
		return ""
	}
	return c.inDataDir(c.Audit.JournalFile)
}

func (c *AppConfig) inDataDir(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(c.Session.DataDirectory, name)
}

// GetServerAddr returns the server bind address
func (c *AppConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.BindAddress, c.Server.Port)
}

// SessionTimeout returns the inactivity timeout
func (c *AppConfig) SessionTimeout() time.Duration {
	return time.Duration(c.Session.TimeoutMinutes) * time.Minute
}

// LockoutDuration returns how long a lockout lasts
func (c *AppConfig) LockoutDuration() time.Duration {
	return time.Duration(c.Security.LockoutDurationMinutes) * time.Minute
}

// RequestTimeout returns the HTTP fallback timeout
func (c *AppConfig) RequestTimeout() time.Duration {
	return time.Duration(c.Backend.RequestTimeoutSeconds) * time.Second
}

// HeartbeatInterval returns the realtime ping interval
func (c *AppConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.Advanced.HeartbeatSeconds) * time.Second
}

// ReconnectDelay returns the delay before a realtime reconnect
func (c *AppConfig) ReconnectDelay() time.Duration {
	return time.Duration(c.Advanced.ReconnectDelaySeconds) * time.Second
}

// OperationTimeout returns how long a realtime operation waits for its result
func (c *AppConfig) OperationTimeout() time.Duration {
	return time.Duration(c.Advanced.OperationTimeoutSeconds) * time.Second
}

// EnsureDirectories creates all necessary directories
func (c *AppConfig) EnsureDirectories() error {
	if err := os.MkdirAll(c.Session.DataDirectory, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", c.Session.DataDirectory, err)
	}
	return nil
}
