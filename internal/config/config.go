// Package config handles configuration loading, validation, and persistence
// for the tftpd server.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir  = "config"
	DefaultConfigFile = "config.json"
	DefaultAPIAddr    = "127.0.0.1:8069"
	DefaultStoreRoot  = "Files"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Server    ServerConfig    `json:"server"`
	API       APIConfig       `json:"api"`
	MQTT      MQTTConfig      `json:"mqtt"`
	Audit     AuditConfig     `json:"audit"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Logging   LoggingConfig   `json:"logging"`
}

// ServerConfig configures the TFTP listener and file store.
type ServerConfig struct {
	// Host to bind; empty listens on all interfaces.
	Host string `json:"host"`
	// Port is normally supplied on the command line.
	Port  int         `json:"port"`
	Store StoreConfig `json:"store"`
}

// StoreConfig selects and configures the file store backend.
type StoreConfig struct {
	Backend string `json:"backend"` // "disk" or "s3"
	Root    string `json:"root"`

	// S3 only
	Bucket   string `json:"bucket"`
	Prefix   string `json:"prefix"`
	Region   string `json:"region"`
	Endpoint string `json:"endpoint"`
}

// APIConfig holds the admin HTTP API settings.
type APIConfig struct {
	Enabled        bool     `json:"enabled"`
	ListenAddr     string   `json:"listen_addr"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
}

// MQTTConfig holds MQTT telemetry settings.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	CAFile      string `json:"ca_file"`
	ClientID    string `json:"client_id"`
	TopicPrefix string `json:"topic_prefix"`
}

// AuditConfig holds the SQLite audit log settings.
type AuditConfig struct {
	Enabled       bool   `json:"enabled"`
	DBPath        string `json:"db_path"`
	RetentionDays int    `json:"retention_days"`
}

// SchedulerConfig holds background task intervals.
type SchedulerConfig struct {
	DiskCheckInterval  int    `json:"disk_check_interval_sec"`
	MinFreeMB          uint64 `json:"min_free_mb"`
	AuditPruneInterval int    `json:"audit_prune_interval_sec"`
	StatusInterval     int    `json:"status_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Store: StoreConfig{
				Backend: "disk",
				Root:    DefaultStoreRoot,
				Prefix:  "files/",
			},
		},
		API: APIConfig{
			Enabled:      true,
			ListenAddr:   DefaultAPIAddr,
			RateLimitRPS: 50,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "tftpd",
		},
		Audit: AuditConfig{
			Enabled:       true,
			DBPath:        filepath.Join("data", "tftpd.db"),
			RetentionDays: 30,
		},
		Scheduler: SchedulerConfig{
			DiskCheckInterval:  300,
			MinFreeMB:          512,
			AuditPruneInterval: 3600,
			StatusInterval:     60,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 5,
			Console:    true,
		},
	}
}

// Load reads configuration from config.json in configDir. A missing file is
// created with defaults; an existing one is overlaid on the defaults and
// re-saved so new fields show up.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// SetPort overrides the listen port, typically from the command line.
func (c *Config) SetPort(port int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Server.Port = port
}

// GetServer returns a copy of the server configuration.
func (c *Config) GetServer() ServerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server
}

// ListenAddr returns the host:port the TFTP listener binds.
func (c *Config) ListenAddr() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}
