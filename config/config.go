// Package config provides configuration management for the sync agent.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
)

// Config represents the sync agent configuration.
type Config struct {
	// Server settings
	ServerURL    string `json:"server_url"`
	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`

	// Local API
	ListenAddr string `json:"listen_addr"`

	// Sync behavior
	SyncEnabled          bool `json:"sync_enabled"`
	SourceScanSecs       int  `json:"source_scan_secs"`
	StatusCheckSecs      int  `json:"status_check_secs"`
	ConnectionRetrySecs  int  `json:"connection_retry_secs"`
	IdleDelaySecs        int  `json:"idle_delay_secs"`
	MaxConsecutiveErrors int  `json:"max_consecutive_errors"`

	// Advanced
	DebugLogging bool `json:"debug_logging"`

	// Internal
	configPath string
	mu         sync.RWMutex
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:           "127.0.0.1:8742",
		SyncEnabled:          true,
		SourceScanSecs:       60,
		StatusCheckSecs:      5,
		ConnectionRetrySecs:  60,
		IdleDelaySecs:        1,
		MaxConsecutiveErrors: 5,
	}
}

// GetConfigDir returns the platform-specific configuration directory.
func GetConfigDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("APPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Roaming")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_CONFIG_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".config")
		}
	}

	configDir := filepath.Join(baseDir, "qharbor-sync")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}

	return configDir, nil
}

// GetDataDir returns the platform-specific data directory.
func GetDataDir() (string, error) {
	var baseDir string

	switch runtime.GOOS {
	case "windows":
		baseDir = os.Getenv("LOCALAPPDATA")
		if baseDir == "" {
			baseDir = filepath.Join(os.Getenv("USERPROFILE"), "AppData", "Local")
		}
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		baseDir = filepath.Join(home, "Library", "Application Support")
	default: // Linux and others
		baseDir = os.Getenv("XDG_DATA_HOME")
		if baseDir == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			baseDir = filepath.Join(home, ".local", "share")
		}
	}

	dataDir := filepath.Join(baseDir, "qharbor-sync")
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create data directory: %w", err)
	}

	return dataDir, nil
}

// GetCacheDir returns the directory used for live-sync scratch files and
// dataset markers.
func GetCacheDir() (string, error) {
	dataDir, err := GetDataDir()
	if err != nil {
		return "", err
	}
	cacheDir := filepath.Join(dataDir, "cache")
	if err := os.MkdirAll(cacheDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create cache directory: %w", err)
	}
	return cacheDir, nil
}

// Load loads the configuration from the default location.
func Load() (*Config, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return nil, err
	}

	configPath := filepath.Join(configDir, "config.json")
	return LoadFrom(configPath)
}

// LoadFrom loads the configuration from a specific file.
func LoadFrom(path string) (*Config, error) {
	cfg := DefaultConfig()
	cfg.configPath = path

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// No config file yet, use defaults
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save saves the configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.configPath == "" {
		configDir, err := GetConfigDir()
		if err != nil {
			return err
		}
		c.configPath = filepath.Join(configDir, "config.json")
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.configPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Update updates config values and saves.
func (c *Config) Update(fn func(*Config)) error {
	c.mu.Lock()
	fn(c)
	c.mu.Unlock()
	return c.Save()
}

// IsConfigured returns true if the agent has been configured with server details.
func (c *Config) IsConfigured() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerURL != "" && c.AccessToken != ""
}

// GetServerURL returns the server URL.
func (c *Config) GetServerURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ServerURL
}

// GetAccessToken returns the current access token.
func (c *Config) GetAccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.AccessToken
}

// SetTokens updates the access and refresh tokens.
func (c *Config) SetTokens(accessToken, refreshToken string) error {
	return c.Update(func(cfg *Config) {
		cfg.AccessToken = accessToken
		cfg.RefreshToken = refreshToken
	})
}
