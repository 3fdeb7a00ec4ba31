// Package config loads the client daemon's configuration from, in order of
// precedence: environment variables, an optional YAML file named by
// MURMUR_CONFIG, and defaults. A .env file in the working directory is loaded
// first if present.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the client daemon settings.
type Config struct {
	// ServerURL is the chat backend base URL, e.g. https://chat.example.com.
	ServerURL string `yaml:"server_url"`
	// WSPath is the WebSocket endpoint path on the backend.
	WSPath string `yaml:"ws_path"`
	// ListenAddr is where the local UI bridge listens.
	ListenAddr string `yaml:"listen_addr"`
	// CachePath is the sqlite cache location; empty disables caching.
	CachePath string `yaml:"cache_path"`
	// SessionCookie is sent as the Cookie header on dial and REST calls.
	SessionCookie string `yaml:"session_cookie"`
}

// Load builds the configuration.
func Load() (Config, error) {
	// Best effort; a missing .env is normal.
	_ = godotenv.Load()

	cfg := Config{
		WSPath:     "/chat/ws",
		ListenAddr: "127.0.0.1:8491",
		CachePath:  defaultCachePath(),
	}

	if path := os.Getenv("MURMUR_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if v := os.Getenv("MURMUR_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("MURMUR_WS_PATH"); v != "" {
		cfg.WSPath = v
	}
	if v := os.Getenv("MURMUR_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("MURMUR_CACHE_PATH"); v != "" {
		cfg.CachePath = v
	}
	if v := os.Getenv("MURMUR_SESSION_COOKIE"); v != "" {
		cfg.SessionCookie = v
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("config: server URL is required (MURMUR_SERVER_URL)")
	}
	if !strings.HasPrefix(c.ServerURL, "http://") && !strings.HasPrefix(c.ServerURL, "https://") {
		return fmt.Errorf("config: server URL must be http(s), got %q", c.ServerURL)
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("config: ws path must start with /, got %q", c.WSPath)
	}
	return nil
}

// WSURL derives the WebSocket URL from the server URL and path.
func (c Config) WSURL() string {
	url := c.ServerURL
	switch {
	case strings.HasPrefix(url, "https://"):
		url = "wss://" + strings.TrimPrefix(url, "https://")
	case strings.HasPrefix(url, "http://"):
		url = "ws://" + strings.TrimPrefix(url, "http://")
	}
	return strings.TrimSuffix(url, "/") + c.WSPath
}

func defaultCachePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "murmur", "cache.db")
}
