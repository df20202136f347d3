// Package config loads daemon configuration from JSON files. Fields are
// pointer-typed so a partial file merges over the built-in defaults, and
// the same schema serves both binaries.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DaemonConfig is the root configuration shared by posed and navwatch.
type DaemonConfig struct {
	// Pose server params
	ListenAddr    *string  `json:"listen_addr,omitempty"`
	SourceType    *string  `json:"source_type,omitempty"`
	PublishRateHz *float64 `json:"publish_rate_hz,omitempty"`

	// Sample recording params
	DBPath        *string `json:"db_path,omitempty"`
	MigrationsDir *string `json:"migrations_dir,omitempty"`

	// Client params
	ServerURL     *string `json:"server_url,omitempty"`
	ReconnectMin  *string `json:"reconnect_min,omitempty"` // duration string like "250ms"
	ReconnectMax  *string `json:"reconnect_max,omitempty"` // duration string like "5s"
	StatusTimeout *string `json:"status_timeout,omitempty"`

	// Session setup params
	SessionPath *string `json:"session_path,omitempty"`
}

func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }

// EmptyDaemonConfig returns a DaemonConfig with all fields set to nil.
func EmptyDaemonConfig() *DaemonConfig {
	return &DaemonConfig{}
}

// DefaultDaemonConfig returns a config with every field populated with its
// built-in default.
func DefaultDaemonConfig() *DaemonConfig {
	return &DaemonConfig{
		ListenAddr:    ptrString("127.0.0.1:18950"),
		SourceType:    ptrString("Generic"),
		PublishRateHz: ptrFloat64(10),
		DBPath:        ptrString("samples.db"),
		MigrationsDir: ptrString("db/migrations"),
		ServerURL:     ptrString("http://127.0.0.1:18950"),
		ReconnectMin:  ptrString("250ms"),
		ReconnectMax:  ptrString("5s"),
		StatusTimeout: ptrString("10s"),
		SessionPath:   ptrString(""),
	}
}

// LoadDaemonConfig loads a DaemonConfig from a JSON file.
// The file is validated to ensure it has a .json extension and is under the
// max file size. Fields omitted from the JSON file retain their default
// values, so partial configs are safe.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	// Check file size for safety (max 1MB)
	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyDaemonConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that any populated fields hold usable values.
func (c *DaemonConfig) Validate() error {
	if c.PublishRateHz != nil && *c.PublishRateHz <= 0 {
		return fmt.Errorf("publish_rate_hz must be positive, got %v", *c.PublishRateHz)
	}
	for name, field := range map[string]*string{
		"reconnect_min":  c.ReconnectMin,
		"reconnect_max":  c.ReconnectMax,
		"status_timeout": c.StatusTimeout,
	} {
		if field == nil {
			continue
		}
		d, err := time.ParseDuration(*field)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.ReconnectMin != nil && c.ReconnectMax != nil {
		min, _ := time.ParseDuration(*c.ReconnectMin)
		max, _ := time.ParseDuration(*c.ReconnectMax)
		if min > max {
			return fmt.Errorf("reconnect_min %v exceeds reconnect_max %v", min, max)
		}
	}
	return nil
}

// Getters below fall back to the built-in default when the field was
// omitted from the loaded file.

func (c *DaemonConfig) GetListenAddr() string {
	if c.ListenAddr != nil {
		return *c.ListenAddr
	}
	return *DefaultDaemonConfig().ListenAddr
}

func (c *DaemonConfig) GetSourceType() string {
	if c.SourceType != nil {
		return *c.SourceType
	}
	return *DefaultDaemonConfig().SourceType
}

func (c *DaemonConfig) GetPublishRateHz() float64 {
	if c.PublishRateHz != nil {
		return *c.PublishRateHz
	}
	return *DefaultDaemonConfig().PublishRateHz
}

func (c *DaemonConfig) GetDBPath() string {
	if c.DBPath != nil {
		return *c.DBPath
	}
	return *DefaultDaemonConfig().DBPath
}

func (c *DaemonConfig) GetMigrationsDir() string {
	if c.MigrationsDir != nil {
		return *c.MigrationsDir
	}
	return *DefaultDaemonConfig().MigrationsDir
}

func (c *DaemonConfig) GetServerURL() string {
	if c.ServerURL != nil {
		return *c.ServerURL
	}
	return *DefaultDaemonConfig().ServerURL
}

func (c *DaemonConfig) GetReconnectMin() time.Duration {
	return c.duration(c.ReconnectMin, DefaultDaemonConfig().ReconnectMin)
}

func (c *DaemonConfig) GetReconnectMax() time.Duration {
	return c.duration(c.ReconnectMax, DefaultDaemonConfig().ReconnectMax)
}

func (c *DaemonConfig) GetStatusTimeout() time.Duration {
	return c.duration(c.StatusTimeout, DefaultDaemonConfig().StatusTimeout)
}

func (c *DaemonConfig) GetSessionPath() string {
	if c.SessionPath != nil {
		return *c.SessionPath
	}
	return ""
}

func (c *DaemonConfig) duration(field, fallback *string) time.Duration {
	if field != nil {
		if d, err := time.ParseDuration(*field); err == nil {
			return d
		}
	}
	d, _ := time.ParseDuration(*fallback)
	return d
}
