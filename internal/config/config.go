package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/kelseyhightower/envconfig"
)

// Config is the client configuration: a TOML file overlaid with TERMGATE_*
// environment variables.
type Config struct {
	GatewayURL string `toml:"gateway_url" envconfig:"GATEWAY_URL"`

	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Username string `toml:"username"`
	Term     string `toml:"term"`

	Cols int `toml:"cols"`
	Rows int `toml:"rows"`

	SFTPEnabled bool  `toml:"sftp_enabled" envconfig:"SFTP_ENABLED"`
	ChunkSize   int64 `toml:"chunk_size" envconfig:"CHUNK_SIZE"`

	OutboxDir     string `toml:"outbox_dir" envconfig:"OUTBOX_DIR"`
	DownloadDir   string `toml:"download_dir" envconfig:"DOWNLOAD_DIR"`
	SettingsPath  string `toml:"settings_path" envconfig:"SETTINGS_PATH"`
	RecordingPath string `toml:"recording_path" envconfig:"RECORDING_PATH"`

	LogLevel string `toml:"log_level" envconfig:"LOG_LEVEL"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		Port:         22,
		Term:         "xterm-256color",
		Cols:         80,
		Rows:         24,
		ChunkSize:    32 * 1024,
		DownloadDir:  ".",
		SettingsPath: "termgate.db",
		LogLevel:     "info",
	}
}

// Load reads the TOML file at path (skipped when path is empty or absent)
// and applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse config %s: %w", path, err)
			}
		} else if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("stat config %s: %w", path, err)
		}
	}

	if err := envconfig.Process("termgate", &cfg); err != nil {
		return cfg, fmt.Errorf("process environment: %w", err)
	}

	if cfg.GatewayURL == "" {
		return cfg, fmt.Errorf("gateway_url is required")
	}
	return cfg, nil
}
