// Copyright 2024-2026 Bacchist

package bot

import (
	_ "embed"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"go.mau.fi/util/ptr"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/id"

	"github.com/bacchist/multiverse-matrix-bot/pkg/arxiv"
	"github.com/bacchist/multiverse-matrix-bot/pkg/autochat"
	"github.com/bacchist/multiverse-matrix-bot/pkg/crawler"
)

//go:embed example-config.yaml
var ExampleConfig string

// Log rotation policy for the default process log writer.
const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 7
)

// Config is the full bot configuration, loaded from a single YAML file.
type Config struct {
	Homeserver    string      `yaml:"homeserver"`
	UserID        id.UserID   `yaml:"user_id"`
	AccessToken   string      `yaml:"access_token"`
	DeviceID      id.DeviceID `yaml:"device_id"`
	CommandPrefix string      `yaml:"command_prefix"`
	OwnerID       id.UserID   `yaml:"owner_id"`
	ChatLogDir    string      `yaml:"chat_log_dir"`

	Logging  zeroconfig.Config `yaml:"logging"`
	Crawler  crawler.Config    `yaml:"crawler"`
	AutoChat autochat.Config   `yaml:"autochat"`
	ArXiv    arxiv.Config      `yaml:"arxiv"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// LoadConfig reads, defaults, and validates a config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.CommandPrefix == "" {
		c.CommandPrefix = "!"
	}
	if c.ChatLogDir == "" {
		c.ChatLogDir = "./chatlogs"
	}
	if c.Logging.MinLevel == nil {
		c.Logging.MinLevel = ptr.Ptr(zerolog.DebugLevel)
	}
	// Default writer: the rotated bot.log file (10MB, 7 backups) plus
	// pretty output on stdout.
	if len(c.Logging.Writers) == 0 {
		c.Logging.Writers = []zeroconfig.WriterConfig{
			{
				Type:   zeroconfig.WriterTypeStdout,
				Format: zeroconfig.LogFormatPrettyColored,
			},
			{
				Type:   zeroconfig.WriterTypeFile,
				Format: zeroconfig.LogFormatJSON,
				FileConfig: zeroconfig.FileConfig{
					Filename:   "./bot.log",
					MaxSize:    logFileMaxSizeMB,
					MaxBackups: logFileMaxBackups,
				},
			},
		}
	}
}

// Validate checks the fields without which the bot cannot start.
func (c *Config) Validate() error {
	if c.Homeserver == "" {
		return fmt.Errorf("homeserver is required")
	}
	if c.UserID == "" {
		return fmt.Errorf("user_id is required")
	}
	if _, _, err := c.UserID.Parse(); err != nil {
		return fmt.Errorf("invalid user_id %q: %w", c.UserID, err)
	}
	if c.AccessToken == "" {
		return fmt.Errorf("access_token is required")
	}
	if c.ArXiv.Enabled && c.ArXiv.TargetRoom == "" {
		return fmt.Errorf("arxiv.target_room is required when arxiv.enabled is set")
	}
	return nil
}
