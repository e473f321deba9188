package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Platform selects which chat transport the server talks to.
type Platform string

const (
	PlatformDiscord Platform = "discord"
	PlatformSlack   Platform = "slack"
)

// Config is the complete process configuration, read from the environment.
// Only the credentials of the selected platform are required.
type Config struct {
	Platform Platform `env:"HUMANBRIDGE_PLATFORM" envDefault:"discord"`
	LogLevel string   `env:"HUMANBRIDGE_LOG_LEVEL" envDefault:"info"`

	// AskTimeout bounds how long one ask_human call waits for a reply.
	// Zero means no bound: the call waits until the MCP client gives up
	// or the process shuts down.
	AskTimeout time.Duration `env:"HUMANBRIDGE_ASK_TIMEOUT" envDefault:"0"`

	Discord DiscordConfig
	Slack   SlackConfig
}

// DiscordConfig holds Discord bot configuration.
type DiscordConfig struct {
	Token     string `env:"DISCORD_TOKEN"`
	ChannelID string `env:"DISCORD_CHANNEL_ID"`
	UserID    string `env:"DISCORD_USER_ID"`
}

// SlackConfig holds Slack app configuration. Socket Mode needs both a bot
// token (xoxb-) and an app-level token (xapp-).
type SlackConfig struct {
	BotToken  string `env:"SLACK_BOT_TOKEN"`
	AppToken  string `env:"SLACK_APP_TOKEN"`
	ChannelID string `env:"SLACK_CHANNEL_ID"`
	UserID    string `env:"SLACK_USER_ID"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that every value the selected platform needs is present.
// A missing value is a startup-time fatal error, never a broker concern.
func (c *Config) Validate() error {
	switch c.Platform {
	case PlatformDiscord:
		return requireAll(map[string]string{
			"DISCORD_TOKEN":      c.Discord.Token,
			"DISCORD_CHANNEL_ID": c.Discord.ChannelID,
			"DISCORD_USER_ID":    c.Discord.UserID,
		})
	case PlatformSlack:
		return requireAll(map[string]string{
			"SLACK_BOT_TOKEN":  c.Slack.BotToken,
			"SLACK_APP_TOKEN":  c.Slack.AppToken,
			"SLACK_CHANNEL_ID": c.Slack.ChannelID,
			"SLACK_USER_ID":    c.Slack.UserID,
		})
	default:
		return fmt.Errorf("unknown platform %q (want %q or %q)", c.Platform, PlatformDiscord, PlatformSlack)
	}
}

// ChannelID returns the parent channel id of the selected platform.
func (c *Config) ChannelID() string {
	if c.Platform == PlatformSlack {
		return c.Slack.ChannelID
	}
	return c.Discord.ChannelID
}

// HumanID returns the target human's user id on the selected platform.
func (c *Config) HumanID() string {
	if c.Platform == PlatformSlack {
		return c.Slack.UserID
	}
	return c.Discord.UserID
}

func requireAll(vars map[string]string) error {
	for name, value := range vars {
		if value == "" {
			return fmt.Errorf("%s is required", name)
		}
	}
	return nil
}
