package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/alert"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/store"
	"github.com/Bizoholic-Digital/bizosaas-platform-sub009/internal/telemetry"
)

// Config is the top-level configuration structure.
type Config struct {
	Server    ServerConfig     `json:"server"`
	Database  DatabaseConfig   `json:"database"`
	Executor  ExecutorConfig   `json:"executor"`
	Alerts    AlertsConfig     `json:"alerts"`
	Telemetry telemetry.Config `json:"telemetry"`
	Policy    Policy           `json:"policy"`
	CrewsFile string           `json:"crews_file"`
}

type ServerConfig struct {
	Port            int      `json:"port"`
	LogLevel        string   `json:"log_level"`
	CORSOrigins     []string `json:"cors_origins,omitempty"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Store store.Config `json:"store"`
	Neo4j Neo4jConfig  `json:"neo4j"`
	Redis RedisConfig  `json:"redis"`
}

type Neo4jConfig struct {
	URI      string `json:"uri"`
	User     string `json:"user"`
	Password string `json:"password"`
}

type RedisConfig struct {
	URL    string `json:"url"`
	Stream string `json:"stream,omitempty"`
	MaxLen int64  `json:"max_len,omitempty"`
}

// ExecutorConfig configures the HTTP task executor used for agents with an
// endpoint.
type ExecutorConfig struct {
	Timeout Duration `json:"timeout"`
	Token   string   `json:"token,omitempty"`
}

type AlertsConfig struct {
	Cooldown       Duration           `json:"cooldown"`
	DigestInterval Duration           `json:"digest_interval"`
	Summary        bool               `json:"summary"`
	Slack          SlackAlertConfig   `json:"slack"`
	Discord        DiscordAlertConfig `json:"discord"`
}

type SlackAlertConfig struct {
	Enabled bool `json:"enabled"`
	alert.SlackConfig
}

type DiscordAlertConfig struct {
	Enabled bool `json:"enabled"`
	alert.DiscordConfig
}

// Default returns a config that runs in process with an in-memory store.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			LogLevel:        "info",
			ShutdownTimeout: Duration(15 * time.Second),
		},
		Database: DatabaseConfig{Store: store.Config{Driver: "memory"}},
		Executor: ExecutorConfig{Timeout: Duration(5 * time.Minute)},
		Alerts: AlertsConfig{
			Cooldown:       Duration(time.Hour),
			DigestInterval: Duration(15 * time.Minute),
		},
		Policy: DefaultPolicy(),
	}
}

// envVarRe matches ${VAR} and ${VAR:default} patterns.
var envVarRe = regexp.MustCompile(`\$\{(\w+)(?::([^}]*))?\}`)

// expandEnv substitutes ${VAR} and ${VAR:default} with environment values.
func expandEnv(data []byte) []byte {
	return envVarRe.ReplaceAllFunc(data, func(match []byte) []byte {
		parts := envVarRe.FindSubmatch(match)
		if v := os.Getenv(string(parts[1])); v != "" {
			return []byte(v)
		}
		return parts[2]
	})
}

// Load reads a JSON config file over the defaults and substitutes
// environment variable references. A relative crews_file is resolved
// against the config file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	cfg := Default()
	if err := json.Unmarshal(expandEnv(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if cfg.CrewsFile != "" && !filepath.IsAbs(cfg.CrewsFile) {
		cfg.CrewsFile = filepath.Join(filepath.Dir(path), cfg.CrewsFile)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate rejects settings no component can fall back from.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Server.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("server.log_level %q is not one of debug, info, warn, error", c.Server.LogLevel)
	}
	switch c.Database.Store.Driver {
	case "", "memory":
	case "postgres", "sqlite":
		if c.Database.Store.DSN == "" {
			return fmt.Errorf("database.store.dsn is required for driver %q", c.Database.Store.Driver)
		}
	default:
		return fmt.Errorf("unknown database.store.driver %q", c.Database.Store.Driver)
	}
	if c.Alerts.Slack.Enabled && (c.Alerts.Slack.BotToken == "" || c.Alerts.Slack.Channel == "") {
		return fmt.Errorf("alerts.slack needs bot_token and channel")
	}
	if c.Alerts.Discord.Enabled && c.Alerts.Discord.WebhookURL == "" &&
		(c.Alerts.Discord.BotToken == "" || c.Alerts.Discord.ChannelID == "") {
		return fmt.Errorf("alerts.discord needs webhook_url or bot_token and channel_id")
	}
	return nil
}
