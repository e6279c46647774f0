// Package config loads the server configuration.
//
// Values are layered: Default, then an optional TOML file, then
// SERVICEUSER_* environment variables. Load validates the result.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"github.com/rs/xid"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "SERVICEUSER_"

type Config struct {
	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`

	Server       ServerConfig       `toml:"server" envPrefix:"SERVER_"`
	Registry     RegistryConfig     `toml:"registry" envPrefix:"REGISTRY_"`
	Notes        NotesConfig        `toml:"notes" envPrefix:"NOTES_"`
	Directory    DirectoryConfig    `toml:"directory" envPrefix:"DIRECTORY_"`
	Repositories RepositoriesConfig `toml:"repositories" envPrefix:"REPOSITORIES_"`
	Policy       PolicyConfig       `toml:"policy" envPrefix:"POLICY_"`
	Events       EventsConfig       `toml:"events" envPrefix:"EVENTS_"`
}

type ServerConfig struct {
	Port int `toml:"port" env:"PORT"`
	// InstanceID tags events published by this process. Peers use it to
	// avoid forwarding an event back to where it came from.
	InstanceID string `toml:"instance_id" env:"INSTANCE_ID"`
}

type RegistryConfig struct {
	Project     string `toml:"project" env:"PROJECT"`
	Ref         string `toml:"ref" env:"REF"`
	File        string `toml:"file" env:"FILE"`
	AuthorName  string `toml:"author_name" env:"AUTHOR_NAME"`
	AuthorEmail string `toml:"author_email" env:"AUTHOR_EMAIL"`
}

type NotesConfig struct {
	Ref         string `toml:"ref" env:"REF"`
	Async       bool   `toml:"async" env:"ASYNC"`
	Workers     int    `toml:"workers" env:"WORKERS"`
	QueueSize   int    `toml:"queue_size" env:"QUEUE_SIZE"`
	AuthorName  string `toml:"author_name" env:"AUTHOR_NAME"`
	AuthorEmail string `toml:"author_email" env:"AUTHOR_EMAIL"`
}

type DirectoryConfig struct {
	DBPath   string `toml:"db_path" env:"DB_PATH"`
	SeedFile string `toml:"seed_file" env:"SEED_FILE"` // optional
}

type RepositoriesConfig struct {
	// BasePath holds bare repositories named <project>.git. Empty keeps
	// everything in memory.
	BasePath string `toml:"base_path" env:"BASE_PATH"`
}

type PolicyConfig struct {
	BlockedNames []string `toml:"blocked_names" env:"BLOCKED_NAMES" envSeparator:","`
}

type EventsConfig struct {
	Peers   []string      `toml:"peers" env:"PEERS" envSeparator:","`
	Timeout time.Duration `toml:"timeout" env:"TIMEOUT"`
}

func Default() Config {
	return Config{
		LogLevel: "info",
		Server: ServerConfig{
			Port:       8080,
			InstanceID: xid.New().String(),
		},
		Registry: RegistryConfig{
			Project:     "All-Projects",
			Ref:         "refs/meta/config",
			File:        "serviceuser.db",
			AuthorName:  "Service User Registry",
			AuthorEmail: "serviceuser@localhost",
		},
		Notes: NotesConfig{
			Ref:         "refs/notes/serviceuser",
			Async:       true,
			Workers:     2,
			QueueSize:   64,
			AuthorName:  "Service User Audit",
			AuthorEmail: "serviceuser@localhost",
		},
		Directory: DirectoryConfig{
			DBPath: "data/directory.db",
		},
		Events: EventsConfig{
			Timeout: 5 * time.Second,
		},
	}
}

// Load builds the configuration. path may be empty to skip the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("config: parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("config: server.port %d out of range", c.Server.Port)
	}
	if strings.TrimSpace(c.Server.InstanceID) == "" {
		return fmt.Errorf("config: server.instance_id is required")
	}
	if c.Registry.Project == "" || c.Registry.File == "" {
		return fmt.Errorf("config: registry.project and registry.file are required")
	}
	if !strings.HasPrefix(c.Registry.Ref, "refs/") {
		return fmt.Errorf("config: registry.ref %q must start with refs/", c.Registry.Ref)
	}
	if !strings.HasPrefix(c.Notes.Ref, "refs/notes/") {
		return fmt.Errorf("config: notes.ref %q must start with refs/notes/", c.Notes.Ref)
	}
	if c.Notes.Async && c.Notes.Workers <= 0 {
		return fmt.Errorf("config: notes.workers must be positive when notes.async is set")
	}
	if c.Directory.DBPath == "" {
		return fmt.Errorf("config: directory.db_path is required")
	}
	if c.Events.Timeout <= 0 {
		return fmt.Errorf("config: events.timeout must be positive")
	}
	if _, err := c.Level(); err != nil {
		return err
	}
	return nil
}

// Level parses LogLevel.
func (c *Config) Level() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return lvl, nil
}
