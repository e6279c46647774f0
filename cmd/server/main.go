// Command server runs the service user registry: the administrative API,
// the ref update hooks and the audit note writer.
//
// Configuration comes from the TOML file named by SERVICEUSER_CONFIG_FILE
// (optional) and SERVICEUSER_* environment variables.
package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/sakif/serviceuser/internal/config"
	"github.com/sakif/serviceuser/internal/server"
)

func main() {
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	configPath := os.Getenv("SERVICEUSER_CONFIG_FILE")
	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error("invalid configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}
	lvl, _ := cfg.Level()
	level.Set(lvl)

	for _, dir := range dataDirs(cfg) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Error("failed to create data directory",
				slog.String("dir", dir),
				slog.String("error", err.Error()),
			)
			os.Exit(1)
		}
	}

	srv, err := server.New(context.Background(), cfg, logger, server.Options{
		ConfigPath: configPath,
		Level:      level,
	})
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start blocks until SIGINT or SIGTERM.
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func dataDirs(cfg *config.Config) []string {
	var dirs []string
	if cfg.Directory.DBPath != ":memory:" {
		dirs = append(dirs, filepath.Dir(cfg.Directory.DBPath))
	}
	if cfg.Repositories.BasePath != "" {
		dirs = append(dirs, cfg.Repositories.BasePath)
	}
	return dirs
}
