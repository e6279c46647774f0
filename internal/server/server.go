// Package server is the composition root: it builds every component from
// the configuration, mounts the HTTP routes and runs the process until a
// shutdown signal arrives.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/sakif/serviceuser/internal/config"
	"github.com/sakif/serviceuser/internal/event"
	"github.com/sakif/serviceuser/internal/handler"
	"github.com/sakif/serviceuser/internal/middleware"
	"github.com/sakif/serviceuser/internal/model"
	"github.com/sakif/serviceuser/internal/namepolicy"
	"github.com/sakif/serviceuser/internal/registry"
	"github.com/sakif/serviceuser/internal/repository/gitrepo"
	sqliteRepo "github.com/sakif/serviceuser/internal/repository/sqlite"
	"github.com/sakif/serviceuser/internal/service"
	"github.com/sakif/serviceuser/internal/worker"
)

// Options control reload behaviour.
type Options struct {
	ConfigPath string         // re-read on SIGHUP; empty re-reads the environment only
	Level      *slog.LevelVar // updated on reload when set
}

// Server owns the directory database, the background queue and the HTTP
// router. Close releases them; Start does so on shutdown.
type Server struct {
	router *chi.Mux
	config *config.Config
	opts   Options
	logger *slog.Logger

	db     *sqliteRepo.DB
	queue  *worker.Queue
	bus    *event.Bus
	repos  *gitrepo.Manager
	cache  *registry.Cache
	policy *namepolicy.Holder
}

// New wires the components in dependency order:
//
//	sqlite directory -> event bus -> repositories -> registry store/cache
//	-> owner resolver -> note engine, validator, service user service
//	-> handlers -> routes
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Server, error) {
	db, err := sqliteRepo.New(cfg.Directory.DBPath)
	if err != nil {
		return nil, fmt.Errorf("opening directory: %w", err)
	}

	s := &Server{
		router: chi.NewRouter(),
		config: cfg,
		opts:   opts,
		logger: logger,
		db:     db,
	}

	if err := s.setup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *Server) setup(ctx context.Context) error {
	cfg := s.config

	if cfg.Directory.SeedFile != "" {
		seed, err := sqliteRepo.LoadSeed(cfg.Directory.SeedFile)
		if err != nil {
			return err
		}
		if _, err := s.db.ApplySeed(ctx, seed, s.logger); err != nil {
			return fmt.Errorf("applying seed: %w", err)
		}
	}

	policy, err := namepolicy.New(cfg.Policy.BlockedNames)
	if err != nil {
		return fmt.Errorf("building name policy: %w", err)
	}
	s.policy = namepolicy.NewHolder(policy)

	s.queue = worker.New(worker.Config{Workers: cfg.Notes.Workers, QueueSize: cfg.Notes.QueueSize}, s.logger)
	s.queue.Start()

	s.bus = event.NewBus(cfg.Server.InstanceID, s.logger)
	s.repos = gitrepo.NewManager(cfg.Repositories.BasePath, s.bus.Publish, s.logger)
	if _, err := s.repos.OpenOrInit(ctx, cfg.Registry.Project); err != nil {
		return fmt.Errorf("opening %s: %w", cfg.Registry.Project, err)
	}

	store := registry.NewStore(s.repos, registry.StoreConfig{
		Project: cfg.Registry.Project,
		Ref:     cfg.Registry.Ref,
		File:    cfg.Registry.File,
		Author:  model.Identity{Name: cfg.Registry.AuthorName, Email: cfg.Registry.AuthorEmail},
	}, s.logger)
	s.cache = registry.NewCache(store, s.logger)

	owners := service.NewOwnerResolver(s.db, s.cache, s.logger)
	notes := service.NewNoteEngine(s.repos, owners, s.db, service.NoteConfig{
		Ref:    cfg.Notes.Ref,
		Author: model.Identity{Name: cfg.Notes.AuthorName, Email: cfg.Notes.AuthorEmail},
	}, s.logger)
	var notesQueue *worker.Queue
	if cfg.Notes.Async {
		notesQueue = s.queue
	}
	validator := service.NewCommitValidator(s.repos, owners, s.db, s.logger)
	users := service.NewServiceUserService(s.cache, s.db, s.policy, s.logger)

	// Invalidation first so later listeners see the new registry.
	s.bus.Subscribe(registry.NewInvalidationListener(s.cache, cfg.Registry.Project, cfg.Registry.Ref, s.logger))
	s.bus.Subscribe(service.NewNoteListener(notes, cfg.Server.InstanceID, notesQueue, s.logger))
	s.bus.Subscribe(event.NewForwarder(cfg.Server.InstanceID, cfg.Events.Peers,
		&http.Client{Timeout: cfg.Events.Timeout}, s.queue, s.logger))

	s.routes(handler.NewHookHandler(s.bus, validator, s.logger), handler.NewServiceUserHandler(users, s.logger))
	return nil
}

// routes mounts:
//
//	GET    /healthz
//	POST   /hooks/ref-updated
//	POST   /hooks/validate
//	GET    /api/serviceusers
//	POST   /api/serviceusers
//	GET    /api/serviceusers/{username}
//	PUT    /api/serviceusers/{username}/owner
//	DELETE /api/serviceusers/{username}
func (s *Server) routes(hooks *handler.HookHandler, users *handler.ServiceUserHandler) {
	// RequestID must come before the logger.
	s.router.Use(chimiddleware.RequestID)
	s.router.Use(chimiddleware.RealIP)
	s.router.Use(middleware.Logger(s.logger))
	s.router.Use(chimiddleware.Recoverer)

	s.router.Get("/healthz", handler.HandleHealth)

	s.router.Post(event.HookPath, hooks.HandleRefUpdated)
	s.router.Post("/hooks/validate", hooks.HandleValidate)

	s.router.Route("/api/serviceusers", func(r chi.Router) {
		r.Get("/", users.HandleList)
		r.Post("/", users.HandleRegister)
		r.Get("/{username}", users.HandleGet)
		r.Put("/{username}/owner", users.HandleSetOwner)
		r.Delete("/{username}", users.HandleDelete)
	})
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Reload re-reads the configuration and applies the parts that can change
// at runtime: the blocked name list and the log level. On error the
// running configuration is kept.
func (s *Server) Reload() error {
	cfg, err := config.Load(s.opts.ConfigPath)
	if err != nil {
		return err
	}
	if err := s.policy.Reload(cfg.Policy.BlockedNames); err != nil {
		return err
	}
	if s.opts.Level != nil {
		lvl, _ := cfg.Level()
		s.opts.Level.Set(lvl)
	}
	s.logger.Info("configuration reloaded",
		slog.Int("blockedNames", s.policy.Policy().Len()),
		slog.String("logLevel", cfg.LogLevel),
	)
	return nil
}

// Close stops background work and closes the directory. Queued jobs that
// have not started are dropped.
func (s *Server) Close() {
	if s.queue != nil {
		s.queue.Stop()
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("closing directory", slog.String("error", err.Error()))
	}
}

// Start serves HTTP until SIGINT or SIGTERM, then shuts down gracefully.
// SIGHUP triggers Reload.
func (s *Server) Start() error {
	defer s.Close()

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.config.Server.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	reload := make(chan os.Signal, 1)
	signal.Notify(reload, syscall.SIGHUP)
	defer signal.Stop(reload)

	serverErrors := make(chan error, 1)
	go func() {
		s.logger.Info("server starting",
			slog.Int("port", s.config.Server.Port),
			slog.String("instance", s.config.Server.InstanceID),
			slog.String("directory", s.config.Directory.DBPath),
		)
		serverErrors <- srv.ListenAndServe()
	}()

	for {
		select {
		case err := <-serverErrors:
			if !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil

		case <-reload:
			if err := s.Reload(); err != nil {
				s.logger.Error("reload failed, keeping current configuration",
					slog.String("error", err.Error()))
			}

		case sig := <-quit:
			s.logger.Info("shutdown signal received", slog.String("signal", sig.String()))

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := srv.Shutdown(ctx); err != nil {
				return fmt.Errorf("graceful shutdown failed: %w", err)
			}
			s.logger.Info("server stopped gracefully")
			return nil
		}
	}
}
