// Package server wires the subsystems together and serves HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/config"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/database/migrations"
	"github.com/watzon/quarry/internal/email"
	"github.com/watzon/quarry/internal/geoip"
	"github.com/watzon/quarry/internal/jsonschema"
	"github.com/watzon/quarry/internal/realtime"
	"github.com/watzon/quarry/internal/records"
	"github.com/watzon/quarry/internal/rules"
	"github.com/watzon/quarry/internal/scheduler"
	"github.com/watzon/quarry/internal/schema"
	"github.com/watzon/quarry/internal/server/requestlog"
	"github.com/watzon/quarry/internal/storage"
)

// Version is stamped by the build.
var Version = "0.1.0"

// Server owns every subsystem for one running instance.
type Server struct {
	snapshot *config.Snapshot

	main *database.DB
	logs *database.DB

	cache    *schema.Cache
	engine   *rules.Engine
	broker   *realtime.Broker
	backend  storage.Backend
	recorder *migrations.Recorder

	recordsSvc *records.Service
	authSvc    *auth.Service

	sched     *scheduler.Scheduler
	deletions *storage.DeletionWorker
	reqLogs   *requestlog.Store

	httpSrv    *http.Server
	configPath string
}

// New builds a server from a validated config snapshot. The data directory
// is scaffolded on first run.
func New(ctx context.Context, snapshot *config.Snapshot, configPath string) (*Server, error) {
	cfg := snapshot.Config()
	dataDir := cfg.Server.DataDir

	if err := scaffoldDataDir(dataDir); err != nil {
		return nil, err
	}

	if cfg.GeoIP.Path != "" {
		if err := geoip.Load(cfg.GeoIP.Path); err != nil {
			return nil, fmt.Errorf("loading geoip database: %w", err)
		}
	}

	// User schemas must be registered before the first connection opens:
	// CHECK constraints referencing them run during migrations.
	for _, s := range cfg.Schemas {
		if err := jsonschema.Global().Register(s.Name, s.Schema, nil); err != nil {
			return nil, err
		}
	}

	main, err := database.Open(filepath.Join(dataDir, "data", "main.db"), cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening main database: %w", err)
	}

	migrationsDir := filepath.Join(dataDir, "migrations", "main")
	if err := migrations.Run(ctx, main, migrationsDir); err != nil {
		main.Close()
		return nil, fmt.Errorf("applying migrations: %w", err)
	}

	logs, err := database.Open(filepath.Join(dataDir, "data", "logs.db"), cfg.Database)
	if err != nil {
		main.Close()
		return nil, fmt.Errorf("opening logs database: %w", err)
	}

	srv := &Server{
		snapshot:   snapshot,
		main:       main,
		logs:       logs,
		configPath: configPath,
	}

	srv.cache, err = schema.NewCache(ctx, main)
	if err != nil {
		srv.closeDBs()
		return nil, fmt.Errorf("building schema cache: %w", err)
	}
	if err := srv.cache.Get().VerifySchemas(func(name string) bool {
		_, ok := jsonschema.Global().Get(name)
		return ok
	}); err != nil {
		srv.closeDBs()
		return nil, err
	}

	srv.engine = rules.NewEngine(main)
	srv.broker = realtime.NewBroker(realtime.DefaultBufferSize)
	srv.recorder = migrations.NewRecorder(main, migrationsDir)

	srv.backend, err = storage.NewBackend(ctx, cfg.Storage, filepath.Join(dataDir, "uploads"))
	if err != nil {
		srv.closeDBs()
		return nil, fmt.Errorf("building storage backend: %w", err)
	}

	srv.recordsSvc = records.NewService(main, srv.cache, srv.engine, srv.broker, srv.backend)
	if err := srv.recordsSvc.Reload(ctx, cfg.RecordAPIs); err != nil {
		srv.closeDBs()
		return nil, fmt.Errorf("building record APIs: %w", err)
	}

	jwtSvc, err := auth.NewJWTService(filepath.Join(dataDir, "secrets", "keys"), cfg.Auth.AccessTokenTTL)
	if err != nil {
		srv.closeDBs()
		return nil, err
	}

	mailer := email.NewMailer(cfg.Email)
	oauthMgr := auth.NewOAuthManager(cfg.Auth.OAuth)
	srv.authSvc = auth.NewService(
		auth.NewStore(main),
		auth.NewSessions(main),
		jwtSvc,
		mailer,
		oauthMgr,
		func() *config.AuthConfig { return &srv.snapshot.Config().Auth },
		func() string { return srv.snapshot.Config().Server.SiteURL },
	)

	srv.reqLogs, err = requestlog.NewStore(ctx, logs)
	if err != nil {
		srv.closeDBs()
		return nil, err
	}

	srv.deletions = storage.NewDeletionWorker(main, srv.backend, 0)

	srv.sched = scheduler.New()
	if err := srv.sched.RegisterBuiltins(&scheduler.Builtins{
		Main:     main,
		Logs:     logs,
		Sessions: srv.authSvc.Sessions(),
		DataDir:  dataDir,
		Config:   srv.snapshot.Config,
	}); err != nil {
		srv.closeDBs()
		return nil, err
	}
	srv.registerUserJobs(cfg)

	router := srv.buildRouter(jwtSvc)
	srv.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	return srv, nil
}

// registerUserJobs wires declarative jobs onto the named handlers the
// server exposes. Unknown handlers log and skip rather than failing boot.
func (s *Server) registerUserJobs(cfg *config.Config) {
	handlers := map[string]scheduler.Handler{
		"optimize": func(ctx context.Context) error { return s.main.Optimize(ctx) },
		"backup": func(ctx context.Context) error {
			return s.main.Backup(ctx, filepath.Join(cfg.Server.DataDir, "backups", "backup.db"))
		},
		"file_deletions": func(ctx context.Context) error {
			_, err := s.deletions.RunOnce(ctx)
			return err
		},
	}

	for _, job := range cfg.Jobs {
		handler, ok := handlers[job.Handler]
		if !ok {
			log.Warn().Str("job", job.ID).Str("handler", job.Handler).Msg("Unknown job handler, skipping")
			continue
		}
		if err := s.sched.Register(job.ID, job.ID, job.Spec, handler); err != nil {
			log.Error().Err(err).Str("job", job.ID).Msg("Failed to register job")
		}
	}
}

// Run serves until ctx cancels, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.sched.Start(ctx)
	defer s.sched.Stop()

	s.deletions.Start(ctx)
	defer s.deletions.Stop()

	var watcher *config.Watcher
	if s.configPath != "" {
		var err error
		watcher, err = config.NewWatcher(s.configPath, s.snapshot, func(cfg *config.Config) {
			if err := s.ApplyConfig(context.Background(), cfg); err != nil {
				log.Error().Err(err).Msg("Applying reloaded config failed")
			}
		})
		if err != nil {
			log.Warn().Err(err).Msg("Config watcher unavailable")
		}
	}

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		log.Info().Str("addr", s.httpSrv.Addr).Msg("HTTP server listening")
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	if watcher != nil {
		group.Go(func() error {
			watcher.Run(ctx)
			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	})

	err := group.Wait()
	s.broker.Close()
	s.closeDBs()
	return err
}

// ApplyConfig applies a swapped config snapshot to the running subsystems.
func (s *Server) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	s.authSvc.OAuth().Reload(cfg.Auth.OAuth)
	for _, schemaCfg := range cfg.Schemas {
		if err := jsonschema.Global().Register(schemaCfg.Name, schemaCfg.Schema, nil); err != nil {
			return err
		}
	}
	return s.recordsSvc.Reload(ctx, cfg.RecordAPIs)
}

// ReloadSchema rebuilds the schema cache and record APIs after DDL.
func (s *Server) ReloadSchema(ctx context.Context) error {
	if err := s.cache.Rebuild(ctx); err != nil {
		return err
	}
	return s.recordsSvc.Reload(ctx, s.snapshot.Config().RecordAPIs)
}

func (s *Server) closeDBs() {
	if s.logs != nil {
		_ = s.logs.Close()
	}
	if s.main != nil {
		_ = s.main.Close()
	}
}

// scaffoldDataDir creates the on-disk layout on first run.
func scaffoldDataDir(dataDir string) error {
	dirs := []string{
		filepath.Join(dataDir, "data"),
		filepath.Join(dataDir, "migrations", "main"),
		filepath.Join(dataDir, "backups"),
		filepath.Join(dataDir, "uploads"),
		filepath.Join(dataDir, "secrets", "keys"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
	}

	gitignore := filepath.Join(dataDir, ".gitignore")
	if _, err := os.Stat(gitignore); os.IsNotExist(err) {
		content := "data/\nbackups/\nuploads/\nsecrets/\n"
		if err := os.WriteFile(gitignore, []byte(content), 0o644); err != nil {
			return fmt.Errorf("writing .gitignore: %w", err)
		}
	}
	return nil
}
