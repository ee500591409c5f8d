// Package server assembles the process: storage backend, index, cache
// manager, upstream registry, protocol engine, admin API and the
// background workers, with graceful drain on shutdown.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"golang.org/x/sync/errgroup"

	"github.com/caravel-registry/caravel/internal/cache"
	"github.com/caravel-registry/caravel/internal/config"
	"github.com/caravel-registry/caravel/internal/db"
	"github.com/caravel-registry/caravel/internal/registry"
	"github.com/caravel-registry/caravel/internal/storage"
	"github.com/caravel-registry/caravel/internal/upstream"
)

// drainTimeout bounds how long in-flight requests may run after
// shutdown begins.
const drainTimeout = 30 * time.Second

// Server is the assembled process.
type Server struct {
	cfg       *config.Config
	echo      *echo.Echo
	index     *db.Store
	backend   storage.Backend
	cache     *cache.Manager
	upstreams *upstream.Manager
	engine    *registry.Engine
}

// New builds every subsystem from the configuration snapshot.
func New(cfg *config.Config) (*Server, error) {
	index, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open index: %w", err)
	}

	backend, err := newBackend(cfg)
	if err != nil {
		index.Close()
		return nil, err
	}

	cacheMgr := cache.NewManager(index, backend, cache.Config{
		MaxSize:          cfg.Cache.MaxSizeBytes,
		RetentionDays:    cfg.Cache.RetentionDays,
		EvictionPolicy:   cfg.Cache.EvictionPolicy,
		EvictionInterval: cfg.Cache.EvictionInterval,
	})

	upstreams, err := upstream.NewManager(cfg.Upstreams)
	if err != nil {
		index.Close()
		return nil, err
	}

	uploads := registry.NewUploads(index, backend, cfg.Upload.SessionTTL)

	engine := registry.NewEngine(cacheMgr, upstreams, uploads, registry.Options{
		ManifestMaxBytes: cfg.Manifest.MaxSizeBytes,
		SyncPush:         cfg.Push.Mode == "sync",
	})

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(requestLogger())
	e.Use(maxInflight(cfg.Server.MaxInflight))
	e.Use(requestTimeout(cfg.Server.RequestTimeout))
	if cfg.Auth.Enabled {
		e.Use(basicAuth(cfg.Auth.Username, cfg.Auth.Password))
	}

	engine.Register(e)

	s := &Server{
		cfg:       cfg,
		echo:      e,
		index:     index,
		backend:   backend,
		cache:     cacheMgr,
		upstreams: upstreams,
		engine:    engine,
	}
	s.registerAdmin(e)

	return s, nil
}

func newBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Storage.Backend {
	case "local":
		return storage.NewLocal(cfg.Storage.Local.Path)
	case "s3":
		return storage.NewS3(storage.S3Config{
			Bucket:    cfg.Storage.S3.Bucket,
			Region:    cfg.Storage.S3.Region,
			Endpoint:  cfg.Storage.S3.Endpoint,
			AccessKey: cfg.Storage.S3.AccessKey,
			SecretKey: cfg.Storage.S3.SecretKey,
			Prefix:    cfg.Storage.S3.Prefix,
			AllowHTTP: cfg.Storage.S3.AllowHTTP,
		})
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

// Echo exposes the router for tests.
func (s *Server) Echo() *echo.Echo { return s.echo }

// Run serves until the context is cancelled, then drains and stops the
// background workers.
func (s *Server) Run(ctx context.Context) error {
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	var group errgroup.Group
	group.Go(func() error { s.cache.RunEvictionLoop(workerCtx); return nil })
	group.Go(func() error { s.cache.RunOrphanSweep(workerCtx); return nil })
	group.Go(func() error { s.engine.Uploads().RunSweeper(workerCtx); return nil })
	group.Go(func() error { s.upstreams.RunHealthChecks(workerCtx); return nil })

	addr := s.cfg.Server.Addr()
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.TLS.Enabled {
			log.Info("Registry listening", "addr", addr, "tls", true)
			err = s.echo.StartTLS(addr, s.cfg.TLS.CertPath, s.cfg.TLS.KeyPath)
		} else {
			log.Info("Registry listening", "addr", addr)
			err = s.echo.Start(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		stopWorkers()
		group.Wait()
		s.index.Close()
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down, draining in-flight requests", "timeout", drainTimeout)
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := s.echo.Shutdown(drainCtx); err != nil {
		log.Warn("Drain period elapsed with requests still in flight", "error", err)
	}

	stopWorkers()
	group.Wait()

	if err := s.index.Close(); err != nil {
		log.Warn("Failed to close index cleanly", "error", err)
	}
	log.Info("Shutdown complete")
	return nil
}
