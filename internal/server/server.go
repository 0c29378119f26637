package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"

	"backend-pilgrimhub/internal/archive"
	"backend-pilgrimhub/internal/auth"
	"backend-pilgrimhub/internal/config"
	"backend-pilgrimhub/internal/location"
	"backend-pilgrimhub/internal/logging"
	"backend-pilgrimhub/internal/monitoring"
	"backend-pilgrimhub/internal/netstatus"
	"backend-pilgrimhub/internal/route"
	"backend-pilgrimhub/internal/safety"
	"backend-pilgrimhub/internal/store"
	"backend-pilgrimhub/internal/stream"
	"backend-pilgrimhub/internal/syncqueue"
	"backend-pilgrimhub/internal/tracking"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Server struct {
	App    *fiber.App
	Cfg    config.Config
	DB     *pgxpool.Pool
	Redis  *redis.Client
	Local  *sql.DB
	Logger *slog.Logger

	Stream   *stream.Hub
	Store    store.Store
	Writer   *store.AsyncWriter
	Queue    *syncqueue.Queue
	Network  netstatus.Provider
	manual   *netstatus.Manual
	Routes   *route.Catalog
	Samples  *location.PushSource
	Source   location.Source
	Tracking *tracking.Manager

	cancel context.CancelFunc
}

// NewServer wires the device engine and the backend API onto one Fiber app. db, redisClient
// and local may each be nil; the parts that need them are then left out.
func NewServer(cfg config.Config, db *pgxpool.Pool, redisClient *redis.Client, local *sql.DB, log *slog.Logger) (*Server, error) {
	if log == nil {
		log = slog.Default()
	}
	app := fiber.New()
	app.Use(recover.New(recover.Config{
		EnableStackTrace: true,
		StackTraceHandler: func(c *fiber.Ctx, e any) {
			monitoring.CaptureException(fmt.Errorf("panic: %v", e), map[string]any{"path": c.Path()})
		},
	}))
	app.Use(logger.New())

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		App:     app,
		Cfg:     cfg,
		DB:      db,
		Redis:   redisClient,
		Local:   local,
		Logger:  log,
		Stream:  stream.NewHub(redisClient, logging.Component(log, "stream")),
		Samples: location.NewPushSource(),
		cancel:  cancel,
	}

	if err := s.setup(ctx); err != nil {
		s.Close()
		return nil, err
	}
	registerRoutes(s)
	return s, nil
}

func (s *Server) setup(ctx context.Context) error {
	st, err := openStore(ctx, s.Cfg, s.Redis, s.Local, s.Logger)
	if err != nil {
		return err
	}
	s.Store = st
	s.Writer = store.NewAsyncWriter(st, logging.Component(s.Logger, "store"))

	deviceID := deviceID(s.Cfg)
	exec := syncqueue.NewHTTPExecutor(s.Cfg.SyncBackendURL, auth.DeviceTokenSource(s.Cfg.JWTSecret, deviceID), s.Cfg.SyncTimeout)
	queueLog := logging.Component(s.Logger, "syncqueue")
	s.Queue, err = syncqueue.New(ctx, st, exec, queueLog,
		syncqueue.WithMaxRetries(s.Cfg.SyncMaxRetries),
		syncqueue.WithBackoff(s.Cfg.SyncBackoff),
		syncqueue.WithReporter(monitoring.Reporter{Logger: queueLog}),
	)
	if err != nil {
		return err
	}

	if s.Cfg.NetworkProbeInterval > 0 && s.Cfg.SyncBackendURL != "" {
		prober := netstatus.NewProber(s.Cfg.SyncBackendURL, s.Cfg.NetworkProbeInterval, logging.Component(s.Logger, "netstatus"))
		go prober.Run(ctx)
		s.Network = prober
	} else {
		s.manual = netstatus.NewManual(false)
		s.Network = s.manual
	}
	s.Queue.SetOnline(s.Network.Online())
	go s.Queue.Watch(ctx, s.Network.Events())

	s.Routes, err = route.NewCatalog(route.Builtin()...)
	if err != nil {
		return err
	}
	routeLog := logging.Component(s.Logger, "route")
	if s.Cfg.RoutesGPXDir != "" {
		if n, err := route.LoadGPXDir(s.Routes, s.Cfg.RoutesGPXDir, routeLog); err != nil {
			routeLog.Warn("gpx routes not loaded", "dir", s.Cfg.RoutesGPXDir, "error", err)
		} else {
			routeLog.Info("gpx routes loaded", "count", n)
		}
	}
	if s.DB != nil {
		if n, err := route.NewPGStore(s.DB).LoadInto(ctx, s.Routes); err != nil {
			routeLog.Warn("stored routes not loaded", "error", err)
		} else {
			routeLog.Info("stored routes loaded", "count", n)
		}
	}

	s.Source = s.Samples
	if s.Cfg.ReplayGPXFile != "" {
		replay, err := openReplay(s.Cfg.ReplayGPXFile, s.Cfg.ReplaySpeedup)
		if err != nil {
			return err
		}
		s.Logger.Info("replaying gpx track", "file", s.Cfg.ReplayGPXFile, "samples", replay.Len())
		s.Source = replay
		s.Samples = nil
	}

	s.Tracking = tracking.NewManager(tracking.Config{
		DeviceID:      deviceID,
		SnapshotEvery: s.Cfg.SnapshotEvery,
		Sensor:        location.DefaultOptions(),
	}, tracking.Deps{
		Source:   s.Source,
		Routes:   s.Routes,
		Monitor:  safety.NewMonitor(s.Cfg.SafetyWatchdog),
		Store:    st,
		Writer:   s.Writer,
		Queue:    s.Queue,
		Consumer: s.Stream,
		Events:   s.Stream,
		Logger:   logging.Component(s.Logger, "tracking"),
	})
	if recovered, err := s.Tracking.Recover(ctx); err != nil {
		s.Logger.Warn("session recovery failed", "error", err)
	} else if recovered != nil {
		s.Logger.Info("session recovered", "session_id", recovered.ID, "state", recovered.State)
	}
	return nil
}

func openStore(ctx context.Context, cfg config.Config, redisClient *redis.Client, local *sql.DB, log *slog.Logger) (store.Store, error) {
	switch cfg.StoreDriver {
	case "sqlite":
		if local != nil {
			return store.NewSQLite(ctx, local)
		}
	case "redis":
		if redisClient != nil {
			return store.NewRedis(redisClient, "pilgrimhub"), nil
		}
	case "memory", "":
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
	log.Warn("store backend unavailable, state will not survive a restart", "driver", cfg.StoreDriver)
	return store.NewMemory(), nil
}

func openReplay(path string, speedup float64) (*location.ReplaySource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay track: %w", err)
	}
	defer f.Close()
	return location.NewReplaySource(f, speedup)
}

func deviceID(cfg config.Config) string {
	if cfg.DeviceID != "" {
		return cfg.DeviceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "device"
}

// Close stops the engine: the tracking loop snapshots the live session, the writer flushes
// and background drains finish.
func (s *Server) Close() {
	s.cancel()
	if s.Tracking != nil {
		s.Tracking.Close()
	}
	if s.Writer != nil {
		s.Writer.Close()
	}
	if s.Queue != nil {
		s.Queue.Wait()
	}
	s.Stream.Close()
}

func registerRoutes(s *Server) {
	s.App.Get("/health", func(c *fiber.Ctx) error {
		body := fiber.Map{"status": "ok"}
		if s.Writer != nil {
			body["snapshot_write_failures"] = s.Writer.Failures()
		}
		return c.JSON(body)
	})

	jwtMiddleware := auth.JWTMiddleware(s.Cfg.JWTSecret)

	var routeStore *route.PGStore
	if s.DB != nil {
		auth.RegisterRoutes(s.App.Group("/auth"), auth.NewService(s.Cfg.JWTSecret, s.DB))
		archive.RegisterRoutes(s.App.Group("/archive"), archive.NewService(s.DB, logging.Component(s.Logger, "archive")), jwtMiddleware)
		routeStore = route.NewPGStore(s.DB)
	} else {
		s.Logger.Warn("postgres not configured, auth and archive endpoints disabled")
	}
	route.RegisterRoutes(s.App.Group("/routes"), s.Routes, routeStore, jwtMiddleware)
	tracking.RegisterRoutes(s.App.Group("/tracking"), s.Tracking, s.Samples)
	syncqueue.RegisterRoutes(s.App.Group("/sync"), s.Queue)
	netstatus.RegisterRoutes(s.App.Group("/network"), s.Network, s.manual)
	stream.RegisterRoutes(s.App.Group("/stream"), s.Stream, stream.LiveSnapshot(s.Tracking))
}
