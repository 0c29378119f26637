package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"backend-pilgrimhub/internal/config"
	"backend-pilgrimhub/internal/db"
	"backend-pilgrimhub/internal/logging"
	"backend-pilgrimhub/internal/monitoring"
	"backend-pilgrimhub/internal/server"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

const serviceName = "pilgrimhub"

var mainDepsProvider = defaultDeps
var mainRunner = realMain

func main() {
	mainRunner(mainDepsProvider())
}

type mainDeps struct {
	loadConfig      func() config.Config
	connectPostgres func(config.Config) (*pgxpool.Pool, error)
	connectRedis    func(config.Config) *redis.Client
	connectSQLite   func(config.Config) (*sql.DB, error)
	notify          func(chan<- os.Signal, ...os.Signal)
	run             func(context.Context, config.Config, Conns, <-chan os.Signal, ListenFunc) error
}

// Conns are the optional backing connections handed to the server. Any of them may be nil.
type Conns struct {
	Postgres *pgxpool.Pool
	Redis    *redis.Client
	SQLite   *sql.DB
	Logger   *slog.Logger
}

func defaultDeps() mainDeps {
	return mainDeps{
		loadConfig:      config.Load,
		connectPostgres: db.ConnectPostgres,
		connectRedis:    db.ConnectRedis,
		connectSQLite:   db.ConnectSQLite,
		notify:          signal.Notify,
		run:             Run,
	}
}

func realMain(deps mainDeps) {
	cfg := deps.loadConfig()
	logger := logging.New(serviceName, cfg.LogLevel, os.Stdout)
	slog.SetDefault(logger)

	if err := monitoring.Init(monitoring.Config{
		DSN:         cfg.SentryDSN,
		Environment: cfg.Environment,
		ServerName:  cfg.DeviceID,
	}, logger); err != nil {
		logger.Warn("continuing without error reporting", "error", err)
	}
	defer monitoring.Flush(2 * time.Second)

	conns := Conns{Logger: logger}
	pg, err := deps.connectPostgres(cfg)
	if err != nil {
		logger.Warn("postgres connection failed", "error", err)
	} else {
		conns.Postgres = pg
	}

	conns.Redis = deps.connectRedis(cfg)

	if cfg.StoreDriver == "sqlite" {
		local, err := deps.connectSQLite(cfg)
		if err != nil {
			logger.Error("sqlite open failed", "path", cfg.SQLitePath, "error", err)
		} else {
			conns.SQLite = local
		}
	}

	signals := make(chan os.Signal, 1)
	deps.notify(signals, syscall.SIGINT, syscall.SIGTERM)

	if err := deps.run(context.Background(), cfg, conns, signals, nil); err != nil {
		logger.Error("server exited with error", "error", err)
		monitoring.CaptureException(err, nil)
	}
}

type ListenFunc func(app *fiber.App, addr string) error

var defaultListen ListenFunc = func(app *fiber.App, addr string) error {
	return app.Listen(addr)
}

var shutdownFn = func(app *fiber.App, ctx context.Context) error {
	return app.ShutdownWithContext(ctx)
}

// Run starts the HTTP server and waits for termination signals.
func Run(ctx context.Context, cfg config.Config, conns Conns, signals <-chan os.Signal, listen ListenFunc) error {
	srv, err := server.NewServer(cfg, conns.Postgres, conns.Redis, conns.SQLite, conns.Logger)
	if err != nil {
		closeConns(conns)
		return err
	}

	if listen == nil {
		listen = defaultListen
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- listen(srv.App, cfg.ServerPort)
	}()

	select {
	case <-signals:
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			srv.Close()
			closeConns(conns)
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = shutdownFn(srv.App, shutdownCtx)
	srv.Close()
	closeConns(conns)
	return err
}

func closeConns(c Conns) {
	if c.Postgres != nil {
		c.Postgres.Close()
	}
	if c.Redis != nil {
		_ = c.Redis.Close()
	}
	if c.SQLite != nil {
		_ = c.SQLite.Close()
	}
}
