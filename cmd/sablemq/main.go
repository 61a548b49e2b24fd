// Command sablemq runs the broker: it loads configuration, opens the
// user/ACL store, restores persisted state, and serves MQTT
// connections until a signal asks it to stop, alongside a side
// metrics listener.
package main

import (
	"context"
	"database/sql"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/sablemq/sablemq/internal/auth"
	"github.com/sablemq/sablemq/internal/broker"
	"github.com/sablemq/sablemq/internal/config"
	"github.com/sablemq/sablemq/internal/logger"
	"github.com/sablemq/sablemq/internal/metrics"
	"github.com/sablemq/sablemq/internal/persistence"
	"github.com/sablemq/sablemq/internal/transport"
)

func main() {
	configPath := flag.String("config", "config.yml", "path to the broker's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfgDefaults := config.Defaults()
		cfg = &cfgDefaults
		slog.Warn("falling back to default configuration", "error", err, "path", *configPath)
	}

	logger.InitGlobalLogger(logger.Config{
		Level:   parseLevel(cfg.LogLevel),
		Format:  cfg.LogFormat,
		Output:  os.Stdout,
		Service: cfg.Name,
		Version: cfg.Version,
	})
	log := logger.GetGlobalLogger()

	db, err := sql.Open("sqlite3", cfg.UsersDBPath)
	if err != nil {
		log.Error("failed to open users database", logger.ErrorAttr(err))
		os.Exit(1)
	}
	defer db.Close()

	authStore := auth.New(db, cfg.AllowAnonymous)
	if err := authStore.EnsureSchema(); err != nil {
		log.Error("failed to initialize auth schema", logger.ErrorAttr(err))
		os.Exit(1)
	}
	acl := auth.NewACL(authStore)
	acl.SetDefault(auth.PermReadWrite)

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	var store *persistence.Store
	if cfg.Persistence {
		if err := os.MkdirAll(cfg.PersistenceLocation, 0o755); err != nil {
			log.Error("failed to create persistence directory", logger.ErrorAttr(err))
			os.Exit(1)
		}
		store = persistence.NewStore(cfg.PersistenceLocation)
	}

	b := broker.New(cfg, store, m, log)
	b.SetAuth(authStore, acl)

	if err := b.Restore(); err != nil {
		log.Warn("failed to restore persisted state", logger.ErrorAttr(err))
	}
	b.SetupBridges()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	go func() {
		for range hupCh {
			b.RequestReload()
		}
	}()

	stopHousekeeping := b.Start()
	defer stopHousekeeping()

	srv := transport.New(cfg, b, log)
	if err := srv.Start(ctx); err != nil {
		log.Error("failed to start listeners", logger.ErrorAttr(err))
		os.Exit(1)
	}

	if cfg.MetricsListenAddress != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsListenAddress, reg); err != nil {
				log.Warn("metrics server stopped", logger.ErrorAttr(err))
			}
		}()
	}

	log.Info("sablemq started", slog.String("version", cfg.Version))

	<-ctx.Done()
	log.Info("shutting down")

	if err := srv.Stop(); err != nil {
		log.Warn("error stopping listeners", logger.ErrorAttr(err))
	}

	if store != nil {
		if err := store.Save(b.Snapshot()); err != nil {
			log.Warn("final snapshot save failed", logger.ErrorAttr(err))
		}
	}

	log.Info("shutdown complete")
}

func parseLevel(level string) logger.LogLevel {
	switch level {
	case "debug":
		return logger.LevelDebug
	case "warn":
		return logger.LevelWarn
	case "error":
		return logger.LevelError
	default:
		return logger.LevelInfo
	}
}
