// Command cache runs a reconciling currency pair cache against a broker and
// optionally projects its view into PostgreSQL.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/sourcegraph/conc"

	dbmigrations "github.com/coachpo/eventfabric/db/migrations"
	"github.com/coachpo/eventfabric/internal/app/cache"
	"github.com/coachpo/eventfabric/internal/app/projection"
	"github.com/coachpo/eventfabric/internal/domain/fx"
	"github.com/coachpo/eventfabric/internal/infra/bootstrap"
	"github.com/coachpo/eventfabric/internal/infra/config"
	"github.com/coachpo/eventfabric/internal/infra/persistence"
	"github.com/coachpo/eventfabric/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/eventfabric/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/eventfabric/internal/infra/server/http"
)

const (
	shutdownTimeout       = 30 * time.Second
	actorShutdownTimeout  = 10 * time.Second
	telemetryStopTimeout  = 5 * time.Second
	databaseOpenTimeout   = 30 * time.Second
	defaultReportInterval = 5 * time.Second
	controlReadTimeout    = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", bootstrap.DefaultConfigPath))
	subject := flag.String("subject", "", "Subject prefix filter, overrides cache.subject")
	every := flag.Duration("report", defaultReportInterval, "Interval between view reports; 0 disables them")
	flag.Parse()

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	logger := bootstrap.NewLogger("cache")
	appCfg, err := bootstrap.LoadConfig(ctx, logger, *cfgPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if *subject != "" {
		appCfg.Cache.Subject = strings.TrimSpace(*subject)
	}

	telemetryProvider, err := bootstrap.InitTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	serializer, err := bootstrap.FxCodec()
	if err != nil {
		logger.Fatalf("initialise codec: %v", err)
	}

	c := cache.New[*fx.CurrencyPair](cacheConfig(appCfg.Cache), serializer, fx.NewCurrencyPair, logger)

	var (
		db        *persistence.Store
		projector *projection.Projector
	)
	if appCfg.Database.Enabled {
		db, projector, err = startProjection(ctx, logger, appCfg.Database, c)
		if err != nil {
			logger.Fatalf("initialise projection: %v", err)
		}
	}

	if err := c.Run(ctx); err != nil {
		logger.Fatalf("start cache: %v", err)
	}
	logger.Printf("cache started endpoint=%s subject=%q; awaiting shutdown signal", appCfg.Cache.Endpoint, appCfg.Cache.Subject)

	var lifecycle conc.WaitGroup
	var control *http.Server
	if appCfg.Cache.ControlAddr != "" {
		control = &http.Server{
			Addr:              appCfg.Cache.ControlAddr,
			Handler:           httpserver.NewHandler(appCfg.Environment, httpserver.CacheView(c)),
			ReadHeaderTimeout: controlReadTimeout,
		}
		lifecycle.Go(func() {
			if err := control.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Printf("control server: %v", err)
			}
		})
		logger.Printf("control API listening on %s", control.Addr)
	}

	report(ctx, logger, c, *every)
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()

	steps := bootstrap.NewShutdown(shutdownCtx, logger)
	if control != nil {
		steps.Step("stopping control server", actorShutdownTimeout, func(stepCtx context.Context) error {
			err := control.Shutdown(stepCtx)
			lifecycle.Wait()
			return err
		})
	}
	steps.Step("stopping cache", actorShutdownTimeout, bootstrap.Destroy(c))
	if projector != nil {
		steps.Step("flushing projection", actorShutdownTimeout, bootstrap.Destroy(projector))
	}
	if db != nil {
		steps.Step("closing database", actorShutdownTimeout, func(context.Context) error {
			db.Close()
			return nil
		})
	}
	steps.Step("shutting down telemetry", telemetryStopTimeout, telemetryProvider.Shutdown)

	logger.Printf("shutdown completed in %v failures=%d", time.Since(start), steps.Failed())
}

func cacheConfig(cfg config.CacheConfig) cache.Config {
	return cache.Config{
		Endpoint:          cfg.Endpoint,
		Subject:           cfg.Subject,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		SnapshotTimeout:   cfg.SnapshotTimeout,
		StaleTimeout:      cfg.StaleTimeout,
		HighWatermark:     cfg.HighWatermark,
		StoreEvents:       cfg.KeepHistory(),
		RetryMaxInterval:  cfg.RetryMaxInterval,
	}
}

func startProjection(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig, source projection.Source) (*persistence.Store, *projection.Projector, error) {
	openCtx, cancel := context.WithTimeout(ctx, databaseOpenTimeout)
	defer cancel()

	if cfg.RunMigrations {
		if err := migrations.ApplyFS(openCtx, cfg.DSN, dbmigrations.Files, logger); err != nil {
			return nil, nil, err
		}
	}
	db, err := persistence.Open(openCtx, cfg.DSN, cfg.MaxConns)
	if err != nil {
		return nil, nil, err
	}
	projector := projection.New(projection.Config{}, source, pgstore.New(db.Pool()).Pairs, logger)
	if err := projector.Run(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	logger.Printf("projection started max_conns=%d", cfg.MaxConns)
	return db, projector, nil
}

// report logs the materialized view until ctx is done.
func report(ctx context.Context, logger *log.Logger, c *cache.Cache[*fx.CurrencyPair], every time.Duration) {
	if every <= 0 {
		<-ctx.Done()
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		var lines []string
		c.Read(func(s *cache.Store[*fx.CurrencyPair]) {
			for _, key := range s.Keys() {
				if p, ok := s.Lookup(key); ok {
					lines = append(lines, p.String())
				}
			}
		})
		logger.Printf("view connection=%s stale=%t catching_up=%t pairs=%d errors=%d",
			c.ConnectionState().Get(), c.IsStale().Get(), c.CatchingUp().Get(), len(lines), len(c.Errors().Entries()))
		for _, line := range lines {
			logger.Printf("  %s", line)
		}
	}
}
