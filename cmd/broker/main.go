// Command broker runs the eventfabric broker: event log, broadcast, heartbeat and snapshot channels.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/coachpo/eventfabric/internal/app/broker"
	"github.com/coachpo/eventfabric/internal/infra/bootstrap"
	"github.com/coachpo/eventfabric/internal/infra/config"
	"github.com/coachpo/eventfabric/internal/infra/eventlog"
)

const (
	shutdownTimeout       = 30 * time.Second
	brokerShutdownTimeout = 10 * time.Second
	telemetryStopTimeout  = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", bootstrap.DefaultConfigPath))
	addr := flag.String("addr", "", "Listen address, overrides broker.addr")
	flag.Parse()

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	logger := bootstrap.NewLogger("broker")
	appCfg, err := bootstrap.LoadConfig(ctx, logger, *cfgPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if *addr != "" {
		appCfg.Broker.Addr = *addr
	}

	telemetryProvider, err := bootstrap.InitTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	serializer, err := bootstrap.FxCodec()
	if err != nil {
		logger.Fatalf("initialise codec: %v", err)
	}

	b := broker.New(brokerConfig(appCfg.Broker), eventlog.NewMemoryLog(nil), serializer, logger)
	if err := b.Run(ctx); err != nil {
		logger.Fatalf("start broker: %v", err)
	}
	logger.Printf("broker started endpoint=%s; awaiting shutdown signal", b.Endpoint())

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()

	steps := bootstrap.NewShutdown(shutdownCtx, logger)
	steps.Step("stopping broker", brokerShutdownTimeout, bootstrap.Destroy(b))
	steps.Step("shutting down telemetry", telemetryStopTimeout, telemetryProvider.Shutdown)

	logger.Printf("shutdown completed in %v failures=%d recorded_errors=%d",
		time.Since(start), steps.Failed(), len(b.Errors().Entries()))
}

func brokerConfig(cfg config.BrokerConfig) broker.Config {
	return broker.Config{
		Addr:            cfg.Addr,
		HighWatermark:   cfg.HighWatermark,
		SnapshotWorkers: cfg.SnapshotWorkers,
	}
}
