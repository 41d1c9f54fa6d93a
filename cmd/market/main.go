// Command market publishes random FX quotes to a broker at a fixed rate.
package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/coachpo/eventfabric/internal/app/market"
	"github.com/coachpo/eventfabric/internal/app/producer"
	"github.com/coachpo/eventfabric/internal/infra/bootstrap"
	"github.com/coachpo/eventfabric/internal/infra/config"
)

const (
	shutdownTimeout      = 30 * time.Second
	actorShutdownTimeout = 10 * time.Second
	telemetryStopTimeout = 5 * time.Second
)

func main() {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", bootstrap.DefaultConfigPath))
	rate := flag.Float64("rate", 0, "Prices per second, overrides market.rate")
	flag.Parse()

	ctx, cancel := bootstrap.SignalContext()
	defer cancel()

	logger := bootstrap.NewLogger("market")
	appCfg, err := bootstrap.LoadConfig(ctx, logger, *cfgPath)
	if err != nil {
		logger.Fatalf("%v", err)
	}
	if *rate > 0 {
		appCfg.Market.Rate = *rate
	}

	telemetryProvider, err := bootstrap.InitTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	serializer, err := bootstrap.FxCodec()
	if err != nil {
		logger.Fatalf("initialise codec: %v", err)
	}

	p := producer.New(producerConfig(appCfg.Producer), serializer, bootstrap.NewLogger("producer"))
	if err := p.Run(ctx); err != nil {
		logger.Fatalf("start producer: %v", err)
	}
	m := market.New(marketConfig(appCfg.Market), p, logger)
	if err := m.Run(ctx); err != nil {
		logger.Fatalf("start market: %v", err)
	}
	logger.Printf("market %s started endpoint=%s pairs=%v rate=%.2f/s; awaiting shutdown signal",
		m.Name(), appCfg.Producer.Endpoint, appCfg.Market.Pairs, appCfg.Market.Rate)

	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	start := time.Now()

	steps := bootstrap.NewShutdown(shutdownCtx, logger)
	steps.Step("stopping market", actorShutdownTimeout, bootstrap.Destroy(m))
	steps.Step("stopping producer", actorShutdownTimeout, bootstrap.Destroy(p))
	steps.Step("shutting down telemetry", telemetryStopTimeout, telemetryProvider.Shutdown)

	logger.Printf("shutdown completed in %v sent=%d failures=%d", time.Since(start), m.Sent(), steps.Failed())
}

func producerConfig(cfg config.ProducerConfig) producer.Config {
	return producer.Config{
		Endpoint:          cfg.Endpoint,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
	}
}

func marketConfig(cfg config.MarketConfig) market.Config {
	return market.Config{
		Name:         cfg.Name,
		Pairs:        cfg.Pairs,
		Rate:         cfg.Rate,
		Burst:        cfg.Burst,
		AutoGenerate: true,
	}
}
