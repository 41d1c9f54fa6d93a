// Package bootstrap holds the process plumbing shared by the eventfabric commands.
package bootstrap

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coachpo/eventfabric/internal/domain/fx"
	"github.com/coachpo/eventfabric/internal/infra/codec"
	"github.com/coachpo/eventfabric/internal/infra/config"
	"github.com/coachpo/eventfabric/internal/infra/telemetry"
)

// DefaultConfigPath is used when -config is not given.
const DefaultConfigPath = "config/app.yaml"

// NewLogger returns a stdout logger carrying the component prefix.
func NewLogger(prefix string) *log.Logger {
	return log.New(os.Stdout, prefix+" ", log.LstdFlags|log.Lmicroseconds)
}

// SignalContext is cancelled on SIGINT or SIGTERM.
func SignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

// LoadConfig reads path, or the defaults when it does not exist.
func LoadConfig(ctx context.Context, logger *log.Logger, path string) (config.AppConfig, error) {
	if path == "" {
		path = DefaultConfigPath
	}
	cfg, fromFile, err := config.LoadOrDefault(ctx, path)
	if err != nil {
		return config.AppConfig{}, fmt.Errorf("load config: %w", err)
	}
	if !fromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s broker=%s", cfg.Environment, cfg.Broker.Addr)
	return cfg, nil
}

// InitTelemetry installs the meter provider described by cfg.
func InitTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.DefaultConfig()
	if cfg.OTLPEndpoint != "" {
		telemetryCfg.OTLPEndpoint = cfg.OTLPEndpoint
	}
	if cfg.ServiceName != "" {
		telemetryCfg.ServiceName = cfg.ServiceName
	}
	telemetryCfg.Environment = string(env)
	telemetryCfg.OTLPInsecure = cfg.OTLPInsecure
	telemetryCfg.EnableMetrics = cfg.EnableMetrics

	provider, err := telemetry.NewProvider(ctx, telemetryCfg)
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry provider: %w", err)
	}

	if telemetryCfg.Enabled && telemetryCfg.EnableMetrics {
		logger.Printf("telemetry initialized: endpoint=%s, service=%s", telemetryCfg.OTLPEndpoint, telemetryCfg.ServiceName)
	} else {
		logger.Printf("telemetry disabled")
	}
	return provider, nil
}

// FxCodec returns a serializer that knows every currency pair event.
func FxCodec() (*codec.Serializer, error) {
	reg := codec.NewRegistry()
	if err := reg.RegisterAll(fx.Types()); err != nil {
		return nil, fmt.Errorf("register fx events: %w", err)
	}
	return codec.NewSerializer(codec.DefaultConfig(), reg), nil
}

// Shutdown runs named teardown steps, each under its own timeout.
type Shutdown struct {
	ctx    context.Context
	logger *log.Logger
	failed int
}

// NewShutdown bounds every step by ctx.
func NewShutdown(ctx context.Context, logger *log.Logger) *Shutdown {
	return &Shutdown{ctx: ctx, logger: logger}
}

// Step runs fn and logs its outcome. Failures are logged, never fatal.
func (s *Shutdown) Step(name string, timeout time.Duration, fn func(context.Context) error) {
	stepCtx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()
	s.logger.Printf("shutdown: %s...", name)
	if err := fn(stepCtx); err != nil {
		s.failed++
		s.logger.Printf("shutdown: %s failed: %v", name, err)
		return
	}
	s.logger.Printf("shutdown: %s completed", name)
}

// Failed returns the number of steps that returned an error.
func (s *Shutdown) Failed() int { return s.failed }

// Destroyer is any actor with a Destroy step.
type Destroyer interface {
	Destroy() error
}

// Destroy wraps an actor's Destroy as a shutdown step honouring the timeout.
func Destroy(d Destroyer) func(context.Context) error {
	return func(ctx context.Context) error {
		done := make(chan error, 1)
		go func() { done <- d.Destroy() }()
		select {
		case err := <-done:
			return err
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for destroy: %w", ctx.Err())
		}
	}
}
