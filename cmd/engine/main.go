// Command engine runs the execution and risk guard engine with its HTTP control surface.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/execguard/internal/infra/config"
	"github.com/coachpo/execguard/internal/infra/telemetry"
	"github.com/coachpo/execguard/internal/observability"
)

const (
	defaultConfigPath         = "config/engine.yaml"
	engineLoggerPrefix        = "engine "
	shutdownTimeout           = 30 * time.Second
	brokerShutdownTimeout     = 10 * time.Second
	lifecycleShutdownTimeout  = 10 * time.Second
	telemetryShutdownTimeout  = 5 * time.Second
	controlReadHeaderTimeout  = 5 * time.Second
	channelCloseTimeout       = 5 * time.Second
	dependencyShutdownTimeout = 5 * time.Second
)

func main() {
	cfgPath := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEngineLogger()

	appCfg, err := config.Load(ctx, cfgPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	logger.Printf("configuration initialised: env=%s, channel=%s, database=%t, redis=%t",
		appCfg.Environment, appCfg.Execution.Channel, appCfg.Database.Enabled(), appCfg.Redis.Enabled())

	zapLogger, err := observability.NewProductionLogger(appCfg.Logging.Level, appCfg.Logging.Encoding)
	if err != nil {
		logger.Fatalf("initialise logger: %v", err)
	}
	observability.SetLogger(zapLogger)
	defer func() { _ = zapLogger.Sync() }()

	telemetryProvider, err := initTelemetry(ctx, logger, appCfg.Environment, appCfg.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}
	instruments, err := telemetry.NewInstruments(telemetryProvider.Meter("github.com/coachpo/execguard"))
	if err != nil {
		logger.Fatalf("initialize instruments: %v", err)
	}

	components, err := buildComponents(ctx, logger, appCfg, instruments)
	if err != nil {
		logger.Fatalf("initialise engine: %v", err)
	}

	var lifecycle conc.WaitGroup
	components.start(ctx, &lifecycle, logger)

	apiServer := buildAPIServer(appCfg.APIServer, components)
	startAPIServer(&lifecycle, logger, apiServer)
	logger.Printf("control API listening on %s", apiServer.Addr)

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:          apiServer,
		serverTimeout:   appCfg.APIServer.ShutdownTimeout,
		mainCancel:      cancel,
		lifecycle:       &lifecycle,
		components:      components,
		telemetry:       telemetryProvider,
		telemetryFlushT: telemetryShutdownTimeout,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", defaultConfigPath, "Path to the engine configuration file")
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEngineLogger() *log.Logger {
	return log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func initTelemetry(ctx context.Context, logger *log.Logger, env config.Environment, cfg config.TelemetryConfig) (*telemetry.Provider, error) {
	telemetryCfg := telemetry.Config{
		Enabled:       cfg.OTLPEndpoint != "",
		OTLPEndpoint:  cfg.OTLPEndpoint,
		OTLPInsecure:  cfg.OTLPInsecure,
		EnableMetrics: cfg.EnableMetrics,
		ServiceName:   cfg.ServiceName,
		Environment:   string(env),
	}

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

func buildAPIServer(cfg config.APIServerConfig, c *components) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           c.handler(),
		ReadHeaderTimeout: controlReadHeaderTimeout,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
}

func startAPIServer(lifecycle *conc.WaitGroup, logger *log.Logger, server *http.Server) {
	lifecycle.Go(func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
}

type gracefulShutdownConfig struct {
	server          *http.Server
	serverTimeout   time.Duration
	mainCancel      context.CancelFunc
	lifecycle       *conc.WaitGroup
	components      *components
	telemetry       *telemetry.Provider
	telemetryFlushT time.Duration
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", cfg.serverTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	if cfg.components != nil && cfg.components.broker != nil {
		shutdownStep("draining submission queue", brokerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.components.broker.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.components != nil && cfg.components.channel != nil {
		shutdownStep("closing broker channel", channelCloseTimeout, func(context.Context) error {
			return cfg.components.channel.Close()
		})
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", lifecycleShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.components != nil {
		shutdownStep("closing dependencies", dependencyShutdownTimeout, func(context.Context) error {
			return cfg.components.close()
		})
	}

	if cfg.telemetry != nil {
		shutdownStep("shutting down telemetry", cfg.telemetryFlushT, func(stepCtx context.Context) error {
			return cfg.telemetry.Shutdown(stepCtx)
		})
	}
}
