package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/davidleathers/dependable-call-exchange-backend/internal/domain/call"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/infrastructure/anomaly"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/infrastructure/config"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/infrastructure/telemetry"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/metrics"
	"github.com/davidleathers/dependable-call-exchange-backend/internal/service/focus"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger, err := telemetry.SetupLogger(cfg.LogLevel)
	if err != nil {
		slog.Error("failed to setup logger", "error", err)
		os.Exit(1)
	}
	slog.SetDefault(logger)

	if err := run(ctx, cfg, logger); err != nil {
		slog.Error("application failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	logger.Info("starting connection focus manager",
		"version", cfg.Version,
		"environment", cfg.Environment)

	telemetryCfg := telemetry.DefaultConfig()
	telemetryCfg.ServiceVersion = cfg.Version
	telemetryCfg.Environment = cfg.Environment
	telemetryCfg.Enabled = cfg.Telemetry.Enabled
	telemetryCfg.OTLPEndpoint = cfg.Telemetry.OTLPEndpoint
	telemetryCfg.SamplingRate = cfg.Telemetry.SamplingRate
	telemetryCfg.ExportTimeout = cfg.Telemetry.ExportTimeout

	otelProvider, err := telemetry.InitializeOpenTelemetry(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelProvider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shutdown OpenTelemetry", "error", err)
		}
	}()

	registry, err := metrics.NewRegistry("connection_focus_manager")
	if err != nil {
		return fmt.Errorf("failed to initialize metrics registry: %w", err)
	}

	tracer := telemetry.NewOpenTelemetryTracer("connection_focus_manager")
	reporter := anomaly.NewReporter(logger, 1, 5)
	callsManager := newDemoCallsManager(logger)

	manager := focus.NewManager(cfg.Focus, logger, tracer, registry, reporter, callsManager)
	defer manager.Stop()

	// A real host's calls manager would hold a reference to manager and
	// invoke OnCallAdded/OnCallRemoved/OnCallStateChanged/OnExternalCallChanged
	// on it directly, since *focus.Manager implements focus.CallsManagerListener.

	<-ctx.Done()
	logger.Info("shutting down connection focus manager")
	return nil
}

// demoCallsManager is a minimal CallsManagerRequester used when no host
// application has wired in its own. When the manager forces a release
// after the timeout, it logs the request and calls FocusLost on the
// provider; it does not tear the provider down.
type demoCallsManager struct {
	logger *slog.Logger
}

func newDemoCallsManager(logger *slog.Logger) *demoCallsManager {
	return &demoCallsManager{logger: logger}
}

func (d *demoCallsManager) ReleaseConnectionService(ctx context.Context, p call.Provider) {
	d.logger.InfoContext(ctx, "asked provider to release focus", "provider", p.ComponentName())
	p.FocusLost(ctx)
}
