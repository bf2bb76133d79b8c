// conntracker watches the kernel connection-tracking table and exports connection
// lifecycle metrics and spans through OpenTelemetry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coreos/go-systemd/v22/daemon"
	flag "github.com/spf13/pflag"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Ongy/conntracker/internal/attributes"
	"github.com/Ongy/conntracker/internal/config"
	"github.com/Ongy/conntracker/internal/ctnetlink"
	"github.com/Ongy/conntracker/internal/eventprocessor"
	"github.com/Ongy/conntracker/internal/eventstream"
	"github.com/Ongy/conntracker/internal/logging"
	"github.com/Ongy/conntracker/internal/otel"
	"github.com/Ongy/conntracker/internal/telemetry"
	"github.com/Ongy/conntracker/internal/tracker"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const shutdownTimeout = 5 * time.Second

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

// telemetryPipeline bundles the providers and the sink built on them.
type telemetryPipeline struct {
	tp     *sdktrace.TracerProvider
	mp     *sdkmetric.MeterProvider
	sink   *otel.Sink
	server *otel.MetricsServer
}

// shutdown flushes remaining spans and metrics.
func (p *telemetryPipeline) shutdown(logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := otel.ShutdownProviders(ctx, p.tp, p.mp); err != nil {
		logger.Warn("error shutting down OTEL providers", zap.Error(err))
	}
}

// setupOTEL initializes the tracer and meter providers and the Prometheus endpoint.
func setupOTEL(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*telemetryPipeline, error) {
	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to parse OTEL config: %w", err)
	}

	versionInfo := fmt.Sprintf("%s (%s)", version, commit)
	res, err := otel.NewResource(ctx, otelCfg, versionInfo)
	if err != nil {
		return nil, err
	}

	p := &telemetryPipeline{}
	p.tp, err = otel.InitProvider(ctx, otelCfg, cfg.TraceExporter, res, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer provider: %w", err)
	}

	registry := otel.NewRegistry()
	p.mp, err = otel.InitMeterProvider(ctx, otelCfg, res, registry, logger)
	if err != nil {
		p.shutdown(logger)
		return nil, fmt.Errorf("failed to initialize meter provider: %w", err)
	}

	p.sink, err = otel.NewSink(p.mp, p.tp)
	if err != nil {
		p.shutdown(logger)
		return nil, err
	}

	if cfg.MetricsAddr != "" {
		p.server, err = otel.NewMetricsServer(cfg.MetricsAddr, registry, logger)
		if err != nil {
			p.shutdown(logger)
			return nil, err
		}
	}
	return p, nil
}

func run() error {
	cfg, err := config.ParseArgs(os.Args, os.Stdout, version, commit, date)
	if errors.Is(err, config.ErrVersionRequested) || errors.Is(err, flag.ErrHelp) {
		return nil
	}
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() {
		_ = logger.Sync() //nolint:errcheck // stderr sync fails on some terminals
	}()

	logger.Info("starting conntracker",
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("built", date),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pipeline, err := setupOTEL(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer pipeline.shutdown(logger)

	evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes)
	if err != nil {
		return err
	}

	store := tracker.NewStore()
	emitter := telemetry.NewEmitter(pipeline.sink, pipeline.sink, evaluator)
	otel.InstallErrorHandler(logger, emitter)
	if err := pipeline.sink.RegisterTrackedGauge(store.Snapshot); err != nil {
		return err
	}

	listener, err := ctnetlink.Subscribe(ctnetlink.Options{NetNS: cfg.NetNS}, emitter, logger)
	if err != nil {
		return err
	}

	processor := eventprocessor.NewProcessor(store, emitter, clock.New(), logger)
	stream := eventstream.New(listener.Events(), processor, emitter, cfg.BatchSize, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return listener.Run(gctx) })
	g.Go(func() error { return stream.Run(gctx) })
	if pipeline.server != nil {
		g.Go(func() error { return pipeline.server.Serve(gctx) })
	}

	notify(logger, daemon.SdNotifyReady)
	logger.Info("watching conntrack events", zap.String("netns", cfg.NetNS), zap.Int("batch_size", cfg.BatchSize))

	<-gctx.Done()
	notify(logger, daemon.SdNotifyStopping)
	logger.Info("shutting down", zap.Int64("tracked_connections", store.Snapshot()))

	return g.Wait()
}

// notify sends a systemd state notification. Outside systemd it does nothing.
func notify(logger *zap.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Debug("systemd notification failed", zap.String("state", state), zap.Error(err))
	}
}
