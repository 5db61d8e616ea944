package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"curvevm/core/events"
	"curvevm/core/pricing"
	"curvevm/native/curve"
	"curvevm/observability/logging"
	"curvevm/observability/metrics"
	telemetry "curvevm/observability/otel"
	"curvevm/services/curved/adapters"
	"curvevm/services/curved/config"
	"curvevm/services/curved/idempotency"
	"curvevm/services/curved/server"
	auditstore "curvevm/services/curved/storage"
	"curvevm/storage"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "services/curved/config.yaml", "path to curved configuration file (.yaml or .toml)")
	flag.Parse()

	if err := run(cfgPath); err != nil {
		slog.Error("curved exited", "error", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	env := strings.TrimSpace(cfg.Env)
	if env == "" {
		env = strings.TrimSpace(os.Getenv("CURVE_ENV"))
	}
	logger, logCloser := logging.New(logging.Options{
		Service: "curved",
		Env:     env,
		Level:   cfg.Log.Level,
		File: logging.FileOptions{
			Path:       cfg.Log.File,
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			MaxBackups: cfg.Log.MaxBackups,
			Compress:   cfg.Log.Compress,
		},
	})
	defer logCloser.Close()

	shutdownTelemetry, err := telemetry.Init(context.Background(), telemetry.Config{
		ServiceName: "curved",
		Environment: env,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		Headers:     telemetry.ParseHeaders(cfg.Telemetry.Headers),
		Metrics:     cfg.Telemetry.Metrics,
		Traces:      cfg.Telemetry.Traces,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() { _ = shutdownTelemetry(context.Background()) }()

	var stateDB storage.Database
	if path := strings.TrimSpace(cfg.StatePath); path != "" {
		ldb, err := storage.NewLevelDB(path)
		if err != nil {
			return fmt.Errorf("open state database: %w", err)
		}
		stateDB = ldb
	} else {
		logger.Warn("no state_path configured; curve state is kept in memory")
		stateDB = storage.NewMemDB()
	}
	defer stateDB.Close()

	dsn, err := auditstore.FileDSN(cfg.AuditDatabase)
	if err != nil {
		return fmt.Errorf("resolve audit DSN: %w", err)
	}
	audit, err := auditstore.Open(dsn, logger)
	if err != nil {
		return fmt.Errorf("open audit storage: %w", err)
	}
	defer audit.Close()
	if strings.TrimSpace(cfg.Auth.HMACSecret) == "" {
		logger.Warn("auth disabled; execute and withdraw routes accept unauthenticated requests")
	}
	var replay server.IdempotencyStore
	if path := strings.TrimSpace(cfg.Idempotency.Path); path != "" {
		store, err := idempotency.Open(path, nil)
		if err != nil {
			return fmt.Errorf("open idempotency store: %w", err)
		}
		defer store.Close()
		if removed, err := store.Prune(time.Now()); err != nil {
			logger.Warn("prune idempotency store", "error", err)
		} else if removed > 0 {
			logger.Info("pruned expired idempotency records", "count", removed)
		}
		replay = store
	}
	curveMetrics := metrics.Curve()
	audit.OnFailure(curveMetrics.IncAuditFailure)

	for _, src := range cfg.Sources {
		logger.Info("price source configured",
			"source", src.Name,
			"type", src.Type,
			logging.MaskField("endpoint", src.Endpoint),
			logging.MaskField("api_key", src.APIKey),
		)
	}
	sources, err := adapters.NewRegistry().BuildAll(cfg.Sources)
	if err != nil {
		return err
	}
	positions, err := buildPositions(cfg.Positions, sources)
	if err != nil {
		return err
	}

	srv, err := server.New(server.Config{
		ListenAddress:     cfg.ListenAddress,
		RequestsPerSecond: cfg.RateLimit.RequestsPerSecond,
		Burst:             cfg.RateLimit.Burst,
		IdempotencyTTL:    cfg.Idempotency.TTL.Duration,
		Auth: server.AuthConfig{
			HMACSecret: cfg.Auth.HMACSecret,
			Issuer:     cfg.Auth.Issuer,
			Audience:   cfg.Auth.Audience,
			Scope:      cfg.Auth.Scope,
			ClockSkew:  cfg.Auth.ClockSkew.Duration,
		},
	}, server.Runtime{
		DB:          stateDB,
		Positions:   positions,
		Emitter:     events.Multi{audit, logEmitter{logger: logger}},
		History:     audit,
		Stream:      server.NewHub(),
		Idempotency: replay,
		Metrics:     curveMetrics,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("server: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func buildPositions(cfgs []config.Position, sources map[string]pricing.PriceSource) (map[string]curve.Config, error) {
	out := make(map[string]curve.Config, len(cfgs))
	for _, pos := range cfgs {
		src, ok := sources[strings.TrimSpace(pos.Source)]
		if !ok {
			return nil, fmt.Errorf("position %s: unknown source %q", pos.Key, pos.Source)
		}
		price, err := pricing.ParseWad(pos.InitialPrice)
		if err != nil {
			return nil, fmt.Errorf("position %s: %w", pos.Key, err)
		}
		out[strings.TrimSpace(pos.Key)] = curve.Config{
			TokenIn:               pos.TokenIn,
			TokenOut:              pos.TokenOut,
			Source:                src,
			InitialReferencePrice: price,
			MinUpdateInterval:     int64(pos.MinUpdateInterval.Seconds()),
		}
	}
	return out, nil
}

// logEmitter writes every event to the structured log.
type logEmitter struct {
	logger *slog.Logger
}

func (l logEmitter) Emit(evt events.Event) {
	transformed, ok := evt.(events.CurveTransformed)
	if !ok {
		l.logger.Info("event", "type", evt.EventType())
		return
	}
	attrs := transformed.Event().Attributes
	l.logger.Info("curve transformed",
		"position", attrs["position"],
		"oldPrice", attrs["oldPrice"],
		"newPrice", attrs["newPrice"],
		"newShiftX", attrs["newShiftX"],
		"newShiftY", attrs["newShiftY"],
	)
}
