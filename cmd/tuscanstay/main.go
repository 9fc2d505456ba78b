package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	"tuscanstay/internal/availability"
	"tuscanstay/internal/config"
	"tuscanstay/internal/httpx"
	"tuscanstay/internal/ics"
	appLog "tuscanstay/internal/log"
	"tuscanstay/internal/pricing"
	"tuscanstay/internal/web"
)

const version = "0.3.0"

type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	appLog.Setup(conf.LogLevel)
	appLog.Info("tuscanstay starting", "version", version)

	// CLI --listen overrides config file listen if provided.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}

	appLog.Info("effective config",
		"listen", conf.Listen,
		"refresh", conf.RefreshCron,
		"horizon_days", conf.HorizonDays,
		"cache_dir", conf.CacheDir,
		"apartments", len(conf.Apartments),
		"smoobu_key_set", conf.Smoobu.APIKey != "",
		"once", flags.once,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	metrics, err := httpx.SetupPrometheus()
	if err != nil {
		appLog.Error("failed to initialize metrics", err)
		os.Exit(1)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := metrics.Shutdown(shutdownCtx); err != nil {
			appLog.Error("failed to shutdown metrics", err)
		}
	}()
	otel.SetMeterProvider(metrics.Provider)

	catalog := conf.Catalog()
	svc := availability.NewService(catalog, ics.NewFetcher(conf.CacheDir, nil))

	if flags.once {
		if err := svc.RefreshAll(ctx); err != nil {
			appLog.Error("refresh finished with errors", err)
			os.Exit(1)
		}
		appLog.Info("refresh complete, exiting")
		return
	}

	if err := svc.RefreshAll(ctx); err != nil {
		// Apartments without a snapshot are fetched again on demand.
		appLog.Warn("initial refresh incomplete", "err", err)
	}

	sched, err := availability.NewScheduler(conf.RefreshCron, svc)
	if err != nil {
		appLog.Error("failed to create scheduler", err)
		os.Exit(1)
	}
	sched.Start(ctx)

	resolver := pricing.NewResolver(catalog, pricing.NewClient(conf.Smoobu, nil))

	telemetry, err := httpx.NewTelemetry(metrics.Provider, web.RouteName)
	if err != nil {
		appLog.Error("failed to initialize telemetry", err)
		os.Exit(1)
	}

	srv := web.NewServer(conf, web.Deps{
		Catalog:      catalog,
		Availability: svc,
		Prices:       resolver,
		Metrics:      metrics.Handler(),
		Telemetry:    telemetry,
	})

	httpServer := &http.Server{
		Addr:         conf.Listen,
		Handler:      srv.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		appLog.Info("http server listening", "addr", conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Error("http server error", err)
			cancel()
		}
	}()

	<-ctx.Done()
	appLog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		appLog.Error("http server shutdown error", err)
	}
	sched.Stop()

	appLog.Info("tuscanstay exiting")
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/tuscanstay/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh every calendar feed once and exit")

	flag.Parse()

	return cfg
}
