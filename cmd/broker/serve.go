package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peyvandtel/broker/internal/api"
	"github.com/peyvandtel/broker/internal/config"
	"github.com/peyvandtel/broker/internal/jobs"
	"github.com/peyvandtel/broker/internal/notify"
	"github.com/peyvandtel/broker/internal/ratelimit"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the broker API server and background workers",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.ensureServices(ctx); err != nil {
		return err
	}
	if cfg.Admin.Key == "" {
		slog.Warn("admin.key is empty, the admin API is disabled")
	}

	notifier, closeNotifier, err := notify.Build(cfg.Notify, &http.Client{Timeout: 15 * time.Second})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeNotifier(); err != nil {
			slog.Warn("closing notifiers", "error", err)
		}
	}()
	notifyWorker := jobs.NewNotifyWorker(a.users, notifier)
	notifyWorker.SetMetrics(a.metrics)

	client, err := jobs.NewClient(a.pool, jobs.Workers{
		Dispatch:  jobs.NewDispatchWorker(a.dispatcher, cfg.Remote.Timeout+time.Minute),
		Reconcile: jobs.NewReconcileWorker(a.reconciler, cfg.Reconcile.Interval),
		Notify:    notifyWorker,
	}, jobs.ClientOptions{
		DispatchWorkers:   cfg.Pipeline.Workers,
		ReconcileInterval: cfg.Reconcile.Interval,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	a.enqueuer.Bind(client)
	if err := client.Start(ctx); err != nil {
		return err
	}
	slog.Info("job workers started", "dispatch_workers", cfg.Pipeline.Workers)

	go a.collector.Start(ctx)

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	rates := make(map[string]ratelimit.ServiceRates, len(cfg.RateLimit.Services))
	for id, r := range cfg.RateLimit.Services {
		rates[id] = ratelimit.ServiceRates{Global: r.Global, PerUser: r.PerUser}
	}
	serviceBuckets := ratelimit.New(0, cfg.RateLimit.Window)
	serviceLimiter := ratelimit.NewServiceLimiter(serviceBuckets, rates)
	go sweepLimiters(ctx, cfg.RateLimit.Window, limiter, serviceBuckets)

	router := api.NewRouter(api.RouterDeps{
		Pipeline:       a.pipeline,
		Records:        a.records,
		Services:       a.registry,
		Catalog:        a.catalog,
		Users:          a.users,
		Credit:         a.accounts,
		Ledger:         a.entries,
		Reconciler:     a.reconciler,
		RemoteCalls:    a.calls,
		Auth:           a.auth,
		Limiter:        limiter,
		ServiceLimiter: serviceLimiter,
		Metrics:        a.metrics,
		DBPool:         a.pool,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		MaxUploadBytes: cfg.Media.MaxUploadBytes,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := client.Stop(shutdownCtx); err != nil {
		slog.Error("job workers shutdown", "error", err)
	}
	a.collector.Stop()
	return nil
}

// sweepLimiters drops idle buckets once per window.
func sweepLimiters(ctx context.Context, window time.Duration, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(window)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, l := range limiters {
				l.Sweep()
			}
		}
	}
}
