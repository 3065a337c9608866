package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/peyvandtel/broker/internal/auth"
	"github.com/peyvandtel/broker/internal/broker"
	"github.com/peyvandtel/broker/internal/catalog"
	"github.com/peyvandtel/broker/internal/config"
	"github.com/peyvandtel/broker/internal/crypto"
	"github.com/peyvandtel/broker/internal/database"
	"github.com/peyvandtel/broker/internal/jobs"
	"github.com/peyvandtel/broker/internal/ledger"
	"github.com/peyvandtel/broker/internal/media"
	"github.com/peyvandtel/broker/internal/metering"
	"github.com/peyvandtel/broker/internal/metrics"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/records"
	"github.com/peyvandtel/broker/internal/remote"
	"github.com/peyvandtel/broker/internal/user"
)

// app holds the components shared by every command that touches the
// database.
type app struct {
	cfg     *config.Config
	pool    *pgxpool.Pool
	metrics *metrics.Metrics

	users    *user.Store
	accounts *user.Service
	ledger   *ledger.Ledger
	entries  *ledger.Store
	records  *records.Store
	services *catalog.Store
	prices   *pricing.Store
	calls    *metering.Store

	collector   *metering.Collector
	enqueuer    *jobs.Enqueuer
	registry    *broker.Registry
	catalog     *catalog.Service
	compensator *broker.Compensator
	dispatcher  *broker.Dispatcher
	pipeline    *broker.Pipeline
	reconciler  *broker.Reconciler
	auth        *auth.Service
}

// newApp connects to the database and wires the broker. The caller owns
// the pool and must call close.
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	pool, err := database.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, err
	}
	slog.Info("connected to database")

	a, err := wire(cfg, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, pool *pgxpool.Pool) (*app, error) {
	sealer, err := crypto.NewSealer(cfg.Encryption.Key)
	if err != nil {
		return nil, fmt.Errorf("building credential sealer: %w", err)
	}
	if sealer == nil {
		slog.Warn("encryption.key is empty, vendor credentials are stored unencrypted")
	}
	storage, err := media.NewDiskStorage(cfg.Media.Dir)
	if err != nil {
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		pool:     pool,
		metrics:  metrics.New(),
		users:    user.NewStore(pool),
		entries:  ledger.NewStore(pool),
		records:  records.NewStore(pool),
		services: catalog.NewStore(pool),
		prices:   pricing.NewStore(pool),
		calls:    metering.NewStore(pool),
		enqueuer: jobs.NewEnqueuer(cfg.Pipeline.DispatchDelay),
	}
	a.metrics.RegisterDBPoolCollector(func() metrics.PoolStats {
		s := pool.Stat()
		return metrics.PoolStats{
			Total:    s.TotalConns(),
			Idle:     s.IdleConns(),
			Acquired: s.AcquiredConns(),
			Max:      s.MaxConns(),
			Waits:    s.EmptyAcquireCount(),
		}
	})

	a.collector = metering.NewCollector(a.calls, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	a.ledger = ledger.New(a.entries, a.enqueuer)
	a.accounts = user.NewService(pool, a.ledger)

	sahab := remote.NewSahabClient(remote.SahabOptions{
		BaseURL:     cfg.Remote.BaseURL,
		LargePath:   cfg.Remote.LargePath,
		ShortPath:   cfg.Remote.ShortPath,
		PollPath:    cfg.Remote.PollPath,
		Language:    cfg.Remote.Language,
		Model:       cfg.Remote.Model,
		Timeout:     cfg.Remote.Timeout,
		PollRetries: cfg.Remote.PollRetries,
		PollBackoff: cfg.Remote.PollBackoff,
	})
	vendor := remote.NewMetered(sahab, a.collector)
	vendor.SetMetrics(a.metrics)

	deps := broker.ProcessorDeps{
		Ledger:             a.ledger,
		Balances:           a.entries,
		Storage:            storage,
		Outbox:             a.enqueuer,
		ShortJobMaxSeconds: cfg.Pipeline.ShortJobMaxSeconds,
	}
	factories := map[string]broker.Factory{
		broker.KindSpeechToText: func(serviceID string) (broker.Binding, error) {
			return broker.Binding{
				Validator:  pricing.PerSecondValidator{},
				Processor:  broker.NewSpeechToText(deps, media.AudioInspector{}),
				Repository: a.records,
				Remote:     vendor,
			}, nil
		},
	}

	specs := make([]broker.ServiceSpec, 0, len(cfg.Services))
	for _, s := range cfg.Services {
		specs = append(specs, broker.ServiceSpec{ID: s.ID, Kind: s.Kind})
	}
	a.registry, err = broker.NewRegistry(specs, factories)
	if err != nil {
		return nil, fmt.Errorf("building service registry: %w", err)
	}

	a.catalog = catalog.NewService(a.services, a.prices, sealer, a.registry.Validator)

	a.compensator = broker.NewCompensator(pool, a.registry, a.ledger)
	a.compensator.SetMetrics(a.metrics)
	a.dispatcher = broker.NewDispatcher(a.registry, storage, a.catalog, a.compensator)

	a.pipeline, err = broker.NewPipeline(broker.PipelineOptions{
		Timeout: cfg.Pipeline.Timeout,
		Policy:  broker.ChargeOnSubmit,
	}, a.registry, a.catalog, pool, a.dispatcher)
	if err != nil {
		return nil, fmt.Errorf("building pipeline: %w", err)
	}
	a.pipeline.SetMetrics(a.metrics)

	a.reconciler = broker.NewReconciler(a.registry, a.catalog, a.compensator, broker.ReconcileOptions{
		BatchSize:   cfg.Reconcile.BatchSize,
		MaxAttempts: cfg.Reconcile.MaxAttempts,
		MaxAge:      cfg.Reconcile.MaxAge,
	})
	a.reconciler.SetMetrics(a.metrics)

	a.auth = auth.NewService(a.users, cfg.Admin.Key)
	a.auth.SetMetrics(a.metrics)

	return a, nil
}

// ensureServices makes sure every configured service has a definition row.
func (a *app) ensureServices(ctx context.Context) error {
	for _, s := range a.cfg.Services {
		name := s.Name
		if name == "" {
			name = s.ID
		}
		if err := a.services.Ensure(ctx, s.ID, name); err != nil {
			return fmt.Errorf("registering service %s: %w", s.ID, err)
		}
	}
	return nil
}

// bindInsertOnly lets one-shot commands post ledger entries. Their
// notification jobs are picked up by a running server.
func (a *app) bindInsertOnly() error {
	client, err := jobs.NewInsertOnlyClient(a.pool)
	if err != nil {
		return err
	}
	a.enqueuer.Bind(client)
	return nil
}

func (a *app) close() {
	a.pool.Close()
}
