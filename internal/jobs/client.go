package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
)

// ClientOptions configures the river client.
type ClientOptions struct {
	DispatchWorkers   int
	ReconcileInterval time.Duration
	Logger            *slog.Logger
}

// Workers are the job handlers a client runs.
type Workers struct {
	Dispatch  *DispatchWorker
	Reconcile *ReconcileWorker
	Notify    *NotifyWorker
}

// NewClient builds a river client over pool running w. The reconcile job is
// scheduled every opts.ReconcileInterval and once at start.
func NewClient(pool *pgxpool.Pool, w Workers, opts ClientOptions) (*river.Client[pgx.Tx], error) {
	if opts.DispatchWorkers <= 0 {
		opts.DispatchWorkers = 10
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, w.Dispatch)
	river.AddWorker(workers, w.Reconcile)
	river.AddWorker(workers, w.Notify)

	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			QueueServices:    {MaxWorkers: opts.DispatchWorkers},
			QueueMaintenance: {MaxWorkers: 1},
			QueueNotify:      {MaxWorkers: 5},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(opts.ReconcileInterval),
				func() (river.JobArgs, *river.InsertOpts) {
					return ReconcileArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
		Logger: opts.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}
	return client, nil
}

// NewInsertOnlyClient builds a client that can insert jobs but runs none,
// for CLI commands that write to the ledger.
func NewInsertOnlyClient(pool *pgxpool.Pool) (*river.Client[pgx.Tx], error) {
	client, err := river.NewClient(riverpgxv5.New(pool), &river.Config{})
	if err != nil {
		return nil, fmt.Errorf("creating river client: %w", err)
	}
	return client, nil
}

// Migrate applies river's own schema migrations.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		return fmt.Errorf("creating river migrator: %w", err)
	}
	res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
	if err != nil {
		return fmt.Errorf("migrating river schema: %w", err)
	}
	for _, v := range res.Versions {
		slog.Info("river migration applied", "version", v.Version)
	}
	return nil
}
