package main

import (
	"context"
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/peyvandtel/broker/internal/config"
)

var reconcileCmd = &cobra.Command{
	Use:   "reconcile",
	Short: "Run one reconciliation pass and exit",
	Long: "Polls every processing record once, settles finished jobs and fails " +
		"stale ones with a refund. Safe to run next to a live server.",
	RunE: runReconcile,
}

func init() {
	rootCmd.AddCommand(reconcileCmd)
}

func runReconcile(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	setupLogger(cfg.Log.Level)

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.close()

	if err := a.bindInsertOnly(); err != nil {
		return err
	}
	go a.collector.Start(ctx)
	defer a.collector.Stop()

	sum, err := a.reconciler.RunOnce(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}
