package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/peyvandtel/broker/internal/config"
	"github.com/peyvandtel/broker/internal/ledger"
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Inspect the credit ledger",
}

var ledgerUser string

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Replay users' ledgers and report balance drift",
	RunE:  runLedgerVerify,
}

func init() {
	ledgerVerifyCmd.Flags().StringVar(&ledgerUser, "user", "", "verify a single user id")
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd)
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
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

	ids := []string{ledgerUser}
	if ledgerUser == "" {
		if ids, err = a.entries.UserIDs(ctx); err != nil {
			return err
		}
	}

	var broken []*ledger.Report
	for _, id := range ids {
		report, err := a.entries.Verify(ctx, id)
		if err != nil {
			return fmt.Errorf("verifying %s: %w", id, err)
		}
		if !report.Consistent() {
			slog.Warn("ledger drift",
				"user_id", id,
				"stored_balance", report.StoredBalance,
				"replay_balance", report.ReplayBalance,
				"broken_entries", len(report.BrokenEntryIDs),
			)
			broken = append(broken, report)
		}
	}

	fmt.Printf("verified %d users, %d inconsistent\n", len(ids), len(broken))
	if len(broken) > 0 {
		return fmt.Errorf("%d ledgers have drifted", len(broken))
	}
	return nil
}
