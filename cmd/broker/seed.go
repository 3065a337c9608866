package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/peyvandtel/broker/internal/config"
	"github.com/peyvandtel/broker/internal/pricing"
	"github.com/peyvandtel/broker/internal/user"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed the configured services, a default price and a demo user",
	RunE:  runSeed,
}

// demoCredit is the opening balance of the demo user.
const demoCredit = 100000

func init() {
	rootCmd.AddCommand(seedCmd)
}

func runSeed(cmd *cobra.Command, args []string) error {
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

	if err := a.ensureServices(ctx); err != nil {
		return err
	}

	// 60 credits per started 10 seconds of audio.
	for _, id := range a.registry.Services() {
		if _, err := a.catalog.Price(ctx, id); err == nil {
			continue
		} else if !errors.Is(err, pricing.ErrNoPriceConfigured) {
			return err
		}
		_, err := a.catalog.SetPrice(ctx, &pricing.PriceDefinition{
			ServiceID: id,
			Amount:    60,
			Settings:  []pricing.Setting{{Key: "each_second", Value: decimal.NewFromInt(10)}},
		})
		if err != nil {
			return fmt.Errorf("pricing %s: %w", id, err)
		}
		slog.Info("seeded price", "service_id", id)
	}

	existing, err := a.users.List(ctx)
	if err != nil {
		return fmt.Errorf("checking existing users: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("users already exist, skipping demo user")
		return nil
	}

	if err := a.bindInsertOnly(); err != nil {
		return err
	}
	res, err := a.users.Create(ctx, user.CreateUserInput{Name: "demo", CreditThreshold: 1000})
	if err != nil {
		return fmt.Errorf("creating demo user: %w", err)
	}
	if _, err := a.accounts.Adjust(ctx, res.User.ID, user.Adjustment{
		Amount:      demoCredit,
		IsIncrease:  true,
		Description: "opening balance",
	}); err != nil {
		return fmt.Errorf("crediting demo user: %w", err)
	}

	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Services:  %d registered\n", len(a.registry.Services()))
	fmt.Printf("User:      %s (%s)\n", res.User.Name, res.User.ID)
	fmt.Printf("Credit:    %d\n", demoCredit)
	fmt.Printf("API Key:   %s\n", res.APIKey)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' http://localhost:8080/api/v1/me\n", res.APIKey)
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -F serviceId=%s -F attachments=@call.wav http://localhost:8080/api/v1/requests\n",
		res.APIKey, firstOr(a.registry.Services(), "SERVICE_ID"))
	return nil
}

func firstOr(ids []string, fallback string) string {
	if len(ids) == 0 {
		return fallback
	}
	return ids[0]
}
