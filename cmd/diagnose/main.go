// Command diagnose prints a customer's local ledger next to the CRM balance.
//
//	diagnose -phone "+7 900 123-45-67" [-sync]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/cveti/loyalty-bot/internal/config"
	"github.com/cveti/loyalty-bot/internal/db"
	"github.com/cveti/loyalty-bot/internal/domain"
	"github.com/cveti/loyalty-bot/internal/gateway"
	"github.com/cveti/loyalty-bot/internal/models"
	"github.com/cveti/loyalty-bot/internal/repository"
	"github.com/cveti/loyalty-bot/internal/service"
	"go.uber.org/zap"
)

func main() {
	phone := flag.String("phone", "", "customer phone number")
	sync := flag.Bool("sync", false, "reconcile with the CRM after printing")
	flag.Parse()

	if err := run(*phone, *sync); err != nil {
		fmt.Fprintf(os.Stderr, "diagnose: %v\n", err)
		os.Exit(1)
	}
}

func run(rawPhone string, sync bool) error {
	phone := domain.NormalizePhone(rawPhone)
	if phone == "" {
		return fmt.Errorf("%w: %q", domain.ErrInvalidPhone, rawPhone)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return err
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool, err := db.Connect(ctx, cfg.DatabaseURL, db.WithApplicationName("cveti-diagnose"), db.WithMaxConns(2))
	if err != nil {
		return err
	}
	defer pool.Close()

	store := repository.NewStore(pool)
	queries := store.Queries()
	ledger := repository.NewLedgerRepository(store)
	crm := gateway.NewYClients(gateway.Config{
		BaseURL:      cfg.YClientsBaseURL,
		PartnerToken: cfg.YClientsPartnerToken,
		UserToken:    cfg.YClientsUserToken,
		CompanyID:    cfg.YClientsCompanyID,
		Timeout:      cfg.CRMTimeout,
		MaxRetries:   cfg.CRMMaxRetries,
	})
	reader := service.NewBalanceReader(crm, queries)

	customer, err := queries.GetCustomerByPhone(ctx, phone)
	if err != nil {
		return fmt.Errorf("customer %s: %w", phone, err)
	}
	local, err := service.NewBalanceCalculator(ledger).AvailableBalance(ctx, customer.ID)
	if err != nil {
		return err
	}
	lots, err := ledger.ListAvailableLots(ctx, customer.ID)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "customer\t%d (%s, %s)\n", customer.ID, customer.Name, customer.Phone)
	fmt.Fprintf(w, "cached balance\t%d\n", customer.Balance)
	fmt.Fprintf(w, "spendable (ledger)\t%d\n", local)

	snap, crmErr := reader.FetchAuthoritativeBalance(ctx, customer)
	switch {
	case crmErr == nil:
		fmt.Fprintf(w, "CRM balance\t%d (%s)\n", snap.Balance, snap.StatusLabel)
		fmt.Fprintf(w, "drift\t%+d\n", snap.Balance-local)
	case errors.Is(crmErr, domain.ErrCustomerNotLinked):
		fmt.Fprintf(w, "CRM balance\tnot linked\n")
	default:
		fmt.Fprintf(w, "CRM balance\terror: %v\n", crmErr)
	}
	printLots(w, lots)
	if err := w.Flush(); err != nil {
		return err
	}

	if !sync {
		return nil
	}
	settings := service.NewSettingsService(queries, nil, 0, service.SettingsDefaults{
		LoyaltyPercentage:  cfg.LoyaltyPercentage,
		MaxSpendPercentage: cfg.MaxSpendPercentage,
		ExpirationDays:     cfg.ExpirationDays,
		WelcomeBonus:       cfg.WelcomeBonus,
	})
	res, err := service.NewReconciliationService(queries, ledger, reader, settings).
		Reconcile(ctx, customer.ID, service.TriggerManual)
	if err != nil {
		return err
	}
	fmt.Printf("synced: balance %d, diff %+d, shortfall %d\n", res.NewBalance, res.Diff, res.Shortfall)
	return nil
}

func printLots(w *tabwriter.Writer, lots []models.EarnLot) {
	fmt.Fprintln(w, "\nlot\tamount\tremaining\tcreated\texpires")
	for _, lot := range lots {
		fmt.Fprintf(w, "%d\t%d\t%d\t%s\t%s\n",
			lot.ID, lot.Amount, lot.Remaining,
			lot.CreatedAt.Format(time.DateOnly), lot.ExpiresAt.Format(time.DateOnly))
	}
}
