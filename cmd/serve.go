package cmd

import (
	"context"

	"orderq/internal/api"
	"orderq/internal/config"
	"orderq/internal/domain"
	"orderq/internal/infra/postgres"
	"orderq/internal/infra/redislock"
	"orderq/internal/inventory"
	"orderq/internal/lifecycle"
	"orderq/internal/scheduler"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func serveCmd() *cobra.Command {
	var port int
	var command = &cobra.Command{
		Use:   "serve",
		Short: "Start the order service: API, timeout scheduler, recovery",
		RunE: func(cmd *cobra.Command, args []string) error {
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
			zerolog.DefaultContextLogger = &log.Logger
			cfg := config.Load()
			ctx := context.Background()

			pool, err := postgres.NewPool(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}

			lockClient := redislock.New(cfg.Redis)
			if err := lockClient.Connect(ctx); err != nil {
				// The coordinator degrades per policy; serving continues.
				log.Warn().Err(err).Msg("redis unreachable at startup, lock coordinator will degrade")
			}
			locker := redislock.NewCoordinator(lockClient, cfg.Lock.FailClosed)

			taskStore := postgres.NewTaskStore(pool)
			orderStore := postgres.NewOrderStore(pool)
			inventoryStore := postgres.NewInventoryStore(pool)
			paymentStore := postgres.NewPaymentStore(pool)

			ledger := inventory.NewLedger(inventoryStore, locker, cfg.Lock)
			sched := scheduler.New(taskStore, cfg.Timeout)
			coord := lifecycle.NewCoordinator(orderStore, ledger, sched, paymentStore, locker, cfg.Timeout, cfg.Lock)
			sched.Register(domain.OrderTimeout, coord.HandleOrderTimeout)

			if err := sched.Recover(ctx); err != nil {
				log.Error().Err(err).Msg("timeout task recovery failed")
			}
			if _, err := coord.Reconcile(ctx); err != nil {
				log.Error().Err(err).Msg("pending order reconciliation failed")
			}
			sched.Start()
			defer sched.Close()

			server := api.NewServer(coord, sched, paymentStore)
			server.Run(port)
			return nil
		},
	}

	command.Flags().IntVarP(&port, "port", "p", 8080, "Port to run the server on")
	return command
}
