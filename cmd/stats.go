package cmd

import (
	"context"
	"encoding/json"
	"os"

	"orderq/internal/config"
	"orderq/internal/infra/postgres"

	"github.com/spf13/cobra"
)

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print timeout task counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			ctx := context.Background()

			pool, err := postgres.NewPool(ctx, cfg.Postgres)
			if err != nil {
				return err
			}
			defer pool.Close()

			counts, err := postgres.NewTaskStore(pool).CountByStatus(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(counts)
		},
	}
}
