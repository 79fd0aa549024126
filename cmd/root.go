package cmd

import (
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func Run() {
	var command = &cobra.Command{
		Use:   "orderq",
		Short: "Order timeout and inventory reservation service",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.HelpFunc()(cmd, args)
		},
	}

	// Local runs pick config up from .env; absence is fine.
	_ = godotenv.Load()

	command.AddCommand(serveCmd())
	command.AddCommand(statsCmd())

	if err := command.Execute(); err != nil {
		log.Fatal().Msgf("failed to execute command, err: %v", err.Error())
	}
}
