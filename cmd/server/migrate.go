package main

import (
	"github.com/spf13/cobra"

	"github.com/vovakirdan/wirechat-realtime/internal/app"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}

			st, err := app.OpenStore(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			logger.Info().Str("driver", cfg.DatabaseDriver).Msg("migrations applied")
			return st.Close()
		},
	}
}
