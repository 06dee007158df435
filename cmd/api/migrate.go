package main

import (
	"github.com/spf13/cobra"

	db "github.com/markdave123-py/contexta-rag/internal/core/database"
)

func migrateCMD() *cobra.Command {
	var migrate = &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()

			if err := db.Migrate(cfg); err != nil {
				return err
			}
			log.Info("Schema is up to date")
			return nil
		},
	}
	return migrate
}
