package cli

import (
	"context"
	"path/filepath"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/database/migrations"
	"github.com/watzon/quarry/internal/jsonschema"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending migrations and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			for _, s := range cfg.Schemas {
				if err := jsonschema.Global().Register(s.Name, s.Schema, nil); err != nil {
					return err
				}
			}

			dataDir := cfg.Server.DataDir
			db, err := database.Open(filepath.Join(dataDir, "data", "main.db"), cfg.Database)
			if err != nil {
				return err
			}
			defer db.Close()

			ctx := context.Background()
			if err := migrations.Run(ctx, db, filepath.Join(dataDir, "migrations", "main")); err != nil {
				return err
			}

			log.Info().Msg("Migrations applied")
			return nil
		},
	}
}
