package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/watzon/quarry/internal/auth"
	"github.com/watzon/quarry/internal/database"
	"github.com/watzon/quarry/internal/database/migrations"
)

func newAdminCommand() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Administrative utilities",
	}
	admin.AddCommand(newAdminCreateUserCommand())
	return admin
}

func newAdminCreateUserCommand() *cobra.Command {
	var makeAdmin bool

	cmd := &cobra.Command{
		Use:   "create-user <email> <password>",
		Short: "Create a user directly in the database",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
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

			hash, err := auth.HashPassword(args[1])
			if err != nil {
				return err
			}

			store := auth.NewStore(db)
			user, err := store.Create(ctx, args[0], hash, true)
			if err != nil {
				return err
			}
			if makeAdmin {
				if err := store.Update(ctx, user.ID, map[string]any{"admin": 1}); err != nil {
					return err
				}
			}

			fmt.Printf("created user %s (%s)\n", user.Email, user.EncodedID())
			return nil
		},
	}

	cmd.Flags().BoolVar(&makeAdmin, "admin", false, "grant admin access")
	return cmd
}
