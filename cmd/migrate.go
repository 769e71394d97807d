package cmd

import (
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/gobbyhq/gobby/internal/config"
	"github.com/gobbyhq/gobby/internal/store/sqlite"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run store schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := sqlite.Migrate(db); err != nil {
				return err
			}
			fmt.Println("migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openStore()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := sqlite.MigrateDown(db, steps); err != nil {
				return err
			}
			fmt.Printf("rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}

func openStore() (*sql.DB, error) {
	gobbyDir, err := config.GobbyDir()
	if err != nil {
		return nil, err
	}
	cfgPath, err := resolveConfigPath()
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return sqlite.Open(cfg.DBPath(gobbyDir))
}
