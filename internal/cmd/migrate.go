package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"cloudpico-ota/internal/config"
	"cloudpico-ota/internal/db"
	"cloudpico-ota/internal/migrate"
)

func newMigrateCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending job store migrations to SQLITE_PATH",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.LoadFromEnv()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			conn, err := db.Open(cfg)
			if err != nil {
				return err
			}
			defer func() {
				if err := db.Close(conn); err != nil {
					slog.Error("db close", "error", err)
				}
			}()

			var ms []migrate.Migration
			if dryRun {
				ms, err = migrate.Pending(conn)
			} else {
				ms, err = migrate.Run(conn)
			}
			if err != nil {
				return err
			}

			verb := "applied"
			if dryRun {
				verb = "pending"
			}
			out := cmd.OutOrStdout()
			for _, m := range ms {
				fmt.Fprintf(out, "%s %s_%s\n", verb, m.Version, m.Name)
			}
			if len(ms) == 0 {
				fmt.Fprintln(out, "database is up to date")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "list pending migrations without applying them")
	return cmd
}
