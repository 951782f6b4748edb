package main

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"ShopAssist/internal/account"
	"ShopAssist/internal/storage/mysql"
	"ShopAssist/pkg/logger"
)

func newMigrateCmd() *cobra.Command {
	var (
		seedPath string
		status   bool
	)
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply MySQL schema migrations and optionally load seed accounts",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx := cmd.Context()
			db, err := mysql.Open(ctx, mysqlConfig(cfg))
			if err != nil {
				return err
			}
			defer db.Close()

			if status {
				return printMigrationStatus(cmd, db)
			}

			ran, err := mysql.Migrate(ctx, db)
			if err != nil {
				return err
			}
			logger.L().Info("数据库迁移完成", slog.Any("applied", ran))

			if seedPath == "" {
				seedPath = cfg.Accounts.SeedFile
			}
			if seedPath == "" {
				return nil
			}
			seed, err := account.LoadSeed(seedPath)
			if err != nil {
				return err
			}
			store := mysql.NewAccountStore(db)
			placed, err := seed.Apply(ctx, store, store)
			if err != nil {
				return err
			}
			logger.L().Info("种子数据已写入",
				slog.String("path", seedPath),
				slog.Int("accounts", len(seed.Accounts)),
				slog.Int("orders_placed", placed))
			return nil
		},
	}
	cmd.Flags().StringVar(&seedPath, "seed", "", "JSON file with accounts and orders to load (defaults to accounts.seed_file)")
	cmd.Flags().BoolVar(&status, "status", false, "List embedded migrations and whether they are applied, without changing anything")
	return cmd
}

func printMigrationStatus(cmd *cobra.Command, db *sql.DB) error {
	states, err := mysql.Status(cmd.Context(), db)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	for _, state := range states {
		applied := "pending"
		if state.Applied() {
			applied = state.AppliedAt.Format(time.RFC3339)
		}
		fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", state.Version, state.Name, state.Checksum[:12], applied)
	}
	return nil
}
