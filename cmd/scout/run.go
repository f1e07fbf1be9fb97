package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/mohammad-safakhou/scout/config"
	srv "github.com/mohammad-safakhou/scout/internal/server"
	"github.com/mohammad-safakhou/scout/internal/store"
)

func runCMD() *cobra.Command {
	var cfgPath string
	var userID string
	var allUsers bool
	var run = &cobra.Command{
		Use:   "run",
		Short: "Execute a discovery run from the command line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if userID == "" && !allUsers {
				return fmt.Errorf("either --user or --all is required")
			}
			cfg := config.LoadConfig(cfgPath)
			ctx := context.Background()

			dsn, err := cfg.Storage.Postgres.DSN()
			if err != nil {
				return err
			}
			st, err := store.NewWithDSN(ctx, dsn)
			if err != nil {
				return err
			}
			var rdb *redis.Client
			if cfg.Storage.Redis.Addr != "" {
				rdb = redis.NewClient(&redis.Options{
					Addr:     cfg.Storage.Redis.Addr,
					Password: cfg.Storage.Redis.Password,
					DB:       cfg.Storage.Redis.DB,
				})
			}
			orch, err := srv.BuildOrchestrator(cfg, st, rdb, nil)
			if err != nil {
				return err
			}
			if allUsers {
				return orch.RunAll(ctx)
			}
			runID, err := orch.RunUser(ctx, userID)
			if err != nil {
				return err
			}
			fmt.Println(runID)
			return nil
		},
	}
	run.Flags().StringVar(&userID, "user", "", "run for one user")
	run.Flags().BoolVar(&allUsers, "all", false, "run for every user with active sources")
	run.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return run
}
