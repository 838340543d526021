package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/sreenathmmenon/EngineIQ/config"
	"github.com/sreenathmmenon/EngineIQ/internal/checkpoint"
	"github.com/sreenathmmenon/EngineIQ/internal/expertise"
	"github.com/sreenathmmenon/EngineIQ/internal/gap"
	"github.com/sreenathmmenon/EngineIQ/internal/orchestrator"
	"github.com/sreenathmmenon/EngineIQ/internal/policy"
	"github.com/sreenathmmenon/EngineIQ/internal/provider"
	"github.com/sreenathmmenon/EngineIQ/internal/store"
	"github.com/sreenathmmenon/EngineIQ/internal/vector"
)

// reaperCMD runs the approval-deadline sweeper as a standalone process, for
// deployments that don't want the sweep inside the API server.
func reaperCMD() *cobra.Command {
	var cfgPath string
	var reaper = &cobra.Command{
		Use:   "reaper",
		Short: "Sweep expired approval deadlines",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig(cfgPath)
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			st, err := store.New(ctx, cfg.Storage.Postgres)
			if err != nil {
				return err
			}
			rdb := redis.NewClient(&redis.Options{
				Addr:     fmt.Sprintf("%s:%s", cfg.Storage.Redis.Host, cfg.Storage.Redis.Port),
				Password: cfg.Storage.Redis.Password,
				DB:       cfg.Storage.Redis.DB,
			})
			if err := rdb.Ping(ctx).Err(); err != nil {
				return fmt.Errorf("redis connection failed: %w", err)
			}

			providers := provider.NewHTTP(cfg.Providers)
			vectors := vector.NewClient(cfg.Vector)
			logger := log.New(log.Writer(), "", log.LstdFlags)
			ledger := expertise.NewLedger(cfg.Expertise, st, vectors, providers, cfg.Vector.ExpertiseCollection, logger)
			detector := gap.NewDetector(cfg.Gap, vectors, st, ledger, cfg.Vector.ConversationsCollection, logger)
			checkpoints := checkpoint.NewRedisStore(rdb, 7*24*time.Hour)

			orch := orchestrator.New(cfg, logger, providers, providers, vectors,
				policy.New(cfg.Policy), detector, checkpoints, st, nil)
			if err := orch.RunReaper(ctx, cfg.Approval.SweepInterval); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	reaper.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is ./config/config.json)")

	return reaper
}
