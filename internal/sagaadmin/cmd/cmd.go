// Copyright © 2025 Medroster Authors
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

// Package cmd implements the saga-admin command tree: operational commands
// for inspecting, recovering and cleaning up persisted saga executions.
package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medroster/medroster/internal/sagaadmin/config"
	"github.com/medroster/medroster/pkg/logger"
	"github.com/medroster/medroster/pkg/saga"
	"github.com/medroster/medroster/pkg/saga/orchestrator"
	"github.com/medroster/medroster/pkg/saga/storage"
)

const commandTimeout = 2 * time.Minute

// NewRootCmd builds the saga-admin command tree.
func NewRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "saga-admin",
		Short:         "Operate on persisted medroster saga executions",
		Long:          "saga-admin inspects, recovers and cleans up saga executions in the configured storage backend.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to saga-admin.yaml")

	root.AddCommand(newStatusCmd(&configPath))
	root.AddCommand(newRecoverCmd(&configPath))
	root.AddCommand(newCleanupCmd(&configPath))
	return root
}

// Execute runs the command tree and exits non-zero on error.
func Execute() {
	if err := NewRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newStatusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status <saga-id>",
		Short: "Print the status of a saga execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			orch, cleanup, err := buildOrchestrator(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			result, err := orch.GetSagaStatus(ctx, args[0])
			if err != nil {
				return err
			}
			out, err := json.MarshalIndent(result, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return nil
		},
	}
}

func newRecoverCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Mark sagas stranded by a crash as failed",
		Long:  "Scans for executions left in an active status by a process restart and marks them failed so operators can resume or discard them.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			orch, cleanup, err := buildOrchestrator(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			ids, err := orch.RecoverPendingSagas(ctx)
			if err != nil {
				return err
			}
			if len(ids) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stranded sagas found")
				return nil
			}
			for _, id := range ids {
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "marked %d saga(s) as failed\n", len(ids))
			return nil
		},
	}
}

func newCleanupCmd(configPath *string) *cobra.Command {
	var olderThanDays, batchSize int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete old terminal saga executions",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if olderThanDays < 0 {
				olderThanDays = cfg.Cleanup.OlderThanDays
			}
			if batchSize <= 0 {
				batchSize = cfg.Cleanup.BatchSize
			}

			orch, cleanup, err := buildOrchestratorWithConfig(cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			deleted, err := orch.CleanupOldSagas(ctx, olderThanDays, batchSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d saga(s)\n", deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&olderThanDays, "older-than-days", -1, "retention window in days (default from config)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "maximum deletions per run (default from config)")
	return cmd
}

func buildOrchestrator(configPath string) (*orchestrator.Orchestrator, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	return buildOrchestratorWithConfig(cfg)
}

func buildOrchestratorWithConfig(cfg *config.AdminConfig) (*orchestrator.Orchestrator, func(), error) {
	store, closeStore, err := openStorage(cfg)
	if err != nil {
		return nil, nil, err
	}

	orch, err := orchestrator.New(&orchestrator.Config{
		Storage:  store,
		Registry: saga.NewRegistry(),
	})
	if err != nil {
		closeStore()
		return nil, nil, err
	}

	cleanup := func() {
		if err := orch.Close(); err != nil {
			logger.GetLogger().Warn("failed to close orchestrator", zap.Error(err))
		}
		closeStore()
	}
	return orch, cleanup, nil
}

func openStorage(cfg *config.AdminConfig) (saga.Storage, func(), error) {
	switch cfg.Storage.Driver {
	case "postgres":
		s, err := storage.NewPostgresStorage(&storage.PostgresConfig{
			DSN:         cfg.Storage.DSN,
			TablePrefix: cfg.Storage.TablePrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, closeQuietly(s.Close), nil
	case "redis":
		s, err := storage.NewRedisStorage(&storage.RedisConfig{
			Addr:     cfg.Storage.Addr,
			Password: cfg.Storage.Password,
			DB:       cfg.Storage.DB,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, closeQuietly(s.Close), nil
	case "mysql":
		s, err := storage.NewMySQLStorage(&storage.MySQLConfig{
			DSN:         cfg.Storage.DSN,
			TablePrefix: cfg.Storage.TablePrefix,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, closeQuietly(s.Close), nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func closeQuietly(close func() error) func() {
	return func() {
		if err := close(); err != nil {
			logger.GetLogger().Warn("failed to close storage", zap.Error(err))
		}
	}
}
