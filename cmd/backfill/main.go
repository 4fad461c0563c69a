// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Open Archive — Backfill Command
//
// Operator CLI that re-triggers a full import for an existing ingestion
// source, or lists configured sources. The running worker pool picks the
// jobs up; this command only enqueues.
//
// Usage:
//
//	go run ./cmd/backfill/ --source <source-id>
//	go run ./cmd/backfill/ --list
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/openarchive/ingestion/internal/config"
	"github.com/openarchive/ingestion/internal/crypto"
	"github.com/openarchive/ingestion/internal/ingest"
	"github.com/openarchive/ingestion/internal/queue"
	"github.com/openarchive/ingestion/internal/store"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	sourceFlag := flag.String("source", "", "Ingestion source id to backfill")
	listFlag := flag.Bool("list", false, "List configured sources and exit")
	flag.Parse()

	if *sourceFlag == "" && !*listFlag {
		fmt.Fprintf(os.Stderr, "Error: --source or --list is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	if *listFlag {
		sources, err := st.ListSources(ctx)
		if err != nil {
			slog.Error("failed to list sources", "error", err)
			os.Exit(1)
		}
		for _, src := range sources {
			slog.Info("source",
				"id", src.ID,
				"name", src.Name,
				"provider", src.Provider,
				"status", src.Status,
			)
		}
		return
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	jobs := queue.New(rdb, cfg.JobMaxAttempts)
	if err := jobs.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}

	vault, err := crypto.NewVault(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialise credential vault", "error", err)
		os.Exit(1)
	}

	// The trigger path only touches Postgres and Redis; blob storage and
	// search belong to the worker that consumes the jobs.
	svc := ingest.New(ingest.Config{
		Store: st,
		Vault: vault,
		Queue: jobs,
	})

	src, err := st.GetSource(ctx, *sourceFlag)
	if err != nil {
		slog.Error("source not found", "source_id", *sourceFlag, "error", err)
		os.Exit(1)
	}

	if err := svc.TriggerInitialImport(ctx, src.ID); err != nil {
		slog.Error("failed to trigger backfill", "source_id", src.ID, "error", err)
		os.Exit(1)
	}

	slog.Info("backfill triggered",
		"source_id", src.ID,
		"name", src.Name,
		"provider", src.Provider,
	)
}
