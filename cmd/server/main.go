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

// Open Archive — Ingestion Service
//
// Entry point for the email archiving worker. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL, Redis, blob storage and Meilisearch
//  3. Runs queue workers for the ingestion and indexing queues
//  4. Schedules the recurring continuous-sync sweep
//  5. Serves a health endpoint and handles graceful shutdown
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/openarchive/ingestion/internal/config"
	"github.com/openarchive/ingestion/internal/crypto"
	"github.com/openarchive/ingestion/internal/dedup"
	"github.com/openarchive/ingestion/internal/indexer"
	"github.com/openarchive/ingestion/internal/ingest"
	"github.com/openarchive/ingestion/internal/models"
	"github.com/openarchive/ingestion/internal/queue"
	"github.com/openarchive/ingestion/internal/search"
	"github.com/openarchive/ingestion/internal/storage"
	"github.com/openarchive/ingestion/internal/store"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	slog.Info("starting open archive ingestion service")

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("configuration loaded",
		"storage", cfg.Storage.Type,
		"sync_interval", cfg.SyncInterval,
		"ingestion_concurrency", cfg.IngestionConcurrency,
		"indexing_concurrency", cfg.IndexingConcurrency,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Connect to PostgreSQL ---
	pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("failed to create Postgres pool", "error", err)
		os.Exit(1)
	}
	defer pgPool.Close()

	if err := pgPool.Ping(ctx); err != nil {
		slog.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to PostgreSQL")

	st, err := store.New(ctx, pgPool)
	if err != nil {
		slog.Error("failed to initialise store", "error", err)
		os.Exit(1)
	}

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)

	jobs := queue.New(rdb, cfg.JobMaxAttempts)
	if err := jobs.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis")

	// --- Credential Vault ---
	vault, err := crypto.NewVault(cfg.EncryptionKey)
	if err != nil {
		slog.Error("failed to initialise credential vault", "error", err)
		os.Exit(1)
	}

	// --- Blob Storage ---
	blobs, err := storage.New(cfg.Storage)
	if err != nil {
		slog.Error("failed to initialise blob storage", "error", err)
		os.Exit(1)
	}
	slog.Info("blob storage ready", "type", cfg.Storage.Type)

	// --- Search ---
	index := search.NewClient(cfg.Search)
	if err := index.Ping(); err != nil {
		// Indexing is decoupled from ingestion; index jobs retry until
		// the backend comes back.
		slog.Warn("search backend not reachable at startup", "error", err)
	}

	// --- Services ---
	svc := ingest.New(ingest.Config{
		Store: st,
		Vault: vault,
		Blobs: blobs,
		Index: index,
		Queue: jobs,
		Seen:  dedup.NewFilter(rdb),
	})
	svc.Register(jobs)

	idx := indexer.New(st, blobs, index)
	idx.Register(jobs)

	// --- Workers and Scheduler ---
	jobs.StartWorkers(ctx, queue.QueueIngestion, cfg.IngestionConcurrency)
	jobs.StartWorkers(ctx, queue.QueueIndexing, cfg.IndexingConcurrency)
	jobs.Schedule(ctx, cfg.SyncInterval, queue.QueueIngestion, models.JobScheduleContinuousSync, struct{}{})

	// --- Health Check Server ---
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := jobs.Ping(r.Context()); err != nil {
			http.Error(w, "redis unhealthy", http.StatusServiceUnavailable)
			return
		}
		if err := pgPool.Ping(r.Context()); err != nil {
			http.Error(w, "postgres unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status": "healthy"}`))
	})

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// --- Graceful Shutdown ---
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		sig := <-sigCh

		slog.Info("received shutdown signal", "signal", sig)
		cancel()

		jobs.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}

		rdb.Close()
		pgPool.Close()
	}()

	slog.Info("ingestion service listening", "addr", addr)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}

	slog.Info("ingestion service stopped")
}
