package main

import (
	"context"
	"fmt"
	"time"

	"github.com/pelagodb/core/internal/corelog"
	"github.com/pelagodb/core/internal/document"
	"github.com/pelagodb/core/internal/registry"
	"github.com/pelagodb/core/internal/subscribe"
	"github.com/pelagodb/core/internal/txn"
	"github.com/spf13/cobra"
)

var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Run a small synthetic write/read workload for local sizing",
	Long: `bench inserts --docs documents into a scratch table, one per
transaction, then reads each one back by id, and reports elapsed time for
both passes. Intended for rough local sizing against a chosen backend and
config, not as a reproducible benchmark suite.`,
	RunE: runBench,
}

func init() {
	benchCmd.Flags().Int("docs", 1000, "number of documents to write and read back")
	benchCmd.Flags().String("writer-id", "corectl-bench", "writer lease token this process acquires")
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfigFromFlags(cmd)
	if err != nil {
		return err
	}
	numDocs, _ := cmd.Flags().GetInt("docs")
	writerID, _ := cmd.Flags().GetString("writer-id")
	logger := corelog.Default

	ctx := context.Background()
	backend, err := openBackend(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("corectl: opening storage backend: %w", err)
	}

	db, err := txn.Open(ctx, backend, registry.New(), subscribe.New(), txn.Limits{}, writerID, logger)
	if err != nil {
		return fmt.Errorf("corectl: opening transaction engine: %w", err)
	}
	tablet := db.CreateTable("bench")

	ids := make([]document.DocumentID, 0, numDocs)
	writeStart := time.Now()
	for i := 0; i < numDocs; i++ {
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("corectl: bench begin: %w", err)
		}
		id, err := tx.Insert("bench", tablet, map[string]any{"seq": i})
		if err != nil {
			tx.Abort()
			return fmt.Errorf("corectl: bench insert: %w", err)
		}
		if _, err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("corectl: bench commit: %w", err)
		}
		ids = append(ids, id)
	}
	writeElapsed := time.Since(writeStart)

	readStart := time.Now()
	for _, id := range ids {
		tx, err := db.Begin(ctx)
		if err != nil {
			return fmt.Errorf("corectl: bench begin: %w", err)
		}
		if _, err := tx.Get(ctx, "bench", id); err != nil {
			tx.Abort()
			return fmt.Errorf("corectl: bench get: %w", err)
		}
		tx.Abort()
	}
	readElapsed := time.Since(readStart)

	fmt.Printf("wrote %d docs in %s (%.0f/s)\n", numDocs, writeElapsed, float64(numDocs)/writeElapsed.Seconds())
	fmt.Printf("read  %d docs in %s (%.0f/s)\n", numDocs, readElapsed, float64(numDocs)/readElapsed.Seconds())
	return nil
}
