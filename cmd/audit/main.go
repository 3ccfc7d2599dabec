// Command audit runs the platform consistency checks once and prints the
// report as JSON. It exits 1 when the report has findings and 2 when the
// checks could not run.
package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scratchwin/scratch-engine/internal/audit"
	"github.com/scratchwin/scratch-engine/internal/config"
	"github.com/scratchwin/scratch-engine/internal/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration failed", "err", err)
		return 2
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel})))

	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is required")
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("database connection failed", "err", err)
		return 2
	}
	defer pool.Close()

	report, err := audit.New(store.NewPostgresStore(pool)).Report(ctx)
	if err != nil {
		slog.Error("audit failed", "err", err)
		return 2
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		slog.Error("write report", "err", err)
		return 2
	}

	if n := report.Findings(); n > 0 {
		slog.Warn("audit found problems", "findings", n)
		return 1
	}
	slog.Info("audit clean", "wallets", report.WalletsChecked)
	return 0
}
