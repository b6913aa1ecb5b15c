// Command tilescan indexes tiled image series and serves them over HTTP and gRPC.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"tilescan/internal/cli"
	"tilescan/internal/config"
	"tilescan/internal/logging"
	"tilescan/internal/storage"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "tilescan: load config: %v\n", err)
		return 1
	}

	log, err := logging.Setup(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "tilescan: setup logging: %v\n", err)
		return 1
	}

	// The catalog is optional; commands that need it report its absence.
	store, err := storage.New(cfg.Paths.DatabasePath)
	if err != nil {
		log.Warn("scan catalog unavailable", "path", cfg.Paths.DatabasePath, "error", err)
		store = nil
	} else {
		defer store.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.NewRootCmd(cfg, log, store).ExecuteContext(ctx); err != nil {
		return 1
	}
	return 0
}
