package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/kelseyhightower/envconfig"

	"lendpay/internal/common/database"
)

func main() {
	steps := flag.Int("steps", 1, "number of migrations to roll back with down")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [-steps n] up|down\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	var cfg database.Config
	if err := envconfig.Process("", &cfg); err != nil {
		fmt.Fprintf(os.Stderr, "failed to process config: %v\n", err)
		os.Exit(1)
	}
	if cfg.URL == "" {
		fmt.Fprintln(os.Stderr, "DATABASE_URL is required")
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	var err error
	switch flag.Arg(0) {
	case "up":
		err = database.MigrateUp(cfg.URL, logger)
	case "down":
		err = database.MigrateDown(cfg.URL, *steps, logger)
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}
