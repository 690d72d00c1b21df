// Command migrate applies or inspects the embedded schema migrations.
//
//	migrate [--database-url URL] up|down|status|redo|reset|version [args]
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"otcattendance/internal/config"
	"otcattendance/internal/logging"
	"otcattendance/internal/store"
)

func main() {
	databaseURL := pflag.String("database-url", "", "Postgres connection string (defaults to DATABASE_URL)")
	pflag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: migrate [flags] up|down|status|redo|reset|version [args]\n")
		pflag.PrintDefaults()
	}
	pflag.Parse()

	if pflag.NArg() < 1 {
		pflag.Usage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Env, cfg.LogLevel, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *databaseURL != "" {
		cfg.DatabaseURL = *databaseURL
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer db.Close()

	command := pflag.Arg(0)
	if err := store.RunMigrations(ctx, db.Client.DB, command, pflag.Args()[1:]...); err != nil {
		logger.Fatal("migration failed", zap.String("command", command), zap.Error(err))
	}
	logger.Info("migration finished", zap.String("command", command))
}
