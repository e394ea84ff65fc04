package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"tenantry.org/internal/migrate"
	"tenantry.org/internal/obs"
	"tenantry.org/internal/store/pg"
)

func main() {
	_ = godotenv.Load()
	var (
		dsn     = flag.String("dsn", os.Getenv("TENANTRY_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "overall timeout")
	)
	flag.Parse()

	log := obs.Logger().Named("migrate")
	defer func() { _ = log.Sync() }()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or TENANTRY_PG_DSN")
	}
	if flag.NArg() == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [up|down|seed|status]")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatal("open db", zap.Error(err))
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), migrate.WithLogger(log))

	switch cmd := flag.Arg(0); cmd {
	case "up":
		var applied []string
		if applied, err = mgr.Up(ctx); err == nil {
			log.Info("up complete", zap.Strings("applied", applied))
		}
	case "down":
		var last string
		if last, err = mgr.Down(ctx); err == nil {
			log.Info("down complete", zap.String("rolled_back", last))
		}
	case "seed":
		var applied []string
		if applied, err = mgr.Seed(ctx); err == nil {
			log.Info("seed complete", zap.Strings("applied", applied))
		}
	case "status":
		var history []string
		if history, err = mgr.Status(ctx); err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	default:
		log.Fatal("unknown command", zap.String("command", cmd))
	}
	if err != nil {
		log.Fatal("migrate failed", zap.String("command", flag.Arg(0)), zap.Error(err))
	}
}
