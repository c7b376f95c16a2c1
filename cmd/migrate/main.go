package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"larabbs.org/internal/config"
	"larabbs.org/internal/migrate"
	"larabbs.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var (
		dsn   = flag.String("dsn", cfg.DatabaseDSN, "PostgreSQL DSN (default LARABBS_PG_DSN)")
		dir   = flag.String("dir", "", "read migrations from this directory instead of the embedded set")
		table = flag.String("table", "", "migrations bookkeeping table")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or LARABBS_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := pg.Open(ctx, *dsn, pg.PoolOptions{MaxOpenConns: 2})
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	opts := []migrate.Option{migrate.WithMigrationsTable(*table)}
	if *dir != "" {
		opts = append(opts, migrate.WithFS(os.DirFS(*dir)))
	}
	mgr, err := migrate.NewManager(db, opts...)
	if err != nil {
		log.Fatalf("migrate: %v", err)
	}

	switch flag.Arg(0) {
	case "up":
		var n int
		n, err = mgr.Up(ctx)
		if err == nil {
			fmt.Printf("applied %d migration(s)\n", n)
		}
	case "down":
		err = mgr.Down(ctx)
	case "status":
		var history []migrate.Status
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				state := "pending"
				if item.Applied {
					state = "applied " + item.AppliedAt.Format(time.RFC3339)
				}
				fmt.Printf("%05d  %-40s %s\n", item.Version, item.Name, state)
			}
		}
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}
