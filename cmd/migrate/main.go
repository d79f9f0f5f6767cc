package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"warden.org/internal/migrate"
	"warden.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn     = flag.String("dsn", os.Getenv("WARDEN_PG_DSN"), "PostgreSQL DSN")
		timeout = flag.Duration("timeout", 30*time.Second, "Overall timeout")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or WARDEN_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	store, err := pg.Open(*dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	mgr := migrate.NewManager(store.DB(), pg.Migrations(), migrate.WithSeeds(pg.Seeds()))

	var out []string
	switch flag.Arg(0) {
	case "up":
		out, err = mgr.Up(ctx)
	case "down":
		var name string
		if name, err = mgr.Down(ctx); err == nil {
			out = []string{name}
		}
	case "seed":
		out, err = mgr.Seed(ctx)
	case "status":
		out, err = mgr.Status(ctx)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
	if len(out) == 0 && flag.Arg(0) != "status" {
		fmt.Println("nothing to do")
	}
	for _, name := range out {
		fmt.Println(name)
	}
}
