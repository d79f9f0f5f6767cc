package main

import (
	"context"
	"flag"
	"log"
	"time"

	"warden.org/internal/audit"
	"warden.org/internal/auth"
	"warden.org/internal/config"
	"warden.org/internal/obs"
	"warden.org/internal/seed"
	"warden.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	var (
		file    = flag.String("file", cfg.SeedFile, "Operator seed YAML file")
		timeout = flag.Duration("timeout", time.Minute, "Overall timeout")
	)
	flag.Parse()

	if *file == "" {
		log.Fatal("missing seed file: provide via -file or WARDEN_SEED_FILE")
	}
	if !cfg.UsesPostgres() {
		log.Fatal("seeding requires WARDEN_PG_DSN")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	doc, err := seed.Load(*file)
	if err != nil {
		log.Fatalf("load %s: %v", *file, err)
	}

	store, err := pg.Open(cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	svc, err := auth.NewService(store,
		auth.WithTokenSecret(cfg.AuthSecret),
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAuditor(audit.NewTrail(store)),
	)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}

	rep, err := seed.Apply(ctx, svc, doc, nil)
	if err != nil {
		log.Fatalf("seed: %v", err)
	}
	obs.Info("seed applied", map[string]any{
		"file":        *file,
		"provisioned": rep.Provisioned,
		"deactivated": rep.Deactivated,
		"unchanged":   rep.Unchanged,
	})
}
