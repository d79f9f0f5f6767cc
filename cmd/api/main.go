package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"warden.org/internal/audit"
	"warden.org/internal/auth"
	"warden.org/internal/broadcast"
	"warden.org/internal/config"
	"warden.org/internal/dashboard"
	"warden.org/internal/events"
	"warden.org/internal/httpapi"
	"warden.org/internal/obs"
	"warden.org/internal/rollback"
	"warden.org/internal/seed"
	"warden.org/internal/store/pg"
	"warden.org/internal/store/sqlite"
	"warden.org/internal/tick"
)

func main() {
	log.SetFlags(0)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	obs.Init()
	obs.InitBuildInfo(cfg.Version, cfg.Commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		obs.Error("api exited", map[string]any{"err": err.Error()})
		os.Exit(1)
	}
	obs.Info("api stopped", nil)
}

// backends are the stores chosen by configuration.
type backends struct {
	auth      auth.Store
	audit     audit.Store
	world     events.Store
	tickState tick.StateStore
	db        httpapi.Pinger
	pruners   []rollback.Pruner
	snapshots []tick.Hook
	index     *sqlite.TickIndex
	closers   []func() error
}

func openBackends(cfg config.Config) (*backends, error) {
	b := &backends{}
	if cfg.UsesPostgres() {
		store, err := pg.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, err
		}
		b.auth, b.audit, b.world, b.tickState, b.db = store, store, store, store, store
		for _, p := range store.TickPruners() {
			b.pruners = append(b.pruners, p)
		}
		b.snapshots = append(b.snapshots, store.RecordTick)
		b.closers = append(b.closers, store.Close)
	} else {
		obs.Warn("WARDEN_PG_DSN not set; using in-memory stores", nil)
		b.auth = auth.NewInMemory()
		b.audit = audit.NewInMemory()
		b.world = events.NewMemoryStore()
		b.tickState = &tick.MemoryStateStore{}
	}

	if cfg.TickIndexPath != "" {
		idx, err := sqlite.OpenTickIndex(cfg.TickIndexPath)
		if err != nil {
			b.close()
			return nil, err
		}
		b.index = idx
		for _, p := range idx.Pruners() {
			b.pruners = append(b.pruners, p)
		}
		b.snapshots = append(b.snapshots, idx.RecordTick)
		b.closers = append(b.closers, idx.Close)
	}
	return b, nil
}

func (b *backends) close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			obs.Warn("close backend failed", map[string]any{"err": err.Error()})
		}
	}
}

func run(ctx context.Context, cfg config.Config) error {
	b, err := openBackends(cfg)
	if err != nil {
		return err
	}
	defer b.close()

	gw := broadcast.New()
	trail := audit.NewTrail(b.audit)

	guard := auth.NewGuard(cfg.LockThreshold, cfg.LockWindow, auth.WithAnomalyRecorder(trail))
	authSvc, err := auth.NewService(b.auth,
		auth.WithTokenSecret(cfg.AuthSecret),
		auth.WithIssuer(cfg.AuthIssuer),
		auth.WithAccessTTL(cfg.AccessTTL),
		auth.WithRefreshTTL(cfg.RefreshTTL),
		auth.WithAuditor(trail),
		auth.WithGuard(guard),
	)
	if err != nil {
		return err
	}
	if cfg.SeedFile != "" {
		doc, err := seed.Load(cfg.SeedFile)
		if err != nil {
			return err
		}
		rep, err := seed.Apply(ctx, authSvc, doc, nil)
		if err != nil {
			return err
		}
		obs.Info("seed applied", map[string]any{
			"file":        cfg.SeedFile,
			"provisioned": rep.Provisioned,
			"deactivated": rep.Deactivated,
			"unchanged":   rep.Unchanged,
		})
	}

	sched := tick.NewScheduler(
		tick.WithBaseKappa(cfg.DefaultKappa),
		tick.WithStateStore(b.tickState),
		tick.WithRecorder(trail),
		tick.WithPublisher(gw),
	)
	if err := sched.Restore(ctx); err != nil {
		return err
	}
	if cfg.Autostart {
		if _, err := sched.Start(ctx); err != nil {
			return err
		}
	}

	var spawner events.Spawner = events.PublishSpawner{Pub: gw}
	if b.index != nil {
		spawner = combatSpawner{next: spawner, index: b.index, clock: sched}
	}
	engine := events.NewEngine(b.world, sched,
		events.WithRecorder(trail),
		events.WithPublisher(gw),
		events.WithSpawner(spawner),
	)
	ctl := rollback.NewController(sched, trail, gw, b.pruners...)

	proxies, err := httpapi.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return err
	}

	probe := httpapi.ReadyProbe{DB: b.db, Scheduler: sched}
	api := httpapi.New(probe, httpapi.Services{
		Auth:      authSvc,
		Trail:     trail,
		Scheduler: sched,
		Events:    engine,
		Rollback:  ctl,
		Gateway:   gw,
		Dashboard: &dashboard.Aggregator{
			Tick:      sched,
			Events:    engine,
			Sessions:  authSvc,
			Audit:     trail,
			Observers: gw,
		},
	}, httpapi.Options{
		Version:        cfg.Version,
		AllowedOrigins: cfg.AllowedOrigins,
		RateBudget:     cfg.RateBudget,
		RateWindow:     cfg.RateWindow,
		TrustedProxies: proxies,
	})

	// No WriteTimeout: /stream and /ws hold their responses open.
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		return err
	}
	grpcSrv := grpc.NewServer()
	health := httpapi.NewGRPCHealth(probe)
	health.Register(grpcSrv)

	driver := tick.NewDriver(sched, cfg.TickInterval, b.snapshots...)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		obs.Info("http listening", map[string]any{"addr": srv.Addr, "version": cfg.Version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		obs.Info("grpc listening", map[string]any{"addr": lis.Addr().String()})
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		health.Run(gctx, 5*time.Second)
		return nil
	})
	g.Go(func() error {
		if err := driver.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		obs.Info("shutting down", nil)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		grpcSrv.GracefulStop()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// combatSpawner records every spawned invasion in the tick index so a
// rollback removes it with the rest of the tick's history.
type combatSpawner struct {
	next  events.Spawner
	index *sqlite.TickIndex
	clock interface{ CurrentTick() uint64 }
}

func (s combatSpawner) Spawn(ctx context.Context, req events.SpawnRequest) error {
	err := s.index.RecordCombat(ctx, s.clock.CurrentTick(), map[string]any{
		"event_id": req.EventID,
		"severity": req.Severity,
		"impact":   req.Impact,
		"x":        req.Location.X,
		"y":        req.Location.Y,
		"faction":  req.Faction,
	})
	if err != nil {
		obs.Warn("combat log write failed", map[string]any{"event_id": req.EventID, "err": err.Error()})
	}
	return s.next.Spawn(ctx, req)
}
