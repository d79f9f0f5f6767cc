package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"warden.org/internal/adminclient"
	"warden.org/internal/audit"
	"warden.org/internal/events"
)

func main() {
	base := os.Getenv("WARDEN_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	email := os.Getenv("WARDEN_SMOKE_EMAIL")
	password := os.Getenv("WARDEN_SMOKE_PASSWORD")
	if email == "" || password == "" {
		log.Fatal("WARDEN_SMOKE_EMAIL and WARDEN_SMOKE_PASSWORD are required")
	}

	client := adminclient.New(base)
	ctx, cancel := adminclient.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	login, err := client.Login(ctx, email, password)
	if err != nil {
		log.Fatalf("login as %s: %v", email, err)
	}

	before, err := client.TickStatus(ctx)
	if err != nil {
		log.Fatalf("tick status: %v", err)
	}

	created, err := client.WorldEvent(ctx, "inject-lore", map[string]any{
		"name":     "smoke test",
		"severity": 1,
		"title":    "Smoke",
		"content":  fmt.Sprintf("Smoke test at tick %d", before.State.CurrentTick),
	})
	if err != nil {
		log.Fatalf("inject lore: %v", err)
	}
	if created.EventID == "" || created.Effects != 1 {
		log.Fatalf("unexpected create result: %+v", created)
	}

	resolved, err := client.ResolveEvent(ctx, created.EventID)
	if err != nil {
		log.Fatalf("resolve %s: %v", created.EventID, err)
	}
	if resolved.Status != events.StatusResolved {
		log.Fatalf("event %s not resolved: %s", resolved.ID, resolved.Status)
	}
	if _, err := client.ResolveEvent(ctx, created.EventID); !errors.Is(err, events.ErrAlreadyResolved) {
		log.Fatalf("second resolve: expected conflict, got %v", err)
	}

	entries, err := client.AuditLogs(ctx, audit.EntryFilter{Action: audit.ActionEventCreate, OperatorID: login.Operator.ID, Limit: 10})
	if err != nil {
		log.Fatalf("audit logs: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.TargetID == created.EventID {
			found = true
			break
		}
	}
	if !found {
		log.Fatalf("no audit entry for event %s", created.EventID)
	}

	stats, err := client.DashboardStats(ctx)
	if err != nil {
		log.Fatalf("dashboard: %v", err)
	}
	if stats.ActiveSessions < 1 {
		log.Fatalf("expected an active session, got %d", stats.ActiveSessions)
	}

	if _, err := client.Logout(ctx); err != nil {
		log.Fatalf("logout: %v", err)
	}
	if _, err := client.TickStatus(ctx); !errors.Is(err, adminclient.ErrLoginRequired) {
		log.Fatalf("expected login required after logout, got %v", err)
	}

	fmt.Printf("warden smoke test passed: event=%s tick=%d\n", created.EventID, before.State.CurrentTick)
}
