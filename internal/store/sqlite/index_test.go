package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func TestTickIndexPruneAfter(t *testing.T) {
	idx, err := OpenTickIndex(filepath.Join(t.TempDir(), "ticks", "index.db"))
	if err != nil {
		t.Fatalf("OpenTickIndex: %v", err)
	}
	defer idx.Close()

	ctx := context.Background()
	for tick := uint64(1); tick <= 10; tick++ {
		if err := idx.RecordTick(ctx, tick); err != nil {
			t.Fatalf("RecordTick(%d): %v", tick, err)
		}
	}
	for _, tick := range []uint64{3, 7, 8} {
		if err := idx.RecordCombat(ctx, tick, map[string]any{"attacker": "raider"}); err != nil {
			t.Fatalf("RecordCombat(%d): %v", tick, err)
		}
	}

	deleted := map[string]int64{}
	for _, p := range idx.Pruners() {
		n, err := p.PruneAfter(ctx, 5)
		if err != nil {
			t.Fatalf("PruneAfter %s: %v", p.Name(), err)
		}
		deleted[p.Name()] = n
	}
	if deleted["index.tick_snapshots"] != 5 || deleted["index.combat_logs"] != 2 {
		t.Fatalf("unexpected deletions: %v", deleted)
	}

	latest, ok, err := idx.LatestTick(ctx)
	if err != nil || !ok {
		t.Fatalf("LatestTick: ok=%v err=%v", ok, err)
	}
	if latest != 5 {
		t.Fatalf("expected latest tick 5, got %d", latest)
	}
}

func TestTickIndexEmpty(t *testing.T) {
	idx, err := OpenTickIndex(filepath.Join(t.TempDir(), "index.db"))
	if err != nil {
		t.Fatalf("OpenTickIndex: %v", err)
	}
	defer idx.Close()

	if _, ok, err := idx.LatestTick(context.Background()); err != nil || ok {
		t.Fatalf("expected empty index, ok=%v err=%v", ok, err)
	}
	if _, err := OpenTickIndex(""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
