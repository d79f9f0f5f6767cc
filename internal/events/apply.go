package events

import (
	"context"
	"fmt"
	"time"

	"warden.org/internal/ids"
)

// applyInput is what every applier receives. Kappa is the value captured
// when the event was created.
type applyInput struct {
	event  Event
	kappa  float64
	now    time.Time
	params any
}

func (in applyInput) effect(effectType, targetType, targetID string, before, after map[string]any) *Effect {
	return &Effect{
		ID:         ids.NewAt(in.now),
		EventID:    in.event.ID,
		EffectType: effectType,
		TargetType: targetType,
		TargetID:   targetID,
		Before:     before,
		After:      after,
		CreatedAt:  in.now,
	}
}

// apply dispatches to the kind's applier and returns the number of effects written.
func apply(ctx context.Context, tx Tx, in applyInput) (int, error) {
	switch in.event.Kind {
	case KindInvasion:
		return applyInvasion(ctx, tx, in, in.params.(*InvasionParams))
	case KindEconomicShock:
		return applyEconomicShock(ctx, tx, in, in.params.(*EconomicShockParams))
	case KindBiomeShift:
		return applyBiomeShift(ctx, tx, in, in.params.(*BiomeShiftParams))
	case KindLoreInjection:
		return applyLore(ctx, tx, in, in.params.(*LoreParams))
	}
	return 0, fmt.Errorf("no applier for %s", in.event.Kind)
}

// applyInvasion leaves the world untouched and records the impact. Spawning
// happens after commit.
func applyInvasion(ctx context.Context, tx Tx, in applyInput, p *InvasionParams) (int, error) {
	loc := invasionLocation(p)
	after := map[string]any{
		"impact":   in.event.Impact,
		"severity": in.event.Severity,
		"location": map[string]any{"x": loc.X, "y": loc.Y},
	}
	if p.Faction != "" {
		after["faction"] = p.Faction
	}
	if err := tx.InsertEffect(ctx, in.effect(EffectInvasionImpact, "location", fmt.Sprintf("%d,%d", loc.X, loc.Y), nil, after)); err != nil {
		return 0, fmt.Errorf("insert effect: %w", err)
	}
	return 1, nil
}

func applyEconomicShock(ctx context.Context, tx Tx, in applyInput, p *EconomicShockParams) (int, error) {
	magnitude := ClampMagnitude(p.Magnitude)
	listings, err := tx.ActiveListings(ctx, p.ItemType)
	if err != nil {
		return 0, fmt.Errorf("load listings: %w", err)
	}
	if len(listings) == 0 {
		return 0, fmt.Errorf("%w: no active listings match item_type %q", ErrNoTargets, p.ItemType)
	}
	for _, l := range listings {
		next := ShockPrice(l.PricePerUnit, magnitude, in.kappa)
		if err := tx.UpdateListingPrice(ctx, l.ID, next); err != nil {
			return 0, fmt.Errorf("update listing %s: %w", l.ID, err)
		}
		eff := in.effect(EffectListingPrice, "listing", l.ID,
			map[string]any{"price": l.PricePerUnit},
			map[string]any{"price": next},
		)
		if err := tx.InsertEffect(ctx, eff); err != nil {
			return 0, fmt.Errorf("insert effect: %w", err)
		}
	}
	return len(listings), nil
}

func applyBiomeShift(ctx context.Context, tx Tx, in applyInput, p *BiomeShiftParams) (int, error) {
	weight := in.event.Severity
	if p.Weight != nil {
		weight = *p.Weight
	}
	chunks, err := tx.Chunks(ctx, p.Region)
	if err != nil {
		return 0, fmt.Errorf("load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return 0, fmt.Errorf("%w: no chunks in the target region", ErrNoTargets)
	}
	for _, c := range chunks {
		before := map[string]any{"stability_index": c.Stability, "biome": c.Biome}
		next := c
		next.Stability = ShiftStability(c.Stability, weight, in.kappa)
		if p.TargetBiome != "" {
			next.Biome = p.TargetBiome
		}
		if err := tx.UpdateChunk(ctx, next); err != nil {
			return 0, fmt.Errorf("update chunk %s: %w", c.ID, err)
		}
		eff := in.effect(EffectChunkShift, "chunk", c.ID, before,
			map[string]any{"stability_index": next.Stability, "biome": next.Biome},
		)
		if err := tx.InsertEffect(ctx, eff); err != nil {
			return 0, fmt.Errorf("insert effect: %w", err)
		}
	}
	return len(chunks), nil
}

func applyLore(ctx context.Context, tx Tx, in applyInput, p *LoreParams) (int, error) {
	ch := &Chronicle{
		ID:        ids.NewAt(in.now),
		EventID:   in.event.ID,
		Title:     p.Title,
		Content:   p.Content,
		Sealed:    true,
		CreatedAt: in.now,
	}
	if err := tx.InsertChronicle(ctx, ch); err != nil {
		return 0, fmt.Errorf("insert chronicle: %w", err)
	}
	if err := tx.InsertEffect(ctx, in.effect(EffectChronicle, "chronicle", ch.ID, nil, map[string]any{"title": p.Title})); err != nil {
		return 0, fmt.Errorf("insert effect: %w", err)
	}
	return 1, nil
}

func invasionLocation(p *InvasionParams) Point {
	if p == nil || p.Location == nil {
		return Point{}
	}
	return *p.Location
}
