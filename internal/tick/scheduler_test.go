package tick

import (
	"context"
	"errors"
	"sync"
	"testing"

	"warden.org/internal/audit"
)

type recordedMsg struct {
	typ     string
	payload map[string]any
}

type capturePublisher struct {
	mu   sync.Mutex
	msgs []recordedMsg
}

func (p *capturePublisher) Publish(msgType string, payload map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, recordedMsg{msgType, payload})
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.msgs))
	for i, m := range p.msgs {
		out[i] = m.typ
	}
	return out
}

type failingStore struct{ MemoryStateStore }

func (f *failingStore) SaveTickState(context.Context, State) error {
	return errors.New("disk full")
}

var operator = audit.Actor{OperatorID: "op-1", IP: "10.0.0.1"}

func advanceTo(t *testing.T, s *Scheduler, tick uint64) {
	t.Helper()
	for s.CurrentTick() < tick {
		if _, ok, err := s.Advance(context.Background()); err != nil || !ok {
			t.Fatalf("advance: ok=%v err=%v", ok, err)
		}
	}
}

func TestAdvanceOnlyWhileRunning(t *testing.T) {
	s := NewScheduler()
	ctx := context.Background()
	if _, ok, _ := s.Advance(ctx); ok || s.CurrentTick() != 0 {
		t.Fatalf("stopped clock must not advance")
	}
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	advanceTo(t, s, 3)
	if _, err := s.Pause(ctx, operator); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if _, ok, _ := s.Advance(ctx); ok || s.CurrentTick() != 3 {
		t.Fatalf("paused clock must not advance, tick=%d", s.CurrentTick())
	}
}

func TestPauseAndResumeAreIdempotentAndAudited(t *testing.T) {
	trail := audit.NewTrail(audit.NewInMemory())
	pub := &capturePublisher{}
	s := NewScheduler(WithRecorder(trail), WithPublisher(pub))
	ctx := context.Background()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	first, err := s.Pause(ctx, operator)
	if err != nil || !first.Changed || first.Status != StatusPaused {
		t.Fatalf("first pause: %+v %v", first, err)
	}
	second, err := s.Pause(ctx, operator)
	if err != nil || second.Changed || second.Status != StatusPaused {
		t.Fatalf("second pause should be a no-op success: %+v %v", second, err)
	}
	resumed, err := s.Resume(ctx, operator)
	if err != nil || !resumed.Changed || !s.IsRunning() {
		t.Fatalf("resume: %+v %v", resumed, err)
	}

	pauses, _ := trail.Entries(ctx, audit.EntryFilter{Action: audit.ActionTickPause})
	if len(pauses) != 2 {
		t.Fatalf("expected both pauses audited, got %d", len(pauses))
	}
	if pauses[0].Details["changed"] != false || pauses[1].Details["changed"] != true {
		t.Fatalf("expected audit to carry the result, got %+v", pauses)
	}
	if got := pub.types(); len(got) != 2 || got[0] != MsgTickPaused || got[1] != MsgTickResumed {
		t.Fatalf("expected broadcasts only for changes, got %v", got)
	}
}

func TestTemporaryKappaExpiresAtTick(t *testing.T) {
	s := NewScheduler()
	ctx := context.Background()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	advanceTo(t, s, 10)

	ks, err := s.SetTemporaryKappa(ctx, operator, 5000, 100)
	if err != nil {
		t.Fatalf("set kappa: %v", err)
	}
	if !ks.IsOverridden || ks.TicksLeft != 100 || ks.Current != 5000 || ks.ExpiresAtTick != 110 {
		t.Fatalf("unexpected status %+v", ks)
	}

	advanceTo(t, s, 109)
	if k := s.EffectiveKappa(); k != 5000 {
		t.Fatalf("tick 109: expected 5000, got %v", k)
	}
	if left := s.KappaStatus().TicksLeft; left != 1 {
		t.Fatalf("tick 109: expected 1 tick left, got %d", left)
	}
	advanceTo(t, s, 110)
	if k := s.EffectiveKappa(); k != DefaultKappa {
		t.Fatalf("tick 110: expected default, got %v", k)
	}
	if st := s.KappaStatus(); st.IsOverridden || st.TicksLeft != 0 {
		t.Fatalf("expected override to be reported expired, got %+v", st)
	}
}

func TestSetTemporaryKappaReplacesAndValidates(t *testing.T) {
	s := NewScheduler(WithBaseKappa(2000))
	ctx := context.Background()
	if k := s.EffectiveKappa(); k != 2000 {
		t.Fatalf("expected configured base kappa, got %v", k)
	}
	if _, err := s.SetTemporaryKappa(ctx, operator, 0, 10); !errors.Is(err, ErrInvalidKappa) {
		t.Fatalf("expected ErrInvalidKappa, got %v", err)
	}
	if _, err := s.SetTemporaryKappa(ctx, operator, -5, 10); !errors.Is(err, ErrInvalidKappa) {
		t.Fatalf("expected ErrInvalidKappa, got %v", err)
	}
	if _, err := s.SetTemporaryKappa(ctx, operator, 10, 0); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("expected ErrInvalidDuration, got %v", err)
	}
	if _, err := s.SetTemporaryKappa(ctx, operator, 10, 5); err != nil {
		t.Fatalf("set kappa: %v", err)
	}
	if _, err := s.SetTemporaryKappa(ctx, operator, 20, 50); err != nil {
		t.Fatalf("set kappa: %v", err)
	}
	if ks := s.KappaStatus(); ks.Current != 20 || ks.TicksLeft != 50 {
		t.Fatalf("expected the second override to replace the first, got %+v", ks)
	}
}

func TestFailedPersistenceLeavesStateUntouched(t *testing.T) {
	s := NewScheduler(WithStateStore(&failingStore{}))
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatalf("expected save error")
	}
	if s.Snapshot().Status != StatusStopped {
		t.Fatalf("state changed despite failed save")
	}
}

func TestForcePauseReportsPriorStatusForRestore(t *testing.T) {
	s := NewScheduler()
	ctx := context.Background()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	st, prev, err := s.ForcePause(ctx)
	if err != nil || st.Status != StatusPaused || prev != StatusRunning {
		t.Fatalf("force pause: %+v prev=%s err=%v", st, prev, err)
	}
	if st, err := s.RestoreStatus(ctx, prev); err != nil || st.Status != StatusRunning {
		t.Fatalf("restore: %+v %v", st, err)
	}

	if _, _, err := s.ForcePause(ctx); err != nil {
		t.Fatalf("force pause: %v", err)
	}
	if _, err := s.RestoreStatus(ctx, StatusPaused); err != nil || s.IsRunning() {
		t.Fatalf("restoring PAUSED must keep the clock paused")
	}
}

func TestRestoreLoadsPersistedState(t *testing.T) {
	store := &MemoryStateStore{}
	ctx := context.Background()
	first := NewScheduler(WithStateStore(store))
	if _, err := first.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	advanceTo(t, first, 42)
	if _, err := first.SetTemporaryKappa(ctx, operator, 3000, 8); err != nil {
		t.Fatalf("set kappa: %v", err)
	}

	second := NewScheduler(WithStateStore(store))
	if err := second.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if second.CurrentTick() != 42 || !second.IsRunning() || second.EffectiveKappa() != 3000 {
		t.Fatalf("unexpected restored state %+v", second.Snapshot())
	}
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	s := NewScheduler()
	ctx := context.Background()
	if _, err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _, _, _ = s.Advance(ctx) }()
		go func() { defer wg.Done(); _ = s.EffectiveKappa() }()
		go func() { defer wg.Done(); _, _ = s.SetTemporaryKappa(ctx, operator, 1500, 10) }()
	}
	wg.Wait()
	if s.CurrentTick() != 50 {
		t.Fatalf("expected 50 ticks, got %d", s.CurrentTick())
	}
}
