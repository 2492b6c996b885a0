package services

import (
	"context"
	"testing"
	"time"

	"github.com/eafleet/gofleet/internal/domain"
)

func TestRegistryGetOrCreateIdempotent(t *testing.T) {
	st := newTestStore(t)
	r := NewEARegistry(st, time.Minute)
	ctx := context.Background()

	a1, err := r.GetOrCreate(ctx, 1001, "uid-a", AgentDefaults{Symbol: "EURUSD", Status: domain.AgentStatusActive})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if a1.IdentityKey() != "uid-a" {
		t.Fatalf("instance uid must win over magic, got %s", a1.IdentityKey())
	}

	// 第二次调用拿回同一行，默认值不覆盖已有属性
	a2, err := r.GetOrCreate(ctx, 1001, "uid-a", AgentDefaults{Symbol: "GBPUSD"})
	if err != nil {
		t.Fatalf("get or create again: %v", err)
	}
	if a2.Symbol != "EURUSD" {
		t.Fatalf("existing row must not be overwritten, got symbol %s", a2.Symbol)
	}
}

func TestRegistryIdentityFallsBackToMagic(t *testing.T) {
	st := newTestStore(t)
	r := NewEARegistry(st, time.Minute)
	ctx := context.Background()

	a, err := r.GetOrCreate(ctx, 7777, "", AgentDefaults{})
	if err != nil {
		t.Fatalf("get or create: %v", err)
	}
	if a.IdentityKey() != "7777" {
		t.Fatalf("expected magic fallback identity, got %s", a.IdentityKey())
	}
	if a.Status != domain.AgentStatusUnknown {
		t.Fatalf("expected default status unknown, got %s", a.Status)
	}
}

// 驱逐后同一代理的下一次上报静默重建行（self-healing）
func TestRegistrySweepEvictsAndSelfHeals(t *testing.T) {
	st := newTestStore(t)
	r := NewEARegistry(st, time.Minute)
	ctx := context.Background()

	a, _ := r.GetOrCreate(ctx, 42, "", AgentDefaults{Status: domain.AgentStatusActive})
	identity := a.IdentityKey()

	// last_seen 推到窗口之外
	stale := time.Now().Add(-time.Hour)
	if err := r.Touch(ctx, identity, domain.AgentStatusActive, domain.AccountSnapshot{Balance: 5000}, stale); err != nil {
		t.Fatalf("touch: %v", err)
	}

	evicted, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(evicted) != 1 || evicted[0] != identity {
		t.Fatalf("expected [%s] evicted, got %v", identity, evicted)
	}
	got, _ := r.Get(ctx, identity)
	if got != nil {
		t.Fatalf("expected row gone after sweep")
	}

	// 下一次上报重建
	healed, err := r.GetOrCreate(ctx, 42, "", AgentDefaults{Status: domain.AgentStatusActive})
	if err != nil {
		t.Fatalf("self-heal: %v", err)
	}
	if healed.IdentityKey() != identity {
		t.Fatalf("healed row must keep the permanent identity key")
	}
}

func TestRegistrySweepKeepsFreshRows(t *testing.T) {
	st := newTestStore(t)
	r := NewEARegistry(st, time.Minute)
	ctx := context.Background()

	a, _ := r.GetOrCreate(ctx, 1, "", AgentDefaults{})
	_ = r.Touch(ctx, a.IdentityKey(), domain.AgentStatusActive, domain.AccountSnapshot{}, time.Now())

	evicted, err := r.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(evicted) != 0 {
		t.Fatalf("fresh row must survive sweep, got %v", evicted)
	}
}
