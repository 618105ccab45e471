package sqlite

import (
	"context"
	"reflect"
	"testing"
	"time"
)

func newTestLeases(t *testing.T) *LeaseTable {
	t.Helper()
	return NewLeaseTable(newTestGuard(t))
}

func TestAcquireThenConflict(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()

	ok, err := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should succeed")
	}

	ok, err = lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute)
	if err != nil {
		t.Fatalf("conflicting acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should lose, not error")
	}
}

func TestReleaseRequiresMatchingHolder(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()

	if _, err := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", time.Minute); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	// Wrong holder: silently a no-op.
	if err := lt.Release(ctx, "BTCUSD", "worker-2"); err != nil {
		t.Fatalf("foreign release: %v", err)
	}
	ok, err := lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after foreign release: %v", err)
	}
	if ok {
		t.Fatal("lease should survive a foreign release")
	}

	if err := lt.Release(ctx, "BTCUSD", "worker-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	ok, err = lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	if !ok {
		t.Fatal("released lease should be acquirable")
	}
}

func TestExpiredLeaseIsReacquirable(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	lt.nowFunc = func() time.Time { return now }

	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", 30*time.Second); !ok {
		t.Fatal("acquire should succeed")
	}

	now = now.Add(10 * time.Second)
	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute); ok {
		t.Fatal("unexpired lease should block acquisition")
	}

	now = now.Add(25 * time.Second)
	ok, err := lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok {
		t.Fatal("expired lease should be purged and reacquirable")
	}
}

func TestZeroTTLNeverBlocks(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()

	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", 0); !ok {
		t.Fatal("zero-ttl acquire should succeed")
	}
	ok, err := lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !ok {
		t.Fatal("a zero-ttl lease expires immediately and must not block")
	}
}

func TestAcquireRejectsEmptyIdentity(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()
	if _, err := lt.Acquire(ctx, "", "worker-1", "host-a", time.Minute); err == nil {
		t.Error("expected error for empty id")
	}
	if _, err := lt.Acquire(ctx, "BTCUSD", "", "host-a", time.Minute); err == nil {
		t.Error("expected error for empty holder")
	}
}

func TestExtendPushesExpiry(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	lt.nowFunc = func() time.Time { return now }

	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", 30*time.Second); !ok {
		t.Fatal("acquire should succeed")
	}
	ok, err := lt.Extend(ctx, "BTCUSD", "worker-1", time.Hour)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if !ok {
		t.Fatal("holder extend should succeed")
	}

	now = now.Add(5 * time.Minute)
	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute); ok {
		t.Fatal("extended lease should still block")
	}
}

func TestExtendRebasesFromNow(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	lt.nowFunc = func() time.Time { return now }

	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}
	// Rapid heartbeats must not stack expiry.
	for i := 0; i < 5; i++ {
		ok, err := lt.Extend(ctx, "BTCUSD", "worker-1", time.Minute)
		if err != nil {
			t.Fatalf("extend %d: %v", i, err)
		}
		if !ok {
			t.Fatalf("extend %d should succeed", i)
		}
	}

	now = now.Add(61 * time.Second)
	ok, err := lt.Acquire(ctx, "BTCUSD", "worker-2", "host-b", time.Minute)
	if err != nil {
		t.Fatalf("acquire after expiry: %v", err)
	}
	if !ok {
		t.Fatal("lease should expire one TTL after the last heartbeat")
	}
}

func TestExtendExpiredLeaseFails(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	lt.nowFunc = func() time.Time { return now }

	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", 30*time.Second); !ok {
		t.Fatal("acquire should succeed")
	}

	now = now.Add(31 * time.Second)
	ok, err := lt.Extend(ctx, "BTCUSD", "worker-1", time.Minute)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ok {
		t.Fatal("a lapsed lease must not be resurrected by its old holder")
	}
}

func TestExtendRequiresMatchingHolder(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()

	if ok, _ := lt.Acquire(ctx, "BTCUSD", "worker-1", "host-a", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}
	ok, err := lt.Extend(ctx, "BTCUSD", "worker-2", time.Hour)
	if err != nil {
		t.Fatalf("extend: %v", err)
	}
	if ok {
		t.Fatal("foreign extend should report false")
	}
}

func TestAvailableFiltersLeased(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()

	symbols := []string{"BTCUSD", "ETHUSD", "SOLUSD"}
	if ok, _ := lt.Acquire(ctx, "ETHUSD", "worker-1", "host-a", time.Minute); !ok {
		t.Fatal("acquire should succeed")
	}

	free, err := lt.Available(ctx, symbols)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	want := []string{"BTCUSD", "SOLUSD"}
	if !reflect.DeepEqual(free, want) {
		t.Errorf("available = %v, want %v", free, want)
	}
}

func TestAvailableEmptyCandidates(t *testing.T) {
	lt := newTestLeases(t)
	free, err := lt.Available(context.Background(), nil)
	if err != nil {
		t.Fatalf("available: %v", err)
	}
	if free != nil {
		t.Errorf("available = %v, want nil", free)
	}
}

func TestHoldingsAndSnapshot(t *testing.T) {
	lt := newTestLeases(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	lt.nowFunc = func() time.Time { return now }

	for _, id := range []string{"BTCUSD", "ETHUSD"} {
		if ok, _ := lt.Acquire(ctx, id, "worker-1", "host-a", time.Minute); !ok {
			t.Fatalf("acquire %s should succeed", id)
		}
	}
	if ok, _ := lt.Acquire(ctx, "SOLUSD", "worker-2", "host-b", time.Minute); !ok {
		t.Fatal("acquire SOLUSD should succeed")
	}

	mine, err := lt.Holdings(ctx, "worker-1")
	if err != nil {
		t.Fatalf("holdings: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != "BTCUSD" || mine[1].ID != "ETHUSD" {
		t.Errorf("holdings = %+v, want BTCUSD and ETHUSD", mine)
	}
	for _, l := range mine {
		if l.HolderID != "worker-1" || l.Hostname != "host-a" {
			t.Errorf("lease %s carries wrong identity: %+v", l.ID, l)
		}
		if !l.ExpiresAt.Equal(now.Add(time.Minute)) {
			t.Errorf("lease %s expires %v, want %v", l.ID, l.ExpiresAt, now.Add(time.Minute))
		}
		if l.Expired(now) {
			t.Errorf("lease %s should not be expired yet", l.ID)
		}
	}

	all, err := lt.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(all) != 3 {
		t.Errorf("snapshot has %d leases, want 3", len(all))
	}

	// Expired leases drop out of both views without any explicit purge.
	now = now.Add(2 * time.Minute)
	if mine, _ = lt.Holdings(ctx, "worker-1"); len(mine) != 0 {
		t.Errorf("holdings after expiry = %+v, want none", mine)
	}
	if all, _ = lt.Snapshot(ctx); len(all) != 0 {
		t.Errorf("snapshot after expiry = %+v, want none", all)
	}
}
