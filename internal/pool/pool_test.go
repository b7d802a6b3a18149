package pool

import (
	"context"
	"testing"
	"time"

	"github.com/zion-sh/zion/internal/containerruntime"
	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/monitor"
)

func newTestPool(t *testing.T, n int) (*Pool, *containerruntime.FakeRuntime, *coordstore.MemoryStore) {
	t.Helper()
	rt := containerruntime.NewFakeRuntime()
	store := coordstore.NewMemoryStore()

	p := New(Config{
		NumCPU:        n,
		PoolRoot:      t.TempDir(),
		WorkersRoot:   t.TempDir(),
		FunctionsRoot: t.TempDir(),
		RuntimeImage:  "zion/runtime:latest",
		Runtime:       rt,
		Store:         store,
		Monitoring:    monitor.NewTable(),
	})
	return p, rt, store
}

func waitForSlots(t *testing.T, store *coordstore.MemoryStore, n int) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if len(store.Snapshot(coordstore.AvailableQueue)) == n {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d slots to publish", n)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestPoolStartCreatesNSlots(t *testing.T) {
	p, rt, store := newTestPool(t, 3)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Teardown(ctx)

	waitForSlots(t, store, 3)

	handles, err := rt.List(ctx)
	if err != nil || len(handles) != 3 {
		t.Fatalf("List = %+v, err %v", handles, err)
	}
	if got := p.SlotCount(); got != 3 {
		t.Fatalf("SlotCount = %d, want 3", got)
	}
}

func TestPoolStartIsIdempotent(t *testing.T) {
	p, _, store := newTestPool(t, 2)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	waitForSlots(t, store, 2)

	if err := p.Start(ctx); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	defer p.Teardown(ctx)

	waitForSlots(t, store, 2)
	if got := p.SlotCount(); got != 2 {
		t.Fatalf("SlotCount after restart = %d, want 2", got)
	}
}

func TestPoolTeardownClearsStateAndIsIdempotent(t *testing.T) {
	p, rt, store := newTestPool(t, 2)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForSlots(t, store, 2)

	if err := store.ZAdd(ctx, coordstore.WorkersKey("fn-a"), "zion_0", 0); err != nil {
		t.Fatal(err)
	}

	if err := p.Teardown(ctx); err != nil {
		t.Fatalf("first Teardown: %v", err)
	}
	if err := p.Teardown(ctx); err != nil {
		t.Fatalf("second Teardown: %v", err)
	}

	handles, _ := rt.List(ctx)
	if len(handles) != 0 {
		t.Fatalf("expected all containers removed, got %+v", handles)
	}
	if got := p.SlotCount(); got != 0 {
		t.Fatalf("SlotCount after teardown = %d, want 0", got)
	}
	members, _ := store.ZRange(ctx, coordstore.WorkersKey("fn-a"))
	if len(members) != 0 {
		t.Fatalf("expected workers:fn-a cleared, got %v", members)
	}
}

func TestPoolReplaceRespawnsSameSlotID(t *testing.T) {
	p, rt, store := newTestPool(t, 1)
	ctx := context.Background()

	if err := p.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer p.Teardown(ctx)
	waitForSlots(t, store, 1)

	sb, ok := p.lookupSlot("zion_0")
	if !ok {
		t.Fatal("expected zion_0 to be tracked")
	}
	sb.Stop(ctx, "test teardown")

	p.Replace(0)

	// Stop doesn't touch available_dockers (only the Dispatcher's claim does),
	// so the respawned slot republishes itself alongside the stale entry;
	// just confirm the new sandbox is tracked and running.
	deadline := time.After(2 * time.Second)
	for {
		if got, ok := p.lookupSlot("zion_0"); ok && got != sb {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for zion_0 to be respawned")
		case <-time.After(10 * time.Millisecond):
		}
	}
	waitForSlots(t, store, 2)
	if _, err := rt.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}
}
