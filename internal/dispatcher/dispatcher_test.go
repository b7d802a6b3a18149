package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/zion-sh/zion/internal/coordstore"
)

type fakeSandbox struct {
	name        string
	function    string
	loadErr     error
	loaded      bool
	stopped     bool
	stopReason  string
}

func (f *fakeSandbox) Name() string { return f.name }
func (f *fakeSandbox) LoadFunction(ctx context.Context, scope, function, workerDir string) error {
	f.loaded = true
	return f.loadErr
}
func (f *fakeSandbox) Assign(function string) { f.function = function }
func (f *fakeSandbox) Stop(ctx context.Context, reason string) {
	f.stopped = true
	f.stopReason = reason
}

type fakeSlots struct {
	sandboxes map[string]*fakeSandbox
}

func (f *fakeSlots) Lookup(slotName string) (Sandbox, bool) {
	sb, ok := f.sandboxes[slotName]
	if !ok {
		return nil, false
	}
	return sb, true
}

type fakeReplacer struct {
	replaced []int
}

func (r *fakeReplacer) Replace(id int) { r.replaced = append(r.replaced, id) }

func setup(t *testing.T) (*Dispatcher, *coordstore.MemoryStore, *fakeSlots, *fakeReplacer, string, string) {
	t.Helper()
	poolRoot := t.TempDir()
	workersRoot := t.TempDir()
	store := coordstore.NewMemoryStore()
	slots := &fakeSlots{sandboxes: map[string]*fakeSandbox{}}
	replacer := &fakeReplacer{}
	d := New(store, slots, replacer, poolRoot, workersRoot, "default")
	return d, store, slots, replacer, poolRoot, workersRoot
}

func TestStartWorkerEmptyQueueReturnsNilSilently(t *testing.T) {
	d, _, _, _, _, _ := setup(t)
	if err := d.StartWorker(context.Background(), "fn-a"); err != nil {
		t.Fatalf("expected nil on empty queue, got %v", err)
	}
}

func TestStartWorkerHappyPath(t *testing.T) {
	d, store, slots, _, poolRoot, workersRoot := setup(t)
	ctx := context.Background()

	slots.sandboxes["zion_0"] = &fakeSandbox{name: "zion_0"}
	if err := store.RPush(ctx, coordstore.AvailableQueue, "zion_0"); err != nil {
		t.Fatal(err)
	}

	if err := d.StartWorker(ctx, "fn-a"); err != nil {
		t.Fatalf("StartWorker: %v", err)
	}

	sb := slots.sandboxes["zion_0"]
	if !sb.loaded {
		t.Fatal("expected LoadFunction to be called")
	}
	if sb.function != "fn-a" {
		t.Fatalf("sandbox.function = %q, want fn-a", sb.function)
	}

	members, err := store.ZRange(ctx, coordstore.WorkersKey("fn-a"))
	if err != nil || len(members) != 1 || members[0] != "zion_0" {
		t.Fatalf("workers:fn-a = %v, err %v", members, err)
	}

	link := filepath.Join(workersRoot, "fn-a", "zion_0")
	target, err := os.Readlink(link)
	if err != nil {
		t.Fatalf("expected symlink at %s: %v", link, err)
	}
	if want := filepath.Join(poolRoot, "zion_0"); target != want {
		t.Fatalf("symlink target = %s, want %s", target, want)
	}
}

func TestStartWorkerRecoversFailedLoad(t *testing.T) {
	d, store, slots, replacer, _, workersRoot := setup(t)
	ctx := context.Background()

	sb := &fakeSandbox{name: "zion_2", loadErr: fmt.Errorf("boom")}
	slots.sandboxes["zion_2"] = sb
	if err := store.RPush(ctx, coordstore.AvailableQueue, "zion_2"); err != nil {
		t.Fatal(err)
	}

	if err := d.StartWorker(ctx, "fn-b"); err == nil {
		t.Fatal("expected error from failed load_function")
	}

	if !sb.stopped {
		t.Fatal("expected failed slot to be stopped")
	}
	if len(replacer.replaced) != 1 || replacer.replaced[0] != 2 {
		t.Fatalf("expected slot 2 to be replaced, got %v", replacer.replaced)
	}

	link := filepath.Join(workersRoot, "fn-b", "zion_2")
	if _, err := os.Lstat(link); !os.IsNotExist(err) {
		t.Fatalf("expected symlink to be removed, stat err = %v", err)
	}

	members, _ := store.ZRange(ctx, coordstore.WorkersKey("fn-b"))
	if len(members) != 0 {
		t.Fatalf("expected no worker registered, got %v", members)
	}
}

func TestStartWorkerMissingSlotIsRecovered(t *testing.T) {
	d, store, _, replacer, _, _ := setup(t)
	ctx := context.Background()

	if err := store.RPush(ctx, coordstore.AvailableQueue, "zion_5"); err != nil {
		t.Fatal(err)
	}

	if err := d.StartWorker(ctx, "fn-c"); err == nil {
		t.Fatal("expected error: slot not found")
	}
	if len(replacer.replaced) != 1 || replacer.replaced[0] != 5 {
		t.Fatalf("expected slot 5 to be replaced, got %v", replacer.replaced)
	}
}
