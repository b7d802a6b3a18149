package sandbox

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/zion-sh/zion/internal/artifact"
	"github.com/zion-sh/zion/internal/containerruntime"
	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/monitor"
)

func newTestSandbox(t *testing.T) (*Sandbox, *containerruntime.FakeRuntime, *coordstore.MemoryStore, *monitor.Table) {
	t.Helper()
	poolRoot := t.TempDir()
	workersRoot := t.TempDir()
	functionsRoot := t.TempDir()

	rt := containerruntime.NewFakeRuntime()
	store := coordstore.NewMemoryStore()
	table := monitor.NewTable()

	sb := New(Config{
		SlotID:       0,
		NumCPU:       1,
		PoolRoot:     poolRoot,
		WorkersRoot:  workersRoot,
		RuntimeImage: "zion/runtime:latest",
		Runtime:      rt,
		Store:        store,
		Artifacts:    artifact.NewStore(functionsRoot),
		Monitoring:   table,
	})
	return sb, rt, store, table
}

func TestSandboxRunPublishesAndStreamsCPU(t *testing.T) {
	sb, rt, store, table := newTestSandbox(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sb.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if v := store.Snapshot(coordstore.AvailableQueue); len(v) == 1 && v[0] == "zion_0" {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slot never published to available_dockers")
		case <-time.After(10 * time.Millisecond):
		}
	}

	sb.Assign("fn-a")

	// Realistic Docker stats samples always carry nonzero Pre* counters
	// (the previous read Docker itself took); each sample is self-contained,
	// so the first one already yields a reading: (100-40)/(1000-400)*100*1 = 10.00.
	rt.Feed("zion_0", containerruntime.Sample{CPUTotalUsage: 100, PreCPUTotalUsage: 40, SystemCPUUsage: 1000, PreSystemUsage: 400})
	// Second sample replaces it with (500-200)/(3000-1500)*100*1 = 20.00.
	rt.Feed("zion_0", containerruntime.Sample{CPUTotalUsage: 500, PreCPUTotalUsage: 200, SystemCPUUsage: 3000, PreSystemUsage: 1500})

	// Each sample is self-contained, so the first feed alone already produces
	// a reading (10.00); wait for the second sample's value specifically
	// rather than just "nonzero", since both are eligible transient states.
	const want = 20.0
	deadline = time.After(2 * time.Second)
	for {
		if sb.LastCPU() == want {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("CPU sample never reached %v, last seen %v", want, sb.LastCPU())
		case <-time.After(10 * time.Millisecond):
		}
	}

	if snap := table.Snapshot("fn-a"); snap["zion_0"] != want {
		t.Fatalf("monitoring table = %+v, want zion_0=%v", snap, want)
	}

	cancel()
	if err := <-done; err == nil {
		// ctx cancellation returns ctx.Err(), a non-nil error, from Run.
		t.Fatal("expected Run to return ctx.Err() on cancellation")
	}
}

func TestSandboxRunStopsOnContainerExit(t *testing.T) {
	sb, rt, store, _ := newTestSandbox(t)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- sb.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if v := store.Snapshot(coordstore.AvailableQueue); len(v) == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("slot never published")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if err := rt.Remove(ctx, "zion_0"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error on container exit: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run never returned after container exit")
	}
}

func TestSandboxLoadFunctionSendsDatagram(t *testing.T) {
	functionsRoot := t.TempDir()
	scope := "default"
	function := "hello"

	binDir := filepath.Join(functionsRoot, scope, "bin")
	cacheDir := filepath.Join(functionsRoot, scope, "cache")
	if err := os.MkdirAll(binDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(binDir, function), []byte("binary"), 0755); err != nil {
		t.Fatal(err)
	}
	meta, err := json.Marshal(map[string]any{
		"Function-Memory": 128,
		"Function-Timeout": 30,
		"Function-Main":    "main.handler",
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(cacheDir, function+".tar.gz.meta.json"), meta, 0644); err != nil {
		t.Fatal(err)
	}

	poolRoot := t.TempDir()
	workersRoot := t.TempDir()
	rt := containerruntime.NewFakeRuntime()
	store := coordstore.NewMemoryStore()
	table := monitor.NewTable()

	sb := New(Config{
		SlotID:      3,
		NumCPU:      1,
		PoolRoot:    poolRoot,
		WorkersRoot: workersRoot,
		Runtime:     rt,
		Store:       store,
		Artifacts:   artifact.NewStore(functionsRoot),
		Monitoring:  table,
	})

	if err := sb.prepareLayout(); err != nil {
		t.Fatalf("prepareLayout: %v", err)
	}

	pipePath := filepath.Join(sb.slotDir(), "channel", "pipe")
	recvDone := make(chan []byte, 1)
	go func() {
		f, err := os.OpenFile(pipePath, os.O_RDONLY, 0)
		if err != nil {
			recvDone <- nil
			return
		}
		defer f.Close()
		buf := make([]byte, 4096)
		n, _ := f.Read(buf)
		recvDone <- buf[:n]
	}()

	time.Sleep(50 * time.Millisecond) // let the reader open the pipe first
	if err := sb.LoadFunction(context.Background(), scope, function, filepath.Join(workersRoot, function, sb.Name())); err != nil {
		t.Fatalf("LoadFunction: %v", err)
	}

	select {
	case data := <-recvDone:
		if len(data) == 0 {
			t.Fatal("received empty datagram")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for control channel datagram")
	}

	if _, err := os.Stat(filepath.Join(sb.slotDir(), "function", function)); err != nil {
		t.Fatalf("expected copied binary, got %v", err)
	}
}
