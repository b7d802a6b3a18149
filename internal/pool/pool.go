// Package pool implements the Pool Manager: idempotent cold start and
// teardown of the node's N CPU-pinned sandbox slots.
package pool

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/zion-sh/zion/internal/artifact"
	"github.com/zion-sh/zion/internal/autoscaler"
	"github.com/zion-sh/zion/internal/containerruntime"
	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/dispatcher"
	"github.com/zion-sh/zion/internal/logging"
	"github.com/zion-sh/zion/internal/metrics"
	"github.com/zion-sh/zion/internal/monitor"
	"github.com/zion-sh/zion/internal/sandbox"
)

// slotNamePrefix is the prefix every slot container carries, used by
// teardown to find leftovers.
const slotNamePrefix = "zion_"

// Config bundles everything the Pool Manager needs to create slots.
type Config struct {
	NumCPU        int
	PoolRoot      string
	WorkersRoot   string
	FunctionsRoot string
	RuntimeImage  string
	Network       string
	ServiceUser   string
	Runtime       containerruntime.Runtime
	Store         coordstore.Store
	Monitoring    *monitor.Table
}

// Pool owns the slot table and the lifecycle of every Sandbox Supervisor.
type Pool struct {
	cfg       Config
	artifacts *artifact.Store

	mu    sync.RWMutex
	slots map[int]*sandbox.Sandbox

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Pool. Call Start to perform the idempotent cold start.
func New(cfg Config) *Pool {
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:       cfg,
		artifacts: artifact.NewStore(cfg.FunctionsRoot),
		slots:     make(map[int]*sandbox.Sandbox),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// lookupSlot resolves a slot name to its concrete Sandbox, tolerating a
// transiently missing slot.
func (p *Pool) lookupSlot(slotName string) (*sandbox.Sandbox, bool) {
	id, ok := parseSlotID(slotName)
	if !ok {
		return nil, false
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	sb, ok := p.slots[id]
	return sb, ok
}

// monitorLookup and dispatcherLookup adapt Pool to the differently-typed
// SlotLookup interfaces each consumer package declares; Go requires exact
// method signatures for interface satisfaction, so a single Lookup method
// on Pool can't serve both return types directly.
type monitorLookup struct{ p *Pool }

func (a monitorLookup) Lookup(slotName string) (monitor.Sandbox, bool) {
	return a.p.lookupSlot(slotName)
}

type dispatcherLookup struct{ p *Pool }

func (a dispatcherLookup) Lookup(slotName string) (dispatcher.Sandbox, bool) {
	return a.p.lookupSlot(slotName)
}

type autoscalerLookup struct{ p *Pool }

func (a autoscalerLookup) Lookup(slotName string) (autoscaler.Sandbox, bool) {
	return a.p.lookupSlot(slotName)
}

// AsMonitorLookup returns a monitor.SlotLookup backed by this pool's slots.
func (p *Pool) AsMonitorLookup() monitor.SlotLookup {
	return monitorLookup{p: p}
}

// AsDispatcherLookup returns a dispatcher.SlotLookup backed by this pool's
// slots.
func (p *Pool) AsDispatcherLookup() dispatcher.SlotLookup {
	return dispatcherLookup{p: p}
}

// AsAutoscalerLookup returns an autoscaler.SlotLookup backed by this pool's
// slots, used by the Reaper to stop a cooling worker's sandbox.
func (p *Pool) AsAutoscalerLookup() autoscaler.SlotLookup {
	return autoscalerLookup{p: p}
}

// SlotCount returns the number of slots currently tracked.
func (p *Pool) SlotCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.slots)
}

// Start tears down any leftover sandboxes and coordination state from a
// previous crashed instance, then creates and launches N fresh slots. It is
// idempotent: running it twice in a row leaves the same N running slots.
func (p *Pool) Start(ctx context.Context) error {
	if err := p.teardownLocked(ctx); err != nil {
		return fmt.Errorf("pool start teardown: %w", err)
	}

	if err := os.MkdirAll(p.cfg.WorkersRoot, 0755); err != nil {
		return fmt.Errorf("create workers root: %w", err)
	}
	if err := os.MkdirAll(p.cfg.PoolRoot, 0755); err != nil {
		return fmt.Errorf("create pool root: %w", err)
	}
	if err := sandbox.ChownTree(p.cfg.WorkersRoot, p.cfg.ServiceUser); err != nil {
		return fmt.Errorf("chown workers root: %w", err)
	}
	if err := sandbox.ChownTree(p.cfg.PoolRoot, p.cfg.ServiceUser); err != nil {
		return fmt.Errorf("chown pool root: %w", err)
	}

	n := p.cfg.NumCPU
	if n <= 0 {
		return fmt.Errorf("pool start: NumCPU must be > 0")
	}

	for i := 0; i < n; i++ {
		p.spawnSlot(i)
	}

	metrics.SetPoolSize(n)
	logging.Op().Info("pool started", "slots", n)
	return nil
}

// spawnSlot constructs and launches a Sandbox Supervisor for slot id, and
// tracks it so Teardown and the Reaper's replace-on-same-id can find it.
func (p *Pool) spawnSlot(id int) {
	sb := sandbox.New(sandbox.Config{
		SlotID:       id,
		NumCPU:       p.cfg.NumCPU,
		PoolRoot:     p.cfg.PoolRoot,
		WorkersRoot:  p.cfg.WorkersRoot,
		RuntimeImage: p.cfg.RuntimeImage,
		Network:      p.cfg.Network,
		ServiceUser:  p.cfg.ServiceUser,
		Runtime:      p.cfg.Runtime,
		Store:        p.cfg.Store,
		Artifacts:    p.artifacts,
		Monitoring:   p.cfg.Monitoring,
	})

	p.mu.Lock()
	p.slots[id] = sb
	p.mu.Unlock()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				logging.Op().Error("recovered panic in sandbox run loop", "slot", sb.Name(), "panic", r)
			}
		}()
		if err := sb.Run(p.ctx); err != nil && p.ctx.Err() == nil {
			logging.Op().Error("sandbox run exited with error", "slot", sb.Name(), "error", err)
		}
	}()
}

// Replace is called by the Reaper after it has stopped the sandbox on slot
// id: it constructs and starts a fresh Sandbox on the same id, which
// re-registers the slot into available_dockers.
func (p *Pool) Replace(id int) {
	p.spawnSlot(id)
}

// Teardown removes every zion_* container, clears all coordination-store
// queue/set keys, and wipes the pool and workers directory trees. It is
// safe to call twice in a row.
func (p *Pool) Teardown(ctx context.Context) error {
	p.cancel()
	p.wg.Wait()
	return p.teardownLocked(ctx)
}

func (p *Pool) teardownLocked(ctx context.Context) error {
	handles, err := p.cfg.Runtime.List(ctx)
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, h := range handles {
		if !strings.HasPrefix(h.Name, slotNamePrefix) {
			continue
		}
		if err := p.cfg.Runtime.Remove(ctx, h.Name); err != nil {
			logging.Op().Warn("teardown: remove container failed", "name", h.Name, "error", err)
		}
	}

	if err := p.cfg.Store.Delete(ctx, coordstore.AvailableQueue); err != nil {
		logging.Op().Warn("teardown: delete available queue failed", "error", err)
	}
	keys, err := p.cfg.Store.Keys(ctx, coordstore.WorkersPattern)
	if err != nil {
		logging.Op().Warn("teardown: list workers keys failed", "error", err)
	}
	for _, k := range keys {
		if err := p.cfg.Store.Delete(ctx, k); err != nil {
			logging.Op().Warn("teardown: delete workers key failed", "key", k, "error", err)
		}
	}

	if err := os.RemoveAll(p.cfg.WorkersRoot); err != nil {
		logging.Op().Warn("teardown: remove workers tree failed", "error", err)
	}
	if err := os.RemoveAll(p.cfg.PoolRoot); err != nil {
		logging.Op().Warn("teardown: remove pool tree failed", "error", err)
	}

	p.mu.Lock()
	p.slots = make(map[int]*sandbox.Sandbox)
	p.mu.Unlock()

	logging.Op().Info("pool teardown complete")
	return nil
}

func parseSlotID(name string) (int, bool) {
	if !strings.HasPrefix(name, slotNamePrefix) {
		return 0, false
	}
	var id int
	if _, err := fmt.Sscanf(name, slotNamePrefix+"%d", &id); err != nil {
		return 0, false
	}
	return id, true
}
