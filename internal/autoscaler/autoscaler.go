// Package autoscaler implements the threshold-hysteresis Autoscaler and its
// embedded Reaper subtask: per-function scale up/down with a delayed-kill
// cooling set and a reuse optimisation that reclaims cooling workers before
// starting a fresh one.
package autoscaler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/dispatcher"
	"github.com/zion-sh/zion/internal/logging"
	"github.com/zion-sh/zion/internal/metrics"
	"github.com/zion-sh/zion/internal/monitor"
)

// Sandbox is the subset of sandbox.Sandbox the Reaper needs to kill a
// cooling worker.
type Sandbox interface {
	Stop(ctx context.Context, reason string)
}

// SlotLookup resolves a slot name to its Sandbox for the Reaper.
type SlotLookup interface {
	Lookup(slotName string) (Sandbox, bool)
}

// Replacer starts a fresh Sandbox on the given slot id after the Reaper
// stops the old one.
type Replacer interface {
	Replace(id int)
}

// Thresholds bundles the autoscaler's tunable constants so tests can
// exercise edge cases without touching process-wide state.
type Thresholds struct {
	HighCPU         float64 // scale-up threshold, percent (default 90)
	LowCPU          float64 // rescue/idle-drain threshold, percent (default 0.15)
	WorkerTimeout   int     // cooling TTL, ticks (default 30)
	TimeoutToGrowUp int     // consecutive high ticks before scale-up (default 5)
}

// Autoscaler periodically inspects the monitoring table and adjusts
// per-function active worker counts.
type Autoscaler struct {
	table      *monitor.Table
	store      coordstore.Store
	dispatcher *dispatcher.Dispatcher
	slots      SlotLookup
	replacer   Replacer
	thresholds Thresholds
	interval   time.Duration

	// mu serialises each tick's decision phase against concurrent stat
	// writes.
	mu      sync.Mutex
	cooling map[string]map[string]int // function -> slot -> ttl ticks
	grow    map[string]int            // function -> consecutive high ticks
}

// New constructs an Autoscaler. interval is typically one second.
func New(table *monitor.Table, store coordstore.Store, d *dispatcher.Dispatcher, slots SlotLookup, replacer Replacer, thresholds Thresholds, interval time.Duration) *Autoscaler {
	return &Autoscaler{
		table:      table,
		store:      store,
		dispatcher: d,
		slots:      slots,
		replacer:   replacer,
		thresholds: thresholds,
		interval:   interval,
		cooling:    make(map[string]map[string]int),
		grow:       make(map[string]int),
	}
}

// Run ticks the Autoscaler's decision loop and the Reaper's TTL sweep, both
// at the configured interval, until ctx is cancelled.
func (a *Autoscaler) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.tick(ctx)
			a.reap(ctx)
		}
	}
}

func (a *Autoscaler) tick(ctx context.Context) {
	for _, function := range a.table.Functions() {
		a.evaluate(ctx, function)
	}
}

// evaluate runs one function's worth of scale decisions: rescue during the
// descending-CPU walk, then scale-up with hysteresis, then scale-down or
// idle drain.
func (a *Autoscaler) evaluate(ctx context.Context, function string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.cooling[function] == nil {
		a.cooling[function] = make(map[string]int)
	}

	workers := a.table.Snapshot(function)

	type slotLoad struct {
		slot string
		cpu  float64
	}
	ordered := make([]slotLoad, 0, len(workers))
	for slot, cpu := range workers {
		ordered = append(ordered, slotLoad{slot, cpu})
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].cpu > ordered[j].cpu })

	// activeCount is fixed before the walk: total registered workers minus
	// those already in this function's cooling set. Computing it by
	// accumulating non-cooling entries during the descending-CPU walk would
	// make the rescue check below depend on scan order — a cooling slot
	// with higher CPU than an active one would be visited first and see a
	// spurious zero.
	activeCount := len(workers) - len(a.cooling[function])

	var functionCPU float64
	var lastActive string

	for _, w := range ordered {
		_, isCooling := a.cooling[function][w.slot]
		if !isCooling {
			functionCPU += w.cpu
			lastActive = w.slot
			continue
		}

		// Rescue rule: no active workers, this one is cooling, and its
		// load has picked back up above LOW — reclaim it instead of
		// leaving it to the reaper or starting a cold sandbox.
		if activeCount == 0 && w.cpu > a.thresholds.LowCPU {
			a.rescue(ctx, function, w.slot)
			functionCPU += w.cpu
			lastActive = w.slot
			activeCount++
		}
	}

	if activeCount <= 0 {
		return
	}

	mean := functionCPU / float64(activeCount)

	if mean > a.thresholds.HighCPU {
		if a.grow[function] >= a.thresholds.TimeoutToGrowUp {
			a.grow[function] = 0
			a.scaleUp(ctx, function)
			a.syncGauges(function, activeCount)
			return
		}
		a.grow[function]++
	} else {
		a.grow[function] = 0
	}

	if activeCount > 1 && functionCPU < float64(activeCount-1)*a.thresholds.HighCPU {
		a.coolDown(ctx, function, lastActive)
	} else if activeCount == 1 && mean < a.thresholds.LowCPU {
		a.coolDown(ctx, function, lastActive)
	}

	a.syncGauges(function, activeCount)
}

// rescue removes a cooling worker and reinserts it as active.
func (a *Autoscaler) rescue(ctx context.Context, function, slot string) {
	delete(a.cooling[function], slot)
	if err := a.store.ZAdd(ctx, coordstore.WorkersKey(function), slot, 0); err != nil {
		logging.Op().Warn("autoscaler: rescue zadd failed", "function", function, "slot", slot, "error", err)
	}
	metrics.RecordAutoscaleDecision(function, "rescue")
	logging.Op().Info("autoscaler: rescued cooling worker", "function", function, "slot", slot)
}

// scaleUp reuses a cooling worker if one exists, otherwise asks the
// Dispatcher to claim a fresh slot.
func (a *Autoscaler) scaleUp(ctx context.Context, function string) {
	for slot := range a.cooling[function] {
		delete(a.cooling[function], slot)
		if err := a.store.ZAdd(ctx, coordstore.WorkersKey(function), slot, 0); err != nil {
			logging.Op().Warn("autoscaler: reuse zadd failed", "function", function, "slot", slot, "error", err)
		}
		metrics.RecordAutoscaleDecision(function, "reuse")
		logging.Op().Info("autoscaler: reused cooling worker", "function", function, "slot", slot)
		return
	}

	if err := a.dispatcher.StartWorker(ctx, function); err != nil {
		logging.Op().Error("autoscaler: start_worker failed", "function", function, "error", err)
		return
	}
	metrics.RecordAutoscaleDecision(function, "scale_up")
}

// coolDown removes slot from the active workers set and starts its TTL.
func (a *Autoscaler) coolDown(ctx context.Context, function, slot string) {
	if slot == "" {
		return
	}
	if err := a.store.ZRem(ctx, coordstore.WorkersKey(function), slot); err != nil {
		logging.Op().Warn("autoscaler: cooldown zrem failed", "function", function, "slot", slot, "error", err)
	}
	a.cooling[function][slot] = a.thresholds.WorkerTimeout
	metrics.RecordAutoscaleDecision(function, "scale_down")
	logging.Op().Info("autoscaler: moved worker to cooling", "function", function, "slot", slot, "ttl", a.thresholds.WorkerTimeout)
}

func (a *Autoscaler) syncGauges(function string, active int) {
	metrics.SetActiveWorkers(function, active)
	metrics.SetCoolingWorkers(function, len(a.cooling[function]))
}

// reap decrements every cooling worker's TTL by one tick and kills+replaces
// any that hit zero, replacing each with a fresh sandbox on the same slot.
func (a *Autoscaler) reap(ctx context.Context) {
	a.mu.Lock()
	type expired struct {
		function string
		slot     string
	}
	var dead []expired

	for function, slots := range a.cooling {
		for slot, ttl := range slots {
			ttl--
			if ttl <= 0 {
				dead = append(dead, expired{function, slot})
				delete(slots, slot)
				continue
			}
			slots[slot] = ttl
		}
		if len(slots) == 0 {
			delete(a.cooling, function)
		}
	}
	a.mu.Unlock()

	for _, e := range dead {
		sb, found := a.slots.Lookup(e.slot)
		if !found {
			continue
		}
		sb.Stop(ctx, "worker timeout")

		if id, err := slotIDOf(e.slot); err == nil {
			a.replacer.Replace(id)
		}
		metrics.RecordReaperKill()
		logging.Op().Info("reaper: killed cooling worker", "function", e.function, "slot", e.slot)
	}
}

func slotIDOf(name string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(name, "zion_%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}
