// Package dispatcher implements the Dispatcher: claiming an available slot
// and handing it a function to run.
package dispatcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/logging"
	"github.com/zion-sh/zion/internal/metrics"
)

// Sandbox is the subset of sandbox.Sandbox the Dispatcher needs.
type Sandbox interface {
	Name() string
	LoadFunction(ctx context.Context, scope, function, workerDir string) error
	Assign(function string)
	Stop(ctx context.Context, reason string)
}

// SlotLookup resolves a slot name to its Sandbox.
type SlotLookup interface {
	Lookup(slotName string) (Sandbox, bool)
}

// Replacer restarts a fresh Sandbox on a slot id after the Dispatcher tears
// a failed claim down.
type Replacer interface {
	Replace(id int)
}

// Dispatcher owns the single StartWorker operation.
type Dispatcher struct {
	store       coordstore.Store
	slots       SlotLookup
	replacer    Replacer
	workersRoot string
	poolRoot    string
	scope       string // artifact-store scope; functions are looked up under this namespace
}

// New constructs a Dispatcher.
func New(store coordstore.Store, slots SlotLookup, replacer Replacer, poolRoot, workersRoot, scope string) *Dispatcher {
	return &Dispatcher{
		store:       store,
		slots:       slots,
		replacer:    replacer,
		poolRoot:    poolRoot,
		workersRoot: workersRoot,
		scope:       scope,
	}
}

// StartWorker pops an available slot and assigns it to function in four
// ordered steps: claim, symlink, load, register. If the queue
// is empty it returns nil silently — the autoscaler retries next tick.
func (d *Dispatcher) StartWorker(ctx context.Context, function string) error {
	slotName, ok, err := d.store.LPop(ctx, coordstore.AvailableQueue)
	if err != nil {
		return fmt.Errorf("claim slot: %w", err)
	}
	if !ok {
		return nil
	}

	id, idErr := slotIDOf(slotName)

	if err := d.symlinkSlot(function, slotName); err != nil {
		d.recoverFailedClaim(ctx, slotName, id, idErr, function, err)
		return fmt.Errorf("symlink slot %s: %w", slotName, err)
	}

	sb, found := d.slots.Lookup(slotName)
	if !found {
		d.recoverFailedClaim(ctx, slotName, id, idErr, function, fmt.Errorf("slot not found"))
		return fmt.Errorf("lookup slot %s: slot not found", slotName)
	}

	if err := sb.LoadFunction(ctx, d.scope, function, d.workerDir(function, slotName)); err != nil {
		d.recoverFailedClaim(ctx, slotName, id, idErr, function, err)
		return fmt.Errorf("load_function %s: %w", slotName, err)
	}

	sb.Assign(function)

	if err := d.store.ZAdd(ctx, coordstore.WorkersKey(function), slotName, 0); err != nil {
		return fmt.Errorf("register worker %s: %w", slotName, err)
	}

	metrics.RecordAutoscaleDecision(function, "start_worker")
	logging.Op().Info("dispatched worker", "function", function, "slot", slotName)
	return nil
}

// recoverFailedClaim tears the slot down and restarts it rather than
// re-enqueueing it: by the time load_function fails the slot has already
// been popped from available_dockers and symlinked, so a fresh sandbox is
// the only state we can trust.
func (d *Dispatcher) recoverFailedClaim(ctx context.Context, slotName string, id int, idErr error, function string, cause error) {
	logging.Op().Error("dispatcher: claim failed, tearing down slot", "slot", slotName, "function", function, "error", cause)

	link := filepath.Join(d.workersRoot, function, slotName)
	os.Remove(link)

	if sb, found := d.slots.Lookup(slotName); found {
		sb.Stop(ctx, "dispatch failed")
	}
	if idErr == nil && d.replacer != nil {
		d.replacer.Replace(id)
	}
}

func (d *Dispatcher) symlinkSlot(function, slotName string) error {
	dir := filepath.Join(d.workersRoot, function)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	link := filepath.Join(dir, slotName)
	target := filepath.Join(d.poolRoot, slotName)
	if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.Symlink(target, link)
}

func (d *Dispatcher) workerDir(function, slotName string) string {
	return filepath.Join(d.workersRoot, function, slotName)
}

func slotIDOf(name string) (int, error) {
	var id int
	if _, err := fmt.Sscanf(name, "zion_%d", &id); err != nil {
		return 0, err
	}
	return id, nil
}
