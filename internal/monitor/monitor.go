package monitor

import (
	"context"
	"strings"
	"time"

	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/logging"
)

// Sandbox is the subset of sandbox.Sandbox the Monitor needs: it assigns
// the discovered function back-reference so the Sandbox's own stats loop
// starts writing into the monitoring table.
type Sandbox interface {
	Assign(function string)
	Function() string
}

// SlotLookup resolves a slot name (zion_<i>) to its running Sandbox. It
// tolerates a transiently missing slot (recently killed, not yet replaced)
// by returning ok=false.
type SlotLookup interface {
	Lookup(slotName string) (Sandbox, bool)
}

// Monitor discovers workers:* registrations in the coordination store and
// wires each into the shared monitoring Table.
type Monitor struct {
	store  coordstore.Store
	table  *Table
	slots  SlotLookup
	period time.Duration
}

// New constructs a Monitor. period is typically one second.
func New(store coordstore.Store, table *Table, slots SlotLookup, period time.Duration) *Monitor {
	return &Monitor{store: store, table: table, slots: slots, period: period}
}

// Run ticks until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Monitor) tick(ctx context.Context) {
	keys, err := m.store.Keys(ctx, coordstore.WorkersPattern)
	if err != nil {
		logging.Op().Warn("monitor: list workers keys failed", "error", err)
		return
	}

	for _, key := range keys {
		function := strings.TrimPrefix(key, "workers:")
		members, err := m.store.ZRange(ctx, key)
		if err != nil {
			logging.Op().Warn("monitor: zrange failed", "key", key, "error", err)
			continue
		}

		m.table.EnsureFunction(function)
		for _, slotName := range members {
			if m.table.Has(function, slotName) {
				continue
			}
			sb, ok := m.slots.Lookup(slotName)
			if !ok {
				// Recently killed, not yet replaced; skip for this tick.
				continue
			}
			sb.Assign(function)
		}
	}
}
