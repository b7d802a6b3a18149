// Package monitor implements the shared monitoring table and the Monitor
// component that discovers (function, worker) registrations from the
// coordination store and wires each into the table for the Autoscaler to
// read and the Sandbox Supervisors to write into.
package monitor

import "sync"

// Table is the process-local function -> slot -> cpu% map.
// A function key is created by the first Set for that function or by
// EnsureFunction, which the Monitor calls on discovery before any sample
// has arrived, so a key can exist with no slots under it. Remove prunes a
// function's key when its last slot goes; entries are removed only by the
// Sandbox Supervisor on stop, never by the Monitor.
type Table struct {
	mu     sync.Mutex
	byFunc map[string]map[string]float64
}

// NewTable returns an empty monitoring table.
func NewTable() *Table {
	return &Table{byFunc: make(map[string]map[string]float64)}
}

// Set records slot's current CPU percentage under function, creating the
// function's entry if this is its first report.
func (t *Table) Set(function, slot string, cpuPercent float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byFunc[function] == nil {
		t.byFunc[function] = make(map[string]float64)
	}
	t.byFunc[function][slot] = cpuPercent
}

// Remove deletes slot's entry under function, pruning the function's key
// entirely if it becomes empty.
func (t *Table) Remove(function, slot string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.byFunc[function], slot)
	if len(t.byFunc[function]) == 0 {
		delete(t.byFunc, function)
	}
}

// EnsureFunction makes function visible in the table with no workers yet,
// called by the Monitor on first discovery of a registration whose sandbox
// hasn't reported a sample.
func (t *Table) EnsureFunction(function string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.byFunc[function] == nil {
		t.byFunc[function] = make(map[string]float64)
	}
}

// Has reports whether slot is already represented under function.
func (t *Table) Has(function, slot string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.byFunc[function][slot]
	return ok
}

// Functions returns the set of functions currently present in the table.
func (t *Table) Functions() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.byFunc))
	for f := range t.byFunc {
		out = append(out, f)
	}
	return out
}

// Snapshot returns a copy of function's slot -> cpu% map.
func (t *Table) Snapshot(function string) map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]float64, len(t.byFunc[function]))
	for k, v := range t.byFunc[function] {
		out[k] = v
	}
	return out
}
