// Package sandbox implements the Sandbox Supervisor: one per slot. It
// prepares the slot's on-disk layout, launches a CPU-pinned container,
// publishes the slot as available, streams CPU statistics until the
// container dies, and tears itself down idempotently on stop.
package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zion-sh/zion/internal/artifact"
	"github.com/zion-sh/zion/internal/channel"
	"github.com/zion-sh/zion/internal/containerruntime"
	"github.com/zion-sh/zion/internal/coordstore"
	"github.com/zion-sh/zion/internal/logging"
	"github.com/zion-sh/zion/internal/metrics"
)

// MonitoringTable is the shared function -> slot -> cpu% map the Monitor
// wires Sandboxes into and the Autoscaler reads from.
type MonitoringTable interface {
	Set(function, slot string, cpuPercent float64)
	Remove(function, slot string)
}

// Config bundles the per-slot paths and dependencies a Sandbox needs to run.
type Config struct {
	SlotID       int
	NumCPU       int // 0 means "detect via runtime.NumCPU at use time"
	PoolRoot     string
	WorkersRoot  string
	RuntimeImage string
	Network      string
	ServiceUser  string
	Runtime      containerruntime.Runtime
	Store        coordstore.Store
	Artifacts    *artifact.Store
	Monitoring   MonitoringTable
}

// Sandbox is the running container bound to one slot.
type Sandbox struct {
	cfg  Config
	name string // zion_<i>

	mu       sync.Mutex
	function string // back-reference; empty when unassigned
	stopped  bool

	lastCPU atomic.Value // float64
}

// New constructs a Sandbox for the given slot config. It does not launch
// anything; call Run to do that.
func New(cfg Config) *Sandbox {
	s := &Sandbox{
		cfg:  cfg,
		name: fmt.Sprintf("zion_%d", cfg.SlotID),
	}
	s.lastCPU.Store(float64(0))
	return s
}

// Name returns the slot's derived name, zion_<i>.
func (s *Sandbox) Name() string { return s.name }

// slotDir returns <pool_root>/zion_<i>.
func (s *Sandbox) slotDir() string {
	return filepath.Join(s.cfg.PoolRoot, s.name)
}

// prepareLayout creates the slot's runtime/channel/function subdirectories
// and the control pipe: runtime is created empty if absent (nothing is
// copied into it), function is reset to empty, and channel is created if
// absent.
func (s *Sandbox) prepareLayout() error {
	dir := s.slotDir()
	runtimeDir := filepath.Join(dir, "runtime")
	channelDir := filepath.Join(dir, "channel")
	functionDir := filepath.Join(dir, "function")

	if _, err := os.Stat(runtimeDir); os.IsNotExist(err) {
		if err := os.MkdirAll(runtimeDir, 0755); err != nil {
			return fmt.Errorf("seed runtime dir: %w", err)
		}
	}
	if err := os.RemoveAll(functionDir); err != nil {
		return fmt.Errorf("reset function dir: %w", err)
	}
	if err := os.MkdirAll(functionDir, 0755); err != nil {
		return fmt.Errorf("create function dir: %w", err)
	}
	if err := os.MkdirAll(channelDir, 0755); err != nil {
		return fmt.Errorf("create channel dir: %w", err)
	}

	pipePath := filepath.Join(channelDir, "pipe")
	if _, err := os.Stat(pipePath); os.IsNotExist(err) {
		if err := mkfifo(pipePath); err != nil {
			return fmt.Errorf("create control pipe: %w", err)
		}
	}

	return ChownTree(dir, s.cfg.ServiceUser)
}

// Run is the Sandbox Supervisor's long-lived task. It returns nil once the
// container exits or is forcibly removed, ctx.Err() when ctx is cancelled,
// and an error if preparing the slot layout or launching the container
// fails.
func (s *Sandbox) Run(ctx context.Context) error {
	if err := s.prepareLayout(); err != nil {
		return err
	}

	spec := containerruntime.RunSpec{
		Image:  s.cfg.RuntimeImage,
		Name:   s.name,
		CPUSet: fmt.Sprintf("%d", s.cfg.SlotID),
		Command: []string{"/runtime/agent", s.name},
		Volumes: map[string]string{
			s.slotDir(): "/zion",
		},
		Network: s.cfg.Network,
	}

	if _, err := s.cfg.Runtime.Run(ctx, spec); err != nil {
		return fmt.Errorf("launch sandbox %s: %w", s.name, err)
	}
	metrics.RecordSandboxCreated()
	logging.Events().Log(&logging.Event{Slot: s.name, State: "created"})

	if err := s.cfg.Store.RPush(ctx, coordstore.AvailableQueue, s.name); err != nil {
		logging.Op().Error("failed to publish slot as available", "slot", s.name, "error", err)
	}

	samples, errs := s.cfg.Runtime.Stats(ctx, s.name)

	for {
		select {
		case sample, ok := <-samples:
			if !ok {
				// Stats stream ended: the container is gone. It only counts
				// as a crash if nothing stopped the sandbox deliberately.
				s.mu.Lock()
				crashed := !s.stopped
				s.mu.Unlock()
				if crashed {
					metrics.RecordSandboxCrashed()
				}
				s.Stop(ctx, "container exited")
				return nil
			}
			n := s.cfg.NumCPU
			if n <= 0 {
				n = numCPU()
			}
			pct, ok := cpuPercent(sample, n)
			if !ok {
				continue // malformed sample: skip this tick only
			}
			s.lastCPU.Store(pct)
			metrics.SetSlotCPUPercent(s.name, pct)

			s.mu.Lock()
			fn := s.function
			s.mu.Unlock()
			if fn != "" {
				s.cfg.Monitoring.Set(fn, s.name, pct)
			}

		case err := <-errs:
			if err != nil {
				s.mu.Lock()
				crashed := !s.stopped
				s.mu.Unlock()
				if crashed {
					metrics.RecordSandboxCrashed()
				}
				s.Stop(ctx, "container exited")
				return nil
			}

		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// cpuPercent computes (cpu_delta / system_delta) * 100
// * N_CPU, rounded to two decimals. Each Sample is self-contained — it
// carries both the current and the "pre" stats Docker's Engine API reports
// in a single stats message — so the delta is computed within one sample,
// not across two. A zero system_delta is malformed.
func cpuPercent(cur containerruntime.Sample, nCPU int) (float64, bool) {
	cpuDelta := float64(cur.CPUTotalUsage) - float64(cur.PreCPUTotalUsage)
	sysDelta := float64(cur.SystemCPUUsage) - float64(cur.PreSystemUsage)
	if sysDelta <= 0 {
		return 0, false
	}
	pct := (cpuDelta / sysDelta) * 100 * float64(nCPU)
	return roundTo2(pct), true
}

func roundTo2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// Assign sets the sandbox's function back-reference. Called by the
// Dispatcher after load_function succeeds.
func (s *Sandbox) Assign(function string) {
	s.mu.Lock()
	s.function = function
	s.mu.Unlock()
	logging.Events().Log(&logging.Event{Slot: s.name, State: "assigned", Function: function})
}

// Function returns the sandbox's current function back-reference, if any.
func (s *Sandbox) Function() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.function
}

// LastCPU returns the most recently sampled CPU percentage.
func (s *Sandbox) LastCPU() float64 {
	return s.lastCPU.Load().(float64)
}

// LoadFunction copies a function's binary into the slot, reads its mandatory
// metadata, and sends an "execute" datagram on the control channel. A
// non-nil return is a hard failure: the slot must be torn down.
func (s *Sandbox) LoadFunction(ctx context.Context, scope, function, workerDir string) error {
	meta, err := s.cfg.Artifacts.Metadata(scope, function)
	if err != nil {
		return fmt.Errorf("load_function metadata: %w", err)
	}

	src := s.cfg.Artifacts.Binary(scope, function)
	dst := filepath.Join(s.slotDir(), "function", function)
	if err := copyFile(src, dst); err != nil {
		return fmt.Errorf("load_function copy binary: %w", err)
	}

	logFile, err := s.cfg.Artifacts.OpenLog(scope, function)
	if err != nil {
		return fmt.Errorf("load_function open log: %w", err)
	}
	defer logFile.Close()

	msg := channel.Datagram{
		Command: channel.CommandExecute,
		Files: []channel.FileMeta{{
			Function:  s.cfg.Artifacts.TarballPath(scope, function),
			MainClass: meta.MainClass,
		}},
	}

	pipePath := filepath.Join(s.slotDir(), "channel", "pipe")
	if err := channel.Send(pipePath, msg); err != nil {
		return fmt.Errorf("load_function send: %w", err)
	}

	return nil
}

// Stop idempotently tears the sandbox down: removes it from its function's
// workers set if assigned, force-removes the container, removes the
// per-function worker directory symlink if present, and clears the
// monitoring table entry. All removal steps suppress not-found errors.
func (s *Sandbox) Stop(ctx context.Context, reason string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	fn := s.function
	s.function = ""
	s.mu.Unlock()

	if fn != "" {
		if err := s.cfg.Store.ZRem(ctx, coordstore.WorkersKey(fn), s.name); err != nil {
			logging.Op().Warn("zrem on stop failed", "slot", s.name, "function", fn, "error", err)
		}
	}

	if err := s.cfg.Runtime.Remove(ctx, s.name); err != nil {
		logging.Op().Warn("remove container on stop failed", "slot", s.name, "error", err)
	}

	if fn != "" {
		link := filepath.Join(s.cfg.WorkersRoot, fn, s.name)
		if err := os.Remove(link); err != nil && !os.IsNotExist(err) {
			logging.Op().Warn("remove worker symlink failed", "slot", s.name, "link", link, "error", err)
		}
		s.cfg.Monitoring.Remove(fn, s.name)
	}

	metrics.RecordSandboxStopped(reason)
	logging.Events().Log(&logging.Event{Slot: s.name, State: "stopped", Function: fn, Reason: reason, CPUPct: s.LastCPU()})
}
