// Package artifact provides read-only access to the function artifact
// store's on-disk layout. Writing and caching functions there is an
// external collaborator's job; this package only reads what is already
// present: the binary, its sidecar metadata, and the per-function log.
package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Metadata carries the three headers load_function treats as mandatory.
type Metadata struct {
	MemoryMB  int    `json:"Function-Memory"`
	TimeoutS  int    `json:"Function-Timeout"`
	MainClass string `json:"Function-Main"`
}

// Store resolves paths under a functions root of the shape
// <functions_root>/<scope>/{bin,cache,logs}.
type Store struct {
	root string
}

// NewStore returns a Store rooted at functionsRoot.
func NewStore(functionsRoot string) *Store {
	return &Store{root: functionsRoot}
}

func (s *Store) binPath(scope, name string) string {
	return filepath.Join(s.root, scope, "bin", name)
}

func (s *Store) cachePath(scope, name string) string {
	return filepath.Join(s.root, scope, "cache", name+".tar.gz")
}

func (s *Store) metaPath(scope, name string) string {
	return s.cachePath(scope, name) + ".meta.json"
}

func (s *Store) logPath(scope, name string) string {
	return filepath.Join(s.root, scope, "logs", name, name+".log")
}

// Binary returns the absolute path to a function's binary. Callers copy it
// into the slot's function directory themselves.
func (s *Store) Binary(scope, name string) string {
	return s.binPath(scope, name)
}

// TarballPath returns the path to the function's cached tarball, the
// reference sent on the control channel.
func (s *Store) TarballPath(scope, name string) string {
	return s.cachePath(scope, name)
}

// Metadata reads and validates a function's sidecar metadata. All three
// fields are mandatory: a missing one is a hard failure, matching
// load_function's all-or-nothing header check.
func (s *Store) Metadata(scope, name string) (Metadata, error) {
	data, err := os.ReadFile(s.metaPath(scope, name))
	if err != nil {
		return Metadata{}, fmt.Errorf("read function metadata: %w", err)
	}

	var m Metadata
	if err := json.Unmarshal(data, &m); err != nil {
		return Metadata{}, fmt.Errorf("decode function metadata: %w", err)
	}

	if m.MemoryMB == 0 {
		return Metadata{}, fmt.Errorf("missing required header Function-Memory for %s/%s", scope, name)
	}
	if m.TimeoutS == 0 {
		return Metadata{}, fmt.Errorf("missing required header Function-Timeout for %s/%s", scope, name)
	}
	if m.MainClass == "" {
		return Metadata{}, fmt.Errorf("missing required header Function-Main for %s/%s", scope, name)
	}

	return m, nil
}

// OpenLog opens the per-function append log, creating its directory if
// necessary.
func (s *Store) OpenLog(scope, name string) (*os.File, error) {
	p := s.logPath(scope, name)
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return nil, err
	}
	return os.OpenFile(p, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
}
