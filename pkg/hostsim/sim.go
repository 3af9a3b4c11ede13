// Package hostsim is an in-memory stand-in for the live 3D host. It
// implements the executor, undo and fingerprint collaborators the kernel
// needs, with failure injection for tests and `vibebridge host --simulate`.
package hostsim

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/B-A-M-N/BlenderVibeBridge/pkg/canonicalize"
	"github.com/B-A-M-N/BlenderVibeBridge/pkg/fingerprint"
)

// DefaultTarget is the object a payload without a target mutates.
const DefaultTarget = "Scene"

// ErrNoCheckpoint is returned by a revert with an empty undo stack.
var ErrNoCheckpoint = errors.New("hostsim: no checkpoint to revert to")

type scene map[string]map[string]any

// Fault describes an injected executor failure.
type Fault struct {
	Err error
	// Apply mutates the scene before failing, leaving partial effects for
	// the transaction layer to undo.
	Apply bool
	Panic bool
	// Remaining is how many more calls fail; zero or less means every call.
	Remaining int
}

// Sim is a simulated host.
type Sim struct {
	mu          sync.Mutex
	objects     scene
	undo        []scene
	labels      []string
	info        fingerprint.HostInfo
	faults      map[string]*Fault
	calls       []string
	readKinds   map[string]bool
	failCheckpt error
}

// New returns a simulator with a single empty scene object.
func New(info fingerprint.HostInfo) *Sim {
	return &Sim{
		objects:   scene{DefaultTarget: {}},
		info:      info,
		faults:    map[string]*Fault{},
		readKinds: map[string]bool{"scene_query": true, "audit_op": true},
	}
}

// Execute applies kind to the scene. Reads return a copy of the scene;
// every other kind merges its payload properties into the target object.
func (s *Sim) Execute(ctx context.Context, kind string, payload map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, kind)

	f := s.faults[kind]
	if f != nil {
		if f.Remaining > 0 {
			f.Remaining--
			if f.Remaining == 0 {
				delete(s.faults, kind)
			}
		}
		if f.Apply {
			s.apply(kind, payload)
		}
		if f.Panic {
			panic(fmt.Sprintf("hostsim: injected panic in %s", kind))
		}
		return nil, f.Err
	}

	if s.readKinds[kind] {
		return s.snapshotLocked(), nil
	}
	target := s.apply(kind, payload)
	return map[string]any{"target": target, "kind": kind}, nil
}

func (s *Sim) apply(kind string, payload map[string]any) string {
	target := DefaultTarget
	if t, ok := payload["target"].(string); ok && t != "" {
		target = t
	}
	obj, ok := s.objects[target]
	if !ok {
		obj = map[string]any{}
		s.objects[target] = obj
	}
	for k, v := range payload {
		if k == "target" {
			continue
		}
		obj[k] = v
	}
	obj["last_op"] = kind
	return target
}

// Checkpoint pushes a copy of the scene onto the undo stack.
func (s *Sim) Checkpoint(_ context.Context, label string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCheckpt != nil {
		return s.failCheckpt
	}
	s.undo = append(s.undo, copyScene(s.objects))
	s.labels = append(s.labels, label)
	return nil
}

// RevertToLastCheckpoint restores and pops the newest checkpoint.
func (s *Sim) RevertToLastCheckpoint(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.undo)
	if n == 0 {
		return ErrNoCheckpoint
	}
	s.objects = s.undo[n-1]
	s.undo = s.undo[:n-1]
	return nil
}

// HostInfo implements fingerprint.Source.
func (s *Sim) HostInfo(context.Context) (fingerprint.HostInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Extensions = append([]string(nil), s.info.Extensions...)
	return info, nil
}

// SetHostInfo changes what the host reports, simulating an upgrade or an
// extension being installed.
func (s *Sim) SetHostInfo(info fingerprint.HostInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = info
}

// Inject installs a fault for kind.
func (s *Sim) Inject(kind string, f Fault) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.Err == nil && !f.Panic {
		f.Err = fmt.Errorf("hostsim: injected failure in %s", kind)
	}
	s.faults[kind] = &f
}

// Clear removes every injected fault.
func (s *Sim) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults = map[string]*Fault{}
	s.failCheckpt = nil
}

// FailCheckpoints makes every checkpoint call return err until Clear.
func (s *Sim) FailCheckpoints(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCheckpt = err
}

// StateHash is the canonical hash of the scene.
func (s *Sim) StateHash() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hashLocked()
}

func (s *Sim) hashLocked() string {
	h, err := canonicalize.CanonicalHash(s.objects)
	if err != nil {
		// scene values always come from decoded JSON payloads
		panic(err)
	}
	return h
}

// Object returns a copy of one scene object.
func (s *Sim) Object(name string) (map[string]any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[name]
	if !ok {
		return nil, false
	}
	return copyScene(scene{name: obj})[name], true
}

// Calls lists every kind dispatched so far, in order.
func (s *Sim) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CheckpointLabels lists checkpoint labels in the order they were taken.
func (s *Sim) CheckpointLabels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.labels...)
}

// UndoDepth is the number of checkpoints on the stack.
func (s *Sim) UndoDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.undo)
}

func (s *Sim) snapshotLocked() map[string]any {
	names := make([]string, 0, len(s.objects))
	for n := range s.objects {
		names = append(names, n)
	}
	sort.Strings(names)
	return map[string]any{"objects": names, "scene": copyScene(s.objects), "scene_hash": s.hashLocked()}
}

func copyScene(in scene) scene {
	raw, err := json.Marshal(in)
	if err != nil {
		panic(err)
	}
	out := scene{}
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(err)
	}
	return out
}
