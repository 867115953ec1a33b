package folder

import (
	"context"
	"fmt"
	"sync"
)

// runGate serializes sync runs across roots: at most one root propagates at a
// time, which keeps global bandwidth accounting and journal locking simple.
// Etag polls and hydration requests are not gated.
type runGate struct {
	slot chan struct{}
}

// NewRunGate builds the cross-root serialization gate.
func NewRunGate() *runGate {
	return &runGate{slot: make(chan struct{}, 1)}
}

func (g *runGate) acquire(ctx context.Context) error {
	select {
	case g.slot <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *runGate) release() {
	<-g.slot
}

// Manager is the process-wide registry of sync roots with a defined
// startup/teardown order.
type Manager struct {
	gate *runGate

	mu      sync.Mutex
	folders map[string]*Folder
	order   []string
}

// NewManager creates an empty registry.
func NewManager() *Manager {
	return &Manager{
		gate:    NewRunGate(),
		folders: make(map[string]*Folder),
	}
}

// Gate returns the shared run gate for folder construction.
func (m *Manager) Gate() *runGate { return m.gate }

// Add registers a folder under its root path.
func (m *Manager) Add(f *Folder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.folders[f.rootPath]; exists {
		return fmt.Errorf("root %q is already registered", f.rootPath)
	}
	m.folders[f.rootPath] = f
	m.order = append(m.order, f.rootPath)
	return nil
}

// Get returns the folder for a root, or nil.
func (m *Manager) Get(rootPath string) *Folder {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.folders[rootPath]
}

// Folders returns all folders in registration order.
func (m *Manager) Folders() []*Folder {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Folder, 0, len(m.order))
	for _, root := range m.order {
		out = append(out, m.folders[root])
	}
	return out
}

// StartAll launches every folder loop and schedules an initial sync each.
func (m *Manager) StartAll(ctx context.Context) {
	for _, f := range m.Folders() {
		go f.Loop(ctx)
		f.ScheduleSync()
	}
}

// StopAll tears the loops down in reverse registration order.
func (m *Manager) StopAll() {
	folders := m.Folders()
	for i := len(folders) - 1; i >= 0; i-- {
		folders[i].Stop()
	}
}
