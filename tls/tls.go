// Package tls implements C5 (spec §4.5): per-thread TLS storage
// management across the static and dynamic module classes.
package tls

import (
	"sync"
	"sync/atomic"

	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/image"
)

// Module describes one PT_TLS-bearing image registered with the
// manager, classified static or dynamic per spec §4.5.
type Module struct {
	ID     int
	Image  *image.Image
	Static bool
	// StaticOffset is valid only when Static is true: the fixed
	// negative offset from the thread pointer.
	StaticOffset int64
}

// Manager owns the static/dynamic module classification and the
// generation counter that invalidates per-thread dtv cells (spec §4.5).
type Manager struct {
	mu         sync.RWMutex
	modules    map[int]*Module
	nextID     int
	generation atomic.Uint64

	// staticSize is the total static TLS reservation computed at
	// process start ("never grows", spec §4.5).
	staticSize int64
}

func NewManager() *Manager {
	return &Manager{modules: make(map[int]*Module)}
}

// RegisterStatic reserves a fixed thread-pointer-relative offset for img
// (executable plus any image present at process start, or any image
// carrying DF_1_NODELETE that was explicitly requested into the static
// reservation, per spec §4.5). Static module IDs and offsets never
// change after registration.
func (m *Manager) RegisterStatic(img *image.Image) (*Module, error) {
	if img.TLS == nil {
		return nil, errs.New(errs.BadFormat, "RegisterStatic", img.Path, errNoTLS)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	// Static offsets grow downward from 0, each reservation aligned to
	// the segment's own PT_TLS alignment requirement.
	size := int64(alignUp(img.TLS.BlockSize, img.TLS.Align))
	m.staticSize += size
	offset := -m.staticSize

	mod := &Module{ID: id, Image: img, Static: true, StaticOffset: offset}
	m.modules[id] = mod
	img.TLS.ModuleID = id
	img.TLS.Static = true
	img.TLS.StaticOffset = offset
	return mod, nil
}

// RegisterDynamic assigns a module id to a PT_TLS-bearing image loaded
// after process start; its storage is allocated lazily, per thread, on
// first access (spec §4.5).
func (m *Manager) RegisterDynamic(img *image.Image) (*Module, error) {
	if img.TLS == nil {
		return nil, errs.New(errs.BadFormat, "RegisterDynamic", img.Path, errNoTLS)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	mod := &Module{ID: id, Image: img, Static: false}
	m.modules[id] = mod
	img.TLS.ModuleID = id
	img.TLS.Static = false
	m.bumpGenerationLocked()
	return mod, nil
}

// Unregister removes a dynamic module (spec §4.5's "added or removed")
// and bumps the generation so stale dtv cells are refreshed on next
// access. Static modules are never unregistered (the static reservation
// never shrinks).
func (m *Manager) Unregister(id int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	mod, ok := m.modules[id]
	if !ok || mod.Static {
		return
	}
	delete(m.modules, id)
	m.bumpGenerationLocked()
}

func (m *Manager) bumpGenerationLocked() { m.generation.Add(1) }

// BumpGeneration is the public form of spec §4.5's bump_generation,
// callable directly by callers that add/remove TLS modules through a
// path other than Register*/Unregister (e.g. DSU re-relocation
// replacing a module's underlying Image without changing its id).
func (m *Manager) BumpGeneration() { m.generation.Add(1) }

func (m *Manager) Generation() uint64 { return m.generation.Load() }

// StaticOffset returns the thread-pointer-relative offset reserved for
// a module known to be in the static TLS set (the reloc package's
// TPOFF64 case, spec §4.4's TPOFF64 row), or ok=false if id is unknown
// or was registered dynamically.
func (m *Manager) StaticOffset(id int) (offset int64, ok bool) {
	mod, found := m.moduleByID(id)
	if !found || !mod.Static {
		return 0, false
	}
	return mod.StaticOffset, true
}

func (m *Manager) moduleByID(id int) (*Module, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mod, ok := m.modules[id]
	return mod, ok
}

func (m *Manager) MaxModuleID() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	max := -1
	for id := range m.modules {
		if id > max {
			max = id
		}
	}
	return max
}

func alignUp(size, align uint64) uint64 {
	if align <= 1 {
		return size
	}
	return (size + align - 1) &^ (align - 1)
}

type errNoTLSType struct{}

func (errNoTLSType) Error() string { return "image has no PT_TLS segment" }

var errNoTLS = errNoTLSType{}
