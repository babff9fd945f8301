package tls

import (
	"sync"

	"github.com/xyproto/luci/errs"
)

// dtvEntry is one dynamic-module cell in a thread's dtv (spec §4.5):
// the block pointer plus the generation it was initialized against.
type dtvEntry struct {
	pointer    []byte
	generation uint64
}

// ThreadState is one calling thread's TLS state: a static block plus a
// dynamic dtv, sized to max_module_id+1 (spec §4.5
// allocate_for_new_thread). All methods are safe to call only from the
// owning thread -- the manager does not synchronize across threads by
// design ("cross-thread visibility requires the caller's normal
// synchronization", spec §4.5's ordering guarantee); ThreadState's own
// mutex serializes GetAddr and Deallocate on one ThreadState so a dtv
// resize is never observed half done. It is a plain sync.Mutex, not a
// reentrant one.
type ThreadState struct {
	mu          sync.Mutex
	staticBlock []byte
	dtv         []dtvEntry
}

// AllocateForNewThread produces a freshly-initialized static TLS block
// (one contiguous allocation sized to the manager's total static
// reservation, with each static module's InitImage copied into its
// reserved offset) and an empty dtv sized to max_module_id+1, per spec
// §4.5.
func (m *Manager) AllocateForNewThread() *ThreadState {
	m.mu.RLock()
	staticSize := m.staticSize
	maxID := -1
	var statics []*Module
	for _, mod := range m.modules {
		if mod.Static {
			statics = append(statics, mod)
		}
		if mod.ID > maxID {
			maxID = mod.ID
		}
	}
	m.mu.RUnlock()

	block := make([]byte, staticSize)
	for _, mod := range statics {
		// StaticOffset is negative (distance below the thread pointer);
		// within the contiguous allocation this becomes
		// staticSize+StaticOffset.
		start := staticSize + mod.StaticOffset
		if start < 0 || int(start)+len(mod.Image.TLS.InitImage) > len(block) {
			continue // defensive: a corrupt static layout must not panic a new thread's creation
		}
		copy(block[start:], mod.Image.TLS.InitImage)
	}

	return &ThreadState{
		staticBlock: block,
		dtv:         make([]dtvEntry, maxID+1),
	}
}

// GetAddr implements spec §4.5's get_addr: for a static module, the
// thread-pointer-relative address; for a dynamic one, the calling
// thread's dtv cell, allocating/refreshing it first if missing or
// stale.
func (m *Manager) GetAddr(ts *ThreadState, moduleID int, offset int64) (uintptr, error) {
	mod, ok := m.moduleByID(moduleID)
	if !ok {
		return 0, errs.New(errs.NotFound, "GetAddr", "", errUnknownModule(moduleID))
	}

	if mod.Static {
		ts.mu.Lock()
		defer ts.mu.Unlock()
		staticSize := int64(len(ts.staticBlock))
		start := staticSize + mod.StaticOffset
		if start < 0 || start+offset < 0 || int(start+offset) >= len(ts.staticBlock) {
			return 0, errs.New(errs.Conflict, "GetAddr", "", errOffsetOOB)
		}
		return uintptr(tsBlockAddr(ts.staticBlock)) + uintptr(start+offset), nil
	}

	ts.mu.Lock()
	defer ts.mu.Unlock()
	if moduleID >= len(ts.dtv) {
		grown := make([]dtvEntry, moduleID+1)
		copy(grown, ts.dtv)
		ts.dtv = grown
	}
	cell := &ts.dtv[moduleID]
	currentGen := m.Generation()
	if cell.pointer == nil || cell.generation < currentGen {
		if err := m.initializeCell(cell, mod, currentGen); err != nil {
			return 0, err
		}
	}
	if offset < 0 || int(offset) >= len(cell.pointer) {
		return 0, errs.New(errs.Conflict, "GetAddr", "", errOffsetOOB)
	}
	return uintptr(tsBlockAddr(cell.pointer)) + uintptr(offset), nil
}

func (m *Manager) initializeCell(cell *dtvEntry, mod *Module, gen uint64) error {
	if mod.Image.TLS == nil {
		return errs.New(errs.BadFormat, "initializeCell", mod.Image.Path, errNoTLS)
	}
	block := make([]byte, mod.Image.TLS.BlockSize)
	copy(block, mod.Image.TLS.InitImage)
	cell.pointer = block
	cell.generation = gen
	return nil
}

// Deallocate frees every owned dynamic block and then the static block
// (spec §4.5 deallocate), called once at thread exit.
func (ts *ThreadState) Deallocate() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for i := range ts.dtv {
		ts.dtv[i] = dtvEntry{}
	}
	ts.staticBlock = nil
}

type errUnknownModule int

func (e errUnknownModule) Error() string { return "unknown TLS module" }

type errOffsetOOBType struct{}

func (errOffsetOOBType) Error() string { return "TLS offset out of bounds for this module's block" }

var errOffsetOOB = errOffsetOOBType{}
