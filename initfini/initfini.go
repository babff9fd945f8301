// Package initfini implements C6 (spec §4.6): dependency-ordered
// constructor/destructor sequencing.
package initfini

import (
	"fmt"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/image"
	"github.com/xyproto/luci/internal/asmcall"
)

// Sequencer derives an initializer order from the NEEDED graph (spec
// §4.6: "topological order derived from dependencies... ties broken by
// load order") and runs each image's PREINIT_ARRAY/INIT/INIT_ARRAY or,
// at unload, FINI_ARRAY/FINI.
type Sequencer struct {
	// MainExecutable identifies the one image PREINIT_ARRAY runs for
	// (spec §4.6 item 1: "main executable only").
	MainExecutable *image.Image
}

func New(mainExe *image.Image) *Sequencer {
	return &Sequencer{MainExecutable: mainExe}
}

// node is one entry in the dependency graph being ordered.
type node struct {
	img       *image.Image
	loadIndex int
	deps      []int // indices into the owning Order call's node slice

	// Tarjan bookkeeping.
	index, low int
	onStack    bool
	visited    bool
}

// Order topologically sorts images by their DT_NEEDED edges
// (dependencies before dependents), breaking ties by load order (spec
// §4.6). nameOf maps an image to the name other images' DT_NEEDED
// entries reference it by (typically its SOName, falling back to the
// base name of its Path).
//
// A dependency cycle collapses into one strongly-connected component
// (Tarjan); cycle members are then ordered purely by load order among
// themselves, matching the Design Note on cyclic graphs (spec §9): a
// cycle has no single correct order, so load order is the only
// deterministic tie-break available.
func Order(images []*image.Image, nameOf func(*image.Image) string) ([]*image.Image, error) {
	nodes := make([]*node, len(images))
	byName := make(map[string]int, len(images))
	for i, img := range images {
		nodes[i] = &node{img: img, loadIndex: i, index: -1}
		byName[nameOf(img)] = i
	}
	for i, img := range images {
		for _, dep := range img.Needed {
			if j, ok := byName[dep]; ok {
				nodes[i].deps = append(nodes[i].deps, j)
			}
		}
	}

	t := &tarjan{nodes: nodes}
	for _, n := range nodes {
		if n.index == -1 {
			t.strongConnect(n)
		}
	}

	// t.sccs is in reverse-finish order (Tarjan's natural output is
	// reverse topological order w.r.t. the edge direction used); since
	// our edges point dependency->dependent... no: deps[i] holds images
	// i depends ON, so an edge i->j means "i needs j". Tarjan emits SCCs
	// in an order where a component is emitted only after all
	// components it points TO have been emitted, i.e. dependencies
	// before dependents already -- exactly spec §4.6's required order.
	var ordered []*image.Image
	for _, scc := range t.sccs {
		// Break ties within a (possibly single-node) component by load
		// order.
		sortByLoadOrder(scc)
		for _, n := range scc {
			ordered = append(ordered, n.img)
		}
	}
	return ordered, nil
}

func sortByLoadOrder(scc []*node) {
	for i := 1; i < len(scc); i++ {
		for j := i; j > 0 && scc[j].loadIndex < scc[j-1].loadIndex; j-- {
			scc[j], scc[j-1] = scc[j-1], scc[j]
		}
	}
}

// tarjan computes strongly connected components of the dependency graph
// formed by node.deps, standard Tarjan's algorithm.
type tarjan struct {
	nodes   []*node
	stack   []*node
	counter int
	sccs    [][]*node
}

func (t *tarjan) strongConnect(v *node) {
	v.index = t.counter
	v.low = t.counter
	t.counter++
	t.stack = append(t.stack, v)
	v.onStack = true

	for _, wi := range v.deps {
		w := t.nodes[wi]
		if w.index == -1 {
			t.strongConnect(w)
			if w.low < v.low {
				v.low = w.low
			}
		} else if w.onStack {
			if w.index < v.low {
				v.low = w.index
			}
		}
	}

	if v.low == v.index {
		var scc []*node
		for {
			n := len(t.stack) - 1
			w := t.stack[n]
			t.stack = t.stack[:n]
			w.onStack = false
			scc = append(scc, w)
			if w == v {
				break
			}
		}
		t.sccs = append(t.sccs, scc)
	}
}

// RunInit executes img's constructors in the order mandated by spec
// §4.6 items 1-3. Caller must have already applied every relocation for
// img (initializer code and INIT_ARRAY entries may reference relocated
// globals).
func (s *Sequencer) RunInit(img *image.Image) error {
	if img.View == nil || img.View.Dyn == nil {
		return errs.New(errs.BadFormat, "RunInit", img.Path, fmt.Errorf("image has no dynamic section"))
	}

	if img == s.MainExecutable {
		if err := s.runArray(img, elfview.DT_PREINIT_ARRAY, elfview.DT_PREINIT_ARRAYSZ); err != nil {
			return err
		}
	}

	if addr, ok := img.View.Dyn.Get(elfview.DT_INIT); ok && addr != 0 {
		callFatal(img.Base + addr)
	}

	return s.runArray(img, elfview.DT_INIT_ARRAY, elfview.DT_INIT_ARRAYSZ)
}

// RunFini executes img's destructors in reverse order at unload (spec
// §4.6: "FINI_ARRAY reversed, then DT_FINI"). For images retiring under
// DSU this runs the same way; the resolver table for the Identity stays
// intact until the image is fully unreferenced (identity.Retire's
// concern, not this function's).
func (s *Sequencer) RunFini(img *image.Image) error {
	if img.View == nil || img.View.Dyn == nil {
		return nil
	}
	entries, err := s.arrayEntries(img, elfview.DT_FINI_ARRAY, elfview.DT_FINI_ARRAYSZ)
	if err != nil {
		return err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		callFatal(entries[i])
	}
	if addr, ok := img.View.Dyn.Get(elfview.DT_FINI); ok && addr != 0 {
		callFatal(img.Base + addr)
	}
	return nil
}

func (s *Sequencer) runArray(img *image.Image, tagAddr, tagSize int64) error {
	entries, err := s.arrayEntries(img, tagAddr, tagSize)
	if err != nil {
		return err
	}
	for _, addr := range entries {
		callFatal(addr)
	}
	return nil
}

// arrayEntries reads an *_ARRAY's function pointers directly out of the
// live mapped memory: by the time init/fini run, RELATIVE relocations
// against the array's own slots have already turned each entry into an
// absolute runtime address (spec §4.4), so no base addition is needed
// here -- only DT_INIT/DT_FINI's own tag values are raw vaddrs.
func (s *Sequencer) arrayEntries(img *image.Image, tagAddr, tagSize int64) ([]uint64, error) {
	addrTag, ok := img.View.Dyn.Get(tagAddr)
	if !ok {
		return nil, nil
	}
	szTag, ok := img.View.Dyn.Get(tagSize)
	if !ok {
		return nil, nil
	}
	n := szTag / 8
	out := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		v, err := readSlot(img, addrTag+i*8)
		if err != nil {
			return nil, errs.New(errs.BadFormat, "arrayEntries", img.Path, err)
		}
		out = append(out, v)
	}
	return out, nil
}

func readSlot(img *image.Image, vaddr uint64) (uint64, error) {
	addr := img.Base + vaddr
	for _, seg := range img.Segments {
		segStart := img.Base + (seg.Vaddr &^ 0xfff)
		segEnd := segStart + uint64(len(seg.Data))
		if addr >= segStart && addr+8 <= segEnd {
			rel := addr - segStart
			var v uint64
			for i := 0; i < 8; i++ {
				v |= uint64(seg.Data[rel+uint64(i)]) << (8 * i)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("vaddr 0x%x not within any mapped segment", vaddr)
}

// callFatal invokes a constructor/destructor. Per spec §4.6's closing
// paragraph, a failing initializer (fatal signal, abort) is fatal to the
// whole process by contract -- there is no safe partial-init rollback,
// so this deliberately does not recover a panic or trap a SIGSEGV from
// the called code; the asmcall trampoline runs the function in-process
// with no isolation, and a crash there is expected to bring this
// process down exactly as it would for the same function called by any
// native dynamic linker.
func callFatal(addr uint64) {
	asmcall.Call0(uintptr(addr))
}
