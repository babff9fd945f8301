// Package image implements C1 (spec §4.1, §3): one loaded version of one
// shared object — mmap layout, parsed ELF views, symbol index.
package image

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/logsink"
)

// State is the Image lifecycle (spec §3): monotone except for the
// READY -> RETIRING transition at retirement.
type State int32

const (
	Unloaded State = iota
	Mapped
	Relocating
	Initializing
	Ready
	Retiring
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "UNLOADED"
	case Mapped:
		return "MAPPED"
	case Relocating:
		return "RELOCATING"
	case Initializing:
		return "INITIALIZING"
	case Ready:
		return "READY"
	case Retiring:
		return "RETIRING"
	default:
		return "UNKNOWN"
	}
}

// Segment is one loaded PT_LOAD mapping (spec §3).
type Segment struct {
	Offset uint64
	Vaddr  uint64
	Filesz uint64
	Memsz  uint64
	Prot   int // unix.PROT_* bits, as currently mapped
	Flags  uint32
	Data   []byte // the live mapping, len == aligned memsz
}

// TLSInfo captures PT_TLS parameters (spec §3).
type TLSInfo struct {
	InitImage     []byte // pristine .tdata bytes (file-backed, read-only)
	InitSize      uint64
	BlockSize     uint64
	Align         uint64
	ModuleID      int
	StaticOffset  int64 // valid iff Static
	Static        bool
}

// Image is one concrete mapped version of one shared object (spec §3).
type Image struct {
	Path string
	Base uint64

	Segments []Segment
	View     *elfview.View
	TLS      *TLSInfo
	Needed   []string
	SOName   string
	RunPath  []string
	RPath    []string

	RelroStart, RelroEnd uint64 // 0,0 if no PT_GNU_RELRO
	RelroApplied         bool

	FD int // anonymous memfd backing this image if staged in-memory; else -1

	state atomic.Int32
	mu    sync.Mutex // guards state transitions and RELRO toggling

	// IFUnc resolution cache: symtab index -> resolved address. Shared
	// per-image because IFUNC resolvers reached through symbol lookup are
	// invoked once and cached (spec §4.3 item 5). IRELATIVE resolvers run
	// by reloc.Engine.ApplyIRelative do not go through this cache.
	IFuncCache sync.Map // map[int]uint64

	// Generation backs invalidation of the (requester,name,version)
	// resolution cache described in spec §3 "Symbol reference"
	// (scope.Cache): identity.Attach bumps it on every version of the
	// chain, and scope.Cache treats an entry recorded under an older
	// value as stale (spec §3: "cache is invalidated when the callee's
	// chain adds a version").
	Generation uint64
}

func (img *Image) State() State       { return State(img.state.Load()) }
func (img *Image) setState(s State)   { img.state.Store(int32(s)) }

// Load maps path into memory and parses its ELF views, per spec §4.1.
// It does not run initializers (that is initfini's job) and does not
// attach the image into any Identity chain (that is identity's job).
func Load(path string, opener func(string) (*os.File, error), log logsink.Sink) (*Image, error) {
	if opener == nil {
		opener = os.Open
	}
	f, err := opener(path)
	if err != nil {
		return nil, errs.New(errs.ResourceExhausted, "Load", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, errs.New(errs.ResourceExhausted, "Load", path, err)
	}
	size := info.Size()
	if size == 0 {
		return nil, errs.New(errs.BadFormat, "Load", path, fmt.Errorf("empty file"))
	}

	// Read the whole file up front to drive ELF parsing; the real
	// executable+writable mappings are established separately below via
	// mapSegments so that protections match each PT_LOAD exactly. This
	// mirrors the teacher's own two-phase approach in
	// WriteCompleteDynamicELF: lay out structure first (from an
	// in-memory buffer), map/commit second.
	raw := make([]byte, size)
	if _, err := f.ReadAt(raw, 0); err != nil {
		return nil, errs.New(errs.ResourceExhausted, "Load", path, err)
	}

	view, err := elfview.Parse(raw)
	if err != nil {
		return nil, err
	}
	if err := view.PopulateTables(); err != nil {
		return nil, err
	}

	img := &Image{Path: path, View: view, FD: -1}

	for _, v := range view.Dyn.GetAll(elfview.DT_NEEDED) {
		img.Needed = append(img.Needed, view.StrtabAt(v))
	}
	if soOff, ok := view.Dyn.Get(elfview.DT_SONAME); ok {
		img.SOName = view.StrtabAt(soOff)
	}
	if rp, ok := view.Dyn.Get(elfview.DT_RPATH); ok {
		img.RPath = splitColonPath(view.StrtabAt(rp))
	}
	if rp, ok := view.Dyn.Get(elfview.DT_RUNPATH); ok {
		img.RunPath = splitColonPath(view.StrtabAt(rp))
	}

	base, err := chooseBase(view)
	if err != nil {
		return nil, err
	}
	img.Base = base

	if err := img.mapSegments(f, view, raw); err != nil {
		return nil, err
	}
	img.parseTLS(view)
	img.findRelro(view)

	img.setState(Mapped)
	log.Log(logsink.DEBUG, "loaded image %s at base=0x%x state=%s", path, img.Base, img.State())
	return img, nil
}

// chooseBase picks the load bias: 0 for ET_EXEC, and the fixed,
// non-randomized bias 0x555500000000 for every ET_DYN image. No caller
// passes a different bias.
func chooseBase(view *elfview.View) (uint64, error) {
	if view.Ehdr.Type == elfview.ET_EXEC {
		return 0, nil
	}
	return 0x555500000000, nil
}
