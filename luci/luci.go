// Package luci implements C9 (spec §4.9): the public dynamic-open API
// binding together the identity chain, resolver, relocation engine, and
// init/fini sequencer into open/close/sym/info/addr/iterate_phdr.
package luci

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
	"github.com/xyproto/luci/initfini"
	"github.com/xyproto/luci/logsink"
	"github.com/xyproto/luci/reloc"
	"github.com/xyproto/luci/resolver"
	"github.com/xyproto/luci/scope"
	"github.com/xyproto/luci/tls"
)

// Flags are spec §4.9's open() flag bits, named after the conventional
// RTLD_* constants they mirror (original_source/test/1-dlopen-flags/
// pins down the exact set a complete implementation needs).
type Flags uint32

const (
	RTLD_LAZY     Flags = 1 << 0
	RTLD_NOW      Flags = 1 << 1
	RTLD_GLOBAL   Flags = 1 << 2
	RTLD_LOCAL    Flags = 1 << 3
	RTLD_NOLOAD   Flags = 1 << 4
	RTLD_NODELETE Flags = 1 << 5
	RTLD_DEEPBIND Flags = 1 << 6
)

// InfoRequest selects what Info returns (spec §4.9 info(), and
// original_source/test/1-dlinfo/main.c's request shapes).
type InfoRequest int

const (
	InfoLinkMap InfoRequest = iota
	InfoScope
	InfoSearchPath
	InfoTLSModuleID
)

// NamespaceID selects an isolated load set (spec §4.9's ns parameter).
type NamespaceID int

const (
	// NamespaceDefault is the base executable's namespace.
	NamespaceDefault NamespaceID = 0
	// NamespaceNew requests a freshly allocated namespace, up to the
	// configured ceiling (Loader.NamespaceMax).
	NamespaceNew NamespaceID = -1
)

// Handle is an opaque reference to one open() call's result: a Scope
// bound to the Identity it resolved to (spec §3: "Each dynamically-
// opened handle owns its own Scope").
type Handle struct {
	Identity  *identity.Identity
	Scope     *scope.Scope
	Namespace NamespaceID
	Flags     Flags
	refs      int
}

// Loader is the process-wide root tying every C1-C8 collaborator
// together behind the public API (spec §4.9, §5's "process-wide loader
// lock"). mu only ever guards Chain-intern/namespace/scope bookkeeping;
// it is deliberately released before loadAndBringUp runs relocations or
// user initializers, so a constructor or IFUNC resolver that calls back
// into Open/Sym on the same goroutine does not self-deadlock (spec §5,
// §9: "reentrant acquisitions by the same thread are permitted"). This
// is a narrowed critical section rather than an owner-tracked reentrant
// mutex -- Go has no goroutine-local lock-ownership primitive to build
// one idiomatically, and narrowing the section makes the contract true
// without needing one (see DESIGN.md's Open Question #4).
type Loader struct {
	mu sync.Mutex

	Chain     *identity.Chain
	Resolver  *resolver.Resolver
	Reloc     *reloc.Engine
	Seq       *initfini.Sequencer
	TLS       *tls.Manager
	Log       logsink.Sink
	SearchDir []string

	NamespaceMax int
	namespaces   map[NamespaceID]*namespace

	defaultScope *scope.Scope
	nextNS       NamespaceID

	// bootstrapping is true for every Open call until FinishBootstrap is
	// called; images loaded while true are registered as static TLS
	// modules (spec §4.5: "the executable plus any image present at
	// process start"), everything after as dynamic modules.
	bootstrapping bool
}

type namespace struct {
	scope   *scope.Scope
	handles []*Handle
}

// Config supplies the collaborators a Loader is built from.
type Config struct {
	Chain        *identity.Chain
	Resolver     *resolver.Resolver
	Reloc        *reloc.Engine
	Seq          *initfini.Sequencer
	TLS          *tls.Manager
	Log          logsink.Sink
	SearchDir    []string
	NamespaceMax int
}

func NewLoader(cfg Config) *Loader {
	log := cfg.Log
	if log == nil {
		log = logsink.Discard
	}
	nsMax := cfg.NamespaceMax
	if nsMax <= 0 {
		nsMax = 16
	}
	tlsMgr := cfg.TLS
	if tlsMgr == nil {
		tlsMgr = tls.NewManager()
	}
	l := &Loader{
		Chain:         cfg.Chain,
		Resolver:      cfg.Resolver,
		Reloc:         cfg.Reloc,
		Seq:           cfg.Seq,
		TLS:           tlsMgr,
		Log:           log,
		SearchDir:     cfg.SearchDir,
		NamespaceMax:  nsMax,
		namespaces:    make(map[NamespaceID]*namespace),
		defaultScope:  scope.New(),
		bootstrapping: true,
	}
	l.namespaces[NamespaceDefault] = &namespace{scope: l.defaultScope}
	return l
}

// FinishBootstrap ends the bootstrap phase: every image Open loads
// afterward is registered as a dynamic TLS module (spec §4.5) rather
// than a static one. Call this once the main executable and its
// process-start NEEDED set have all been loaded.
func (l *Loader) FinishBootstrap() {
	l.mu.Lock()
	l.bootstrapping = false
	l.mu.Unlock()
}

// RelocResolver exposes the Loader's symbol/TLS/COPY resolution logic
// as a reloc.Resolver bound to the default scope, for collaborators
// outside this package that need to re-run relocations against the
// same live process image (dsu.Controller's dependent re-relocation,
// spec §4.4's re-relocation protocol).
func (l *Loader) RelocResolver() reloc.Resolver {
	return &resolverAdapter{loader: l}
}

// Open implements spec §4.9's open(): load-or-return, bound to ns (or a
// freshly allocated namespace when ns == NamespaceNew).
func (l *Loader) Open(path string, flags Flags, ns NamespaceID) (*Handle, error) {
	l.mu.Lock()

	resolvedPath, err := l.locate(path)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}

	targetNS := ns
	if ns == NamespaceNew {
		if len(l.namespaces)-1 >= l.NamespaceMax {
			l.mu.Unlock()
			return nil, errs.New(errs.ResourceExhausted, "Open", path, fmt.Errorf("namespace ceiling %d reached", l.NamespaceMax))
		}
		l.nextNS--
		targetNS = l.nextNS
		l.namespaces[targetNS] = &namespace{scope: scope.New()}
	}
	nsEntry, ok := l.namespaces[targetNS]
	if !ok {
		l.mu.Unlock()
		return nil, errs.New(errs.NotFound, "Open", path, fmt.Errorf("unknown namespace %d", targetNS))
	}

	id, err := l.Chain.Intern(resolvedPath)
	if err != nil {
		l.mu.Unlock()
		return nil, err
	}
	needsBringUp := id.Current() == nil
	if needsBringUp && flags&RTLD_NOLOAD != 0 {
		l.mu.Unlock()
		return nil, errs.New(errs.NotFound, "Open", path, fmt.Errorf("RTLD_NOLOAD: not already loaded"))
	}

	// Released here, before any relocation or user initializer runs:
	// loadAndBringUp may call back into Open/Sym on this same goroutine
	// (an IFUNC resolver or constructor that dlopen()s or dlsym()s), and
	// that reentrant call must not deadlock against this one (spec §5,
	// §9).
	l.mu.Unlock()

	if needsBringUp {
		if err := l.loadAndBringUp(id, resolvedPath, flags); err != nil {
			return nil, err
		}
	}
	id.AddRef()

	l.mu.Lock()
	defer l.mu.Unlock()
	h := &Handle{Identity: id, Scope: nsEntry.scope, Namespace: targetNS, Flags: flags, refs: 1}
	if flags&RTLD_GLOBAL != 0 {
		nsEntry.scope.Append(scope.Entry{Identity: id, Mode: scope.Global})
	} else {
		nsEntry.scope.Append(scope.Entry{Identity: id, Mode: scope.Local})
	}
	nsEntry.handles = append(nsEntry.handles, h)
	return h, nil
}

func (l *Loader) locate(path string) (string, error) {
	if filepath.IsAbs(path) {
		return path, nil
	}
	for _, dir := range l.SearchDir {
		candidate := filepath.Join(dir, path)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	if _, err := os.Stat(path); err == nil {
		return path, nil
	}
	return "", errs.New(errs.NotFound, "locate", path, fmt.Errorf("not found in search path"))
}

// loadAndBringUp runs C1 (load), C4 (eager relocations, IRELATIVE),
// C6 (init), and attaches into C2, mirroring spec §2's data-flow list
// for a fresh open rather than a DSU update.
func (l *Loader) loadAndBringUp(id *identity.Identity, path string, flags Flags) error {
	img, err := image.Load(path, nil, l.Log)
	if err != nil {
		return err
	}
	id.Attach(img)

	if img.TLS != nil && l.TLS != nil {
		l.mu.Lock()
		bootstrapping := l.bootstrapping
		l.mu.Unlock()
		var regErr error
		if bootstrapping {
			_, regErr = l.TLS.RegisterStatic(img)
		} else {
			_, regErr = l.TLS.RegisterDynamic(img)
		}
		if regErr != nil {
			return regErr
		}
	}

	if l.Reloc != nil {
		adapter := &resolverAdapter{loader: l}
		if err := l.Reloc.ApplyEager(img, adapter); err != nil {
			return err
		}
		if err := l.Reloc.ApplyPLT(img, adapter); err != nil {
			return err
		}
		if err := l.Reloc.ApplyIRelative(img); err != nil {
			return err
		}
	}
	if err := img.ApplyRelro(); err != nil {
		return err
	}
	if l.Seq != nil {
		if err := l.Seq.RunInit(img); err != nil {
			return err
		}
	}
	return nil
}

// Close implements spec §4.9's close(): decrements the handle count; at
// zero, drops the handle's scope entries and lets Identity retirement
// (dsu.Controller.PollRetirement) take the Identity from there.
func (l *Loader) Close(h *Handle) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return nil
	}
	nsEntry, ok := l.namespaces[h.Namespace]
	if !ok {
		return nil
	}
	nsEntry.scope.Remove(h.Identity)
	for i, hh := range nsEntry.handles {
		if hh == h {
			nsEntry.handles = append(nsEntry.handles[:i], nsEntry.handles[i+1:]...)
			break
		}
	}
	h.Identity.Release()
	return nil
}

// Sym implements spec §4.9's sym(): resolves via C3 scoped to handle.
func (l *Loader) Sym(h *Handle, name string) (uintptr, error) {
	return l.VSym(h, name, "")
}

// VSym implements spec §4.9's vsym(): version-qualified lookup.
func (l *Loader) VSym(h *Handle, name, version string) (uintptr, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	requesterImg := h.Identity.Current()
	flags := resolver.Flags(0)
	if h.Flags&RTLD_DEEPBIND != 0 {
		flags |= resolver.Deep
	}
	res, err := l.Resolver.Lookup(requesterImg, h.Scope, name, version, flags|resolver.WeakOK)
	if err != nil {
		return 0, err
	}
	return uintptr(res.Value), nil
}

// Info implements spec §4.9's info().
func (l *Loader) Info(h *Handle, req InfoRequest) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch req {
	case InfoLinkMap:
		return h.Identity.LinkMap, nil
	case InfoScope:
		return h.Scope.Entries(), nil
	case InfoSearchPath:
		return l.SearchDir, nil
	case InfoTLSModuleID:
		if cur := h.Identity.Current(); cur != nil && cur.TLS != nil {
			return cur.TLS.ModuleID, nil
		}
		return -1, nil
	default:
		return nil, errs.New(errs.NotFound, "Info", "", fmt.Errorf("unknown info request %d", req))
	}
}

// AddrInfo is what Addr returns: the owning Identity and the defined,
// non-TLS dynamic symbol with the greatest address at or below the
// queried address. The symbol's size and binding are not checked, so
// the address can lie past the symbol's end.
type AddrInfo struct {
	Identity   *identity.Identity
	SymbolName string
	SymbolAddr uintptr
}

// Addr implements spec §4.9's addr(): finds the Identity whose current
// image maps addr and the nearest symbol at or below addr (see
// AddrInfo), across a single snapshot of the chain (spec §4.9's closing
// sentence).
func (l *Loader) Addr(addr uintptr) (*AddrInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, id := range l.Chain.All() {
		img := id.Current()
		if img == nil {
			continue
		}
		for _, seg := range img.Segments {
			start := img.Base + seg.Vaddr
			end := start + uint64(len(seg.Data))
			if uint64(addr) >= start && uint64(addr) < end {
				name, symAddr := nearestSymbol(img, uint64(addr))
				return &AddrInfo{Identity: id, SymbolName: name, SymbolAddr: uintptr(symAddr)}, nil
			}
		}
	}
	return nil, errs.New(errs.NotFound, "Addr", "", fmt.Errorf("address 0x%x is not within any loaded image", addr))
}

func nearestSymbol(img *image.Image, addr uint64) (string, uint64) {
	if img.View == nil {
		return "", 0
	}
	var bestName string
	var bestAddr uint64
	for _, sym := range img.View.Symtab {
		if sym.Shndx == elfview.SHN_UNDEF || sym.Type() == elfview.STT_TLS {
			continue
		}
		val := img.Base + sym.Value
		if val <= addr && val > bestAddr {
			bestAddr = val
			bestName = img.View.Name(sym)
		}
	}
	return bestName, bestAddr
}

// IteratePHDR implements spec §4.9's iterate_phdr(): invokes callback
// per current image with its program headers, stopping early if
// callback returns false.
func (l *Loader) IteratePHDR(callback func(path string, base uint64, phdrs []elfview.Phdr64) bool) {
	l.mu.Lock()
	snapshot := l.Chain.All()
	l.mu.Unlock()

	for _, id := range snapshot {
		img := id.Current()
		if img == nil || img.View == nil {
			continue
		}
		if !callback(id.Path, img.Base, img.View.Phdrs) {
			return
		}
	}
}

// resolverAdapter bridges reloc.Resolver to resolver.Resolver, bound to
// a lookup in the Loader's default-namespace scope. It carries no
// per-image state: every method takes the image it's relocating as an
// explicit argument, so one adapter serves every image the Loader
// knows about (including dsu.Controller's dependent re-relocation pass,
// via RelocResolver).
type resolverAdapter struct {
	loader *Loader
}

func (a *resolverAdapter) Value(img *image.Image, symIdx int) (uint64, error) {
	if img.View == nil || symIdx >= len(img.View.Symtab) {
		return 0, errs.New(errs.BadFormat, "Value", img.Path, fmt.Errorf("symtab index %d out of range", symIdx))
	}
	sym := img.View.Symtab[symIdx]
	name := img.View.Name(sym)
	res, err := a.loader.Resolver.Lookup(img, a.loader.defaultScope, name, "", resolver.WeakOK)
	if err != nil {
		return 0, err
	}
	return res.Value, nil
}

// TLSInfo resolves symIdx to its defining module and module-relative
// offset by running the same scoped lookup Value uses, rather than
// assuming img itself is the defining module -- a dependent image
// referencing another module's TLS variable (DTPMOD64/DTPOFF64) must
// resolve to that module's id, not its own (spec §4.4's DTPMOD64/
// DTPOFF64 rows).
func (a *resolverAdapter) TLSInfo(img *image.Image, symIdx int) (int, int64, error) {
	if img.View == nil || symIdx >= len(img.View.Symtab) {
		return 0, 0, errs.New(errs.BadFormat, "TLSInfo", img.Path, fmt.Errorf("symtab index %d out of range", symIdx))
	}
	sym := img.View.Symtab[symIdx]
	name := img.View.Name(sym)
	res, err := a.loader.Resolver.Lookup(img, a.loader.defaultScope, name, "", resolver.WeakOK)
	if err != nil {
		return 0, 0, err
	}
	if !res.IsTLS {
		return 0, 0, errs.New(errs.Conflict, "TLSInfo", img.Path, fmt.Errorf("symbol %s is not a TLS symbol", name))
	}
	return res.TLSModule, res.TLSOffset, nil
}

func (a *resolverAdapter) StaticTLSOffset(moduleID int) (int64, bool) {
	if a.loader.TLS == nil {
		return 0, false
	}
	return a.loader.TLS.StaticOffset(moduleID)
}

// CopySource resolves symIdx's defining image via the same scoped
// lookup and returns a copy of its live bytes, sized by the defining
// symbol's own Size field (spec §4.4's COPY row: "memcpy from the
// defining image's data").
func (a *resolverAdapter) CopySource(img *image.Image, symIdx int) ([]byte, error) {
	if img.View == nil || symIdx >= len(img.View.Symtab) {
		return nil, errs.New(errs.BadFormat, "CopySource", img.Path, fmt.Errorf("symtab index %d out of range", symIdx))
	}
	sym := img.View.Symtab[symIdx]
	name := img.View.Name(sym)
	res, err := a.loader.Resolver.Lookup(img, a.loader.defaultScope, name, "", resolver.WeakOK)
	if err != nil {
		return nil, err
	}
	if res.Image == nil || res.Image.View == nil || res.SymIndex >= len(res.Image.View.Symtab) {
		return nil, errs.New(errs.NotFound, "CopySource", img.Path, fmt.Errorf("COPY source %q has no defining image", name))
	}
	srcSym := res.Image.View.Symtab[res.SymIndex]
	return readLive(res.Image, res.Image.Base+srcSym.Value, srcSym.Size)
}

func readLive(img *image.Image, addr, size uint64) ([]byte, error) {
	for _, seg := range img.Segments {
		segStart := img.Base + pageAlignDown(seg.Vaddr)
		segEnd := segStart + uint64(len(seg.Data))
		if addr >= segStart && addr+size <= segEnd {
			rel := addr - segStart
			out := make([]byte, size)
			copy(out, seg.Data[rel:rel+size])
			return out, nil
		}
	}
	return nil, fmt.Errorf("address 0x%x (size %d) not within any mapped segment of %s", addr, size, img.Path)
}

func pageAlignDown(x uint64) uint64 { return x &^ 0xfff }
