// Package resolver implements C3 (spec §4.3): scope-aware, versioned,
// weak-aware symbol lookup across the multi-version identity chain.
package resolver

import (
	"sync"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
	"github.com/xyproto/luci/internal/asmcall"
	"github.com/xyproto/luci/scope"
)

// Flags mirror spec §4.3's lookup input flags.
type Flags uint8

const (
	WeakOK Flags = 1 << iota
	FirstGlobalOnly
	Deep
	SelfOnly
)

// Resolver resolves symbol references against the process-wide identity
// chain, honoring the scope, version, and binding-precedence rules of
// spec §4.3.
type Resolver struct {
	uniqueMu sync.Mutex
	// unique implements the STB_GNU_UNIQUE singleton table (spec §4.3
	// item 4): once a unique symbol `name` has been bound to a
	// definition, every subsequent lookup for `name` (regardless of
	// which image defines it) returns that same definition.
	unique map[string]scope.Resolution
}

func New() *Resolver {
	return &Resolver{unique: make(map[string]scope.Resolution)}
}

// Lookup resolves (requester, name, version, flags) per spec §4.3.
// requesterScope is the Scope to search when flags doesn't include
// Deep; SELF_ONLY probes only requesterImage's own defined symbols,
// while DEEP starts with requesterImage's own image and then falls
// through to requesterScope (spec §4.3 step 1: "if DEEP, start with
// requester's own image; otherwise the requester's associated Scope").
func (r *Resolver) Lookup(requesterImage *image.Image, requesterScope *scope.Scope, name, version string, flags Flags) (scope.Resolution, error) {
	selfEntry := scope.Entry{Mode: scope.Global}
	var entries []scope.Entry
	switch {
	case flags&SelfOnly != 0:
		entries = []scope.Entry{selfEntry}
	case flags&Deep != 0:
		entries = append([]scope.Entry{selfEntry}, requesterScope.Entries()...)
	default:
		entries = requesterScope.Entries()
	}
	if flags&FirstGlobalOnly != 0 {
		entries = firstGlobalOnly(entries)
	}

	var weakCandidate *scope.Resolution
	for _, entry := range entries {
		var img *image.Image
		var id *identity.Identity
		if entry.Identity != nil {
			id = entry.Identity
			img = id.Current()
		} else {
			img = requesterImage
		}
		if img == nil {
			continue
		}

		idx, sym, ok := probe(img, name, version, requesterVersioned(requesterImage, name))
		if !ok {
			continue
		}

		res := scope.Resolution{Identity: id, Image: img, SymIndex: idx, Value: img.Base + sym.Value}

		if sym.Type() == elfview.STT_TLS {
			res.IsTLS = true
			if img.TLS != nil {
				res.TLSModule = img.TLS.ModuleID
			}
			res.TLSOffset = int64(sym.Value)
		}

		if sym.Bind() == elfview.STB_GNU_UNIQUE {
			if existing, seen := r.uniqueWinner(name, res); seen {
				return existing, nil
			}
		}

		if sym.Type() == elfview.STT_GNU_IFUNC {
			resolved, err := r.resolveIFunc(img, idx, sym)
			if err != nil {
				return scope.Resolution{}, err
			}
			res.Value = resolved
		}

		if sym.Bind() == elfview.STB_WEAK {
			// A weak definition is only returned if no strong
			// definition is found anywhere in scope (spec §4.3
			// item 4); remember the first one and keep looking.
			if weakCandidate == nil {
				c := res
				weakCandidate = &c
			}
			continue
		}

		// Strong definition: binding precedence says the first
		// (highest-precedence scope entry) strong definition wins
		// outright (spec §4.3 item 4).
		return res, nil
	}

	if weakCandidate != nil {
		return *weakCandidate, nil
	}
	if flags&WeakOK != 0 {
		// Unresolved weak reference: address-taking is defined as
		// value 0 (spec §4.3's closing note); calling it is the
		// caller's problem, not ours.
		return scope.Resolution{}, nil
	}
	return scope.Resolution{}, errs.New(errs.NotFound, "Lookup", name, errNotFound(name))
}

// firstGlobalOnly trims entries to the first GLOBAL-mode one, leaving
// entries untouched if none of them are GLOBAL (FIRST_GLOBAL_ONLY
// narrows the scope list to that single entry rather than changing
// what happens once it's found).
func firstGlobalOnly(entries []scope.Entry) []scope.Entry {
	for _, e := range entries {
		if e.Mode == scope.Global {
			return []scope.Entry{e}
		}
	}
	return entries
}

// requesterVersioned reports whether the requester image itself carries
// any version information (a DT_VERSYM table; `name` is not consulted),
// used by the "any unversioned symbol
// only if the requester itself is unversioned" rule (spec §4.3 item 3c).
func requesterVersioned(requesterImage *image.Image, name string) bool {
	if requesterImage == nil || requesterImage.View == nil || requesterImage.View.Versym == nil {
		return false
	}
	return true
}

// probe looks up name (optionally versioned) in img's current symbol
// table, GNU-hash first, SysV-hash fallback (spec §4.3 step 2), applying
// the version matching order of step 3.
func probe(img *image.Image, name, version string, requesterIsVersioned bool) (int, elfview.Sym64, bool) {
	v := img.View
	if v == nil {
		return 0, elfview.Sym64{}, false
	}

	idx, ok := 0, false
	if v.GNUHash != nil {
		idx, ok = v.GNUHash.Lookup(name, v.Data, v.Symtab, v)
	}
	if !ok && v.SysVHash != nil {
		idx, ok = v.SysVHash.Lookup(name, v.Symtab, v)
	}
	if !ok {
		return 0, elfview.Sym64{}, false
	}
	sym := v.Symtab[idx]
	if sym.Shndx == elfview.SHN_UNDEF {
		return 0, elfview.Sym64{}, false
	}

	if version != "" {
		// (a) exact versioned match, else (b) the default version.
		if !symbolHasVersion(v, idx, version) && !symbolIsDefaultVersion(v, idx) {
			return 0, elfview.Sym64{}, false
		}
	} else if !symbolIsDefaultVersion(v, idx) {
		// (c) a non-default (explicitly versioned) symbol binds to an
		// unversioned reference only if the requester itself carries
		// no version information at all.
		if requesterIsVersioned {
			return 0, elfview.Sym64{}, false
		}
	}
	return idx, sym, true
}

func symbolHasVersion(v *elfview.View, idx int, version string) bool {
	if v.Versym == nil || idx >= len(v.Versym) {
		return false
	}
	ndx := v.Versym[idx] &^ elfview.VERSYM_HIDDEN
	for _, vd := range v.Verdefs {
		if vd.Ndx == ndx && len(vd.Names) > 0 && vd.Names[0] == version {
			return true
		}
	}
	return false
}

func symbolIsDefaultVersion(v *elfview.View, idx int) bool {
	if v.Versym == nil || idx >= len(v.Versym) {
		return true // no version info at all: treat as default/unversioned
	}
	vs := v.Versym[idx]
	return vs&elfview.VERSYM_HIDDEN == 0
}

func (r *Resolver) uniqueWinner(name string, candidate scope.Resolution) (scope.Resolution, bool) {
	r.uniqueMu.Lock()
	defer r.uniqueMu.Unlock()
	if existing, ok := r.unique[name]; ok {
		return existing, true
	}
	r.unique[name] = candidate
	return scope.Resolution{}, false
}

// resolveIFunc invokes the IRELATIVE/IFUNC resolver at sym's address
// exactly once, caching the result per spec §4.3 item 5. Lookup calls
// it on every STT_GNU_IFUNC hit, including lookups made while another
// image is being relocated; nothing checks whether the defining image's
// own relocations have been applied yet.
func (r *Resolver) resolveIFunc(img *image.Image, idx int, sym elfview.Sym64) (uint64, error) {
	if v, ok := img.IFuncCache.Load(idx); ok {
		return v.(uint64), nil
	}
	resolverAddr := img.Base + sym.Value
	result := asmcall.Call0(uintptr(resolverAddr))
	resolved := uint64(result)
	img.IFuncCache.Store(idx, resolved)
	return resolved, nil
}

type errNotFound string

func (e errNotFound) Error() string { return "symbol not found: " + string(e) }
