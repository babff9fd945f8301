// Package scope holds the C3 data model (spec §3): Scope, the resolved
// symbol reference tuple, and its invalidation-aware cache.
package scope

import (
	"sync"

	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
)

// Mode is the visibility of one Scope entry (spec §3).
type Mode int

const (
	Global Mode = iota
	Local
	Deep
)

// Entry is one (Identity, Mode) pair in a Scope.
type Entry struct {
	Identity *identity.Identity
	Mode     Mode
}

// Scope is an ordered list of Identity references used to resolve a
// symbol reference (spec §3, GLOSSARY). Each dynamically-opened handle
// owns its own Scope; the base executable owns the global scope.
type Scope struct {
	mu      sync.RWMutex
	entries []Entry
}

// New builds a Scope from an ordered list of entries.
func New(entries ...Entry) *Scope {
	s := &Scope{}
	s.entries = append(s.entries, entries...)
	return s
}

// Entries returns a snapshot of the scope's entries, in search order.
func (s *Scope) Entries() []Entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Entry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Prepend adds an entry at the front (highest precedence), used when a
// namespace's global scope must be searched ahead of a handle's own
// local additions.
func (s *Scope) Prepend(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append([]Entry{e}, s.entries...)
}

// Append adds an entry at the back (lowest precedence).
func (s *Scope) Append(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, e)
}

// Remove drops every entry referencing id (spec C9 close()).
func (s *Scope) Remove(id *identity.Identity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.entries[:0]
	for _, e := range s.entries {
		if e.Identity != id {
			out = append(out, e)
		}
	}
	s.entries = out
}

// Resolution is a resolved symbol reference (spec §3).
type Resolution struct {
	Identity   *identity.Identity
	Image      *image.Image
	SymIndex   int
	Value      uint64
	IsTLS      bool
	TLSModule  int
	TLSOffset  int64
}

// refKey identifies a cached resolution: the requesting image, the
// original symbol name, and the version string requested (spec §3).
type refKey struct {
	requester *image.Image
	name      string
	version   string
}

// Cache is the per-(requesting image, symbol name, version) resolution
// cache described in spec §3, invalidated whenever the callee's chain
// adds a version. Invalidation is generation-based: a cached entry
// records the callee Identity's generation at cache time, via the
// callee image's Generation counter (bumped by identity.Attach), and is
// treated as stale if that counter has since advanced.
type Cache struct {
	mu    sync.Mutex
	table map[refKey]cachedEntry
}

type cachedEntry struct {
	res        Resolution
	generation uint64
}

func NewCache() *Cache { return &Cache{table: make(map[refKey]cachedEntry)} }

func (c *Cache) Get(requester *image.Image, name, version string) (Resolution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.table[refKey{requester, name, version}]
	if !ok {
		return Resolution{}, false
	}
	if e.res.Image != nil && e.res.Image.Generation != e.generation {
		delete(c.table, refKey{requester, name, version})
		return Resolution{}, false
	}
	return e.res, true
}

func (c *Cache) Put(requester *image.Image, name, version string, res Resolution) {
	c.mu.Lock()
	defer c.mu.Unlock()
	gen := uint64(0)
	if res.Image != nil {
		gen = res.Image.Generation
	}
	c.table[refKey{requester, name, version}] = cachedEntry{res: res, generation: gen}
}

// InvalidateAll drops every cached entry.
func (c *Cache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.table = make(map[refKey]cachedEntry)
}
