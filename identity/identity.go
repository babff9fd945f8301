// Package identity implements C2 (spec §4.2, §3): the per-path ordered
// version chain, keyed by canonicalized (device, inode) identity.
package identity

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/image"
)

// Key is the tie-break identity per spec §4.2: "(device, inode) with
// path as a cached display attribute".
type Key struct {
	Dev uint64
	Ino uint64
}

// LinkMapRecord is the debug-visible record tracking the current
// version, consumed by debugif (spec §3, §4.8).
type LinkMapRecord struct {
	Name    string
	Base    uint64
	Dynamic uint64
}

// Identity is the logical on-disk shared object regardless of which
// version is active (spec §3, GLOSSARY).
type Identity struct {
	Key  Key
	Path string // cached display attribute

	mu       sync.RWMutex
	versions []*image.Image // newest last; versions[len-1] is current
	LinkMap  LinkMapRecord

	// refCount tracks handles (luci.Handle) that reference this
	// Identity, consulted by the retirement predicate alongside
	// image-level liveness checks (spec §3's destruction rules).
	refCount int
}

// Chain is the process-wide registry of Identities (spec §9: "The
// loader keeps two process-wide roots: the chain of Identities and the
// debugger structure"). Chain guards its maps with its own mutex, so
// callers need not hold the loader lock to use it.
type Chain struct {
	mu    sync.Mutex
	byKey map[Key]*Identity
	byPath map[string]*Identity // canonical path -> Identity, for display/debug only
}

// NewChain creates an empty identity chain registry.
func NewChain() *Chain {
	return &Chain{byKey: make(map[Key]*Identity), byPath: make(map[string]*Identity)}
}

// Intern canonicalises path (resolving symlinks) and returns the unique
// Identity for it, creating one if this is the first reference (spec
// §4.2). A second caller whose path differs but resolves to the same
// (device, inode) receives the SAME Identity object.
func (c *Chain) Intern(path string) (*Identity, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, errs.New(errs.BadFormat, "Intern", path, err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, errs.New(errs.ResourceExhausted, "Intern", path, err)
	}

	var st os.FileInfo
	if st, err = os.Stat(real); err != nil {
		return nil, errs.New(errs.ResourceExhausted, "Intern", path, err)
	}
	key, err := keyFromFileInfo(st)
	if err != nil {
		return nil, errs.New(errs.BadFormat, "Intern", path, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byKey[key]; ok {
		return id, nil
	}
	id := &Identity{Key: key, Path: real}
	c.byKey[key] = id
	c.byPath[real] = id
	return id, nil
}

// Lookup returns the Identity already interned for path, if any, without
// creating one.
func (c *Chain) Lookup(path string) (*Identity, bool) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		real = path
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.byPath[real]
	return id, ok
}

// All returns a snapshot of every interned Identity, for
// dl_iterate_phdr (spec C9) and the debug notifier's flat link-map.
func (c *Chain) All() []*Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Identity, 0, len(c.byKey))
	for _, id := range c.byKey {
		out = append(out, id)
	}
	return out
}

// Current returns the presently-active image version, or nil if the
// Identity has never had one attached.
func (id *Identity) Current() *image.Image {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if len(id.versions) == 0 {
		return nil
	}
	return id.versions[len(id.versions)-1]
}

// Prior returns every retired-but-still-mapped version, oldest first.
func (id *Identity) Prior() []*image.Image {
	id.mu.RLock()
	defer id.mu.RUnlock()
	if len(id.versions) <= 1 {
		return nil
	}
	out := make([]*image.Image, len(id.versions)-1)
	copy(out, id.versions[:len(id.versions)-1])
	return out
}

// Versions returns every mapped version, oldest first (spec §3:
// "versions[0..n]").
func (id *Identity) Versions() []*image.Image {
	id.mu.RLock()
	defer id.mu.RUnlock()
	out := make([]*image.Image, len(id.versions))
	copy(out, id.versions)
	return out
}

// Attach appends img as the new current version; the previous current
// becomes the newest entry of Prior (spec §4.2). Attach takes the
// Identity's own lock and bumps the Generation counter of every version
// in the chain, so (requester,name,version) symbol caches invalidate
// (spec §3).
func (id *Identity) Attach(img *image.Image) {
	id.mu.Lock()
	defer id.mu.Unlock()
	id.versions = append(id.versions, img)
	id.LinkMap = LinkMapRecord{Name: id.Path, Base: img.Base}
	for _, v := range id.versions {
		v.Generation++
	}
}

// Retire removes img from the chain once the destruction predicate
// (spec §3) holds, and unmaps it. It is an error to retire the current
// version.
func (id *Identity) Retire(img *image.Image) error {
	id.mu.Lock()
	defer id.mu.Unlock()

	idx := -1
	for i, v := range id.versions {
		if v == img {
			idx = i
			break
		}
	}
	if idx == -1 {
		return errs.New(errs.NotFound, "Retire", id.Path, fmt.Errorf("image is not a version of this identity"))
	}
	if idx == len(id.versions)-1 {
		return errs.New(errs.Conflict, "Retire", id.Path, fmt.Errorf("refusing to retire the current version"))
	}
	if err := img.Unmap(); err != nil {
		return errs.New(errs.ResourceExhausted, "Retire", id.Path, err)
	}
	id.versions = append(id.versions[:idx], id.versions[idx+1:]...)
	return nil
}

func (id *Identity) AddRef() {
	id.mu.Lock()
	id.refCount++
	id.mu.Unlock()
}

// Release decrements the handle reference count and reports whether it
// reached zero (a candidate for retirement consideration, spec §4.9
// close()).
func (id *Identity) Release() bool {
	id.mu.Lock()
	defer id.mu.Unlock()
	if id.refCount > 0 {
		id.refCount--
	}
	return id.refCount == 0
}

func (id *Identity) RefCount() int {
	id.mu.RLock()
	defer id.mu.RUnlock()
	return id.refCount
}
