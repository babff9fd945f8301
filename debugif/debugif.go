// Package debugif implements C8 (spec §4.8): a flat link-map published
// for an external debugger (the `_r_debug` convention glibc's own
// dynamic linker uses), plus the {CONSISTENT, ADD, DELETE} transition
// protocol.
package debugif

import (
	"sync"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
)

// DebugState mirrors glibc's r_debug.r_state values (spec §4.8's
// transition states).
type DebugState int

const (
	Consistent DebugState = iota
	Add
	Delete
)

func (s DebugState) String() string {
	switch s {
	case Consistent:
		return "CONSISTENT"
	case Add:
		return "ADD"
	case Delete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// Mode selects which images appear in the published link-map (spec
// §4.8's two modes).
type Mode int

const (
	// VersionFlat lists every version of every Identity as a separate
	// node, so a debugger can set breakpoints on both v_old and v_new.
	VersionFlat Mode = iota
	// CurrentOnly lists only each Identity's current version.
	CurrentOnly
)

// LinkMapNode is one entry of the published flat list. Owner is the
// "hidden field" spec §4.8 mentions for version-flat mode: it lets a
// debugger extension correlate a node back to the Image it describes
// without that field being part of the public, debugger-stable layout.
type LinkMapNode struct {
	Name    string
	Base    uint64
	Dynamic uint64
	Owner   *image.Image
}

// Notifier maintains the published link-map and calls the no-op
// breakpoint routine around every transition, per spec §4.8.
type Notifier struct {
	mu    sync.Mutex
	mode  Mode
	nodes []LinkMapNode
	state DebugState

	// breakpoint is the documented no-op a debugger sets a breakpoint
	// on; it is called once before and once after the node list
	// changes, bracketing the transition the way glibc's
	// _dl_debug_state does.
	breakpoint func()
}

func NewNotifier(mode Mode) *Notifier {
	return &Notifier{mode: mode, breakpoint: breakpointStub}
}

// breakpointStub is the well-known no-op breakpoint routine (spec
// §4.8): a debugger places a breakpoint on its address and single-steps
// out; the body intentionally does nothing.
func breakpointStub() {}

func (n *Notifier) State() DebugState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

func (n *Notifier) Nodes() []LinkMapNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LinkMapNode, len(n.nodes))
	copy(out, n.nodes)
	return out
}

// Rebuild recomputes the published node list from a snapshot of the
// identity chain (spec §4.9's "single snapshot... obtained at entry"
// applies here too: Rebuild takes the chain's current state once, not a
// live view).
func (n *Notifier) Rebuild(identities []*identity.Identity) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.state = Add
	n.breakpoint()

	var nodes []LinkMapNode
	for _, id := range identities {
		if n.mode == CurrentOnly {
			if cur := id.Current(); cur != nil {
				nodes = append(nodes, nodeFor(id.Path, cur))
			}
			continue
		}
		for _, v := range id.Versions() {
			nodes = append(nodes, nodeFor(id.Path, v))
		}
	}
	n.nodes = nodes

	n.state = Consistent
	n.breakpoint()
}

func nodeFor(name string, img *image.Image) LinkMapNode {
	var dynAddr uint64
	if img.View != nil {
		for _, ph := range img.View.Phdrs {
			if ph.Type == elfview.PT_DYNAMIC {
				dynAddr = img.Base + ph.Vaddr
				break
			}
		}
	}
	return LinkMapNode{Name: name, Base: img.Base, Dynamic: dynAddr, Owner: img}
}
