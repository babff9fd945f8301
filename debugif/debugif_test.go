package debugif

import (
	"os"
	"testing"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
)

func newIdentityWithVersions(t *testing.T, path string, bases ...uint64) *identity.Identity {
	t.Helper()
	chain := identity.NewChain()
	tmp, err := os.CreateTemp("", "debugif-*.so")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	defer os.Remove(tmp.Name())
	tmp.Close()

	id, err := chain.Intern(tmp.Name())
	if err != nil {
		t.Fatalf("Intern: %v", err)
	}
	for _, base := range bases {
		id.Attach(&image.Image{Base: base, View: &elfview.View{}})
	}
	return id
}

func TestRebuildVersionFlatListsEveryVersion(t *testing.T) {
	id := newIdentityWithVersions(t, "", 0x400000, 0x500000)
	n := NewNotifier(VersionFlat)
	n.Rebuild([]*identity.Identity{id})

	nodes := n.Nodes()
	if len(nodes) != 2 {
		t.Fatalf("expected 2 nodes for version-flat mode, got %d", len(nodes))
	}
	if n.State() != Consistent {
		t.Fatalf("expected state CONSISTENT after Rebuild, got %s", n.State())
	}
}

func TestRebuildCurrentOnlyListsOneNode(t *testing.T) {
	id := newIdentityWithVersions(t, "", 0x400000, 0x500000)
	n := NewNotifier(CurrentOnly)
	n.Rebuild([]*identity.Identity{id})

	nodes := n.Nodes()
	if len(nodes) != 1 {
		t.Fatalf("expected 1 node for current-only mode, got %d", len(nodes))
	}
	if nodes[0].Base != 0x500000 {
		t.Fatalf("expected current-only node to reflect the latest version, got base=0x%x", nodes[0].Base)
	}
}
