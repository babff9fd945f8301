package initfini

import (
	"testing"

	"github.com/xyproto/luci/image"
)

func namedImage(name string, needed ...string) *image.Image {
	return &image.Image{SOName: name, Needed: needed, Path: name}
}

func nameOf(img *image.Image) string {
	if img.SOName != "" {
		return img.SOName
	}
	return img.Path
}

func TestOrderDependenciesBeforeDependents(t *testing.T) {
	libc := namedImage("libc.so")
	libm := namedImage("libm.so", "libc.so")
	app := namedImage("app", "libm.so", "libc.so")

	ordered, err := Order([]*image.Image{app, libm, libc}, nameOf)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	pos := make(map[*image.Image]int, len(ordered))
	for i, img := range ordered {
		pos[img] = i
	}
	if pos[libc] > pos[libm] {
		t.Fatalf("libc must initialize before libm")
	}
	if pos[libm] > pos[app] {
		t.Fatalf("libm must initialize before app")
	}
}

func TestOrderTieBreaksByLoadOrder(t *testing.T) {
	a := namedImage("a.so")
	b := namedImage("b.so")
	ordered, err := Order([]*image.Image{a, b}, nameOf)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if ordered[0] != a || ordered[1] != b {
		t.Fatalf("expected independent images to keep load order, got %v", ordered)
	}
}

func TestOrderHandlesCycle(t *testing.T) {
	a := namedImage("a.so", "b.so")
	b := namedImage("b.so", "a.so")
	ordered, err := Order([]*image.Image{a, b}, nameOf)
	if err != nil {
		t.Fatalf("Order: %v", err)
	}
	if len(ordered) != 2 {
		t.Fatalf("expected both cycle members present, got %v", ordered)
	}
	// Within a cycle, load order is the only deterministic tie-break
	// (spec §9's Design Note on cyclic graphs).
	if ordered[0] != a || ordered[1] != b {
		t.Fatalf("expected cycle members ordered by load order, got %v", ordered)
	}
}
