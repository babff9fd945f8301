package resolver

import (
	"testing"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/image"
	"github.com/xyproto/luci/scope"
)

// synthImage builds an *image.Image whose self-scope contains exactly
// one defined symbol `name`, resolvable via a working SysV hash table
// (elfview.NewSysVHashTable, the teacher-style exported test helper).
func synthImage(t *testing.T, name string, bind byte, value uint64, base uint64) *image.Image {
	t.Helper()
	v := &elfview.View{}
	strtab := append([]byte{0}, append([]byte(name), 0)...)
	v.Strtab = strtab
	v.Symtab = []elfview.Sym64{
		{}, // index 0: SHN_UNDEF
		{Name: 1, Info: bind<<4 | elfview.STT_FUNC, Shndx: 1, Value: value, Size: 8},
	}
	v.SysVHash = elfview.NewSysVHashTable(t, v.Symtab, v)
	return &image.Image{Base: base, View: v, FD: -1}
}

func TestLookupFindsStrongSymbolInScope(t *testing.T) {
	defining := synthImage(t, "shared_fn", elfview.STB_GLOBAL, 0x2000, 0x500000)
	s := scope.New()
	s.Append(scope.Entry{Identity: nil, Mode: scope.Global})

	// The scope mechanism resolves entries through their Identity's
	// Current() image; since this test drives probe() directly through
	// Lookup's requesterImage fallback (no Identity attached), use the
	// Deep-equivalent path by passing the defining image itself as the
	// requester with an empty scope, mirroring how a library resolves
	// its own exported symbols.
	r := New()
	res, err := r.Lookup(defining, scope.New(), "shared_fn", "", Deep)
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if res.Value != 0x500000+0x2000 {
		t.Fatalf("Value = 0x%x, want 0x%x", res.Value, 0x500000+0x2000)
	}
}

func TestLookupUnresolvedWeakReturnsZero(t *testing.T) {
	r := New()
	s := scope.New()
	res, err := r.Lookup(nil, s, "does_not_exist", "", WeakOK)
	if err != nil {
		t.Fatalf("Lookup with WeakOK should not error, got %v", err)
	}
	if res.Value != 0 {
		t.Fatalf("expected zero-value resolution, got %+v", res)
	}
}

func TestLookupNotFoundWithoutWeakOK(t *testing.T) {
	r := New()
	s := scope.New()
	if _, err := r.Lookup(nil, s, "does_not_exist", "", 0); err == nil {
		t.Fatalf("expected NotFound error")
	}
}

func TestGNUUniqueSingleton(t *testing.T) {
	imgA := synthImage(t, "U", elfview.STB_GNU_UNIQUE, 0x1000, 0x600000)
	imgB := synthImage(t, "U", elfview.STB_GNU_UNIQUE, 0x1000, 0x700000)

	r := New()
	resA, err := r.Lookup(imgA, scope.New(), "U", "", Deep)
	if err != nil {
		t.Fatalf("first Lookup: %v", err)
	}
	resB, err := r.Lookup(imgB, scope.New(), "U", "", Deep)
	if err != nil {
		t.Fatalf("second Lookup: %v", err)
	}
	if resA.Value != resB.Value {
		t.Fatalf("expected GNU-unique singleton to pin the first definition: %+v vs %+v", resA, resB)
	}
	if resA.Value != 0x600000+0x1000 {
		t.Fatalf("expected first definition's address to win, got 0x%x", resA.Value)
	}
}
