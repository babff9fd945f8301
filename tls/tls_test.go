package tls

import (
	"testing"
	"unsafe"

	"github.com/xyproto/luci/image"
)

func ptrFromUintptr(addr uintptr) unsafe.Pointer { return unsafe.Pointer(addr) }

func imgWithTLS(init []byte, blockSize, align uint64) *image.Image {
	return &image.Image{TLS: &image.TLSInfo{InitImage: init, BlockSize: blockSize, Align: align}}
}

func TestRegisterStaticAssignsDecreasingOffsets(t *testing.T) {
	m := NewManager()
	exe := imgWithTLS([]byte{1, 2, 3, 4}, 8, 8)
	lib := imgWithTLS([]byte{5, 6}, 8, 8)

	modA, err := m.RegisterStatic(exe)
	if err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}
	modB, err := m.RegisterStatic(lib)
	if err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}
	if modA.StaticOffset >= 0 || modB.StaticOffset >= 0 {
		t.Fatalf("expected negative static offsets, got %d, %d", modA.StaticOffset, modB.StaticOffset)
	}
	if modB.StaticOffset >= modA.StaticOffset {
		t.Fatalf("expected later registrations to land further from the thread pointer")
	}
}

func TestGetAddrStaticModule(t *testing.T) {
	m := NewManager()
	exe := imgWithTLS([]byte{0xaa, 0xbb, 0xcc, 0xdd}, 8, 8)
	if _, err := m.RegisterStatic(exe); err != nil {
		t.Fatalf("RegisterStatic: %v", err)
	}
	ts := m.AllocateForNewThread()

	addr, err := m.GetAddr(ts, 0, 1)
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	got := *(*byte)(ptrFromUintptr(addr))
	if got != 0xbb {
		t.Fatalf("GetAddr byte = 0x%x, want 0xbb", got)
	}
}

func TestGetAddrDynamicAllocatesLazily(t *testing.T) {
	m := NewManager()
	lib := imgWithTLS([]byte{1, 2, 3, 4}, 8, 8)
	mod, err := m.RegisterDynamic(lib)
	if err != nil {
		t.Fatalf("RegisterDynamic: %v", err)
	}
	ts := m.AllocateForNewThread()

	addr1, err := m.GetAddr(ts, mod.ID, 0)
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	addr2, err := m.GetAddr(ts, mod.ID, 0)
	if err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	if addr1 != addr2 {
		t.Fatalf("expected the same thread to observe a stable dtv cell across calls")
	}
}

func TestBumpGenerationInvalidatesDtvCell(t *testing.T) {
	m := NewManager()
	lib := imgWithTLS([]byte{9, 9}, 8, 8)
	mod, err := m.RegisterDynamic(lib)
	if err != nil {
		t.Fatalf("RegisterDynamic: %v", err)
	}
	ts := m.AllocateForNewThread()
	if _, err := m.GetAddr(ts, mod.ID, 0); err != nil {
		t.Fatalf("GetAddr: %v", err)
	}

	before := ts.dtv[mod.ID].generation
	m.BumpGeneration()
	if _, err := m.GetAddr(ts, mod.ID, 0); err != nil {
		t.Fatalf("GetAddr after bump: %v", err)
	}
	after := ts.dtv[mod.ID].generation
	if after <= before {
		t.Fatalf("expected dtv cell generation to advance past the bump, before=%d after=%d", before, after)
	}
}

func TestDeallocateClearsState(t *testing.T) {
	m := NewManager()
	lib := imgWithTLS([]byte{1}, 8, 8)
	mod, _ := m.RegisterDynamic(lib)
	ts := m.AllocateForNewThread()
	if _, err := m.GetAddr(ts, mod.ID, 0); err != nil {
		t.Fatalf("GetAddr: %v", err)
	}
	ts.Deallocate()
	if ts.staticBlock != nil {
		t.Fatalf("expected static block to be released")
	}
}
