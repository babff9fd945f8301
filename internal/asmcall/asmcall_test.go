package asmcall

import (
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// TestCall0 mmaps a tiny hand-assembled function ("mov $0x2a, %rax; ret")
// and checks that Call0 actually invokes it end to end -- this is the
// exact mechanism the relocation engine relies on for IRELATIVE/IFUNC
// resolvers (spec §4.4, §4.3 item 5), just with a known answer instead
// of a resolver loaded from an ELF file.
func TestCall0(t *testing.T) {
	code := []byte{
		0x48, 0xc7, 0xc0, 0x2a, 0x00, 0x00, 0x00, // mov $0x2a, %rax
		0xc3, // ret
	}
	page, err := unix.Mmap(-1, 0, len(code), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		t.Fatalf("mmap: %v", err)
	}
	defer unix.Munmap(page)
	copy(page, code)
	if err := unix.Mprotect(page, unix.PROT_READ|unix.PROT_EXEC); err != nil {
		t.Fatalf("mprotect: %v", err)
	}

	addr := uintptr(unsafe.Pointer(&page[0]))
	got := Call0(addr)
	if got != 0x2a {
		t.Fatalf("Call0 = 0x%x, want 0x2a", got)
	}
}
