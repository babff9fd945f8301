// Package procstart builds the initial stack image the kernel's own
// ELF loader would have built (argc, argv, envp, and a minimal auxv),
// then hands off to a mapped image's entry point via the loader's raw
// asmcall.Exec trampoline (spec §6: the loader itself takes the place
// of the kernel-supplied PT_INTERP, so it owes the target program the
// same stack contract the kernel owes a statically linked one).
package procstart

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/xyproto/luci/internal/asmcall"
)

// Auxiliary vector tags this package populates. A real kernel supplies
// many more (AT_RANDOM, AT_HWCAP, AT_SYSINFO_EHDR...); libc startup
// code that depends on one of those when run under luci-ld is outside
// spec scope (spec.md's "statically linked executables" non-goal
// aside, a userspace loader cannot forge AT_SYSINFO_EHDR's vDSO
// mapping without also providing one, which is not attempted here).
const (
	atNull     = 0
	atPhdr     = 3
	atPhent    = 4
	atPhnum    = 5
	atPagesz   = 6
	atBase     = 7
	atEntry    = 9
	atUID      = 11
	atEUID     = 12
	atGID      = 13
	atEGID     = 14
	atSecure   = 23
	pageSize   = 4096
)

// AuxInfo carries the program-header location the kernel would have
// reported via AT_PHDR/AT_PHENT/AT_PHNUM, needed by a dynamically
// linked target's own libc startup code to find its own PT_DYNAMIC
// (spec §4.1's "PT_PHDR" handling).
type AuxInfo struct {
	Phdr        uint64
	Phent       uint64
	Phnum       uint64
	EntryPoint  uint64
	InterpBase  uint64
}

// stackPages is the page budget for argv/envp string storage plus the
// pointer tables; large environments or argv lists that don't fit
// are an error rather than a silent truncation.
const stackPages = 64

// Build lays out a fresh anonymous mapping containing argv/envp C
// strings followed by the argc/argv/envp/auxv pointer tables, per the
// System V AMD64 ABI's process-initialization stack image, and returns
// the initial %rsp value entry expects.
func Build(argv, envp []string, aux AuxInfo) (uintptr, error) {
	size := stackPages * pageSize

	strBytes := 0
	for _, s := range argv {
		strBytes += len(s) + 1
	}
	for _, s := range envp {
		strBytes += len(s) + 1
	}
	// 12 fixed auxv pairs (see the auxv slice below) plus the pointer
	// tables; checked up front so a pathologically large argv/envp list
	// fails with an error instead of writing past the mapped region.
	estWords := 1 + len(argv) + 1 + len(envp) + 1 + 2*12
	if strBytes+estWords*8+pageSize > size {
		return 0, fmt.Errorf("argv/envp too large for the %d-byte initial stack reservation", size)
	}

	page, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_STACK)
	if err != nil {
		return 0, fmt.Errorf("mmap initial stack: %w", err)
	}

	// Strings grow down from the top of the region; pointer tables are
	// built from the bottom up once every string's final address is
	// known, mirroring how the kernel's own fs/binfmt_elf.c packs argv
	// and envp below the auxv/pointer tables.
	strTop := size
	writeStr := func(s string) uint64 {
		b := append([]byte(s), 0)
		strTop -= len(b)
		copy(page[strTop:], b)
		return uint64(uintptr(unsafe.Pointer(&page[0]))) + uint64(strTop)
	}

	argvAddrs := make([]uint64, len(argv))
	for i := len(argv) - 1; i >= 0; i-- {
		argvAddrs[i] = writeStr(argv[i])
	}
	envAddrs := make([]uint64, len(envp))
	for i := len(envp) - 1; i >= 0; i-- {
		envAddrs[i] = writeStr(envp[i])
	}

	auxv := []uint64{
		atPhdr, aux.Phdr,
		atPhent, aux.Phent,
		atPhnum, aux.Phnum,
		atBase, aux.InterpBase,
		atEntry, aux.EntryPoint,
		atPagesz, pageSize,
		atUID, uint64(unix.Getuid()),
		atEUID, uint64(unix.Geteuid()),
		atGID, uint64(unix.Getgid()),
		atEGID, uint64(unix.Getegid()),
		atSecure, 0,
		atNull, 0,
	}

	// Word layout, low to high: argc, argv[0..n-1], NULL, envp[0..m-1],
	// NULL, auxv pairs..., AT_NULL pair. Align the base down to 16
	// bytes, which is what the ABI requires %rsp to be at process
	// entry: no return address is pushed, and argc sits at %rsp itself.
	words := 1 + len(argvAddrs) + 1 + len(envAddrs) + 1 + len(auxv)
	base := strTop - words*8
	base &^= 0xf

	if base < 0 {
		return 0, fmt.Errorf("initial stack too small for %d argv + %d envp entries", len(argv), len(envp))
	}

	w := base
	putWord := func(v uint64) {
		*(*uint64)(unsafe.Pointer(&page[w])) = v
		w += 8
	}
	putWord(uint64(len(argv)))
	for _, a := range argvAddrs {
		putWord(a)
	}
	putWord(0)
	for _, e := range envAddrs {
		putWord(e)
	}
	putWord(0)
	for _, v := range auxv {
		putWord(v)
	}

	return uintptr(unsafe.Pointer(&page[base])), nil
}

// Jump hands off to entry with the stack built by Build. It does not
// return: entry's own startup code runs to completion and calls
// exit/exit_group directly, terminating this OS process with whatever
// code the target program chose (spec §6's exit-code propagation).
func Jump(entry, sp uintptr) {
	asmcall.Exec(entry, sp)
}
