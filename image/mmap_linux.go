// Segment mapping via golang.org/x/sys/unix, grounded per SPEC_FULL.md's
// domain-stack section: placing multiple PT_LOAD segments of one image
// at fixed offsets from a chosen load bias needs MAP_FIXED, which the
// teacher's raw syscall.Syscall6(syscall.SYS_MMAP, ...) snippet
// (hotreload.go/hotreload_unix.go) never exercises (it always lets the
// kernel choose addr=0) but x/sys/unix supports directly through its
// typed Mmap wrapper plus a raw SYS_MMAP call for the MAP_FIXED case.
package image

import (
	"fmt"
	"os"
	"strings"
	"unsafe"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/errs"
	"golang.org/x/sys/unix"
)

const pageSize = 4096

func pageAlignDown(x uint64) uint64 { return x &^ (pageSize - 1) }
func pageAlignUp(x uint64) uint64   { return (x + pageSize - 1) &^ (pageSize - 1) }

func protFor(flags uint32) int {
	prot := 0
	if flags&elfview.PF_R != 0 {
		prot |= unix.PROT_READ
	}
	if flags&elfview.PF_W != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&elfview.PF_X != 0 {
		prot |= unix.PROT_EXEC
	}
	return prot
}

// mapSegments maps each PT_LOAD of view at img.Base, padding
// memsz-filesz with anonymous zero pages, per spec §4.1 step 2.
func (img *Image) mapSegments(f *os.File, view *elfview.View, raw []byte) error {
	fd := int(f.Fd())
	for _, ph := range view.Phdrs {
		if ph.Type != elfview.PT_LOAD {
			continue
		}

		alignedVaddr := pageAlignDown(ph.Vaddr)
		alignedEnd := pageAlignUp(ph.Vaddr + ph.Memsz)
		segSize := alignedEnd - alignedVaddr
		fileDelta := ph.Vaddr - alignedVaddr
		mapAddr := img.Base + alignedVaddr

		// Reserve with RW first so we can copy file-backed bytes and
		// zero the memsz-filesz pad, then tighten to the real
		// protection (spec §4.1 step 2; RELRO tightening happens
		// later, after relocation, per spec §4.4 item 2).
		data, err := mmapFixedAnon(mapAddr, int(segSize), unix.PROT_READ|unix.PROT_WRITE)
		if err != nil {
			return errs.New(errs.ResourceExhausted, "mapSegments", img.Path, err)
		}

		fileStart := ph.Offset - fileDelta
		fileBytes := int(ph.Filesz + fileDelta)
		if fileStart+uint64(fileBytes) > uint64(len(raw)) {
			return errs.New(errs.BadFormat, "mapSegments", img.Path, fmt.Errorf("segment file range out of bounds"))
		}
		copy(data, raw[fileStart:fileStart+uint64(fileBytes)])
		// Bytes beyond filesz within the aligned region are already
		// zero (anonymous mapping), satisfying the BSS semantics.

		finalProt := protFor(ph.Flags)
		if finalProt != unix.PROT_READ|unix.PROT_WRITE {
			if err := unix.Mprotect(data, finalProt); err != nil {
				return errs.New(errs.ResourceExhausted, "mapSegments", img.Path, err)
			}
		}

		img.Segments = append(img.Segments, Segment{
			Offset: ph.Offset, Vaddr: ph.Vaddr,
			Filesz: ph.Filesz, Memsz: ph.Memsz,
			Prot: finalProt, Flags: ph.Flags, Data: data,
		})
	}
	_ = fd // unused: segments are anonymous copies of the file bytes, and
	// no code path stages an image in a memfd, so Image.FD stays -1.
	return nil
}

// mmapFixedAnon maps an anonymous, zero-filled region at exactly addr.
// x/sys/unix's Mmap wrapper never passes a caller-chosen address (it
// always requests addr=0 from the kernel), so a fixed placement needs
// the raw syscall -- matching the teacher's own raw-syscall mmap path in
// hotreload_unix.go, but through x/sys/unix's typed constants and
// errno handling instead of the standard syscall package.
func mmapFixedAnon(addr uint64, length int, prot int) ([]byte, error) {
	ret, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		uintptr(addr),
		uintptr(length),
		uintptr(prot),
		uintptr(unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED),
		^uintptr(0), // fd = -1
		0,
	)
	if errno != 0 {
		return nil, errno
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(ret)), length), nil
}

// sliceAt reinterprets a live mapping at addr/length as a byte slice,
// for Mprotect calls against a sub-range of an already-mapped segment
// (e.g. the RELRO range, which is a subset of a PT_LOAD's Data).
func sliceAt(addr uint64, length int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), length)
}

func splitColonPath(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
