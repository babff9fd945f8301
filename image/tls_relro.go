package image

import (
	"unsafe"

	"github.com/xyproto/luci/elfview"
	"golang.org/x/sys/unix"
)

// parseTLS records PT_TLS parameters (spec §3's TLSInfo). Module ID
// assignment and static-vs-dynamic classification are the TLS manager's
// job (tls package); this only captures what the file itself declares.
func (img *Image) parseTLS(view *elfview.View) {
	for _, ph := range view.Phdrs {
		if ph.Type != elfview.PT_TLS {
			continue
		}
		off, err := segmentFileRange(view, ph.Offset, ph.Filesz)
		if err != nil {
			continue
		}
		img.TLS = &TLSInfo{
			InitImage: off,
			InitSize:  ph.Filesz,
			BlockSize: ph.Memsz,
			Align:     ph.Align,
		}
		return
	}
}

func segmentFileRange(view *elfview.View, offset, size uint64) ([]byte, error) {
	if offset+size > uint64(len(view.Data)) {
		return nil, errOutOfBounds
	}
	return view.Data[offset : offset+size], nil
}

var errOutOfBounds = boundsErr{}

type boundsErr struct{}

func (boundsErr) Error() string { return "TLS init image out of bounds" }

// findRelro records the PT_GNU_RELRO extent (spec §3: "pages become
// read-only after relocation where relro is requested").
func (img *Image) findRelro(view *elfview.View) {
	for _, ph := range view.Phdrs {
		if ph.Type == elfview.PT_GNU_RELRO {
			img.RelroStart = img.Base + ph.Vaddr
			img.RelroEnd = img.Base + ph.Vaddr + ph.Memsz
			return
		}
	}
}

// ApplyRelro makes the RELRO range read-only. Called by luci.Loader
// once all eager relocations for this image have been applied (spec
// §3, §4.4 item 2).
func (img *Image) ApplyRelro() error {
	img.mu.Lock()
	defer img.mu.Unlock()
	if img.RelroStart == 0 || img.RelroApplied {
		return nil
	}
	size := int(pageAlignUp(img.RelroEnd) - pageAlignDown(img.RelroStart))
	region := sliceAt(pageAlignDown(img.RelroStart), size)
	if err := unix.Mprotect(region, unix.PROT_READ); err != nil {
		return err
	}
	img.RelroApplied = true
	return nil
}

// WithWritableRelro temporarily remaps the RELRO range writable, runs
// fn, then restores read-only protection -- the "temporarily remapped
// writable, updated, and remapped read-only" bracket required by spec
// §4.4 item 2 for DSU re-relocation writes that land inside RELRO.
func (img *Image) WithWritableRelro(rangeStart, rangeEnd uint64, fn func() error) error {
	img.mu.Lock()
	defer img.mu.Unlock()

	needsBracket := img.RelroApplied && rangeStart < img.RelroEnd && rangeEnd > img.RelroStart
	if !needsBracket {
		return fn()
	}
	size := int(pageAlignUp(img.RelroEnd) - pageAlignDown(img.RelroStart))
	region := sliceAt(pageAlignDown(img.RelroStart), size)

	if err := unix.Mprotect(region, unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return err
	}
	fnErr := fn()
	if err := unix.Mprotect(region, unix.PROT_READ); err != nil && fnErr == nil {
		return err
	}
	return fnErr
}

// Unmap releases every segment of img. Called only by identity.retire
// once the destruction predicate (spec §3) holds.
func (img *Image) Unmap() error {
	var firstErr error
	for _, seg := range img.Segments {
		if len(seg.Data) == 0 {
			continue
		}
		// Segments come from the raw SYS_MMAP in mmapFixedAnon, which
		// unix.Munmap (it only accepts slices from its own Mmap) rejects
		// with EINVAL, so release them with the raw syscall as well.
		_, _, errno := unix.Syscall(unix.SYS_MUNMAP, uintptr(unsafe.Pointer(&seg.Data[0])), uintptr(len(seg.Data)), 0)
		if errno != 0 && firstErr == nil {
			firstErr = errno
		}
	}
	if img.FD >= 0 {
		unix.Close(img.FD)
		img.FD = -1
	}
	img.setState(Retiring)
	return firstErr
}
