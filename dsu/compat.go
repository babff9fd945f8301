package dsu

import (
	"fmt"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/image"
)

// FuncHashSource supplies an optional per-function signature hash (spec
// §4.7 item 3): "supplied externally... if no hash is available,
// functions are assumed compatible." Grounded on
// original_source/src/compatibility/glibc*.cpp, which pluggable-hashes
// function bodies via an external tool rather than hard-coding one
// hashing scheme into the loader core.
type FuncHashSource interface {
	// Hash returns a signature hash for the function named name defined
	// in img, and whether one was available at all.
	Hash(img *image.Image, name string) (hash uint64, ok bool)
}

// NoopFuncHashSource is the default: every function is assumed
// compatible, matching spec §4.7 item 3's fallback.
type NoopFuncHashSource struct{}

func (NoopFuncHashSource) Hash(*image.Image, string) (uint64, bool) { return 0, false }

// Report is the outcome of CheckCompatibility: per-symbol verdicts plus
// the aggregate accept/reject decision (spec §4.7's Compatibility check
// phase).
type Report struct {
	Reasons             []string
	incompatibleSymbols map[string]bool
	// copySources holds, for each object symbol whose writable state
	// must be preserved, the live bytes read from v_old before v_new is
	// attached (spec §4.7 item 4).
	copySources map[string][]byte
}

func (r *Report) Compatible() bool { return len(r.Reasons) == 0 }

// CheckCompatibility implements spec §4.7's four-item compatibility
// check between the currently running version (vOld) and a freshly
// mapped, not-yet-attached candidate (vNew).
func CheckCompatibility(vOld, vNew *image.Image, hashSrc FuncHashSource) (*Report, error) {
	if hashSrc == nil {
		hashSrc = NoopFuncHashSource{}
	}
	report := &Report{
		incompatibleSymbols: make(map[string]bool),
		copySources:         make(map[string][]byte),
	}

	oldSymbols := exportedSymbols(vOld)
	newSymbols := exportedSymbols(vNew)

	for name, oldSym := range oldSymbols {
		newSym, ok := newSymbols[name]
		if !ok {
			continue // symbol removed: not itself a mandatory-fail condition (spec names no such rule)
		}

		// 1. Type class.
		if oldSym.Type() != newSym.Type() {
			report.Reasons = append(report.Reasons, fmt.Sprintf("%s: type class changed (%d -> %d)", name, oldSym.Type(), newSym.Type()))
			report.incompatibleSymbols[name] = true
			continue
		}

		switch oldSym.Type() {
		case elfview.STT_OBJECT:
			// 2. Size must be equal. Alignment is not compared.
			if oldSym.Size != newSym.Size {
				report.Reasons = append(report.Reasons, fmt.Sprintf("%s: object size changed (%d -> %d)", name, oldSym.Size, newSym.Size))
				report.incompatibleSymbols[name] = true
				continue
			}
			// 4. Writable-data mapping: stage v_old's live bytes to
			// copy into v_new's slot once attached.
			if src, err := readObjectBytes(vOld, oldSym); err == nil {
				report.copySources[name] = src
			}

		case elfview.STT_FUNC:
			// 3. Optional function-hash check.
			oldHash, oldOK := hashSrc.Hash(vOld, name)
			newHash, newOK := hashSrc.Hash(vNew, name)
			if oldOK && newOK && oldHash != newHash {
				report.Reasons = append(report.Reasons, fmt.Sprintf("%s: function hash mismatch", name))
				report.incompatibleSymbols[name] = true
			}
		}
	}

	return report, nil
}

// PreserveWritableState copies each staged old-version object's live
// bytes into vNew's slot (spec §4.7 item 4), once vNew is mapped but
// before it is attached as current. Mismatched sizes abort the update
// entirely per spec ("mismatched size aborts the update"); that check
// already ran in CheckCompatibility, so this is a pure copy pass.
func (r *Report) PreserveWritableState(vOld, vNew *image.Image) error {
	for name, src := range r.copySources {
		sym, ok := findSymbol(vNew, name)
		if !ok {
			continue
		}
		if err := writeObjectBytes(vNew, sym, src); err != nil {
			return errs.New(errs.ResourceExhausted, "PreserveWritableState", vNew.Path, err)
		}
	}
	return nil
}

func exportedSymbols(img *image.Image) map[string]elfview.Sym64 {
	out := make(map[string]elfview.Sym64)
	if img.View == nil {
		return out
	}
	for _, sym := range img.View.Symtab {
		if sym.Shndx == elfview.SHN_UNDEF {
			continue
		}
		if sym.Bind() != elfview.STB_GLOBAL && sym.Bind() != elfview.STB_WEAK && sym.Bind() != elfview.STB_GNU_UNIQUE {
			continue
		}
		name := img.View.Name(sym)
		if name == "" {
			continue
		}
		out[name] = sym
	}
	return out
}

func findSymbol(img *image.Image, name string) (elfview.Sym64, bool) {
	if img.View == nil {
		return elfview.Sym64{}, false
	}
	for _, sym := range img.View.Symtab {
		if img.View.Name(sym) == name {
			return sym, true
		}
	}
	return elfview.Sym64{}, false
}

func readObjectBytes(img *image.Image, sym elfview.Sym64) ([]byte, error) {
	addr := img.Base + sym.Value
	for _, seg := range img.Segments {
		segStart := img.Base + (seg.Vaddr &^ 0xfff)
		segEnd := segStart + uint64(len(seg.Data))
		if addr >= segStart && addr+sym.Size <= segEnd {
			rel := addr - segStart
			out := make([]byte, sym.Size)
			copy(out, seg.Data[rel:rel+sym.Size])
			return out, nil
		}
	}
	return nil, fmt.Errorf("symbol value 0x%x not within any mapped segment", sym.Value)
}

func writeObjectBytes(img *image.Image, sym elfview.Sym64, src []byte) error {
	if uint64(len(src)) != sym.Size {
		return fmt.Errorf("size mismatch copying writable state: %d vs %d", len(src), sym.Size)
	}
	addr := img.Base + sym.Value
	for _, seg := range img.Segments {
		segStart := img.Base + (seg.Vaddr &^ 0xfff)
		segEnd := segStart + uint64(len(seg.Data))
		if addr >= segStart && addr+sym.Size <= segEnd {
			rel := addr - segStart
			copy(seg.Data[rel:rel+sym.Size], src)
			return nil
		}
	}
	return fmt.Errorf("destination value 0x%x not within any mapped segment", sym.Value)
}
