package dsu

import (
	"testing"

	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/image"
)

func symImage(base uint64, segData []byte, syms []elfview.Sym64, names []string) *image.Image {
	strtab := []byte{0}
	offsets := make([]uint32, len(names))
	for i, n := range names {
		offsets[i] = uint32(len(strtab))
		strtab = append(strtab, append([]byte(n), 0)...)
	}
	for i := range syms {
		if i < len(offsets) {
			syms[i].Name = offsets[i]
		}
	}
	return &image.Image{
		Base:     base,
		Segments: []image.Segment{{Vaddr: 0, Data: segData}},
		View:     &elfview.View{Symtab: syms, Strtab: strtab},
		FD:       -1,
	}
}

func TestCheckCompatibilityAcceptsMatchingObject(t *testing.T) {
	oldData := make([]byte, 0x1000)
	oldData[0x100] = 0x42
	newData := make([]byte, 0x1000)
	newData[0x100] = 0xff // stale init bytes, to be overwritten by PreserveWritableState

	oldImg := symImage(0x400000, oldData, []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_OBJECT, Value: 0x100, Size: 1},
	}, []string{"", "counter"})
	newImg := symImage(0x500000, newData, []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_OBJECT, Value: 0x100, Size: 1},
	}, []string{"", "counter"})

	report, err := CheckCompatibility(oldImg, newImg, nil)
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	if !report.Compatible() {
		t.Fatalf("expected compatible, got reasons: %v", report.Reasons)
	}
	if err := report.PreserveWritableState(oldImg, newImg); err != nil {
		t.Fatalf("PreserveWritableState: %v", err)
	}
	if newImg.Segments[0].Data[0x100] != 0x42 {
		t.Fatalf("expected old live value 0x42 preserved into new slot, got 0x%x", newImg.Segments[0].Data[0x100])
	}
}

func TestCheckCompatibilityRejectsSizeMismatch(t *testing.T) {
	oldImg := symImage(0x400000, make([]byte, 0x1000), []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_OBJECT, Value: 0x10, Size: 4},
	}, []string{"", "buf"})
	newImg := symImage(0x500000, make([]byte, 0x1000), []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_OBJECT, Value: 0x10, Size: 8},
	}, []string{"", "buf"})

	report, err := CheckCompatibility(oldImg, newImg, nil)
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	if report.Compatible() {
		t.Fatalf("expected incompatible due to size mismatch")
	}
}

func TestCheckCompatibilityRejectsTypeClassChange(t *testing.T) {
	oldImg := symImage(0x400000, make([]byte, 0x1000), []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_OBJECT, Value: 0x10, Size: 4},
	}, []string{"", "thing"})
	newImg := symImage(0x500000, make([]byte, 0x1000), []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_FUNC, Value: 0x10, Size: 4},
	}, []string{"", "thing"})

	report, err := CheckCompatibility(oldImg, newImg, nil)
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	if report.Compatible() {
		t.Fatalf("expected incompatible due to type class change")
	}
}

type fakeHashSource struct{ mismatched map[string]bool }

func (f fakeHashSource) Hash(img *image.Image, name string) (uint64, bool) {
	if f.mismatched[name] {
		return img.Base, true // different per image on purpose
	}
	return 1, true
}

func TestCheckCompatibilityFunctionHashMismatch(t *testing.T) {
	oldImg := symImage(0x400000, make([]byte, 0x1000), []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_FUNC, Value: 0x10, Size: 4},
	}, []string{"", "do_thing"})
	newImg := symImage(0x500000, make([]byte, 0x1000), []elfview.Sym64{
		{}, {Info: elfview.STB_GLOBAL<<4 | elfview.STT_FUNC, Value: 0x10, Size: 4},
	}, []string{"", "do_thing"})

	report, err := CheckCompatibility(oldImg, newImg, fakeHashSource{mismatched: map[string]bool{"do_thing": true}})
	if err != nil {
		t.Fatalf("CheckCompatibility: %v", err)
	}
	if report.Compatible() {
		t.Fatalf("expected incompatible due to function hash mismatch")
	}
}
