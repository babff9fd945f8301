package elfview

import (
	"encoding/binary"
	"fmt"

	"github.com/xyproto/luci/errs"
)

// VAddrToOffset translates a virtual address (as recorded in the
// dynamic section, PT_LOAD-relative) to a file offset in v.Data, by
// finding the PT_LOAD segment whose [vaddr, vaddr+filesz) range
// contains it. Used while parsing the on-disk view, before a load bias
// is chosen; image.Image adds `base` directly to these same vaddrs once
// mapped (spec §3: "relocated pointers inside the image equal
// file_offset + base").
func (v *View) VAddrToOffset(vaddr uint64) (uint64, error) {
	for _, ph := range v.Phdrs {
		if ph.Type != PT_LOAD {
			continue
		}
		if vaddr >= ph.Vaddr && vaddr < ph.Vaddr+ph.Filesz {
			return ph.Offset + (vaddr - ph.Vaddr), nil
		}
	}
	return 0, fmt.Errorf("vaddr 0x%x not covered by any PT_LOAD segment", vaddr)
}

// PopulateTables fills in Symtab, Strtab, Versym, Verdefs, Verneeds,
// RelaDyn, RelaPlt and the hash tables once Dyn has been parsed. Split
// from Parse/parseDynamic because some of these (notably the hash
// tables) require knowing the symbol count, which SysV hash tables
// encode in their own header but GNU hash tables only imply.
func (v *View) PopulateTables() error {
	strOff, err := v.dynOffset(DT_STRTAB)
	if err != nil {
		return err
	}
	strSz, ok := v.Dyn.Get(DT_STRSZ)
	if !ok {
		return errs.New(errs.BadFormat, "PopulateTables", "", fmt.Errorf("missing DT_STRSZ"))
	}
	if strOff+strSz > uint64(len(v.Data)) {
		return errs.New(errs.BadFormat, "PopulateTables", "", fmt.Errorf("strtab out of bounds"))
	}
	v.Strtab = v.Data[strOff : strOff+strSz]

	symOff, err := v.dynOffset(DT_SYMTAB)
	if err != nil {
		return err
	}

	nsyms, err := v.symbolCount(symOff)
	if err != nil {
		return err
	}

	v.Symtab = make([]Sym64, nsyms)
	for i := uint64(0); i < nsyms; i++ {
		off := symOff + i*24
		if off+24 > uint64(len(v.Data)) {
			return errs.New(errs.BadFormat, "PopulateTables", "", fmt.Errorf("symtab entry %d out of bounds", i))
		}
		if err := decodeStruct(v.Data[off:off+24], &v.Symtab[i]); err != nil {
			return errs.New(errs.BadFormat, "PopulateTables", "", err)
		}
	}

	if v.Dyn.Has(DT_VERSYM) {
		vsOff, _ := v.dynOffset(DT_VERSYM)
		v.Versym = make([]uint16, nsyms)
		for i := uint64(0); i < nsyms; i++ {
			off := vsOff + i*2
			if off+2 > uint64(len(v.Data)) {
				break
			}
			v.Versym[i] = binary.LittleEndian.Uint16(v.Data[off:])
		}
	}

	if v.Dyn.Has(DT_VERDEF) {
		if err := v.parseVerdef(); err != nil {
			return err
		}
	}
	if v.Dyn.Has(DT_VERNEED) {
		if err := v.parseVerneed(); err != nil {
			return err
		}
	}

	if v.Dyn.Has(DT_RELA) {
		if err := v.parseRelaList(DT_RELA, DT_RELASZ, &v.RelaDyn); err != nil {
			return err
		}
	}
	if v.Dyn.Has(DT_JMPREL) {
		if err := v.parseRelaList(DT_JMPREL, DT_PLTRELSZ, &v.RelaPlt); err != nil {
			return err
		}
	}

	if v.Dyn.Has(DT_GNU_HASH) {
		gh, err := v.parseGNUHash()
		if err != nil {
			return err
		}
		v.GNUHash = gh
	}
	if v.Dyn.Has(DT_HASH) {
		sh, err := v.parseSysVHash()
		if err != nil {
			return err
		}
		v.SysVHash = sh
	}
	return nil
}

func (v *View) dynOffset(tag int64) (uint64, error) {
	val, ok := v.Dyn.Get(tag)
	if !ok {
		return 0, errs.New(errs.BadFormat, "dynOffset", "", fmt.Errorf("missing dynamic tag %d", tag))
	}
	return v.VAddrToOffset(val)
}

// symbolCount determines the number of .dynsym entries. If DT_HASH is
// present its header directly gives nchain (== number of symbols); else
// (GNU hash only) we take the highest symbol index any GNU hash bucket
// starts at and walk its chain to the terminating entry.
func (v *View) symbolCount(symOff uint64) (uint64, error) {
	if v.Dyn.Has(DT_HASH) {
		hashOff, err := v.dynOffset(DT_HASH)
		if err != nil {
			return 0, err
		}
		if hashOff+8 > uint64(len(v.Data)) {
			return 0, errs.New(errs.BadFormat, "symbolCount", "", fmt.Errorf("DT_HASH out of bounds"))
		}
		nchain := binary.LittleEndian.Uint32(v.Data[hashOff+4:])
		return uint64(nchain), nil
	}
	if v.Dyn.Has(DT_GNU_HASH) {
		return v.gnuHashSymbolCount()
	}
	return 0, errs.New(errs.BadFormat, "symbolCount", "", fmt.Errorf("no hash table to derive symbol count from"))
}

func (v *View) gnuHashSymbolCount() (uint64, error) {
	ghOff, err := v.dynOffset(DT_GNU_HASH)
	if err != nil {
		return 0, err
	}
	if ghOff+16 > uint64(len(v.Data)) {
		return 0, errs.New(errs.BadFormat, "gnuHashSymbolCount", "", fmt.Errorf("DT_GNU_HASH header out of bounds"))
	}
	nbuckets := binary.LittleEndian.Uint32(v.Data[ghOff:])
	symOffset := binary.LittleEndian.Uint32(v.Data[ghOff+4:])
	bloomSize := binary.LittleEndian.Uint32(v.Data[ghOff+8:])
	bucketsOff := ghOff + 16 + uint64(bloomSize)*8
	if bucketsOff+uint64(nbuckets)*4 > uint64(len(v.Data)) {
		return 0, errs.New(errs.BadFormat, "gnuHashSymbolCount", "", fmt.Errorf("GNU hash buckets out of bounds"))
	}
	maxIdx := uint32(symOffset)
	for i := uint32(0); i < nbuckets; i++ {
		b := binary.LittleEndian.Uint32(v.Data[bucketsOff+uint64(i)*4:])
		if b > maxIdx {
			maxIdx = b
		}
	}
	if maxIdx < symOffset {
		return uint64(symOffset), nil
	}
	// Walk the chain from the largest bucket until the terminating bit.
	chainOff := bucketsOff + uint64(nbuckets)*4
	idx := maxIdx
	for {
		off := chainOff + uint64(idx-symOffset)*4
		if off+4 > uint64(len(v.Data)) {
			return uint64(idx) + 1, nil
		}
		h := binary.LittleEndian.Uint32(v.Data[off:])
		if h&1 != 0 {
			return uint64(idx) + 1, nil
		}
		idx++
	}
}

func (v *View) cstr(off uint32) string {
	end := int(off)
	for end < len(v.Strtab) && v.Strtab[end] != 0 {
		end++
	}
	if int(off) > len(v.Strtab) {
		return ""
	}
	return string(v.Strtab[off:end])
}

func (v *View) parseVerdef() error {
	off, err := v.dynOffset(DT_VERDEF)
	if err != nil {
		return err
	}
	cur := off
	for {
		if cur+20 > uint64(len(v.Data)) {
			break
		}
		var vd Verdef
		if err := decodeStruct(v.Data[cur:cur+20], &vd); err != nil {
			return err
		}
		entry := VerdefEntry{Verdef: vd}
		auxOff := cur + uint64(vd.Aux)
		for i := uint16(0); i < vd.Cnt; i++ {
			if auxOff+8 > uint64(len(v.Data)) {
				break
			}
			var aux VerdAux
			if err := decodeStruct(v.Data[auxOff:auxOff+8], &aux); err != nil {
				return err
			}
			entry.Names = append(entry.Names, v.cstr(aux.Name))
			if aux.Next == 0 {
				break
			}
			auxOff += uint64(aux.Next)
		}
		v.Verdefs = append(v.Verdefs, entry)
		if vd.Next == 0 {
			break
		}
		cur += uint64(vd.Next)
	}
	return nil
}

func (v *View) parseVerneed() error {
	off, err := v.dynOffset(DT_VERNEED)
	if err != nil {
		return err
	}
	cur := off
	for {
		if cur+16 > uint64(len(v.Data)) {
			break
		}
		var vn Verneed
		if err := decodeStruct(v.Data[cur:cur+16], &vn); err != nil {
			return err
		}
		entry := VerneedEntry{Verneed: vn, FileName: v.cstr(vn.File)}
		auxOff := cur + uint64(vn.Aux)
		for i := uint16(0); i < vn.Cnt; i++ {
			if auxOff+16 > uint64(len(v.Data)) {
				break
			}
			var aux Vernaux
			if err := decodeStruct(v.Data[auxOff:auxOff+16], &aux); err != nil {
				return err
			}
			entry.Auxs = append(entry.Auxs, aux)
			entry.AuxNames = append(entry.AuxNames, v.cstr(aux.Name))
			if aux.Next == 0 {
				break
			}
			auxOff += uint64(aux.Next)
		}
		v.Verneeds = append(v.Verneeds, entry)
		if vn.Next == 0 {
			break
		}
		cur += uint64(vn.Next)
	}
	return nil
}

func (v *View) parseRelaList(tagAddr, tagSize int64, out *[]Rela64) error {
	off, err := v.dynOffset(tagAddr)
	if err != nil {
		return err
	}
	sz, ok := v.Dyn.Get(tagSize)
	if !ok {
		return errs.New(errs.BadFormat, "parseRelaList", "", fmt.Errorf("missing size tag for relocation list"))
	}
	n := sz / 24
	list := make([]Rela64, n)
	for i := uint64(0); i < n; i++ {
		o := off + i*24
		if o+24 > uint64(len(v.Data)) {
			return errs.New(errs.BadFormat, "parseRelaList", "", fmt.Errorf("relocation entry %d out of bounds", i))
		}
		if err := decodeStruct(v.Data[o:o+24], &list[i]); err != nil {
			return err
		}
	}
	*out = list
	return nil
}

func (v *View) Name(sym Sym64) string { return v.cstr(sym.Name) }

// StrtabAt returns the NUL-terminated string at byte offset off in
// .dynstr, e.g. for DT_NEEDED/DT_SONAME/DT_RPATH/DT_RUNPATH values,
// which are string-table offsets rather than symbol table entries.
func (v *View) StrtabAt(off uint64) string { return v.cstr(uint32(off)) }
