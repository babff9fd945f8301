package elfview

import (
	"encoding/binary"

	"github.com/xyproto/luci/errs"
)

// GNUHashTable is a parsed DT_GNU_HASH table, probed first per spec
// §4.3 ("probe its current image using GNU-hash first, SysV-hash as
// fallback").
type GNUHashTable struct {
	nbuckets  uint32
	symOffset uint32
	bloomSize uint32
	bloomShift uint32
	bloom     []uint64
	buckets   []uint32
	chain     []uint32 // indexed from symOffset
}

func (v *View) parseGNUHash() (*GNUHashTable, error) {
	off, err := v.dynOffset(DT_GNU_HASH)
	if err != nil {
		return nil, err
	}
	if off+16 > uint64(len(v.Data)) {
		return nil, errs.New(errs.BadFormat, "parseGNUHash", "", errShortHeader)
	}
	nbuckets := binary.LittleEndian.Uint32(v.Data[off:])
	symOffset := binary.LittleEndian.Uint32(v.Data[off+4:])
	bloomSize := binary.LittleEndian.Uint32(v.Data[off+8:])
	bloomShift := binary.LittleEndian.Uint32(v.Data[off+12:])

	cur := off + 16
	bloom := make([]uint64, bloomSize)
	for i := range bloom {
		bloom[i] = binary.LittleEndian.Uint64(v.Data[cur:])
		cur += 8
	}
	buckets := make([]uint32, nbuckets)
	for i := range buckets {
		buckets[i] = binary.LittleEndian.Uint32(v.Data[cur:])
		cur += 4
	}
	nsyms := uint64(len(v.Symtab))
	var chainLen uint64
	if nsyms > uint64(symOffset) {
		chainLen = nsyms - uint64(symOffset)
	}
	chain := make([]uint32, chainLen)
	for i := range chain {
		chain[i] = binary.LittleEndian.Uint32(v.Data[cur:])
		cur += 4
	}

	return &GNUHashTable{
		nbuckets: nbuckets, symOffset: symOffset,
		bloomSize: bloomSize, bloomShift: bloomShift,
		bloom: bloom, buckets: buckets, chain: chain,
	}, nil
}

// GNUHash is the DJB-derived hash function used by DT_GNU_HASH.
func GNUHash(name string) uint32 {
	h := uint32(5381)
	for i := 0; i < len(name); i++ {
		h = h*33 + uint32(name[i])
	}
	return h
}

// Lookup returns the symbol table index for name, or (0, false) if the
// bloom filter or bucket chain proves it absent.
func (g *GNUHashTable) Lookup(name string, data []byte, symtab []Sym64, v *View) (int, bool) {
	if g == nil || g.nbuckets == 0 {
		return 0, false
	}
	h := GNUHash(name)

	wordBits := uint32(64)
	word := (h / wordBits) % g.bloomSize
	bits := (uint64(1) << (h % wordBits)) | (uint64(1) << ((h >> g.bloomShift) % wordBits))
	if g.bloom[word]&bits != bits {
		return 0, false
	}

	bucket := h % g.nbuckets
	idx := g.buckets[bucket]
	if idx < g.symOffset {
		return 0, false
	}
	for {
		chainIdx := idx - g.symOffset
		if int(chainIdx) >= len(g.chain) {
			return 0, false
		}
		chainHash := g.chain[chainIdx]
		if chainHash|1 == h|1 {
			if int(idx) < len(symtab) && v.Name(symtab[idx]) == name {
				return int(idx), true
			}
		}
		if chainHash&1 != 0 {
			return 0, false // end of chain
		}
		idx++
	}
}

// SysVHashTable is the legacy DT_HASH table (ELF hash, spec §4.3
// fallback).
type SysVHashTable struct {
	nbucket uint32
	nchain  uint32
	bucket  []uint32
	chain   []uint32
}

func (v *View) parseSysVHash() (*SysVHashTable, error) {
	off, err := v.dynOffset(DT_HASH)
	if err != nil {
		return nil, err
	}
	if off+8 > uint64(len(v.Data)) {
		return nil, errs.New(errs.BadFormat, "parseSysVHash", "", errShortHeader)
	}
	nbucket := binary.LittleEndian.Uint32(v.Data[off:])
	nchain := binary.LittleEndian.Uint32(v.Data[off+4:])
	cur := off + 8
	bucket := make([]uint32, nbucket)
	for i := range bucket {
		bucket[i] = binary.LittleEndian.Uint32(v.Data[cur:])
		cur += 4
	}
	chain := make([]uint32, nchain)
	for i := range chain {
		chain[i] = binary.LittleEndian.Uint32(v.Data[cur:])
		cur += 4
	}
	return &SysVHashTable{nbucket: nbucket, nchain: nchain, bucket: bucket, chain: chain}, nil
}

// SysVHash is the classic ELF hash function (spec §4.3).
func SysVHash(name string) uint32 {
	var h, g uint32
	for i := 0; i < len(name); i++ {
		h = (h << 4) + uint32(name[i])
		g = h & 0xf0000000
		if g != 0 {
			h ^= g >> 24
		}
		h &^= g
	}
	return h
}

func (s *SysVHashTable) Lookup(name string, symtab []Sym64, v *View) (int, bool) {
	if s == nil || s.nbucket == 0 {
		return 0, false
	}
	idx := s.bucket[SysVHash(name)%s.nbucket]
	for idx != 0 {
		if int(idx) < len(symtab) && v.Name(symtab[idx]) == name {
			return int(idx), true
		}
		if int(idx) >= len(s.chain) {
			return 0, false
		}
		idx = s.chain[idx]
	}
	return 0, false
}

var errShortHeader = shortHeaderErr{}

type shortHeaderErr struct{}

func (shortHeaderErr) Error() string { return "hash table header out of bounds" }
