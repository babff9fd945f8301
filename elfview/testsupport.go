package elfview

import "testing"

// NewSysVHashTable builds a SysV hash table (spec §4.3's fallback hash)
// over a symbol table, for tests elsewhere in the module that need a
// working View without parsing real ELF bytes (mirroring the teacher's
// own test_helpers.go: a same-package, non-_test.go helper imported by
// _test.go files across the tree).
func NewSysVHashTable(t *testing.T, symtab []Sym64, v *View) *SysVHashTable {
	t.Helper()
	nbucket := uint32(len(symtab))
	if nbucket == 0 {
		nbucket = 1
	}
	sh := &SysVHashTable{nbucket: nbucket, nchain: uint32(len(symtab))}
	sh.bucket = make([]uint32, nbucket)
	sh.chain = make([]uint32, len(symtab))
	for i := len(symtab) - 1; i >= 1; i-- { // skip index 0 (SHN_UNDEF slot)
		name := v.Name(symtab[i])
		b := SysVHash(name) % nbucket
		sh.chain[i] = sh.bucket[b]
		sh.bucket[b] = uint32(i)
	}
	return sh
}
