package procstart

import (
	"testing"
	"unsafe"
)

// TestBuildLayoutMatchesABI checks that Build places argc, argv, NULL,
// envp, NULL, and a terminated auxv onto the returned stack exactly the
// way a program's own _start expects to find them (spec §6: the loader
// owes the target the same stack contract the kernel owes a statically
// linked one).
func TestBuildLayoutMatchesABI(t *testing.T) {
	argv := []string{"/bin/target", "-x"}
	envp := []string{"HOME=/root"}
	aux := AuxInfo{Phdr: 0x401000, Phent: 56, Phnum: 9, EntryPoint: 0x401500}

	sp, err := Build(argv, envp, aux)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if sp%16 != 0 {
		t.Fatalf("initial stack pointer 0x%x is not 16-byte aligned", sp)
	}

	readWord := func(off int) uint64 {
		return *(*uint64)(unsafe.Pointer(sp + uintptr(off*8)))
	}
	readCStr := func(addr uint64) string {
		p := unsafe.Pointer(uintptr(addr))
		var b []byte
		for {
			c := *(*byte)(p)
			if c == 0 {
				break
			}
			b = append(b, c)
			p = unsafe.Pointer(uintptr(p) + 1)
		}
		return string(b)
	}

	if got := readWord(0); got != uint64(len(argv)) {
		t.Fatalf("argc = %d, want %d", got, len(argv))
	}
	for i, want := range argv {
		if got := readCStr(readWord(1 + i)); got != want {
			t.Fatalf("argv[%d] = %q, want %q", i, got, want)
		}
	}
	if got := readWord(1 + len(argv)); got != 0 {
		t.Fatalf("argv NULL terminator missing, got 0x%x", got)
	}

	envBase := 1 + len(argv) + 1
	for i, want := range envp {
		if got := readCStr(readWord(envBase + i)); got != want {
			t.Fatalf("envp[%d] = %q, want %q", i, got, want)
		}
	}
	if got := readWord(envBase + len(envp)); got != 0 {
		t.Fatalf("envp NULL terminator missing, got 0x%x", got)
	}

	auxBase := envBase + len(envp) + 1
	foundEntry := false
	for i := 0; ; i += 2 {
		tag := readWord(auxBase + i)
		val := readWord(auxBase + i + 1)
		if tag == atNull {
			break
		}
		if tag == atEntry {
			foundEntry = true
			if val != aux.EntryPoint {
				t.Fatalf("AT_ENTRY = 0x%x, want 0x%x", val, aux.EntryPoint)
			}
		}
	}
	if !foundEntry {
		t.Fatalf("AT_ENTRY not found in auxv")
	}
}

func TestBuildRejectsOversizedArgv(t *testing.T) {
	huge := make([]string, 0, 1<<20)
	for i := 0; i < cap(huge); i++ {
		huge = append(huge, "argument-string-padding-to-exceed-the-stack-budget")
	}
	if _, err := Build(huge, nil, AuxInfo{}); err == nil {
		t.Fatalf("expected Build to reject an argv list that exceeds the reserved stack region")
	}
}
