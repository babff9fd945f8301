package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/xyproto/luci/image"
)

func TestInternReturnsSameIdentityForSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "libfoo.so")
	if err := os.WriteFile(real, []byte("dummy"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "libfoo-link.so")
	if err := os.Symlink(real, link); err != nil {
		t.Fatal(err)
	}

	chain := NewChain()
	id1, err := chain.Intern(real)
	if err != nil {
		t.Fatalf("Intern(real): %v", err)
	}
	id2, err := chain.Intern(link)
	if err != nil {
		t.Fatalf("Intern(link): %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected Intern to return the same Identity for a symlink to the same inode")
	}
}

func TestAttachAndRetire(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "libbar.so")
	if err := os.WriteFile(path, []byte("dummy"), 0o644); err != nil {
		t.Fatal(err)
	}
	chain := NewChain()
	id, err := chain.Intern(path)
	if err != nil {
		t.Fatal(err)
	}

	v0 := &image.Image{Path: path, Base: 0x1000, FD: -1}
	id.Attach(v0)
	if id.Current() != v0 {
		t.Fatalf("Current() after first attach should be v0")
	}
	if len(id.Prior()) != 0 {
		t.Fatalf("expected no prior versions yet")
	}

	v1 := &image.Image{Path: path, Base: 0x2000, FD: -1}
	id.Attach(v1)
	if id.Current() != v1 {
		t.Fatalf("Current() after second attach should be v1")
	}
	prior := id.Prior()
	if len(prior) != 1 || prior[0] != v0 {
		t.Fatalf("expected v0 as the sole prior version, got %v", prior)
	}

	if err := id.Retire(id.Current()); err == nil {
		t.Fatalf("expected retiring the current version to fail")
	}
}

func TestReleaseRefCounting(t *testing.T) {
	id := &Identity{}
	id.AddRef()
	id.AddRef()
	if id.Release() {
		t.Fatalf("expected Release to report non-zero after first decrement")
	}
	if !id.Release() {
		t.Fatalf("expected Release to report zero after second decrement")
	}
}
