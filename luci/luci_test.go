package luci

import (
	"os"
	"testing"

	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/resolver"
)

func openCreate(path string) (*os.File, error) { return os.Create(path) }

func TestNewLoaderSeedsDefaultNamespace(t *testing.T) {
	l := NewLoader(Config{Chain: identity.NewChain(), Resolver: resolver.New()})
	if _, ok := l.namespaces[NamespaceDefault]; !ok {
		t.Fatalf("expected NamespaceDefault to be pre-seeded")
	}
	if l.NamespaceMax != 16 {
		t.Fatalf("expected default namespace ceiling 16, got %d", l.NamespaceMax)
	}
}

func TestOpenRejectsNoLoadWhenNotAlreadyLoaded(t *testing.T) {
	l := NewLoader(Config{Chain: identity.NewChain(), Resolver: resolver.New()})
	// A real file, so Open gets past Intern and reaches the RTLD_NOLOAD
	// check for an Identity with no version attached yet.
	tmp := t.TempDir() + "/notloaded.so"
	if f, err := openCreate(tmp); err == nil {
		f.Close()
	}
	if _, err := l.Open(tmp, RTLD_NOLOAD, NamespaceDefault); err == nil {
		t.Fatalf("expected RTLD_NOLOAD to reject an image that is not already loaded")
	}
}

func TestNamespaceCeilingEnforced(t *testing.T) {
	l := NewLoader(Config{Chain: identity.NewChain(), Resolver: resolver.New()})
	// Force the ceiling down below the current namespace count directly
	// (bypassing NewLoader's >0 default) to exercise the check itself
	// without depending on a real ELF file reaching load time.
	l.NamespaceMax = 0
	tmp := t.TempDir() + "/stub.so"
	if f, err := openCreate(tmp); err == nil {
		f.Close()
	}
	if _, err := l.Open(tmp, RTLD_NOW, NamespaceNew); err == nil {
		t.Fatalf("expected namespace ceiling of 0 to reject every NamespaceNew request")
	}
}
