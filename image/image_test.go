package image

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		Unloaded: "UNLOADED", Mapped: "MAPPED", Relocating: "RELOCATING",
		Initializing: "INITIALIZING", Ready: "READY", Retiring: "RETIRING",
	}
	for s, want := range cases {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestPageAlign(t *testing.T) {
	if got := pageAlignDown(0x1234); got != 0x1000 {
		t.Errorf("pageAlignDown(0x1234) = 0x%x, want 0x1000", got)
	}
	if got := pageAlignUp(0x1234); got != 0x2000 {
		t.Errorf("pageAlignUp(0x1234) = 0x%x, want 0x2000", got)
	}
	if got := pageAlignUp(0x1000); got != 0x1000 {
		t.Errorf("pageAlignUp(0x1000) = 0x%x, want 0x1000 (already aligned)", got)
	}
}

func TestSplitColonPath(t *testing.T) {
	got := splitColonPath("/a:/b::/c")
	want := []string{"/a", "/b", "/c"}
	if len(got) != len(want) {
		t.Fatalf("splitColonPath = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("splitColonPath[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestImageStateTransition(t *testing.T) {
	img := &Image{FD: -1}
	img.setState(Mapped)
	if img.State() != Mapped {
		t.Fatalf("State() = %v, want Mapped", img.State())
	}
}
