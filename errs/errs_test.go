package errs

import (
	"errors"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := map[Kind]string{
		BadFormat:         "BadFormat",
		NotFound:          "NotFound",
		Conflict:          "Conflict",
		ResourceExhausted: "ResourceExhausted",
		Incompatible:      "Incompatible",
		Fatal:             "Fatal",
		Kind(99):          "Unknown",
	}
	for k, want := range cases {
		if got := k.String(); got != want {
			t.Errorf("Kind(%d).String() = %q, want %q", k, got, want)
		}
	}
}

func TestErrorIsSentinel(t *testing.T) {
	err := New(NotFound, "sym", "libfoo.so", errors.New("undefined symbol"))
	if !errors.Is(err, Sentinel(NotFound)) {
		t.Fatalf("expected errors.Is to match NotFound sentinel")
	}
	if errors.Is(err, Sentinel(Conflict)) {
		t.Fatalf("did not expect errors.Is to match Conflict sentinel")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := New(Fatal, "init", "", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected Unwrap to expose cause")
	}
}
