package config

import (
	"testing"

	"github.com/xyproto/luci/logsink"
)

func TestParseArgsTerminator(t *testing.T) {
	base := Config{NamespaceMax: 16}
	args := []string{"--log-level=debug", "--library-path=/a:/b", "--", "/bin/echo", "hi", "there"}

	c, err := ParseArgs(args, base)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if c.LogLevel != logsink.DEBUG {
		t.Errorf("LogLevel = %v, want DEBUG", c.LogLevel)
	}
	if c.TargetProgram != "/bin/echo" {
		t.Errorf("TargetProgram = %q", c.TargetProgram)
	}
	if len(c.TargetArgs) != 2 || c.TargetArgs[0] != "hi" || c.TargetArgs[1] != "there" {
		t.Errorf("TargetArgs = %v", c.TargetArgs)
	}
	if len(c.SearchPath) != 2 || c.SearchPath[0] != "/a" || c.SearchPath[1] != "/b" {
		t.Errorf("SearchPath = %v", c.SearchPath)
	}
}

func TestParseArgsSecureModeIgnoresLibraryPath(t *testing.T) {
	base := Config{NamespaceMax: 16, SecureMode: true}
	c, err := ParseArgs([]string{"--library-path=/evil", "--", "/bin/echo"}, base)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if len(c.SearchPath) != 0 {
		t.Errorf("expected secure mode to ignore --library-path, got %v", c.SearchPath)
	}
}

func TestParseArgsInvalidLogLevel(t *testing.T) {
	base := Config{NamespaceMax: 16}
	if _, err := ParseArgs([]string{"--log-level=bogus"}, base); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestParseArgsWithoutTerminator(t *testing.T) {
	base := Config{NamespaceMax: 16}
	c, err := ParseArgs([]string{"./prog", "arg1"}, base)
	if err != nil {
		t.Fatalf("ParseArgs: %v", err)
	}
	if c.TargetProgram != "./prog" || len(c.TargetArgs) != 1 || c.TargetArgs[0] != "arg1" {
		t.Errorf("got program=%q args=%v", c.TargetProgram, c.TargetArgs)
	}
}
