// Package config gathers the loader's CLI and environment intake (spec
// §6). CLI parsing follows the teacher's flag.NewFlagSet + manual
// subcommand dispatch idiom (cli.go, main.go); environment variables are
// read with github.com/xyproto/env/v2's typed accessors and then erased
// from the process environment, per spec §6.
package config

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/xyproto/env/v2"
	"github.com/xyproto/luci/logsink"
)

// Config holds everything the loader needs before it maps the target
// program: search path, logging, debugger/DSU toggles, namespace ceiling,
// and the target program plus its argv (spec §6's "-- terminator").
type Config struct {
	SearchPath    []string
	LogLevel      logsink.Level
	LogPath       string
	LogAppend     bool
	DebuggerOn    bool
	DSUWatchOn    bool
	NamespaceMax  int
	SecureMode    bool // LUCI_SECURE-equivalent: disables user search-path processing
	TargetProgram string
	TargetArgs    []string
}

const (
	envLogLevel     = "LUCI_LOG_LEVEL"
	envLogFile      = "LUCI_LOG_FILE"
	envLogAppend    = "LUCI_LOG_APPEND"
	envLibraryPath  = "LUCI_LIBRARY_PATH"
	envNamespaceMax = "LUCI_NS_MAX"
	envSecure       = "LUCI_SECURE"
	envDebugger     = "LUCI_DEBUGGER"
	envDSUWatch     = "LUCI_DSU_WATCH"
)

// recognizedEnvVars lists every variable consumed by FromEnvironment, so
// EraseRecognized can remove exactly these and nothing else.
var recognizedEnvVars = []string{
	envLogLevel, envLogFile, envLogAppend, envLibraryPath,
	envNamespaceMax, envSecure, envDebugger, envDSUWatch,
}

// FromEnvironment reads the recognized environment variables (spec §6)
// into a Config. It does not erase them; call EraseRecognized once
// parsing of both CLI and environment is complete, so a CLI flag can
// still observe (and override) an environment-provided default.
func FromEnvironment() Config {
	c := Config{
		LogLevel:     logsink.NONE,
		NamespaceMax: env.Int(envNamespaceMax, 16),
		SecureMode:   env.Bool(envSecure),
		DebuggerOn:   env.Bool(envDebugger),
		DSUWatchOn:   env.Bool(envDSUWatch),
		LogAppend:    env.Bool(envLogAppend),
		LogPath:      env.Str(envLogFile),
	}
	if lvlStr := env.Str(envLogLevel); lvlStr != "" {
		if lvl, ok := logsink.ParseLevel(lvlStr); ok {
			c.LogLevel = lvl
		}
	}
	if !c.SecureMode {
		if p := env.Str(envLibraryPath); p != "" {
			c.SearchPath = splitPathList(p)
		}
	}
	return c
}

// EraseRecognized removes every variable FromEnvironment consults from
// the process environment, per spec §6: "erased from the process
// environment after read".
func EraseRecognized() {
	for _, name := range recognizedEnvVars {
		os.Unsetenv(name)
	}
}

func splitPathList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ":") {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ParseArgs parses the loader's CLI surface (spec §6): search-path list,
// log severity, log destination, debugger/DSU toggles, namespace
// ceiling, and the "--" terminator after which the remaining arguments
// belong to the target program.
func ParseArgs(args []string, base Config) (Config, error) {
	c := base

	fs := flag.NewFlagSet("luci-ld", flag.ContinueOnError)
	var searchPath, logLevel, logFile string
	var logAppend, debuggerOn, dsuWatchOn bool
	var nsMax int

	fs.StringVar(&searchPath, "library-path", "", "colon-separated search path list")
	fs.StringVar(&logLevel, "log-level", "", "log severity: none,fatal,error,warn,info,debug,trace")
	fs.StringVar(&logFile, "log-file", "", "log destination path (default: stderr)")
	fs.BoolVar(&logAppend, "log-append", c.LogAppend, "append to --log-file instead of truncating")
	fs.BoolVar(&debuggerOn, "debugger", c.DebuggerOn, "enable debugger notification (_r_debug)")
	fs.BoolVar(&dsuWatchOn, "dsu-watch", c.DSUWatchOn, "enable the DSU file-watcher")
	fs.IntVar(&nsMax, "ns-max", c.NamespaceMax, "maximum number of dlopen namespaces")

	// Split at "--": everything after belongs to the target program.
	splitAt := len(args)
	for i, a := range args {
		if a == "--" {
			splitAt = i
			break
		}
	}
	loaderArgs := args[:splitAt]
	rest := args[splitAt:]
	if len(rest) > 0 {
		rest = rest[1:] // drop the "--" itself
	}

	if err := fs.Parse(loaderArgs); err != nil {
		return c, fmt.Errorf("parse loader args: %w", err)
	}

	if searchPath != "" && !c.SecureMode {
		c.SearchPath = append(c.SearchPath, splitPathList(searchPath)...)
	}
	if logLevel != "" {
		lvl, ok := logsink.ParseLevel(logLevel)
		if !ok {
			return c, fmt.Errorf("invalid --log-level %q", logLevel)
		}
		c.LogLevel = lvl
	}
	if logFile != "" {
		c.LogPath = logFile
	}
	c.LogAppend = logAppend
	c.DebuggerOn = debuggerOn
	c.DSUWatchOn = dsuWatchOn
	c.NamespaceMax = nsMax

	if len(rest) == 0 {
		// fs.Args() covers the case where no "--" was given but
		// positional arguments remain (e.g. `luci-ld ./prog arg1`).
		rest = fs.Args()
	}
	if len(rest) > 0 {
		c.TargetProgram = rest[0]
		c.TargetArgs = rest[1:]
	}

	return c, nil
}
