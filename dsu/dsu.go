// Package dsu implements C7 (spec §4.7): the per-Identity Dynamic
// Software Updating state machine -- watch, candidate mapping,
// compatibility check, dependent re-relocation, atomic swap, retirement.
package dsu

import (
	"fmt"
	"os"
	"sync"

	"github.com/xyproto/luci/errs"
	"github.com/xyproto/luci/identity"
	"github.com/xyproto/luci/image"
	"github.com/xyproto/luci/initfini"
	"github.com/xyproto/luci/logsink"
	"github.com/xyproto/luci/reloc"
)

// State is one Identity's position in spec §4.7's state machine.
type State int

const (
	Idle State = iota
	WatchArmed
	CandidateMapped
	CompatibilityChecked
	RelocatingDependents
	Swapped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case WatchArmed:
		return "WATCH_ARMED"
	case CandidateMapped:
		return "CANDIDATE_MAPPED"
	case CompatibilityChecked:
		return "COMPATIBILITY_CHECKED"
	case RelocatingDependents:
		return "RELOCATING_DEPENDENTS"
	case Swapped:
		return "SWAPPED"
	default:
		return "UNKNOWN"
	}
}

// DependentsFunc returns every currently-loaded image that references
// identity `target` via DT_NEEDED (directly or transitively), supplied
// by the caller since only the identity chain + public API layer knows
// the full loaded set.
type DependentsFunc func(target *identity.Identity) []*image.Image

// Controller drives the DSU state machine for every watched Identity
// (spec §4.7). One Controller serializes all updates under UpdateLock,
// matching spec §5's "process-wide update lock".
type Controller struct {
	UpdateLock sync.Mutex

	chain      *identity.Chain
	watcher    *Watcher
	opener     func(string) (*os.File, error)
	log        logsink.Sink
	reloc      *reloc.Engine
	resolver   reloc.Resolver
	seq        *initfini.Sequencer
	hashSource FuncHashSource
	dependents DependentsFunc
	tracer     *Tracer

	mu     sync.Mutex
	states map[identity.Key]State
}

// Config bundles the Controller's collaborators. A nil Log falls back to
// logsink.Discard and a nil HashSource to NoopFuncHashSource; a nil
// Watcher, Reloc, Resolver, Sequencer or Dependents skips the step that
// uses it.
type Config struct {
	Chain      *identity.Chain
	Watcher    *Watcher
	Opener     func(string) (*os.File, error)
	Log        logsink.Sink
	Reloc      *reloc.Engine
	// Resolver re-resolves each dependent's relocation slots against the
	// new candidate during ReRelocateDependents (spec §4.4's
	// re-relocation protocol). Production wiring passes
	// luci.Loader.RelocResolver(), since only the luci package knows
	// every open handle's Scope; with a nil Resolver, HandleEvent swaps
	// in the new version without re-relocating any dependent and logs a
	// warning.
	Resolver   reloc.Resolver
	Sequencer  *initfini.Sequencer
	HashSource FuncHashSource
	Dependents DependentsFunc
}

func NewController(cfg Config) *Controller {
	log := cfg.Log
	if log == nil {
		log = logsink.Discard
	}
	hs := cfg.HashSource
	if hs == nil {
		hs = NoopFuncHashSource{}
	}
	return &Controller{
		chain:      cfg.Chain,
		watcher:    cfg.Watcher,
		opener:     cfg.Opener,
		log:        log,
		reloc:      cfg.Reloc,
		resolver:   cfg.Resolver,
		seq:        cfg.Sequencer,
		hashSource: hs,
		dependents: cfg.Dependents,
		tracer:     NewTracer(256),
		states:     make(map[identity.Key]State),
	}
}

func (c *Controller) Tracer() *Tracer { return c.tracer }

func (c *Controller) stateOf(key identity.Key) State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.states[key]
}

func (c *Controller) setState(id *identity.Identity, s State) {
	c.mu.Lock()
	c.states[id.Key] = s
	c.mu.Unlock()
	c.tracer.Record(id.Path, s)
	c.log.Log(logsink.TRACE, "dsu: %s -> %s", id.Path, s)
}

// Arm transitions an Identity to WATCH_ARMED and begins watching its
// canonical path for new bytes (spec §4.7's Watch phase). Arm only adds
// the watch; debounced events arrive on the Watcher's Events channel.
func (c *Controller) Arm(id *identity.Identity) error {
	c.setState(id, WatchArmed)
	if c.watcher == nil {
		return nil // watching is optional (spec §6's --dsu-watch toggle)
	}
	return c.watcher.Add(id.Path)
}

// HandleEvent runs the full state machine for one detected "new bytes
// available" event on id's path (spec §4.7), returning whether the
// update was applied (false means compatibility rejected it, which is
// not itself an error).
func (c *Controller) HandleEvent(id *identity.Identity) (bool, error) {
	c.UpdateLock.Lock()
	defer c.UpdateLock.Unlock()

	candidate, err := image.Load(id.Path, c.opener, c.log)
	if err != nil {
		return false, errs.New(errs.ResourceExhausted, "HandleEvent", id.Path, err)
	}
	c.setState(id, CandidateMapped)

	oldImg := id.Current()
	if oldImg == nil {
		return false, errs.New(errs.Conflict, "HandleEvent", id.Path, fmt.Errorf("identity has no current version to update"))
	}

	report, err := CheckCompatibility(oldImg, candidate, c.hashSource)
	if err != nil {
		return false, err
	}
	c.setState(id, CompatibilityChecked)
	if !report.Compatible() {
		c.log.Log(logsink.INFO, "dsu: rejecting update for %s: %v", id.Path, report.Reasons)
		return false, nil
	}
	if err := report.PreserveWritableState(oldImg, candidate); err != nil {
		return false, err
	}

	id.Attach(candidate)
	c.setState(id, RelocatingDependents)

	var deps []*image.Image
	if c.dependents != nil {
		deps = c.dependents(id)
	}
	incompatible := func(name string) bool { return report.incompatibleSymbols[name] }
	switch {
	case c.reloc != nil && c.resolver != nil:
		if _, err := c.reloc.ReRelocateDependents(deps, id, c.resolver, incompatible); err != nil {
			return false, err
		}
	case c.reloc != nil:
		// No Resolver configured: re-relocating with a fabricated value
		// would corrupt every dependent GOT/PLT slot it touches, which is
		// strictly worse than leaving them bound to the old version, so
		// this update is applied without re-relocating anyone (spec
		// §4.7's swap still proceeds; dependents simply keep calling
		// v_old until restarted).
		c.log.Log(logsink.WARN, "dsu: no resolver configured for %s, dependents left unrelocated", id.Path)
	}

	if c.seq != nil {
		if err := c.seq.RunInit(candidate); err != nil {
			return false, err
		}
	}

	c.setState(id, Swapped)
	return true, nil
}

// PollRetirement unmaps every Prior version of id whose retirement
// predicate holds (spec §4.7's "periodically polls the retirement
// predicate"). The predicate itself -- "no live frame can return into
// it" -- cannot be determined from inside this package (it requires
// stack-walking every thread), so it is supplied by the caller; a nil
// predicate retires nothing, since guessing wrong would unmap memory a
// suspended goroutine might still return into.
func (c *Controller) PollRetirement(id *identity.Identity, retirable func(*image.Image) bool) {
	if retirable == nil {
		return
	}
	for _, v := range id.Prior() {
		if retirable(v) {
			if err := id.Retire(v); err != nil {
				c.log.Log(logsink.WARN, "dsu: retire %s: %v", id.Path, err)
			}
		}
	}
}
