package pstrace

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// Handler is the top-level entry point (spec §1/§6/§7). It owns the
// collaborator services an embedder supplies (Cursor, MemoryReader,
// ModuleLookup, CFIAccess, Demangler), walks a captured machine
// context into an ordered list of Activations, and resolves each
// one's frame and parameters. One Handler is meant to be reused across
// unwinds from the same process; it carries no per-unwind state
// between calls other than the most recent activation list.
type Handler struct {
	cursor    Cursor
	mem       MemoryReader
	modules   ModuleLookup
	cfi       CFIAccess
	demangler Demangler
	log       logFn

	mu          sync.Mutex
	activations []*Activation
}

// reentryGuard enforces that a fatal signal arriving while an unwind
// is already in progress in this process (on any Handler) does not
// recurse into the evaluator with half-built state. It is a
// package-level atomic, set on entry to Unwind and cleared when Unwind
// returns (spec §7).
var reentryGuard int32

var errReentrant = newError(KindFatal, "unwind", errAlreadyUnwinding)

// HandlerOption configures a Handler at construction time. There are
// no environment variables or config files to read (spec §6): every
// knob is a functional option.
type HandlerOption func(*Handler)

// WithDemangler installs a Demangler; without one, symbol names are
// reported as the linker's raw mangled form.
func WithDemangler(d Demangler) HandlerOption {
	return func(h *Handler) { h.demangler = d }
}

// WithLogger installs a structured logger entry. The default writes
// through logrus's package-level standard logger.
func WithLogger(entry *logrus.Entry) HandlerOption {
	return func(h *Handler) {
		h.log = func(msg string, fields map[string]interface{}) {
			entry.WithFields(fields).Debug(msg)
		}
	}
}

// NewHandler builds a Handler from the four collaborator services
// described in spec §6. cursor and mem are typically the same
// concrete type implementing both interfaces; they are kept distinct
// here because a test harness legitimately wants to fake one without
// the other.
func NewHandler(cursor Cursor, mem MemoryReader, modules ModuleLookup, cfi CFIAccess, opts ...HandlerOption) *Handler {
	h := &Handler{cursor: cursor, mem: mem, modules: modules, cfi: cfi}
	entry := logrus.NewEntry(logrus.StandardLogger())
	h.log = func(msg string, fields map[string]interface{}) { entry.WithFields(fields).Debug(msg) }
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Unwind walks ctx into a full activation list and resolves every
// frame's CFA, call sites, and parameters (spec §4). It is the single
// entry point every rendering/iteration method below builds on.
func (h *Handler) Unwind(ctx *MachineContext) error {
	if !atomic.CompareAndSwapInt32(&reentryGuard, 0, 1) {
		return errReentrant
	}
	defer atomic.StoreInt32(&reentryGuard, 0)

	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.cursor.Init(ctx); err != nil {
		return newError(KindDependency, "unwind", err)
	}

	acts, err := h.walkActivations()
	if err != nil {
		return err
	}
	h.fixupParentLinks(acts)
	h.activations = acts

	// Resolve outermost frame first: by the time a callee's parameters
	// evaluate DW_OP_entry_value, its caller's call-site index already
	// exists (spec §4.4 step 1).
	for i := len(acts) - 1; i >= 0; i-- {
		h.resolveOne(acts[i])
	}
	return nil
}

func (h *Handler) walkActivations() ([]*Activation, error) {
	var acts []*Activation
	for {
		act := newActivation(h.cursor.PC(), h.cursor.SP())
		acts = append(acts, act)

		more, err := h.cursor.Step()
		if err != nil {
			h.log("cursor step failed", map[string]interface{}{"error": err.Error()})
			break
		}
		if !more {
			break
		}
		if len(acts) >= 4096 {
			// Runaway CFI (a cycle in a corrupt or fuzzed .eh_frame) must
			// not hang the unwinder.
			h.log("unwind aborted: activation limit reached", map[string]interface{}{"limit": 4096})
			break
		}
	}
	return acts, nil
}

// fixupParentLinks sets each activation's parentIdx to the NEXT
// (caller) entry in the callee-first walk order, per REDESIGN FLAG
// "cyclic parent/child activation link -> non-owning index, not
// pointer" (spec §9).
func (h *Handler) fixupParentLinks(acts []*Activation) {
	for i := range acts {
		if i+1 < len(acts) {
			acts[i].parentIdx = i + 1
		} else {
			acts[i].parentIdx = -1
		}
	}
}

func (h *Handler) parentOf(act *Activation) *Activation {
	if act.parentIdx < 0 || act.parentIdx >= len(h.activations) {
		return nil
	}
	return h.activations[act.parentIdx]
}

func (h *Handler) resolveOne(act *Activation) {
	if file, line, err := h.modules.LineAt(act.PC); err == nil {
		act.File, act.Line = file, line
	}
	if mangled, err := h.modules.SymbolAt(act.PC); err == nil {
		act.Name = h.demangleName(mangled)
	}

	module, err := h.modules.ModuleOf(act.PC)
	if err != nil {
		h.log("module lookup failed", map[string]interface{}{"pc": act.PC, "error": err.Error()})
		return
	}
	act.module = module
	env := evalEnv{cursor: h.cursor, mem: h.mem}
	parent := h.parentOf(act)

	if err := resolveFrame(act, module, h.cfi, env, h.log); err != nil {
		h.log("frame resolution failed", map[string]interface{}{"pc": act.PC, "error": err.Error()})
	}
	if err := resolveCallSites(act, parent, h.modules, env, h.log); err != nil {
		h.log("call-site resolution failed", map[string]interface{}{"pc": act.PC, "error": err.Error()})
	}
	if err := resolveParameters(act, parent, h.modules, env, h.log); err != nil {
		h.log("parameter resolution failed", map[string]interface{}{"pc": act.PC, "error": err.Error()})
	}
}

func (h *Handler) demangleName(mangled string) string {
	if h.demangler == nil {
		return mangled
	}
	pretty, err := h.demangler.Demangle(mangled)
	if err != nil {
		return mangled
	}
	return pretty
}

// NextFunction implements the embedder-facing iteration API (spec
// §6): walking the activation list frame by frame, innermost first.
// prev == nil starts the walk; a nil return means the walk is done.
func (h *Handler) NextFunction(prev *Activation) *Activation {
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev == nil {
		if len(h.activations) == 0 {
			return nil
		}
		return h.activations[0]
	}
	for i, a := range h.activations {
		if a == prev {
			if i+1 < len(h.activations) {
				return h.activations[i+1]
			}
			return nil
		}
	}
	return nil
}

// NextParameter mirrors NextFunction for a single activation's
// top-level parameter/local list.
func (h *Handler) NextParameter(act *Activation, prev *Parameter) *Parameter {
	if prev == nil {
		if len(act.Params) == 0 {
			return nil
		}
		return act.Params[0]
	}
	for i, p := range act.Params {
		if p == prev {
			if i+1 < len(act.Params) {
				return act.Params[i+1]
			}
			return nil
		}
	}
	return nil
}
