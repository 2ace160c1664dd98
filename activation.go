package pstrace

import "debug/dwarf"

// ParamFlags is the bitset of Parameter.Flags (spec §3).
type ParamFlags uint32

const (
	FlagReturn ParamFlags = 1 << iota
	FlagVariable
	FlagHasValue
	FlagConst
	FlagPointer
	FlagInt
	FlagUint
	FlagFloat
	FlagBool
	FlagChar
	FlagUChar
	FlagRef
	FlagArray
	FlagStruct
	FlagUnion
	FlagEnum
	FlagClass
	FlagTypedef
	FlagVoid
	FlagUnspec
)

// TypeChainEntry is one link of a Parameter's reconstructed type
// chain: a qualifier (const, pointer, typedef name, ...) or the
// terminal base type.
type TypeChainEntry struct {
	Kind string // "const", "volatile", "restrict", "pointer", "typedef", "base", "array", "struct", "union", "enum", "class", "subroutine", "unknown", "void"
	Name string // typedef/base/struct name, empty for bare qualifiers
}

// Parameter is a resolved formal parameter, local variable, or the
// synthetic "..." unspecified-parameters marker (spec §3).
type Parameter struct {
	Name       string
	Line       int
	SizeBits   int
	Flags      ParamFlags
	TypeChain  []TypeChainEntry
	Value      uint64
	HasValue   bool
	Location   Expression
	locListPtr bool // true if the location is a loclistptr; no range is selected and the parameter stays without a value

	children []*Parameter // not filled by the resolver (lexical-block locals go into Activation.Params), so NextChild returns nil for resolved parameters
}

// NextChild implements the embedder-facing iteration API (spec §6):
// next_child(parameter, prev) -> parameter|none.
func (p *Parameter) NextChild(prev *Parameter) *Parameter {
	if prev == nil {
		if len(p.children) == 0 {
			return nil
		}
		return p.children[0]
	}
	for i, c := range p.children {
		if c == prev {
			if i+1 < len(p.children) {
				return p.children[i+1]
			}
			return nil
		}
	}
	return nil
}

// CallSiteParam is one parameter record attached to an outbound call,
// recorded on the caller side (spec §3), grounded on
// pst_call_site_param in original_source/framework/dwarf_call_site.h.
type CallSiteParam struct {
	Location          Expression // the callee-side slot (register or memory cell)
	Value             uint64     // the value the caller computed for that slot
	CalleeParamOffset dwarf.Offset
}

// CallSite is one outbound-call record indexed into the caller's
// activation (spec §3/§4.4), grounded on pst_call_site in
// original_source/framework/dwarf_call_site.h.
type CallSite struct {
	Target   uint64 // resolved callee entry-point address, or 0 if indirect/unresolvable
	Origin   string // callee's name, or empty
	CallPC   uint64
	TailCall bool
	Params   []CallSiteParam
}

// callSiteIndex is the per-activation lookup structure (C5): a
// caller's recorded outbound calls, keyed both by target address and
// by origin name, replacing the hash-multimap primitive of the
// original C++ source per the spec's REDESIGN FLAGS.
type callSiteIndex struct {
	byTarget map[uint64]*CallSite
	byOrigin map[string]*CallSite
}

func newCallSiteIndex() *callSiteIndex {
	return &callSiteIndex{byTarget: map[uint64]*CallSite{}, byOrigin: map[string]*CallSite{}}
}

func (idx *callSiteIndex) add(cs *CallSite) {
	if cs.Target != 0 {
		idx.byTarget[cs.Target] = cs
	}
	if cs.Origin != "" {
		idx.byOrigin[cs.Origin] = cs
	}
}

func (idx *callSiteIndex) lookup(target uint64, origin string) *CallSite {
	if cs, ok := idx.byTarget[target]; ok {
		return cs
	}
	if origin != "" {
		if cs, ok := idx.byOrigin[origin]; ok {
			return cs
		}
	}
	return nil
}

// Function is the read-only info struct exposed to embedders (spec §6
// "Function info struct"): name, file, line, PC.
type Function struct {
	Name string
	File string
	Line int
	PC   uint64
}

// Activation is one stack frame (spec §3). parentIdx is a
// non-owning index into the Handler's activation slice (-1 for the
// outermost frame), per REDESIGN FLAG "cyclic parent/child activation
// link -> stored as a non-owning back-reference ... the parent link is
// an index (or none), not a pointer".
type Activation struct {
	PC          uint64
	SP          uint64
	CFA         uint64
	HasCFA      bool
	FrameBase   uint64
	RetRegister int

	File string
	Line int
	Name string // demangled function name

	ReturnType string // rendered from the function DIE's own DW_AT_type, "void" if absent

	LowPC, HighPC uint64

	Params []*Parameter

	callSites *callSiteIndex

	parentIdx int // index into handler.activations, or -1

	module *Module
	die    *dwarf.Entry
}

func newActivation(pc, sp uint64) *Activation {
	return &Activation{PC: pc, SP: sp, RetRegister: -1, callSites: newCallSiteIndex(), parentIdx: -1}
}

func (a *Activation) Function() Function {
	return Function{Name: a.Name, File: a.File, Line: a.Line, PC: a.PC}
}
