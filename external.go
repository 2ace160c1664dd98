package pstrace

import "debug/dwarf"

// Register numbers 0..31 on x86-64, per spec §6: RAX, RDX, RCX, RBX,
// RSI, RDI, RBP, RSP, R8..R15, RIP, XMM0..XMM14.
const (
	RegRAX = iota
	RegRDX
	RegRCX
	RegRBX
	RegRSI
	RegRDI
	RegRBP
	RegRSP
	RegR8
	RegR9
	RegR10
	RegR11
	RegR12
	RegR13
	RegR14
	RegR15
	RegRIP
	RegXMM0
)

// MachineContext is the captured signal context (opaque to the core:
// it is handed straight to Cursor.Init). The signal-handler shim that
// populates it is out of scope (spec §1); this struct exists so the
// core has something concrete to pass through.
type MachineContext struct {
	PC uint64
	SP uint64
	BP uint64
}

// Cursor is the frame-walking iterator the core consumes (spec §6).
// Implementations wrap whatever low-level register/PC/SP cursor the
// embedder's unwinder provides; the core never inspects registers
// except through this interface.
type Cursor interface {
	Init(ctx *MachineContext) error
	// Step advances to the next (caller) frame. It returns false when
	// there are no more frames.
	Step() (bool, error)
	// Reg reads DWARF register n (0..31 on x86-64) for the frame the
	// cursor currently points at.
	Reg(n int) (uint64, error)
	// PC and SP return the current frame's program counter and stack
	// pointer; equivalent to Reg(RegRIP)/Reg(RegRSP) but avoids an
	// error return for the two registers every caller needs.
	PC() uint64
	SP() uint64
}

// MemoryReader is the unchecked memory-read path used by deref/deref_size
// (spec §5: "unchecked pointer loads; the caller accepts the
// possibility of a nested fault").
type MemoryReader interface {
	ReadMemory(addr uint64, size int) (uint64, error)
}

// Module identifies a loaded ELF image (the main executable or a
// shared object) at the address it is currently mapped at.
type Module struct {
	Name string
	Bias uint64
}

// ModuleLookup is the "find module/DIE/line by PC" service (spec §6).
type ModuleLookup interface {
	ModuleOf(pc uint64) (*Module, error)
	DIEAt(pc uint64) (*dwarf.Entry, *dwarf.Reader, error)
	LineAt(pc uint64) (file string, line int, err error)
	SymbolAt(pc uint64) (mangled string, err error)
	// Reader returns a fresh DWARF entry reader over the debug info of
	// the module containing pc. Callers Seek it to a DIE offset (type
	// references, call-origin and abstract-origin references).
	Reader(pc uint64) (*dwarf.Reader, error)
}

// FDE is the minimal frame-descriptor information the CFI access
// service hands back for a given PC: the return-address register
// column, the function's PC range (for diagnostics), and the
// CFA-defining opcode sequence to be evaluated by the engine itself
// (spec §4.3 step 3).
type FDE struct {
	RetRegister int
	LowPC       uint64
	HighPC      uint64
	CFAOps      []byte
}

// CFIAccess is the call-frame-information service (spec §6):
// ".eh_frame" preferred, falling back to ".debug_frame".
type CFIAccess interface {
	EHFrame(m *Module) ([]byte, bool)
	DebugFrame(m *Module) ([]byte, bool)
	FrameAt(cfi []byte, pc uint64) (*FDE, error)
}

// Demangler turns a mangled symbol into its pretty form (spec §6).
type Demangler interface {
	Demangle(mangled string) (string, error)
}

// Allocator is part of the consumed-service contract in spec §6. No
// code path in this repo calls it: Go's runtime allocator already
// does this job, so the interface exists only so an embedder wiring
// the original C contract 1:1 has somewhere to plug a custom
// allocator in, and is otherwise unused (see DESIGN.md).
type Allocator interface {
	Alloc(size int) ([]byte, error)
}
