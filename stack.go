package pstrace

// evalEnv bundles the register/memory access the stack needs to
// resolve location-kind values, per spec §4.1 ("read that register
// from the cursor" / "read 8 bytes from that address").
type evalEnv struct {
	cursor Cursor
	mem    MemoryReader
}

// Stack is the typed operand stack the DWARF expression virtual
// machine runs on (C2), grounded on pst_dwarf_stack in
// original_source/framework/dwarf_stack.h. It is a short-lived scratch
// object: one Stack per expression evaluation, never shared across
// frames or goroutines (spec §5).
type Stack struct {
	cells []Value
	env   evalEnv
}

func newStack(env evalEnv) *Stack {
	return &Stack{env: env}
}

// push appends a new value built from a raw payload/size/type triple.
func (s *Stack) push(payload uint64, size int, t TypeFlags) {
	s.cells = append(s.cells, newValue(payload, size, t))
}

// pushValue appends an already-built Value verbatim (no re-typing).
func (s *Stack) pushValue(v Value) {
	s.cells = append(s.cells, v)
}

// pop removes and returns the top value. ok is false on an empty stack.
func (s *Stack) pop() (Value, bool) {
	n := len(s.cells)
	if n == 0 {
		return Value{}, false
	}
	v := s.cells[n-1]
	s.cells = s.cells[:n-1]
	return v, true
}

// peek returns the value at depth idx from the top (0 = top) without
// removing it.
func (s *Stack) peek(idx int) (Value, bool) {
	n := len(s.cells)
	if idx < 0 || idx >= n {
		return Value{}, false
	}
	return s.cells[n-1-idx], true
}

// set retypes/overwrites the value at depth idx in place.
func (s *Stack) set(idx int, payload uint64, size int, t TypeFlags) bool {
	n := len(s.cells)
	if idx < 0 || idx >= n {
		return false
	}
	s.cells[n-1-idx] = newValue(payload, size, t)
	return true
}

func (s *Stack) clear() {
	s.cells = s.cells[:0]
}

func (s *Stack) len() int { return len(s.cells) }

// dereferenceOnce applies the single-dereference rule (spec §4.1/§9):
// REGISTER_LOC reads the register, MEMORY_LOC reads 8 bytes from that
// address, anything else returns the payload unchanged.
func (s *Stack) dereferenceOnce(v Value) (uint64, error) {
	switch {
	case v.Type&TypeRegisterLoc != 0:
		return s.env.cursor.Reg(int(v.Payload))
	case v.Type&TypeMemoryLoc != 0:
		return s.env.mem.ReadMemory(v.Payload, 8)
	default:
		return v.Payload, nil
	}
}

// getResult pops nothing; it extracts the final integer result of a
// completed expression by applying the single-dereference rule to the
// top (and only) cell, per spec §4.1. The stack is always cleared
// after extraction regardless of success, matching the invariant in
// spec §8 ("the stack is empty after get_result regardless").
func (s *Stack) getResult() (uint64, error) {
	defer s.clear()
	if len(s.cells) == 0 {
		return 0, newError(KindEvaluation, "get_result", errStackUnderflow)
	}
	top := s.cells[len(s.cells)-1]
	v, err := s.dereferenceOnce(top)
	if err != nil {
		return 0, newError(KindEvaluation, "get_result", err)
	}
	return v, nil
}

// promoteRegisterTop replaces a REGISTER_LOC top-of-stack with its
// register's contents, tagged GENERIC, per spec §4.1 ("a
// register-location peek is silently replaced by the register's
// contents"). It is a no-op for any other top value (in particular
// MEMORY_LOC survives, so pointer arithmetic stays addressable).
func (s *Stack) promoteRegisterTop() error {
	return s.promoteAt(0)
}

// promoteAt replaces the cell at depth idx (0 = top) with its
// register's contents if it is REGISTER_LOC, same rule as
// promoteRegisterTop but at an arbitrary depth.
func (s *Stack) promoteAt(idx int) error {
	n := len(s.cells)
	if idx < 0 || idx >= n {
		return nil
	}
	pos := n - 1 - idx
	cell := s.cells[pos]
	if cell.Type&TypeRegisterLoc == 0 {
		return nil
	}
	regVal, err := s.env.cursor.Reg(int(cell.Payload))
	if err != nil {
		return newError(KindEvaluation, "register read", err)
	}
	s.cells[pos] = Value{Payload: regVal, Type: TypeGeneric}
	return nil
}

// promoteOperands promotes the top n cells (all of an arithmetic/logic
// op's operands, not just the one it happens to pop first) from
// REGISTER_LOC to register contents, per spec §4.1 ("promoting the
// operands a register-arithmetic op consumes").
func (s *Stack) promoteOperands(n int) error {
	for i := 0; i < n; i++ {
		if err := s.promoteAt(i); err != nil {
			return err
		}
	}
	return nil
}
