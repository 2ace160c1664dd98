package pstrace

import "testing"

type fakeCursor struct {
	regs map[int]uint64
	pc   uint64
	sp   uint64
}

func (c *fakeCursor) Init(ctx *MachineContext) error { c.pc, c.sp = ctx.PC, ctx.SP; return nil }
func (c *fakeCursor) Step() (bool, error)            { return false, nil }
func (c *fakeCursor) Reg(n int) (uint64, error)       { return c.regs[n], nil }
func (c *fakeCursor) PC() uint64                      { return c.pc }
func (c *fakeCursor) SP() uint64                      { return c.sp }

type fakeMem struct {
	cells map[uint64]uint64
}

func (m *fakeMem) ReadMemory(addr uint64, size int) (uint64, error) {
	v := m.cells[addr]
	mask := uint64(1)<<(uint(size)*8) - 1
	if size == 8 {
		mask = ^uint64(0)
	}
	return v & mask, nil
}

func testEnv() evalEnv {
	return evalEnv{
		cursor: &fakeCursor{regs: map[int]uint64{RegRBP: 0x2000, RegRAX: 7}},
		mem:    &fakeMem{cells: map[uint64]uint64{0x1000: 0x42}},
	}
}

func eval(t *testing.T, raw []byte) uint64 {
	t.Helper()
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	act := newActivation(0x1000, 0x2000)
	act.CFA = 0x2010
	act.HasCFA = true
	ev := newEvaluator(act, nil, testEnv(), nil)
	v, err := ev.Eval(expr)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	return v
}

func TestConstPushAndAdd(t *testing.T) {
	// DW_OP_lit5 DW_OP_lit3 DW_OP_plus -> 8
	raw := []byte{byte(OpLit0 + 5), byte(OpLit0 + 3), byte(OpPlus)}
	if got := eval(t, raw); got != 8 {
		t.Errorf("got %d, want 8", got)
	}
}

func TestDivideByZero(t *testing.T) {
	raw := []byte{byte(OpLit0 + 4), byte(OpLit0), byte(OpDiv)}
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatal(err)
	}
	ev := newEvaluator(newActivation(0, 0), nil, testEnv(), nil)
	if _, err := ev.Eval(expr); err == nil {
		t.Fatal("expected divide-by-zero error")
	}
}

func TestDupDropRoundTrip(t *testing.T) {
	raw := []byte{byte(OpLit0 + 9), byte(OpDup), byte(OpDrop)}
	if got := eval(t, raw); got != 9 {
		t.Errorf("got %d, want 9", got)
	}
}

func TestFbregEquivalentToCFA(t *testing.T) {
	// DW_OP_call_frame_cfa DW_OP_stack_value should equal
	// DW_OP_fbreg 0 DW_OP_stack_value (CFA + 0). Without stack_value the
	// fbreg result is a MEMORY_LOC and get_result would dereference it.
	cfaOnly := eval(t, []byte{byte(OpCallFrameCFA), byte(OpStackValue)})
	fbregZero := eval(t, append(append([]byte{byte(OpFbreg)}, encodeSLEB128(0)...), byte(OpStackValue)))
	if cfaOnly != fbregZero {
		t.Errorf("call_frame_cfa=%x, fbreg 0=%x, want equal", cfaOnly, fbregZero)
	}
}

func TestBregReadsRegisterPlusOffset(t *testing.T) {
	// DW_OP_breg0(RAX) + 3 -> regs[RegRAX] (7) + 3 = 10
	raw := append([]byte{byte(OpBreg0 + RegRAX)}, encodeSLEB128(3)...)
	if got := eval(t, raw); got != 10 {
		t.Errorf("got %d, want 10", got)
	}
}

func TestDerefReadsMemory(t *testing.T) {
	raw := []byte{byte(OpConst8u)}
	raw = append(raw, 0x00, 0x10, 0, 0, 0, 0, 0, 0) // push 0x1000
	raw = append(raw, byte(OpDeref))
	if got := eval(t, raw); got != 0x42 {
		t.Errorf("got %#x, want 0x42", got)
	}
}

func TestRegisterOperandPromotedBeforeArithmetic(t *testing.T) {
	// DW_OP_reg0(RAX) DW_OP_lit1 DW_OP_plus: the register-location
	// operand (below lit1) must be read (7) before plus runs, giving 8.
	raw := []byte{byte(OpReg0 + RegRAX), byte(OpLit0 + 1), byte(OpPlus)}
	if got := eval(t, raw); got != 8 {
		t.Errorf("got %d, want 8", got)
	}
}

func TestSignedUnsignedMix(t *testing.T) {
	// -1 (consts) + 1u (constu) must be treated as signed -> 0.
	raw := []byte{byte(OpConsts)}
	raw = append(raw, encodeSLEB128(-1)...)
	raw = append(raw, byte(OpConstu))
	raw = append(raw, encodeULEB128(1)...)
	raw = append(raw, byte(OpPlus))
	if got := eval(t, raw); got != 0 {
		t.Errorf("got %d, want 0", got)
	}
}

func TestUnknownOpcodeFails(t *testing.T) {
	raw := []byte{byte(OpNop)}
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatal(err)
	}
	ev := newEvaluator(newActivation(0, 0), nil, testEnv(), nil)
	if _, err := ev.Eval(expr); err == nil {
		t.Fatal("expected unsupported-opcode error for nop")
	}
}

func TestStackEmptyAfterEval(t *testing.T) {
	act := newActivation(0, 0)
	ev := newEvaluator(act, nil, testEnv(), nil)
	expr, _ := decodeExpression([]byte{byte(OpLit0 + 1)})
	if _, err := ev.Eval(expr); err != nil {
		t.Fatal(err)
	}
	if ev.stack.len() != 0 {
		t.Errorf("stack not empty after Eval: len=%d", ev.stack.len())
	}
}
