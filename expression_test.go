package pstrace

import "testing"

func TestDecodeExpressionRoundTrip(t *testing.T) {
	raw := []byte{byte(OpBreg0 + 6)}
	raw = append(raw, encodeSLEB128(-8)...)
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(expr.Ops) != 1 {
		t.Fatalf("got %d ops, want 1", len(expr.Ops))
	}
	if expr.Ops[0].Code != OpBreg0+6 {
		t.Errorf("code = %v, want breg6", expr.Ops[0].Code)
	}
	if expr.Ops[0].Operand.A != -8 {
		t.Errorf("offset = %d, want -8", expr.Ops[0].Operand.A)
	}
}

func TestExpressionEqualStructural(t *testing.T) {
	a, _ := decodeExpression([]byte{byte(OpReg0 + 3)})
	b, _ := decodeExpression([]byte{byte(OpReg0 + 3)})
	c, _ := decodeExpression([]byte{byte(OpReg0 + 4)})
	if !a.Equal(b) {
		t.Error("identical expressions should be Equal")
	}
	if a.Equal(c) {
		t.Error("different register operands should not be Equal")
	}
}

func TestExpressionEqualDifferentLength(t *testing.T) {
	a, _ := decodeExpression([]byte{byte(OpLit0)})
	b, _ := decodeExpression([]byte{byte(OpLit0), byte(OpLit0 + 1), byte(OpPlus)})
	if a.Equal(b) {
		t.Error("expressions of different length should not be Equal")
	}
}

func TestDecodeTruncatedFails(t *testing.T) {
	if _, err := decodeExpression([]byte{byte(OpConst8u), 1, 2, 3}); err == nil {
		t.Fatal("expected truncation error")
	}
}

func TestDecodeEntryValueOperand(t *testing.T) {
	sub := []byte{byte(OpReg0 + 5)}
	raw := append([]byte{byte(OpEntryValue)}, encodeULEB128(uint64(len(sub)))...)
	raw = append(raw, sub...)
	expr, err := decodeExpression(raw)
	if err != nil {
		t.Fatal(err)
	}
	if len(expr.Ops[0].Operand.Bytes) != 1 || expr.Ops[0].Operand.Bytes[0] != byte(OpReg0+5) {
		t.Errorf("entry_value sub-expression not captured correctly: %v", expr.Ops[0].Operand.Bytes)
	}
}
