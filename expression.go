package pstrace

// Operand carries an opcode's operand words. Most opcodes use zero,
// one, or two; ULEB128/SLEB128-encoded operands are decoded into A/B
// before being stored here, so equality (and the evaluator) never has
// to re-parse the raw bytes.
type Operand struct {
	A, B  int64
	Bytes []byte // raw bytes for opcodes like DW_OP_implicit_value
}

// Op is one decoded step of an Expression.
type Op struct {
	Code    Opcode
	Operand Operand
}

// Expression is an ordered sequence of opcodes. Equality on
// Expressions is structural over opcode+operands (spec §3) and is the
// matching key the call-site lookup uses for DW_OP_entry_value.
type Expression struct {
	Ops []Op
	Raw []byte // the original byte stream, kept for diagnostics/logging
}

// Equal reports full structural equality: same length, same opcodes,
// same operand values, in order. Spec §9 REDESIGN FLAG explicitly
// mandates this over a short-circuiting "first mismatch wins"
// comparison that the original C++ source used in one code path.
func (e Expression) Equal(other Expression) bool {
	if len(e.Ops) != len(other.Ops) {
		return false
	}
	for i := range e.Ops {
		a, b := e.Ops[i], other.Ops[i]
		if a.Code != b.Code || a.Operand.A != b.Operand.A || a.Operand.B != b.Operand.B {
			return false
		}
		if len(a.Operand.Bytes) != len(b.Operand.Bytes) {
			return false
		}
		for j := range a.Operand.Bytes {
			if a.Operand.Bytes[j] != b.Operand.Bytes[j] {
				return false
			}
		}
	}
	return true
}

// decodeExpression parses a raw DWARF expression byte stream into an
// ordered list of Ops, resolving ULEB128/SLEB128-encoded operands
// inline. It does not evaluate anything; decode errors are KindDecode.
func decodeExpression(raw []byte) (Expression, error) {
	expr := Expression{Raw: raw}
	i := 0
	for i < len(raw) {
		code := Opcode(raw[i])
		i++
		var operand Operand
		var err error

		switch {
		case code == OpAddr:
			if i+8 > len(raw) {
				return expr, newError(KindDecode, "DW_OP_addr", errTruncated)
			}
			operand.A = int64(leToU64(raw[i : i+8]))
			i += 8
		case code == OpConst1u, code == OpConst1s:
			if i+1 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(raw[i])
			i++
		case code == OpConst2u, code == OpConst2s:
			if i+2 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(leToU64(raw[i : i+2]))
			i += 2
		case code == OpConst4u, code == OpConst4s:
			if i+4 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(leToU64(raw[i : i+4]))
			i += 4
		case code == OpConst8u, code == OpConst8s:
			if i+8 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(leToU64(raw[i : i+8]))
			i += 8
		case code == OpConstu, code == OpRegx, code == OpPlusUconst, code == OpPiece:
			var n int
			var u uint64
			u, n, err = readULEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			operand.A = int64(u)
			i += n
		case code == OpConsts, code == OpFbreg:
			var n int
			var v int64
			v, n, err = readSLEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			operand.A = v
			i += n
		case code == OpBregx:
			var n int
			var u uint64
			u, n, err = readULEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			i += n
			var off int64
			off, n, err = readSLEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			operand.A = int64(u)
			operand.B = off
			i += n
		case code >= OpBreg0 && code <= OpBreg31:
			var n int
			var v int64
			v, n, err = readSLEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			operand.A = v
			i += n
		case code == OpPick:
			if i+1 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(raw[i])
			i++
		case code == OpDerefSize, code == OpXderefSize:
			if i+1 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(raw[i])
			i++
		case code == OpBitPiece:
			var n int
			var u1, u2 uint64
			u1, n, err = readULEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			i += n
			u2, n, err = readULEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			operand.A = int64(u1)
			operand.B = int64(u2)
			i += n
		case code == OpBra, code == OpSkip:
			if i+2 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(int16(leToU64(raw[i : i+2])))
			i += 2
		case code == OpCall2:
			if i+2 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(leToU64(raw[i : i+2]))
			i += 2
		case code == OpCall4:
			if i+4 > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.A = int64(leToU64(raw[i : i+4]))
			i += 4
		case code == OpGNUEntryValue, code == OpEntryValue:
			var n int
			var u uint64
			u, n, err = readULEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			i += n
			length := int(u)
			if i+length > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.Bytes = raw[i : i+length]
			i += length
		case code == OpImplicitValue:
			var n int
			var u uint64
			u, n, err = readULEB128At(raw[i:])
			if err != nil {
				return expr, newError(KindDecode, code.String(), err)
			}
			i += n
			length := int(u)
			if i+length > len(raw) {
				return expr, newError(KindDecode, code.String(), errTruncated)
			}
			operand.Bytes = raw[i : i+length]
			i += length
		default:
			// Plain opcodes with no operand: litN, regN, dup, drop,
			// over, swap, rot, deref, abs, and/or/not/neg, arithmetic,
			// call_frame_cfa, stack_value, nop, xderef,
			// push_object_address, call_ref, form_tls_address, eq/ge/
			// gt/le/lt/ne.
		}
		expr.Ops = append(expr.Ops, Op{Code: code, Operand: operand})
	}
	return expr, nil
}

func leToU64(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}
