package elfmodule

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestLEB128RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 127, -128, 1 << 30, -(1 << 30)} {
		enc := encodeSLEB128(v)
		got, err := readSLEB(bytes.NewReader(enc))
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if got != v {
			t.Errorf("roundtrip %d -> %d", v, got)
		}
	}
}

func TestEncodeBregExpr(t *testing.T) {
	out := encodeBregExpr(6, -8)
	if len(out) < 2 {
		t.Fatalf("expected at least 2 bytes, got %d", len(out))
	}
	if out[0] != 0x70+6 {
		t.Errorf("opcode byte = %#x, want DW_OP_breg6", out[0])
	}
	got, err := readSLEB(bytes.NewReader(out[1:]))
	if err != nil {
		t.Fatal(err)
	}
	if got != -8 {
		t.Errorf("encoded offset = %d, want -8", got)
	}
}

// buildCIE and buildFDE assemble minimal, hand-written CFI records (no
// compiler available) matching a common x86-64 prologue's CFA rule:
// def_cfa(rbp=6, 16), matching the record layout
// ConradIrwin-go-dwarf/unwind.go's parseCommonInformationEntry expects.
func buildCIE() []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, uint32(0)) // CIE id
	body.WriteByte(1)                                   // version
	body.WriteByte(0)                                   // empty augmentation string
	body.Write(encodeULEBHelper(1))                     // code alignment factor
	body.Write(encodeSLEB128(-8))                       // data alignment factor
	body.WriteByte(16)                                   // return address register (RIP column)
	// initial instructions: def_cfa(rsp=7, 8)
	body.WriteByte(0x0c)
	body.Write(encodeULEBHelper(7))
	body.Write(encodeULEBHelper(8))

	var rec bytes.Buffer
	binary.Write(&rec, binary.LittleEndian, uint32(body.Len()))
	rec.Write(body.Bytes())
	return rec.Bytes()
}

func buildFDE(cieOffset uint32, lowPC, rangeLen uint32, instr []byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.LittleEndian, cieOffset) // back-pointer id (non-zero)
	binary.Write(&body, binary.LittleEndian, lowPC)
	binary.Write(&body, binary.LittleEndian, rangeLen)
	body.Write(instr)

	var rec bytes.Buffer
	binary.Write(&rec, binary.LittleEndian, uint32(body.Len()))
	rec.Write(body.Bytes())
	return rec.Bytes()
}

func encodeULEBHelper(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			b |= 0x80
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func TestParseCFIAndFrameAt(t *testing.T) {
	cie := buildCIE()
	// FDE: def_cfa_register(rbp=6) def_cfa_offset(16), after advancing
	// past the prologue (advance_loc 4).
	instr := []byte{0x44, 0x0d, 6, 0x0e, 16} // advance_loc(4), def_cfa_register(6), def_cfa_offset(16)
	// id (the CIE back-pointer) must satisfy cieOffset = start + 4 - id,
	// with cieOffset = 0 (the CIE sits first in section) and
	// start = len(cie) (the FDE record's own offset in section).
	fde := buildFDE(uint32(len(cie))+4, 0x1000, 0x100, instr)

	section := append(append([]byte{}, cie...), fde...)
	fdes, err := parseCFI(section)
	if err != nil {
		t.Fatal(err)
	}
	if len(fdes) != 1 {
		t.Fatalf("got %d FDEs, want 1", len(fdes))
	}

	reg, off, err := interpretCFA(fdes[0].cie, fdes[0].instr, 0x1004, fdes[0].lowPC)
	if err != nil {
		t.Fatal(err)
	}
	if reg != 6 || off != 16 {
		t.Errorf("got reg=%d off=%d, want reg=6 off=16 (rbp+16 after prologue)", reg, off)
	}

	// Before the prologue's advance_loc, the CIE's initial rule (rsp+8) still holds.
	reg, off, err = interpretCFA(fdes[0].cie, fdes[0].instr, 0x1000, fdes[0].lowPC)
	if err != nil {
		t.Fatal(err)
	}
	if reg != 7 || off != 8 {
		t.Errorf("got reg=%d off=%d, want the CIE's initial rsp+8 rule before any advance_loc", reg, off)
	}
}

func TestFrameAtSynthesizesBregExpr(t *testing.T) {
	cie := buildCIE()
	instr := []byte{0x0c, 6, 16} // def_cfa(rbp=6, 16) immediately
	fde := buildFDE(uint32(len(cie))+4, 0x2000, 0x50, instr)
	section := append(append([]byte{}, cie...), fde...)

	l := &Loader{}
	got, err := l.FrameAt(section, 0x2010)
	if err != nil {
		t.Fatal(err)
	}
	want := encodeBregExpr(6, 16)
	if !bytes.Equal(got.CFAOps, want) {
		t.Errorf("CFAOps = %v, want %v", got.CFAOps, want)
	}
	if got.RetRegister != 16 {
		t.Errorf("RetRegister = %d, want 16", got.RetRegister)
	}
}

func TestFrameAtNoFDECovers(t *testing.T) {
	l := &Loader{}
	if _, err := l.FrameAt([]byte{}, 0x9999); err == nil {
		t.Fatal("expected error for an empty CFI section")
	}
}
