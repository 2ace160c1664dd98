package pstrace

import "testing"

func TestULEB128RoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 127, 128, 300, 1 << 40, ^uint64(0)} {
		enc := encodeULEB128(v)
		got, n, err := readULEB128At(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if n != len(enc) {
			t.Errorf("%d: consumed %d bytes, want %d", v, n, len(enc))
		}
		if got != v {
			t.Errorf("roundtrip %d -> %d", v, got)
		}
	}
}

func TestSLEB128RoundTrip(t *testing.T) {
	for _, v := range []int64{0, 1, -1, 63, -64, 64, -65, 1 << 40, -(1 << 40)} {
		enc := encodeSLEB128(v)
		got, n, err := readSLEB128At(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", v, err)
		}
		if n != len(enc) {
			t.Errorf("%d: consumed %d bytes, want %d", v, n, len(enc))
		}
		if got != v {
			t.Errorf("roundtrip %d -> %d", v, got)
		}
	}
}

func TestULEB128Truncated(t *testing.T) {
	if _, _, err := readULEB128At([]byte{0x80, 0x80}); err == nil {
		t.Fatal("expected truncation error on an unterminated ULEB128")
	}
}
