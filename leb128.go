package pstrace

import (
	"bytes"
	"io"
)

// LEB128 decoding, grounded on ConradIrwin-go-dwarf/loclist.go's
// parseSignedLEB128/parseUnsignedLEB128, generalized to report the
// number of bytes consumed (the caller needs this to advance through
// an expression stream rather than a dedicated reader per call).

const (
	leb128Extension = 0x80
	leb128Bits      = 0xff ^ leb128Extension
)

func decodeULEB128(stream *bytes.Reader) (uint64, int, error) {
	var n uint64
	var shift uint
	var read int

	for {
		b, err := stream.ReadByte()
		if err != nil {
			return 0, read, err
		}
		read++

		n |= uint64(b&leb128Bits) << shift
		shift += 7

		if b&leb128Extension == 0 {
			break
		}
	}
	return n, read, nil
}

func decodeSLEB128(stream *bytes.Reader) (int64, int, error) {
	var n uint64
	var shift uint
	var read int
	var b byte
	var err error

	for {
		b, err = stream.ReadByte()
		if err != nil {
			return 0, read, err
		}
		read++

		n |= uint64(b&leb128Bits) << shift
		shift += 7

		if b&leb128Extension == 0 {
			break
		}
	}

	m := int64(n)
	if shift < 64 && b&0x40 != 0 {
		m |= -1 << shift
	}
	return m, read, nil
}

func encodeULEB128(v uint64) []byte {
	var out []byte
	for {
		b := byte(v & leb128Bits)
		v >>= 7
		if v != 0 {
			b |= leb128Extension
		}
		out = append(out, b)
		if v == 0 {
			return out
		}
	}
}

func encodeSLEB128(v int64) []byte {
	var out []byte
	more := true
	for more {
		b := byte(v & leb128Bits)
		v >>= 7
		signBit := b&0x40 != 0
		if (v == 0 && !signBit) || (v == -1 && signBit) {
			more = false
		} else {
			b |= leb128Extension
		}
		out = append(out, b)
	}
	return out
}

// readULEB128At is a convenience used when decoding whole expression
// streams where only a []byte (not a *bytes.Reader) is at hand.
func readULEB128At(b []byte) (uint64, int, error) {
	r := bytes.NewReader(b)
	v, n, err := decodeULEB128(r)
	if err == io.EOF {
		return 0, n, errTruncated
	}
	return v, n, err
}

func readSLEB128At(b []byte) (int64, int, error) {
	r := bytes.NewReader(b)
	v, n, err := decodeSLEB128(r)
	if err == io.EOF {
		return 0, n, errTruncated
	}
	return v, n, err
}
