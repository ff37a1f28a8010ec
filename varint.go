package stream

import (
	"encoding/binary"
	"fmt"
)

// varUInt encodes an unsigned integer using the OER-style length-prefixed
// variable-length representation used throughout the STREAM wire format:
// a single length-octet followed by that many big-endian magnitude octets,
// with no leading zero octets (the canonical/shortest encoding).
//
// Values up to 2^64-1 are supported; the length octet itself therefore
// never exceeds 8.
func appendVarUInt(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, 0x01, 0x00)
	}

	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)

	start := 0
	for start < 8 && tmp[start] == 0 {
		start++
	}

	n := tmp[start:]
	buf = append(buf, byte(len(n)))
	buf = append(buf, n...)
	return buf
}

// readVarUInt parses a varUInt at the start of data, returning the value
// and the number of bytes consumed.
func readVarUInt(data []byte) (uint64, int, error) {
	if len(data) < 1 {
		return 0, 0, fmt.Errorf("varuint: truncated length octet")
	}
	n := int(data[0])
	if n > 8 {
		return 0, 0, fmt.Errorf("varuint: length %d exceeds 8 bytes", n)
	}
	if len(data) < 1+n {
		return 0, 0, fmt.Errorf("varuint: truncated value, need %d bytes have %d", n, len(data)-1)
	}

	var tmp [8]byte
	copy(tmp[8-n:], data[1:1+n])
	return binary.BigEndian.Uint64(tmp[:]), 1 + n, nil
}

// appendVarOctetString appends a length-prefixed octet string: a varUInt
// byte length followed by the raw bytes.
func appendVarOctetString(buf []byte, data []byte) []byte {
	buf = appendVarUInt(buf, uint64(len(data)))
	buf = append(buf, data...)
	return buf
}

// readVarOctetString parses a varOctetString at the start of data, returning
// a copy of the contained bytes and the total number of bytes consumed.
func readVarOctetString(data []byte) ([]byte, int, error) {
	length, n, err := readVarUInt(data)
	if err != nil {
		return nil, 0, fmt.Errorf("var octet string length: %w", err)
	}
	total := n + int(length)
	if len(data) < total {
		return nil, 0, fmt.Errorf("var octet string: truncated, need %d bytes have %d", total, len(data))
	}
	out := make([]byte, length)
	copy(out, data[n:total])
	return out, total, nil
}

// appendVarStr is a convenience wrapper for ASCII/UTF-8 strings.
func appendVarStr(buf []byte, s string) []byte {
	return appendVarOctetString(buf, []byte(s))
}

// readVarStr is a convenience wrapper for ASCII/UTF-8 strings.
func readVarStr(data []byte) (string, int, error) {
	b, n, err := readVarOctetString(data)
	if err != nil {
		return "", 0, err
	}
	return string(b), n, nil
}
