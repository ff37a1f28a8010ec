package stream

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
)

// receiptSize is the fixed, bit-exact length of a STREAM receipt.
const receiptSize = 58

const receiptVersion uint8 = 1

// Receipt is a decoded 58-byte HMAC-signed proof that a given totalReceived
// was reached on a specific stream.
//
// Layout (big-endian, bit-exact):
//
//	[0]      version = 1
//	[1..17]  nonce (16 bytes)
//	[17]     streamId, truncated to one byte
//	[18..26] totalReceived (uint64)
//	[26..58] HMAC-SHA256(receipt_secret, bytes[0..26])
type Receipt struct {
	Version       uint8
	Nonce         [16]byte
	StreamID      uint8
	TotalReceived uint64
}

// CreateReceipt builds a 58-byte receipt blob. nonce must be exactly 16
// bytes and secret exactly 32 bytes. streamID is truncated to its low
// byte -- callers passing a streamId above 255 get an explicit error
// rather than silent truncation.
func CreateReceipt(nonce []byte, streamID uint64, totalReceived uint64, secret []byte) ([]byte, error) {
	if len(nonce) != 16 {
		return nil, fmt.Errorf("receipt nonce must be 16 bytes, got %d", len(nonce))
	}
	if len(secret) != 32 {
		return nil, fmt.Errorf("receipt secret must be 32 bytes, got %d", len(secret))
	}
	if streamID > 255 {
		return nil, fmt.Errorf("receipt stream id %d exceeds the 1-byte wire limit (255); "+
			"this stream cannot carry a receipt", streamID)
	}

	buf := make([]byte, 26, receiptSize)
	buf[0] = receiptVersion
	copy(buf[1:17], nonce)
	buf[17] = byte(streamID)
	binary.BigEndian.PutUint64(buf[18:26], totalReceived)

	tag := hmacSHA256(secret, buf)
	buf = append(buf, tag...)

	return buf, nil
}

// DecodeReceipt parses a 58-byte receipt blob without verifying its HMAC.
// Use VerifyReceipt to check authenticity before trusting the result.
func DecodeReceipt(blob []byte) (*Receipt, error) {
	if len(blob) != receiptSize {
		return nil, fmt.Errorf("receipt must be %d bytes, got %d", receiptSize, len(blob))
	}

	r := &Receipt{
		Version:       blob[0],
		StreamID:      blob[17],
		TotalReceived: binary.BigEndian.Uint64(blob[18:26]),
	}
	copy(r.Nonce[:], blob[1:17])
	return r, nil
}

// VerifyReceipt reports whether blob is a validly-formed, HMAC-authentic
// receipt under secret. It returns false (never an error) on any length,
// version, or HMAC mismatch -- receipts are untrusted input from the wire.
func VerifyReceipt(blob []byte, secret []byte) bool {
	if len(blob) != receiptSize || len(secret) != 32 {
		return false
	}
	if blob[0] != receiptVersion {
		return false
	}

	expected := hmacSHA256(secret, blob[:26])
	return hmac.Equal(expected, blob[26:58])
}
