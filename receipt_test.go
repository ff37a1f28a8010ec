package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReceiptCreateDecodeVerify(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5a}, 32)
	nonce := bytes.Repeat([]byte{0x01}, 16)

	blob, err := CreateReceipt(nonce, 3, 12345, secret)
	require.NoError(t, err)
	require.Len(t, blob, receiptSize)

	require.True(t, VerifyReceipt(blob, secret))

	r, err := DecodeReceipt(blob)
	require.NoError(t, err)
	require.Equal(t, uint8(receiptVersion), r.Version)
	require.Equal(t, uint8(3), r.StreamID)
	require.Equal(t, uint64(12345), r.TotalReceived)
}

func TestReceiptRejectsStreamIDOverflow(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5a}, 32)
	nonce := bytes.Repeat([]byte{0x01}, 16)

	_, err := CreateReceipt(nonce, 256, 1, secret)
	require.Error(t, err)
}

func TestReceiptRejectsWrongNonceOrSecretLength(t *testing.T) {
	_, err := CreateReceipt(make([]byte, 15), 1, 1, make([]byte, 32))
	require.Error(t, err)

	_, err = CreateReceipt(make([]byte, 16), 1, 1, make([]byte, 31))
	require.Error(t, err)
}

func TestVerifyReceiptFailsOnTamperedAmount(t *testing.T) {
	secret := bytes.Repeat([]byte{0x5a}, 32)
	nonce := bytes.Repeat([]byte{0x02}, 16)

	blob, err := CreateReceipt(nonce, 1, 100, secret)
	require.NoError(t, err)

	blob[25] ^= 0xFF // flip a byte inside totalReceived
	require.False(t, VerifyReceipt(blob, secret))
}

func TestVerifyReceiptFailsOnWrongSecret(t *testing.T) {
	nonce := bytes.Repeat([]byte{0x03}, 16)
	blob, err := CreateReceipt(nonce, 1, 100, bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)

	require.False(t, VerifyReceipt(blob, bytes.Repeat([]byte{0x02}, 32)))
}

func TestVerifyReceiptRejectsWrongLength(t *testing.T) {
	require.False(t, VerifyReceipt(make([]byte, receiptSize-1), bytes.Repeat([]byte{0x01}, 32)))
}

func TestMonotonicReceiptsAcceptedInOrder(t *testing.T) {
	secret := bytes.Repeat([]byte{0x09}, 32)
	nonce := bytes.Repeat([]byte{0x04}, 16)

	var last uint64
	for _, total := range []uint64{100, 250, 400} {
		blob, err := CreateReceipt(nonce, 1, total, secret)
		require.NoError(t, err)
		require.True(t, VerifyReceipt(blob, secret))

		r, err := DecodeReceipt(blob)
		require.NoError(t, err)
		require.GreaterOrEqual(t, r.TotalReceived, last)
		last = r.TotalReceived
	}
}
