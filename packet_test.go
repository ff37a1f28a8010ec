package stream

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPacketMarshalUnmarshalRoundTrip(t *testing.T) {
	p := &Packet{
		Version:       packetVersion,
		IlpPacketType: IlpPrepare,
		Sequence:      7,
		PrepareAmount: 1000,
		Frames: []Frame{
			&StreamMoneyFrame{StreamID: 1, Shares: 1000},
			&StreamDataFrame{StreamID: 1, Offset: 0, Data: []byte("hello")},
		},
	}

	data, err := p.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalPacket(data)
	require.NoError(t, err)
	require.Equal(t, p.Version, got.Version)
	require.Equal(t, p.IlpPacketType, got.IlpPacketType)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.PrepareAmount, got.PrepareAmount)
	require.Equal(t, p.Frames, got.Frames)
}

func TestUnmarshalPacketRejectsWrongVersion(t *testing.T) {
	p := &Packet{Version: packetVersion, IlpPacketType: IlpPrepare}
	data, err := p.Marshal()
	require.NoError(t, err)
	data[0] = packetVersion + 1

	_, err = UnmarshalPacket(data)
	require.Error(t, err)
	var streamErr *StreamError
	require.ErrorAs(t, err, &streamErr)
	require.Equal(t, ErrFrameFormatError, streamErr.Code)
}

func TestUnmarshalPacketTooShort(t *testing.T) {
	_, err := UnmarshalPacket([]byte{packetVersion})
	require.Error(t, err)
}

func TestPadToReachesTargetSize(t *testing.T) {
	p := &Packet{Version: packetVersion, IlpPacketType: IlpPrepare, Sequence: 1}
	data, err := p.Marshal()
	require.NoError(t, err)

	padded := padTo(data, 512)
	require.GreaterOrEqual(t, len(padded)+gcmOverhead, 512)

	got, err := UnmarshalPacket(padded)
	require.NoError(t, err)
	require.Equal(t, p.Sequence, got.Sequence)
}

func TestEncryptDecryptPacketRoundTrip(t *testing.T) {
	keys, err := deriveKeys(bytes.Repeat([]byte{0x11}, 32))
	require.NoError(t, err)

	p := &Packet{
		Version:       packetVersion,
		IlpPacketType: IlpFulfill,
		Sequence:      42,
		PrepareAmount: 500,
		Frames:        []Frame{&StreamMoneyFrame{StreamID: 2, Shares: 500}},
	}

	ciphertext, err := encryptPacket(p, keys, maxPacketDataSize)
	require.NoError(t, err)

	got, err := decryptPacket(ciphertext, keys)
	require.NoError(t, err)
	require.Equal(t, p.Sequence, got.Sequence)
	require.Equal(t, p.PrepareAmount, got.PrepareAmount)
	require.Equal(t, p.Frames, got.Frames)
}

func TestDecryptPacketWrongKeyFails(t *testing.T) {
	keysA, err := deriveKeys(bytes.Repeat([]byte{0x01}, 32))
	require.NoError(t, err)
	keysB, err := deriveKeys(bytes.Repeat([]byte{0x02}, 32))
	require.NoError(t, err)

	p := &Packet{Version: packetVersion, IlpPacketType: IlpPrepare, Sequence: 1}
	ciphertext, err := encryptPacket(p, keysA, 0)
	require.NoError(t, err)

	_, err = decryptPacket(ciphertext, keysB)
	require.Error(t, err)
}
