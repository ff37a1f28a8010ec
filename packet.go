package stream

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// IlpPacketType identifies which of the three ILP packet kinds carried this
// STREAM packet.
type IlpPacketType uint8

const (
	IlpPrepare IlpPacketType = 12
	IlpFulfill IlpPacketType = 13
	IlpReject  IlpPacketType = 14
)

const packetVersion uint8 = 1

// maxPacketDataSize is the target upper bound for an encoded, unpadded
// packet body before encryption: roughly 32 KiB minus framing overhead.
const maxPacketDataSize = 32 * 1024

// Packet is the plaintext STREAM packet prior to encryption. Fields are
// encoded in the fixed order: version, ilpPacketType, sequence,
// prepareAmount, numFrames, then the frames themselves.
type Packet struct {
	Version        uint8
	IlpPacketType  IlpPacketType
	Sequence       uint64
	PrepareAmount  uint64
	Frames         []Frame
}

// Marshal serializes a Packet to its plaintext wire form. The caller is
// responsible for encrypting the result before placing it on an ILP
// Prepare/Fulfill/Reject's data field.
func (p *Packet) Marshal() ([]byte, error) {
	if uint64(len(p.Frames)) > unboundedUint64 {
		return nil, fmt.Errorf("too many frames")
	}

	buf := make([]byte, 0, 64)
	buf = append(buf, packetVersion)
	buf = append(buf, byte(p.IlpPacketType))
	buf = appendVarUInt(buf, p.Sequence)
	buf = appendVarUInt(buf, p.PrepareAmount)
	buf = appendVarUInt(buf, uint64(len(p.Frames)))

	for _, f := range p.Frames {
		buf = encodeFrame(buf, f)
	}

	return buf, nil
}

// UnmarshalPacket parses a plaintext STREAM packet. Returns *StreamError
// with ErrFrameFormatError if the version doesn't match or the bytes are
// malformed.
func UnmarshalPacket(data []byte) (*Packet, error) {
	if len(data) < 2 {
		return nil, NewStreamError(ErrFrameFormatError, "packet shorter than fixed header")
	}

	version := data[0]
	if version != packetVersion {
		return nil, NewStreamError(ErrFrameFormatError, fmt.Sprintf("unsupported version %d", version))
	}

	offset := 1
	ilpType := IlpPacketType(data[offset])
	offset++

	seq, n, err := readVarUInt(data[offset:])
	if err != nil {
		return nil, NewStreamError(ErrFrameFormatError, "sequence: "+err.Error())
	}
	offset += n

	amount, n, err := readVarUInt(data[offset:])
	if err != nil {
		return nil, NewStreamError(ErrFrameFormatError, "prepareAmount: "+err.Error())
	}
	offset += n

	numFrames, n, err := readVarUInt(data[offset:])
	if err != nil {
		return nil, NewStreamError(ErrFrameFormatError, "numFrames: "+err.Error())
	}
	offset += n

	frames := make([]Frame, 0, numFrames)
	for i := uint64(0); i < numFrames; i++ {
		f, n, err := decodeFrame(data[offset:])
		if err != nil {
			return nil, NewStreamError(ErrFrameFormatError, fmt.Sprintf("frame %d: %v", i, err))
		}
		frames = append(frames, f)
		offset += n
	}

	return &Packet{
		Version:       version,
		IlpPacketType: ilpType,
		Sequence:      seq,
		PrepareAmount: amount,
		Frames:        frames,
	}, nil
}

// padTo appends zero-byte padding frames until the serialized packet body
// reaches targetSize (minus the AES-GCM overhead that will be added on
// encryption), obscuring the true packet length from network observers. If
// the packet is already at or above targetSize, padTo is a no-op.
func padTo(data []byte, targetSize int) []byte {
	target := targetSize - gcmOverhead
	if target <= len(data) {
		return data
	}
	padLen := target - len(data)
	// A padding frame's own envelope (type + length octets) costs at
	// least 2 bytes, so shrink the requested pad by that much.
	if padLen < 2 {
		return data
	}
	pad := &UnknownFrame{RawType: FrameTypePadding, RawContents: make([]byte, padLen-2)}
	return encodeFrame(data, pad)
}

// encryptPacket marshals and AES-256-GCM encrypts p under keys.encryption,
// optionally padding the plaintext to targetSize first. The returned bytes
// are what goes on an ILP Prepare/Fulfill/Reject's data field.
func encryptPacket(p *Packet, keys *sharedSecretKeys, targetSize int) ([]byte, error) {
	plaintext, err := p.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	if targetSize > 0 {
		plaintext = padTo(plaintext, targetSize)
	}

	ciphertext, err := encrypt(keys.encryption, plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypt packet: %w", err)
	}

	log.Debug().
		Uint64("sequence", p.Sequence).
		Int("numFrames", len(p.Frames)).
		Int("plaintextLen", len(plaintext)).
		Int("ciphertextLen", len(ciphertext)).
		Msg("encrypted outgoing packet")

	return ciphertext, nil
}

// decryptPacket decrypts and parses a packet received on the wire. A
// decrypt failure should translate to an ILP F06 reject with no detail at
// the caller's boundary -- decryptPacket itself just reports the error;
// callers choose the wire-facing response.
func decryptPacket(ciphertext []byte, keys *sharedSecretKeys) (*Packet, error) {
	plaintext, err := decrypt(keys.encryption, ciphertext)
	if err != nil {
		log.Debug().Err(err).Msg("failed to decrypt incoming packet")
		return nil, err
	}

	pkt, err := UnmarshalPacket(plaintext)
	if err != nil {
		log.Debug().Err(err).Msg("failed to parse decrypted packet")
		return nil, err
	}

	log.Debug().
		Uint64("sequence", pkt.Sequence).
		Int("numFrames", len(pkt.Frames)).
		Msg("decrypted incoming packet")

	return pkt, nil
}
