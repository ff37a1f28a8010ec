package stream

import "fmt"

// FrameType identifies the logical contents of a frame envelope. Values are
// on-wire and must not be renumbered.
type FrameType uint8

const (
	FrameTypePadding FrameType = 0x00

	FrameTypeConnectionClose         FrameType = 0x01
	FrameTypeConnectionNewAddress    FrameType = 0x02
	FrameTypeConnectionMaxData       FrameType = 0x03
	FrameTypeConnectionDataBlocked   FrameType = 0x04
	FrameTypeConnectionMaxStreamId   FrameType = 0x05
	FrameTypeConnectionStreamIdBlocked FrameType = 0x06
	FrameTypeConnectionAssetDetails  FrameType = 0x07

	FrameTypeStreamClose       FrameType = 0x10
	FrameTypeStreamMoney       FrameType = 0x11
	FrameTypeStreamMaxMoney    FrameType = 0x12
	FrameTypeStreamMoneyBlocked FrameType = 0x13
	FrameTypeStreamData        FrameType = 0x14
	FrameTypeStreamMaxData     FrameType = 0x15
	FrameTypeStreamDataBlocked FrameType = 0x16
	FrameTypeStreamReceipt     FrameType = 0x17

	// FrameTypeStreamReceiptRequest is an extension frame type beyond the
	// fixed 0x00-0x17 catalog: it carries the nonce a sender registers when
	// it wants the receiver to start attaching StreamReceiptFrames to
	// Fulfill responses crediting this stream. A peer that doesn't know
	// this type skips it per the parse-unknown-skip rule, so wire
	// compatibility is preserved; it simply never receives receipts.
	FrameTypeStreamReceiptRequest FrameType = 0x18
)

// unboundedUint64 is the wire sentinel for "no limit": represented as the
// maximum u64 value on the wire.
const unboundedUint64 = ^uint64(0)

// Frame is the common interface implemented by every concrete frame type.
// Encode appends this frame's type byte and varOctetString contents to buf.
type Frame interface {
	Type() FrameType
	encodeContents() []byte
}

// UnknownFrame preserves an unrecognized frame's raw contents so that a
// packet round-trips even through an implementation that doesn't know
// every frame type (the forward-compatibility rule: unknown frames parse
// and skip rather than fail the packet).
type UnknownFrame struct {
	RawType     FrameType
	RawContents []byte
}

func (f *UnknownFrame) Type() FrameType        { return f.RawType }
func (f *UnknownFrame) encodeContents() []byte { return f.RawContents }

type ConnectionCloseFrame struct {
	ErrorCode ErrorCode
	Message   string
}

func (f *ConnectionCloseFrame) Type() FrameType { return FrameTypeConnectionClose }
func (f *ConnectionCloseFrame) encodeContents() []byte {
	buf := []byte{byte(f.ErrorCode)}
	buf = appendVarStr(buf, f.Message)
	return buf
}

type ConnectionNewAddressFrame struct {
	SourceAccount string
}

func (f *ConnectionNewAddressFrame) Type() FrameType { return FrameTypeConnectionNewAddress }
func (f *ConnectionNewAddressFrame) encodeContents() []byte {
	return appendVarStr(nil, f.SourceAccount)
}

type ConnectionMaxDataFrame struct {
	MaxOffset uint64
}

func (f *ConnectionMaxDataFrame) Type() FrameType { return FrameTypeConnectionMaxData }
func (f *ConnectionMaxDataFrame) encodeContents() []byte {
	return appendVarUInt(nil, f.MaxOffset)
}

type ConnectionDataBlockedFrame struct {
	MaxOffset uint64
}

func (f *ConnectionDataBlockedFrame) Type() FrameType { return FrameTypeConnectionDataBlocked }
func (f *ConnectionDataBlockedFrame) encodeContents() []byte {
	return appendVarUInt(nil, f.MaxOffset)
}

type ConnectionMaxStreamIdFrame struct {
	MaxStreamId uint64
}

func (f *ConnectionMaxStreamIdFrame) Type() FrameType { return FrameTypeConnectionMaxStreamId }
func (f *ConnectionMaxStreamIdFrame) encodeContents() []byte {
	return appendVarUInt(nil, f.MaxStreamId)
}

type ConnectionStreamIdBlockedFrame struct {
	MaxStreamId uint64
}

func (f *ConnectionStreamIdBlockedFrame) Type() FrameType { return FrameTypeConnectionStreamIdBlocked }
func (f *ConnectionStreamIdBlockedFrame) encodeContents() []byte {
	return appendVarUInt(nil, f.MaxStreamId)
}

type ConnectionAssetDetailsFrame struct {
	AssetCode  string
	AssetScale uint8
}

func (f *ConnectionAssetDetailsFrame) Type() FrameType { return FrameTypeConnectionAssetDetails }
func (f *ConnectionAssetDetailsFrame) encodeContents() []byte {
	buf := appendVarStr(nil, f.AssetCode)
	buf = append(buf, f.AssetScale)
	return buf
}

type StreamCloseFrame struct {
	StreamID  uint64
	ErrorCode ErrorCode
	Message   string
}

func (f *StreamCloseFrame) Type() FrameType { return FrameTypeStreamClose }
func (f *StreamCloseFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = append(buf, byte(f.ErrorCode))
	buf = appendVarStr(buf, f.Message)
	return buf
}

type StreamMoneyFrame struct {
	StreamID uint64
	Shares   uint64
}

func (f *StreamMoneyFrame) Type() FrameType { return FrameTypeStreamMoney }
func (f *StreamMoneyFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarUInt(buf, f.Shares)
	return buf
}

type StreamMaxMoneyFrame struct {
	StreamID      uint64
	ReceiveMax    uint64 // unboundedUint64 represents "no limit"
	TotalReceived uint64
}

func (f *StreamMaxMoneyFrame) Type() FrameType { return FrameTypeStreamMaxMoney }
func (f *StreamMaxMoneyFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarUInt(buf, f.ReceiveMax)
	buf = appendVarUInt(buf, f.TotalReceived)
	return buf
}

type StreamMoneyBlockedFrame struct {
	StreamID  uint64
	SendMax   uint64
	TotalSent uint64
}

func (f *StreamMoneyBlockedFrame) Type() FrameType { return FrameTypeStreamMoneyBlocked }
func (f *StreamMoneyBlockedFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarUInt(buf, f.SendMax)
	buf = appendVarUInt(buf, f.TotalSent)
	return buf
}

type StreamDataFrame struct {
	StreamID uint64
	Offset   uint64
	Data     []byte
}

func (f *StreamDataFrame) Type() FrameType { return FrameTypeStreamData }
func (f *StreamDataFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarUInt(buf, f.Offset)
	buf = appendVarOctetString(buf, f.Data)
	return buf
}

type StreamMaxDataFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

func (f *StreamMaxDataFrame) Type() FrameType { return FrameTypeStreamMaxData }
func (f *StreamMaxDataFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarUInt(buf, f.MaxOffset)
	return buf
}

type StreamDataBlockedFrame struct {
	StreamID  uint64
	MaxOffset uint64
}

func (f *StreamDataBlockedFrame) Type() FrameType { return FrameTypeStreamDataBlocked }
func (f *StreamDataBlockedFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarUInt(buf, f.MaxOffset)
	return buf
}

type StreamReceiptFrame struct {
	StreamID uint64
	Receipt  []byte
}

func (f *StreamReceiptFrame) Type() FrameType { return FrameTypeStreamReceipt }
func (f *StreamReceiptFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarOctetString(buf, f.Receipt)
	return buf
}

type StreamReceiptRequestFrame struct {
	StreamID uint64
	Nonce    []byte
}

func (f *StreamReceiptRequestFrame) Type() FrameType { return FrameTypeStreamReceiptRequest }
func (f *StreamReceiptRequestFrame) encodeContents() []byte {
	buf := appendVarUInt(nil, f.StreamID)
	buf = appendVarOctetString(buf, f.Nonce)
	return buf
}

// encodeFrame appends a frame envelope ([type][varOctetString contents]) to buf.
func encodeFrame(buf []byte, f Frame) []byte {
	buf = append(buf, byte(f.Type()))
	buf = appendVarOctetString(buf, f.encodeContents())
	return buf
}

// decodeFrame parses one frame envelope at the start of data, returning the
// decoded Frame and the number of bytes consumed. Unknown frame types are
// never an error: they decode to *UnknownFrame and get skipped.
func decodeFrame(data []byte) (Frame, int, error) {
	if len(data) < 1 {
		return nil, 0, fmt.Errorf("frame: truncated type byte")
	}
	ft := FrameType(data[0])

	contents, n, err := readVarOctetString(data[1:])
	if err != nil {
		return nil, 0, fmt.Errorf("frame 0x%02x contents: %w", ft, err)
	}
	total := 1 + n

	f, err := decodeFrameContents(ft, contents)
	if err != nil {
		return nil, 0, fmt.Errorf("frame 0x%02x: %w", ft, err)
	}
	return f, total, nil
}

func decodeFrameContents(ft FrameType, c []byte) (Frame, error) {
	switch ft {
	case FrameTypePadding:
		return &UnknownFrame{RawType: ft, RawContents: c}, nil

	case FrameTypeConnectionClose:
		if len(c) < 1 {
			return nil, fmt.Errorf("truncated")
		}
		msg, _, err := readVarStr(c[1:])
		if err != nil {
			return nil, err
		}
		return &ConnectionCloseFrame{ErrorCode: ErrorCode(c[0]), Message: msg}, nil

	case FrameTypeConnectionNewAddress:
		s, _, err := readVarStr(c)
		if err != nil {
			return nil, err
		}
		return &ConnectionNewAddressFrame{SourceAccount: s}, nil

	case FrameTypeConnectionMaxData:
		v, _, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		return &ConnectionMaxDataFrame{MaxOffset: v}, nil

	case FrameTypeConnectionDataBlocked:
		v, _, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		return &ConnectionDataBlockedFrame{MaxOffset: v}, nil

	case FrameTypeConnectionMaxStreamId:
		v, _, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		return &ConnectionMaxStreamIdFrame{MaxStreamId: v}, nil

	case FrameTypeConnectionStreamIdBlocked:
		v, _, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		return &ConnectionStreamIdBlockedFrame{MaxStreamId: v}, nil

	case FrameTypeConnectionAssetDetails:
		code, n, err := readVarStr(c)
		if err != nil {
			return nil, err
		}
		if len(c) < n+1 {
			return nil, fmt.Errorf("truncated asset scale")
		}
		return &ConnectionAssetDetailsFrame{AssetCode: code, AssetScale: c[n]}, nil

	case FrameTypeStreamClose:
		sid, n, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		if len(c) < n+1 {
			return nil, fmt.Errorf("truncated error code")
		}
		ec := ErrorCode(c[n])
		msg, _, err := readVarStr(c[n+1:])
		if err != nil {
			return nil, err
		}
		return &StreamCloseFrame{StreamID: sid, ErrorCode: ec, Message: msg}, nil

	case FrameTypeStreamMoney:
		sid, n, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		shares, _, err := readVarUInt(c[n:])
		if err != nil {
			return nil, err
		}
		return &StreamMoneyFrame{StreamID: sid, Shares: shares}, nil

	case FrameTypeStreamMaxMoney:
		sid, n1, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		rmax, n2, err := readVarUInt(c[n1:])
		if err != nil {
			return nil, err
		}
		tot, _, err := readVarUInt(c[n1+n2:])
		if err != nil {
			return nil, err
		}
		return &StreamMaxMoneyFrame{StreamID: sid, ReceiveMax: rmax, TotalReceived: tot}, nil

	case FrameTypeStreamMoneyBlocked:
		sid, n1, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		smax, n2, err := readVarUInt(c[n1:])
		if err != nil {
			return nil, err
		}
		tot, _, err := readVarUInt(c[n1+n2:])
		if err != nil {
			return nil, err
		}
		return &StreamMoneyBlockedFrame{StreamID: sid, SendMax: smax, TotalSent: tot}, nil

	case FrameTypeStreamData:
		sid, n1, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		off, n2, err := readVarUInt(c[n1:])
		if err != nil {
			return nil, err
		}
		data, _, err := readVarOctetString(c[n1+n2:])
		if err != nil {
			return nil, err
		}
		return &StreamDataFrame{StreamID: sid, Offset: off, Data: data}, nil

	case FrameTypeStreamMaxData:
		sid, n, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		off, _, err := readVarUInt(c[n:])
		if err != nil {
			return nil, err
		}
		return &StreamMaxDataFrame{StreamID: sid, MaxOffset: off}, nil

	case FrameTypeStreamDataBlocked:
		sid, n, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		off, _, err := readVarUInt(c[n:])
		if err != nil {
			return nil, err
		}
		return &StreamDataBlockedFrame{StreamID: sid, MaxOffset: off}, nil

	case FrameTypeStreamReceipt:
		sid, n, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		receipt, _, err := readVarOctetString(c[n:])
		if err != nil {
			return nil, err
		}
		return &StreamReceiptFrame{StreamID: sid, Receipt: receipt}, nil

	case FrameTypeStreamReceiptRequest:
		sid, n, err := readVarUInt(c)
		if err != nil {
			return nil, err
		}
		nonce, _, err := readVarOctetString(c[n:])
		if err != nil {
			return nil, err
		}
		return &StreamReceiptRequestFrame{StreamID: sid, Nonce: nonce}, nil

	default:
		// Unknown frame type: parsed-as envelope already consumed the
		// contents above; preserve the raw bytes untouched.
		return &UnknownFrame{RawType: ft, RawContents: c}, nil
	}
}
