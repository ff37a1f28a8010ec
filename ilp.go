package stream

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Plugin is the external collaborator STREAM runs on top of. A real plugin
// delivers Prepare packets to a counterparty over the ILP network and
// performs ledger settlement; this package only consumes the interface
// below. The ILP OER wire format itself is someone else's concern, so the
// interface exchanges the already-decoded Prepare/Fulfill/Reject structs
// rather than raw octets.
type Plugin interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// SendData sends a Prepare and blocks for the Fulfill or Reject
	// response. Exactly one of the two return values is non-nil on success.
	SendData(ctx context.Context, p *Prepare) (*Fulfill, *Reject, error)

	// RegisterDataHandler installs the single handler invoked for each
	// inbound Prepare this plugin's counterparty sends us. Only one
	// handler may be registered at a time.
	RegisterDataHandler(func(ctx context.Context, p *Prepare) (*Fulfill, *Reject))
	DeregisterDataHandler()
}

// IlpRejectCode is the two-character-class ILP reject code taxonomy:
// F00..F99 (final), T00..T99 (temporary), R00..R99 (relative/timeout).
type IlpRejectCode string

const (
	CodeF02UnreachableAccount IlpRejectCode = "F02"
	CodeF06UnexpectedPayment  IlpRejectCode = "F06"
	CodeF08AmountTooLarge     IlpRejectCode = "F08"
	CodeF99ApplicationError   IlpRejectCode = "F99"
	CodeR00Timeout            IlpRejectCode = "R00"
	CodeT00InternalError      IlpRejectCode = "T00"
)

// Class returns the reject code's first letter: 'F' (final), 'T'
// (temporary), or 'R' (relative/timeout-ish), per the ILP taxonomy.
func (c IlpRejectCode) Class() byte {
	if len(c) == 0 {
		return 0
	}
	return c[0]
}

// Retryable reports whether the connection's retry policy should retry a
// reject of this code: temporary (T*) rejects and F08 (after adjusting the
// maximum packet amount) are retryable.
func (c IlpRejectCode) Retryable() bool {
	return c.Class() == 'T' || c == CodeF08AmountTooLarge
}

// Prepare is the ILP packet that carries an encrypted STREAM Packet to a
// counterparty, requesting a conditional payment.
type Prepare struct {
	Destination         string
	Amount              uint64
	ExecutionCondition   [32]byte
	ExpiresAt           time.Time
	Data                []byte
}

// Fulfill is returned by a counterparty that accepts a Prepare. Fulfillment
// must equal HMAC(fulfillment_key, Prepare.Data) for the condition binding
// to hold.
type Fulfill struct {
	Fulfillment [32]byte
	Data        []byte
}

// Reject is returned by a counterparty (or the network) that declines a
// Prepare.
type Reject struct {
	Code    IlpRejectCode
	Message string
	Data    []byte
}

// F08Hint is the structured payload of an F08 AmountTooLarge reject: the
// amount the connector actually received versus the maximum it will allow.
type F08Hint struct {
	ReceivedAmount uint64
	MaximumAmount  uint64
}

// EncodeF08Hint serializes the F08 hint as two varUInts, the minimal
// encoding this package's own codec can both write and read back.
func EncodeF08Hint(h F08Hint) []byte {
	buf := appendVarUInt(nil, h.ReceivedAmount)
	buf = appendVarUInt(buf, h.MaximumAmount)
	return buf
}

// DecodeF08Hint parses the payload produced by EncodeF08Hint.
func DecodeF08Hint(data []byte) (F08Hint, error) {
	recv, n, err := readVarUInt(data)
	if err != nil {
		return F08Hint{}, fmt.Errorf("F08 receivedAmount: %w", err)
	}
	max, _, err := readVarUInt(data[n:])
	if err != nil {
		return F08Hint{}, fmt.Errorf("F08 maximumAmount: %w", err)
	}
	return F08Hint{ReceivedAmount: recv, MaximumAmount: max}, nil
}

// validateIlpAddress performs a minimal structural check on an ILP address:
// ASCII, dot-separated, non-empty segments. STREAM itself treats addresses
// as opaque strings; this check exists only to catch obviously malformed
// input early rather than failing deep in dispatch.
func validateIlpAddress(addr string) error {
	if addr == "" {
		return fmt.Errorf("ILP address must not be empty")
	}
	for _, r := range addr {
		if r > 127 {
			return fmt.Errorf("ILP address must be ASCII")
		}
	}
	if strings.HasPrefix(addr, ".") || strings.HasSuffix(addr, ".") || strings.Contains(addr, "..") {
		return fmt.Errorf("ILP address has empty segment")
	}
	return nil
}
