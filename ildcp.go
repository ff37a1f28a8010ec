package stream

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// peerConfigDestination is the fixed ILDCP request destination.
const peerConfigDestination = "peer.config"

// peerProtocolCondition is the fixed execution condition every ILDCP
// request uses. It is SHA-256 of the all-zero 32-byte fulfillment, the
// conventional "PEER_PROTOCOL_CONDITION" constant used by ILDCP-style
// peer protocols that never actually settle a payment.
var peerProtocolCondition = sha256.Sum256(make([]byte, 32))

// ClientAddressDetails is what ILDCP resolves: the caller's own ILP
// address and local ledger asset details.
type ClientAddressDetails struct {
	ClientAddress string
	AssetCode     string
	AssetScale    uint8
}

// fetchIldcp sends the single fixed ILDCP Prepare to peer.config and
// decodes the Fulfill reply body: one Prepare to destination peer.config,
// amount 0, condition the fixed PEER_PROTOCOL_CONDITION; the fulfillment
// reply body is {varStr clientAddress, u8 assetScale, varStr assetCode}.
func fetchIldcp(ctx context.Context, plugin Plugin, sendPrepare func(ctx context.Context, p *Prepare) (*Fulfill, *Reject, error)) (*ClientAddressDetails, error) {
	prepare := &Prepare{
		Destination:        peerConfigDestination,
		Amount:             0,
		ExecutionCondition: peerProtocolCondition,
		ExpiresAt:          time.Now().Add(30 * time.Second),
	}

	fulfill, reject, err := sendPrepare(ctx, prepare)
	if err != nil {
		return nil, fmt.Errorf("ildcp: send prepare: %w", err)
	}
	if reject != nil {
		return nil, fmt.Errorf("ildcp: rejected: %s %s", reject.Code, reject.Message)
	}

	return decodeIldcpResponse(fulfill.Data)
}

func decodeIldcpResponse(data []byte) (*ClientAddressDetails, error) {
	clientAddress, n, err := readVarStr(data)
	if err != nil {
		return nil, fmt.Errorf("ildcp response clientAddress: %w", err)
	}
	if len(data) < n+1 {
		return nil, fmt.Errorf("ildcp response truncated before assetScale")
	}
	assetScale := data[n]
	assetCode, _, err := readVarStr(data[n+1:])
	if err != nil {
		return nil, fmt.Errorf("ildcp response assetCode: %w", err)
	}

	if err := validateIlpAddress(clientAddress); err != nil {
		return nil, fmt.Errorf("ildcp response: %w", err)
	}

	return &ClientAddressDetails{
		ClientAddress: clientAddress,
		AssetCode:     assetCode,
		AssetScale:    assetScale,
	}, nil
}

// EncodeIldcpResponse serializes a ClientAddressDetails as an ILDCP
// Fulfill body, the server-side counterpart to decodeIldcpResponse. Exposed
// for test fakes that play the role of an ILDCP-serving router.
func EncodeIldcpResponse(d ClientAddressDetails) []byte {
	buf := appendVarStr(nil, d.ClientAddress)
	buf = append(buf, d.AssetScale)
	buf = appendVarStr(buf, d.AssetCode)
	return buf
}
