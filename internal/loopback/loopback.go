// Package loopback provides an in-memory stream.Plugin pair for examples
// and tests that have no real ILP connector to talk to. Each Endpoint plays
// both roles a real plugin would: it answers its own owner's ILDCP request
// locally (peer.config never leaves the endpoint) and forwards everything
// else straight to its paired Endpoint's registered handler, optionally
// converting the amount by a fixed exchange rate to exercise STREAM's
// exchange-rate tracking end to end.
package loopback

import (
	"context"
	"fmt"
	"sync"

	stream "github.com/interledger/go-stream"
)

// Endpoint is one side of a loopback pair and implements stream.Plugin.
type Endpoint struct {
	address    string
	assetCode  string
	assetScale uint8

	// rateToPeer converts an amount expressed in this endpoint's asset
	// scale into the peer's, simulating what an ILP connector's FX does
	// to a Prepare's Amount field as it forwards the packet.
	rateToPeer float64

	mu        sync.Mutex
	peer      *Endpoint
	handler   func(ctx context.Context, p *stream.Prepare) (*stream.Fulfill, *stream.Reject)
	connected bool
}

// NewPair builds two connected Endpoints. rateAtoB is the exchange rate
// applied to a Prepare sent from a to b (b's fee-free delivered amount in
// b's asset scale); the reverse direction uses its reciprocal.
func NewPair(addrA, assetCodeA string, scaleA uint8, addrB, assetCodeB string, scaleB uint8, rateAtoB float64) (*Endpoint, *Endpoint) {
	a := &Endpoint{address: addrA, assetCode: assetCodeA, assetScale: scaleA, rateToPeer: rateAtoB}
	b := &Endpoint{address: addrB, assetCode: assetCodeB, assetScale: scaleB, rateToPeer: 1 / rateAtoB}
	a.peer = b
	b.peer = a
	return a, b
}

// Connect marks the endpoint connected. No network I/O is involved.
func (e *Endpoint) Connect(ctx context.Context) error {
	e.mu.Lock()
	e.connected = true
	e.mu.Unlock()
	return nil
}

// Disconnect marks the endpoint disconnected.
func (e *Endpoint) Disconnect(ctx context.Context) error {
	e.mu.Lock()
	e.connected = false
	e.mu.Unlock()
	return nil
}

// IsConnected reports the endpoint's connection state.
func (e *Endpoint) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// RegisterDataHandler installs the handler that answers inbound Prepares
// forwarded from the peer endpoint.
func (e *Endpoint) RegisterDataHandler(fn func(ctx context.Context, p *stream.Prepare) (*stream.Fulfill, *stream.Reject)) {
	e.mu.Lock()
	e.handler = fn
	e.mu.Unlock()
}

// DeregisterDataHandler removes the installed handler.
func (e *Endpoint) DeregisterDataHandler() {
	e.mu.Lock()
	e.handler = nil
	e.mu.Unlock()
}

// SendData answers local ILDCP probes directly and otherwise hands the
// Prepare straight to the peer's handler, applying this endpoint's
// configured exchange rate to the amount in transit.
func (e *Endpoint) SendData(ctx context.Context, p *stream.Prepare) (*stream.Fulfill, *stream.Reject, error) {
	if p.Destination == "peer.config" {
		fulfill, err := e.ildcpReply()
		return fulfill, nil, err
	}

	e.mu.Lock()
	peer := e.peer
	rate := e.rateToPeer
	e.mu.Unlock()
	if peer == nil {
		return nil, nil, fmt.Errorf("loopback: endpoint has no peer")
	}

	peer.mu.Lock()
	handler := peer.handler
	peer.mu.Unlock()
	if handler == nil {
		return nil, &stream.Reject{Code: stream.CodeT00InternalError, Message: "peer not listening"}, nil
	}

	converted := *p
	converted.Amount = uint64(float64(p.Amount) * rate)

	fulfill, reject := handler(ctx, &converted)
	return fulfill, reject, nil
}

// ildcpReply answers this endpoint's own ILDCP request locally, the way a
// real plugin's adjacent connector would, per stream.go's ildcp.go
// "fixed PEER_PROTOCOL_CONDITION" contract: the fulfillment preimage of
// that condition is the all-zero 32 bytes.
func (e *Endpoint) ildcpReply() (*stream.Fulfill, error) {
	e.mu.Lock()
	details := stream.ClientAddressDetails{ClientAddress: e.address, AssetCode: e.assetCode, AssetScale: e.assetScale}
	e.mu.Unlock()

	return &stream.Fulfill{
		Fulfillment: [32]byte{},
		Data:        stream.EncodeIldcpResponse(details),
	}, nil
}
