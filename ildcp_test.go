package stream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeIldcpResponseRoundTrips(t *testing.T) {
	want := ClientAddressDetails{
		ClientAddress: "g.client.abc123",
		AssetCode:     "USD",
		AssetScale:    2,
	}

	got, err := decodeIldcpResponse(EncodeIldcpResponse(want))
	require.NoError(t, err)
	require.Equal(t, want, *got)
}

func TestDecodeIldcpResponseRejectsInvalidClientAddress(t *testing.T) {
	buf := appendVarStr(nil, "not a valid address!")
	buf = append(buf, 2)
	buf = appendVarStr(buf, "USD")

	_, err := decodeIldcpResponse(buf)
	require.Error(t, err)
}

func TestDecodeIldcpResponseRejectsTruncatedData(t *testing.T) {
	buf := appendVarStr(nil, "g.client.abc123")
	_, err := decodeIldcpResponse(buf)
	require.Error(t, err)
}

func TestFetchIldcpUsesFixedDestinationAndCondition(t *testing.T) {
	var gotPrepare *Prepare
	sendPrepare := func(ctx context.Context, p *Prepare) (*Fulfill, *Reject, error) {
		gotPrepare = p
		return &Fulfill{Data: EncodeIldcpResponse(ClientAddressDetails{
			ClientAddress: "g.client.xyz",
			AssetCode:     "XRP",
			AssetScale:    9,
		})}, nil, nil
	}

	got, err := fetchIldcp(context.Background(), nil, sendPrepare)
	require.NoError(t, err)
	require.Equal(t, "g.client.xyz", got.ClientAddress)
	require.Equal(t, "XRP", got.AssetCode)
	require.Equal(t, uint8(9), got.AssetScale)

	require.Equal(t, peerConfigDestination, gotPrepare.Destination)
	require.Equal(t, uint64(0), gotPrepare.Amount)
	require.Equal(t, peerProtocolCondition, gotPrepare.ExecutionCondition)
}

func TestFetchIldcpPropagatesReject(t *testing.T) {
	sendPrepare := func(ctx context.Context, p *Prepare) (*Fulfill, *Reject, error) {
		return nil, &Reject{Code: CodeF02UnreachableAccount, Message: "no route"}, nil
	}

	_, err := fetchIldcp(context.Background(), nil, sendPrepare)
	require.Error(t, err)
}
