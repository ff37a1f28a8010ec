package stream_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	stream "github.com/interledger/go-stream"
	"github.com/interledger/go-stream/internal/loopback"
)

// TestEndToEndDataRoundTrip covers writing bytes on a client stream and
// closing it: it must deliver the same bytes, in order, to the server's
// data event, followed by an end event.
func TestEndToEndDataRoundTrip(t *testing.T) {
	clientEnd, serverEnd := loopback.NewPair(
		"g.client", "USD", 2,
		"g.server", "USD", 2,
		1.0,
	)

	server, err := stream.NewServer(stream.ServerOpts{
		Plugin:        serverEnd,
		ServerAccount: "g.server",
		ServerSecret:  make([]byte, 32),
		AssetCode:     "USD",
		AssetScale:    2,
	})
	require.NoError(t, err)

	received := make(chan []byte, 16)
	ended := make(chan struct{})
	server.OnConnection(func(conn *stream.Connection) {
		conn.OnStream(func(s *stream.Stream) {
			s.SetReceiveMaxUnbounded()
			s.OnData(func(data []byte) {
				received <- append([]byte(nil), data...)
			})
			s.OnEnd(func() { close(ended) })
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, server.Listen(ctx))
	defer server.Close(context.Background())

	destination, secret, err := server.GenerateAddressAndSecret("")
	require.NoError(t, err)

	conn, err := stream.CreateConnection(ctx, stream.ClientOpts{
		Plugin:             clientEnd,
		DestinationAccount: destination,
		SharedSecret:       secret,
		ProbeTimeout:       2 * time.Second,
	})
	require.NoError(t, err)
	defer conn.End()

	s, err := conn.CreateStream()
	require.NoError(t, err)

	payload := "hello\nhere is some more data"
	_, err = s.Write([]byte(payload))
	require.NoError(t, err)
	s.Close()

	var got []byte
	timeout := time.After(3 * time.Second)
	for {
		select {
		case chunk := <-received:
			got = append(got, chunk...)
			if len(got) >= len(payload) {
				require.Equal(t, payload, string(got))
				select {
				case <-ended:
					return
				case <-timeout:
					t.Fatal("timed out waiting for server stream end event")
				}
			}
		case <-timeout:
			t.Fatalf("timed out waiting for data, got %q so far", got)
		}
	}
}

// TestEndToEndExchangeRateDelivery covers a plugin-level FX hop of 0.5: it
// must be visible to both ends of the connection once the client has sent
// real money: sender.totalSent == 100, sender.totalDelivered == 50,
// receiver.totalReceived == 50.
func TestEndToEndExchangeRateDelivery(t *testing.T) {
	clientEnd, serverEnd := loopback.NewPair(
		"g.client", "USD", 2,
		"g.server", "USD", 2,
		0.5,
	)

	server, err := stream.NewServer(stream.ServerOpts{
		Plugin:        serverEnd,
		ServerAccount: "g.server",
		ServerSecret:  make([]byte, 32),
		AssetCode:     "USD",
		AssetScale:    2,
	})
	require.NoError(t, err)

	serverStreamCh := make(chan *stream.Stream, 16)
	server.OnConnection(func(conn *stream.Connection) {
		conn.OnStream(func(s *stream.Stream) {
			s.SetReceiveMaxUnbounded()
			serverStreamCh <- s
		})
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, server.Listen(ctx))
	defer server.Close(context.Background())

	destination, secret, err := server.GenerateAddressAndSecret("")
	require.NoError(t, err)

	conn, err := stream.CreateConnection(ctx, stream.ClientOpts{
		Plugin:             clientEnd,
		DestinationAccount: destination,
		SharedSecret:       secret,
		ProbeTimeout:       3 * time.Second,
	})
	require.NoError(t, err)
	defer conn.End()

	clientStream, err := conn.CreateStream()
	require.NoError(t, err)

	sendCtx, sendCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer sendCancel()
	require.NoError(t, clientStream.SendTotal(sendCtx, 100))

	var serverStream *stream.Stream
	deadline := time.After(5 * time.Second)
findStream:
	for {
		select {
		case s := <-serverStreamCh:
			if s.ID() == clientStream.ID() {
				serverStream = s
				break findStream
			}
		case <-deadline:
			t.Fatal("server never observed the application stream")
		}
	}

	require.Eventually(t, func() bool {
		return serverStream.TotalReceived() == 50
	}, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, uint64(100), clientStream.TotalSent())
	require.Equal(t, uint64(50), clientStream.TotalDelivered())
}
