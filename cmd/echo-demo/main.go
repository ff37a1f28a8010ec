// Echo demo for go-stream
//
// This demonstrates a STREAM server accepting a connection and echoing
// back whatever a client sends, end to end: ILDCP address discovery,
// shared-secret derivation from a server-generated token, stream money
// and data frames, and exchange-rate probing across a simulated FX hop.
//
// Unlike a real deployment, there is no ILP connector or network here:
// both sides run in this one process over an in-memory loopback.Plugin
// pair so the demo has something to talk to. Point go-stream's Server
// and CreateConnection at a real plugin to run the client and server as
// separate processes.
//
// Usage:
//
//	go run ./cmd/echo-demo
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	stream "github.com/interledger/go-stream"
	"github.com/interledger/go-stream/internal/loopback"
)

func main() {
	configureLogging()
	log.Info().Msg("starting echo demo")

	ctx, cancel := setupShutdownHandler()
	defer cancel()

	clientEndpoint, serverEndpoint := loopback.NewPair(
		"g.client", "USD", 2,
		"g.server", "EUR", 2,
		0.9, // simulated FX: 1 USD unit (2dp) delivers 0.9 EUR units
	)

	server := startServer(ctx, serverEndpoint)
	defer server.Close(context.Background())

	destination, secret, err := server.GenerateAddressAndSecret("echo-demo")
	if err != nil {
		log.Fatal().Err(err).Msg("failed to mint server address")
	}
	log.Info().Str("destination", destination).Msg("server ready")

	conn := dialClient(ctx, clientEndpoint, destination, secret)
	defer conn.End()

	runEcho(ctx, conn)
}

// configureLogging mirrors the teacher's console-writer setup.
func configureLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
}

// setupShutdownHandler returns a context cancelled on SIGINT/SIGTERM.
func setupShutdownHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		log.Info().Msg("received shutdown signal")
		cancel()
	}()
	return ctx, cancel
}

// startServer builds and starts listening on a Server bound to the
// server side of the loopback pair. It terminates the program with a
// fatal error if the server cannot start.
func startServer(ctx context.Context, endpoint *loopback.Endpoint) *stream.Server {
	server, err := stream.NewServer(stream.ServerOpts{
		Plugin:        endpoint,
		ServerAccount: "g.server",
		ServerSecret:  []byte("0123456789abcdef0123456789abcdef"),
		AssetCode:     "EUR",
		AssetScale:    2,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build server")
	}

	server.OnConnection(func(conn *stream.Connection) {
		log.Info().Msg("server accepted connection")
		conn.OnStream(func(s *stream.Stream) {
			log.Info().Uint64("stream_id", s.ID()).Msg("server accepted stream")
			echoStream(s)
		})
	})

	if err := server.Listen(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to listen")
	}
	return server
}

// echoStream writes back every chunk of data a stream delivers, raising
// its receive window as it goes so the peer never stalls on flow control.
func echoStream(s *stream.Stream) {
	s.SetReceiveMaxUnbounded()
	s.OnData(func(data []byte) {
		log.Debug().Int("bytes", len(data)).Msg("server echoing data")
		if _, err := s.Write(data); err != nil {
			log.Error().Err(err).Msg("server write failed")
		}
	})
	s.OnEnd(func() {
		log.Info().Uint64("stream_id", s.ID()).Msg("server stream ended")
	})
}

// dialClient establishes the client side of the connection and blocks
// until the exchange-rate probe clears, so the caller can start sending
// immediately afterward.
func dialClient(ctx context.Context, endpoint *loopback.Endpoint, destination string, secret []byte) *stream.Connection {
	conn, err := stream.CreateConnection(ctx, stream.ClientOpts{
		Plugin:             endpoint,
		DestinationAccount: destination,
		SharedSecret:       secret,
		ProbeTimeout:       5 * time.Second,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect")
	}
	log.Info().
		Float64("exchange_rate", conn.ExchangeRate()).
		Msg("client connected")
	return conn
}

// runEcho opens one stream, sends each line from stdin, and logs what
// comes back until ctx is cancelled or stdin closes.
func runEcho(ctx context.Context, conn *stream.Connection) {
	s, err := conn.CreateStream()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open stream")
	}

	received := make(chan []byte, 16)
	s.OnData(func(data []byte) {
		received <- append([]byte(nil), data...)
	})

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case chunk := <-received:
				fmt.Printf("echo: %s", chunk)
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := scanner.Text() + "\n"
		if _, err := s.Write([]byte(line)); err != nil {
			log.Error().Err(err).Msg("write failed")
			return
		}
	}
	s.Close()
}
