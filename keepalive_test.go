package stream

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestKeepAliveRequestsKeepaliveOnInterval(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		DestinationAccount: "g.dest",
		SharedSecret:       make([]byte, 32),
		KeepAlive:          KeepAliveConfig{Interval: 5 * time.Millisecond},
	})
	require.NoError(t, err)

	k := NewKeepAlive(conn, conn.keepAliveConfig)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	k.Run(ctx)

	conn.mu.Lock()
	fired := conn.pendingKeepalive
	conn.mu.Unlock()
	require.True(t, fired, "KeepAlive.Run must flag a pending keepalive before its context expires")
}

func TestKeepAliveStopsWhenConnectionDone(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		DestinationAccount: "g.dest",
		SharedSecret:       make([]byte, 32),
		KeepAlive:          KeepAliveConfig{Interval: time.Hour},
	})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		NewKeepAlive(conn, conn.keepAliveConfig).Run(context.Background())
		close(done)
	}()

	close(conn.doneCh)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("KeepAlive.Run did not return after the connection's doneCh closed")
	}
}

func TestNewKeepAliveAppliesDefaultWhenIntervalUnset(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		DestinationAccount: "g.dest",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)

	k := NewKeepAlive(conn, KeepAliveConfig{})
	require.Equal(t, DefaultKeepAliveConfig().Interval, k.config.Interval)
}
