package stream

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// ClientOpts configures CreateConnection.
type ClientOpts struct {
	Plugin             Plugin
	DestinationAccount string
	SharedSecret       []byte
	Slippage           float64
	GetExpiry          func() time.Time

	// ProbeTimeout bounds how long CreateConnection waits for the
	// exchange-rate probe to reach minExchangeRatePrecisionDigits before
	// giving up. Defaults to 10s.
	ProbeTimeout time.Duration

	// RateCache, if set, lets CreateConnection seed the new connection's
	// congestion ceiling and exchange rate from a prior connection to the
	// same destination, and records this connection's own observations back
	// into it once the probe succeeds, so a later CreateConnection to the
	// same path can skip most of the ramp.
	RateCache *RouteRateCache

	// KeepAlive configures the connection's idle-nudge goroutine. Zero value
	// takes DefaultKeepAliveConfig.
	KeepAlive KeepAliveConfig
}

// defaultProbeTimeout is used when ClientOpts.ProbeTimeout is zero.
const defaultProbeTimeout = 10 * time.Second

// CreateConnection bootstraps the client side of a STREAM connection: it
// fetches the caller's own address and asset details via ILDCP, opens the
// Connection, starts its send loop, and probes the path with increasing
// small-value packets until the observed exchange rate is trustworthy to
// minExchangeRatePrecisionDigits significant digits. If the path never
// delivers enough precision before ProbeTimeout, it returns
// errInsufficientExchangeRatePrecision.
func CreateConnection(ctx context.Context, opts ClientOpts) (*Connection, error) {
	if !opts.Plugin.IsConnected() {
		if err := opts.Plugin.Connect(ctx); err != nil {
			return nil, fmt.Errorf("client: plugin connect: %w", err)
		}
	}

	details, err := fetchIldcp(ctx, opts.Plugin, opts.Plugin.SendData)
	if err != nil {
		return nil, fmt.Errorf("client: ildcp: %w", err)
	}

	conn, err := newConnection(ConnectionOpts{
		Plugin:             opts.Plugin,
		IsServer:           false,
		SourceAccount:      details.ClientAddress,
		DestinationAccount: opts.DestinationAccount,
		SharedSecret:       opts.SharedSecret,
		Slippage:           opts.Slippage,
		AssetCode:          details.AssetCode,
		AssetScale:         details.AssetScale,
		GetExpiry:          opts.GetExpiry,
		KeepAlive:          opts.KeepAlive,
	})
	if err != nil {
		return nil, fmt.Errorf("client: new connection: %w", err)
	}
	conn.seedFromCache(opts.RateCache)

	runCtx, cancelRun := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(runCtx) }()

	if err := probeExchangeRate(ctx, conn, opts.ProbeTimeout); err != nil {
		cancelRun()
		<-runDone
		return nil, err
	}

	if opts.RateCache != nil {
		opts.RateCache.Record(opts.DestinationAccount, conn.exchangeRate.Rate(), conn.congestion.MaxPacketAmount())
	}

	return conn, nil
}

// probeExchangeRate opens a throwaway stream and ratchets its send cap up
// (mirroring the congestion controller's own additive-increase shape) until
// the connection's exchangeRateTracker reports sufficient precision, the
// caller's context is cancelled, or timeout elapses.
func probeExchangeRate(ctx context.Context, conn *Connection, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	probe, err := conn.CreateStream()
	if err != nil {
		return fmt.Errorf("client: open probe stream: %w", err)
	}

	amount := uint64(1)
	probe.SetSendMax(amount)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		if conn.exchangeRate.HasSufficientPrecision() {
			// Freeze the probe stream at whatever it has already
			// committed; real application streams take over from here.
			probe.SetSendMax(probe.TotalSent())
			return nil
		}

		select {
		case <-probeCtx.Done():
			log.Debug().Msg("client: exchange rate probe timed out")
			return fmt.Errorf("Error connecting: %w", errInsufficientExchangeRatePrecision)

		case <-ticker.C:
			if probe.SendMax() <= probe.TotalSent() {
				amount *= 10
				probe.SetSendMax(probe.TotalSent() + amount)
			}
		}
	}
}
