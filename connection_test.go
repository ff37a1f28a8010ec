package stream

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApportionAmountSplitsByShareProportion(t *testing.T) {
	ids := []uint64{1, 2}
	shares := map[uint64]uint64{1: 1, 2: 3}

	got := apportionAmount(100, ids, shares)

	require.Equal(t, uint64(25), got[1])
	require.Equal(t, uint64(75), got[2])
}

func TestApportionAmountRemainderGoesToLowestID(t *testing.T) {
	ids := []uint64{5, 3}
	shares := map[uint64]uint64{5: 1, 3: 1}

	got := apportionAmount(101, ids, shares)

	require.Equal(t, uint64(51), got[3], "remainder goes to the lowest stream id")
	require.Equal(t, uint64(50), got[5])
}

func TestApportionAmountConservesTotal(t *testing.T) {
	ids := []uint64{1, 2, 3, 4}
	shares := map[uint64]uint64{1: 7, 2: 13, 3: 2, 4: 29}

	got := apportionAmount(987, ids, shares)

	var sum uint64
	for _, v := range got {
		sum += v
	}
	require.Equal(t, uint64(987), sum)
}

func TestApportionAmountZeroAmountGivesEveryoneZero(t *testing.T) {
	ids := []uint64{1, 2}
	shares := map[uint64]uint64{1: 10, 2: 20}

	got := apportionAmount(0, ids, shares)

	require.Equal(t, uint64(0), got[1])
	require.Equal(t, uint64(0), got[2])
}

func TestApportionAmountZeroTotalSharesGivesEmptyAllocation(t *testing.T) {
	ids := []uint64{1, 2}
	shares := map[uint64]uint64{1: 0, 2: 0}

	got := apportionAmount(100, ids, shares)

	require.Equal(t, uint64(0), got[1])
	require.Equal(t, uint64(0), got[2])
}

func TestApportionAmountSingleStreamGetsEverything(t *testing.T) {
	ids := []uint64{9}
	shares := map[uint64]uint64{9: 42}

	got := apportionAmount(777, ids, shares)

	require.Equal(t, uint64(777), got[9])
}

func TestConnectionStateString(t *testing.T) {
	require.Equal(t, "OPENING", ConnOpening.String())
	require.Equal(t, "OPEN", ConnOpen.String())
	require.Equal(t, "CLOSING", ConnClosing.String())
	require.Equal(t, "CLOSED", ConnClosed.String())
}

func TestNewConnectionAssignsOddStreamIDsToClient(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		IsServer:           false,
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)

	s1, err := conn.CreateStream()
	require.NoError(t, err)
	require.Equal(t, uint64(1), s1.ID())

	s2, err := conn.CreateStream()
	require.NoError(t, err)
	require.Equal(t, uint64(3), s2.ID())
}

func TestNewConnectionAssignsEvenStreamIDsToServer(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		IsServer:           true,
		SourceAccount:      "g.server",
		DestinationAccount: "g.client",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)

	s1, err := conn.CreateStream()
	require.NoError(t, err)
	require.Equal(t, uint64(2), s1.ID())
}

func TestConnectionTagRoundTripsFromOpts(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		IsServer:           true,
		SourceAccount:      "g.server",
		DestinationAccount: "g.client",
		SharedSecret:       make([]byte, 32),
		ConnectionTag:      "invoice-42",
	})
	require.NoError(t, err)
	require.Equal(t, "invoice-42", conn.ConnectionTag())
}

func TestConnectionTagEmptyByDefault(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)
	require.Equal(t, "", conn.ConnectionTag())
}

func TestTotalSentAndTotalDeliveredStartAtZero(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)
	require.Equal(t, uint64(0), conn.TotalSent())
	require.Equal(t, uint64(0), conn.TotalDelivered())
}

func TestMinimumAcceptableExchangeRateTracksSlippage(t *testing.T) {
	conn, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       make([]byte, 32),
		Slippage:           0.1,
	})
	require.NoError(t, err)
	require.Equal(t, float64(0), conn.MinimumAcceptableExchangeRate())

	conn.exchangeRate.Observe(100, 90)
	require.InDelta(t, 0.9*0.9, conn.MinimumAcceptableExchangeRate(), 0.0001)
}

// TestConcurrentSendTotalProducesAtMostOneInFlightPrepare drives several
// streams' SendTotal calls from concurrent goroutines against a single
// Connection and checks the plugin never sees more than one SendData call
// outstanding at a time: the send loop is single-threaded, so concurrent
// callers must serialize behind it rather than each dispatching their own
// Prepare.
func TestConcurrentSendTotalProducesAtMostOneInFlightPrepare(t *testing.T) {
	plugin := &concurrencyTrackingPlugin{}
	conn, err := newConnection(ConnectionOpts{
		Plugin:             plugin,
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       make([]byte, 32),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	runDone := make(chan error, 1)
	go func() { runDone <- conn.Run(ctx) }()

	const numStreams = 5
	var wg sync.WaitGroup
	for i := 0; i < numStreams; i++ {
		s, err := conn.CreateStream()
		require.NoError(t, err)
		wg.Add(1)
		go func(s *Stream) {
			defer wg.Done()
			require.NoError(t, s.SendTotal(context.Background(), 10))
		}(s)
	}
	wg.Wait()

	cancel()
	<-runDone

	require.LessOrEqual(t, plugin.maxConcurrent(), 1)
	require.Greater(t, plugin.calls(), 0)
}

// concurrencyTrackingPlugin records the high-water mark of simultaneously
// outstanding SendData calls.
type concurrencyTrackingPlugin struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	totalCalls  int
}

func (p *concurrencyTrackingPlugin) Connect(ctx context.Context) error    { return nil }
func (p *concurrencyTrackingPlugin) Disconnect(ctx context.Context) error { return nil }
func (p *concurrencyTrackingPlugin) IsConnected() bool                    { return true }

func (p *concurrencyTrackingPlugin) SendData(ctx context.Context, pr *Prepare) (*Fulfill, *Reject, error) {
	p.mu.Lock()
	p.inFlight++
	p.totalCalls++
	if p.inFlight > p.maxInFlight {
		p.maxInFlight = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(5 * time.Millisecond)

	p.mu.Lock()
	p.inFlight--
	p.mu.Unlock()

	return &Fulfill{}, nil, nil
}

func (p *concurrencyTrackingPlugin) RegisterDataHandler(fn func(ctx context.Context, p *Prepare) (*Fulfill, *Reject)) {
}

func (p *concurrencyTrackingPlugin) DeregisterDataHandler() {}

func (p *concurrencyTrackingPlugin) maxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxInFlight
}

func (p *concurrencyTrackingPlugin) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.totalCalls
}

// TestF99RejectCarriesStreamMaxMoneyAndSenderRetries checks both sides of
// the receive-max-overflow path: the receiver's F99 reject carries an
// encrypted StreamMaxMoney frame reporting its real cap, and the sender's
// handleReject decrypts it, applies the tightened cap to the stream, and
// reports the attempt as retryable instead of destroying the connection.
func TestF99RejectCarriesStreamMaxMoneyAndSenderRetries(t *testing.T) {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i)
	}

	receiver, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		IsServer:           true,
		SourceAccount:      "g.server",
		DestinationAccount: "g.client",
		SharedSecret:       secret,
	})
	require.NoError(t, err)

	rs, err := receiver.getOrCreateStream(1)
	require.NoError(t, err)
	rs.SetReceiveMax(50)

	pkt := &Packet{
		Version:       packetVersion,
		IlpPacketType: IlpPrepare,
		Sequence:      1,
		PrepareAmount: 100,
		Frames:        []Frame{&StreamMoneyFrame{StreamID: 1, Shares: 1}},
	}

	_, reject := receiver.planInboundCredit(pkt, 100)
	require.NotNil(t, reject)
	require.Equal(t, CodeF99ApplicationError, reject.Code)
	require.NotEmpty(t, reject.Data)

	decrypted, err := decryptPacket(reject.Data, receiver.keys)
	require.NoError(t, err)
	require.Len(t, decrypted.Frames, 1)
	mm, ok := decrypted.Frames[0].(*StreamMaxMoneyFrame)
	require.True(t, ok)
	require.Equal(t, uint64(1), mm.StreamID)
	require.Equal(t, uint64(50), mm.ReceiveMax)
	require.Equal(t, uint64(0), mm.TotalReceived)

	sender, err := newConnection(ConnectionOpts{
		Plugin:             &noopPlugin{},
		SourceAccount:      "g.client",
		DestinationAccount: "g.server",
		SharedSecret:       secret,
	})
	require.NoError(t, err)
	ss, err := sender.CreateStream()
	require.NoError(t, err)
	require.Equal(t, uint64(1), ss.ID())

	retry, err := sender.handleReject(context.Background(), reject, 100, map[uint64]*outboundItem{}, nil, nil)
	require.NoError(t, err)
	require.True(t, retry)

	require.Equal(t, uint64(50), ss.remoteReceiveMax)
	require.Equal(t, uint64(0), ss.remoteTotalReceived)
}

// noopPlugin satisfies the Plugin interface for tests that only need a
// Connection's bookkeeping, never its send loop.
type noopPlugin struct{}

func (noopPlugin) Connect(ctx context.Context) error    { return nil }
func (noopPlugin) Disconnect(ctx context.Context) error { return nil }
func (noopPlugin) IsConnected() bool                    { return true }

func (noopPlugin) SendData(ctx context.Context, p *Prepare) (*Fulfill, *Reject, error) {
	return nil, nil, nil
}

func (noopPlugin) RegisterDataHandler(fn func(ctx context.Context, p *Prepare) (*Fulfill, *Reject)) {
}

func (noopPlugin) DeregisterDataHandler() {}
