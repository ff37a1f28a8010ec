package stream

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ConnectionState mirrors a ConnState enum applied to the Connection
// lifecycle.
type ConnectionState int

const (
	ConnOpening ConnectionState = iota
	ConnOpen
	ConnClosing
	ConnClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnOpening:
		return "OPENING"
	case ConnOpen:
		return "OPEN"
	case ConnClosing:
		return "CLOSING"
	case ConnClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// defaultPrepareExpiry is used when ConnectionOpts.GetExpiry is nil.
const defaultPrepareExpiry = 30 * time.Second

// minRetryBackoff/maxRetryBackoff bound the exponential backoff applied to
// T*-class rejects and plugin-level send failures.
const (
	minRetryBackoff = 100 * time.Millisecond
	maxRetryBackoff = 10 * time.Second
)

// ConnectionOpts configures a new Connection. Both client.go and server.go
// build one of these and hand it to newConnection.
type ConnectionOpts struct {
	Plugin             Plugin
	IsServer           bool
	SourceAccount      string
	DestinationAccount string
	SharedSecret       []byte
	Slippage           float64
	AssetCode          string
	AssetScale         uint8
	GetExpiry          func() time.Time

	// ConnectionTag is the optional caller-supplied suffix parsed from the
	// token segment of an accepted destination, echoed back via
	// Connection.ConnectionTag for server-side correlation. Empty for
	// client-originated connections.
	ConnectionTag string

	// KeepAlive configures the idle-nudge goroutine Run starts alongside the
	// send loop. Zero value takes DefaultKeepAliveConfig.
	KeepAlive KeepAliveConfig
}

// Connection is one STREAM connection: a single shared secret, congestion
// state, exchange rate estimate, and set of multiplexed Streams, all driven
// by a single outbound send loop that enforces the single-Prepare-in-flight
// rule simply by being single-threaded.
type Connection struct {
	mu sync.Mutex

	plugin   Plugin
	isServer bool
	keys     *sharedSecretKeys

	sourceAccount       string
	destinationAccount  string
	remoteSourceAccount string

	assetCode       string
	assetScale      uint8
	remoteAssetCode string
	remoteAssetScale uint8
	haveRemoteAsset bool
	sentAssetDetails bool

	nextPacketSequence  uint64
	lastInboundSequence uint64

	congestion   *congestionController
	exchangeRate *exchangeRateTracker

	streams           map[uint64]*Stream
	nextStreamID      uint64
	remoteMaxStreamID uint64
	localMaxStreamID  uint64

	connectionMaxDataIn  uint64 // aggregate inbound bytes we admit, across all streams
	connectionDataIn     uint64 // aggregate inbound bytes admitted so far
	connectionMaxDataOut uint64 // aggregate outbound bytes the peer admits
	connectionDataOut    uint64 // aggregate outbound bytes sent so far

	// totalSent/totalDelivered are the connection-wide sums of every
	// stream's committed totalSent/totalDelivered.
	totalSent      uint64
	totalDelivered uint64

	connectionTag string

	getExpiry func() time.Time

	pendingKeepalive bool

	state       ConnectionState
	closeReason *StreamError

	retryBackoff time.Duration

	wakeCh chan struct{}
	doneCh chan struct{}

	onStream func(*Stream)
	onClose  func(*StreamError)

	keepAliveConfig KeepAliveConfig
}

// newConnection builds a Connection in the Opening state. Caller must still
// start its send loop via Run.
func newConnection(opts ConnectionOpts) (*Connection, error) {
	keys, err := deriveKeys(opts.SharedSecret)
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}

	getExpiry := opts.GetExpiry
	if getExpiry == nil {
		getExpiry = func() time.Time { return time.Now().Add(defaultPrepareExpiry) }
	}

	slippage := opts.Slippage
	if slippage == 0 {
		slippage = 0.01
	}

	nextStreamID := uint64(1)
	if opts.IsServer {
		nextStreamID = 2
	}

	c := &Connection{
		plugin:               opts.Plugin,
		isServer:             opts.IsServer,
		keys:                 keys,
		sourceAccount:        opts.SourceAccount,
		destinationAccount:   opts.DestinationAccount,
		assetCode:            opts.AssetCode,
		assetScale:           opts.AssetScale,
		nextPacketSequence:   1,
		congestion:           newCongestionController(),
		exchangeRate:         newExchangeRateTracker(slippage),
		streams:              make(map[uint64]*Stream),
		nextStreamID:         nextStreamID,
		remoteMaxStreamID:    unboundedUint64,
		localMaxStreamID:     unboundedUint64,
		connectionMaxDataIn:  unboundedUint64,
		connectionMaxDataOut: unboundedUint64,
		getExpiry:            getExpiry,
		connectionTag:        opts.ConnectionTag,
		keepAliveConfig:      opts.KeepAlive,
		state:                ConnOpening,
		retryBackoff:         minRetryBackoff,
		wakeCh:               make(chan struct{}, 1),
		doneCh:                make(chan struct{}),
	}
	return c, nil
}

// OnStream registers the callback fired when the peer opens a new stream by
// sending data or money referencing a stream id we haven't seen before.
func (c *Connection) OnStream(fn func(*Stream)) {
	c.mu.Lock()
	c.onStream = fn
	c.mu.Unlock()
}

// OnClose registers the callback fired once the connection fully closes.
func (c *Connection) OnClose(fn func(*StreamError)) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

// requestKeepalive asks the send loop to emit one otherwise-empty packet
// (a lone Padding frame) on its next iteration, used by KeepAlive to hold a
// connection open across an idle network path without any new frame type.
func (c *Connection) requestKeepalive() {
	c.mu.Lock()
	c.pendingKeepalive = true
	c.mu.Unlock()
	c.wake()
}

// wake nudges the send loop to reconsider outbound work. Stream methods that
// change send/receive state call this.
func (c *Connection) wake() {
	select {
	case c.wakeCh <- struct{}{}:
	default:
	}
}

// CreateStream allocates a new locally-initiated stream. Ids alternate
// parity by endpoint role (client odd, server even) so both sides can open
// streams without colliding.
func (c *Connection) CreateStream() (*Stream, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == ConnClosed || c.state == ConnClosing {
		return nil, fmt.Errorf("connection is %s", c.state)
	}
	if c.nextStreamID > c.remoteMaxStreamID {
		return nil, NewStreamError(ErrStreamIdError, "stream id exceeds peer's advertised maximum")
	}
	id := c.nextStreamID
	c.nextStreamID += 2
	s := newStream(id, c)
	c.streams[id] = s
	return s, nil
}

func (c *Connection) getOrCreateStream(id uint64) (*Stream, error) {
	c.mu.Lock()
	if s, ok := c.streams[id]; ok {
		c.mu.Unlock()
		return s, nil
	}
	if c.localMaxStreamID != unboundedUint64 && id > c.localMaxStreamID {
		c.mu.Unlock()
		return nil, NewStreamError(ErrStreamIdError, "stream id exceeds our advertised maximum")
	}
	s := newStream(id, c)
	c.streams[id] = s
	cb := c.onStream
	c.mu.Unlock()
	if cb != nil {
		go cb(s)
	}
	return s, nil
}

// Streams returns a snapshot of currently open streams, sorted by id.
func (c *Connection) Streams() []*Stream {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// State returns the connection's current lifecycle state.
func (c *Connection) State() ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// End requests a graceful close: the send loop drains pending work, emits a
// ConnectionClose{NoError}, and Run returns once the peer acknowledges it.
func (c *Connection) End() {
	c.mu.Lock()
	if c.state == ConnOpen || c.state == ConnOpening {
		c.state = ConnClosing
		c.closeReason = NewStreamError(ErrNoError, "")
	}
	c.mu.Unlock()
	c.wake()
}

// Destroy abruptly closes the connection and every open stream.
func (c *Connection) Destroy(err *StreamError) {
	if err == nil {
		err = NewStreamError(ErrApplicationError, "destroyed")
	}
	c.mu.Lock()
	c.state = ConnClosed
	c.closeReason = err
	streams := make([]*Stream, 0, len(c.streams))
	for _, s := range c.streams {
		streams = append(streams, s)
	}
	cb := c.onClose
	c.mu.Unlock()

	for _, s := range streams {
		s.Destroy(err)
	}
	if cb != nil {
		go cb(err)
	}
	close(c.doneCh)
}

// Done returns a channel closed once the connection has fully closed.
func (c *Connection) Done() <-chan struct{} { return c.doneCh }

// Run drives the outbound send loop until ctx is cancelled or the
// connection closes. For client connections it also registers itself as the
// plugin's inbound data handler; server-owned connections instead receive
// inbound Prepares via handlePrepare, called directly by the routing pool in
// server.go, which already demultiplexed by token.
func (c *Connection) Run(ctx context.Context) error {
	c.mu.Lock()
	if c.state == ConnOpening {
		c.state = ConnOpen
	}
	c.mu.Unlock()

	if !c.isServer {
		c.plugin.RegisterDataHandler(func(ctx context.Context, p *Prepare) (*Fulfill, *Reject) {
			return c.handlePrepare(ctx, p)
		})
		defer c.plugin.DeregisterDataHandler()
	}

	go NewKeepAlive(c, c.keepAliveConfig).Run(ctx)

	timer := time.NewTimer(50 * time.Millisecond)
	defer timer.Stop()

	for {
		if c.State() == ConnClosed {
			return nil
		}

		progressed, err := c.sendNext(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("stream: send loop iteration failed")
		}

		if progressed {
			continue
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(50 * time.Millisecond)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.doneCh:
			return nil
		case <-c.wakeCh:
		case <-timer.C:
		}
	}
}

// outboundItem is one stream's contribution to the packet under construction.
type outboundItem struct {
	id           uint64
	shares       uint64
	held         uint64
	dataFrom     uint64 // s.outgoingOffset before framing, for rewind on reject
	dataTo       uint64 // offset reached after framing, for markDataSent on fulfill
	gotData      bool
	closing      bool
	wantsReceipt bool // a StreamReceiptRequestFrame for this stream rode on this packet
}

// sendNext builds and sends at most one Prepare, blocking on the plugin's
// synchronous round trip. It returns progressed=true if a packet was sent
// (so the caller should immediately look for more work) or false if there
// was nothing to send right now.
func (c *Connection) sendNext(ctx context.Context) (bool, error) {
	c.mu.Lock()
	state := c.state
	c.mu.Unlock()
	if state == ConnClosed {
		return false, nil
	}

	streams := c.Streams()

	items := make(map[uint64]*outboundItem)
	var activeIDs []uint64
	for _, s := range streams {
		share := s.availableSendShare()
		_, closing := s.closeFrameIfReady()
		_, wantsReceipt := s.receiptRequestFrame()
		if share == 0 && s.pendingOutgoingBytes() == 0 && !closing && !wantsReceipt {
			continue
		}
		items[s.id] = &outboundItem{id: s.id, shares: share, closing: closing}
		activeIDs = append(activeIDs, s.id)
	}

	closingConn := state == ConnClosing

	c.mu.Lock()
	keepalive := c.pendingKeepalive
	c.pendingKeepalive = false
	c.mu.Unlock()

	if len(activeIDs) == 0 && !closingConn && !c.needsControlFrame() && !keepalive {
		return false, nil
	}

	var totalShares uint64
	for _, id := range activeIDs {
		totalShares += items[id].shares
	}

	ceiling := c.congestion.Ceiling()
	sourceAmount := totalShares
	if sourceAmount > ceiling {
		sourceAmount = ceiling
	}

	commits := apportionAmount(sourceAmount, activeIDs, shareMapFrom(items))

	var frames []Frame

	c.mu.Lock()
	if !c.sentAssetDetails {
		frames = append(frames, &ConnectionAssetDetailsFrame{AssetCode: c.assetCode, AssetScale: c.assetScale})
		frames = append(frames, &ConnectionNewAddressFrame{SourceAccount: c.sourceAccount})
		c.sentAssetDetails = true
	}
	c.mu.Unlock()

	for _, id := range activeIDs {
		item := items[id]
		s := streamByID(streams, id)
		if amount := commits[id]; amount > 0 {
			s.commitHold(amount)
			item.held = amount
			frames = append(frames, &StreamMoneyFrame{StreamID: id, Shares: item.shares})
		}
		if rf, ok := s.receiptRequestFrame(); ok {
			frames = append(frames, rf)
			item.wantsReceipt = true
		}
	}

	budget := maxPacketDataSize / 2
	sort.Slice(activeIDs, func(i, j int) bool {
		si, sj := streamByID(streams, activeIDs[i]), streamByID(streams, activeIDs[j])
		return si.getPriority() > sj.getPriority()
	})
	for _, id := range activeIDs {
		if budget <= 0 {
			break
		}
		s := streamByID(streams, id)
		item := items[id]
		item.dataFrom = s.outgoingOffsetSnapshot()
		if df := s.nextDataFrame(budget); df != nil {
			frames = append(frames, df)
			item.gotData = true
			item.dataTo = df.Offset + uint64(len(df.Data))
			budget -= len(df.Data)
		}
		if item.closing {
			if cf, ok := s.closeFrameIfReady(); ok {
				frames = append(frames, cf)
			}
		}
	}

	if closingConn {
		reason := c.closeReason
		if reason == nil {
			reason = NewStreamError(ErrNoError, "")
		}
		frames = append(frames, &ConnectionCloseFrame{ErrorCode: reason.Code, Message: reason.Message})
	}

	if len(frames) == 0 && keepalive {
		frames = append(frames, &UnknownFrame{RawType: FrameTypePadding})
	}

	if len(frames) == 0 && sourceAmount == 0 {
		return false, nil
	}

	c.mu.Lock()
	if c.nextPacketSequence == unboundedUint64 {
		c.mu.Unlock()
		c.Destroy(NewStreamError(ErrProtocolViolation, "packet sequence space exhausted"))
		return false, fmt.Errorf("packet sequence exhausted")
	}
	sequence := c.nextPacketSequence
	c.nextPacketSequence++
	c.mu.Unlock()

	pkt := &Packet{
		Version:       packetVersion,
		IlpPacketType: IlpPrepare,
		Sequence:      sequence,
		PrepareAmount: sourceAmount,
		Frames:        frames,
	}

	ciphertext, err := encryptPacket(pkt, c.keys, maxPacketDataSize)
	if err != nil {
		c.rollback(items, activeIDs, streams)
		return false, fmt.Errorf("encrypt outbound packet: %w", err)
	}

	fulfillValue := fulfillment(c.keys.fulfillment, ciphertext)
	cond := condition(fulfillValue)

	prepare := &Prepare{
		Destination:        c.destinationAccount,
		Amount:             sourceAmount,
		ExecutionCondition: cond,
		ExpiresAt:          c.getExpiry(),
		Data:               ciphertext,
	}

	fulfill, reject, err := c.plugin.SendData(ctx, prepare)
	if err != nil {
		c.rollback(items, activeIDs, streams)
		c.backoffSleep(ctx)
		return false, fmt.Errorf("plugin send data: %w", err)
	}

	if reject != nil {
		return c.handleReject(ctx, reject, sourceAmount, items, activeIDs, streams)
	}

	c.handleFulfill(fulfill, sourceAmount, items, activeIDs, streams, closingConn)
	return true, nil
}

func (c *Connection) needsControlFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.sentAssetDetails
}

func shareMapFrom(items map[uint64]*outboundItem) map[uint64]uint64 {
	m := make(map[uint64]uint64, len(items))
	for id, it := range items {
		m[id] = it.shares
	}
	return m
}

func streamByID(streams []*Stream, id uint64) *Stream {
	for _, s := range streams {
		if s.id == id {
			return s
		}
	}
	return nil
}

// outgoingOffsetSnapshot exposes outgoingOffset for rewind bookkeeping.
func (s *Stream) outgoingOffsetSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outgoingOffset
}

// rollback releases holds and rewinds data framing for an attempt that
// never reached a Fulfill (send failure, or about to retry).
func (c *Connection) rollback(items map[uint64]*outboundItem, activeIDs []uint64, streams []*Stream) {
	for _, id := range activeIDs {
		item := items[id]
		s := streamByID(streams, id)
		if s == nil {
			continue
		}
		if item.held > 0 {
			s.releaseHold(item.held)
		}
		if item.gotData {
			s.rewindUnsent(item.dataFrom)
		}
	}
}

// handleFulfill commits holds to totalSent/totalDelivered, frees sent data,
// records the observed exchange rate, and grows the congestion ceiling.
func (c *Connection) handleFulfill(fulfill *Fulfill, sourceAmount uint64, items map[uint64]*outboundItem, activeIDs []uint64, streams []*Stream, closingConn bool) {
	var deliveredAmount uint64 = sourceAmount
	var responsePkt *Packet
	if fulfill != nil && len(fulfill.Data) > 0 {
		if pkt, err := decryptPacket(fulfill.Data, c.keys); err == nil {
			responsePkt = pkt
			deliveredAmount = pkt.PrepareAmount
		} else {
			log.Debug().Err(err).Msg("stream: could not decode fulfill response body")
		}
	}

	if sourceAmount > 0 {
		c.exchangeRate.Observe(sourceAmount, deliveredAmount)
	}
	c.congestion.OnFulfill()
	c.resetBackoff()

	delivered := apportionAmount(deliveredAmount, activeIDs, shareMapFrom(items))
	for _, id := range activeIDs {
		item := items[id]
		s := streamByID(streams, id)
		if s == nil {
			continue
		}
		if item.held > 0 {
			s.confirmSent(item.held, delivered[id])
			c.mu.Lock()
			c.totalSent += item.held
			c.totalDelivered += delivered[id]
			c.mu.Unlock()
		}
		if item.gotData {
			s.markDataSent(item.dataTo)
		}
		if item.closing {
			s.markCloseSent()
		}
		if item.wantsReceipt {
			s.markReceiptRequestAcked()
		}
	}

	if responsePkt != nil {
		c.applyInboundControlFrames(responsePkt.Frames)
	}

	if closingConn {
		c.mu.Lock()
		c.state = ConnClosed
		cb := c.onClose
		reason := c.closeReason
		c.mu.Unlock()
		if cb != nil {
			go cb(reason)
		}
		close(c.doneCh)
	}
}

// handleReject classifies the reject code: F08 shrinks the congestion
// ceiling and learns the maximum packet amount, F99 with a decryptable
// body applies the peer's tightened caps and retries, T*/R* are retried
// after a backoff, and any other F* is treated as fatal.
func (c *Connection) handleReject(ctx context.Context, reject *Reject, sourceAmount uint64, items map[uint64]*outboundItem, activeIDs []uint64, streams []*Stream) (bool, error) {
	c.rollback(items, activeIDs, streams)

	switch reject.Code {
	case CodeF08AmountTooLarge:
		if hint, err := DecodeF08Hint(reject.Data); err == nil {
			c.congestion.OnAmountTooLarge(hint.MaximumAmount)
		} else {
			c.congestion.OnAmountTooLarge(sourceAmount / 2)
		}
		return true, nil

	case CodeF99ApplicationError:
		if len(reject.Data) > 0 {
			if pkt, err := decryptPacket(reject.Data, c.keys); err == nil {
				c.applyInboundControlFrames(pkt.Frames)
				return true, nil
			}
		}
		err := NewStreamError(ErrApplicationError, string(reject.Code)+": "+reject.Message)
		c.Destroy(err)
		return false, err

	case CodeR00Timeout:
		c.backoffSleep(ctx)
		return true, nil

	default:
		if reject.Code.Retryable() {
			c.backoffSleep(ctx)
			return true, nil
		}
		err := NewStreamError(ErrApplicationError, string(reject.Code)+": "+reject.Message)
		c.Destroy(err)
		return false, err
	}
}

// backoffSleep applies exponential backoff between retries of a temporary
// failure.
func (c *Connection) backoffSleep(ctx context.Context) {
	c.mu.Lock()
	d := c.retryBackoff
	c.retryBackoff *= 2
	if c.retryBackoff > maxRetryBackoff {
		c.retryBackoff = maxRetryBackoff
	}
	c.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (c *Connection) resetBackoff() {
	c.mu.Lock()
	c.retryBackoff = minRetryBackoff
	c.mu.Unlock()
}

// apportionAmount splits amount across ids in proportion to shares,
// flooring each share and handing the remainder to the lowest id, a
// deterministic apportionment rule. Both the sender
// (apportioning a source amount across committed holds) and the receiver
// (apportioning a received amount across StreamMoney frames) use this same
// function so the two sides agree without needing to exchange the split.
func apportionAmount(amount uint64, ids []uint64, shares map[uint64]uint64) map[uint64]uint64 {
	result := make(map[uint64]uint64, len(ids))
	if amount == 0 || len(ids) == 0 {
		for _, id := range ids {
			result[id] = 0
		}
		return result
	}

	var total uint64
	for _, id := range ids {
		total += shares[id]
	}
	if total == 0 {
		return result
	}

	sorted := append([]uint64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var allocated uint64
	for _, id := range sorted {
		portion := amount * shares[id] / total
		result[id] = portion
		allocated += portion
	}
	if remainder := amount - allocated; remainder > 0 {
		result[sorted[0]] += remainder
	}
	return result
}

// handlePrepare is the inbound processing pipeline: decrypt,
// parse, validate the packet sequence, apply control frames, atomically
// credit money and data across referenced streams, and build the Fulfill
// response. It is used both by Run's registered plugin handler (client
// connections) and directly by server.go's routing pool (which already
// demultiplexed the inbound Prepare to this connection by token).
func (c *Connection) handlePrepare(ctx context.Context, p *Prepare) (*Fulfill, *Reject) {
	pkt, err := decryptPacket(p.Data, c.keys)
	if err != nil {
		return nil, &Reject{Code: CodeF06UnexpectedPayment, Message: ""}
	}

	c.mu.Lock()
	if pkt.Sequence <= c.lastInboundSequence {
		c.mu.Unlock()
		log.Warn().Uint64("sequence", pkt.Sequence).Msg("stream: non-increasing inbound sequence")
		return nil, &Reject{Code: CodeF99ApplicationError, Message: "duplicate or out-of-order sequence"}
	}
	c.lastInboundSequence = pkt.Sequence
	c.mu.Unlock()

	c.applyInboundControlFrames(pkt.Frames)

	plan, rejectErr := c.planInboundCredit(pkt, p.Amount)
	if rejectErr != nil {
		return nil, rejectErr
	}
	c.commitInboundCredit(plan)

	respFrames := c.buildInboundResponseFrames(plan)
	respPkt := &Packet{
		Version:       packetVersion,
		IlpPacketType: IlpFulfill,
		Sequence:      pkt.Sequence,
		PrepareAmount: p.Amount,
		Frames:        respFrames,
	}
	respCiphertext, err := encryptPacket(respPkt, c.keys, 0)
	if err != nil {
		log.Warn().Err(err).Msg("stream: failed to encrypt fulfill response")
		return nil, &Reject{Code: CodeF99ApplicationError, Message: "internal error"}
	}

	var fulfillmentValue [32]byte
	copy(fulfillmentValue[:], fulfillment(c.keys.fulfillment, p.Data))

	return &Fulfill{
		Fulfillment: fulfillmentValue,
		Data:        respCiphertext,
	}, nil
}

// inboundCredit describes one stream's share of an inbound Prepare, decided
// during the check phase and applied during the commit phase so the whole
// packet is accepted or rejected atomically.
type inboundCredit struct {
	stream *Stream
	money  uint64
	data   []struct {
		offset uint64
		data   []byte
		final  bool
	}
}

// planInboundCredit is the check phase: it computes the per-stream money
// apportionment and validates every stream's receive window and the
// connection's aggregate data window before anything is mutated. If any
// stream would overflow, the entire Prepare is rejected with no partial
// effect.
func (c *Connection) planInboundCredit(pkt *Packet, receivedAmount uint64) (map[uint64]*inboundCredit, *Reject) {
	plans := make(map[uint64]*inboundCredit)

	var moneyIDs []uint64
	shares := make(map[uint64]uint64)
	for _, f := range pkt.Frames {
		if mf, ok := f.(*StreamMoneyFrame); ok {
			moneyIDs = append(moneyIDs, mf.StreamID)
			shares[mf.StreamID] = mf.Shares
		}
	}
	credits := apportionAmount(receivedAmount, moneyIDs, shares)

	getPlan := func(id uint64) (*inboundCredit, *Reject) {
		if ic, ok := plans[id]; ok {
			return ic, nil
		}
		s, err := c.getOrCreateStream(id)
		if err != nil {
			se, _ := err.(*StreamError)
			code := CodeF99ApplicationError
			msg := err.Error()
			if se != nil {
				msg = se.Message
			}
			return nil, &Reject{Code: code, Message: msg}
		}
		ic := &inboundCredit{stream: s}
		plans[id] = ic
		return ic, nil
	}

	for _, id := range moneyIDs {
		amount := credits[id]
		ic, rej := getPlan(id)
		if rej != nil {
			return nil, rej
		}
		if amount > 0 && ic.stream.wouldOverflowReceiveMax(amount) {
			receiveMax, totalReceived := ic.stream.receiveMaxAndTotalReceived()
			return nil, &Reject{
				Code:    CodeF99ApplicationError,
				Message: fmt.Sprintf("stream %d receive max exceeded", id),
				Data: c.encryptedRejectBody(pkt.Sequence, &StreamMaxMoneyFrame{
					StreamID:      id,
					ReceiveMax:    receiveMax,
					TotalReceived: totalReceived,
				}),
			}
		}
		ic.money = amount
	}

	var aggregateData uint64
	for _, f := range pkt.Frames {
		df, ok := f.(*StreamDataFrame)
		if !ok {
			continue
		}
		aggregateData += uint64(len(df.Data))
	}
	c.mu.Lock()
	overflow := c.connectionMaxDataIn != unboundedUint64 && c.connectionDataIn+aggregateData > c.connectionMaxDataIn
	maxDataIn := c.connectionMaxDataIn
	c.mu.Unlock()
	if overflow {
		return nil, &Reject{
			Code:    CodeF99ApplicationError,
			Message: "connection data window exceeded",
			Data:    c.encryptedRejectBody(pkt.Sequence, &ConnectionMaxDataFrame{MaxOffset: maxDataIn}),
		}
	}

	hasClose := make(map[uint64]bool)
	for _, f := range pkt.Frames {
		if cf, ok := f.(*StreamCloseFrame); ok {
			hasClose[cf.StreamID] = true
		}
	}

	for _, f := range pkt.Frames {
		df, ok := f.(*StreamDataFrame)
		if !ok {
			continue
		}
		ic, rej := getPlan(df.StreamID)
		if rej != nil {
			return nil, rej
		}
		_, final := hasClose[df.StreamID]
		ic.data = append(ic.data, struct {
			offset uint64
			data   []byte
			final  bool
		}{offset: df.Offset, data: df.Data, final: final})
	}

	return plans, nil
}

// encryptedRejectBody encrypts a single tightened-cap frame as an F99
// reject body, so the sender can decrypt it and retry with the new cap
// applied instead of treating the whole connection as dead. Logs and
// returns nil on an encryption failure, which degrades the reject to an
// empty (fatal) body rather than panicking.
func (c *Connection) encryptedRejectBody(sequence uint64, frame Frame) []byte {
	pkt := &Packet{
		Version:       packetVersion,
		IlpPacketType: IlpReject,
		Sequence:      sequence,
		Frames:        []Frame{frame},
	}
	ciphertext, err := encryptPacket(pkt, c.keys, 0)
	if err != nil {
		log.Warn().Err(err).Msg("stream: failed to encrypt F99 reject body")
		return nil
	}
	return ciphertext
}

// commitInboundCredit is the commit phase: apply every planned credit now
// that the whole packet has been validated.
func (c *Connection) commitInboundCredit(plans map[uint64]*inboundCredit) {
	var total uint64
	for _, ic := range plans {
		if ic.money > 0 {
			ic.stream.creditReceived(ic.money)
		}
		for _, d := range ic.data {
			if err := ic.stream.pushIncomingData(d.offset, d.data, d.final); err != nil {
				log.Warn().Err(err).Uint64("streamID", ic.stream.id).Msg("stream: failed to push reassembled data")
			}
			total += uint64(len(d.data))
		}
	}
	if total > 0 {
		c.mu.Lock()
		c.connectionDataIn += total
		c.mu.Unlock()
	}
}

// buildInboundResponseFrames reports current per-stream caps back to the
// sender so it can keep its windows and congestion estimate accurate.
func (c *Connection) buildInboundResponseFrames(plans map[uint64]*inboundCredit) []Frame {
	var frames []Frame
	c.mu.Lock()
	if !c.sentAssetDetails {
		frames = append(frames, &ConnectionAssetDetailsFrame{AssetCode: c.assetCode, AssetScale: c.assetScale})
		c.sentAssetDetails = true
	}
	c.mu.Unlock()

	ids := make([]uint64, 0, len(plans))
	for id := range plans {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		ic := plans[id]
		frames = append(frames, &StreamMaxMoneyFrame{
			StreamID:      id,
			ReceiveMax:    ic.stream.receiveMaxSnapshot(),
			TotalReceived: ic.stream.TotalReceived(),
		})
		if rf, ok := ic.stream.buildReceiptIfRequested(c.keys.receipt); ok {
			frames = append(frames, rf)
		}
	}
	return frames
}

// receiveMaxSnapshot exposes receiveMax for response-frame reporting.
func (s *Stream) receiveMaxSnapshot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveMax
}

// applyInboundControlFrames applies connection-level frames found in either
// an inbound Prepare or a Fulfill response body.
func (c *Connection) applyInboundControlFrames(frames []Frame) {
	for _, f := range frames {
		switch fr := f.(type) {
		case *ConnectionNewAddressFrame:
			c.mu.Lock()
			c.remoteSourceAccount = fr.SourceAccount
			c.mu.Unlock()

		case *ConnectionAssetDetailsFrame:
			c.mu.Lock()
			if !c.haveRemoteAsset {
				c.remoteAssetCode = fr.AssetCode
				c.remoteAssetScale = fr.AssetScale
				c.haveRemoteAsset = true
			}
			c.mu.Unlock()

		case *ConnectionMaxDataFrame:
			c.mu.Lock()
			c.connectionMaxDataOut = fr.MaxOffset
			c.mu.Unlock()

		case *ConnectionMaxStreamIdFrame:
			c.mu.Lock()
			c.remoteMaxStreamID = fr.MaxStreamId
			c.mu.Unlock()

		case *ConnectionCloseFrame:
			c.mu.Lock()
			c.state = ConnClosed
			c.closeReason = NewStreamError(fr.ErrorCode, fr.Message)
			cb := c.onClose
			reason := c.closeReason
			c.mu.Unlock()
			if cb != nil {
				go cb(reason)
			}
			select {
			case <-c.doneCh:
			default:
				close(c.doneCh)
			}

		case *StreamMaxMoneyFrame:
			if s, ok := c.streamLocked(fr.StreamID); ok {
				s.applyRemoteMaxMoney(fr.ReceiveMax, fr.TotalReceived)
			}

		case *StreamCloseFrame:
			if s, err := c.getOrCreateStream(fr.StreamID); err == nil {
				s.applyRemoteClose(fr.ErrorCode, fr.Message)
			}

		case *StreamReceiptRequestFrame:
			// Arrives in an inbound Prepare: the remote sender wants
			// receipts on this stream.
			if s, err := c.getOrCreateStream(fr.StreamID); err == nil {
				s.registerReceiptNonce(fr.Nonce)
			}

		case *StreamReceiptFrame:
			// Arrives in a Fulfill response body: the remote receiver is
			// reporting progress against a receipt we requested.
			if s, ok := c.streamLocked(fr.StreamID); ok {
				s.applyReceivedReceipt(fr.Receipt, c.keys.receipt)
			}
		}
	}
}

func (c *Connection) streamLocked(id uint64) (*Stream, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.streams[id]
	return s, ok
}

// RemoteAssetDetails returns the peer's announced asset code/scale, if it
// has told us yet.
func (c *Connection) RemoteAssetDetails() (code string, scale uint8, known bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteAssetCode, c.remoteAssetScale, c.haveRemoteAsset
}

// ExchangeRate returns the currently observed delivered/sent ratio.
func (c *Connection) ExchangeRate() float64 { return c.exchangeRate.Rate() }

// SourceAccount returns this endpoint's own ILP address.
func (c *Connection) SourceAccount() string { return c.sourceAccount }

// DestinationAccount returns the peer's ILP address.
func (c *Connection) DestinationAccount() string { return c.destinationAccount }

// TotalSent returns the connection-wide sum of every stream's committed
// totalSent, across all streams ever opened on this connection.
func (c *Connection) TotalSent() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalSent
}

// TotalDelivered returns the connection-wide sum of every stream's
// committed totalDelivered.
func (c *Connection) TotalDelivered() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalDelivered
}

// MinimumAcceptableExchangeRate returns the slippage-adjusted floor below
// which this connection refuses to send real money.
func (c *Connection) MinimumAcceptableExchangeRate() float64 {
	return c.exchangeRate.MinimumAcceptableRate()
}

// ConnectionTag returns the caller-supplied tag parsed from the token
// segment of the destination this connection was accepted on, or "" for
// client-originated connections.
func (c *Connection) ConnectionTag() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectionTag
}
