package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// StreamState is a ConnState-with-String() idiom applied to the Stream
// lifecycle.
type StreamState int

const (
	StreamOpen StreamState = iota
	StreamSendClosed
	StreamRecvClosed
	StreamClosed
)

func (s StreamState) String() string {
	switch s {
	case StreamOpen:
		return "OPEN"
	case StreamSendClosed:
		return "SEND_CLOSED"
	case StreamRecvClosed:
		return "RECV_CLOSED"
	case StreamClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Priority is the stream scheduling hint used to order StreamData framing
// across streams sharing one packet's remaining capacity, following the
// same shape as a StreamProfile enum.
type Priority int

const (
	PriorityNormal Priority = 0
	PriorityHigh   Priority = 1
)

// recvBufferSize bounds the per-stream receive-side byte buffer, the same
// role circbuf plays for the teacher's StreamConn.recvBuf.
const recvBufferSize = 1 << 20 // 1 MiB

// Stream is one multiplexed, bidirectional channel within a Connection,
// carrying both money and bytes.
type Stream struct {
	id   uint64
	conn *Connection

	mu sync.Mutex

	// Money accounting invariants: total_sent+holds<=send_max,
	// total_received<=receive_max.
	sendMax            uint64
	totalSent          uint64
	totalDelivered     uint64
	holds              uint64
	receiveMax         uint64
	totalReceived      uint64

	// Outgoing byte queue: a flat buffer plus the offset of its first byte.
	outgoingData       []byte
	outgoingBase       uint64 // stream offset of outgoingData[0]
	outgoingOffset     uint64 // next byte offset to assign when framing
	outgoingSentOffset uint64 // highest offset acknowledged as sent (freed from queue)

	// remoteMaxDataOffset is the peer-advertised window for how much data
	// we may send on this stream (StreamMaxData); unboundedUint64 until set.
	remoteMaxDataOffset uint64

	// remoteReceiveMax/remoteTotalReceived are the peer's self-reported
	// receive window for this stream, learned from inbound StreamMaxMoney
	// frames carried on every Fulfill response. availableSendShare uses the
	// gap between them to stop offering more than the peer has already told
	// us it will accept.
	remoteReceiveMax    uint64
	remoteTotalReceived uint64

	// Incoming data reassembly.
	incoming        *offsetReassembler
	recvBuf         *circbuf.Buffer
	localMaxDataOffset uint64 // window we have advertised to the peer

	receiptLatest      []byte
	receiptLatestTotal uint64

	// receiptNonce is the nonce a remote sender registered via a
	// StreamReceiptRequestFrame, asking us (as receiver) to attach a
	// StreamReceiptFrame to future Fulfills crediting this stream.
	receiptNonce []byte

	// requestedReceiptNonce/receiptRequestAcked track our own outstanding
	// receipt request when we are the sender: the nonce we generated and
	// whether the remote receiver has acknowledged (Fulfilled a packet
	// carrying) the request frame yet.
	requestedReceiptNonce []byte
	receiptRequestAcked   bool

	priority Priority

	state StreamState
	err   *StreamError

	sendClosePending bool // graceful Close() requested, awaiting drain
	closeSent        bool
	closeReceived    bool

	readCond *sync.Cond
	sendCond *sync.Cond

	onData          func([]byte)
	onMoneyReceived func(amount uint64)
	onMoneySent     func(amount uint64)
	onEnd           func()
	onError         func(*StreamError)
}

func newStream(id uint64, conn *Connection) *Stream {
	buf, _ := circbuf.NewBuffer(int64(recvBufferSize))
	s := &Stream{
		id:                  id,
		conn:                conn,
		receiveMax:          unboundedUint64,
		sendMax:             0,
		remoteMaxDataOffset: unboundedUint64,
		remoteReceiveMax:    unboundedUint64,
		localMaxDataOffset:  defaultStreamDataWindow,
		incoming:            newOffsetReassembler(),
		recvBuf:             buf,
		state:               StreamOpen,
	}
	s.readCond = sync.NewCond(&s.mu)
	s.sendCond = sync.NewCond(&s.mu)
	return s
}

// defaultStreamDataWindow is the initial per-stream incoming-data window we
// advertise, grown as the application reads.
const defaultStreamDataWindow = 1 << 20

// ID returns the stream's id.
func (s *Stream) ID() uint64 { return s.id }

// SetSendMax raises (or sets) the cap on total money this stream may send.
func (s *Stream) SetSendMax(n uint64) {
	s.mu.Lock()
	s.sendMax = n
	s.mu.Unlock()
	s.conn.wake()
}

// SendMax returns the current send cap.
func (s *Stream) SendMax() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sendMax
}

// SendTotal is a Stream API convenience: it raises SendMax to n (leaving
// any greater existing cap alone) and blocks until total_sent has reached
// n, the stream errors or closes, or ctx is cancelled.
func (s *Stream) SendTotal(ctx context.Context, n uint64) error {
	s.mu.Lock()
	if n > s.sendMax {
		s.sendMax = n
	}
	s.mu.Unlock()
	s.conn.wake()

	stopWaiting := make(chan struct{})
	defer close(stopWaiting)
	go func() {
		select {
		case <-ctx.Done():
			s.mu.Lock()
			s.sendCond.Broadcast()
			s.mu.Unlock()
		case <-stopWaiting:
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.totalSent < n {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.err != nil {
			return s.err
		}
		if s.state == StreamClosed || s.state == StreamSendClosed {
			return fmt.Errorf("stream %d closed before sending %d", s.id, n)
		}
		s.sendCond.Wait()
	}
	return nil
}

// SetReceiveMax raises (or sets) the cap on total money this stream may
// receive. Pass unboundedUint64 (via SetReceiveMaxUnbounded) for "no limit".
func (s *Stream) SetReceiveMax(n uint64) {
	s.mu.Lock()
	s.receiveMax = n
	s.mu.Unlock()
	s.conn.wake()
}

// SetReceiveMaxUnbounded removes the receive cap entirely.
func (s *Stream) SetReceiveMaxUnbounded() {
	s.SetReceiveMax(unboundedUint64)
}

// TotalSent returns the cumulative amount committed as sent (Fulfilled).
func (s *Stream) TotalSent() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalSent
}

// TotalDelivered returns the cumulative amount the receiver reported as
// delivered, in the receiver's asset scale.
func (s *Stream) TotalDelivered() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalDelivered
}

// TotalReceived returns the cumulative amount credited to this stream by
// inbound StreamMoney frames.
func (s *Stream) TotalReceived() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.totalReceived
}

// Receipt returns the most recently observed/emitted receipt blob for this
// stream, or nil if none yet.
func (s *Stream) Receipt() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiptLatest
}

// RequestReceipt asks the remote peer to attach an HMAC-signed receipt to
// Fulfill responses crediting this stream. The request is
// carried on the next outbound packet as a StreamReceiptRequestFrame and
// resent on every subsequent outbound packet for this stream until the
// remote peer acknowledges it by Fulfilling one that carried it.
func (s *Stream) RequestReceipt() error {
	nonce, err := randomBytes(16)
	if err != nil {
		return fmt.Errorf("stream %d: generate receipt nonce: %w", s.id, err)
	}
	s.mu.Lock()
	s.requestedReceiptNonce = nonce
	s.receiptRequestAcked = false
	s.mu.Unlock()
	s.conn.wake()
	return nil
}

// receiptRequestFrame returns a StreamReceiptRequestFrame to attach to the
// next outbound packet if a receipt request is outstanding and not yet
// acknowledged.
func (s *Stream) receiptRequestFrame() (*StreamReceiptRequestFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.requestedReceiptNonce == nil || s.receiptRequestAcked {
		return nil, false
	}
	return &StreamReceiptRequestFrame{StreamID: s.id, Nonce: s.requestedReceiptNonce}, true
}

// markReceiptRequestAcked records that an outstanding receipt request was
// carried by a packet the remote peer Fulfilled, so it stops being resent.
func (s *Stream) markReceiptRequestAcked() {
	s.mu.Lock()
	s.receiptRequestAcked = true
	s.mu.Unlock()
}

// registerReceiptNonce stores the nonce a remote sender asked us to use
// when generating receipts for inbound money credited to this stream.
func (s *Stream) registerReceiptNonce(nonce []byte) {
	s.mu.Lock()
	s.receiptNonce = append([]byte(nil), nonce...)
	s.mu.Unlock()
}

// buildReceiptIfRequested returns a StreamReceiptFrame reporting this
// stream's current totalReceived if a remote sender has registered a
// receipt nonce. receiptSecret is the connection's per-shared-secret
// receipt key (Connection.keys.receipt).
func (s *Stream) buildReceiptIfRequested(receiptSecret []byte) (*StreamReceiptFrame, bool) {
	s.mu.Lock()
	nonce := s.receiptNonce
	id := s.id
	total := s.totalReceived
	s.mu.Unlock()
	if nonce == nil {
		return nil, false
	}
	if id > 255 {
		// 1-byte wire limit: no receipt possible above stream id 255.
		return nil, false
	}

	receiptKey := hmacSHA256(receiptSecret, nonce)
	blob, err := CreateReceipt(nonce, id, total, receiptKey)
	if err != nil {
		log.Warn().Err(err).Uint64("streamID", id).Msg("stream: failed to create receipt")
		return nil, false
	}
	return &StreamReceiptFrame{StreamID: id, Receipt: blob}, true
}

// applyReceivedReceipt verifies an inbound receipt blob against our own
// outstanding request nonce and, if authentic, stores it as this stream's
// latest receipt -- enforcing monotonicity by never letting a lower
// totalReceived overwrite a higher one already observed.
func (s *Stream) applyReceivedReceipt(blob []byte, receiptSecret []byte) {
	s.mu.Lock()
	nonce := s.requestedReceiptNonce
	s.mu.Unlock()
	if nonce == nil {
		return
	}

	receiptKey := hmacSHA256(receiptSecret, nonce)
	if !VerifyReceipt(blob, receiptKey) {
		log.Warn().Uint64("streamID", s.id).Msg("stream: received receipt failed verification")
		return
	}
	r, err := DecodeReceipt(blob)
	if err != nil {
		return
	}

	s.mu.Lock()
	if r.TotalReceived >= s.receiptLatestTotal {
		s.receiptLatest = blob
		s.receiptLatestTotal = r.TotalReceived
	}
	s.mu.Unlock()
}

// SetPriority sets the scheduling hint used to order StreamData framing
// across streams sharing one packet's remaining capacity.
func (s *Stream) SetPriority(p Priority) {
	s.mu.Lock()
	s.priority = p
	s.mu.Unlock()
}

// getPriority returns the scheduling hint, used by Connection to order
// streams competing for one packet's data budget.
func (s *Stream) getPriority() Priority {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.priority
}

// closeFrameIfReady returns a StreamCloseFrame and true if this stream has a
// pending graceful Close() with its outgoing queue fully drained and no
// close already sent.
func (s *Stream) closeFrameIfReady() (*StreamCloseFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sendClosePending || s.closeSent {
		return nil, false
	}
	if uint64(len(s.outgoingData)) != s.outgoingOffset-s.outgoingBase {
		return nil, false
	}
	return &StreamCloseFrame{StreamID: s.id, ErrorCode: ErrNoError}, true
}

func (s *Stream) markCloseSent() {
	s.mu.Lock()
	s.closeSent = true
	s.mu.Unlock()
}

// OnData registers a callback invoked whenever new bytes become readable.
func (s *Stream) OnData(fn func([]byte))                   { s.mu.Lock(); s.onData = fn; s.mu.Unlock() }
func (s *Stream) OnMoneyReceived(fn func(amount uint64))    { s.mu.Lock(); s.onMoneyReceived = fn; s.mu.Unlock() }
func (s *Stream) OnMoneySent(fn func(amount uint64))        { s.mu.Lock(); s.onMoneySent = fn; s.mu.Unlock() }
func (s *Stream) OnEnd(fn func())                           { s.mu.Lock(); s.onEnd = fn; s.mu.Unlock() }
func (s *Stream) OnError(fn func(*StreamError))             { s.mu.Lock(); s.onError = fn; s.mu.Unlock() }

// Write enqueues bytes for sending. Writes after the send side is closed
// return an error (stream state SendClosed or Closed).
func (s *Stream) Write(data []byte) (int, error) {
	s.mu.Lock()
	if s.state == StreamSendClosed || s.state == StreamClosed {
		s.mu.Unlock()
		return 0, fmt.Errorf("write on closed stream %d", s.id)
	}
	s.outgoingData = append(s.outgoingData, data...)
	s.mu.Unlock()
	s.conn.wake()
	return len(data), nil
}

// Read blocks until at least one byte is available, the stream's receive
// side is closed, or the stream errors, mirroring the teacher's
// sync.Cond-based StreamConn.Read / consumeBufferDataLocked pattern
// (circbuf.Buffer has no Read method: drain via Bytes()+Reset()).
func (s *Stream) Read(buf []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.recvBuf.TotalWritten() > 0 {
			return s.consumeBufferLocked(buf)
		}
		if s.state == StreamRecvClosed || s.state == StreamClosed {
			return 0, errStreamEOF
		}
		if s.err != nil {
			return 0, s.err
		}
		s.readCond.Wait()
	}
}

// consumeBufferLocked copies buffered bytes into buf and re-queues any
// remainder. Must be called with s.mu held.
func (s *Stream) consumeBufferLocked(buf []byte) (int, error) {
	data := s.recvBuf.Bytes()
	n := copy(buf, data)

	s.recvBuf.Reset()
	if n < len(data) {
		if _, err := s.recvBuf.Write(data[n:]); err != nil {
			return n, fmt.Errorf("write remaining data: %w", err)
		}
	}
	return n, nil
}

var errStreamEOF = fmt.Errorf("stream: end of stream")

// deliverIncoming pushes reassembled, now-contiguous bytes into the
// read-side buffer and wakes blocked readers. Called by the connection
// after reassembly produces new contiguous data.
func (s *Stream) deliverIncoming() {
	for {
		data, ok := s.incoming.Read()
		if !ok {
			break
		}
		if _, err := s.recvBuf.Write(data); err != nil {
			log.Warn().Err(err).Uint64("streamID", s.id).Msg("receive buffer write failed")
		}
		if s.onData != nil {
			cb := s.onData
			go cb(data)
		}
	}
	if s.incoming.Done() && s.state == StreamOpen {
		s.state = StreamRecvClosed
	} else if s.incoming.Done() && s.state == StreamSendClosed {
		s.state = StreamClosed
	}
	s.readCond.Broadcast()
}

// applyInboundMoney credits amount to this stream's totalReceived. Returns
// a *StreamError(ErrFlowControlError) if it would exceed receive_max; the
// caller (Connection) must treat this as reason to reject the whole
// Prepare atomically -- no partial credit is applied here until the
// caller confirms the whole packet is acceptable (see
// Connection.creditInbound for the two-phase check-then-commit split).
func (s *Stream) wouldOverflowReceiveMax(amount uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.receiveMax == unboundedUint64 {
		return false
	}
	return s.totalReceived+amount > s.receiveMax
}

// receiveMaxAndTotalReceived reports the current receive cap and running
// total credited, used to tell a rejected sender exactly how much room it
// has left on this stream.
func (s *Stream) receiveMaxAndTotalReceived() (receiveMax, totalReceived uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiveMax, s.totalReceived
}

func (s *Stream) creditReceived(amount uint64) {
	s.mu.Lock()
	s.totalReceived += amount
	cb := s.onMoneyReceived
	s.mu.Unlock()
	if cb != nil {
		go cb(amount)
	}
	s.conn.wake()
}

// pushIncomingData enforces this stream's advertised window, reassembles,
// and delivers contiguous bytes to the reader.
func (s *Stream) pushIncomingData(offset uint64, data []byte, final bool) error {
	s.mu.Lock()
	if offset+uint64(len(data)) > s.localMaxDataOffset {
		s.mu.Unlock()
		return NewStreamError(ErrFlowControlError, "stream data window exceeded")
	}
	if err := s.incoming.Push(offset, data); err != nil {
		s.mu.Unlock()
		return err
	}
	if final {
		s.incoming.SetEndOffset(offset + uint64(len(data)))
	}
	s.mu.Unlock()

	s.deliverIncoming()
	return nil
}

// availableSendShare returns how much more money this stream wants to
// commit right now: min(send_max - total_sent - holds, effectively
// unbounded outstanding demand), further bounded by the peer's last
// advertised receive window. This is the named-shares extension point --
// a future ax+b allocator would replace only this method.
func (s *Stream) availableSendShare() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StreamSendClosed || s.state == StreamClosed {
		return 0
	}
	committed := s.totalSent + s.holds
	if committed >= s.sendMax {
		return 0
	}
	share := s.sendMax - committed

	if s.remoteReceiveMax != unboundedUint64 {
		if s.remoteTotalReceived >= s.remoteReceiveMax {
			return 0
		}
		if room := s.remoteReceiveMax - s.remoteTotalReceived; room < share {
			share = room
		}
	}
	return share
}

// applyRemoteMaxMoney records the peer's advertised receive window for this
// stream from an inbound StreamMaxMoney frame (sent on every Fulfill
// response reporting current caps), so future sends stop short of an
// amount the peer has already told us it won't accept.
func (s *Stream) applyRemoteMaxMoney(receiveMax, totalReceived uint64) {
	s.mu.Lock()
	s.remoteReceiveMax = receiveMax
	s.remoteTotalReceived = totalReceived
	s.mu.Unlock()
	s.conn.wake()
}

// commitHold reserves amount against send_max ahead of dispatching a
// Prepare that includes it.
func (s *Stream) commitHold(amount uint64) {
	s.mu.Lock()
	s.holds += amount
	s.mu.Unlock()
}

// releaseHold undoes commitHold after a Reject.
func (s *Stream) releaseHold(amount uint64) {
	s.mu.Lock()
	if amount > s.holds {
		amount = s.holds
	}
	s.holds -= amount
	s.mu.Unlock()
}

// confirmSent moves a held amount into total_sent/total_delivered after a
// Fulfill, and fires the money_sent event.
func (s *Stream) confirmSent(sentAmount, deliveredAmount uint64) {
	s.mu.Lock()
	if sentAmount > s.holds {
		sentAmount = s.holds
	}
	s.holds -= sentAmount
	s.totalSent += sentAmount
	s.totalDelivered += deliveredAmount
	cb := s.onMoneySent
	s.sendCond.Broadcast()
	s.mu.Unlock()
	if cb != nil {
		go cb(sentAmount)
	}
}

// pendingOutgoingBytes returns how many unsent bytes remain queued.
func (s *Stream) pendingOutgoingBytes() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.outgoingData)) - (s.outgoingOffset - s.outgoingBase)
}

// nextDataFrame builds at most one StreamDataFrame carrying up to maxBytes
// of this stream's queued outgoing data, respecting the peer's advertised
// per-stream window. Returns nil if there is nothing eligible to send.
func (s *Stream) nextDataFrame(maxBytes int) *StreamDataFrame {
	s.mu.Lock()
	defer s.mu.Unlock()

	avail := uint64(len(s.outgoingData)) - (s.outgoingOffset - s.outgoingBase)
	if avail == 0 {
		return nil
	}

	room := maxBytes
	if s.remoteMaxDataOffset != unboundedUint64 {
		windowRemaining := int64(s.remoteMaxDataOffset) - int64(s.outgoingOffset)
		if windowRemaining <= 0 {
			return nil
		}
		if int64(room) > windowRemaining {
			room = int(windowRemaining)
		}
	}
	if uint64(room) > avail {
		room = int(avail)
	}
	if room <= 0 {
		return nil
	}

	start := s.outgoingOffset - s.outgoingBase
	data := make([]byte, room)
	copy(data, s.outgoingData[start:start+uint64(room)])

	frame := &StreamDataFrame{StreamID: s.id, Offset: s.outgoingOffset, Data: data}
	s.outgoingOffset += uint64(room)
	return frame
}

// markDataSent is called once a packet carrying bytes up to newSentOffset
// has been Fulfilled, freeing that prefix from the outgoing buffer.
func (s *Stream) markDataSent(newSentOffset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if newSentOffset <= s.outgoingSentOffset {
		return
	}
	advance := newSentOffset - s.outgoingBase
	if advance > uint64(len(s.outgoingData)) {
		advance = uint64(len(s.outgoingData))
	}
	s.outgoingData = s.outgoingData[advance:]
	s.outgoingBase += advance
	s.outgoingSentOffset = newSentOffset
}

// rewindUnsent is called after a Reject to make previously-framed-but-not-
// delivered bytes eligible for resend.
func (s *Stream) rewindUnsent(toOffset uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if toOffset < s.outgoingOffset {
		s.outgoingOffset = toOffset
	}
}

// setRemoteMaxData applies an inbound StreamMaxData/StreamDataBlocked
// window update from the peer.
func (s *Stream) setRemoteMaxData(maxOffset uint64) {
	s.mu.Lock()
	s.remoteMaxDataOffset = maxOffset
	s.mu.Unlock()
}

// Close gracefully closes the stream's send side: pending writes drain,
// then a StreamClose{NoError} frame is emitted on the next packet.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.state == StreamClosed || s.state == StreamSendClosed {
		s.mu.Unlock()
		return
	}
	s.sendClosePending = true
	if s.state == StreamOpen {
		s.state = StreamSendClosed
	} else {
		s.state = StreamClosed
	}
	s.mu.Unlock()
	s.conn.wake()
}

// Destroy abruptly closes the stream, surfacing err immediately to the
// error event rather than draining pending sends.
func (s *Stream) Destroy(err *StreamError) {
	if err == nil {
		err = NewStreamError(ErrApplicationError, "destroyed")
	}
	s.mu.Lock()
	s.state = StreamClosed
	s.err = err
	cb := s.onError
	s.readCond.Broadcast()
	s.sendCond.Broadcast()
	s.mu.Unlock()
	if cb != nil {
		go cb(err)
	}
	s.conn.wake()
}

// closable reports whether both directions are closed and no holds remain:
// a stream is destroyed once both directions are closed and no holds are
// still outstanding.
func (s *Stream) closable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == StreamClosed && s.holds == 0
}

// applyRemoteClose records an inbound StreamClose frame.
func (s *Stream) applyRemoteClose(code ErrorCode, message string) {
	s.mu.Lock()
	s.closeReceived = true
	if code != ErrNoError {
		s.err = NewStreamError(code, message)
	}
	if s.state == StreamOpen {
		s.state = StreamRecvClosed
	} else if s.state == StreamSendClosed {
		s.state = StreamClosed
	}
	cb := s.onEnd
	s.readCond.Broadcast()
	s.sendCond.Broadcast()
	s.mu.Unlock()
	if cb != nil {
		go cb()
	}
}
