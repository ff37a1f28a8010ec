package stream

import "sync"

// congestionController implements AIMD-style pacing: an additive-increase
// test ceiling on success, a multiplicative-decrease halving on an F08
// AmountTooLarge reject, following the same shape as a cwnd/ssthresh
// slow-start scheme adapted from a packet-count window to a money-amount
// ceiling.
type congestionController struct {
	mu sync.Mutex

	amount   uint64 // current per-packet test ceiling
	increase uint64 // additive step applied on a successful Fulfill

	// maxPacketAmount is the discovered "max_packet_amount" upper bound;
	// ^uint64(0) means "unknown (infinity)".
	maxPacketAmount uint64
}

// defaultCongestionStartAmount is an arbitrary but reasonable first probe
// ceiling; real deployments will shrink it quickly via F08 feedback if the
// path's MPPA is smaller.
const defaultCongestionStartAmount = 1_000_000

const defaultCongestionIncrease = 1_000

func newCongestionController() *congestionController {
	return &congestionController{
		amount:          defaultCongestionStartAmount,
		increase:        defaultCongestionIncrease,
		maxPacketAmount: unboundedUint64,
	}
}

// Ceiling returns the maximum source amount usable for the next packet,
// folding together the AIMD test ceiling and the discovered MPPA.
func (c *congestionController) Ceiling() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.maxPacketAmount < c.amount {
		return c.maxPacketAmount
	}
	return c.amount
}

// OnFulfill records a successful Prepare: additive increase.
func (c *congestionController) OnFulfill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.amount += c.increase
}

// OnAmountTooLarge applies the F08 response: learn the path's maximum
// packet amount and multiplicatively halve the test ceiling.
func (c *congestionController) OnAmountTooLarge(maximumAmount uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if maximumAmount < c.maxPacketAmount {
		c.maxPacketAmount = maximumAmount
	}
	c.amount /= 2
	if c.amount == 0 {
		c.amount = 1
	}
}

// MaxPacketAmount returns the discovered MPPA, or unboundedUint64 if none
// has been learned yet.
func (c *congestionController) MaxPacketAmount() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxPacketAmount
}
