package stream

import (
	"fmt"
	"math"
	"sync"
)

// minExchangeRatePrecisionDigits is the number of significant digits the
// connection requires in its observed exchange rate before real money may
// flow.
const minExchangeRatePrecisionDigits = 3

// ErrInsufficientExchangeRatePrecision is returned by createConnection's
// probing phase when no packet made it through the path with enough
// precision to establish a usable rate.
var errInsufficientExchangeRatePrecision = fmt.Errorf(
	"Unable to establish connection, no packets meeting the minimum exchange " +
		"precision of %d digits made it through the path.", minExchangeRatePrecisionDigits)

// exchangeRateTracker maintains the observed delivered/sent ratio across
// probe and real packets, and the slippage-adjusted minimum acceptable
// rate ("exchange_rate", "minimum_acceptable_exchange_rate").
type exchangeRateTracker struct {
	mu sync.Mutex

	slippage float64 // [0.0, 1.0]

	sentTotal      uint64
	deliveredTotal uint64

	rate      float64
	haveRate  bool
	precision int
}

func newExchangeRateTracker(slippage float64) *exchangeRateTracker {
	if slippage < 0 {
		slippage = 0
	}
	if slippage > 1 {
		slippage = 1
	}
	return &exchangeRateTracker{slippage: slippage}
}

// Observe records one probe or real packet's declared source amount and
// the delivered amount echoed back by the peer, updating the running rate
// estimate and its precision.
func (t *exchangeRateTracker) Observe(sent, delivered uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if sent == 0 {
		return
	}

	t.sentTotal += sent
	t.deliveredTotal += delivered

	t.rate = float64(t.deliveredTotal) / float64(t.sentTotal)
	t.haveRate = true
	// Precision tracks significant digits of what was actually delivered,
	// not merely what was sent: a path that drops everything (rate 0.0)
	// must never be reported as precise no matter how much volume was
	// pushed through it.
	t.precision = significantDigits(t.deliveredTotal)
}

// Rate returns the current observed delivered/sent ratio.
func (t *exchangeRateTracker) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate
}

// MinimumAcceptableRate returns exchange_rate * (1 - slippage).
func (t *exchangeRateTracker) MinimumAcceptableRate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rate * (1 - t.slippage)
}

// HasSufficientPrecision reports whether enough probe volume has flowed to
// trust the observed rate to minExchangeRatePrecisionDigits significant
// digits.
func (t *exchangeRateTracker) HasSufficientPrecision() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.haveRate && t.precision >= minExchangeRatePrecisionDigits
}

// significantDigits returns a rough count of decimal significant digits
// representable in v, used only as a heuristic for probe-precision gating
// (a larger cumulative sent amount means finer-grained rate resolution).
func significantDigits(v uint64) int {
	if v == 0 {
		return 0
	}
	return int(math.Floor(math.Log10(float64(v)))) + 1
}
