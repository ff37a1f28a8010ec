package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExchangeRateTrackerObserveComputesRatio(t *testing.T) {
	tr := newExchangeRateTracker(0)
	tr.Observe(1000, 900)

	require.InDelta(t, 0.9, tr.Rate(), 0.0001)
}

func TestExchangeRateTrackerAccumulatesAcrossObservations(t *testing.T) {
	tr := newExchangeRateTracker(0)
	tr.Observe(100, 90)
	tr.Observe(900, 810)

	require.InDelta(t, 0.9, tr.Rate(), 0.0001)
}

func TestExchangeRateTrackerZeroSentIsNoOp(t *testing.T) {
	tr := newExchangeRateTracker(0)
	tr.Observe(0, 0)

	require.False(t, tr.HasSufficientPrecision())
	require.Equal(t, float64(0), tr.Rate())
}

func TestExchangeRateTrackerMinimumAcceptableRateAppliesSlippage(t *testing.T) {
	tr := newExchangeRateTracker(0.01)
	tr.Observe(1000, 1000)

	require.InDelta(t, 0.99, tr.MinimumAcceptableRate(), 0.0001)
}

func TestExchangeRateTrackerSlippageClampedToUnitInterval(t *testing.T) {
	tr := newExchangeRateTracker(1.5)
	require.Equal(t, float64(1), tr.slippage)

	tr2 := newExchangeRateTracker(-0.5)
	require.Equal(t, float64(0), tr2.slippage)
}

func TestExchangeRateTrackerInsufficientPrecisionUntilEnoughVolume(t *testing.T) {
	tr := newExchangeRateTracker(0)
	tr.Observe(1, 1)
	require.False(t, tr.HasSufficientPrecision(), "only 1 significant digit of volume so far")

	tr.Observe(998, 998)
	require.True(t, tr.HasSufficientPrecision())
}

func TestSignificantDigits(t *testing.T) {
	cases := map[uint64]int{
		0:    0,
		1:    1,
		9:    1,
		10:   2,
		99:   2,
		100:  3,
		999:  3,
		1000: 4,
	}
	for v, want := range cases {
		require.Equal(t, want, significantDigits(v), "v=%d", v)
	}
}

func TestExchangeRateTrackerNeverSufficientWhenNothingDelivered(t *testing.T) {
	tr := newExchangeRateTracker(0)
	amount := uint64(1)
	for i := 0; i < 10; i++ {
		tr.Observe(amount, 0)
		amount *= 10
	}

	require.False(t, tr.HasSufficientPrecision(), "a path delivering nothing must never report sufficient precision")
	require.Equal(t, float64(0), tr.Rate())
}

func TestInsufficientExchangeRatePrecisionMessage(t *testing.T) {
	require.Equal(t,
		"Unable to establish connection, no packets meeting the minimum exchange "+
			"precision of 3 digits made it through the path.",
		errInsufficientExchangeRatePrecision.Error())
}
