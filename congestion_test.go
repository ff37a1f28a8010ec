package stream

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCongestionControllerAdditiveIncrease(t *testing.T) {
	c := newCongestionController()
	before := c.Ceiling()

	c.OnFulfill()

	require.Equal(t, before+defaultCongestionIncrease, c.Ceiling())
}

func TestCongestionControllerAmountTooLargeLearnsMPPA(t *testing.T) {
	c := newCongestionController()
	c.OnAmountTooLarge(500)

	require.Equal(t, uint64(500), c.MaxPacketAmount())
	require.Equal(t, uint64(500), c.Ceiling(), "ceiling is capped at the learned MPPA")
}

func TestCongestionControllerMultiplicativeDecrease(t *testing.T) {
	c := newCongestionController()
	c.amount = 1000
	c.maxPacketAmount = unboundedUint64

	c.OnAmountTooLarge(unboundedUint64)

	require.Equal(t, uint64(500), c.amount)
}

func TestCongestionControllerNeverHalvesToZero(t *testing.T) {
	c := newCongestionController()
	c.amount = 1
	c.maxPacketAmount = unboundedUint64

	c.OnAmountTooLarge(unboundedUint64)

	require.Equal(t, uint64(1), c.amount)
}

func TestCongestionControllerMPPAOnlyShrinks(t *testing.T) {
	c := newCongestionController()
	c.OnAmountTooLarge(1000)
	require.Equal(t, uint64(1000), c.MaxPacketAmount())

	c.OnAmountTooLarge(5000)
	require.Equal(t, uint64(1000), c.MaxPacketAmount(), "a larger hint never raises the learned MPPA")
}
