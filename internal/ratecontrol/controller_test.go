package ratecontrol

import (
	"context"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	now time.Time
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestController(cfg Config) (*Controller, *fakeClock) {
	clk := &fakeClock{now: time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)}
	c := New(cfg, WithClock(clk.Now), WithRand(rand.New(rand.NewPCG(1, 2))))
	return c, clk
}

func pacingConfig() Config {
	cfg := DefaultConfig()
	cfg.RequestsPerMinute = 0
	return cfg
}

func TestBounds_WidenWithTier(t *testing.T) {
	c, _ := newTestController(pacingConfig())

	prevLo, prevHi := c.Bounds(TierNormal)
	assert.Equal(t, 2*time.Second, prevLo)
	assert.Equal(t, 8*time.Second, prevHi)

	for _, tier := range []Tier{TierCautious, TierBackoff, TierCooldown} {
		lo, hi := c.Bounds(tier)
		assert.Greater(t, lo, prevLo, "lower bound at %s", tier)
		assert.Greater(t, hi, prevHi, "upper bound at %s", tier)
		assert.Greater(t, hi-lo, prevHi-prevLo, "range width at %s", tier)
		prevLo, prevHi = lo, hi
	}
}

func TestBeforeAction_DelayWithinBounds(t *testing.T) {
	c, clk := newTestController(pacingConfig())
	lo, hi := c.Bounds(TierNormal)

	seen := make(map[time.Duration]bool)
	for i := 0; i < 50; i++ {
		d := c.BeforeAction(ActionNavigate)
		assert.GreaterOrEqual(t, d, lo)
		assert.LessOrEqual(t, d, hi)
		seen[d] = true
		clk.Advance(d)
	}
	assert.Greater(t, len(seen), 1, "delays must not be fixed")
}

func TestBeforeAction_ElapsedTimeCounts(t *testing.T) {
	c, clk := newTestController(pacingConfig())

	d := c.BeforeAction(ActionNavigate)
	clk.Advance(d)
	clk.Advance(time.Minute)

	assert.Equal(t, time.Duration(0), c.BeforeAction(ActionNavigate))
}

func TestRecordOutcome_FailureStreakEscalates(t *testing.T) {
	c, _ := newTestController(pacingConfig())

	want := []Tier{TierNormal, TierCautious, TierCautious, TierBackoff, TierBackoff, TierCooldown, TierCooldown}
	for i, w := range want {
		c.RecordOutcome(ActionFetch, false, SignalNone)
		assert.Equal(t, w, c.Tier(), "after %d failures", i+1)
	}
	assert.Equal(t, len(want), c.State().ConsecutiveFailures)
}

func TestRecordOutcome_DetectionJumpsTiers(t *testing.T) {
	c, _ := newTestController(pacingConfig())

	c.RecordOutcome(ActionFetch, false, SignalDetection)
	assert.Equal(t, TierBackoff, c.Tier())

	c.RecordOutcome(ActionFetch, false, SignalDetection)
	assert.Equal(t, TierCooldown, c.Tier())
}

func TestRecordOutcome_ThrottleClimbsOne(t *testing.T) {
	c, _ := newTestController(pacingConfig())

	c.RecordOutcome(ActionFetch, true, SignalThrottle)
	assert.Equal(t, TierCautious, c.Tier())
}

func TestRecordOutcome_DecaysOneTierPerStreak(t *testing.T) {
	c, _ := newTestController(pacingConfig())
	c.RecordOutcome(ActionFetch, false, SignalDetection)
	c.RecordOutcome(ActionFetch, false, SignalDetection)
	require.Equal(t, TierCooldown, c.Tier())

	for i := 0; i < 4; i++ {
		c.RecordOutcome(ActionFetch, true, SignalNone)
		assert.Equal(t, TierCooldown, c.Tier())
	}
	c.RecordOutcome(ActionFetch, true, SignalNone)
	assert.Equal(t, TierBackoff, c.Tier())

	for i := 0; i < 4; i++ {
		c.RecordOutcome(ActionFetch, true, SignalNone)
		assert.Equal(t, TierBackoff, c.Tier())
	}
	c.RecordOutcome(ActionFetch, true, SignalNone)
	assert.Equal(t, TierCautious, c.Tier())
}

func TestRecordOutcome_TierProperties(t *testing.T) {
	c, _ := newTestController(pacingConfig())
	rng := rand.New(rand.NewPCG(42, 7))
	signals := []Signal{SignalNone, SignalThrottle, SignalDetection}

	successesSinceDrop := 0
	for i := 0; i < 5000; i++ {
		ok := rng.IntN(3) > 0
		sig := SignalNone
		if !ok || rng.IntN(10) == 0 {
			sig = signals[rng.IntN(len(signals))]
		}

		before := c.Tier()
		c.RecordOutcome(ActionFetch, ok, sig)
		after := c.Tier()

		failed := !ok || sig != SignalNone
		if failed {
			assert.GreaterOrEqual(t, after, before, "failure lowered the tier at step %d", i)
			successesSinceDrop = 0
			continue
		}

		successesSinceDrop++
		assert.LessOrEqual(t, before-after, Tier(1), "tier skipped downward at step %d", i)
		if after < before {
			assert.GreaterOrEqual(t, successesSinceDrop, c.cfg.DecayStreak, "tier dropped before a full streak at step %d", i)
			successesSinceDrop = 0
		}
	}
}

func TestBeforeAction_CooldownIsHardMinimum(t *testing.T) {
	cfg := pacingConfig()
	cfg.CooldownInterval = 10 * time.Minute
	c, clk := newTestController(cfg)

	c.RecordOutcome(ActionFetch, false, SignalDetection)
	c.RecordOutcome(ActionFetch, false, SignalDetection)
	require.Equal(t, TierCooldown, c.Tier())

	assert.GreaterOrEqual(t, c.BeforeAction(ActionFetch), 10*time.Minute)

	clk.Advance(4 * time.Minute)
	assert.GreaterOrEqual(t, c.CooldownRemaining(), 6*time.Minute-time.Second)
	assert.GreaterOrEqual(t, c.BeforeAction(ActionFetch), 6*time.Minute)
}

func TestBeforeAction_RequestsPerMinuteCeiling(t *testing.T) {
	c, _ := newTestController(Config{RequestsPerMinute: 60, Burst: 1})

	assert.Equal(t, time.Duration(0), c.BeforeAction(ActionFetch))
	second := c.BeforeAction(ActionFetch)
	assert.InDelta(t, float64(time.Second), float64(second), float64(10*time.Millisecond))
}

func TestBeforeAction_ZeroConfigDisablesPacing(t *testing.T) {
	c, _ := newTestController(Config{})
	for i := 0; i < 5; i++ {
		assert.Equal(t, time.Duration(0), c.BeforeAction(ActionSubmit))
	}
	assert.Equal(t, time.Duration(0), c.Backoff(3))
	assert.Equal(t, time.Duration(0), c.KeystrokeDelay())
}

func TestBackoff_GrowsAndCaps(t *testing.T) {
	cfg := pacingConfig()
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = time.Minute
	c, _ := newTestController(cfg)

	first := c.Backoff(1)
	assert.GreaterOrEqual(t, first, 750*time.Millisecond)
	assert.LessOrEqual(t, first, 1250*time.Millisecond)

	third := c.Backoff(3)
	assert.GreaterOrEqual(t, third, 3*time.Second)
	assert.LessOrEqual(t, third, 5*time.Second)

	assert.LessOrEqual(t, c.Backoff(30), 75*time.Second)

	c.RecordOutcome(ActionFetch, false, SignalDetection)
	scaled := c.Backoff(1)
	assert.GreaterOrEqual(t, scaled, 3*time.Second, "backoff scales with tier")
}

func TestPacerDelays(t *testing.T) {
	c, _ := newTestController(DefaultConfig())
	for i := 0; i < 20; i++ {
		k := c.KeystrokeDelay()
		assert.GreaterOrEqual(t, k, 50*time.Millisecond)
		assert.LessOrEqual(t, k, 150*time.Millisecond)

		in := c.InteractionDelay()
		assert.GreaterOrEqual(t, in, 500*time.Millisecond)
		assert.LessOrEqual(t, in, 1500*time.Millisecond)
	}
}

func TestSleep_HonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Sleep(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)

	assert.NoError(t, Sleep(context.Background(), time.Millisecond))
}

func TestTierString(t *testing.T) {
	assert.Equal(t, "normal", TierNormal.String())
	assert.Equal(t, "cooldown", TierCooldown.String())
	assert.Equal(t, "unknown", Tier(9).String())
}
