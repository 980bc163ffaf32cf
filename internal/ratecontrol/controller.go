package ratecontrol

import (
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Config controls pacing and escalation. Zero delay bounds disable pacing,
// which tests rely on; structural fields fall back to defaults when unset.
type Config struct {
	// DelayMin and DelayMax bound the randomized pause at TierNormal.
	DelayMin time.Duration
	DelayMax time.Duration

	// TierMultipliers scale both delay bounds per tier. They must be
	// strictly increasing. Default: 1, 2, 4, 8.
	TierMultipliers [4]float64

	// FailureThresholds are the consecutive-failure counts that lift the
	// tier to Cautious, Backoff and Cooldown. Default: 2, 4, 6.
	FailureThresholds [3]int

	// DetectionJump is how many tiers a detection signal climbs. Minimum 2.
	DetectionJump int

	// DecayStreak is the number of consecutive successes needed to drop
	// one tier. Default: 5.
	DecayStreak int

	// CooldownInterval is the mandatory quiet period at TierCooldown.
	// Default: 10m.
	CooldownInterval time.Duration

	// RequestsPerMinute caps the action rate at TierNormal. Zero disables
	// the ceiling.
	RequestsPerMinute float64
	Burst             int

	KeystrokeMin   time.Duration
	KeystrokeMax   time.Duration
	InteractionMin time.Duration
	InteractionMax time.Duration

	// BackoffBase and BackoffMax shape retry backoff. Zero base disables it.
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

// DefaultConfig mirrors the pacing of a careful human operator.
func DefaultConfig() Config {
	return Config{
		DelayMin:          2 * time.Second,
		DelayMax:          8 * time.Second,
		TierMultipliers:   [4]float64{1, 2, 4, 8},
		FailureThresholds: [3]int{2, 4, 6},
		DetectionJump:     2,
		DecayStreak:       5,
		CooldownInterval:  10 * time.Minute,
		RequestsPerMinute: 10,
		Burst:             1,
		KeystrokeMin:      50 * time.Millisecond,
		KeystrokeMax:      150 * time.Millisecond,
		InteractionMin:    500 * time.Millisecond,
		InteractionMax:    1500 * time.Millisecond,
		BackoffBase:       3 * time.Second,
		BackoffMax:        2 * time.Minute,
	}
}

func applyDefaults(cfg Config) Config {
	def := DefaultConfig()
	if cfg.TierMultipliers == [4]float64{} {
		cfg.TierMultipliers = def.TierMultipliers
	}
	for i := 1; i < len(cfg.TierMultipliers); i++ {
		if cfg.TierMultipliers[i] <= cfg.TierMultipliers[i-1] {
			cfg.TierMultipliers = def.TierMultipliers
			break
		}
	}
	if cfg.FailureThresholds == [3]int{} {
		cfg.FailureThresholds = def.FailureThresholds
	}
	if cfg.DetectionJump < 2 {
		cfg.DetectionJump = 2
	}
	if cfg.DecayStreak <= 0 {
		cfg.DecayStreak = def.DecayStreak
	}
	if cfg.CooldownInterval <= 0 {
		cfg.CooldownInterval = def.CooldownInterval
	}
	if cfg.DelayMax < cfg.DelayMin {
		cfg.DelayMax = cfg.DelayMin
	}
	if cfg.KeystrokeMax < cfg.KeystrokeMin {
		cfg.KeystrokeMax = cfg.KeystrokeMin
	}
	if cfg.InteractionMax < cfg.InteractionMin {
		cfg.InteractionMax = cfg.InteractionMin
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	return cfg
}

// State is a snapshot of the controller's rate state.
type State struct {
	Tier                 Tier      `json:"tier"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	LastAction           time.Time `json:"last_action"`
	CooldownUntil        time.Time `json:"cooldown_until"`
	Actions              int       `json:"actions"`
}

// Option customizes a Controller.
type Option func(*Controller)

// WithRand sets the random source, for deterministic tests.
func WithRand(r *rand.Rand) Option {
	return func(c *Controller) { c.rng = r }
}

// WithClock sets the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.nowFunc = now }
}

// Controller is the process-wide pacing authority for one account. It is
// safe for concurrent use, but a pipeline owns it as a single writer.
type Controller struct {
	cfg     Config
	mu      sync.Mutex
	state   State
	rng     *rand.Rand
	limiter *rate.Limiter
	baseLim rate.Limit
	log     *zap.Logger

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

// New creates a Controller.
func New(cfg Config, opts ...Option) *Controller {
	cfg = applyDefaults(cfg)
	c := &Controller{
		cfg:     cfg,
		nowFunc: time.Now,
		log:     zap.L().With(zap.String("component", "ratecontrol")),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.rng == nil {
		c.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if cfg.RequestsPerMinute > 0 {
		c.baseLim = rate.Limit(cfg.RequestsPerMinute / 60)
		c.limiter = rate.NewLimiter(c.baseLim, cfg.Burst)
	}
	return c
}

// BeforeAction returns how long the caller must wait before performing an
// action of the given class, and books that slot. While the controller is in
// cooldown the delay covers at least the rest of the mandatory interval.
func (c *Controller) BeforeAction(class ActionClass) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	lo, hi := c.boundsLocked(c.state.Tier)
	pause := c.between(lo, hi)

	var delay time.Duration
	if c.state.LastAction.IsZero() {
		delay = pause
	} else {
		delay = c.state.LastAction.Add(pause).Sub(now)
	}
	if delay < 0 {
		delay = 0
	}
	if remaining := c.state.CooldownUntil.Sub(now); remaining > delay {
		delay = remaining
	}
	if c.limiter != nil {
		at := now.Add(delay)
		r := c.limiter.ReserveN(at, 1)
		if r.OK() {
			delay += r.DelayFrom(at)
		}
	}

	c.state.LastAction = now.Add(delay)
	c.state.Actions++

	c.log.Debug("action paced",
		zap.String("class", string(class)),
		zap.Stringer("tier", c.state.Tier),
		zap.Duration("delay", delay),
	)
	return delay
}

// RecordOutcome updates the failure streak and escalation tier after an
// externally observable action.
func (c *Controller) RecordOutcome(class ActionClass, succeeded bool, sig Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.nowFunc()
	prev := c.state.Tier
	failed := !succeeded || sig != SignalNone

	switch {
	case sig == SignalDetection:
		c.state.ConsecutiveFailures++
		c.state.ConsecutiveSuccesses = 0
		c.state.Tier = clampTier(c.state.Tier + Tier(c.cfg.DetectionJump))
	case failed:
		c.state.ConsecutiveFailures++
		c.state.ConsecutiveSuccesses = 0
		if t := c.tierForFailures(c.state.ConsecutiveFailures); t > c.state.Tier {
			c.state.Tier = t
		}
		if sig == SignalThrottle {
			c.state.Tier = clampTier(c.state.Tier + 1)
		}
	default:
		c.state.ConsecutiveFailures = 0
		c.state.ConsecutiveSuccesses++
		if c.state.ConsecutiveSuccesses >= c.cfg.DecayStreak && c.state.Tier > TierNormal {
			c.state.Tier--
			c.state.ConsecutiveSuccesses = 0
		}
	}

	if c.state.Tier == TierCooldown && failed {
		c.state.CooldownUntil = now.Add(c.cfg.CooldownInterval)
	}

	if c.state.Tier != prev {
		if c.limiter != nil {
			c.limiter.SetLimitAt(now, c.baseLim/rate.Limit(c.cfg.TierMultipliers[c.state.Tier]))
		}
		c.log.Info("escalation tier changed",
			zap.String("class", string(class)),
			zap.Stringer("from", prev),
			zap.Stringer("to", c.state.Tier),
			zap.Stringer("signal", sig),
			zap.Int("consecutive_failures", c.state.ConsecutiveFailures),
		)
	}
}

// Backoff returns the pause before retry number attempt (1-based), scaled by
// the current tier and jittered by ±25%.
func (c *Controller) Backoff(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cfg.BackoffBase <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	d := float64(c.cfg.BackoffBase) * math.Pow(2, float64(attempt-1)) * c.cfg.TierMultipliers[c.state.Tier]
	if d > float64(c.cfg.BackoffMax) {
		d = float64(c.cfg.BackoffMax)
	}
	d += (c.rng.Float64()*2 - 1) * d * 0.25
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// KeystrokeDelay returns a randomized pause between typed characters.
func (c *Controller) KeystrokeDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.between(c.cfg.KeystrokeMin, c.cfg.KeystrokeMax)
}

// InteractionDelay returns a randomized pause around clicks and submits.
func (c *Controller) InteractionDelay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.between(c.cfg.InteractionMin, c.cfg.InteractionMax)
}

// State returns a snapshot of the rate state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Tier returns the current escalation tier.
func (c *Controller) Tier() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Tier
}

// CooldownRemaining reports how much of the mandatory interval is left.
func (c *Controller) CooldownRemaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d := c.state.CooldownUntil.Sub(c.nowFunc()); d > 0 {
		return d
	}
	return 0
}

// Bounds returns the randomized delay range used at tier t.
func (c *Controller) Bounds(t Tier) (lo, hi time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.boundsLocked(clampTier(t))
}

func (c *Controller) boundsLocked(t Tier) (time.Duration, time.Duration) {
	m := c.cfg.TierMultipliers[t]
	return time.Duration(float64(c.cfg.DelayMin) * m), time.Duration(float64(c.cfg.DelayMax) * m)
}

func (c *Controller) tierForFailures(n int) Tier {
	t := TierNormal
	for i, threshold := range c.cfg.FailureThresholds {
		if threshold > 0 && n >= threshold {
			t = Tier(i + 1)
		}
	}
	return t
}

func (c *Controller) between(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	return lo + time.Duration(c.rng.Int64N(int64(hi-lo)+1))
}
