// Package ratecontrol decides how long to wait before each externally
// observable action and how far to back off after failures and detection
// signals. It never sleeps itself; callers consume the returned delays.
package ratecontrol

// Tier is the escalation level of the controller.
type Tier int

const (
	// TierNormal is the steady state with the narrowest delay range.
	TierNormal Tier = iota
	// TierCautious follows a short failure streak.
	TierCautious
	// TierBackoff follows a longer failure streak or a detection signal.
	TierBackoff
	// TierCooldown enforces a mandatory quiet interval.
	TierCooldown
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierCautious:
		return "cautious"
	case TierBackoff:
		return "backoff"
	case TierCooldown:
		return "cooldown"
	default:
		return "unknown"
	}
}

func clampTier(t Tier) Tier {
	if t < TierNormal {
		return TierNormal
	}
	if t > TierCooldown {
		return TierCooldown
	}
	return t
}

// ActionClass groups actions that share pacing semantics.
type ActionClass string

const (
	ActionNavigate ActionClass = "navigate"
	ActionSubmit   ActionClass = "submit"
	ActionFetch    ActionClass = "fetch"
	ActionExtract  ActionClass = "extract"
)

// Signal qualifies an outcome beyond plain success or failure.
type Signal int

const (
	// SignalNone carries no extra information.
	SignalNone Signal = iota
	// SignalThrottle means the target asked us to slow down.
	SignalThrottle
	// SignalDetection means the target suspects automation.
	SignalDetection
)

func (s Signal) String() string {
	switch s {
	case SignalThrottle:
		return "throttle"
	case SignalDetection:
		return "detection"
	default:
		return "none"
	}
}
