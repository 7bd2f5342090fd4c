package waitlist

import (
	"time"

	"salon-waitlist/internal/models"
)

// Defaults applied when a salon has no policy or leaves a field unset.
const (
	DefaultCooldownMinutes         = 60
	DefaultPassiveDeclineThreshold = 3
	DefaultPassiveCooldownMinutes  = 7 * 24 * 60
)

// Policy is a fully resolved cooldown policy.
type Policy struct {
	CooldownMinutes         int `json:"cooldown_minutes"`
	PassiveDeclineThreshold int `json:"passive_decline_threshold"`
	PassiveCooldownMinutes  int `json:"passive_cooldown_minutes"`
}

// DefaultPolicy is the policy used when the resolver has nothing.
func DefaultPolicy() Policy {
	return Policy{
		CooldownMinutes:         DefaultCooldownMinutes,
		PassiveDeclineThreshold: DefaultPassiveDeclineThreshold,
		PassiveCooldownMinutes:  DefaultPassiveCooldownMinutes,
	}
}

// EffectivePolicy fills unset or non-positive fields of o with defaults.
// A zero or negative cooldown would leave cooldown_until in the past.
func EffectivePolicy(o models.PolicyOverride) Policy {
	p := DefaultPolicy()
	if v := o.CooldownMinutes; v != nil && *v > 0 {
		p.CooldownMinutes = *v
	}
	if v := o.PassiveDeclineThreshold; v != nil && *v > 0 {
		p.PassiveDeclineThreshold = *v
	}
	if v := o.PassiveCooldownMinutes; v != nil && *v > 0 {
		p.PassiveCooldownMinutes = *v
	}
	return p
}

// Penalty is the cooldown a timeout earns.
type Penalty struct {
	DeclineCount int
	Minutes      int
	Passive      bool
}

// Duration returns the penalty as a time.Duration.
func (p Penalty) Duration() time.Duration {
	return time.Duration(p.Minutes) * time.Minute
}

// PenaltyFor computes the cooldown for one more timeout on top of declineCount.
// Once the threshold is reached every further timeout gets the passive penalty.
func (p Policy) PenaltyFor(declineCount int) Penalty {
	next := declineCount + 1
	if next >= p.PassiveDeclineThreshold {
		return Penalty{DeclineCount: next, Minutes: p.PassiveCooldownMinutes, Passive: true}
	}
	return Penalty{DeclineCount: next, Minutes: p.CooldownMinutes}
}
