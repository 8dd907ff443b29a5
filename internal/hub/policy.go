package hub

import (
	"errors"
	"fmt"
)

// Tier is the pressure level derived from the registry size.
type Tier int

const (
	TierNormal Tier = iota
	TierElevated
	TierShed
)

func (t Tier) String() string {
	switch t {
	case TierNormal:
		return "normal"
	case TierElevated:
		return "elevated"
	case TierShed:
		return "shed"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// SheddingPolicy bounds the registry. Admission is refused at HardCap; the
// sweep loop evicts the oldest connections down to Target once the size goes
// past HighWaterMark.
type SheddingPolicy struct {
	WarnAt        int `yaml:"warn_at" json:"warn_at"`
	HighWaterMark int `yaml:"high_water_mark" json:"high_water_mark"`
	Target        int `yaml:"target" json:"target"`
	HardCap       int `yaml:"hard_cap" json:"hard_cap"`
}

// DefaultPolicy matches a small trusted fleet.
func DefaultPolicy() SheddingPolicy {
	return SheddingPolicy{WarnAt: 10, HighWaterMark: 25, Target: 20, HardCap: 30}
}

// PolicyForCap scales the default thresholds to hardCap: warn at a third,
// shed above five sixths, shed down to two thirds. Small caps round so that
// Target and HighWaterMark never drop below 1.
func PolicyForCap(hardCap int) SheddingPolicy {
	if hardCap <= 0 {
		return DefaultPolicy()
	}
	return SheddingPolicy{
		WarnAt:        hardCap / 3,
		HighWaterMark: hardCap - hardCap/6,
		Target:        hardCap - hardCap/3,
		HardCap:       hardCap,
	}
}

// Complete fills a partially specified policy. A zero policy becomes
// DefaultPolicy. When only HardCap differs from the defaults (or is the only
// field set) the other thresholds are derived with PolicyForCap; otherwise a
// zero HighWaterMark or Target is taken from the derived policy.
func (p SheddingPolicy) Complete() SheddingPolicy {
	if p == (SheddingPolicy{}) {
		return DefaultPolicy()
	}
	if p.HardCap <= 0 {
		return p
	}
	derived := PolicyForCap(p.HardCap)
	def := DefaultPolicy()
	onlyCap := p.WarnAt == 0 && p.HighWaterMark == 0 && p.Target == 0
	defaultsKept := p.WarnAt == def.WarnAt && p.HighWaterMark == def.HighWaterMark && p.Target == def.Target
	if onlyCap || defaultsKept {
		return derived
	}
	if p.HighWaterMark == 0 {
		p.HighWaterMark = derived.HighWaterMark
	}
	if p.Target == 0 {
		p.Target = min(derived.Target, p.HighWaterMark)
	}
	return p
}

var ErrInvalidPolicy = errors.New("invalid shedding policy")

// Validate requires 0 < Target <= HighWaterMark, WarnAt <= HighWaterMark and
// HighWaterMark <= HardCap.
func (p SheddingPolicy) Validate() error {
	switch {
	case p.HardCap <= 0:
		return fmt.Errorf("%w: hard_cap must be positive", ErrInvalidPolicy)
	case p.Target <= 0:
		return fmt.Errorf("%w: target must be positive", ErrInvalidPolicy)
	case p.WarnAt < 0:
		return fmt.Errorf("%w: warn_at must not be negative", ErrInvalidPolicy)
	case p.Target > p.HighWaterMark:
		return fmt.Errorf("%w: target %d above high_water_mark %d", ErrInvalidPolicy, p.Target, p.HighWaterMark)
	case p.WarnAt > p.HighWaterMark:
		return fmt.Errorf("%w: warn_at %d above high_water_mark %d", ErrInvalidPolicy, p.WarnAt, p.HighWaterMark)
	case p.HighWaterMark > p.HardCap:
		return fmt.Errorf("%w: high_water_mark %d above hard_cap %d", ErrInvalidPolicy, p.HighWaterMark, p.HardCap)
	}
	return nil
}

// Evaluate classifies size and, for TierShed, returns how many connections
// must go to get back to Target.
func (p SheddingPolicy) Evaluate(size int) (Tier, int) {
	switch {
	case size > p.HighWaterMark:
		return TierShed, size - p.Target
	case size > p.WarnAt:
		return TierElevated, 0
	default:
		return TierNormal, 0
	}
}
