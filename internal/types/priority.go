package types

import "fmt"

// PriorityTier selects which level of a priority-fee estimate a transaction
// bids at. Tiers are ordered: escalation only ever moves toward TierUnsafeMax.
type PriorityTier int

const (
	TierMin PriorityTier = iota
	TierLow
	TierMedium
	TierHigh
	TierVeryHigh
	TierUnsafeMax
)

var tierNames = map[PriorityTier]string{
	TierMin:       "min",
	TierLow:       "low",
	TierMedium:    "medium",
	TierHigh:      "high",
	TierVeryHigh:  "veryHigh",
	TierUnsafeMax: "unsafeMax",
}

func (t PriorityTier) String() string {
	if name, ok := tierNames[t]; ok {
		return name
	}
	return fmt.Sprintf("tier(%d)", int(t))
}

// ParsePriorityTier maps a config string to a tier.
func ParsePriorityTier(s string) (PriorityTier, error) {
	for tier, name := range tierNames {
		if name == s {
			return tier, nil
		}
	}
	return TierMedium, fmt.Errorf("unknown priority tier: %q", s)
}

// ResolveTier escalates the base tier by one level for every two retries,
// capping at TierUnsafeMax. Monotonically non-decreasing in retryCount.
func ResolveTier(base PriorityTier, retryCount int) PriorityTier {
	if base < TierMin {
		base = TierMin
	}
	if retryCount < 0 {
		retryCount = 0
	}
	tier := base + PriorityTier(retryCount/2)
	if tier > TierUnsafeMax {
		return TierUnsafeMax
	}
	return tier
}
