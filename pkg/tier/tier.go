// Package tier defines the subscription tier limits and validates
// requested run configurations against them. It is a pure lookup with
// no side effects; tier assignment itself is owned by billing.
package tier

import (
	"fmt"
	"regexp"
	"strconv"
)

// Tier is a subscription plan level.
type Tier string

// Supported tiers, most restrictive first.
const (
	Free       Tier = "free"
	Pro        Tier = "pro"
	Business   Tier = "business"
	Enterprise Tier = "enterprise"
)

// Limits describes the resource limits of a single tier.
type Limits struct {
	MaxVUs             int
	MaxDuration        string // human-readable, for error messages
	MaxDurationSeconds int
	MaxConcurrentTests int
	HistoryDays        int
	APIAccess          bool
	ScheduledTests     bool
}

// limits is the process-wide static tier table.
var limits = map[Tier]Limits{
	Free: {
		MaxVUs:             200,
		MaxDuration:        "5 minutes",
		MaxDurationSeconds: 300,
		MaxConcurrentTests: 3,
		HistoryDays:        30,
		APIAccess:          true,
		ScheduledTests:     false,
	},
	Pro: {
		MaxVUs:             1000,
		MaxDuration:        "15 minutes",
		MaxDurationSeconds: 900,
		MaxConcurrentTests: 5,
		HistoryDays:        90,
		APIAccess:          true,
		ScheduledTests:     true,
	},
	Business: {
		MaxVUs:             5000,
		MaxDuration:        "60 minutes",
		MaxDurationSeconds: 3600,
		MaxConcurrentTests: 25,
		HistoryDays:        365,
		APIAccess:          true,
		ScheduledTests:     true,
	},
	Enterprise: {
		MaxVUs:             50000,
		MaxDuration:        "120 minutes",
		MaxDurationSeconds: 7200,
		MaxConcurrentTests: 100,
		HistoryDays:        365,
		APIAccess:          true,
		ScheduledTests:     true,
	},
}

// LimitsFor returns the limits for a tier. Unknown tiers fall back to
// the free tier so a bad value can never widen access.
func LimitsFor(t Tier) Limits {
	if l, ok := limits[t]; ok {
		return l
	}

	return limits[Free]
}

// PolicyError is returned when a run configuration exceeds tier limits.
// The reason is user-facing and names the plan and the limit.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return e.Reason
}

// RunConfig is the requested configuration of a run, as validated
// against tier limits.
type RunConfig struct {
	VUs      int      `json:"vus"`
	Duration string   `json:"duration"`
	Regions  []string `json:"regions,omitempty"`
}

// Validate checks a requested run configuration against the tier's
// limits. It returns nil on success or a *PolicyError naming the
// violated limit.
func Validate(cfg RunConfig, t Tier) error {
	l := LimitsFor(t)

	if cfg.VUs > l.MaxVUs {
		return &PolicyError{Reason: fmt.Sprintf(
			"Your %s plan allows up to %d VUs. Requested: %d. Upgrade to increase your limit.",
			t, l.MaxVUs, cfg.VUs,
		)}
	}

	if ParseDuration(cfg.Duration) > l.MaxDurationSeconds {
		return &PolicyError{Reason: fmt.Sprintf(
			"Your %s plan allows tests up to %s. Upgrade to run longer tests.",
			t, l.MaxDuration,
		)}
	}

	return nil
}

var durationPattern = regexp.MustCompile(`^(\d+)(s|m|h)$`)

// ParseDuration converts a duration string like "30s", "5m" or "1h"
// into seconds. Unparseable strings yield 0, which always passes the
// tier duration check.
func ParseDuration(duration string) int {
	match := durationPattern.FindStringSubmatch(duration)
	if match == nil {
		return 0
	}

	value, err := strconv.Atoi(match[1])
	if err != nil {
		return 0
	}

	switch match[2] {
	case "s":
		return value
	case "m":
		return value * 60
	case "h":
		return value * 3600
	}

	return 0
}

// ValidDuration reports whether the string matches the duration
// grammar accepted by ParseDuration.
func ValidDuration(duration string) bool {
	return durationPattern.MatchString(duration)
}
