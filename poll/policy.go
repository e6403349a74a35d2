package poll

import (
	"math"
	"time"
)

// Policy holds the failure thresholds of the poller.
type Policy struct {
	ShortUntil  int // Failures below this wait Short
	MediumUntil int // Failures below this wait Medium, from here on Long
	Short       time.Duration
	Medium      time.Duration
	Long        time.Duration
	NoticeFrom  int           // First failure count that warns guild owners
	NoticeEvery int           // Warn again every this many failures
	GiveUpAt    int           // Failure count that deletes the subscription
	Cooldown    time.Duration // Global pause after a rate-limit response
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		ShortUntil:  10,
		MediumUntil: 30,
		Short:       15 * time.Minute,
		Medium:      time.Hour,
		Long:        24 * time.Hour,
		NoticeFrom:  24,
		NoticeEvery: 6,
		GiveUpAt:    42,
		Cooldown:    time.Hour,
	}
}

// Backoff returns how long to wait after the errorCount-th consecutive failure.
func (p Policy) Backoff(errorCount int) time.Duration {
	switch {
	case errorCount <= 0:
		return 0
	case errorCount < p.ShortUntil:
		return p.Short
	case errorCount < p.MediumUntil:
		return p.Medium
	default:
		return p.Long
	}
}

// GiveUp reports whether errorCount failures end the subscription.
func (p Policy) GiveUp(errorCount int) bool {
	return errorCount >= p.GiveUpAt
}

// ShouldWarn reports whether guild owners get a "still failing" notice at errorCount.
func (p Policy) ShouldWarn(errorCount int) bool {
	if errorCount < p.NoticeFrom || p.GiveUp(errorCount) {
		return false
	}
	if p.NoticeEvery <= 0 {
		return errorCount == p.NoticeFrom
	}
	return (errorCount-p.NoticeFrom)%p.NoticeEvery == 0
}

// Sustained reports whether errorCount has reached the notice band.
func (p Policy) Sustained(errorCount int) bool {
	return errorCount >= p.NoticeFrom
}

// DaysRemaining returns, rounded up, how many days of backoff remain before GiveUpAt is reached.
func (p Policy) DaysRemaining(errorCount int) int {
	var total time.Duration
	for n := errorCount; n < p.GiveUpAt; n++ {
		total += p.Backoff(n)
	}
	return int(math.Ceil(total.Hours() / 24))
}
