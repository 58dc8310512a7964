package workflow

import (
	"math"
	"time"

	"github.com/Steppenwolf0809/sistema-trazabilidad-notaria-sub001/config"
)

type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func RetryPolicyFromSettings(s *config.NotificationSettings) RetryPolicy {
	if s == nil {
		s = config.DefaultNotificationSettings()
	}
	return RetryPolicy{
		MaxAttempts: s.MaxAttempts,
		BaseBackoff: s.BaseBackoff(),
		MaxBackoff:  s.MaxBackoff(),
	}
}

// Backoff returns base * 2^(attempt-1), capped at MaxBackoff.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.BaseBackoff
	}
	exp := float64(attempt - 1)
	delay := time.Duration(float64(p.BaseBackoff) * math.Pow(2, exp))
	if p.MaxBackoff > 0 && (delay > p.MaxBackoff || delay <= 0) {
		return p.MaxBackoff
	}
	return delay
}

// Exhausted is true once attempts reached the budget; no further send is scheduled.
func (p RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}
