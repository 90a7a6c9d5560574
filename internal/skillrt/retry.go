package skillrt

import "time"

// RetryPolicy controls how a failed skill invocation is retried before the
// executor gives up and blocks the task WAITING_SKILL (spec §4.5).
// Adapted from the teacher's dispatch retry policy; the tier-escalation
// concept (fast/balanced/premium model tiers) does not apply to skill
// execution and was dropped.
type RetryPolicy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultSkillRetryPolicy is the policy used unless config overrides it.
func DefaultSkillRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:   3,
		InitialDelay: 2 * time.Second,
		MaxDelay:     30 * time.Second,
	}
}

// NextDelay returns the delay before attempt+1 and whether a retry is
// still permitted under the policy.
func (p RetryPolicy) NextDelay(attempt int) (delay time.Duration, shouldRetry bool) {
	if attempt >= p.MaxRetries {
		return 0, false
	}
	return BackoffDelay(attempt+1, p.InitialDelay, p.MaxDelay), true
}
