// Package delivery tracks outbound messages in a persistent ledger so each
// (recipient, subject, channel) is sent at most once and failed sends are
// retried with exponential backoff until they dead-letter.
package delivery

import (
	"time"

	"briefing/internal/types"
)

// DefaultMaxRetries is the attempt budget per ledger entry.
const DefaultMaxRetries = 3

// Action is what the retry policy recommends for an entry.
type Action int

const (
	ActionRetryNow Action = iota
	ActionWait
	ActionGiveUp
)

func (a Action) String() string {
	switch a {
	case ActionRetryNow:
		return "retry_now"
	case ActionWait:
		return "wait"
	case ActionGiveUp:
		return "give_up"
	default:
		return "unknown"
	}
}

// Decision is the policy output. Wait is set only for ActionWait.
type Decision struct {
	Action Action
	Wait   time.Duration
}

// Policy is the retry schedule: attempt n waits Unit * 2^n after the
// previous attempt, and an entry gives up once it has used MaxRetries.
type Policy struct {
	MaxRetries int
	Unit       time.Duration
}

// NewPolicy fills defaults for non-positive values.
func NewPolicy(maxRetries int, unit time.Duration) Policy {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if unit <= 0 {
		unit = time.Minute
	}
	return Policy{MaxRetries: maxRetries, Unit: unit}
}

// Backoff returns the minimum gap after an entry's attempts-th attempt.
func (p Policy) Backoff(attempts int) time.Duration {
	attempts = max(0, min(attempts, 30))
	return p.Unit * time.Duration(1<<attempts)
}

// Decide evaluates an entry that has made attempts sends, the last at
// lastAttemptAt (nil when never attempted).
func (p Policy) Decide(attempts int, lastAttemptAt *time.Time, now time.Time) Decision {
	if attempts >= p.MaxRetries {
		return Decision{Action: ActionGiveUp}
	}
	if lastAttemptAt == nil {
		return Decision{Action: ActionRetryNow}
	}
	backoff := p.Backoff(attempts)
	elapsed := now.Sub(*lastAttemptAt)
	if elapsed > backoff {
		return Decision{Action: ActionRetryNow}
	}
	return Decision{Action: ActionWait, Wait: backoff - elapsed}
}

// StatusAfterFailure is the ledger status once a failed attempt brings the
// entry to attemptsAfter.
func (p Policy) StatusAfterFailure(attemptsAfter int) types.DeliveryStatus {
	if attemptsAfter >= p.MaxRetries {
		return types.DeliveryDeadLetter
	}
	return types.DeliveryFailed
}
