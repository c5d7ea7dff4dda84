package delivery

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"briefing/internal/types"
)

func TestPolicy_Backoff(t *testing.T) {
	p := NewPolicy(3, time.Minute)

	assert.Equal(t, time.Minute, p.Backoff(0))
	assert.Equal(t, 2*time.Minute, p.Backoff(1))
	assert.Equal(t, 4*time.Minute, p.Backoff(2))
	assert.Equal(t, p.Backoff(30), p.Backoff(99), "exponent is capped")
}

func TestPolicy_Decide(t *testing.T) {
	p := NewPolicy(3, time.Minute)
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name     string
		attempts int
		last     *time.Time
		want     Decision
	}{
		{"never attempted", 0, nil, Decision{Action: ActionRetryNow}},
		{"one failure inside backoff", 1, ago(90 * time.Second), Decision{Action: ActionWait, Wait: 30 * time.Second}},
		{"one failure exactly at backoff", 1, ago(2 * time.Minute), Decision{Action: ActionWait, Wait: 0}},
		{"one failure past backoff", 1, ago(2*time.Minute + time.Second), Decision{Action: ActionRetryNow}},
		{"two failures past backoff", 2, ago(5 * time.Minute), Decision{Action: ActionRetryNow}},
		{"two failures inside backoff", 2, ago(3 * time.Minute), Decision{Action: ActionWait, Wait: time.Minute}},
		{"budget exhausted", 3, ago(time.Hour), Decision{Action: ActionGiveUp}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(tt.attempts, tt.last, now))
		})
	}
}

func TestPolicy_StatusAfterFailure(t *testing.T) {
	p := NewPolicy(3, time.Minute)

	assert.Equal(t, types.DeliveryFailed, p.StatusAfterFailure(1))
	assert.Equal(t, types.DeliveryFailed, p.StatusAfterFailure(2))
	assert.Equal(t, types.DeliveryDeadLetter, p.StatusAfterFailure(3))
}

func TestNewPolicy_Defaults(t *testing.T) {
	p := NewPolicy(0, 0)
	assert.Equal(t, DefaultMaxRetries, p.MaxRetries)
	assert.Equal(t, time.Minute, p.Unit)
	assert.Equal(t, "give_up", ActionGiveUp.String())
}
